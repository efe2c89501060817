// Package trie implements the arena-backed character trie used by the
// indices, its on-disk encoding, and a Reader that answers exact and prefix
// queries by seeking inside an encoded file without loading it.
//
// Nodes live in a single append-only slice and refer to each other by
// NodeID, the node's position in that slice. The root is always NodeID 0.
// Each edge is one Unicode scalar value. A node's values are the record
// identifiers whose indexed phrase spells the path from the root to it.
package trie

// NodeID is an opaque handle to a node in a Trie's arena.
type NodeID uint32

type node struct {
	children map[rune]NodeID
	// edges holds the keys of children in insertion order; encoding walks it
	// so that equal tries always produce equal files.
	edges   []rune
	values  []uint32
	address uint32
}

func (n *node) child(c rune) (NodeID, bool) {
	id, ok := n.children[c]
	return id, ok
}

func (n *node) link(c rune, id NodeID) {
	if n.children == nil {
		n.children = make(map[rune]NodeID, 1)
	}
	n.children[c] = id
	n.edges = append(n.edges, c)
}

// Trie is a mutable character trie. It is not safe for concurrent use.
type Trie struct {
	nodes []node
	root  NodeID
}

// New returns a trie holding only an empty root node.
func New() *Trie {
	return &Trie{
		nodes: []node{{}},
		root:  0,
	}
}

// Add records id under text, creating any missing nodes along the way.
// Adding the same pair twice stores id twice.
func (t *Trie) Add(text string, id uint32) {
	cur := t.root
	for _, c := range text {
		next, ok := t.nodes[cur].child(c)
		if !ok {
			next = t.newNode()
			t.nodes[cur].link(c, next)
		}
		cur = next
	}
	t.nodes[cur].values = append(t.nodes[cur].values, id)
}

func (t *Trie) newNode() NodeID {
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, node{})
	return id
}

// Clone returns a deep copy that shares no state with t.
func (t *Trie) Clone() *Trie {
	nodes := make([]node, len(t.nodes))
	for i := range t.nodes {
		src := &t.nodes[i]
		dst := &nodes[i]
		dst.address = src.address
		if len(src.values) > 0 {
			dst.values = append([]uint32(nil), src.values...)
		}
		if len(src.edges) > 0 {
			dst.edges = append([]rune(nil), src.edges...)
			dst.children = make(map[rune]NodeID, len(src.children))
			for c, id := range src.children {
				dst.children[c] = id
			}
		}
	}
	return &Trie{nodes: nodes, root: t.root}
}

// Len returns the number of nodes, root included.
func (t *Trie) Len() int {
	return len(t.nodes)
}

// Values returns the identifiers stored exactly at text. An empty text
// matches nothing.
func (t *Trie) Values(text string) []uint32 {
	if text == "" {
		return nil
	}
	id, ok := t.find(text)
	if !ok {
		return nil
	}
	return append([]uint32(nil), t.nodes[id].values...)
}

// PrefixValues returns every identifier stored at text or below it, in
// breadth-first order. An empty text matches nothing.
func (t *Trie) PrefixValues(text string) []uint32 {
	if text == "" {
		return nil
	}
	start, ok := t.find(text)
	if !ok {
		return nil
	}
	var out []uint32
	queue := []NodeID{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := &t.nodes[id]
		out = append(out, n.values...)
		for _, c := range n.edges {
			queue = append(queue, n.children[c])
		}
	}
	return out
}

func (t *Trie) find(text string) (NodeID, bool) {
	cur := t.root
	for _, c := range text {
		next, ok := t.nodes[cur].child(c)
		if !ok {
			return 0, false
		}
		cur = next
	}
	return cur, true
}
