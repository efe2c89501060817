package trie

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"unicode/utf8"

	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
)

// On-disk node layout, little endian, nodes written in arena order:
//
//	[3]  value count N
//	[4N] record identifiers
//	[1]  child count M
//	M x  [edge character, UTF-8][4 arena index][4 disk offset of child]
//
// An ASCII edge takes one byte, so ASCII-only tries are byte compatible with
// the single-byte edge layout.
const (
	valueCountSize = 3
	valueSize      = 4
	childCountSize = 1
	edgeRefSize    = 8

	// MaxValues is the largest value count a node can hold on disk.
	MaxValues = 1<<24 - 1
	// MaxChildren is the largest fan-out a node can have on disk.
	MaxChildren = math.MaxUint8

	minNodeSize = valueCountSize + childCountSize
)

var (
	ErrTooManyValues   = errors.New("trie node has too many values")
	ErrTooManyChildren = errors.New("trie node has too many children")
	ErrIndexTooLarge   = errors.New("trie does not fit 32-bit addressing")
)

func encodedSize(n *node) (int64, error) {
	if len(n.values) > MaxValues {
		return 0, fmt.Errorf("%w: %d", ErrTooManyValues, len(n.values))
	}
	if len(n.edges) > MaxChildren {
		return 0, fmt.Errorf("%w: %d", ErrTooManyChildren, len(n.edges))
	}
	size := int64(valueCountSize + valueSize*len(n.values) + childCountSize)
	for _, c := range n.edges {
		l := utf8.RuneLen(c)
		if l < 0 {
			return 0, fmt.Errorf("%w: edge %U is not a valid scalar value", apperrors.ErrInvalidEncoding, c)
		}
		size += int64(l + edgeRefSize)
	}
	return size, nil
}

// assignAddresses is the first encoding pass. It walks the arena in storage
// order and records where every node will start, returning the total size.
func (t *Trie) assignAddresses() (int64, error) {
	var counter int64
	for i := range t.nodes {
		n := &t.nodes[i]
		if counter > math.MaxUint32 {
			return 0, fmt.Errorf("%w: node %d would start at byte %d", ErrIndexTooLarge, i, counter)
		}
		n.address = uint32(counter)
		size, err := encodedSize(n)
		if err != nil {
			return 0, fmt.Errorf("sizing node %d: %w", i, err)
		}
		counter += size
	}
	return counter, nil
}

func (t *Trie) appendNode(dst []byte, n *node) []byte {
	count := len(n.values)
	dst = append(dst, byte(count), byte(count>>8), byte(count>>16))
	for _, v := range n.values {
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	dst = append(dst, byte(len(n.edges)))
	for _, c := range n.edges {
		child := n.children[c]
		dst = utf8.AppendRune(dst, c)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(child))
		dst = binary.LittleEndian.AppendUint32(dst, t.nodes[child].address)
	}
	return dst
}

// WriteTo encodes the trie to w. Addresses are computed in a first pass and
// the nodes are emitted in a second pass over the same order.
func (t *Trie) WriteTo(w io.Writer) (int64, error) {
	total, err := t.assignAddresses()
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriterSize(w, 64*1024)
	var written int64
	buf := make([]byte, 0, 256)
	for i := range t.nodes {
		n := &t.nodes[i]
		if int64(n.address) != written {
			return written, fmt.Errorf("%w: node %d written at %d, expected %d", apperrors.ErrInternal, i, written, n.address)
		}
		buf = t.appendNode(buf[:0], n)
		m, err := bw.Write(buf)
		written += int64(m)
		if err != nil {
			return written, fmt.Errorf("writing node %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return written, fmt.Errorf("flushing trie: %w", err)
	}
	if written != total {
		return written, fmt.Errorf("%w: wrote %d bytes, expected %d", apperrors.ErrInternal, written, total)
	}
	return written, nil
}

// Save writes the trie to path through a temporary file that is synced and
// renamed into place, returning the encoded size.
func (t *Trie) Save(path string) (int64, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("creating index directory: %w", err)
		}
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp index file: %w", err)
	}
	n, err := t.WriteTo(f)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("saving trie to %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming index file: %w", err)
	}
	return n, nil
}

// Load reads and fully decodes the trie stored at path.
func Load(path string) (*Trie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trie file: %w", err)
	}
	defer f.Close()
	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return t, nil
}

type decodedEdge struct {
	char    rune
	arena   uint32
	address uint32
}

// Decode reads a whole encoded trie. Child links are restored from the arena
// indices stored on each edge and checked against the disk addresses.
func Decode(r io.Reader) (*Trie, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	t := &Trie{}
	var edges [][]decodedEdge
	var offset int64
	var scratch [4]byte

	readFull := func(b []byte) error {
		n, err := io.ReadFull(br, b)
		offset += int64(n)
		if err != nil {
			return malformed("truncated node at byte %d: %v", offset, err)
		}
		return nil
	}

	for {
		start := offset
		n, err := io.ReadFull(br, scratch[:valueCountSize])
		if err == io.EOF {
			break
		}
		offset += int64(n)
		if err != nil {
			return nil, malformed("truncated node header at byte %d", start)
		}
		if start > math.MaxUint32 {
			return nil, fmt.Errorf("%w: node at byte %d", ErrIndexTooLarge, start)
		}
		nd := node{address: uint32(start)}
		count := int(scratch[0]) | int(scratch[1])<<8 | int(scratch[2])<<16
		if count > 0 {
			nd.values = make([]uint32, count)
			for i := range nd.values {
				if err := readFull(scratch[:valueSize]); err != nil {
					return nil, err
				}
				nd.values[i] = binary.LittleEndian.Uint32(scratch[:])
			}
		}
		if err := readFull(scratch[:childCountSize]); err != nil {
			return nil, err
		}
		children := int(scratch[0])
		nodeEdges := make([]decodedEdge, 0, children)
		for i := 0; i < children; i++ {
			if err := readFull(scratch[:1]); err != nil {
				return nil, err
			}
			l := runeLenFromLead(scratch[0])
			if l == 0 {
				return nil, malformed("invalid edge lead byte %#x at byte %d", scratch[0], offset-1)
			}
			if l > 1 {
				if err := readFull(scratch[1:l]); err != nil {
					return nil, err
				}
			}
			c, size := utf8.DecodeRune(scratch[:l])
			if size != l {
				return nil, malformed("invalid UTF-8 edge at byte %d", offset-int64(l))
			}
			var ref [edgeRefSize]byte
			if err := readFull(ref[:]); err != nil {
				return nil, err
			}
			nodeEdges = append(nodeEdges, decodedEdge{
				char:    c,
				arena:   binary.LittleEndian.Uint32(ref[0:4]),
				address: binary.LittleEndian.Uint32(ref[4:8]),
			})
		}
		t.nodes = append(t.nodes, nd)
		edges = append(edges, nodeEdges)
	}

	if len(t.nodes) == 0 {
		return nil, malformed("empty trie file")
	}
	for parent, list := range edges {
		for _, e := range list {
			if int(e.arena) <= parent || int(e.arena) >= len(t.nodes) {
				return nil, malformed("node %d links to arena index %d", parent, e.arena)
			}
			if t.nodes[e.arena].address != e.address {
				return nil, malformed("node %d edge %q points at byte %d, node %d starts at %d",
					parent, e.char, e.address, e.arena, t.nodes[e.arena].address)
			}
			if _, dup := t.nodes[parent].children[e.char]; dup {
				return nil, malformed("node %d has duplicate edge %q", parent, e.char)
			}
			t.nodes[parent].link(e.char, NodeID(e.arena))
		}
	}
	return t, nil
}

// runeLenFromLead returns the encoded length implied by a UTF-8 lead byte, or
// 0 if b cannot start a sequence.
func runeLenFromLead(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 0
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrMalformedIndex, fmt.Sprintf(format, args...))
}
