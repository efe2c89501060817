package trie

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
)

var ErrEmptyQuery = fmt.Errorf("%w: empty query", apperrors.ErrInvalidInput)

// maxChildEntry is the largest encoded child entry: a 4-byte rune plus refs.
const maxChildEntry = utf8.UTFMax + edgeRefSize

// Reader answers lookups against an encoded trie by reading only the nodes
// on the query path. It is safe for concurrent use when the underlying
// io.ReaderAt is.
type Reader struct {
	r      io.ReaderAt
	closer io.Closer
	size   int64
	path   string
}

type childRef struct {
	char    rune
	address uint32
}

// OpenReader opens the trie file at path. A missing file is reported with an
// error wrapping fs.ErrNotExist.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trie file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat trie file: %w", err)
	}
	r := NewReader(f, info.Size())
	r.closer = f
	r.path = path
	return r, nil
}

// NewReader wraps an encoded trie of the given size.
func NewReader(r io.ReaderAt, size int64) *Reader {
	return &Reader{r: r, size: size}
}

func (r *Reader) Size() int64 {
	return r.size
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Lookup returns the identifiers stored exactly at query, or with prefix set
// every identifier stored at query or any node below it in breadth-first
// order. A query with no matching path returns nil and no error.
func (r *Reader) Lookup(query string, prefix bool) ([]uint32, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if r.size < minNodeSize {
		return nil, r.wrap(malformed("file of %d bytes holds no root node", r.size))
	}

	var off uint32
	for _, c := range query {
		children, err := r.children(off)
		if err != nil {
			return nil, r.wrap(err)
		}
		next, ok := uint32(0), false
		for _, ch := range children {
			if ch.char == c {
				next, ok = ch.address, true
				break
			}
		}
		if !ok {
			return nil, nil
		}
		off = next
	}

	if !prefix {
		values, _, err := r.values(off)
		if err != nil {
			return nil, r.wrap(err)
		}
		return values, nil
	}
	out, err := r.collect(off)
	if err != nil {
		return nil, r.wrap(err)
	}
	return out, nil
}

// collect walks the subtree rooted at start breadth first.
func (r *Reader) collect(start uint32) ([]uint32, error) {
	var out []uint32
	queue := []uint32{start}
	limit := int(r.size / minNodeSize)
	for head := 0; head < len(queue); head++ {
		if head >= limit {
			return nil, malformed("subtree at byte %d visits more nodes than the file can hold", start)
		}
		off := queue[head]
		values, childAt, err := r.values(off)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
		children, err := r.childrenAt(off, childAt)
		if err != nil {
			return nil, err
		}
		for _, ch := range children {
			queue = append(queue, ch.address)
		}
	}
	return out, nil
}

func (r *Reader) readAt(buf []byte, off int64) error {
	if off < 0 || off+int64(len(buf)) > r.size {
		return malformed("read of %d bytes at byte %d runs past end of file (%d)", len(buf), off, r.size)
	}
	n, err := r.r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return malformed("short read at byte %d", off)
	}
	return fmt.Errorf("reading trie at byte %d: %w", off, err)
}

func (r *Reader) valueCount(off uint32) (int, error) {
	var hdr [valueCountSize]byte
	if err := r.readAt(hdr[:], int64(off)); err != nil {
		return 0, err
	}
	return int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16, nil
}

// values reads the identifiers of the node at off and returns them with the
// offset of the node's child count byte.
func (r *Reader) values(off uint32) ([]uint32, int64, error) {
	count, err := r.valueCount(off)
	if err != nil {
		return nil, 0, err
	}
	start := int64(off) + valueCountSize
	childAt := start + int64(count)*valueSize
	if childAt+childCountSize > r.size {
		return nil, 0, malformed("node at byte %d claims %d values past end of file", off, count)
	}
	if count == 0 {
		return nil, childAt, nil
	}
	buf := make([]byte, count*valueSize)
	if err := r.readAt(buf, start); err != nil {
		return nil, 0, err
	}
	values := make([]uint32, count)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(buf[i*valueSize:])
	}
	return values, childAt, nil
}

// children skips the values of the node at off and parses its child list.
func (r *Reader) children(off uint32) ([]childRef, error) {
	count, err := r.valueCount(off)
	if err != nil {
		return nil, err
	}
	childAt := int64(off) + valueCountSize + int64(count)*valueSize
	return r.childrenAt(off, childAt)
}

func (r *Reader) childrenAt(parent uint32, childAt int64) ([]childRef, error) {
	var cnt [childCountSize]byte
	if err := r.readAt(cnt[:], childAt); err != nil {
		return nil, err
	}
	m := int(cnt[0])
	if m == 0 {
		return nil, nil
	}
	start := childAt + childCountSize
	want := int64(m * maxChildEntry)
	if remaining := r.size - start; want > remaining {
		want = remaining
	}
	if want < int64(m*(1+edgeRefSize)) {
		return nil, malformed("node at byte %d claims %d children past end of file", parent, m)
	}
	buf := make([]byte, want)
	if err := r.readAt(buf, start); err != nil {
		return nil, err
	}

	out := make([]childRef, 0, m)
	pos := 0
	for i := 0; i < m; i++ {
		if pos >= len(buf) {
			return nil, malformed("truncated child %d of node at byte %d", i, parent)
		}
		l := runeLenFromLead(buf[pos])
		if l == 0 || pos+l+edgeRefSize > len(buf) {
			return nil, malformed("truncated child %d of node at byte %d", i, parent)
		}
		c, size := utf8.DecodeRune(buf[pos : pos+l])
		if size != l {
			return nil, malformed("invalid UTF-8 edge in node at byte %d", parent)
		}
		pos += l
		// The arena index at buf[pos:pos+4] is only used by full decode.
		addr := binary.LittleEndian.Uint32(buf[pos+4:])
		pos += edgeRefSize
		if addr <= parent || int64(addr) >= r.size {
			return nil, malformed("node at byte %d links to byte %d outside (%d, %d)", parent, addr, parent, r.size)
		}
		out = append(out, childRef{char: c, address: addr})
	}
	return out, nil
}

func (r *Reader) wrap(err error) error {
	if r.path == "" {
		return err
	}
	return fmt.Errorf("%s: %w", r.path, err)
}
