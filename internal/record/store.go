package record

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
)

const scanCheckEvery = 1024

// Store is an append-only file of fixed-width records. Reads may run
// concurrently; appends are serialized by the store.
type Store struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open opens the store at path, creating an empty one if it does not exist.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating record store directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	return &Store{file: f, path: path}, nil
}

// Create truncates the store at path so that a fresh generation can be
// written into it.
func Create(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating record store directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating record store: %w", err)
	}
	return &Store{file: f, path: path}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.file.Close()
}

// Count returns the number of complete records. A trailing partial record
// left by an interrupted append is not counted.
func (s *Store) Count() (uint32, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat record store: %w", err)
	}
	return uint32(info.Size() / int64(Size)), nil
}

// Get reads the record with the given 1-based id.
func (s *Store) Get(id uint32) (*Record, error) {
	count, err := s.Count()
	if err != nil {
		return nil, err
	}
	if id == 0 || id > count {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", apperrors.ErrRecordOutOfRange, id, count)
	}
	buf := make([]byte, Size)
	if _, err := s.file.ReadAt(buf, offset(id)); err != nil {
		return nil, fmt.Errorf("reading record %d: %w", id, err)
	}
	rec := &Record{}
	if err := rec.UnmarshalBinary(buf); err != nil {
		return nil, fmt.Errorf("decoding record %d: %w", id, err)
	}
	return rec, nil
}

// GetMany reads the given ids in order, skipping any that are out of range.
func (s *Store) GetMany(ids []uint32) ([]*Record, error) {
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(id)
		if errors.Is(err, apperrors.ErrRecordOutOfRange) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Append writes rec after the last complete record and returns its id.
func (s *Store) Append(rec *Record) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.Count()
	if err != nil {
		return 0, err
	}
	buf, err := rec.MarshalBinary()
	if err != nil {
		return 0, err
	}
	id := count + 1
	if _, err := s.file.WriteAt(buf, offset(id)); err != nil {
		return 0, fmt.Errorf("writing record %d: %w", id, err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("syncing record store: %w", err)
	}
	return id, nil
}

// Writer returns a buffered bulk writer positioned after the last complete
// record. The store must not be appended to through other paths until the
// writer is flushed.
func (s *Store) Writer() (*Writer, error) {
	count, err := s.Count()
	if err != nil {
		return nil, err
	}
	if err := s.file.Truncate(int64(count) * int64(Size)); err != nil {
		return nil, fmt.Errorf("trimming record store: %w", err)
	}
	if _, err := s.file.Seek(int64(count)*int64(Size), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking record store: %w", err)
	}
	return &Writer{
		store: s,
		bw:    bufio.NewWriterSize(s.file, 256*Size),
		buf:   make([]byte, Size),
		next:  count + 1,
	}, nil
}

// Scan calls fn for every complete record in id order. rec is reused between
// calls. Scan stops at the first error returned by fn or when ctx is done.
func (s *Store) Scan(ctx context.Context, fn func(id uint32, rec *Record) error) error {
	count, err := s.Count()
	if err != nil {
		return err
	}
	r := bufio.NewReaderSize(io.NewSectionReader(s.file, 0, int64(count)*int64(Size)), 256*Size)
	buf := make([]byte, Size)
	var rec Record
	for id := uint32(1); id <= count; id++ {
		if id%scanCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("reading record %d: %w", id, err)
		}
		if err := rec.UnmarshalBinary(buf); err != nil {
			return fmt.Errorf("decoding record %d: %w", id, err)
		}
		if err := fn(id, &rec); err != nil {
			return err
		}
	}
	return nil
}

func offset(id uint32) int64 {
	return int64(id-1) * int64(Size)
}

// Writer appends records in bulk through a buffer.
type Writer struct {
	store *Store
	bw    *bufio.Writer
	buf   []byte
	next  uint32
}

// Write buffers rec and returns the id it will have once flushed.
func (w *Writer) Write(rec *Record) (uint32, error) {
	clear(w.buf)
	rec.encodeTo(w.buf)
	if _, err := w.bw.Write(w.buf); err != nil {
		return 0, fmt.Errorf("writing record %d: %w", w.next, err)
	}
	id := w.next
	w.next++
	return id, nil
}

// Flush writes buffered records and syncs the store.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flushing record store: %w", err)
	}
	if err := w.store.file.Sync(); err != nil {
		return fmt.Errorf("syncing record store: %w", err)
	}
	return nil
}
