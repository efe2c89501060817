package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/trie"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/metrics"
)

// Delta holds the small per-field tries of records inserted since the last
// rebuild. Every insert rewrites each delta file in full.
type Delta struct {
	mu      sync.Mutex
	store   *record.Store
	storage config.StorageConfig
	tries   map[Field]*trie.Trie
	pending *pendingInsert
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// OpenDelta loads the delta file of every field. A missing file means an
// empty delta for that field.
func OpenDelta(store *record.Store, storage config.StorageConfig, m *metrics.Metrics) (*Delta, error) {
	d := &Delta{
		store:   store,
		storage: storage,
		tries:   make(map[Field]*trie.Trie, len(Fields)),
		metrics: m,
		logger:  slog.Default().With("component", "delta-index"),
	}
	for _, f := range Fields {
		path := storage.DeltaPath(f.String())
		t, err := trie.Load(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			t = trie.New()
		case err != nil:
			return nil, fmt.Errorf("loading %s delta index: %w", f, err)
		default:
			d.logger.Info("delta index loaded", "field", f.String(), "nodes", t.Len(), "path", path)
		}
		d.tries[f] = t
	}
	return d, nil
}

// Insert appends rec to the record store, indexes it in every field's delta
// trie and rewrites the delta files. The frozen files are left untouched.
//
// The new tries replace the current ones only once every delta file is
// written. When a write fails the files already rewritten are restored and
// the appended record is kept pending: inserting the same record again
// reuses its id instead of appending a second copy.
func (d *Delta) Insert(ctx context.Context, rec *record.Record) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id, err := d.appendOnce(rec)
	if err != nil {
		d.metrics.ObserveInsert(err)
		return 0, fmt.Errorf("appending record: %w", err)
	}

	next := make(map[Field]*trie.Trie, len(Fields))
	for _, f := range Fields {
		t := d.tries[f].Clone()
		IndexText(t, f.Text(rec), id)
		next[f] = t
	}
	for i, f := range Fields {
		if err := d.save(f, next[f]); err != nil {
			d.restore(Fields[:i])
			d.pending = &pendingInsert{rec: *rec, id: id}
			d.metrics.ObserveInsert(err)
			return 0, err
		}
	}
	for f, t := range next {
		d.tries[f] = t
	}
	d.pending = nil
	d.metrics.ObserveInsert(nil)
	d.logger.Info("record inserted", "id", id, "name", rec.Name)
	return id, nil
}

// pendingInsert is a record already in the store whose delta files could not
// be written.
type pendingInsert struct {
	rec record.Record
	id  uint32
}

func (d *Delta) appendOnce(rec *record.Record) (uint32, error) {
	if p := d.pending; p != nil {
		if p.rec == *rec {
			d.logger.Info("resuming pending insert", "id", p.id)
			return p.id, nil
		}
		d.logger.Warn("pending record left to the next rebuild", "id", p.id, "name", p.rec.Name)
		d.pending = nil
	}
	return d.store.Append(rec)
}

// restore rewrites the delta files of fields from the committed tries.
func (d *Delta) restore(fields []Field) {
	for _, f := range fields {
		if err := d.save(f, d.tries[f]); err != nil {
			d.logger.Error("restoring delta index failed", "field", f.String(), "error", err)
		}
	}
}

func (d *Delta) save(f Field, t *trie.Trie) error {
	size, err := t.Save(d.storage.DeltaPath(f.String()))
	if err != nil {
		return fmt.Errorf("writing %s delta index: %w", f, err)
	}
	d.metrics.SetTrieSize(f.String(), "delta", t.Len(), size)
	return nil
}

// Reset empties the delta tries of the given fields and removes their files.
func (d *Delta) Reset(fields ...Field) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, f := range fields {
		if err := removeIfExists(d.storage.DeltaPath(f.String())); err != nil {
			return err
		}
		d.tries[f] = trie.New()
		d.metrics.SetTrieSize(f.String(), "delta", 1, 0)
	}
	return nil
}

// Nodes returns the node count of field's delta trie.
func (d *Delta) Nodes(field Field) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tries[field].Len()
}
