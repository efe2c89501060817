// Package searcher answers field queries by combining the frozen and delta
// indices of each field and materializing the matching records.
package searcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/indexer"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/trie"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/metrics"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/tracing"
)

var ErrNoTerms = fmt.Errorf("%w: query has no terms", apperrors.ErrInvalidInput)

// Cache stores combined identifier lists by query key.
type Cache interface {
	GetOrCompute(ctx context.Context, key string, compute func() ([]uint32, error)) (ids []uint32, hit bool, err error)
}

// Result is the outcome of one query. IDs are sorted and unique, cut to the
// configured maximum; TotalHits counts them before the cut.
type Result struct {
	Query     Query         `json:"query"`
	IDs       []uint32      `json:"ids"`
	TotalHits int           `json:"total_hits"`
	Truncated bool          `json:"truncated"`
	Cached    bool          `json:"cached"`
	Took      time.Duration `json:"took"`
}

type Searcher struct {
	store   *record.Store
	storage config.StorageConfig
	cfg     config.SearchConfig
	cache   Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(store *record.Store, storage config.StorageConfig, cfg config.SearchConfig, m *metrics.Metrics) *Searcher {
	return &Searcher{
		store:   store,
		storage: storage,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "searcher"),
	}
}

// UseCache routes combined lookups through c.
func (s *Searcher) UseCache(c Cache) {
	s.cache = c
}

// Search looks up every term of q in its field's frozen and delta index and
// combines the per-field sets by intersection (And) or union (Or). Missing
// or unreadable index files count as no match for that field.
func (s *Searcher) Search(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	q = q.Normalize()
	terms := q.terms()
	if len(terms) == 0 {
		return nil, ErrNoTerms
	}

	ctx, span := tracing.Start(ctx, "search", q.Key())
	defer func() {
		span.End()
		span.Log(s.logger)
	}()

	var ids []uint32
	cached := false
	compute := func() ([]uint32, error) {
		return s.combine(ctx, q.Mode, q.Prefix, terms), nil
	}
	if s.cache != nil {
		var err error
		ids, cached, err = s.cache.GetOrCompute(ctx, q.Key(), compute)
		if err != nil {
			return nil, fmt.Errorf("searching: %w", err)
		}
	} else {
		ids, _ = compute()
	}

	res := &Result{
		Query:     q,
		IDs:       ids,
		TotalHits: len(ids),
		Cached:    cached,
	}
	if s.cfg.MaxResults > 0 && len(res.IDs) > s.cfg.MaxResults {
		res.IDs = res.IDs[:s.cfg.MaxResults]
		res.Truncated = true
	}
	res.Took = time.Since(start)

	status := "none"
	if s.cache != nil {
		status = "miss"
		if cached {
			status = "hit"
		}
	}
	s.metrics.ObserveQuery(status, res.Took)
	s.logger.Info("query executed",
		"mode", q.Mode.String(),
		"prefix", q.Prefix,
		"fields", len(terms),
		"hits", res.TotalHits,
		"cached", cached,
		"took", res.Took,
	)
	return res, nil
}

func (s *Searcher) combine(ctx context.Context, mode Mode, prefix bool, terms []term) []uint32 {
	var acc *roaring.Bitmap
	for _, t := range terms {
		bm := roaring.BitmapOf(s.lookupField(ctx, t.field, t.text, prefix)...)
		switch {
		case acc == nil:
			acc = bm
		case mode == Or:
			acc.Or(bm)
		default:
			acc.And(bm)
		}
	}
	if acc == nil {
		return nil
	}
	return acc.ToArray()
}

// lookupField concatenates the frozen and delta results of one field.
func (s *Searcher) lookupField(ctx context.Context, field indexer.Field, text string, prefix bool) []uint32 {
	_, span := tracing.StartChild(ctx, "lookup:"+field.String())
	defer span.End()

	var out []uint32
	for _, path := range []string{s.storage.FrozenPath(field.String()), s.storage.DeltaPath(field.String())} {
		if ctx.Err() != nil {
			return out
		}
		ids, err := lookupFile(path, text, prefix)
		s.metrics.ObserveLookup(field.String(), prefix, len(ids), err)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			s.logger.Debug("index file absent", "field", field.String(), "path", path)
		case err != nil:
			s.logger.Warn("index unavailable, treating as no match",
				"field", field.String(),
				"path", path,
				"error", err,
			)
		default:
			out = append(out, ids...)
		}
	}
	span.Set("hits", len(out))
	return out
}

func lookupFile(path, text string, prefix bool) ([]uint32, error) {
	r, err := trie.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Lookup(text, prefix)
}

// Records reads the records for ids from the store, skipping ids the store
// does not hold.
func (s *Searcher) Records(ctx context.Context, ids []uint32) ([]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	recs, err := s.store.GetMany(ids)
	if err != nil {
		return nil, fmt.Errorf("reading matched records: %w", err)
	}
	s.logger.Info("records materialized", "count", len(recs), "took", time.Since(start))
	return recs, nil
}
