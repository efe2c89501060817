package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/trie"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/logger"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/metrics"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/tracing"
)

// FieldResult is the outcome of building one field's frozen index.
type FieldResult struct {
	Field    Field
	Records  uint32
	Phrases  int
	Nodes    int
	Bytes    int64
	Duration time.Duration
	Err      error
}

// RebuildReport collects the per-field results of one rebuild run.
type RebuildReport struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	Results  []FieldResult
}

// Failed returns the results of the fields that did not build.
func (r *RebuildReport) Failed() []FieldResult {
	var out []FieldResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// OK reports whether every field built.
func (r *RebuildReport) OK() bool {
	return len(r.Failed()) == 0
}

// Builder scans the record store and writes the frozen trie of each field.
type Builder struct {
	store   *record.Store
	storage config.StorageConfig
	cfg     config.IndexerConfig
	metrics *metrics.Metrics
	delta   *Delta
	logger  *slog.Logger
}

func NewBuilder(store *record.Store, storage config.StorageConfig, cfg config.IndexerConfig, m *metrics.Metrics) *Builder {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.CheckEvery < 1 {
		cfg.CheckEvery = 4096
	}
	return &Builder{
		store:   store,
		storage: storage,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "indexer"),
	}
}

// AttachDelta makes a successful rebuild also reset d's in-memory tries.
func (b *Builder) AttachDelta(d *Delta) {
	b.delta = d
}

// Build indexes every phrase of field over the whole store and saves the
// trie to the field's frozen file.
func (b *Builder) Build(ctx context.Context, field Field) (FieldResult, error) {
	start := time.Now()
	log := logger.FromContext(ctx).With("component", "indexer", "field", field.String())
	res := FieldResult{Field: field}
	ctx, span := tracing.StartChild(ctx, "build:"+field.String())
	defer span.End()

	fail := func(err error) (FieldResult, error) {
		res.Duration = time.Since(start)
		res.Err = err
		b.metrics.ObserveRebuild(field.String(), res.Duration, err)
		log.Error("field build failed", "error", err, "records", res.Records)
		return res, err
	}

	log.Info("field build started")
	t := trie.New()
	pending := 0
	_, scan := tracing.StartChild(ctx, "scan")
	err := b.store.Scan(ctx, func(id uint32, rec *record.Record) error {
		res.Phrases += IndexText(t, field.Text(rec), id)
		res.Records++
		pending++
		if pending == b.cfg.CheckEvery {
			b.metrics.AddScanned(field.String(), pending)
			pending = 0
			if err := ctx.Err(); err != nil {
				return err
			}
			log.Debug("field build progress", "records", res.Records, "nodes", t.Len())
		}
		return nil
	})
	b.metrics.AddScanned(field.String(), pending)
	scan.Set("records", res.Records)
	scan.End()
	if err != nil {
		return fail(fmt.Errorf("scanning records for %s: %w", field, err))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	path := b.storage.FrozenPath(field.String())
	_, save := tracing.StartChild(ctx, "save")
	size, err := t.Save(path)
	save.Set("bytes", size)
	save.End()
	if err != nil {
		return fail(fmt.Errorf("writing %s index: %w", field, err))
	}
	res.Nodes = t.Len()
	res.Bytes = size
	res.Duration = time.Since(start)

	b.metrics.ObserveRebuild(field.String(), res.Duration, nil)
	b.metrics.SetTrieSize(field.String(), "frozen", res.Nodes, res.Bytes)
	span.Set("nodes", res.Nodes)
	log.Info("field build finished",
		"records", res.Records,
		"phrases", res.Phrases,
		"nodes", res.Nodes,
		"bytes", res.Bytes,
		"path", path,
		"duration", res.Duration,
	)
	return res, nil
}

// Rebuild builds the given fields (all fields if none are given) as a task
// group limited to the configured parallelism. The first failure cancels the
// remaining tasks and fails the rebuild as a whole. Only when every field
// succeeds are the corresponding delta files removed.
func (b *Builder) Rebuild(ctx context.Context, fields ...Field) (*RebuildReport, error) {
	if len(fields) == 0 {
		fields = Fields
	}
	report := &RebuildReport{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Results: make([]FieldResult, len(fields)),
	}
	ctx = logger.WithRunID(ctx, report.RunID)
	log := logger.FromContext(ctx).With("component", "indexer")
	ctx, span := tracing.Start(ctx, "rebuild", report.RunID)
	defer func() {
		span.End()
		span.Log(log)
	}()
	log.Info("rebuild started", "fields", len(fields), "parallelism", b.cfg.Parallelism)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Parallelism)
	for i, field := range fields {
		g.Go(func() error {
			res, err := b.Build(gctx, field)
			report.Results[i] = res
			if err != nil {
				return fmt.Errorf("field %s: %w", field, err)
			}
			return nil
		})
	}
	err := g.Wait()
	report.Duration = time.Since(report.Started)
	if err != nil {
		log.Error("rebuild failed", "error", err, "duration", report.Duration)
		return report, fmt.Errorf("%w: %w", apperrors.ErrRebuildFailed, err)
	}

	if err := b.dropDeltas(fields); err != nil {
		return report, fmt.Errorf("%w: %w", apperrors.ErrRebuildFailed, err)
	}
	log.Info("rebuild finished", "duration", report.Duration)
	return report, nil
}

func (b *Builder) dropDeltas(fields []Field) error {
	if b.delta != nil {
		return b.delta.Reset(fields...)
	}
	for _, f := range fields {
		if err := removeIfExists(b.storage.DeltaPath(f.String())); err != nil {
			return err
		}
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing delta file %s: %w", path, err)
	}
	return nil
}
