package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
	pkgkafka "github.com/rafaeelaudibert/federal-worker-blamer/pkg/kafka"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/logger"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/metrics"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/resilience"
)

// Inserter adds one record to the delta indices. *indexer.Delta satisfies it.
type Inserter interface {
	Insert(ctx context.Context, rec *record.Record) (uint32, error)
}

// Invalidator drops cached query results.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Publisher sends index events.
type Publisher interface {
	Publish(ctx context.Context, events ...pkgkafka.Event) error
}

// Journal records inserts for auditing.
type Journal interface {
	RecordInsert(ctx context.Context, id uint32, rec *record.Record, source string) error
}

// Handler turns new-record messages into delta inserts. Cache, publisher and
// journal are optional.
type Handler struct {
	delta     Inserter
	limiter   *rate.Limiter
	cache     Invalidator
	publisher Publisher
	journal   Journal
	retry     resilience.RetryConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewHandler returns a Handler that inserts at most cfg.InsertsPerSecond
// records per second. A non-positive rate disables throttling.
func NewHandler(delta Inserter, cfg config.ConsumerConfig, m *metrics.Metrics) *Handler {
	limit := rate.Limit(cfg.InsertsPerSecond)
	if cfg.InsertsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Handler{
		delta:   delta,
		limiter: rate.NewLimiter(limit, burst),
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		metrics: m,
		logger:  slog.Default().With("component", "record-consumer"),
	}
}

func (h *Handler) WithCache(c Invalidator) *Handler {
	h.cache = c
	return h
}

func (h *Handler) WithPublisher(p Publisher) *Handler {
	h.publisher = p
	return h
}

func (h *Handler) WithJournal(j Journal) *Handler {
	h.journal = j
	return h
}

// Handle processes one Kafka message. Undecodable or invalid records are
// reported as pkgkafka.ErrPoison so the consumer commits past them; store
// failures are returned as is and the message is retried.
func (h *Handler) Handle(ctx context.Context, key, value []byte) error {
	err := h.handle(ctx, value)
	h.metrics.ObserveConsumed(err)
	return err
}

func (h *Handler) handle(ctx context.Context, value []byte) error {
	rec, err := pkgkafka.DecodeJSON[record.Record](value)
	if err != nil {
		return err
	}
	if err := Validate(&rec); err != nil {
		return fmt.Errorf("%w: %v", pkgkafka.ErrPoison, err)
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for insert slot: %w", err)
	}

	id, err := h.delta.Insert(ctx, &rec)
	if errors.Is(err, apperrors.ErrInvalidEncoding) {
		return fmt.Errorf("%w: %v", pkgkafka.ErrPoison, err)
	}
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	log := h.logger.With("record_id", id)
	log.Info("record indexed", "name", rec.Name)

	h.afterInsert(ctx, log, id, &rec, "kafka")
	return nil
}

// afterInsert runs the side effects of a successful insert. Their failures
// are logged and never undo the insert.
func (h *Handler) afterInsert(ctx context.Context, log *slog.Logger, id uint32, rec *record.Record, source string) {
	if h.cache != nil {
		if err := h.cache.Invalidate(ctx); err != nil {
			log.Warn("query cache invalidation failed", "error", err)
		}
	}
	if h.publisher != nil {
		err := resilience.Retry(ctx, "publish-index-event", h.retry, func(ctx context.Context) error {
			return h.publisher.Publish(ctx, RecordInserted(id, rec))
		})
		if err != nil {
			log.Warn("index event not published", "error", err)
		}
	}
	if h.journal != nil {
		if err := h.journal.RecordInsert(ctx, id, rec, source); err != nil {
			log.Warn("insert not journaled", "error", err)
		}
	}
}

// InsertRecord inserts rec directly, bypassing the rate limit, and runs the
// same side effects as a consumed message. The CLI uses it for interactive
// inserts.
func (h *Handler) InsertRecord(ctx context.Context, rec *record.Record, source string) (uint32, error) {
	if err := Validate(rec); err != nil {
		return 0, err
	}
	id, err := h.delta.Insert(ctx, rec)
	if err != nil {
		return 0, err
	}
	log := logger.FromContext(ctx).With("component", "record-insert", "record_id", id)
	log.Info("record inserted", "source", source)
	h.afterInsert(ctx, log, id, rec, source)
	return id, nil
}

// Validate rejects records that could not be read back once stored: a name
// is required and every column must stay valid UTF-8 after truncation.
func Validate(rec *record.Record) error {
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("%w: record has no name", apperrors.ErrInvalidInput)
	}
	buf, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	var stored record.Record
	if err := stored.UnmarshalBinary(buf); err != nil {
		return err
	}
	return nil
}
