package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/audit"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/indexer"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/ingest"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/render"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/searcher"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/searcher/cache"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/snapshot"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
	pkgkafka "github.com/rafaeelaudibert/federal-worker-blamer/pkg/kafka"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/metrics"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/postgres"
	pkgredis "github.com/rafaeelaudibert/federal-worker-blamer/pkg/redis"
)

// app holds the opened database and the optional integrations for one
// command invocation.
type app struct {
	cfg     *config.Config
	prompt  *prompter
	out     io.Writer
	metrics *metrics.Metrics
	logger  *slog.Logger

	store    *record.Store
	delta    *indexer.Delta
	builder  *indexer.Builder
	searcher *searcher.Searcher
	inserter *ingest.Handler

	redis     *pkgredis.Client
	cache     *cache.QueryCache
	db        *postgres.Client
	journal   *audit.Journal
	publisher *pkgkafka.Producer

	stopMetrics func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		prompt: newPrompter(in, out),
		out:    out,
		logger: slog.Default().With("component", "cli"),
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(nil)
		a.stopMetrics = metrics.StartServer(cfg.Metrics.Port, nil)
	}
	a.connect(ctx)
	if err := a.open(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// connect sets up the optional integrations. Any of them failing leaves the
// command working on the local files alone.
func (a *app) connect(ctx context.Context) {
	if a.cfg.Redis.Enabled {
		client, err := pkgredis.NewClient(ctx, a.cfg.Redis)
		if err != nil {
			a.logger.Warn("query cache disabled", "error", err)
		} else {
			a.redis = client
			a.cache = cache.New(client, a.cfg.Redis, a.metrics)
		}
	}
	if a.cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, a.cfg.Postgres)
		if err != nil {
			a.logger.Warn("audit journal disabled", "error", err)
		} else if j, err := audit.Open(ctx, db); err != nil {
			a.logger.Warn("audit journal disabled", "error", err)
			db.Close()
		} else {
			a.db, a.journal = db, j
		}
	}
	if a.cfg.Kafka.Enabled {
		a.publisher = pkgkafka.NewProducer(a.cfg.Kafka, a.cfg.Kafka.Topics.IndexEvents)
	}
}

// open opens the record store and everything that reads it.
func (a *app) open() error {
	store, err := record.Open(a.cfg.Storage.RecordStorePath())
	if err != nil {
		return err
	}
	delta, err := indexer.OpenDelta(store, a.cfg.Storage, a.metrics)
	if err != nil {
		store.Close()
		return err
	}
	a.store, a.delta = store, delta

	a.builder = indexer.NewBuilder(store, a.cfg.Storage, a.cfg.Indexer, a.metrics)
	a.builder.AttachDelta(delta)

	a.searcher = searcher.New(store, a.cfg.Storage, a.cfg.Search, a.metrics)
	a.inserter = ingest.NewHandler(delta, a.cfg.Consumer, a.metrics)
	if a.cache != nil {
		a.searcher.UseCache(a.cache)
		a.inserter.WithCache(a.cache)
	}
	if a.publisher != nil {
		a.inserter.WithPublisher(a.publisher)
	}
	if a.journal != nil {
		a.inserter.WithJournal(a.journal)
	}
	return nil
}

func (a *app) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func (a *app) Close() error {
	err := a.closeStore()
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.stopMetrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.stopMetrics(ctx)
	}
	return err
}

// importCSV regenerates the record store from the two spreadsheets. The
// indices are stale afterwards until rebuilt.
func (a *app) importCSV(ctx context.Context, salaryPath, infoPath string) error {
	fmt.Fprintln(a.out, "The CSV files passed in are being parsed to generate the database file.")
	if err := a.closeStore(); err != nil {
		return err
	}
	store, err := record.Create(a.cfg.Storage.RecordStorePath())
	if err != nil {
		return err
	}
	stats, err := ingest.ImportFiles(ctx, a.cfg.Ingest, salaryPath, infoPath, store)
	if closeErr := store.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Database generated with %d workers in %s\n", stats.Records, stats.Duration.Round(time.Millisecond))
	return a.open()
}

// rebuild regenerates the three frozen indices and drops the deltas.
func (a *app) rebuild(ctx context.Context) error {
	fmt.Fprintln(a.out, "=============== REPARSING THE TRIES - PLEASE WAIT!! ===============")
	report, err := a.builder.Rebuild(ctx)
	if report != nil {
		for _, res := range report.Results {
			switch {
			case res.Err != nil:
				fmt.Fprintf(a.out, "Error trying to generate the %s-indexed trie: %v\n", res.Field, res.Err)
			case res.Nodes > 0 || res.Duration > 0:
				fmt.Fprintf(a.out, "Finished the %s-indexed trie: %d nodes, %d bytes in %s\n",
					res.Field, res.Nodes, res.Bytes, res.Duration.Round(time.Millisecond))
			}
		}
		a.afterRebuild(ctx, report)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "=============== FINISHED!! ===============")
	return nil
}

func (a *app) afterRebuild(ctx context.Context, report *indexer.RebuildReport) {
	if report.OK() && a.cache != nil {
		if err := a.cache.Invalidate(ctx); err != nil {
			a.logger.Warn("query cache invalidation failed", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.RecordRebuild(ctx, report); err != nil {
			a.logger.Warn("rebuild not journaled", "error", err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, ingest.RebuildCompleted(report)); err != nil {
			a.logger.Warn("rebuild event not published", "error", err)
		}
	}
}

// insert reads one worker from the prompt and adds it to the delta indices.
func (a *app) insert(ctx context.Context) error {
	fmt.Fprintln(a.out, "========= INSERÇÃO DE NOVO USUÁRIO =========")
	fmt.Fprintln(a.out)
	rec, err := a.prompt.record()
	if err != nil {
		return err
	}
	id, err := a.inserter.InsertRecord(ctx, rec, "cli")
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Worker %q stored as entry %d\n", rec.Name, id)
	fmt.Fprintln(a.out, "========= INSERÇÃO DE NOVO USUÁRIO FINALIZADA =========")
	return nil
}

// search runs q and prints the matching workers. A query that cannot be
// answered prints the no-match message instead of failing.
func (a *app) search(ctx context.Context, q searcher.Query) error {
	res, err := a.searcher.Search(ctx, q)
	if err != nil {
		a.logger.Warn("search failed", "error", err)
		return render.Table(a.out, nil)
	}
	start := time.Now()
	records, err := a.searcher.Records(ctx, res.IDs)
	if err != nil {
		return err
	}
	read := time.Since(start)
	if err := render.Table(a.out, records); err != nil {
		return err
	}
	if len(records) > 0 {
		render.Timing(a.out, res.TotalHits, len(records), res.Took, read)
	}
	return nil
}

// showEntry prints the record with the given entry number.
func (a *app) showEntry(text string) error {
	n, err := strconv.ParseUint(text, 10, 32)
	if err != nil || n == 0 {
		return fmt.Errorf("%w: entry must be a positive number, got %q", apperrors.ErrInvalidInput, text)
	}
	rec, err := a.store.Get(uint32(n))
	if errors.Is(err, apperrors.ErrRecordOutOfRange) {
		fmt.Fprintln(a.out, render.NoMatch)
		return nil
	}
	if err != nil {
		return err
	}
	return render.Detail(a.out, uint32(n), rec)
}

// status prints the size of the database and of every index file, and the
// last successful rebuild when the journal is available.
func (a *app) status(ctx context.Context) error {
	count, err := a.store.Count()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Database: %s, %d workers\n", a.store.Path(), count)
	for _, f := range indexer.Fields {
		frozen := "missing"
		if info, err := os.Stat(a.cfg.Storage.FrozenPath(f.String())); err == nil {
			frozen = fmt.Sprintf("%d bytes", info.Size())
		}
		fmt.Fprintf(a.out, "  %-7s frozen: %-16s delta nodes: %d\n", f, frozen, a.delta.Nodes(f))
	}
	if a.journal == nil {
		return nil
	}
	last, err := a.journal.LastRebuild(ctx)
	if err != nil {
		return err
	}
	if last == nil {
		fmt.Fprintln(a.out, "No rebuild journaled yet")
		return nil
	}
	inserts, err := a.journal.InsertsSince(ctx, last.StartedAt)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Last rebuild %s at %s took %s, %d inserts since\n",
		last.RunID, last.StartedAt.Local().Format(time.DateTime), last.Duration.Round(time.Millisecond), inserts)
	return nil
}

func (a *app) pushSnapshot(ctx context.Context) error {
	s, err := newSnapshotter(ctx, a.cfg)
	if err != nil {
		return err
	}
	m, err := s.Push(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Snapshot %s pushed with %d files\n", m.ID, len(m.Files))
	return nil
}

// pullSnapshot restores a snapshot before the database is opened.
func pullSnapshot(ctx context.Context, cfg *config.Config, id string, out io.Writer) error {
	s, err := newSnapshotter(ctx, cfg)
	if err != nil {
		return err
	}
	m, err := s.Pull(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Snapshot %s restored (%d files)\n", m.ID, len(m.Files))
	return nil
}

func newSnapshotter(ctx context.Context, cfg *config.Config) (*snapshot.Snapshotter, error) {
	store, err := snapshot.NewStore(ctx, cfg.Snapshot)
	if err != nil {
		return nil, err
	}
	codec, err := snapshot.NewCodec(cfg.Snapshot.Codec)
	if err != nil {
		return nil, err
	}
	return snapshot.New(store, codec, cfg.Storage), nil
}
