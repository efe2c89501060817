// Command fwb-consumer inserts worker records published on Kafka into the
// delta indices.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/audit"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/indexer"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/ingest"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/searcher/cache"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/health"
	pkgkafka "github.com/rafaeelaudibert/federal-worker-blamer/pkg/kafka"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/logger"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/metrics"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/middleware"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/postgres"
	pkgredis "github.com/rafaeelaudibert/federal-worker-blamer/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting record consumer",
		"topic", cfg.Kafka.Topics.NewRecords,
		"group", cfg.Kafka.ConsumerGroup,
		"inserts_per_second", cfg.Consumer.InsertsPerSecond,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := record.Open(cfg.Storage.RecordStorePath())
	if err != nil {
		slog.Error("failed to open record store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	m := metrics.New(nil)
	delta, err := indexer.OpenDelta(store, cfg.Storage, m)
	if err != nil {
		slog.Error("failed to load delta indices", "error", err)
		os.Exit(1)
	}
	handler := ingest.NewHandler(delta, cfg.Consumer, m)

	checker := health.NewChecker()
	checker.Require("record_store", func(ctx context.Context) error {
		_, err := store.Count()
		return err
	})

	if cfg.Redis.Enabled {
		client, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("query cache invalidation disabled", "error", err)
		} else {
			defer client.Close()
			handler.WithCache(cache.New(client, cfg.Redis, m))
			checker.Optional("redis", client.Ping)
		}
	}

	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Warn("audit journal disabled", "error", err)
		} else {
			defer db.Close()
			journal, err := audit.Open(ctx, db)
			if err != nil {
				slog.Warn("audit journal disabled", "error", err)
			} else {
				handler.WithJournal(journal)
				checker.Optional("postgres", db.Ping)
			}
		}
	}

	producer := pkgkafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexEvents)
	defer producer.Close()
	handler.WithPublisher(producer)

	wrap := func(h http.Handler) http.Handler {
		return middleware.Chain(h,
			middleware.Metrics(m, "/health/live", "/health/ready"),
			middleware.Timeout(cfg.Consumer.ProbeTimeout),
		)
	}
	shutdown := metrics.StartServer(cfg.Consumer.HealthPort, map[string]http.Handler{
		"/health/live":  wrap(checker.LiveHandler()),
		"/health/ready": wrap(checker.ReadyHandler()),
	})

	consumer := pkgkafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.NewRecords, handler.Handle)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}
	if err := consumer.Close(); err != nil {
		slog.Error("closing consumer", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown", "error", err)
	}
	slog.Info("record consumer stopped")
}
