// Command fwb-bench replays queries sampled from the record store against
// the local indices from several goroutines and reports throughput and
// latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/searcher"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/searcher/cache"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/logger"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/metrics"
	pkgredis "github.com/rafaeelaudibert/federal-worker-blamer/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	concurrency := flag.Int("concurrency", 4, "number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "test duration")
	samples := flag.Int("queries", 200, "number of distinct queries sampled from the record store")
	prefix := flag.Bool("prefix", false, "run prefix queries on the first word of each sample")
	logLevel := flag.String("log-level", "warn", "log level while the benchmark runs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(*logLevel, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := record.Open(cfg.Storage.RecordStorePath())
	if err != nil {
		slog.Error("failed to open record store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	queries, err := sampleQueries(store, *samples, *prefix)
	if err != nil {
		slog.Error("failed to sample queries", "error", err)
		os.Exit(1)
	}
	if len(queries) == 0 {
		fmt.Fprintln(os.Stderr, "record store is empty, import the spreadsheets first")
		os.Exit(1)
	}

	m := metrics.New(nil)
	s := searcher.New(store, cfg.Storage, cfg.Search, m)
	if cfg.Redis.Enabled {
		client, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("query cache disabled", "error", err)
		} else {
			defer client.Close()
			s.UseCache(cache.New(client, cfg.Redis, m))
		}
	}

	bc := benchConfig{
		Concurrency: *concurrency,
		Duration:    *duration,
		Queries:     queries,
	}
	fmt.Println("=== Index Query Benchmark ===")
	fmt.Printf("Record store: %s\n", store.Path())
	fmt.Printf("Concurrency:  %d\n", bc.Concurrency)
	fmt.Printf("Duration:     %s\n", bc.Duration)
	fmt.Printf("Queries:      %d unique (prefix=%t)\n", len(bc.Queries), *prefix)
	fmt.Println()

	start := time.Now()
	stats := runBench(ctx, bc, s.Search, os.Stdout)
	if err := printReport(os.Stdout, stats, time.Since(start)); err != nil {
		fmt.Fprintf(os.Stderr, "\nWARNING: %v. Are the indices built?\n", err)
		os.Exit(1)
	}
}
