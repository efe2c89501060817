package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/searcher"
)

var errNoQueries = errors.New("no queries completed")

type searchFunc func(ctx context.Context, q searcher.Query) (*searcher.Result, error)

type benchConfig struct {
	Concurrency int
	Duration    time.Duration
	Queries     []searcher.Query
}

// Stats accumulates the outcome of every query issued by the workers.
type Stats struct {
	total     atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	errors    atomic.Int64
	cacheHits atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func NewStats() *Stats {
	return &Stats{latencies: make([]time.Duration, 0, 100000)}
}

func (s *Stats) Record(d time.Duration, res *searcher.Result, err error) {
	s.total.Add(1)
	if err != nil {
		s.errors.Add(1)
		return
	}
	if res.TotalHits > 0 {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	if res.Cached {
		s.cacheHits.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

// sampleQueries builds up to n queries from records spread evenly over the
// store, rotating through the person, role and agency fields.
func sampleQueries(store *record.Store, n int, prefix bool) ([]searcher.Query, error) {
	count, err := store.Count()
	if err != nil {
		return nil, err
	}
	if count == 0 || n <= 0 {
		return nil, nil
	}
	step := max(count/uint32(n), 1)
	out := make([]searcher.Query, 0, n)
	for id := uint32(1); id <= count && len(out) < n; id += step {
		rec, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		q := searcher.Query{Prefix: prefix}
		switch len(out) % 3 {
		case 0:
			q.Person = sampleTerm(rec.Name, prefix)
		case 1:
			q.Role = sampleTerm(rec.Role, prefix)
		default:
			q.Agency = sampleTerm(rec.Agency, prefix)
		}
		if q.Normalize().Empty() {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// sampleTerm uses the whole text for exact queries and its first word for
// prefix queries.
func sampleTerm(text string, prefix bool) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	if prefix {
		return words[0]
	}
	return strings.Join(words, " ")
}

func runBench(ctx context.Context, cfg benchConfig, search searchFunc, progress io.Writer) *Stats {
	stats := NewStats()
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Fprint(progress, "Running")
	for w := 0; w < max(cfg.Concurrency, 1); w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			idx := workerID
			for ctx.Err() == nil {
				q := cfg.Queries[idx%len(cfg.Queries)]
				idx++

				start := time.Now()
				res, err := search(ctx, q)
				if ctx.Err() != nil {
					return
				}
				stats.Record(time.Since(start), res, err)
			}
		}(w)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Fprint(progress, ".")
			}
		}
	}()

	wg.Wait()
	fmt.Fprintln(progress, " done!")
	fmt.Fprintln(progress)
	return stats
}

func printReport(w io.Writer, stats *Stats, duration time.Duration) error {
	total := stats.total.Load()
	errs := stats.errors.Load()

	fmt.Fprintln(w, "=== Results ===")
	fmt.Fprintf(w, "Total Queries:   %d\n", total)
	fmt.Fprintf(w, "With Hits:       %d\n", stats.hits.Load())
	fmt.Fprintf(w, "No Match:        %d\n", stats.misses.Load())
	fmt.Fprintf(w, "Errors:          %d\n", errs)
	fmt.Fprintf(w, "Cache Hits:      %d\n", stats.cacheHits.Load())
	if total > 0 {
		fmt.Fprintf(w, "Error Rate:      %.2f%%\n", float64(errs)/float64(total)*100)
		fmt.Fprintf(w, "Queries/sec:     %.2f\n", float64(total)/duration.Seconds())
	}

	stats.mu.Lock()
	latencies := slices.Clone(stats.latencies)
	stats.mu.Unlock()

	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		var sumSquared float64
		for _, l := range latencies {
			diff := float64(l - avg)
			sumSquared += diff * diff
		}

		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Latency ===")
		fmt.Fprintf(w, "Min:    %s\n", latencies[0])
		fmt.Fprintf(w, "Avg:    %s\n", avg)
		fmt.Fprintf(w, "P50:    %s\n", percentile(latencies, 50))
		fmt.Fprintf(w, "P90:    %s\n", percentile(latencies, 90))
		fmt.Fprintf(w, "P95:    %s\n", percentile(latencies, 95))
		fmt.Fprintf(w, "P99:    %s\n", percentile(latencies, 99))
		fmt.Fprintf(w, "Max:    %s\n", latencies[len(latencies)-1])
		fmt.Fprintf(w, "StdDev: %s\n", time.Duration(math.Sqrt(sumSquared/float64(len(latencies)))))
	}

	if total == 0 {
		return errNoQueries
	}
	return nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
