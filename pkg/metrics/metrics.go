// Package metrics defines the Prometheus metric collectors used by the index
// builder, the query combiner and the record consumer, and exposes an HTTP
// handler for scraping. Every recording method is safe on a nil *Metrics so
// callers that run without metrics pass nil.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the program.
type Metrics struct {
	RebuildsTotal       *prometheus.CounterVec
	RebuildDuration     *prometheus.HistogramVec
	TrieNodes           *prometheus.GaugeVec
	TrieBytes           *prometheus.GaugeVec
	RecordsScanned      *prometheus.CounterVec
	QueriesTotal        *prometheus.CounterVec
	QueryLatency        *prometheus.HistogramVec
	DeltaInsertsTotal   *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	ConsumedRecordTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all collectors and registers them with reg. A nil reg means
// the global default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwb_index_rebuilds_total",
				Help: "Frozen index builds by field and status.",
			},
			[]string{"field", "status"},
		),
		RebuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fwb_index_rebuild_duration_seconds",
				Help:    "Time to scan the record store and write one frozen index.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"field"},
		),
		TrieNodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fwb_trie_nodes",
				Help: "Node count of the last written trie by field and kind (frozen, delta).",
			},
			[]string{"field", "kind"},
		),
		TrieBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fwb_trie_bytes",
				Help: "Size in bytes of the last written trie by field and kind.",
			},
			[]string{"field", "kind"},
		),
		RecordsScanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwb_records_scanned_total",
				Help: "Records read from the record store while building indices.",
			},
			[]string{"field"},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwb_queries_total",
				Help: "Field lookups by field, mode (exact, prefix) and result (hit, miss, error).",
			},
			[]string{"field", "mode", "result"},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fwb_query_latency_seconds",
				Help:    "Combined query latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		DeltaInsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwb_delta_inserts_total",
				Help: "Records inserted into the delta indices by status.",
			},
			[]string{"status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fwb_cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fwb_cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		ConsumedRecordTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwb_consumed_records_total",
				Help: "Records consumed from the new-records topic by status.",
			},
			[]string{"status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fwb_http_requests_total",
				Help: "Requests served by the health and metrics server.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fwb_http_request_duration_seconds",
				Help:    "Latency of requests served by the health and metrics server.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	reg.MustRegister(
		m.RebuildsTotal,
		m.RebuildDuration,
		m.TrieNodes,
		m.TrieBytes,
		m.RecordsScanned,
		m.QueriesTotal,
		m.QueryLatency,
		m.DeltaInsertsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ConsumedRecordTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

func (m *Metrics) ObserveRebuild(field string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RebuildsTotal.WithLabelValues(field, status(err)).Inc()
	if err == nil {
		m.RebuildDuration.WithLabelValues(field).Observe(d.Seconds())
	}
}

func (m *Metrics) SetTrieSize(field, kind string, nodes int, bytes int64) {
	if m == nil {
		return
	}
	m.TrieNodes.WithLabelValues(field, kind).Set(float64(nodes))
	m.TrieBytes.WithLabelValues(field, kind).Set(float64(bytes))
}

func (m *Metrics) AddScanned(field string, n int) {
	if m == nil {
		return
	}
	m.RecordsScanned.WithLabelValues(field).Add(float64(n))
}

func (m *Metrics) ObserveLookup(field string, prefix bool, hits int, err error) {
	if m == nil {
		return
	}
	mode := "exact"
	if prefix {
		mode = "prefix"
	}
	result := "hit"
	switch {
	case err != nil:
		result = "error"
	case hits == 0:
		result = "miss"
	}
	m.QueriesTotal.WithLabelValues(field, mode, result).Inc()
}

func (m *Metrics) ObserveQuery(cacheStatus string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryLatency.WithLabelValues(cacheStatus).Observe(d.Seconds())
}

func (m *Metrics) ObserveInsert(err error) {
	if m == nil {
		return
	}
	m.DeltaInsertsTotal.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) ObserveConsumed(err error) {
	if m == nil {
		return
	}
	m.ConsumedRecordTotal.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) ObserveHTTP(method, path string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
