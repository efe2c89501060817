// Package health runs the consumer service's dependency probes concurrently
// and serves liveness and readiness endpoints. A failing required probe
// marks the service down; a failing optional probe only degrades it.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Probe checks one dependency and returns nil when it is usable.
type Probe func(ctx context.Context) error

// ComponentHealth holds the result of a single probe.
type ComponentHealth struct {
	Status   Status `json:"status"`
	Required bool   `json:"required"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency"`
}

// Report is the aggregated result of all probes.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

type registered struct {
	probe    Probe
	required bool
}

// Checker holds the registered probes.
type Checker struct {
	mu     sync.RWMutex
	probes map[string]registered
	logger *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		probes: make(map[string]registered),
		logger: slog.Default().With("component", "health"),
	}
}

// Require registers a probe whose failure takes the service down.
func (c *Checker) Require(name string, p Probe) {
	c.register(name, p, true)
}

// Optional registers a probe whose failure only degrades the service.
func (c *Checker) Optional(name string, p Probe) {
	c.register(name, p, false)
}

func (c *Checker) register(name string, p Probe, required bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = registered{probe: p, required: required}
}

// Run executes every probe concurrently.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	probes := make(map[string]registered, len(c.probes))
	for name, r := range c.probes {
		probes[name] = r
	}
	c.mu.RUnlock()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(probes)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, r := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := r.probe(ctx)
			result := ComponentHealth{
				Status:   StatusUp,
				Required: r.required,
				Latency:  time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				result.Status = StatusDegraded
				if r.required {
					result.Status = StatusDown
				}
				result.Message = err.Error()
			}
			mu.Lock()
			report.Components[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		comp := report.Components[name]
		switch comp.Status {
		case StatusDown:
			report.Status = StatusDown
		case StatusDegraded:
			if report.Status == StatusUp {
				report.Status = StatusDegraded
			}
		}
		if comp.Status != StatusUp {
			c.logger.Warn("probe failed", "probe", name, "status", comp.Status, "message", comp.Message)
		}
	}
	return report
}

// LiveHandler always answers 200 while the process serves HTTP.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers 200 unless a required probe fails.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := c.Run(ctx)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}
