// Package metrics counts connections, messages and errors, and serves them
// in the Prometheus text exposition format.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

// ContentType is sent with every metrics response, without charset or
// escaping parameters.
const ContentType = "text/plain; version=" + expfmt.TextVersion

// Snapshot is a consistent read of the connection counters.
type Snapshot struct {
	TotalMessages     int64
	ActiveConnections int64
	ErrorCount        int64
}

// Aggregator holds process-wide counters for the chat server.
type Aggregator struct {
	mu     sync.Mutex
	counts Snapshot

	shutdownMu           sync.Mutex
	lastShutdownDuration float64
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) IncrementActive() {
	a.mu.Lock()
	a.counts.ActiveConnections++
	a.mu.Unlock()
}

// DecrementActive never takes the gauge below zero.
func (a *Aggregator) DecrementActive() {
	a.mu.Lock()
	if a.counts.ActiveConnections > 0 {
		a.counts.ActiveConnections--
	}
	a.mu.Unlock()
}

func (a *Aggregator) IncrementTotalMessages() {
	a.mu.Lock()
	a.counts.TotalMessages++
	a.mu.Unlock()
}

func (a *Aggregator) IncrementErrorCount() {
	a.mu.Lock()
	a.counts.ErrorCount++
	a.mu.Unlock()
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// RecordShutdownDuration stores how long the last shutdown took, in seconds.
func (a *Aggregator) RecordShutdownDuration(seconds float64) {
	a.shutdownMu.Lock()
	a.lastShutdownDuration = seconds
	a.shutdownMu.Unlock()
}

func (a *Aggregator) LastShutdownDuration() float64 {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	return a.lastShutdownDuration
}

// Registry wraps the Prometheus registry exposed on the metrics endpoint.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry registers the aggregator collector alongside the Go runtime and
// process collectors.
func NewRegistry(agg *Aggregator) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(agg),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{registry: reg}
}

// Gatherer exposes the underlying registry for tests and custom handlers.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler returns an HTTP handler exposing Prometheus metrics in the text
// format, regardless of the scraper's Accept header.
func (r *Registry) Handler() http.Handler {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		families, err := r.registry.Gather()
		if err != nil {
			http.Error(w, "gather metrics: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		enc := expfmt.NewEncoder(w, format)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return
			}
		}
	})
}
