// Package metrics exposes the process counters scraped from /metrics. Each
// Set carries its own registry so tests can build isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds every collector the daemon updates.
type Set struct {
	registry *prometheus.Registry

	// RunsStarted counts start_run acceptances.
	RunsStarted prometheus.Counter
	// RunsFinished counts terminal runs by final state
	// (completed|failed|timed_out|cancelled).
	RunsFinished *prometheus.CounterVec
	// ActiveRuns tracks currently supervised runs.
	ActiveRuns prometheus.Gauge
	// HubSubscribers tracks attached event consumers.
	HubSubscribers prometheus.Gauge
	// StoreWrites counts committed write transactions by operation.
	StoreWrites *prometheus.CounterVec
	// ProviderEvents counts parsed provider stream events by type.
	ProviderEvents *prometheus.CounterVec
	// OutputFlushes counts run artifact writes (debounced and final).
	OutputFlushes prometheus.Counter
}

// New builds a Set backed by a fresh registry. The registry also carries the
// standard Go and process collectors.
func New() *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Set{
		registry: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jeeves",
			Name:      "runs_started_total",
			Help:      "Accepted start_run requests.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jeeves",
			Name:      "runs_finished_total",
			Help:      "Terminal runs by final state.",
		}, []string{"state"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jeeves",
			Name:      "active_runs",
			Help:      "Runs currently supervised.",
		}),
		HubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jeeves",
			Name:      "event_subscribers",
			Help:      "Attached event hub subscribers.",
		}),
		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jeeves",
			Name:      "store_writes_total",
			Help:      "Committed store write transactions by operation.",
		}, []string{"op"}),
		ProviderEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jeeves",
			Name:      "provider_events_total",
			Help:      "Parsed provider stream events by type.",
		}, []string{"type"}),
		OutputFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jeeves",
			Name:      "output_flushes_total",
			Help:      "Run artifact writes, debounced plus final.",
		}),
	}
	reg.MustRegister(
		s.RunsStarted,
		s.RunsFinished,
		s.ActiveRuns,
		s.HubSubscribers,
		s.StoreWrites,
		s.ProviderEvents,
		s.OutputFlushes,
	)
	return s
}

// Handler serves the scrape endpoint for this Set's registry.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveStoreWrite is the hook handed to the store; nil-safe so the store
// can run without metrics in tests.
func (s *Set) ObserveStoreWrite(op string) {
	if s == nil {
		return
	}
	s.StoreWrites.WithLabelValues(op).Inc()
}

// ObserveProviderEvent counts one parsed stream event.
func (s *Set) ObserveProviderEvent(eventType string) {
	if s == nil {
		return
	}
	s.ProviderEvents.WithLabelValues(eventType).Inc()
}
