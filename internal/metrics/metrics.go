// Package metrics exposes Prometheus metrics for sync cycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultsync"

// Metrics holds the collectors. A nil *Metrics ignores every observation.
type Metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	sourceRuns     *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec
	upserted       *prometheus.CounterVec
	pruned         *prometheus.CounterVec
	lastSuccess    *prometheus.GaugeVec
	triggers       *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles run, by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a sync cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		sourceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_runs_total",
			Help:      "Per-source sync attempts, by outcome and error kind.",
		}, []string{"source", "outcome", "kind"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_duration_seconds",
			Help:      "Time spent reading and merging one source.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"source"}),
		upserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_upserted_total",
			Help:      "Entries written to the store.",
		}, []string{"source"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_pruned_total",
			Help:      "Entries removed because their source no longer reports them.",
		}, []string{"source"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful merge per source.",
		}, []string{"source"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Cycle triggers received, by origin.",
		}, []string{"origin"}),
	}

	m.registry.MustRegister(
		m.cycles, m.cycleDuration, m.sourceRuns, m.sourceDuration,
		m.upserted, m.pruned, m.lastSuccess, m.triggers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSource records one source's result within a cycle. kind is empty on success.
func (m *Metrics) ObserveSource(source string, success bool, kind string, upserted, pruned int, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.sourceRuns.WithLabelValues(source, outcome, kind).Inc()
	m.sourceDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if success {
		m.upserted.WithLabelValues(source).Add(float64(upserted))
		m.pruned.WithLabelValues(source).Add(float64(pruned))
		m.lastSuccess.WithLabelValues(source).SetToCurrentTime()
	}
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if failed > 0 {
		result = "partial"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
}

// ObserveTrigger counts a cycle request from origin (interval, http, watch, cli).
func (m *Metrics) ObserveTrigger(origin string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(origin).Inc()
}
