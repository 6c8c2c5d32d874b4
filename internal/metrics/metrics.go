// Package metrics exposes Prometheus collectors for the derivation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	derivations *prometheus.HistogramVec
	written     prometheus.Counter
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atwany",
			Name:      "requests_total",
			Help:      "Upload requests by delivery mode and outcome.",
		}, []string{"mode", "outcome"}),
		derivations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atwany",
			Name:      "derivation_duration_seconds",
			Help:      "Time spent resizing and encoding one variant.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"size_class", "outcome"}),
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atwany",
			Name:      "persisted_bytes_total",
			Help:      "Bytes written to storage for derived variants and files.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.derivations,
		m.written,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Request counts one finished request.
func (m *Metrics) Request(mode string, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(mode, outcome(err)).Inc()
}

// Derivation observes one variant derivation.
func (m *Metrics) Derivation(class string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.derivations.WithLabelValues(class, outcome(err)).Observe(time.Since(started).Seconds())
}

// Written adds persisted bytes.
func (m *Metrics) Written(n int) {
	if m == nil {
		return
	}
	m.written.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
