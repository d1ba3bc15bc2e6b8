// Package metrics exports sandbox traffic as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sandbox"

// Metrics records requests, deltas and sessions. It implements
// sandbox.Observer.
type Metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	deltas        *prometheus.CounterVec
	deltaEntities *prometheus.HistogramVec
	sessions      prometheus.Gauge
	snapshots     *prometheus.CounterVec
}

// New creates metrics on a private registry that also carries the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Requests handled, by dialect, operation and result.",
		}, []string{"dialect", "op", "result"}),
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "deltas_total",
			Help:      "Delta frames sent, by dialect.",
		}, []string{"dialect"}),
		deltaEntities: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "delta_entities",
			Help:      "Entities carried per delta frame.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}, []string{"dialect"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently alive.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "snapshot_operations_total",
			Help:      "Snapshot store operations, by kind and result.",
		}, []string{"op", "result"}),
	}
	m.registry.MustRegister(
		m.requests, m.deltas, m.deltaEntities, m.sessions, m.snapshots,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest counts one handled request.
func (m *Metrics) ObserveRequest(dialect, op string, failed bool) {
	m.requests.WithLabelValues(dialect, op, outcome(failed)).Inc()
}

// ObserveDelta counts one delta frame.
func (m *Metrics) ObserveDelta(dialect string, entities int) {
	m.deltas.WithLabelValues(dialect).Inc()
	m.deltaEntities.WithLabelValues(dialect).Observe(float64(entities))
}

// SessionCreated and SessionDestroyed track the live session count.
func (m *Metrics) SessionCreated() {
	m.sessions.Inc()
}

func (m *Metrics) SessionDestroyed() {
	m.sessions.Dec()
}

// ObserveSnapshot counts one snapshot store operation.
func (m *Metrics) ObserveSnapshot(op string, err error) {
	m.snapshots.WithLabelValues(op, outcome(err != nil)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry, e.g. for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
