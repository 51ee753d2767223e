// Package metrics defines the Prometheus collectors exported by evhub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handshake results used as label values.
const (
	ResultOK          = "ok"
	ResultMalformed   = "malformed"
	ResultMissing     = "missing_field"
	ResultInvalid     = "invalid_field"
	ResultRejected    = "rejected"
	ResultUnavailable = "unavailable"
	ResultLimited     = "rate_limited"
)

// Metrics bundles the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	connections  prometheus.Gauge
	handshakes   *prometheus.CounterVec
	published    *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	taskFailures *prometheus.CounterVec
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evhub",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evhub",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by result.",
		}, []string{"result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evhub",
			Name:      "events_published_total",
			Help:      "Events emitted to rooms by name.",
		}, []string{"event"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evhub",
			Name:      "events_delivered_total",
			Help:      "Envelopes queued on connections by event name.",
		}, []string{"event"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evhub",
			Name:      "task_failures_total",
			Help:      "Failures escaping supervised tasks.",
		}, []string{"task"}),
	}
	m.reg.MustRegister(
		m.connections, m.handshakes, m.published, m.delivered, m.taskFailures,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// Handshake counts one handshake attempt with the given result label.
func (m *Metrics) Handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

// Published counts one emission and the number of connections it reached.
func (m *Metrics) Published(event string, delivered int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(event).Inc()
	m.delivered.WithLabelValues(event).Add(float64(delivered))
}

func (m *Metrics) TaskFailed(task string) {
	if m != nil {
		m.taskFailures.WithLabelValues(task).Inc()
	}
}
