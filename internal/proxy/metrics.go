package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// serverMetrics carries the prometheus instruments for one Server. Each
// Server owns its registry so several instances (and tests) can coexist
// in a process.
type serverMetrics struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	bytesTotal     *prometheus.CounterVec
	failures       *prometheus.CounterVec
	policyRejects  prometheus.Counter
	idleCloses     prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaymux_active_sessions",
			Help: "Number of sessions currently relaying",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymux_sessions_total",
			Help: "Total accepted sessions by protocol",
		}, []string{"protocol"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymux_bytes_total",
			Help: "Total relayed bytes by protocol and direction",
		}, []string{"protocol", "direction"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymux_session_failures_total",
			Help: "Session failures by kind",
		}, []string{"kind"}),
		policyRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymux_policy_rejects_total",
			Help: "Connections rejected before handshake by access policy",
		}),
		idleCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymux_idle_closes_total",
			Help: "Sessions closed by the idle watchdog",
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.bytesTotal,
		m.failures,
		m.policyRejects,
		m.idleCloses,
	)
	return m
}

func (m *serverMetrics) addBytes(protocol string, inbound bool, n int) {
	direction := "out"
	if inbound {
		direction = "in"
	}
	m.bytesTotal.WithLabelValues(protocol, direction).Add(float64(n))
}

func (m *serverMetrics) addFailure(kind failureKind) {
	m.failures.WithLabelValues(string(kind)).Inc()
}
