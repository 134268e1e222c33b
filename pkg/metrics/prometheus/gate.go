package prometheus

import (
	"github.com/marmos91/dittogate/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// States exported by the state gauge, one series per state.
var states = []string{"dormant", "advertising", "active", "shutdown"}

// gateMetrics is the Prometheus implementation of metrics.GateMetrics.
type gateMetrics struct {
	state               *prometheus.GaugeVec
	activeSessions      prometheus.Gauge
	handshakes          *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	grants              *prometheus.CounterVec
	revocations         *prometheus.CounterVec
	consistency         *prometheus.CounterVec
}

// NewGateMetrics creates a Prometheus-backed GateMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewGateMetrics() metrics.GateMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopGateMetrics()
	}
	return newGateMetrics(metrics.GetRegistry())
}

func newGateMetrics(reg prometheus.Registerer) *gateMetrics {
	return &gateMetrics{
		state: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittogate_state",
				Help: "Current device state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittogate_active_sessions",
				Help: "Current number of authenticated sessions",
			},
		),
		handshakes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogate_handshakes_total",
				Help: "Total number of mTLS handshake attempts by outcome",
			},
			[]string{"outcome"},
		),
		connectionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogate_connections_rejected_total",
				Help: "Total number of connections dropped before a session was created",
			},
			[]string{"reason"},
		),
		grants: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogate_grants_total",
				Help: "Total number of grant halves applied by half and status",
			},
			[]string{"half", "status"},
		),
		revocations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogate_revocations_total",
				Help: "Total number of grant halves revoked by half and status",
			},
			[]string{"half", "status"},
		),
		consistency: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittogate_consistency_warnings_total",
				Help: "Total number of detected firewall/export/session inconsistencies",
			},
			[]string{"kind"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *gateMetrics) SetState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *gateMetrics) SetActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *gateMetrics) RecordHandshake(outcome string) {
	m.handshakes.WithLabelValues(outcome).Inc()
}

func (m *gateMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *gateMetrics) RecordGrant(half string, err error) {
	m.grants.WithLabelValues(half, status(err)).Inc()
}

func (m *gateMetrics) RecordRevocation(half string, err error) {
	m.revocations.WithLabelValues(half, status(err)).Inc()
}

func (m *gateMetrics) RecordConsistencyWarning(kind string) {
	m.consistency.WithLabelValues(kind).Inc()
}
