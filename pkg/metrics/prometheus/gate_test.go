package prometheus

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newGateMetrics(reg)

	m.SetState("active")
	m.SetActiveSessions(2)
	m.RecordHandshake("ok")
	m.RecordHandshake("failed")
	m.RecordHandshake("failed")
	m.RecordGrant("firewall", nil)
	m.RecordGrant("export", errors.New("exportfs failed"))
	m.RecordRevocation("firewall", nil)
	m.RecordConsistencyWarning("partial_grant")
	m.RecordConnectionRejected("rate_limited")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("advertising")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.handshakes.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.grants.WithLabelValues("export", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.grants.WithLabelValues("firewall", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.revocations.WithLabelValues("firewall", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.consistency.WithLabelValues("partial_grant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsRejected.WithLabelValues("rate_limited")))

	m.SetState("advertising")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("advertising")))
}

func TestNewGateMetricsDisabled(t *testing.T) {
	assert.NotNil(t, NewGateMetrics())
}
