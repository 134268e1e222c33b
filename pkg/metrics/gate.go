package metrics

// Grant halves and outcomes used as label values.
const (
	HalfFirewall = "firewall"
	HalfExport   = "export"

	HandshakeOK      = "ok"
	HandshakeFailed  = "failed"
	HandshakeTimeout = "timeout"
)

// GateMetrics provides observability for the access controller.
//
// Implementations must be safe for concurrent use. Pass nil to the
// controller to get the no-op implementation.
type GateMetrics interface {
	// SetState publishes the current device state.
	SetState(state string)

	// SetActiveSessions updates the number of authenticated sessions.
	SetActiveSessions(count int)

	// RecordHandshake counts a completed TLS handshake attempt by outcome.
	RecordHandshake(outcome string)

	// RecordConnectionRejected counts connections dropped before the
	// handshake (source filter, rate limit, duplicate session).
	RecordConnectionRejected(reason string)

	// RecordGrant counts one grant half being applied.
	RecordGrant(half string, err error)

	// RecordRevocation counts one grant half being revoked.
	RecordRevocation(half string, err error)

	// RecordConsistencyWarning counts a condition where the firewall, the
	// exports table and the session registry may disagree.
	RecordConsistencyWarning(kind string)
}

// NewNoopGateMetrics returns a GateMetrics that discards everything.
func NewNoopGateMetrics() GateMetrics {
	return noopGateMetrics{}
}

type noopGateMetrics struct{}

func (noopGateMetrics) SetState(string)                 {}
func (noopGateMetrics) SetActiveSessions(int)           {}
func (noopGateMetrics) RecordHandshake(string)          {}
func (noopGateMetrics) RecordConnectionRejected(string) {}
func (noopGateMetrics) RecordGrant(string, error)       {}
func (noopGateMetrics) RecordRevocation(string, error)  {}
func (noopGateMetrics) RecordConsistencyWarning(string) {}
