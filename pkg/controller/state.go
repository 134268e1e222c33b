package controller

// State is the device lifecycle state.
type State int

const (
	// Dormant: nothing is exposed; the volume is locked.
	Dormant State = iota

	// Advertising: the auth port accepts handshakes and the device announces
	// itself; no client holds a grant.
	Advertising

	// Active: at least one authenticated session holds a grant.
	Active

	// Shutdown: terminal; every grant has been revoked and the volume locked.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Dormant:
		return "DORMANT"
	case Advertising:
		return "ADVERTISING"
	case Active:
		return "ACTIVE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}
