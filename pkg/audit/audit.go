// Package audit records security-relevant session events.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marmos91/dittogate/internal/logger"
)

// Type classifies an event.
type Type string

const (
	HandshakeFailed      Type = "handshake_failed"
	ConnectionRejected   Type = "connection_rejected"
	SessionOpened        Type = "session_opened"
	SessionClosed        Type = "session_closed"
	SessionRejected      Type = "session_rejected"
	GrantFailed          Type = "grant_failed"
	GrantRevoked         Type = "grant_revoked"
	RevocationFailed     Type = "revocation_failed"
	OrphanedGrantRevoked Type = "orphaned_grant_revoked"
	StateChanged         Type = "state_changed"
)

// Event is one audit record.
type Event struct {
	Time        time.Time `json:"time"`
	Type        Type      `json:"type"`
	SessionID   string    `json:"session_id,omitempty"`
	Address     string    `json:"address,omitempty"`
	CommonName  string    `json:"common_name,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Sink receives events. Record must not block for long; sinks that talk to
// the network buffer.
type Sink interface {
	Record(ctx context.Context, e Event)
	Close(ctx context.Context) error
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Record(_ context.Context, e Event) {
	logger.Info("Audit: %s addr=%s cn=%s session=%s %s",
		e.Type, e.Address, e.CommonName, e.SessionID, e.Detail)
}

func (LogSink) Close(context.Context) error { return nil }

// Memory keeps events in process, for tests and diagnostics.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *Memory) Close(context.Context) error { return nil }

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the recorded events of type t.
func (m *Memory) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}

func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
func (Nop) Close(context.Context) error   { return nil }
