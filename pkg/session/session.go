// Package session tracks authenticated client sessions, keyed by client
// address.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionExists is returned by Create when the address already has a
// session.
var ErrSessionExists = errors.New("session already exists for address")

// Session is one authenticated client connection.
type Session struct {
	ID             string
	Address        string
	Port           int
	Identity       Identity
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// Registry holds at most one Session per address.
//
// Thread safety:
// All methods are safe for concurrent use. Returned sessions are copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create registers a new session for address.
func (r *Registry) Create(address string, port int, identity Identity) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[address]; ok {
		return Session{}, ErrSessionExists
	}

	now := r.now()
	s := &Session{
		ID:             uuid.NewString(),
		Address:        address,
		Port:           port,
		Identity:       identity,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	r.sessions[address] = s
	return *s, nil
}

// Remove deletes the session for address and returns it.
func (r *Registry) Remove(address string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[address]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, address)
	return *s, true
}

// Touch records activity on the session for address.
func (r *Registry) Touch(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[address]
	if ok {
		s.LastActivityAt = r.now()
	}
	return ok
}

// Get returns the session for address.
func (r *Registry) Get(address string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[address]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) HasAny() bool {
	return r.Count() > 0
}

// List returns a snapshot of all sessions ordered by address.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
