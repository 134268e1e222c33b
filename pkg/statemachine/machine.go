// Package statemachine implements a small finite-state machine with ordered
// enter and exit hooks per state.
//
// Ordering guarantees for TransitionTo(next) from current:
//  1. every exit hook registered for current runs, in registration order
//  2. the new state becomes visible to Current()
//  3. every enter hook registered for next runs, in registration order
//
// A hook that returns an error (or panics) is logged and the remaining hooks
// still run. Transitions are serialized; hooks must not call TransitionTo on
// the machine running them.
package statemachine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/dittogate/internal/logger"
)

var (
	// ErrTerminal is returned when a transition is requested out of the
	// terminal state.
	ErrTerminal = errors.New("statemachine: terminal state reached")
)

// Transition describes a state change passed to hooks.
type Transition[S comparable] struct {
	From S
	To   S
}

// Hook runs on entering or leaving a state.
type Hook[S comparable] func(Transition[S]) error

// Option configures a Machine.
type Option[S comparable] func(*Machine[S])

// WithTerminal marks a state as terminal: once entered, every further
// transition fails with ErrTerminal.
func WithTerminal[S comparable](state S) Option[S] {
	return func(m *Machine[S]) {
		m.terminal = &state
	}
}

// WithName sets the name used in log lines.
func WithName[S comparable](name string) Option[S] {
	return func(m *Machine[S]) {
		m.name = name
	}
}

// Machine is a finite-state machine over states of type S.
type Machine[S comparable] struct {
	name     string
	terminal *S

	// transitionMu serializes TransitionTo.
	transitionMu sync.Mutex

	mu      sync.RWMutex
	current S
	enter   map[S][]Hook[S]
	exit    map[S][]Hook[S]
}

// New creates a Machine in the initial state. No enter hook runs for it.
func New[S comparable](initial S, opts ...Option[S]) *Machine[S] {
	m := &Machine[S]{
		name:    "statemachine",
		current: initial,
		enter:   make(map[S][]Hook[S]),
		exit:    make(map[S][]Hook[S]),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEnter registers a hook that runs after the machine enters state.
func (m *Machine[S]) OnEnter(state S, hook Hook[S]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enter[state] = append(m.enter[state], hook)
}

// OnExit registers a hook that runs before the machine leaves state.
func (m *Machine[S]) OnExit(state S, hook Hook[S]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exit[state] = append(m.exit[state], hook)
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is currently in state.
func (m *Machine[S]) Is(state S) bool {
	return m.Current() == state
}

// TransitionTo moves the machine to next, running hooks as described in the
// package documentation. It reports whether a transition happened;
// requesting the current state is a no-op that runs no hooks.
func (m *Machine[S]) TransitionTo(next S) (bool, error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.RLock()
	from := m.current
	exitHooks := append([]Hook[S](nil), m.exit[from]...)
	enterHooks := append([]Hook[S](nil), m.enter[next]...)
	m.mu.RUnlock()

	if from == next {
		return false, nil
	}
	if m.terminal != nil && from == *m.terminal {
		return false, fmt.Errorf("%w: cannot leave %v for %v", ErrTerminal, from, next)
	}

	tr := Transition[S]{From: from, To: next}
	logger.Debug("%s: %v -> %v", m.name, from, next)

	m.runHooks("exit", from, exitHooks, tr)

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	m.runHooks("enter", next, enterHooks, tr)

	return true, nil
}

func (m *Machine[S]) runHooks(kind string, state S, hooks []Hook[S], tr Transition[S]) {
	for i, hook := range hooks {
		if err := m.runHook(hook, tr); err != nil {
			logger.Error("%s: %s hook %d for %v failed: %v", m.name, kind, i, state, err)
		}
	}
}

func (m *Machine[S]) runHook(hook Hook[S], tr Transition[S]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(tr)
}
