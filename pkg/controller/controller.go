// Package controller implements the device access controller: a state
// machine that exposes the storage volume only to clients that completed a
// mutual TLS handshake, for exactly as long as their session lasts.
//
// Lifecycle:
//
//	DORMANT --Activate--> ADVERTISING --first session--> ACTIVE
//	ACTIVE --last session ends--> ADVERTISING
//	any --Shutdown--> SHUTDOWN (terminal)
//
// Each session holds a grant made of a firewall rule and an export entry.
// The grant is applied before the welcome line is sent and released exactly
// once when the session ends, whatever the reason.
package controller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittogate/internal/logger"
	"github.com/marmos91/dittogate/internal/ratelimiter"
	"github.com/marmos91/dittogate/pkg/audit"
	"github.com/marmos91/dittogate/pkg/gate/export"
	"github.com/marmos91/dittogate/pkg/gate/firewall"
	"github.com/marmos91/dittogate/pkg/ledger"
	"github.com/marmos91/dittogate/pkg/metrics"
	"github.com/marmos91/dittogate/pkg/session"
	"github.com/marmos91/dittogate/pkg/statemachine"
	"go4.org/netipx"
)

// ErrNotAdvertising is returned by Run when the controller has not been
// activated.
var ErrNotAdvertising = errors.New("controller is not advertising")

// toolTimeout bounds each call into a host tool made from a state hook or a
// grant release.
const toolTimeout = 30 * time.Second

// FirewallGate opens and closes the data port per client.
type FirewallGate interface {
	Initialize() error
	Allow(address string) (*firewall.Handle, error)
	Revoke(address string) error
}

// ExportGate publishes the volume per client.
type ExportGate interface {
	Export(ctx context.Context, address string) (*export.Handle, error)
	RemoveAll(ctx context.Context, addresses []string) error
}

// StorageGate makes the volume available.
type StorageGate interface {
	Unlock(ctx context.Context) bool
	Lock(ctx context.Context) bool
	IsUnlocked() bool
}

// Advertiser announces the device status.
type Advertiser interface {
	StartAdvertising() error
	StartActive(clients int) error
	Stop()
}

// Dependencies are the collaborators of a Controller. The four gates are
// required; the rest default to in-memory or no-op implementations.
type Dependencies struct {
	Firewall   FirewallGate
	Exports    ExportGate
	Storage    StorageGate
	Advertiser Advertiser

	Ledger  ledger.Ledger
	Audit   audit.Sink
	Metrics metrics.GateMetrics
}

// Controller owns the device state, the auth listener and every session.
//
// Thread safety:
// Exported methods are safe for concurrent use. mu serializes the
// operations that touch both the state machine and the session registry.
type Controller struct {
	config Config
	deps   Dependencies

	machine  *statemachine.Machine[State]
	sessions *session.Registry
	allowed  *netipx.IPSet
	limiter  *ratelimiter.KeyedLimiter

	mu        sync.Mutex
	tlsConfig atomic.Pointer[tls.Config]

	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}
	readyOnce  sync.Once

	shutdown     chan struct{}
	shutdownOnce sync.Once
	shuttingDown atomic.Bool
	running      atomic.Bool
	runDone      chan struct{}

	activeConns sync.WaitGroup
	connections sync.Map
	connCount   atomic.Int32

	// connCtx is cancelled once shutdown starts, aborting pending handshakes.
	connCtx    context.Context
	cancelConn context.CancelFunc
}

// New validates config and builds a Controller in the DORMANT state.
// Returned errors are *ConfigurationError when a setting is unusable.
func New(config Config, deps Dependencies) (*Controller, error) {
	if deps.Firewall == nil || deps.Exports == nil || deps.Storage == nil || deps.Advertiser == nil {
		panic("controller requires firewall, exports, storage and advertiser gates")
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	allowed, err := buildAllowedSet(config.AllowedNetworks)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := buildTLSConfig(config)
	if err != nil {
		return nil, &ConfigurationError{Field: "tls identity", Value: config.CertFile, Err: err}
	}

	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemory()
	}
	if deps.Audit == nil {
		deps.Audit = audit.LogSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopGateMetrics()
	}

	connCtx, cancelConn := context.WithCancel(context.Background())

	c := &Controller{
		config:     config,
		deps:       deps,
		sessions:   session.NewRegistry(),
		allowed:    allowed,
		limiter:    ratelimiter.NewKeyed(config.HandshakeRate, config.HandshakeBurst, 0),
		ready:      make(chan struct{}),
		shutdown:   make(chan struct{}),
		runDone:    make(chan struct{}),
		connCtx:    connCtx,
		cancelConn: cancelConn,
	}

	c.tlsConfig.Store(tlsConfig)

	c.machine = statemachine.New(Dormant,
		statemachine.WithTerminal(Shutdown),
		statemachine.WithName[State]("Controller"))
	c.registerHooks()
	deps.Metrics.SetState(strings.ToLower(Dormant.String()))

	return c, nil
}

func (c *Controller) registerHooks() {
	m := c.machine

	for _, s := range []State{Dormant, Advertising, Active, Shutdown} {
		m.OnEnter(s, c.recordTransition)
	}

	m.OnEnter(Advertising, c.enterAdvertising)
	m.OnExit(Advertising, c.exitAdvertising)
	m.OnEnter(Active, c.enterActive)
	m.OnExit(Active, c.exitActive)
	m.OnEnter(Shutdown, c.enterShutdown)
}

func toolContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), toolTimeout)
}

func (c *Controller) recordTransition(tr statemachine.Transition[State]) error {
	logger.Info("Controller: %s -> %s", tr.From, tr.To)
	c.deps.Metrics.SetState(strings.ToLower(tr.To.String()))
	c.deps.Audit.Record(context.Background(), audit.Event{
		Time:   time.Now(),
		Type:   audit.StateChanged,
		Detail: tr.From.String() + " -> " + tr.To.String(),
	})
	return nil
}

func (c *Controller) enterAdvertising(statemachine.Transition[State]) error {
	ctx, cancel := toolContext()
	defer cancel()

	var errs []error
	if err := c.deps.Firewall.Initialize(); err != nil {
		errs = append(errs, fmt.Errorf("firewall: %w", err))
	}
	if !c.deps.Storage.Unlock(ctx) {
		errs = append(errs, errors.New("storage: volume unavailable"))
	}

	// Certificates are reloaded on every return to advertising; a broken
	// reload keeps the identity loaded by New.
	tlsConfig, err := buildTLSConfig(c.config)
	if err != nil {
		errs = append(errs, fmt.Errorf("tls reload: %w", err))
	} else {
		c.tlsConfig.Store(tlsConfig)
	}

	if err := c.deps.Advertiser.StartAdvertising(); err != nil {
		errs = append(errs, fmt.Errorf("advertiser: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Controller) exitAdvertising(statemachine.Transition[State]) error {
	c.deps.Advertiser.Stop()
	return nil
}

func (c *Controller) enterActive(statemachine.Transition[State]) error {
	ctx, cancel := toolContext()
	defer cancel()

	var errs []error
	if !c.deps.Storage.IsUnlocked() && !c.deps.Storage.Unlock(ctx) {
		errs = append(errs, errors.New("storage: volume unavailable"))
	}
	if err := c.deps.Advertiser.StartActive(c.sessions.Count()); err != nil {
		errs = append(errs, fmt.Errorf("advertiser: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Controller) exitActive(statemachine.Transition[State]) error {
	ctx, cancel := toolContext()
	defer cancel()

	c.deps.Advertiser.Stop()
	if !c.deps.Storage.Lock(ctx) {
		return errors.New("storage: lock command failed")
	}
	return nil
}

// enterShutdown runs from any state. Leaving ACTIVE already stopped the
// advertiser and locked storage; both calls are idempotent.
func (c *Controller) enterShutdown(statemachine.Transition[State]) error {
	ctx, cancel := toolContext()
	defer cancel()

	c.deps.Advertiser.Stop()
	c.deps.Storage.Lock(ctx)
	c.closeListener()
	return nil
}

// State returns the current device state.
func (c *Controller) State() State {
	return c.machine.Current()
}

// Sessions returns a snapshot of the authenticated sessions.
func (c *Controller) Sessions() []session.Session {
	return c.sessions.List()
}

// Name identifies the controller in runtime logs.
func (c *Controller) Name() string { return "controller" }

// Activate revokes grants orphaned by a previous run and moves the device
// from DORMANT to ADVERTISING. Called in any other state it logs a warning
// and does nothing.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.machine.Is(Dormant) {
		logger.Warn("Controller: activate ignored in state %s", c.machine.Current())
		return nil
	}

	n, err := ledger.Recover(ctx, c.deps.Ledger, c.deps.Firewall, c.deps.Exports)
	if err != nil {
		logger.Error("Controller: orphaned grant recovery failed: %v", err)
	}
	for i := 0; i < n; i++ {
		c.deps.Metrics.RecordConsistencyWarning("orphaned_grant")
	}
	if n > 0 {
		c.deps.Audit.Record(ctx, audit.Event{
			Time:   time.Now(),
			Type:   audit.OrphanedGrantRevoked,
			Detail: fmt.Sprintf("%d grant(s) from a previous run revoked", n),
		})
	}

	_, err = c.machine.TransitionTo(Advertising)
	return err
}

// Serve activates the controller if needed and runs the accept loop until
// ctx is cancelled or Stop is called.
func (c *Controller) Serve(ctx context.Context) error {
	if err := c.Activate(ctx); err != nil {
		return err
	}
	return c.Run(ctx)
}

// Run accepts connections on the auth port until ctx is cancelled or
// Shutdown is called, then drains sessions and enters SHUTDOWN.
func (c *Controller) Run(ctx context.Context) error {
	if !c.machine.Is(Advertising) {
		return ErrNotAdvertising
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller is already running")
	}
	defer close(c.runDone)

	addr := net.JoinHostPort(c.config.BindAddress, strconv.Itoa(c.config.AuthPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		c.finishShutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	c.listenerMu.Lock()
	c.listener = ln
	c.listenerMu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })

	if c.shuttingDown.Load() {
		c.closeListener()
	}

	logger.Info("Controller: listening for mTLS clients on %s", ln.Addr())

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Controller: shutdown signal received (reason: %v)", ctx.Err())
			c.Shutdown()
		case <-c.shutdown:
		}
	}()

	c.acceptLoop(ln)
	c.gracefulShutdown()
	return nil
}

func (c *Controller) acceptLoop(ln net.Listener) {
	type deadliner interface{ SetDeadline(time.Time) error }

	for {
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(c.config.AcceptPollInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			if c.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			logger.Debug("Controller: accept error: %v", err)
			continue
		}

		c.activeConns.Add(1)
		c.connCount.Add(1)
		go c.handleConn(conn)
	}
}

// Ready is closed once the auth listener is bound.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Addr returns the bound auth address, or nil before Run has listened.
func (c *Controller) Addr() net.Addr {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Shutdown starts cooperative shutdown: accepting stops immediately and
// sessions drain as described on Run. Safe to call more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		logger.Info("Controller: shutdown initiated")
		c.shuttingDown.Store(true)
		close(c.shutdown)
		c.cancelConn()
		c.closeListener()
	})
}

// Stop shuts down and waits for Run to finish, or for ctx. When Run was
// never started it performs the final transition itself.
func (c *Controller) Stop(ctx context.Context) error {
	c.Shutdown()

	if !c.running.Load() {
		c.finishShutdown()
		return nil
	}

	select {
	case <-c.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) closeListener() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	if c.listener != nil {
		if err := c.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug("Controller: close listener: %v", err)
		}
	}
}

// gracefulShutdown waits up to ShutdownTimeout for sessions to end, then
// closes the remaining connections so their deferred cleanup revokes the
// grants, and finally enters SHUTDOWN.
func (c *Controller) gracefulShutdown() {
	done := make(chan struct{})
	go func() {
		c.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Controller: all sessions ended")
	case <-time.After(c.config.ShutdownTimeout):
		logger.Warn("Controller: %d connection(s) still open after %v, closing them",
			c.connCount.Load(), c.config.ShutdownTimeout)
		c.forceCloseConnections()
		<-done
	}

	c.finishShutdown()
}

func (c *Controller) forceCloseConnections() {
	c.connections.Range(func(key, _ any) bool {
		if conn, ok := key.(net.Conn); ok {
			_ = conn.Close()
		}
		return true
	})
}

func (c *Controller) finishShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.machine.TransitionTo(Shutdown); err != nil && !errors.Is(err, statemachine.ErrTerminal) {
		logger.Error("Controller: enter shutdown: %v", err)
	}
	c.cancelConn()
}
