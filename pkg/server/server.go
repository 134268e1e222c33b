package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittogate/internal/logger"
)

// Service is a long-running component managed by a Runtime.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Serve blocks until ctx is cancelled, Stop is called, or the service
	// fails.
	Serve(ctx context.Context) error

	// Stop asks the service to shut down and waits for it, bounded by ctx.
	Stop(ctx context.Context) error
}

// Runtime runs a set of services side by side and stops them together.
//
// Lifecycle:
//  1. Creation: New()
//  2. Registration: AddService() for each component (access controller,
//     metrics endpoint, ...)
//  3. Startup: Serve() starts every service concurrently
//  4. Shutdown: context cancellation or the failure of any service stops
//     all of them in reverse registration order
//
// Thread safety:
// AddService may be called concurrently until Serve is called. Serve must
// only be called once.
//
// Example usage:
//
//	rt := server.New(30 * time.Second)
//	rt.AddService(metricsServer)
//	rt.AddService(ctrl)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := rt.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type Runtime struct {
	services []Service

	// stopTimeout bounds the Stop calls issued during shutdown.
	stopTimeout time.Duration

	mu     sync.Mutex
	served atomic.Bool
}

// New creates an empty Runtime. A non-positive stopTimeout defaults to 30s.
func New(stopTimeout time.Duration) *Runtime {
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	return &Runtime{
		services:    make([]Service, 0, 2),
		stopTimeout: stopTimeout,
	}
}

// AddService registers a service. Names must be unique.
//
// Panics if s is nil or Serve has already been called.
func (r *Runtime) AddService(s Service) error {
	if s == nil {
		panic("service cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.served.Load() {
		panic("cannot add a service after Serve() has been called")
	}

	for _, existing := range r.services {
		if existing.Name() == s.Name() {
			return fmt.Errorf("service %s already registered", s.Name())
		}
	}

	r.services = append(r.services, s)
	logger.Debug("Registered %s service", s.Name())
	return nil
}

// Services returns a snapshot of the registered services.
func (r *Runtime) Services() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Service, len(r.services))
	copy(out, r.services)
	return out
}

// Serve starts every service and blocks until ctx is cancelled, a service
// fails, or all services have returned.
//
// Returns:
//   - ctx.Err() when shutdown was triggered by the context
//   - the first service error when a service failed
//   - nil when every service returned on its own
func (r *Runtime) Serve(ctx context.Context) error {
	if !r.served.CompareAndSwap(false, true) {
		return errors.New("Serve() has already been called on this runtime")
	}

	services := r.Services()
	if len(services) == 0 {
		return errors.New("no services registered; call AddService() before Serve()")
	}

	logger.Info("Starting %d service(s)", len(services))

	errChan := make(chan serviceError, len(services))
	allDone := make(chan struct{})

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(s Service) {
			defer wg.Done()

			if err := s.Serve(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					logger.Error("%s service failed: %v", s.Name(), err)
					errChan <- serviceError{name: s.Name(), err: err}
					return
				}
				logger.Debug("%s service stopped: %v", s.Name(), err)
				return
			}
			logger.Info("%s service stopped", s.Name())
		}(svc)
	}

	go func() {
		wg.Wait()
		close(allDone)
	}()

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		r.stopAll(services)
		shutdownErr = ctx.Err()

	case svcErr := <-errChan:
		logger.Error("Service %s failed: %v - stopping the others", svcErr.name, svcErr.err)
		r.stopAll(services)
		shutdownErr = fmt.Errorf("%s service error: %w", svcErr.name, svcErr.err)

	case <-allDone:
	}

	<-allDone
	logger.Info("All services stopped")
	return shutdownErr
}

type serviceError struct {
	name string
	err  error
}

// stopAll stops services in reverse registration order so that components
// registered last, which may depend on earlier ones, go first.
func (r *Runtime) stopAll(services []Service) {
	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
	defer cancel()

	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		logger.Debug("Stopping %s service", s.Name())
		if err := s.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s service: %v", s.Name(), err)
		}
	}
}
