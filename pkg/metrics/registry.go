// Package metrics provides Prometheus metrics collection for DittoGate.
//
// All metrics are optional: if InitRegistry is never called, constructors
// return no-op implementations and the gate runs without collection.
//
// Usage:
//
//	metrics.InitRegistry()
//	gateMetrics := prometheus.NewGateMetrics()
//	ctrl, err := controller.New(cfg, controller.Dependencies{Metrics: gateMetrics, ...})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is written once by InitRegistry and read many times.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Subsequent calls
// are ignored.
//
// Thread safety:
// sync.Once provides the memory barrier that makes the registry visible to
// later GetRegistry calls.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
