package config

import (
	"github.com/marmos91/dittogate/pkg/metrics"
	promMetrics "github.com/marmos91/dittogate/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// GateMetrics is the collector for the controller (never nil, uses noop if disabled)
	GateMetrics metrics.GateMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics for the controller
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Server:      nil,
			GateMetrics: metrics.NewNoopGateMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		BindAddress: cfg.Server.Metrics.BindAddress,
		Port:        cfg.Server.Metrics.Port,
	})

	return &MetricsResult{
		Server:      server,
		GateMetrics: promMetrics.NewGateMetrics(),
	}
}
