package config

import (
	"net/http"

	"github.com/marmos91/pvaserver/pkg/metrics"
	promMetrics "github.com/marmos91/pvaserver/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// PVAMetrics is the collector handed to server.New (never nil, uses noop if disabled)
	PVAMetrics metrics.PVAMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server, with handlers mounted beside /metrics
//   - Creates the Prometheus-backed PVA collector
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns a no-op collector
func InitializeMetrics(cfg *Config, handlers map[string]http.Handler) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			Server:     nil,
			PVAMetrics: metrics.NewNoopPVAMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:     cfg.Metrics.Port,
		Handlers: handlers,
	})

	return &MetricsResult{
		Server:     server,
		PVAMetrics: promMetrics.NewPVAMetrics(),
	}
}
