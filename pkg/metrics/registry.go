// Package metrics exposes the PVAccess server's Prometheus metrics and the
// HTTP endpoint that serves them.
//
// The registry is process wide and created by InitRegistry, which the
// pvaserver command calls when the metrics section of its config is
// enabled. A server built without it records through NewNoopPVAMetrics.
//
//	metrics.InitRegistry()
//	srv, err := server.New(cfg, prometheus.NewPVAMetrics(), nil)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the registry along with the Go runtime and process
// collectors. Later calls keep the first registry.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry is nil until InitRegistry runs.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run. PVA metric constructors
// fall back to no-ops when it has not.
func IsEnabled() bool {
	return GetRegistry() != nil
}
