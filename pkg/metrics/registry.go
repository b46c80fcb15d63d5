// Package metrics defines the metrics contracts the pipeline stages accept
// (pkg/metrics.PipelineMetrics) and a nil-safe enable/disable gate, so
// stages pay zero overhead when metrics are off. The Prometheus
// implementation lives in pkg/metrics/prometheus.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	enabled  atomic.Bool
)

// InitRegistry creates the process-wide Prometheus registry and flips the
// enabled gate. Must be called before any stage constructs its metrics
// collector; safe to call more than once (later calls replace the
// registry).
func InitRegistry() *prometheus.Registry {
	registry = prometheus.NewRegistry()
	enabled.Store(true)
	return registry
}

// IsEnabled reports whether InitRegistry has been called for this process.
func IsEnabled() bool {
	return enabled.Load()
}

// GetRegistry returns the active registry, or nil if metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}
