// Package metrics provides Prometheus metrics instrumentation for rexsync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for rexsync. It implements the
// metrics recorder hooks of the bridge, events and orchestration packages.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Bridge metrics
	bridgeCalls    *prometheus.CounterVec
	bridgeDuration *prometheus.HistogramVec
	bridgeRetries  *prometheus.CounterVec

	// Event metrics
	eventsDispatched *prometheus.CounterVec
	eventsDelivered  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	eventListeners   *prometheus.GaugeVec

	// Orchestration metrics
	refreshSweeps    *prometheus.CounterVec
	refreshDuration  *prometheus.HistogramVec
	refreshInstances *prometheus.CounterVec
	taskOperations   *prometheus.CounterVec
	taskItems        *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	cachedWorkflows  prometheus.Gauge

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Path    string

	// Histogram bucket configurations
	BridgeDurationBuckets  []float64
	RefreshDurationBuckets []float64
	TaskDurationBuckets    []float64
	HTTPDurationBuckets    []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Path:                   "/metrics",
		BridgeDurationBuckets:  []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		RefreshDurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		TaskDurationBuckets:    []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		HTTPDurationBuckets:    []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	defaults := DefaultConfig()
	if len(cfg.BridgeDurationBuckets) == 0 {
		cfg.BridgeDurationBuckets = defaults.BridgeDurationBuckets
	}
	if len(cfg.RefreshDurationBuckets) == 0 {
		cfg.RefreshDurationBuckets = defaults.RefreshDurationBuckets
	}
	if len(cfg.TaskDurationBuckets) == 0 {
		cfg.TaskDurationBuckets = defaults.TaskDurationBuckets
	}
	if len(cfg.HTTPDurationBuckets) == 0 {
		cfg.HTTPDurationBuckets = defaults.HTTPDurationBuckets
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initBridgeMetrics(cfg)
	m.initEventMetrics()
	m.initOrchestrationMetrics(cfg)
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}
