package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initOrchestrationMetrics(cfg Config) {
	m.refreshSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_sweeps_total",
			Help: "Total number of refresh sweeps by status",
		},
		[]string{"status"},
	)

	m.refreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refresh_sweep_duration_seconds",
			Help:    "Refresh sweep duration in seconds",
			Buckets: cfg.RefreshDurationBuckets,
		},
		[]string{"status"},
	)

	m.refreshInstances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_instances_total",
			Help: "Total number of instances handled by refresh sweeps, by outcome",
		},
		[]string{"outcome"},
	)

	m.taskOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_operations_total",
			Help: "Total number of batched task operations",
		},
		[]string{"operation"},
	)

	m.taskItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_operation_items_total",
			Help: "Total number of task results by operation and result",
		},
		[]string{"operation", "result"},
	)

	m.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_operation_duration_seconds",
			Help:    "Batched task operation duration in seconds",
			Buckets: cfg.TaskDurationBuckets,
		},
		[]string{"operation"},
	)

	m.cachedWorkflows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cached_workflows",
			Help: "Number of workflows in the cache after the last refresh sweep",
		},
	)

	m.registry.MustRegister(m.refreshSweeps)
	m.registry.MustRegister(m.refreshDuration)
	m.registry.MustRegister(m.refreshInstances)
	m.registry.MustRegister(m.taskOperations)
	m.registry.MustRegister(m.taskItems)
	m.registry.MustRegister(m.taskDuration)
	m.registry.MustRegister(m.cachedWorkflows)
}

// RecordRefreshSweep records a finished refresh sweep.
func (m *Manager) RecordRefreshSweep(status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.refreshSweeps.WithLabelValues(status).Inc()
	m.refreshDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRefreshInstances adds count instances with the given outcome.
func (m *Manager) RecordRefreshInstances(outcome string, count int) {
	if !m.enabled || count <= 0 {
		return
	}
	m.refreshInstances.WithLabelValues(outcome).Add(float64(count))
}

// RecordTaskOperation records a batched task operation.
func (m *Manager) RecordTaskOperation(operation string, succeeded, failed int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.taskOperations.WithLabelValues(operation).Inc()
	m.taskItems.WithLabelValues(operation, "success").Add(float64(succeeded))
	m.taskItems.WithLabelValues(operation, "error").Add(float64(failed))
	m.taskDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetCachedWorkflows sets the number of cached workflows.
func (m *Manager) SetCachedWorkflows(count int) {
	if !m.enabled {
		return
	}
	m.cachedWorkflows.Set(float64(count))
}
