package orchestration

import (
	"sync"
	"time"
)

// Refresh outcomes reported per instance.
const (
	RefreshOutcomeRefreshed  = "refreshed"
	RefreshOutcomeSkipped    = "skipped"
	RefreshOutcomeRemoved    = "removed"
	RefreshOutcomeFailed     = "failed"
	RefreshOutcomeDiscovered = "discovered"
)

// MetricsRecorder defines metrics hooks for orchestration.
type MetricsRecorder interface {
	RecordRefreshSweep(status string, duration time.Duration)
	RecordRefreshInstances(outcome string, count int)
	RecordTaskOperation(operation string, succeeded, failed int, duration time.Duration)
	SetCachedWorkflows(count int)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordRefreshSweep(status string, duration time.Duration) {}
func (n *nopMetrics) RecordRefreshInstances(outcome string, count int)         {}
func (n *nopMetrics) RecordTaskOperation(operation string, succeeded, failed int, duration time.Duration) {
}
func (n *nopMetrics) SetCachedWorkflows(count int) {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level orchestration metrics recorder.
func SetMetricsRecorder(recorder MetricsRecorder) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if recorder == nil {
		metrics = &nopMetrics{}
		return
	}
	metrics = recorder
}

func metricsRecorder() MetricsRecorder {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metrics
}
