package events

import "sync"

// MetricsRecorder defines metrics hooks for event delivery.
type MetricsRecorder interface {
	RecordEventDispatched(mode, kind string)
	RecordEventDelivered(mode, kind string)
	RecordEventDropped(mode, kind string)
	SetEventListeners(mode string, count int)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordEventDispatched(mode, kind string)  {}
func (n *nopMetrics) RecordEventDelivered(mode, kind string)   {}
func (n *nopMetrics) RecordEventDropped(mode, kind string)     {}
func (n *nopMetrics) SetEventListeners(mode string, count int) {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level events metrics recorder.
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
