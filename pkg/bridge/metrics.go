package bridge

import (
	"sync"
	"time"
)

// Call outcomes reported to the metrics recorder.
const (
	OutcomeSuccess           = "success"
	OutcomeUnreachable       = "unreachable"
	OutcomeContractViolation = "contract_violation"
	OutcomeEngineError       = "engine_error"
)

// MetricsRecorder defines metrics hooks for remote engine calls.
type MetricsRecorder interface {
	RecordBridgeCall(operation, outcome string, duration time.Duration)
	RecordBridgeRetry(operation string)
}

type nopMetrics struct{}

func (n *nopMetrics) RecordBridgeCall(operation, outcome string, duration time.Duration) {}
func (n *nopMetrics) RecordBridgeRetry(operation string)                                 {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = &nopMetrics{}
)

// SetMetricsRecorder sets the package-level bridge metrics recorder.
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

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsContractViolation(err):
		return OutcomeContractViolation
	case IsEngineError(err):
		return OutcomeEngineError
	default:
		return OutcomeUnreachable
	}
}
