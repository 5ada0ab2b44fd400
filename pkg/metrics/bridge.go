package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initBridgeMetrics(cfg Config) {
	m.bridgeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_calls_total",
			Help: "Total number of engine calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.bridgeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_call_duration_seconds",
			Help:    "Engine call duration in seconds, retries included",
			Buckets: cfg.BridgeDurationBuckets,
		},
		[]string{"operation"},
	)

	m.bridgeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_retries_total",
			Help: "Total number of retried engine calls",
		},
		[]string{"operation"},
	)

	m.registry.MustRegister(m.bridgeCalls)
	m.registry.MustRegister(m.bridgeDuration)
	m.registry.MustRegister(m.bridgeRetries)
}

// RecordBridgeCall records one engine call.
func (m *Manager) RecordBridgeCall(operation, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.bridgeCalls.WithLabelValues(operation, outcome).Inc()
	m.bridgeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBridgeRetry records a retry of an engine call.
func (m *Manager) RecordBridgeRetry(operation string) {
	if !m.enabled {
		return
	}
	m.bridgeRetries.WithLabelValues(operation).Inc()
}
