package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initEventMetrics() {
	m.eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dispatched_total",
			Help: "Total number of dispatched events",
		},
		[]string{"mode", "kind"},
	)

	m.eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_delivered_total",
			Help: "Total number of events placed in a listener mailbox",
		},
		[]string{"mode", "kind"},
	)

	m.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Total number of events dropped because a mailbox was full",
		},
		[]string{"mode", "kind"},
	)

	m.eventListeners = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "event_listeners",
			Help: "Current number of active listeners",
		},
		[]string{"mode"},
	)

	m.registry.MustRegister(m.eventsDispatched)
	m.registry.MustRegister(m.eventsDelivered)
	m.registry.MustRegister(m.eventsDropped)
	m.registry.MustRegister(m.eventListeners)
}

// RecordEventDispatched records a dispatched event.
func (m *Manager) RecordEventDispatched(mode, kind string) {
	if !m.enabled {
		return
	}
	m.eventsDispatched.WithLabelValues(mode, kind).Inc()
}

// RecordEventDelivered records an event placed in a mailbox.
func (m *Manager) RecordEventDelivered(mode, kind string) {
	if !m.enabled {
		return
	}
	m.eventsDelivered.WithLabelValues(mode, kind).Inc()
}

// RecordEventDropped records an event dropped for a full mailbox.
func (m *Manager) RecordEventDropped(mode, kind string) {
	if !m.enabled {
		return
	}
	m.eventsDropped.WithLabelValues(mode, kind).Inc()
}

// SetEventListeners sets the number of active listeners.
func (m *Manager) SetEventListeners(mode string, count int) {
	if !m.enabled {
		return
	}
	m.eventListeners.WithLabelValues(mode).Set(float64(count))
}
