package entity

import "time"

// EventKind is the closed set of notifications delivered to listeners.
type EventKind string

const (
	EventStartBroadcast  EventKind = "START_BROADCAST"
	EventFinishBroadcast EventKind = "FINISH_BROADCAST"
	EventErrorBroadcast  EventKind = "ERROR_BROADCAST"
	EventStartWorkflow   EventKind = "START_WORKFLOW"
	EventUpdateWorkflow  EventKind = "UPDATE_WORKFLOW"
	EventFinishWorkflow  EventKind = "FINISH_WORKFLOW"
	EventStartTask       EventKind = "START_TASK"
	EventUpdateTask      EventKind = "UPDATE_TASK"
	EventFinishTask      EventKind = "FINISH_TASK"
	EventKeepAlive       EventKind = "KEEP_ALIVE"
)

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventStartBroadcast, EventFinishBroadcast, EventErrorBroadcast,
		EventStartWorkflow, EventUpdateWorkflow, EventFinishWorkflow,
		EventStartTask, EventUpdateTask, EventFinishTask, EventKeepAlive:
		return true
	default:
		return false
	}
}

// Envelope is a dispatched event as seen by a listener.
type Envelope struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
