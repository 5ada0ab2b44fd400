// Package storage provides the local mirror of engine workflow and task state.
//
// The Store keeps one record per workflow instance and one per task, keyed by
// instance id and (instance id, task id). It never talks to the engine; the
// orchestration layer decides when cached data is stale.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rexsync/rexsync/pkg/entity"
)

// Store defines the cache operations used by the orchestration API.
// Implementations must be safe for concurrent use and must return copies,
// never references to their internal state.
type Store interface {
	// AddWorkflow inserts or replaces a workflow record. On replace, task
	// records already cached for the instance are preserved and re-attached.
	AddWorkflow(ctx context.Context, wf *entity.Workflow) error
	GetWorkflow(ctx context.Context, instanceID string) (*entity.Workflow, error)
	// ListWorkflows returns the requested workflows, or all when ids is empty.
	// Unknown ids are skipped.
	ListWorkflows(ctx context.Context, ids ...string) ([]*entity.Workflow, error)
	// DeleteWorkflow removes a workflow and its tasks. A missing id is not an error.
	DeleteWorkflow(ctx context.Context, instanceID string) error

	// AddTask inserts or overwrites a task and appends new ids to the
	// owning workflow's task list.
	AddTask(ctx context.Context, task *entity.Task) error
	// UpdateTask overwrites a task only if it is already cached.
	UpdateTask(ctx context.Context, task *entity.Task) error
	GetTask(ctx context.Context, instanceID, taskID string) (*entity.Task, error)
	ListTasks(ctx context.Context, instanceID string) ([]*entity.Task, error)
	DeleteTask(ctx context.Context, instanceID, taskID string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Entity types used in NotFoundError.
const (
	EntityWorkflow = "workflow"
	EntityTask     = "task"
)

// NotFoundError indicates that the requested entity is not cached.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// UnavailableError indicates that the storage backend is unavailable.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure encoding or decoding a record.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// WorkflowRecord is the persisted form of a workflow: tasks are kept as
// separate records and referenced by id, in list order.
type WorkflowRecord struct {
	Workflow *entity.Workflow `json:"workflow"`
	TaskIDs  []string         `json:"task_ids"`
}

// NewWorkflowRecord splits wf into a record without embedded tasks.
func NewWorkflowRecord(wf *entity.Workflow) *WorkflowRecord {
	c := wf.Clone()
	ids := c.TaskIDs()
	c.Tasks = nil
	return &WorkflowRecord{Workflow: c, TaskIDs: ids}
}

// MergeTaskIDs returns existing followed by the ids in incoming that are not
// already present.
func MergeTaskIDs(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, id := range existing {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range incoming {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// RemoveTaskID returns ids without id.
func RemoveTaskID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
