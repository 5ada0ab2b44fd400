// Package memory provides an in-process implementation of the storage interface.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/logger"
	"github.com/rexsync/rexsync/pkg/storage"
)

// MemoryStorage implements storage.Store using maps guarded by a RWMutex.
type MemoryStorage struct {
	mu        sync.RWMutex
	workflows map[string]*storage.WorkflowRecord
	tasks     map[string]map[string]*entity.Task // instanceID -> taskID -> Task
	log       logger.Logger
}

var _ storage.Store = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[string]*storage.WorkflowRecord),
		tasks:     make(map[string]map[string]*entity.Task),
		log:       logger.Global().Named("storage.memory"),
	}
}

// AddWorkflow upserts a workflow, preserving cached tasks on replace.
func (m *MemoryStorage) AddWorkflow(ctx context.Context, wf *entity.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := storage.NewWorkflowRecord(wf)
	if old, exists := m.workflows[wf.InstanceID]; exists {
		rec.TaskIDs = storage.MergeTaskIDs(old.TaskIDs, rec.TaskIDs)
	}

	cached := m.tasks[wf.InstanceID]
	if cached == nil {
		cached = make(map[string]*entity.Task)
		m.tasks[wf.InstanceID] = cached
	}
	for _, t := range wf.Tasks {
		if _, ok := cached[t.TaskID]; ok {
			continue
		}
		c := t.Clone()
		c.InstanceID = wf.InstanceID
		cached[t.TaskID] = c
	}

	m.workflows[wf.InstanceID] = rec
	return nil
}

// GetWorkflow returns a copy of the workflow with its tasks attached.
func (m *MemoryStorage) GetWorkflow(ctx context.Context, instanceID string) (*entity.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.workflows[instanceID]
	if !exists {
		return nil, &storage.NotFoundError{EntityType: storage.EntityWorkflow, ID: instanceID}
	}
	return m.assemble(rec), nil
}

// ListWorkflows returns the requested workflows sorted by instance id.
func (m *MemoryStorage) ListWorkflows(ctx context.Context, ids ...string) ([]*entity.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*storage.WorkflowRecord
	if len(ids) == 0 {
		recs = make([]*storage.WorkflowRecord, 0, len(m.workflows))
		for _, rec := range m.workflows {
			recs = append(recs, rec)
		}
	} else {
		for _, id := range ids {
			if rec, ok := m.workflows[id]; ok {
				recs = append(recs, rec)
			}
		}
	}

	out := make([]*entity.Workflow, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.assemble(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// DeleteWorkflow deletes a workflow and all its tasks.
func (m *MemoryStorage) DeleteWorkflow(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[instanceID]; !exists {
		m.log.Warn("tried to delete unknown workflow", "instance_id", instanceID)
		return nil
	}
	delete(m.workflows, instanceID)
	delete(m.tasks, instanceID)
	return nil
}

// AddTask stores a task and links it to its workflow.
func (m *MemoryStorage) AddTask(ctx context.Context, task *entity.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.workflows[task.InstanceID]
	if !exists {
		return &storage.NotFoundError{EntityType: storage.EntityWorkflow, ID: task.InstanceID}
	}
	if m.tasks[task.InstanceID] == nil {
		m.tasks[task.InstanceID] = make(map[string]*entity.Task)
	}
	m.tasks[task.InstanceID][task.TaskID] = task.Clone()
	rec.TaskIDs = storage.MergeTaskIDs(rec.TaskIDs, []string{task.TaskID})
	return nil
}

// UpdateTask overwrites a cached task; unknown tasks are ignored.
func (m *MemoryStorage) UpdateTask(ctx context.Context, task *entity.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.tasks[task.InstanceID]
	if !ok {
		return nil
	}
	if _, ok := cached[task.TaskID]; !ok {
		return nil
	}
	cached[task.TaskID] = task.Clone()
	return nil
}

// GetTask retrieves a task by instance id and task id.
func (m *MemoryStorage) GetTask(ctx context.Context, instanceID, taskID string) (*entity.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cached, exists := m.tasks[instanceID]
	if !exists {
		return nil, &storage.NotFoundError{EntityType: storage.EntityWorkflow, ID: instanceID}
	}
	task, exists := cached[taskID]
	if !exists {
		return nil, &storage.NotFoundError{EntityType: storage.EntityTask, ID: taskID}
	}
	return task.Clone(), nil
}

// ListTasks lists the tasks of a workflow in list order.
func (m *MemoryStorage) ListTasks(ctx context.Context, instanceID string) ([]*entity.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.workflows[instanceID]
	if !exists {
		return nil, &storage.NotFoundError{EntityType: storage.EntityWorkflow, ID: instanceID}
	}
	return m.assemble(rec).Tasks, nil
}

// DeleteTask removes a task and unlinks it from its workflow.
func (m *MemoryStorage) DeleteTask(ctx context.Context, instanceID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.workflows[instanceID]
	if !exists {
		return &storage.NotFoundError{EntityType: storage.EntityWorkflow, ID: instanceID}
	}
	if _, ok := m.tasks[instanceID][taskID]; !ok {
		m.log.Warn("tried to delete unknown task", "instance_id", instanceID, "task_id", taskID)
		return nil
	}
	delete(m.tasks[instanceID], taskID)
	rec.TaskIDs = storage.RemoveTaskID(rec.TaskIDs, taskID)
	return nil
}

// Ping always succeeds.
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close closes the storage (no-op for memory storage).
func (m *MemoryStorage) Close() error {
	return nil
}

// assemble builds a detached workflow from a record. Caller holds the lock.
func (m *MemoryStorage) assemble(rec *storage.WorkflowRecord) *entity.Workflow {
	wf := rec.Workflow.Clone()
	cached := m.tasks[wf.InstanceID]
	wf.Tasks = make([]*entity.Task, 0, len(rec.TaskIDs))
	for _, id := range rec.TaskIDs {
		if t, ok := cached[id]; ok {
			wf.Tasks = append(wf.Tasks, t.Clone())
		}
	}
	return wf
}
