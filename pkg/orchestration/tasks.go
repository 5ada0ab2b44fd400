package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rexsync/rexsync/pkg/bridge"
	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/storage"
)

// Task operation names, as reported to metrics.
const (
	OperationValidate = "validate"
	OperationSave     = "save"
	OperationComplete = "complete"
)

// ExchangeConflictError is returned when an exchange resolves to a task that
// is already cached for the instance under another exchange id. Tasks are
// cached by task id, so the two exchanges cannot be held at the same time.
type ExchangeConflictError struct {
	InstanceID string
	TaskID     string
	ExchangeID string
	CachedID   string
}

func (e *ExchangeConflictError) Error() string {
	return fmt.Sprintf("exchange %s of task %s/%s conflicts with cached exchange %s",
		e.ExchangeID, e.InstanceID, e.TaskID, e.CachedID)
}

// IsExchangeConflict reports whether err is (or wraps) an ExchangeConflictError.
func IsExchangeConflict(err error) bool {
	var ec *ExchangeConflictError
	return errors.As(err, &ec)
}

func checkExchangeSlot(wf *entity.Workflow, task *entity.Task) error {
	cached, ok := wf.Task(task.TaskID)
	if !ok || cached.ExchangeID == task.ExchangeID {
		return nil
	}
	return &ExchangeConflictError{
		InstanceID: wf.InstanceID,
		TaskID:     task.TaskID,
		ExchangeID: task.ExchangeID,
		CachedID:   cached.ExchangeID,
	}
}

// StartTasks fetches the tasks with default values, saves those values back
// to the engine, and caches and returns them.
func (a *API) StartTasks(ctx context.Context, instanceID string, taskIDs []string) ([]*entity.Task, error) {
	unlock := a.locks.lock(instanceID)
	defer unlock()

	wf, err := a.store.GetWorkflow(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	tasks, err := a.bridge.GetTaskData(ctx, wf, taskIDs, true)
	if err != nil {
		return nil, err
	}
	return a.startFetched(ctx, wf, tasks)
}

// StartTaskExchange is StartTasks for a single exchange-addressed task.
func (a *API) StartTaskExchange(ctx context.Context, instanceID, exchangeID string) (*entity.Task, error) {
	unlock := a.locks.lock(instanceID)
	defer unlock()

	wf, err := a.store.GetWorkflow(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	task, err := a.bridge.GetTaskExchangeData(ctx, wf, exchangeID, true)
	if err != nil {
		return nil, err
	}
	if err := checkExchangeSlot(wf, task); err != nil {
		return nil, err
	}
	started, err := a.startFetched(ctx, wf, []*entity.Task{task})
	if err != nil {
		return nil, err
	}
	return started[0], nil
}

// startFetched persists freshly reset tasks on the engine and in the cache.
// The caller holds the instance lock.
func (a *API) startFetched(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) ([]*entity.Task, error) {
	for _, t := range tasks {
		t.InstanceID = wf.InstanceID
	}

	res, err := a.bridge.SaveTaskData(ctx, wf, tasks)
	if err != nil {
		return nil, err
	}
	for _, e := range res.Errors {
		a.log.WarnContext(ctx, "engine rejected default task values",
			"instance_id", wf.InstanceID,
			"task_id", e.TaskID,
			"error", e.Error(),
		)
	}

	out := make([]*entity.Task, 0, len(tasks))
	for _, t := range tasks {
		if err := a.store.AddTask(ctx, t); err != nil {
			return nil, fmt.Errorf("cache task %s/%s: %w", wf.InstanceID, t.TaskID, err)
		}
		a.dispatch(ctx, entity.EventStartTask, taskEvent(t))
		out = append(out, t.Clone())
	}
	return out, nil
}

// ValidateTasks checks the changes against the engine without saving them.
func (a *API) ValidateTasks(ctx context.Context, changes []entity.TaskChange) (*entity.TaskOperationResult, error) {
	return a.runBatch(ctx, OperationValidate, changes, a.bridge.ValidateTaskData, nil)
}

// SaveTasks saves the changes on the engine and caches the accepted tasks.
func (a *API) SaveTasks(ctx context.Context, changes []entity.TaskChange) (*entity.TaskOperationResult, error) {
	return a.runBatch(ctx, OperationSave, changes, a.bridge.SaveTaskData, func(ctx context.Context, t *entity.Task) {
		if err := a.store.UpdateTask(ctx, t); err != nil {
			a.log.ErrorContext(ctx, "failed to cache saved task",
				"instance_id", t.InstanceID,
				"task_id", t.TaskID,
				"error", err,
			)
		}
		a.dispatch(ctx, entity.EventUpdateTask, taskEvent(t))
	})
}

// CompleteTasks completes the tasks on the engine and removes the completed
// ones from the cache.
func (a *API) CompleteTasks(ctx context.Context, changes []entity.TaskChange) (*entity.TaskOperationResult, error) {
	return a.runBatch(ctx, OperationComplete, changes, a.bridge.CompleteTask, func(ctx context.Context, t *entity.Task) {
		if err := a.store.DeleteTask(ctx, t.InstanceID, t.TaskID); err != nil {
			a.log.ErrorContext(ctx, "failed to remove completed task",
				"instance_id", t.InstanceID,
				"task_id", t.TaskID,
				"error", err,
			)
		}
		a.dispatch(ctx, entity.EventFinishTask, taskEvent(t))
	})
}

type bridgeBatchFunc func(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error)

type afterFunc func(ctx context.Context, t *entity.Task)

// runBatch groups changes by instance and runs one bridge call per instance
// concurrently. A failing instance never aborts the others.
func (a *API) runBatch(ctx context.Context, op string, changes []entity.TaskChange, call bridgeBatchFunc, after afterFunc) (*entity.TaskOperationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	order, groups := groupByInstance(changes)

	ctx, span := orchestrationTracer().Start(ctx, spanTaskBatch)
	span.SetAttributes(
		attribute.String(attrOperation, op),
		attribute.Int(attrInstances, len(order)),
	)
	defer span.End()

	result := entity.NewTaskOperationResult()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, iid := range order {
		wg.Add(1)
		go func(iid string, changes []entity.TaskChange) {
			defer wg.Done()
			res := a.runInstance(ctx, op, iid, changes, call, after)
			mu.Lock()
			result.Merge(res)
			mu.Unlock()
		}(iid, groups[iid])
	}
	wg.Wait()

	metricsRecorder().RecordTaskOperation(op, len(result.Successful), len(result.Errors), time.Since(start))
	return result, nil
}

func (a *API) runInstance(ctx context.Context, op, instanceID string, changes []entity.TaskChange, call bridgeBatchFunc, after afterFunc) *entity.TaskOperationResult {
	unlock := a.locks.lock(instanceID)
	defer unlock()

	res := entity.NewTaskOperationResult()

	wf, err := a.store.GetWorkflow(ctx, instanceID)
	if err != nil {
		res.AddError(instanceID, "", err.Error())
		return res
	}

	tasks := make([]*entity.Task, 0, len(changes))
	for _, change := range changes {
		task, err := a.resolveTask(ctx, wf, change)
		if err != nil {
			if bridge.IsUnreachable(err) {
				return a.instanceFailed(ctx, op, instanceID, err)
			}
			res.AddError(instanceID, change.TaskID, err.Error())
			continue
		}
		if unknown := task.Apply(change.Fields); len(unknown) > 0 {
			res.AddError(instanceID, task.TaskID, fmt.Sprintf("unknown field(s): %s", strings.Join(unknown, ", ")))
			continue
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return res
	}

	out, err := call(ctx, wf, tasks)
	if err != nil {
		failed := a.instanceFailed(ctx, op, instanceID, err)
		failed.Errors = append(res.Errors, failed.Errors...)
		return failed
	}

	for _, t := range out.Successful {
		t.InstanceID = instanceID
		if after != nil {
			after(ctx, t)
		}
	}
	res.Merge(out)
	return res
}

// instanceFailed reports a whole instance batch as one error entry.
func (a *API) instanceFailed(ctx context.Context, op, instanceID string, err error) *entity.TaskOperationResult {
	a.log.WarnContext(ctx, "task batch failed for instance",
		"operation", op,
		"instance_id", instanceID,
		"error", err,
	)
	msg := fmt.Sprintf("%s failed for instance %s: %v", op, instanceID, err)
	if bridge.IsUnreachable(err) {
		msg = fmt.Sprintf("bridge unreachable for instance %s: %v", instanceID, err)
	}
	res := entity.NewTaskOperationResult()
	res.AddError(instanceID, "", msg)
	return res
}

// resolveTask returns the cached task addressed by change, fetching it from
// the engine and caching it when absent.
func (a *API) resolveTask(ctx context.Context, wf *entity.Workflow, change entity.TaskChange) (*entity.Task, error) {
	if change.ExchangeID != "" {
		for _, t := range wf.Tasks {
			if t.ExchangeID == change.ExchangeID {
				return t.Clone(), nil
			}
		}
		task, err := a.bridge.GetTaskExchangeData(ctx, wf, change.ExchangeID, false)
		if err != nil {
			return nil, err
		}
		if err := checkExchangeSlot(wf, task); err != nil {
			return nil, err
		}
		task.InstanceID = wf.InstanceID
		if err := a.store.AddTask(ctx, task); err != nil {
			return nil, err
		}
		return task, nil
	}

	task, err := a.store.GetTask(ctx, wf.InstanceID, change.TaskID)
	if err == nil {
		return task, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	fetched, err := a.bridge.GetTaskData(ctx, wf, []string{change.TaskID}, false)
	if err != nil {
		return nil, err
	}
	if len(fetched) == 0 {
		return nil, &storage.NotFoundError{EntityType: storage.EntityTask, ID: change.TaskID}
	}
	task = fetched[0]
	task.InstanceID = wf.InstanceID
	if err := a.store.AddTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// groupByInstance returns the distinct instance ids in first-seen order and
// the changes of each.
func groupByInstance(changes []entity.TaskChange) ([]string, map[string][]entity.TaskChange) {
	var order []string
	groups := make(map[string][]entity.TaskChange)
	for _, c := range changes {
		if _, ok := groups[c.InstanceID]; !ok {
			order = append(order, c.InstanceID)
		}
		groups[c.InstanceID] = append(groups[c.InstanceID], c)
	}
	return order, groups
}
