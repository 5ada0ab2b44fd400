// Package bridgetest provides an in-memory engine implementing bridge.Client,
// with call counting and failure injection.
package bridgetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rexsync/rexsync/pkg/bridge"
	"github.com/rexsync/rexsync/pkg/entity"
)

// Operation names used by Calls.
const (
	OpStartWorkflow       = "StartWorkflow"
	OpGetInstances        = "GetInstances"
	OpRefreshWorkflow     = "RefreshWorkflow"
	OpGetTaskData         = "GetTaskData"
	OpGetTaskExchangeData = "GetTaskExchangeData"
	OpValidateTaskData    = "ValidateTaskData"
	OpSaveTaskData        = "SaveTaskData"
	OpCompleteTask        = "CompleteTask"
	OpCancelWorkflow      = "CancelWorkflow"
)

var errInjected = errors.New("injected failure")

type instance struct {
	did       string
	endpoint  string
	status    entity.WorkflowStatus
	metadata  map[string]string
	taskOrder []string
	tasks     map[string]*entity.Task // current values
	defaults  map[string]*entity.Task // values handed out on reset
	polls     int
}

// Engine is a fake engine. The zero value is not usable; call NewEngine.
type Engine struct {
	mu sync.Mutex

	deployments map[string]string // endpoint -> deployment id
	templates   map[string][]*entity.Task
	instances   map[string]*instance
	nextID      int

	calls       map[string]int
	unreachable map[string]bool
	failing     map[string]bool
	rejections  map[string]map[string]string // iid/tid -> field -> message
	cancelOK    bool

	// StartingPolls is the number of RefreshWorkflow calls a new instance
	// stays STARTING before turning RUNNING.
	StartingPolls int
}

var _ bridge.Client = (*Engine)(nil)

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		deployments:   make(map[string]string),
		templates:     make(map[string][]*entity.Task),
		instances:     make(map[string]*instance),
		calls:         make(map[string]int),
		unreachable:   make(map[string]bool),
		failing:       make(map[string]bool),
		rejections:    make(map[string]map[string]string),
		cancelOK:      true,
		StartingPolls: 1,
	}
}

// AddDeployment serves a deployment at endpoint. Every instance started
// there gets a copy of tasks.
func (e *Engine) AddDeployment(endpoint, deploymentID string, tasks ...*entity.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deployments[endpoint] = deploymentID
	e.templates[endpoint] = tasks
}

// AddInstance registers an already running instance.
func (e *Engine) AddInstance(endpoint, instanceID string, status entity.WorkflowStatus, metadata map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances[instanceID] = e.newInstance(endpoint, status, metadata)
}

// AddTask adds a task to an existing instance.
func (e *Engine) AddTask(instanceID string, task *entity.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst, ok := e.instances[instanceID]; ok {
		inst.addTask(instanceID, task)
	}
}

// DropTask closes a task on the engine side, as if another client completed it.
func (e *Engine) DropTask(instanceID, taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst, ok := e.instances[instanceID]; ok {
		inst.removeTask(taskID)
	}
}

// SetStatus changes an instance's status.
func (e *Engine) SetStatus(instanceID string, status entity.WorkflowStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst, ok := e.instances[instanceID]; ok {
		inst.status = status
	}
}

// RemoveInstance forgets an instance.
func (e *Engine) RemoveInstance(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instances, instanceID)
}

// SetUnreachable makes every call to endpoint fail with an UnreachableError.
func (e *Engine) SetUnreachable(endpoint string, unreachable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unreachable[endpoint] = unreachable
}

// FailInstance makes every call about instanceID fail with an UnreachableError.
func (e *Engine) FailInstance(instanceID string, fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failing[instanceID] = fail
}

// RejectField makes validate and save reject a field of a task.
func (e *Engine) RejectField(instanceID, taskID, fieldID, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := instanceID + "/" + taskID
	if e.rejections[key] == nil {
		e.rejections[key] = make(map[string]string)
	}
	e.rejections[key][fieldID] = message
}

// SetCancelResult sets what CancelWorkflow answers.
func (e *Engine) SetCancelResult(ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelOK = ok
}

// Calls returns how many times op was invoked.
func (e *Engine) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// ResetCalls clears the call counters.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = make(map[string]int)
}

// Status returns the engine-side status of an instance.
func (e *Engine) Status(instanceID string) (entity.WorkflowStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return "", false
	}
	return inst.status, true
}

// TaskIDs returns the engine-side open tasks of an instance.
func (e *Engine) TaskIDs(instanceID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return nil
	}
	return append([]string(nil), inst.taskOrder...)
}

func (e *Engine) newInstance(endpoint string, status entity.WorkflowStatus, metadata map[string]string) *instance {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &instance{
		did:      e.deployments[endpoint],
		endpoint: endpoint,
		status:   status,
		metadata: md,
		tasks:    make(map[string]*entity.Task),
		defaults: make(map[string]*entity.Task),
	}
}

func (inst *instance) addTask(instanceID string, task *entity.Task) {
	t := task.Clone()
	t.InstanceID = instanceID
	if t.Status == "" {
		t.Status = entity.TaskUp
	}
	if _, ok := inst.tasks[t.TaskID]; !ok {
		inst.taskOrder = append(inst.taskOrder, t.TaskID)
	}
	inst.tasks[t.TaskID] = t
	inst.defaults[t.TaskID] = t.Clone()
}

func (inst *instance) removeTask(taskID string) {
	delete(inst.tasks, taskID)
	out := inst.taskOrder[:0]
	for _, id := range inst.taskOrder {
		if id != taskID {
			out = append(out, id)
		}
	}
	inst.taskOrder = out
}

// enter counts a call and applies injected failures. Caller holds mu.
func (e *Engine) enter(op, endpoint, instanceID string) error {
	e.calls[op]++
	if e.unreachable[endpoint] || (instanceID != "" && e.failing[instanceID]) {
		return &bridge.UnreachableError{Endpoint: endpoint, Operation: op, Cause: errInjected}
	}
	return nil
}

func (e *Engine) lookup(op string, wf *entity.Workflow) (*instance, error) {
	if err := e.enter(op, wf.BridgeEndpoint, wf.InstanceID); err != nil {
		return nil, err
	}
	inst, ok := e.instances[wf.InstanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bridge.ErrInstanceNotFound, wf.InstanceID)
	}
	return inst, nil
}

// StartWorkflow creates a STARTING instance at endpoint.
func (e *Engine) StartWorkflow(ctx context.Context, endpoint string, metadata []entity.MetaData) (*entity.Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter(OpStartWorkflow, endpoint, ""); err != nil {
		return nil, err
	}
	did, ok := e.deployments[endpoint]
	if !ok {
		return nil, &bridge.UnreachableError{Endpoint: endpoint, Operation: OpStartWorkflow, Cause: errors.New("no deployment at endpoint")}
	}

	e.nextID++
	iid := fmt.Sprintf("%s-%d", did, e.nextID)
	inst := e.newInstance(endpoint, entity.WorkflowStarting, entity.MetadataToMap(metadata))
	for _, t := range e.templates[endpoint] {
		inst.addTask(iid, t)
	}
	e.instances[iid] = inst

	return &entity.Workflow{
		InstanceID:     iid,
		DeploymentID:   did,
		Status:         entity.WorkflowStarting,
		Metadata:       entity.MetadataToMap(metadata),
		BridgeEndpoint: endpoint,
	}, nil
}

// GetInstances lists the instances served at endpoint, sorted by id.
func (e *Engine) GetInstances(ctx context.Context, endpoint string) ([]entity.InstanceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter(OpGetInstances, endpoint, ""); err != nil {
		return nil, err
	}
	var out []entity.InstanceInfo
	for iid, inst := range e.instances {
		if inst.endpoint != endpoint {
			continue
		}
		out = append(out, entity.InstanceInfo{
			InstanceID: iid,
			Status:     inst.status,
			Metadata:   entity.MetadataFromMap(inst.metadata),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// RefreshWorkflow returns the current status and metadata of wf.
func (e *Engine) RefreshWorkflow(ctx context.Context, wf *entity.Workflow) (*entity.Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.lookup(OpRefreshWorkflow, wf)
	if err != nil {
		return nil, err
	}
	if inst.status == entity.WorkflowStarting {
		inst.polls++
		if inst.polls >= e.StartingPolls {
			inst.status = entity.WorkflowRunning
		}
	}

	out := wf.Clone()
	out.Status = inst.status
	out.Metadata = make(map[string]string, len(inst.metadata))
	for k, v := range inst.metadata {
		out.Metadata[k] = v
	}
	return out, nil
}

// GetTaskData returns the requested tasks; reset hands out default values.
// An unknown or already completed task id fails the call with an
// EngineError, as the GraphQL engine does.
func (e *Engine) GetTaskData(ctx context.Context, wf *entity.Workflow, taskIDs []string, reset bool) ([]*entity.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.lookup(OpGetTaskData, wf)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Task, 0, len(taskIDs))
	for _, tid := range taskIDs {
		src := inst.tasks[tid]
		if reset {
			src = inst.defaults[tid]
		}
		if src == nil {
			return nil, &bridge.EngineError{
				Endpoint:  wf.BridgeEndpoint,
				Operation: OpGetTaskData,
				Messages:  []string{fmt.Sprintf("task %s not found on instance %s", tid, wf.InstanceID)},
			}
		}
		out = append(out, src.Clone())
	}
	return out, nil
}

// GetTaskExchangeData looks a task up by exchange id.
func (e *Engine) GetTaskExchangeData(ctx context.Context, wf *entity.Workflow, exchangeID string, reset bool) (*entity.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.lookup(OpGetTaskExchangeData, wf)
	if err != nil {
		return nil, err
	}
	for _, tid := range inst.taskOrder {
		t := inst.tasks[tid]
		if t.ExchangeID != exchangeID {
			continue
		}
		if reset {
			return inst.defaults[tid].Clone(), nil
		}
		return t.Clone(), nil
	}
	return nil, &bridge.EngineError{
		Endpoint:  wf.BridgeEndpoint,
		Operation: OpGetTaskExchangeData,
		Messages:  []string{"unknown exchange id " + exchangeID},
	}
}

// ValidateTaskData checks tasks against injected field rejections.
func (e *Engine) ValidateTaskData(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.lookup(OpValidateTaskData, wf)
	if err != nil {
		return nil, err
	}
	return e.check(inst, wf, tasks, false), nil
}

// SaveTaskData validates and then stores field values.
func (e *Engine) SaveTaskData(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.lookup(OpSaveTaskData, wf)
	if err != nil {
		return nil, err
	}
	return e.check(inst, wf, tasks, true), nil
}

func (e *Engine) check(inst *instance, wf *entity.Workflow, tasks []*entity.Task, store bool) *entity.TaskOperationResult {
	result := entity.NewTaskOperationResult()
	for _, task := range tasks {
		if _, ok := inst.tasks[task.TaskID]; !ok {
			result.AddError(wf.InstanceID, task.TaskID, "status=FAILURE: unknown task")
			continue
		}
		if rejected := e.rejections[wf.InstanceID+"/"+task.TaskID]; len(rejected) > 0 {
			detail := entity.NewValidationErrorDetail(wf.InstanceID, task.TaskID)
			for field, msg := range rejected {
				detail.AddFieldError(field, msg, entity.Validator{Kind: entity.ValidatorRegex})
			}
			result.Errors = append(result.Errors, detail)
			continue
		}
		if store {
			inst.tasks[task.TaskID] = task.Clone()
		}
		result.Successful = append(result.Successful, task)
	}
	return result
}

// CompleteTask closes tasks on the engine side.
func (e *Engine) CompleteTask(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.lookup(OpCompleteTask, wf)
	if err != nil {
		return nil, err
	}
	result := entity.NewTaskOperationResult()
	for _, task := range tasks {
		if _, ok := inst.tasks[task.TaskID]; !ok {
			result.AddError(wf.InstanceID, task.TaskID, "status=FAILURE: unknown task")
			continue
		}
		inst.removeTask(task.TaskID)
		result.Successful = append(result.Successful, task)
	}
	return result, nil
}

// CancelWorkflow cancels an instance if the engine is set to accept it.
func (e *Engine) CancelWorkflow(ctx context.Context, wf *entity.Workflow) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.lookup(OpCancelWorkflow, wf)
	if err != nil {
		return false, err
	}
	if !e.cancelOK {
		return false, nil
	}
	inst.status = entity.WorkflowCanceled
	return true, nil
}
