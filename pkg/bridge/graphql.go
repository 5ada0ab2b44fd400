package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/logger"
)

// Options contains GraphQLClient configuration.
type Options struct {
	// CallbackURL is handed to the engine when an instance is created so it
	// can call back into this service.
	CallbackURL string

	// Path is resolved against each endpoint, unless the endpoint has a query string.
	Path string

	// ExecutionTimeout bounds every single HTTP attempt.
	ExecutionTimeout time.Duration

	// RequestsPerSecond and Burst limit calls per endpoint. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	RetryPolicy *RetryPolicy
	UserAgent   string

	HTTPClient *http.Client
	Logger     logger.Logger
}

// DefaultOptions returns default client options.
func DefaultOptions() *Options {
	return &Options{
		Path:             "/graphql",
		ExecutionTimeout: 10 * time.Second,
		RetryPolicy:      DefaultRetryPolicy(),
		UserAgent:        "rexsync-bridge/1.0",
	}
}

// GraphQLClient is the production Client speaking GraphQL over HTTP.
type GraphQLClient struct {
	opts       *Options
	httpClient *http.Client
	limiters   *limiterSet
	log        logger.Logger
}

var _ Client = (*GraphQLClient)(nil)

// NewGraphQLClient creates a client. A nil opts uses DefaultOptions.
func NewGraphQLClient(opts *Options) *GraphQLClient {
	if opts == nil {
		opts = DefaultOptions()
	}
	defaults := DefaultOptions()
	if opts.Path == "" {
		opts.Path = defaults.Path
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}

	c := &GraphQLClient{
		opts:       opts,
		httpClient: opts.HTTPClient,
		limiters:   newLimiterSet(opts.RequestsPerSecond, opts.Burst),
		log:        opts.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.log == nil {
		c.log = logger.Global().Named("bridge")
	}
	return c
}

// StartWorkflow creates a new instance at endpoint.
func (c *GraphQLClient) StartWorkflow(ctx context.Context, endpoint string, metadata []entity.MetaData) (*entity.Workflow, error) {
	md := make([]map[string]string, 0, len(metadata))
	for _, m := range metadata {
		md = append(md, map[string]string{"key": m.Key, "value": m.Value})
	}
	vars := map[string]any{
		"createWorkflow": map[string]any{
			"graphqlUri": c.opts.CallbackURL,
			"meta_data":  md,
		},
	}

	var data createInstanceData
	if err := c.execute(ctx, endpoint, opCreateInstance, startWorkflowMutation, vars, &data); err != nil {
		return nil, err
	}

	wf := &entity.Workflow{
		InstanceID:     data.CreateInstance.IID,
		DeploymentID:   data.CreateInstance.DID,
		Status:         entity.WorkflowStarting,
		Metadata:       entity.MetadataToMap(metadata),
		BridgeEndpoint: endpoint,
	}
	c.log.DebugContext(ctx, "workflow instance created", "instance_id", wf.InstanceID, "deployment_id", wf.DeploymentID)
	return wf, nil
}

// GetInstances lists all instances of the deployment at endpoint.
func (c *GraphQLClient) GetInstances(ctx context.Context, endpoint string) ([]entity.InstanceInfo, error) {
	var data getInstancesData
	if err := c.execute(ctx, endpoint, opGetInstances, getInstancesQuery, nil, &data); err != nil {
		return nil, err
	}

	out := make([]entity.InstanceInfo, 0, len(data.GetInstances.IIDList))
	for _, inst := range data.GetInstances.IIDList {
		out = append(out, inst.toInfo())
	}
	return out, nil
}

// RefreshWorkflow re-reads one instance. Identity fields are kept from wf.
func (c *GraphQLClient) RefreshWorkflow(ctx context.Context, wf *entity.Workflow) (*entity.Workflow, error) {
	vars := map[string]any{"workflowInput": map[string]any{"iid": wf.InstanceID}}

	var data getInstancesData
	if err := c.execute(ctx, wf.BridgeEndpoint, opGetWorkflow, getWorkflowQuery, vars, &data); err != nil {
		return nil, err
	}

	list := data.GetInstances.IIDList
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, wf.InstanceID)
	}
	info := list[len(list)-1].toInfo()

	out := wf.Clone()
	out.InstanceID = info.InstanceID
	out.Status = info.Status
	out.Metadata = entity.MetadataToMap(info.Metadata)
	return out, nil
}

// GetTaskData fetches each task with its own call, concurrently. Results
// follow the order of taskIDs.
func (c *GraphQLClient) GetTaskData(ctx context.Context, wf *entity.Workflow, taskIDs []string, reset bool) ([]*entity.Task, error) {
	if len(taskIDs) == 0 {
		return []*entity.Task{}, nil
	}

	tasks := make([]*entity.Task, len(taskIDs))
	errs := make([]error, len(taskIDs))

	var wg sync.WaitGroup
	for i, tid := range taskIDs {
		wg.Add(1)
		go func(i int, tid string) {
			defer wg.Done()
			vars := map[string]any{
				"formInput": map[string]any{"iid": wf.InstanceID, "tid": tid, "reset": reset},
			}
			var data tasksData
			if err := c.execute(ctx, wf.BridgeEndpoint, opTaskForm, getTaskDataQuery, vars, &data); err != nil {
				errs[i] = err
				return
			}
			if data.Tasks.Form == nil {
				errs[i] = &ContractViolationError{Operation: opTaskForm, Detail: "missing tasks.form in response"}
				return
			}
			tasks[i] = data.Tasks.Form.toTask()
		}(i, tid)
	}
	wg.Wait()

	if err := firstError(errs); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTaskExchangeData fetches a task by exchange id.
func (c *GraphQLClient) GetTaskExchangeData(ctx context.Context, wf *entity.Workflow, exchangeID string, reset bool) (*entity.Task, error) {
	vars := map[string]any{
		"formInput": map[string]any{"xid": exchangeID, "reset": reset},
	}
	var data tasksData
	if err := c.execute(ctx, wf.BridgeEndpoint, opExchangeForm, getTaskExchangeDataQuery, vars, &data); err != nil {
		return nil, err
	}
	ops, err := data.selectOps(opExchangeForm, true)
	if err != nil {
		return nil, err
	}
	if ops.Form == nil {
		return nil, &ContractViolationError{Operation: opExchangeForm, Detail: "missing tasks.exchange.form in response"}
	}
	task := ops.Form.toTask()
	if task.ExchangeID == "" {
		task.ExchangeID = exchangeID
	}
	return task, nil
}

// ValidateTaskData validates the field values of each task.
func (c *GraphQLClient) ValidateTaskData(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error) {
	return c.fanOut(ctx, wf, tasks, func(ctx context.Context, task *entity.Task, result *entity.TaskOperationResult) error {
		exchange := task.ExchangeID != ""
		op, query := opTaskValidate, validateTaskDataMutation
		if exchange {
			op, query = opExchangeValidate, validateTaskExchangeDataMutation
		}
		vars := map[string]any{"validateTaskInput": fieldsInput(wf, task)}

		var data tasksData
		if err := c.execute(ctx, wf.BridgeEndpoint, op, query, vars, &data); err != nil {
			return err
		}
		ops, err := data.selectOps(op, exchange)
		if err != nil {
			return err
		}
		if ops.Validate == nil {
			return &ContractViolationError{Operation: op, Detail: "missing validate payload in response"}
		}
		ops.Validate.classify(task, result)
		return nil
	})
}

// SaveTaskData stores the field values of each task on the engine.
func (c *GraphQLClient) SaveTaskData(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error) {
	return c.fanOut(ctx, wf, tasks, func(ctx context.Context, task *entity.Task, result *entity.TaskOperationResult) error {
		exchange := task.ExchangeID != ""
		op, query := opTaskSave, saveTaskDataMutation
		if exchange {
			op, query = opExchangeSave, saveTaskExchangeDataMutation
		}
		vars := map[string]any{"saveTaskInput": fieldsInput(wf, task)}

		var data tasksData
		if err := c.execute(ctx, wf.BridgeEndpoint, op, query, vars, &data); err != nil {
			return err
		}
		ops, err := data.selectOps(op, exchange)
		if err != nil {
			return err
		}
		if ops.Save == nil {
			return &ContractViolationError{Operation: op, Detail: "missing save payload in response"}
		}
		ops.Save.classify(task, result)
		return nil
	})
}

// CompleteTask completes each task.
func (c *GraphQLClient) CompleteTask(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error) {
	return c.fanOut(ctx, wf, tasks, func(ctx context.Context, task *entity.Task, result *entity.TaskOperationResult) error {
		exchange := task.ExchangeID != ""
		op, query := opTaskComplete, completeTaskMutation
		input := map[string]any{"iid": wf.InstanceID, "tid": task.TaskID}
		if exchange {
			op, query = opExchangeComplete, completeTaskExchangeMutation
			input = map[string]any{"xid": task.ExchangeID}
		}
		vars := map[string]any{"completeTaskInput": input}

		var data tasksData
		if err := c.execute(ctx, wf.BridgeEndpoint, op, query, vars, &data); err != nil {
			return err
		}
		ops, err := data.selectOps(op, exchange)
		if err != nil {
			return err
		}
		if ops.Complete == nil {
			return &ContractViolationError{Operation: op, Detail: "missing complete payload in response"}
		}
		if entity.OperationStatus(ops.Complete.Status) != entity.OperationSuccess {
			result.AddError(task.InstanceID, task.TaskID, ops.Complete.String())
			return nil
		}
		result.Successful = append(result.Successful, task)
		return nil
	})
}

// CancelWorkflow asks the engine to cancel an instance.
func (c *GraphQLClient) CancelWorkflow(ctx context.Context, wf *entity.Workflow) (bool, error) {
	vars := map[string]any{"cancelWorkflow": map[string]any{"iid": wf.InstanceID}}

	var data cancelInstanceData
	if err := c.execute(ctx, wf.BridgeEndpoint, opCancelInstance, cancelWorkflowMutation, vars, &data); err != nil {
		return false, err
	}
	return entity.OperationStatus(data.CancelInstance.Status) == entity.OperationSuccess, nil
}

type taskCall func(ctx context.Context, task *entity.Task, result *entity.TaskOperationResult) error

// fanOut runs call once per task concurrently and merges the partial
// results. A non-success answer lands in the result; a transport failure of
// any call fails the whole batch.
func (c *GraphQLClient) fanOut(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task, call taskCall) (*entity.TaskOperationResult, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(attrInstanceID, wf.InstanceID))

	partials := make([]*entity.TaskOperationResult, len(tasks))
	errs := make([]error, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task *entity.Task) {
			defer wg.Done()
			partials[i] = entity.NewTaskOperationResult()
			errs[i] = call(ctx, task, partials[i])
		}(i, task)
	}
	wg.Wait()

	if err := firstError(errs); err != nil {
		return nil, err
	}

	result := entity.NewTaskOperationResult()
	for _, p := range partials {
		result.Merge(p)
	}
	return result, nil
}

func fieldsInput(wf *entity.Workflow, task *entity.Task) map[string]any {
	fields := make([]map[string]any, 0, len(task.Fields))
	for _, f := range task.Fields {
		fields = append(fields, map[string]any{"dataId": f.FieldID, "data": f.Value})
	}
	if task.ExchangeID != "" {
		return map[string]any{"xid": task.ExchangeID, "fields": fields}
	}
	return map[string]any{"iid": wf.InstanceID, "tid": task.TaskID, "fields": fields}
}

// firstError prefers transport failures over contract violations so callers
// can treat the batch as unreachable.
func firstError(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		var ue *UnreachableError
		if errors.As(err, &ue) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}
