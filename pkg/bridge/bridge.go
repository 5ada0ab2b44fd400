// Package bridge talks to the remote workflow engine.
//
// A Client is stateless: every call carries the endpoint (or the workflow
// whose endpoint to use), so one Client serves every deployment. Remote
// failures are classified as *UnreachableError (the endpoint needs outside
// remediation) or *ContractViolationError (the engine answered with something
// this package cannot parse).
package bridge

import (
	"context"

	"github.com/rexsync/rexsync/pkg/entity"
)

// Client is the engine-facing contract used by the orchestration layer.
type Client interface {
	// StartWorkflow creates a new instance on the deployment served at endpoint.
	// The returned workflow has status STARTING.
	StartWorkflow(ctx context.Context, endpoint string, metadata []entity.MetaData) (*entity.Workflow, error)
	// GetInstances lists every instance known to the deployment at endpoint.
	GetInstances(ctx context.Context, endpoint string) ([]entity.InstanceInfo, error)
	// RefreshWorkflow re-reads status and metadata for one instance.
	RefreshWorkflow(ctx context.Context, wf *entity.Workflow) (*entity.Workflow, error)
	// GetTaskData fetches the given tasks, one remote call per task, concurrently.
	// With reset the engine returns default field values.
	GetTaskData(ctx context.Context, wf *entity.Workflow, taskIDs []string, reset bool) ([]*entity.Task, error)
	// GetTaskExchangeData fetches a task addressed by exchange id.
	GetTaskExchangeData(ctx context.Context, wf *entity.Workflow, exchangeID string, reset bool) (*entity.Task, error)
	ValidateTaskData(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error)
	SaveTaskData(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error)
	CompleteTask(ctx context.Context, wf *entity.Workflow, tasks []*entity.Task) (*entity.TaskOperationResult, error)
	// CancelWorkflow reports whether the engine accepted the cancellation.
	CancelWorkflow(ctx context.Context, wf *entity.Workflow) (bool, error)
}
