package orchestration

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rexsync/rexsync/pkg/directory"
	"github.com/rexsync/rexsync/pkg/entity"
)

// StartWorkflow starts an instance of deploymentID, caches it and polls its
// status until it leaves STARTING or the poll budget runs out. A workflow
// still STARTING after the last poll is returned as is.
func (a *API) StartWorkflow(ctx context.Context, deploymentID string, metadata map[string]string) (*entity.Workflow, error) {
	dep, err := a.directory.Resolve(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return a.start(ctx, dep, deploymentID, metadata)
}

// StartWorkflowByName starts the default deployment of the named workflow.
func (a *API) StartWorkflowByName(ctx context.Context, name string, metadata map[string]string) (*entity.Workflow, error) {
	dep, err := a.directory.ResolveByName(ctx, name)
	if err != nil {
		return nil, err
	}
	did, ok := dep.DefaultDeploymentID()
	if !ok {
		return nil, &directory.NotFoundError{Key: name}
	}
	return a.start(ctx, dep, did, metadata)
}

func (a *API) start(ctx context.Context, dep entity.WorkflowDeployment, deploymentID string, metadata map[string]string) (wf *entity.Workflow, err error) {
	ctx, span := orchestrationTracer().Start(ctx, spanStartWorkflow)
	span.SetAttributes(attribute.String(attrDeploymentID, deploymentID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	wf, err = a.bridge.StartWorkflow(ctx, dep.BridgeEndpoint, entity.MetadataFromMap(metadata))
	if err != nil {
		return nil, err
	}
	if wf.DeploymentID == "" {
		wf.DeploymentID = deploymentID
	}
	if wf.Name == "" {
		wf.Name = dep.Name
	}
	span.SetAttributes(attribute.String(attrInstanceID, wf.InstanceID))

	unlock := a.locks.lock(wf.InstanceID)
	defer unlock()

	if err := a.store.AddWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("cache started workflow %s: %w", wf.InstanceID, err)
	}
	a.dispatch(ctx, entity.EventStartWorkflow, workflowEvent(wf))

	for attempt := 1; wf.Status == entity.WorkflowStarting && attempt <= a.startPollAttempts; attempt++ {
		if err := sleepCtx(ctx, a.retry.Backoff(attempt)); err != nil {
			return nil, err
		}
		fresh, err := a.bridge.RefreshWorkflow(ctx, wf)
		if err != nil {
			return nil, err
		}
		wf.Status = fresh.Status
		wf.Metadata = fresh.Metadata
	}

	if wf.Status != entity.WorkflowStarting {
		wf.MarkRefreshed(a.now())
		if err := a.store.AddWorkflow(ctx, wf); err != nil {
			return nil, fmt.Errorf("cache workflow %s: %w", wf.InstanceID, err)
		}
		a.dispatch(ctx, entity.EventUpdateWorkflow, workflowEvent(wf))
	} else {
		a.log.WarnContext(ctx, "workflow still starting after polling",
			"instance_id", wf.InstanceID,
			"attempts", a.startPollAttempts,
		)
	}

	a.log.InfoContext(ctx, "workflow started",
		"instance_id", wf.InstanceID,
		"deployment_id", wf.DeploymentID,
		"status", wf.Status,
	)
	return wf.Clone(), nil
}

// CancelWorkflow asks the engine to cancel the instance. The cached status
// becomes CANCELED only when the engine confirms.
func (a *API) CancelWorkflow(ctx context.Context, instanceID string) (ok bool, err error) {
	ctx, span := orchestrationTracer().Start(ctx, spanCancelWorkflow)
	span.SetAttributes(attribute.String(attrInstanceID, instanceID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock := a.locks.lock(instanceID)
	defer unlock()

	wf, err := a.store.GetWorkflow(ctx, instanceID)
	if err != nil {
		return false, err
	}

	ok, err = a.bridge.CancelWorkflow(ctx, wf)
	if err != nil {
		return false, err
	}
	if !ok {
		a.log.WarnContext(ctx, "engine refused to cancel workflow", "instance_id", instanceID)
		return false, nil
	}

	wf.Status = entity.WorkflowCanceled
	if err := a.store.AddWorkflow(ctx, wf); err != nil {
		return true, fmt.Errorf("cache canceled workflow %s: %w", instanceID, err)
	}
	a.dispatch(ctx, entity.EventFinishWorkflow, workflowEvent(wf))
	return true, nil
}

// CompleteWorkflow drops the instance and its tasks from the cache.
func (a *API) CompleteWorkflow(ctx context.Context, instanceID string) error {
	unlock := a.locks.lock(instanceID)
	defer unlock()

	wf, err := a.store.GetWorkflow(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteWorkflow(ctx, instanceID); err != nil {
		return err
	}
	a.dispatch(ctx, entity.EventFinishWorkflow, workflowEvent(wf))
	return nil
}

// GetWorkflow returns the cached workflow.
func (a *API) GetWorkflow(ctx context.Context, instanceID string) (*entity.Workflow, error) {
	return a.store.GetWorkflow(ctx, instanceID)
}

// GetTask returns a cached task.
func (a *API) GetTask(ctx context.Context, instanceID, taskID string) (*entity.Task, error) {
	return a.store.GetTask(ctx, instanceID, taskID)
}

// ListDeployments returns the known deployments.
func (a *API) ListDeployments(ctx context.Context, forceRefresh bool) ([]entity.WorkflowDeployment, error) {
	return a.directory.GetDeployments(ctx, forceRefresh)
}

// OwnerFilter decides whether a workflow belongs to the caller, based on its
// metadata.
type OwnerFilter func(metadata map[string]string) bool

// MetadataFilter matches workflows carrying every pair of want.
func MetadataFilter(want map[string]string) OwnerFilter {
	return func(metadata map[string]string) bool {
		wf := entity.Workflow{Metadata: metadata}
		return wf.MatchesMetadata(want)
	}
}

// ListActive returns the cached RUNNING workflows accepted by owner,
// optionally restricted to ids. It never calls the engine.
func (a *API) ListActive(ctx context.Context, owner OwnerFilter, ids ...string) ([]*entity.Workflow, error) {
	all, err := a.store.ListWorkflows(ctx, ids...)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Workflow, 0, len(all))
	for _, wf := range all {
		if wf.Status != entity.WorkflowRunning {
			continue
		}
		if owner != nil && !owner(wf.Metadata) {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
