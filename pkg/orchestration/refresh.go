package orchestration

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rexsync/rexsync/pkg/bridge"
	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/storage"
)

// RefreshReport counts what one RefreshAll sweep did.
type RefreshReport struct {
	Discovered int `json:"discovered"`
	Refreshed  int `json:"refreshed"`
	Skipped    int `json:"skipped"`
	Removed    int `json:"removed"`
	Failed     int `json:"failed"`
}

type refreshOutcome int

const (
	outcomeRefreshed refreshOutcome = iota
	outcomeSkipped
	outcomeRemoved
	outcomeFailed
)

func (r *RefreshReport) add(o refreshOutcome) {
	switch o {
	case outcomeRefreshed:
		r.Refreshed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeRemoved:
		r.Removed++
	case outcomeFailed:
		r.Failed++
	}
}

// RefreshAll discovers instances of every known deployment, then refreshes
// each cached workflow whose debounce window has elapsed. Instances are
// refreshed concurrently and independently; only a directory or store
// failure aborts the sweep.
func (a *API) RefreshAll(ctx context.Context) (report RefreshReport, err error) {
	start := time.Now()
	ctx, span := orchestrationTracer().Start(ctx, spanRefreshAll)
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("refresh.discovered", report.Discovered),
			attribute.Int("refresh.refreshed", report.Refreshed),
			attribute.Int("refresh.removed", report.Removed),
			attribute.Int("refresh.failed", report.Failed),
		)
		span.End()

		m := metricsRecorder()
		m.RecordRefreshSweep(status, time.Since(start))
		m.RecordRefreshInstances(RefreshOutcomeDiscovered, report.Discovered)
		m.RecordRefreshInstances(RefreshOutcomeRefreshed, report.Refreshed)
		m.RecordRefreshInstances(RefreshOutcomeSkipped, report.Skipped)
		m.RecordRefreshInstances(RefreshOutcomeRemoved, report.Removed)
		m.RecordRefreshInstances(RefreshOutcomeFailed, report.Failed)
	}()

	discovered, err := a.discover(ctx)
	if err != nil {
		return report, err
	}
	report.Discovered = discovered

	cached, err := a.store.ListWorkflows(ctx)
	if err != nil {
		return report, err
	}

	now := a.now()
	interval := a.MinRefreshInterval()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, a.maxConcurrency)
		skipped int
	)

	for _, wf := range cached {
		if !wf.NeedsRefresh(now, interval) {
			skipped++
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			report.Skipped += skipped
			return report, ctx.Err()
		}

		wg.Add(1)
		go func(instanceID string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			o := a.refreshInstance(ctx, instanceID, now, interval)
			mu.Lock()
			report.add(o)
			mu.Unlock()
		}(wf.InstanceID)
	}
	wg.Wait()
	report.Skipped += skipped

	metricsRecorder().SetCachedWorkflows(len(cached) - report.Removed)
	a.log.DebugContext(ctx, "refresh sweep finished",
		"discovered", report.Discovered,
		"refreshed", report.Refreshed,
		"skipped", report.Skipped,
		"removed", report.Removed,
		"failed", report.Failed,
	)
	return report, nil
}

// discover caches instances the engine knows about but the store does not.
// A deployment whose bridge cannot be reached is logged and skipped.
func (a *API) discover(ctx context.Context) (int, error) {
	deployments, err := a.directory.GetDeployments(ctx, false)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, dep := range deployments {
		if dep.BridgeEndpoint == "" {
			continue
		}
		infos, err := a.bridge.GetInstances(ctx, dep.BridgeEndpoint)
		if err != nil {
			a.log.WarnContext(ctx, "failed to list deployment instances",
				"workflow", dep.Name,
				"endpoint", dep.BridgeEndpoint,
				"error", err,
			)
			continue
		}
		for _, info := range infos {
			added, err := a.adopt(ctx, dep, info)
			if err != nil {
				return count, err
			}
			if added {
				count++
			}
		}
	}
	return count, nil
}

func (a *API) adopt(ctx context.Context, dep entity.WorkflowDeployment, info entity.InstanceInfo) (bool, error) {
	unlock := a.locks.lock(info.InstanceID)
	defer unlock()

	_, err := a.store.GetWorkflow(ctx, info.InstanceID)
	if err == nil {
		return false, nil
	}
	if !storage.IsNotFound(err) {
		return false, err
	}

	wf := &entity.Workflow{
		InstanceID:     info.InstanceID,
		Name:           dep.Name,
		Status:         info.Status,
		Metadata:       entity.MetadataToMap(info.Metadata),
		BridgeEndpoint: dep.BridgeEndpoint,
	}
	if len(dep.DeploymentIDs) == 1 {
		wf.DeploymentID = dep.DeploymentIDs[0]
	}
	if err := a.store.AddWorkflow(ctx, wf); err != nil {
		return false, err
	}
	a.dispatch(ctx, entity.EventStartWorkflow, workflowEvent(wf))
	return true, nil
}

func (a *API) refreshInstance(ctx context.Context, instanceID string, now time.Time, interval time.Duration) refreshOutcome {
	ctx, span := orchestrationTracer().Start(ctx, spanRefreshInstance)
	span.SetAttributes(attribute.String(attrInstanceID, instanceID))
	defer span.End()

	unlock := a.locks.lock(instanceID)
	defer unlock()

	wf, err := a.store.GetWorkflow(ctx, instanceID)
	if err != nil {
		if storage.IsNotFound(err) {
			return outcomeSkipped
		}
		a.log.ErrorContext(ctx, "failed to read cached workflow", "instance_id", instanceID, "error", err)
		return outcomeFailed
	}
	// Another caller may have refreshed it while we waited for the lock.
	if !wf.NeedsRefresh(now, interval) {
		return outcomeSkipped
	}

	fresh, err := a.bridge.RefreshWorkflow(ctx, wf)
	if err != nil {
		span.RecordError(err)
		return a.refreshFailed(ctx, wf, err)
	}
	var tasks []*entity.Task
	if ids := wf.TaskIDs(); len(ids) > 0 {
		tasks, err = a.bridge.GetTaskData(ctx, fresh, ids, false)
		if err != nil {
			span.RecordError(err)
			return a.refreshFailed(ctx, wf, err)
		}
	}

	fresh.Tasks = nil
	fresh.MarkRefreshed(now)
	if err := a.store.AddWorkflow(ctx, fresh); err != nil {
		a.log.ErrorContext(ctx, "failed to cache refreshed workflow", "instance_id", instanceID, "error", err)
		return outcomeFailed
	}
	for _, t := range tasks {
		t.InstanceID = instanceID
		if err := a.store.UpdateTask(ctx, t); err != nil {
			a.log.ErrorContext(ctx, "failed to cache refreshed task",
				"instance_id", instanceID,
				"task_id", t.TaskID,
				"error", err,
			)
		}
	}

	if fresh.Status != wf.Status {
		a.dispatch(ctx, entity.EventUpdateWorkflow, workflowEvent(fresh))
		if fresh.Status.IsTerminal() {
			a.dispatch(ctx, entity.EventFinishWorkflow, workflowEvent(fresh))
		}
	}
	return outcomeRefreshed
}

// refreshFailed removes the instance when the engine is unreachable or no
// longer knows it. Any other failure, including an error the engine reported
// for a query it did answer, keeps the cached state.
func (a *API) refreshFailed(ctx context.Context, wf *entity.Workflow, err error) refreshOutcome {
	if !bridge.IsUnreachable(err) && !bridge.IsInstanceNotFound(err) {
		a.log.ErrorContext(ctx, "failed to refresh workflow",
			"instance_id", wf.InstanceID,
			"error", err,
		)
		return outcomeFailed
	}

	a.log.WarnContext(ctx, "removing unreachable workflow",
		"instance_id", wf.InstanceID,
		"endpoint", wf.BridgeEndpoint,
		"error", err,
	)
	if derr := a.store.DeleteWorkflow(ctx, wf.InstanceID); derr != nil {
		a.log.ErrorContext(ctx, "failed to remove workflow", "instance_id", wf.InstanceID, "error", derr)
		return outcomeFailed
	}
	data := workflowEvent(wf)
	data["reason"] = err.Error()
	a.dispatch(ctx, entity.EventFinishWorkflow, data)
	return outcomeRemoved
}

// Run refreshes immediately and then every period until ctx is done.
func (a *API) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = defaultMinRefreshInterval
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	a.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.runOnce(ctx)
		}
	}
}

func (a *API) runOnce(ctx context.Context) {
	if _, err := a.RefreshAll(ctx); err != nil && ctx.Err() == nil {
		a.log.ErrorContext(ctx, "refresh sweep failed", "error", err)
	}
}
