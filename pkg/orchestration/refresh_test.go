package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexsync/rexsync/pkg/bridge"
	"github.com/rexsync/rexsync/pkg/bridge/bridgetest"
	"github.com/rexsync/rexsync/pkg/directory"
	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/storage"
)

// garbledEngine answers RefreshWorkflow with a contract violation.
type garbledEngine struct {
	*bridgetest.Engine
}

func (g garbledEngine) RefreshWorkflow(ctx context.Context, wf *entity.Workflow) (*entity.Workflow, error) {
	return nil, &bridge.ContractViolationError{Operation: "getWorkflow", Detail: "missing iid_list"}
}

// vanishingStore lists workflows that are gone by the time they are read.
type vanishingStore struct {
	storage.Store
	gone map[string]bool
}

func (s vanishingStore) GetWorkflow(ctx context.Context, instanceID string) (*entity.Workflow, error) {
	if s.gone[instanceID] {
		return nil, &storage.NotFoundError{EntityType: storage.EntityWorkflow, ID: instanceID}
	}
	return s.Store.GetWorkflow(ctx, instanceID)
}

type downDirectory struct {
	*directory.Static
}

func (downDirectory) GetDeployments(ctx context.Context, forceRefresh bool) ([]entity.WorkflowDeployment, error) {
	return nil, &directory.UnreachableError{URL: "http://directory.test", Cause: errors.New("connection refused")}
}

func TestRefreshAll_Debounce(t *testing.T) {
	f := newFixture(t, WithMinRefreshInterval(time.Minute))
	ctx := context.Background()
	f.startWithTasks(t, nil)
	f.engine.ResetCalls()

	// Just started, so still inside the window.
	report, err := f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, RefreshReport{Skipped: 1}, report)
	assert.Zero(t, f.engine.Calls(bridgetest.OpGetTaskData))

	f.clock.Advance(2 * time.Minute)
	report, err = f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, f.engine.Calls(bridgetest.OpGetTaskData))

	f.clock.Advance(30 * time.Second)
	report, err = f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, f.engine.Calls(bridgetest.OpGetTaskData), "second refresh inside the window must not fetch tasks")
}

func TestRefreshAll_ZeroIntervalAlwaysRefreshes(t *testing.T) {
	f := newFixture(t)
	f.api.SetMinRefreshInterval(0)
	ctx := context.Background()
	f.startWithTasks(t, nil)
	f.engine.ResetCalls()

	for i := 0; i < 3; i++ {
		_, err := f.api.RefreshAll(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.engine.Calls(bridgetest.OpGetTaskData))
	assert.Equal(t, 3, f.engine.Calls(bridgetest.OpRefreshWorkflow))
}

func TestRefreshAll_Discovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.events.StartListening(ctx, "ui"))

	f.engine.AddInstance(loanEndpoint, "ext-1", entity.WorkflowRunning, map[string]string{"session": "s-9"})
	f.engine.AddInstance(loanEndpoint, "ext-2", entity.WorkflowCompleted, nil)

	report, err := f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Discovered)
	assert.Equal(t, 2, report.Refreshed)

	ext1, err := f.store.GetWorkflow(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, entity.WorkflowRunning, ext1.Status)
	assert.Equal(t, "s-9", ext1.Metadata["session"])
	assert.Equal(t, loanDeploy, ext1.DeploymentID)
	assert.Equal(t, "loan", ext1.Name)
	assert.Equal(t, loanEndpoint, ext1.BridgeEndpoint)
	require.NotNil(t, ext1.LastRefreshedAt)

	ext2, err := f.store.GetWorkflow(ctx, "ext-2")
	require.NoError(t, err)
	assert.Equal(t, entity.WorkflowCompleted, ext2.Status, "discovered status is taken verbatim")

	assert.Equal(t, []entity.EventKind{entity.EventStartWorkflow, entity.EventStartWorkflow}, drain(t, f.events, "ui"))

	// Already cached instances are not rediscovered.
	report, err = f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Discovered)
}

func TestRefreshAll_UpdatesTasksAndStatus(t *testing.T) {
	f := newFixture(t, WithMinRefreshInterval(0))
	ctx := context.Background()
	wf := f.startWithTasks(t, nil)
	require.NoError(t, f.events.StartListening(ctx, "ui"))

	updated := formTask("t-1")
	v := "from engine"
	updated.Fields[1].Value = &v
	f.engine.AddTask(wf.InstanceID, updated)
	f.engine.SetStatus(wf.InstanceID, entity.WorkflowCompleted)

	report, err := f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Refreshed)

	cached, err := f.store.GetWorkflow(ctx, wf.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, entity.WorkflowCompleted, cached.Status)
	assert.ElementsMatch(t, []string{"t-1", "t-2"}, cached.TaskIDs())

	task, err := f.store.GetTask(ctx, wf.InstanceID, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "from engine", fieldValue(t, task, "note"))

	assert.Equal(t, []entity.EventKind{entity.EventUpdateWorkflow, entity.EventFinishWorkflow}, drain(t, f.events, "ui"))
}

func TestRefreshAll_RemovesUnreachableInstance(t *testing.T) {
	f := newFixture(t, WithMinRefreshInterval(0))
	ctx := context.Background()
	gone := f.startWithTasks(t, nil)
	kept := f.startWithTasks(t, nil)
	f.engine.FailInstance(gone.InstanceID, true)
	require.NoError(t, f.events.StartListening(ctx, "ui"))

	report, err := f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, report.Refreshed)

	_, err = f.store.GetWorkflow(ctx, gone.InstanceID)
	assert.True(t, storage.IsNotFound(err))
	_, err = f.store.GetWorkflow(ctx, kept.InstanceID)
	assert.NoError(t, err)

	env, ok, err := f.events.Get(ctx, "ui", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entity.EventFinishWorkflow, env.Kind)
	assert.Equal(t, gone.InstanceID, env.Data["instance_id"])
	assert.NotEmpty(t, env.Data["reason"])
}

func TestRefreshAll_RemovesInstanceUnknownToEngine(t *testing.T) {
	f := newFixture(t, WithMinRefreshInterval(0))
	ctx := context.Background()
	wf := f.startWithTasks(t, nil)
	f.engine.RemoveInstance(wf.InstanceID)

	report, err := f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)

	_, err = f.store.GetWorkflow(ctx, wf.InstanceID)
	assert.True(t, storage.IsNotFound(err))
}

func TestRefreshAll_KeepsInstanceOnOtherErrors(t *testing.T) {
	engine := bridgetest.NewEngine()
	engine.AddDeployment(loanEndpoint, loanDeploy)
	store := newFixture(t).store
	require.NoError(t, store.AddWorkflow(context.Background(), &entity.Workflow{
		InstanceID:     "wf-1",
		Status:         entity.WorkflowRunning,
		BridgeEndpoint: loanEndpoint,
	}))
	dir := directory.NewStatic(entity.WorkflowDeployment{Name: "loan", DeploymentIDs: []string{loanDeploy}, BridgeEndpoint: loanEndpoint})

	api, err := New(store, garbledEngine{engine}, dir, nil, WithMinRefreshInterval(0))
	require.NoError(t, err)

	report, err := api.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Removed)

	cached, err := store.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Nil(t, cached.LastRefreshedAt)
}

func TestRefreshAll_KeepsInstanceWhenTaskIsGone(t *testing.T) {
	f := newFixture(t, WithMinRefreshInterval(0))
	ctx := context.Background()
	wf := f.startWithTasks(t, nil)
	f.engine.DropTask(wf.InstanceID, "t-1")

	report, err := f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Removed)

	cached, err := f.store.GetWorkflow(ctx, wf.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, entity.WorkflowRunning, cached.Status)
	_, err = f.store.GetTask(ctx, wf.InstanceID, "t-1")
	assert.NoError(t, err)
}

func TestRefreshAll_GraphQLErrorsKeepWorkflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(req.Query, "getInstances") {
			fmt.Fprint(w, `{"data":{"getInstances":{"did":"loan-d1","iid_list":[{"iid":"wf-1","iid_status":"RUNNING","meta_data":[]}]}}}`)
			return
		}
		fmt.Fprint(w, `{"data":null,"errors":[{"message":"task t-1 is already completed"}]}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := newFixture(t).store
	require.NoError(t, store.AddWorkflow(ctx, &entity.Workflow{
		InstanceID:     "wf-1",
		Name:           "loan",
		Status:         entity.WorkflowRunning,
		BridgeEndpoint: srv.URL,
	}))
	require.NoError(t, store.AddTask(ctx, &entity.Task{InstanceID: "wf-1", TaskID: "t-1"}))
	dir := directory.NewStatic(entity.WorkflowDeployment{Name: "loan", DeploymentIDs: []string{loanDeploy}, BridgeEndpoint: srv.URL})

	api, err := New(store, bridge.NewGraphQLClient(nil), dir, nil, WithMinRefreshInterval(0))
	require.NoError(t, err)

	report, err := api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, RefreshReport{Failed: 1}, report)

	cached, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1"}, cached.TaskIDs())
}

func TestRefreshAll_ConcurrentSkipsAreCounted(t *testing.T) {
	ctx := context.Background()
	base := newFixture(t).store
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	gone := make(map[string]bool)

	for i := 0; i < 200; i++ {
		fresh := &entity.Workflow{InstanceID: fmt.Sprintf("fresh-%d", i), Status: entity.WorkflowRunning, BridgeEndpoint: loanEndpoint}
		fresh.MarkRefreshed(now)
		require.NoError(t, base.AddWorkflow(ctx, fresh))

		id := fmt.Sprintf("gone-%d", i)
		gone[id] = true
		require.NoError(t, base.AddWorkflow(ctx, &entity.Workflow{InstanceID: id, Status: entity.WorkflowRunning, BridgeEndpoint: loanEndpoint}))
	}

	engine := bridgetest.NewEngine()
	engine.AddDeployment(loanEndpoint, loanDeploy)
	dir := directory.NewStatic(entity.WorkflowDeployment{Name: "loan", DeploymentIDs: []string{loanDeploy}, BridgeEndpoint: loanEndpoint})
	api, err := New(vanishingStore{Store: base, gone: gone}, engine, dir, nil,
		WithMinRefreshInterval(time.Hour),
		WithMaxConcurrency(8),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	report, err := api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, RefreshReport{Skipped: 400}, report)
	assert.Zero(t, engine.Calls(bridgetest.OpRefreshWorkflow))
}

func TestRefreshAll_UnreachableBridgeDoesNotAbort(t *testing.T) {
	f := newFixture(t, WithMinRefreshInterval(0), WithMaxConcurrency(1))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.startWithTasks(t, nil)
	}
	f.engine.SetUnreachable(loanEndpoint, true)

	report, err := f.api.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Removed)

	all, err := f.store.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRefreshAll_DirectoryUnreachable(t *testing.T) {
	f := newFixture(t)
	api, err := New(f.store, f.engine, downDirectory{f.dir}, nil)
	require.NoError(t, err)

	_, err = api.RefreshAll(context.Background())
	require.Error(t, err)
	assert.True(t, directory.IsUnreachable(err))
	assert.False(t, bridge.IsUnreachable(err))
}

func TestRun_RefreshesPeriodically(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, f.api.Run(ctx, 10*time.Millisecond))
	assert.GreaterOrEqual(t, f.engine.Calls(bridgetest.OpGetInstances), 2)
}
