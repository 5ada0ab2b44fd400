package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rexsync/rexsync/pkg/entity"
)

// StorageTestSuite defines a test suite that can be run against any Store implementation.
type StorageTestSuite struct {
	NewStorage func(t *testing.T) Store
}

// RunAllTests runs all storage tests against the provided implementation.
func (s *StorageTestSuite) RunAllTests(t *testing.T) {
	t.Run("WorkflowCRUD", s.TestWorkflowCRUD)
	t.Run("UpsertPreservesTasks", s.TestUpsertPreservesTasks)
	t.Run("AddTaskRequiresWorkflow", s.TestAddTaskRequiresWorkflow)
	t.Run("UpdateTaskNeverCreates", s.TestUpdateTaskNeverCreates)
	t.Run("DeleteTaskUnlinks", s.TestDeleteTaskUnlinks)
	t.Run("DeleteWorkflowCascade", s.TestDeleteWorkflowCascade)
	t.Run("ListWorkflowsByID", s.TestListWorkflowsByID)
	t.Run("ReturnsCopies", s.TestReturnsCopies)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
	t.Run("NotFound", s.TestNotFound)
}

func sampleWorkflow(id string) *entity.Workflow {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &entity.Workflow{
		InstanceID:      id,
		DeploymentID:    "deploy-1",
		Name:            "loan-application",
		Status:          entity.WorkflowRunning,
		Metadata:        map[string]string{"session": "s-1"},
		BridgeEndpoint:  "http://bridge.local",
		LastRefreshedAt: &now,
	}
}

func sampleTask(instanceID, taskID string) *entity.Task {
	v := "initial"
	return &entity.Task{
		InstanceID: instanceID,
		TaskID:     taskID,
		Status:     entity.TaskUp,
		Fields: []entity.TaskField{{
			FieldID:    "name",
			Type:       entity.DataText,
			Order:      1,
			Value:      &v,
			Validators: []entity.Validator{{Kind: entity.ValidatorRequired}},
		}},
	}
}

// TestWorkflowCRUD tests basic workflow operations.
func (s *StorageTestSuite) TestWorkflowCRUD(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	wf := sampleWorkflow("wf-1")
	if err := store.AddWorkflow(ctx, wf); err != nil {
		t.Fatalf("AddWorkflow failed: %v", err)
	}

	got, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.InstanceID != wf.InstanceID || got.Status != wf.Status || got.Name != wf.Name {
		t.Errorf("unexpected workflow: %+v", got)
	}
	if got.Metadata["session"] != "s-1" {
		t.Errorf("expected metadata to round-trip, got %v", got.Metadata)
	}
	if got.LastRefreshedAt == nil || !got.LastRefreshedAt.Equal(*wf.LastRefreshedAt) {
		t.Errorf("expected last refresh %v, got %v", wf.LastRefreshedAt, got.LastRefreshedAt)
	}

	wf.Status = entity.WorkflowCompleted
	if err := store.AddWorkflow(ctx, wf); err != nil {
		t.Fatalf("AddWorkflow (replace) failed: %v", err)
	}
	got, _ = store.GetWorkflow(ctx, "wf-1")
	if got.Status != entity.WorkflowCompleted {
		t.Errorf("expected replaced status COMPLETED, got %s", got.Status)
	}

	if err := store.DeleteWorkflow(ctx, "wf-1"); err != nil {
		t.Fatalf("DeleteWorkflow failed: %v", err)
	}
	if _, err := store.GetWorkflow(ctx, "wf-1"); !IsNotFound(err) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}

// TestUpsertPreservesTasks checks that replacing a workflow keeps cached tasks.
func (s *StorageTestSuite) TestUpsertPreservesTasks(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.AddWorkflow(ctx, sampleWorkflow("wf-1")); err != nil {
		t.Fatalf("AddWorkflow failed: %v", err)
	}
	for _, tid := range []string{"t-1", "t-2"} {
		if err := store.AddTask(ctx, sampleTask("wf-1", tid)); err != nil {
			t.Fatalf("AddTask %s failed: %v", tid, err)
		}
	}

	replacement := sampleWorkflow("wf-1")
	replacement.Status = entity.WorkflowStopping
	if err := store.AddWorkflow(ctx, replacement); err != nil {
		t.Fatalf("AddWorkflow (replace) failed: %v", err)
	}

	got, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Status != entity.WorkflowStopping {
		t.Errorf("expected STOPPING, got %s", got.Status)
	}
	ids := got.TaskIDs()
	if len(ids) != 2 || ids[0] != "t-1" || ids[1] != "t-2" {
		t.Errorf("expected tasks [t-1 t-2] after upsert, got %v", ids)
	}
}

// TestAddTaskRequiresWorkflow checks AddTask against a missing workflow.
func (s *StorageTestSuite) TestAddTaskRequiresWorkflow(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	err := store.AddTask(context.Background(), sampleTask("missing", "t-1"))
	if !IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

// TestUpdateTaskNeverCreates checks UpdateTask is a no-op for unknown tasks.
func (s *StorageTestSuite) TestUpdateTaskNeverCreates(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.AddWorkflow(ctx, sampleWorkflow("wf-1")); err != nil {
		t.Fatalf("AddWorkflow failed: %v", err)
	}
	if err := store.UpdateTask(ctx, sampleTask("wf-1", "t-1")); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if _, err := store.GetTask(ctx, "wf-1", "t-1"); !IsNotFound(err) {
		t.Fatalf("expected UpdateTask not to create the task, got %v", err)
	}

	if err := store.AddTask(ctx, sampleTask("wf-1", "t-1")); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	updated := sampleTask("wf-1", "t-1")
	v := "changed"
	updated.Fields[0].Value = &v
	if err := store.UpdateTask(ctx, updated); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	got, err := store.GetTask(ctx, "wf-1", "t-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Fields[0].Value == nil || *got.Fields[0].Value != "changed" {
		t.Errorf("expected updated value, got %+v", got.Fields[0])
	}
}

// TestDeleteTaskUnlinks checks that DeleteTask removes the task from the list.
func (s *StorageTestSuite) TestDeleteTaskUnlinks(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	_ = store.AddWorkflow(ctx, sampleWorkflow("wf-1"))
	_ = store.AddTask(ctx, sampleTask("wf-1", "t-1"))
	_ = store.AddTask(ctx, sampleTask("wf-1", "t-2"))

	if err := store.DeleteTask(ctx, "wf-1", "t-1"); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if err := store.DeleteTask(ctx, "wf-1", "never-there"); err != nil {
		t.Errorf("expected deleting an unknown task to be tolerated, got %v", err)
	}

	tasks, err := store.ListTasks(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != "t-2" {
		t.Errorf("expected only t-2 left, got %v", tasks)
	}
	wf, _ := store.GetWorkflow(ctx, "wf-1")
	if _, ok := wf.Task("t-1"); ok {
		t.Error("expected t-1 to be unlinked from the workflow")
	}
}

// TestDeleteWorkflowCascade checks that tasks go with their workflow.
func (s *StorageTestSuite) TestDeleteWorkflowCascade(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	_ = store.AddWorkflow(ctx, sampleWorkflow("wf-1"))
	_ = store.AddTask(ctx, sampleTask("wf-1", "t-1"))

	if err := store.DeleteWorkflow(ctx, "wf-1"); err != nil {
		t.Fatalf("DeleteWorkflow failed: %v", err)
	}
	if _, err := store.GetTask(ctx, "wf-1", "t-1"); !IsNotFound(err) {
		t.Errorf("expected task to be deleted with workflow, got %v", err)
	}
	if err := store.DeleteWorkflow(ctx, "wf-1"); err != nil {
		t.Errorf("expected deleting a missing workflow to be tolerated, got %v", err)
	}

	// Re-adding the workflow must not resurrect old tasks.
	_ = store.AddWorkflow(ctx, sampleWorkflow("wf-1"))
	wf, _ := store.GetWorkflow(ctx, "wf-1")
	if len(wf.Tasks) != 0 {
		t.Errorf("expected no tasks after re-add, got %v", wf.TaskIDs())
	}
}

// TestListWorkflowsByID checks the optional id filter.
func (s *StorageTestSuite) TestListWorkflowsByID(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
		_ = store.AddWorkflow(ctx, sampleWorkflow(id))
	}

	all, err := store.ListWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListWorkflows failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 workflows, got %d", len(all))
	}

	some, err := store.ListWorkflows(ctx, "wf-3", "wf-1", "unknown")
	if err != nil {
		t.Fatalf("ListWorkflows(ids) failed: %v", err)
	}
	if len(some) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(some))
	}
	found := map[string]bool{}
	for _, wf := range some {
		found[wf.InstanceID] = true
	}
	if !found["wf-1"] || !found["wf-3"] {
		t.Errorf("expected wf-1 and wf-3, got %v", found)
	}
}

// TestReturnsCopies checks that callers cannot mutate cached state.
func (s *StorageTestSuite) TestReturnsCopies(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	_ = store.AddWorkflow(ctx, sampleWorkflow("wf-1"))
	_ = store.AddTask(ctx, sampleTask("wf-1", "t-1"))

	task, _ := store.GetTask(ctx, "wf-1", "t-1")
	v := "mutated"
	task.Fields[0].Value = &v
	wf, _ := store.GetWorkflow(ctx, "wf-1")
	wf.Metadata["session"] = "other"

	again, _ := store.GetTask(ctx, "wf-1", "t-1")
	if *again.Fields[0].Value != "initial" {
		t.Errorf("expected cached task to be unchanged, got %q", *again.Fields[0].Value)
	}
	wfAgain, _ := store.GetWorkflow(ctx, "wf-1")
	if wfAgain.Metadata["session"] != "s-1" {
		t.Errorf("expected cached metadata to be unchanged, got %v", wfAgain.Metadata)
	}
}

// TestConcurrentAccess tests concurrent writes on distinct instances.
func (s *StorageTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errCh := make(chan error, n*2)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("wf-%d", i)
			if err := store.AddWorkflow(ctx, sampleWorkflow(id)); err != nil {
				errCh <- err
				return
			}
			if err := store.AddTask(ctx, sampleTask(id, "t-1")); err != nil {
				errCh <- err
			}
			if _, err := store.ListWorkflows(ctx); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent operation failed: %v", err)
	}

	all, _ := store.ListWorkflows(ctx)
	if len(all) != n {
		t.Errorf("expected %d workflows, got %d", n, len(all))
	}
	for _, wf := range all {
		if len(wf.Tasks) != 1 {
			t.Errorf("expected 1 task on %s, got %d", wf.InstanceID, len(wf.Tasks))
		}
	}
}

// TestNotFound checks the typed not-found errors.
func (s *StorageTestSuite) TestNotFound(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetWorkflow(ctx, "nope"); !IsNotFound(err) {
		t.Errorf("expected NotFound for workflow, got %v", err)
	}
	_ = store.AddWorkflow(ctx, sampleWorkflow("wf-1"))
	_, err := store.GetTask(ctx, "wf-1", "nope")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound for task, got %v", err)
	}
	var nf *NotFoundError
	if !asNotFound(err, &nf) || nf.EntityType != EntityTask {
		t.Errorf("expected task entity type, got %v", err)
	}
	if _, err := store.ListTasks(ctx, "nope"); !IsNotFound(err) {
		t.Errorf("expected NotFound for ListTasks, got %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("expected ping to succeed, got %v", err)
	}
}

func asNotFound(err error, target **NotFoundError) bool {
	nf, ok := err.(*NotFoundError)
	if ok {
		*target = nf
	}
	return ok
}
