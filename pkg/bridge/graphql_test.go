package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexsync/rexsync/pkg/entity"
)

// fakeEngine answers GraphQL requests with a per-test handler.
type fakeEngine struct {
	t       *testing.T
	calls   atomic.Int32
	mu      sync.Mutex
	seen    []gqlRequest
	respond func(req gqlRequest) (int, any)
}

func (f *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("invalid request body: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()

	status, body := f.respond(req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch b := body.(type) {
	case string:
		_, _ = w.Write([]byte(b))
	default:
		_ = json.NewEncoder(w).Encode(b)
	}
}

func newTestClient(t *testing.T, respond func(req gqlRequest) (int, any)) (*GraphQLClient, *fakeEngine, string) {
	t.Helper()
	engine := &fakeEngine{t: t, respond: respond}
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	opts := DefaultOptions()
	opts.CallbackURL = "http://callback.local/callback"
	opts.ExecutionTimeout = 2 * time.Second
	opts.RetryPolicy = &RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	return NewGraphQLClient(opts), engine, srv.URL
}

func gqlData(v any) map[string]any {
	return map[string]any{"data": v}
}

func inputOf(req gqlRequest, name string) map[string]any {
	in, _ := req.Variables[name].(map[string]any)
	return in
}

func TestGraphQLURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"http://bridge:9000", "http://bridge:9000/graphql"},
		{"http://bridge:9000/", "http://bridge:9000/graphql"},
		{"http://bridge:9000/some/path", "http://bridge:9000/graphql"},
		{"http://mock:9000/bridge?wf=abc", "http://mock:9000/bridge?wf=abc"},
	}
	for _, tt := range tests {
		got, err := graphqlURL(tt.endpoint, "/graphql")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.endpoint)
	}
}

func TestStartWorkflow(t *testing.T) {
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		return 200, gqlData(map[string]any{
			"createInstance": map[string]any{"did": "d-1", "iid": "i-1", "status": "SUCCESS", "tasks": []string{}},
		})
	})

	wf, err := client.StartWorkflow(context.Background(), url, []entity.MetaData{{Key: "session", Value: "s-1"}})
	require.NoError(t, err)
	assert.Equal(t, "i-1", wf.InstanceID)
	assert.Equal(t, "d-1", wf.DeploymentID)
	assert.Equal(t, entity.WorkflowStarting, wf.Status)
	assert.Equal(t, url, wf.BridgeEndpoint)
	assert.Equal(t, "s-1", wf.Metadata["session"])

	require.Len(t, engine.seen, 1)
	in := inputOf(engine.seen[0], "createWorkflow")
	assert.Equal(t, "http://callback.local/callback", in["graphqlUri"])
	assert.Contains(t, engine.seen[0].Query, "createInstance")
}

func TestGetInstances(t *testing.T) {
	client, _, url := newTestClient(t, func(req gqlRequest) (int, any) {
		return 200, gqlData(map[string]any{
			"getInstances": map[string]any{
				"did": "d-1",
				"iid_list": []any{
					map[string]any{"iid": "i-1", "iid_status": "RUNNING", "meta_data": []any{map[string]any{"key": "k", "value": "v"}}},
					map[string]any{"iid": "i-2", "iid_status": "START"},
					map[string]any{"iid": "i-3", "iid_status": "something-new"},
				},
			},
		})
	})

	list, err := client.GetInstances(context.Background(), url)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, entity.WorkflowRunning, list[0].Status)
	assert.Equal(t, []entity.MetaData{{Key: "k", Value: "v"}}, list[0].Metadata)
	assert.Equal(t, entity.WorkflowStarting, list[1].Status)
	assert.Equal(t, entity.WorkflowUnknown, list[2].Status)
}

func TestRefreshWorkflow(t *testing.T) {
	empty := false
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		list := []any{map[string]any{"iid": "i-1", "iid_status": "COMPLETED", "meta_data": []any{map[string]any{"key": "a", "value": "b"}}}}
		if empty {
			list = []any{}
		}
		return 200, gqlData(map[string]any{"getInstances": map[string]any{"did": "d-1", "iid_list": list}})
	})
	wf := &entity.Workflow{InstanceID: "i-1", DeploymentID: "d-1", Name: "loan", Status: entity.WorkflowRunning, BridgeEndpoint: url}

	got, err := client.RefreshWorkflow(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, entity.WorkflowCompleted, got.Status)
	assert.Equal(t, "loan", got.Name)
	assert.Equal(t, map[string]string{"a": "b"}, got.Metadata)
	assert.Equal(t, entity.WorkflowRunning, wf.Status, "input must not be mutated")
	assert.Equal(t, "i-1", inputOf(engine.seen[0], "workflowInput")["iid"])

	empty = true
	_, err = client.RefreshWorkflow(context.Background(), wf)
	assert.True(t, IsInstanceNotFound(err), "got %v", err)
}

func formResponse(iid, tid string) map[string]any {
	return gqlData(map[string]any{"tasks": map[string]any{"form": map[string]any{
		"iid": iid, "tid": tid, "status": "SUCCESS",
		"fields": []any{map[string]any{
			"dataId": "amount", "type": "currency", "order": 1, "label": "Amount",
			"data": "100", "variant": nil, "encrypted": false,
			"validators": []any{map[string]any{"type": "REQUIRED", "constraint": nil}},
		}},
	}}})
}

func TestGetTaskData(t *testing.T) {
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		in := inputOf(req, "formInput")
		return 200, formResponse(in["iid"].(string), in["tid"].(string))
	})
	wf := &entity.Workflow{InstanceID: "i-1", BridgeEndpoint: url}

	tasks, err := client.GetTaskData(context.Background(), wf, []string{"t-1", "t-2", "t-3"}, true)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.EqualValues(t, 3, engine.calls.Load())
	for i, tid := range []string{"t-1", "t-2", "t-3"} {
		assert.Equal(t, tid, tasks[i].TaskID)
		assert.Equal(t, "i-1", tasks[i].InstanceID)
		assert.Equal(t, entity.TaskUp, tasks[i].Status)
	}
	field := tasks[0].Fields[0]
	assert.Equal(t, entity.DataCurrency, field.Type)
	require.NotNil(t, field.Value)
	assert.Equal(t, "100", *field.Value)
	assert.Equal(t, []entity.Validator{{Kind: entity.ValidatorRequired}}, field.Validators)

	for _, req := range engine.seen {
		assert.Equal(t, true, inputOf(req, "formInput")["reset"])
	}

	none, err := client.GetTaskData(context.Background(), wf, nil, false)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.EqualValues(t, 3, engine.calls.Load())
}

func TestGetTaskExchangeData(t *testing.T) {
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		return 200, gqlData(map[string]any{"tasks": map[string]any{"exchange": map[string]any{"form": map[string]any{
			"xid": "x-1", "iid": "i-1", "tid": "t-1", "status": "SUCCESS", "fields": []any{},
		}}}})
	})

	task, err := client.GetTaskExchangeData(context.Background(), &entity.Workflow{InstanceID: "i-1", BridgeEndpoint: url}, "x-1", false)
	require.NoError(t, err)
	assert.Equal(t, "x-1", task.ExchangeID)
	assert.Equal(t, "t-1", task.TaskID)
	assert.Equal(t, "x-1", inputOf(engine.seen[0], "formInput")["xid"])
}

func TestValidateTaskData_Classification(t *testing.T) {
	client, _, url := newTestClient(t, func(req gqlRequest) (int, any) {
		in := inputOf(req, "validateTaskInput")
		tid := in["tid"].(string)
		payload := map[string]any{"iid": "i-1", "tid": tid, "status": "SUCCESS", "passed": true, "results": []any{}}
		switch tid {
		case "bad":
			payload["passed"] = false
			payload["results"] = []any{
				map[string]any{"dataId": "email", "passed": false, "results": []any{
					map[string]any{"passed": true, "message": nil},
					map[string]any{"passed": false, "message": ""},
				}},
				map[string]any{"dataId": "name", "passed": true, "results": []any{}},
			}
		case "broken":
			payload["status"] = "FAILURE"
			payload["passed"] = nil
		}
		return 200, gqlData(map[string]any{"tasks": map[string]any{"validate": payload}})
	})
	wf := &entity.Workflow{InstanceID: "i-1", BridgeEndpoint: url}
	tasks := []*entity.Task{
		{InstanceID: "i-1", TaskID: "ok"},
		{InstanceID: "i-1", TaskID: "bad"},
		{InstanceID: "i-1", TaskID: "broken"},
	}

	result, err := client.ValidateTaskData(context.Background(), wf, tasks)
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	assert.Equal(t, "ok", result.Successful[0].TaskID)
	require.Len(t, result.Errors, 2)

	var validation, generic *entity.ErrorDetail
	for i := range result.Errors {
		if result.Errors[i].IsValidation() {
			validation = &result.Errors[i]
		} else {
			generic = &result.Errors[i]
		}
	}
	require.NotNil(t, validation)
	require.NotNil(t, generic)
	assert.Equal(t, "bad", validation.TaskID)
	assert.Equal(t, "validation errors", validation.Message)
	assert.Equal(t, entity.FieldError{
		Message:   entity.DefaultFieldErrorMessage,
		Validator: entity.Validator{Kind: entity.ValidatorRegex},
	}, validation.FieldErrors["email"])
	assert.NotContains(t, validation.FieldErrors, "name")
	assert.Equal(t, "broken", generic.TaskID)
	assert.Contains(t, generic.Message, "FAILURE")
}

func TestSaveTaskData_SendsFieldValues(t *testing.T) {
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		return 200, gqlData(map[string]any{"tasks": map[string]any{"save": map[string]any{
			"iid": "i-1", "tid": "t-1", "status": "SUCCESS", "passed": true, "results": []any{},
		}}})
	})
	v := "42"
	task := &entity.Task{InstanceID: "i-1", TaskID: "t-1", Fields: []entity.TaskField{{FieldID: "age", Value: &v}}}

	result, err := client.SaveTaskData(context.Background(), &entity.Workflow{InstanceID: "i-1", BridgeEndpoint: url}, []*entity.Task{task})
	require.NoError(t, err)
	assert.Len(t, result.Successful, 1)

	in := inputOf(engine.seen[0], "saveTaskInput")
	assert.Equal(t, "t-1", in["tid"])
	fields := in["fields"].([]any)
	require.Len(t, fields, 1)
	assert.Equal(t, map[string]any{"dataId": "age", "data": "42"}, fields[0])
}

func TestCompleteTask_ExchangeAddressing(t *testing.T) {
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		if strings.Contains(req.Query, "exchange") {
			return 200, gqlData(map[string]any{"tasks": map[string]any{"exchange": map[string]any{"complete": map[string]any{
				"xid": "x-1", "iid": "i-1", "tid": "t-2", "status": "SUCCESS",
			}}}})
		}
		return 200, gqlData(map[string]any{"tasks": map[string]any{"complete": map[string]any{
			"iid": "i-1", "tid": "t-1", "status": "FAILURE",
		}}})
	})
	wf := &entity.Workflow{InstanceID: "i-1", BridgeEndpoint: url}
	tasks := []*entity.Task{
		{InstanceID: "i-1", TaskID: "t-1"},
		{InstanceID: "i-1", TaskID: "t-2", ExchangeID: "x-1"},
	}

	result, err := client.CompleteTask(context.Background(), wf, tasks)
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	assert.Equal(t, "t-2", result.Successful[0].TaskID)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "t-1", result.Errors[0].TaskID)
	assert.EqualValues(t, 2, engine.calls.Load())
}

func TestCancelWorkflow(t *testing.T) {
	status := "SUCCESS"
	client, _, url := newTestClient(t, func(req gqlRequest) (int, any) {
		return 200, gqlData(map[string]any{"cancelInstance": map[string]any{
			"did": "d-1", "iid": "i-1", "iid_status": "CANCELED", "status": status,
		}})
	})
	wf := &entity.Workflow{InstanceID: "i-1", BridgeEndpoint: url}

	ok, err := client.CancelWorkflow(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, ok)

	status = "FAILURE"
	ok, err = client.CancelWorkflow(context.Background(), wf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetry_ServerErrorsThenSuccess(t *testing.T) {
	var n atomic.Int32
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		if n.Add(1) < 3 {
			return 503, "unavailable"
		}
		return 200, gqlData(map[string]any{"cancelInstance": map[string]any{"status": "SUCCESS"}})
	})

	ok, err := client.CancelWorkflow(context.Background(), &entity.Workflow{InstanceID: "i-1", BridgeEndpoint: url})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 3, engine.calls.Load())
}

func TestRetry_Exhausted(t *testing.T) {
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		return 500, "boom"
	})

	_, err := client.GetInstances(context.Background(), url)
	require.Error(t, err)
	assert.True(t, IsUnreachable(err), "got %v", err)
	assert.EqualValues(t, 3, engine.calls.Load())
}

func TestUnreachable_NotRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewGraphQLClient(&Options{RetryPolicy: DefaultRetryPolicy(), ExecutionTimeout: time.Second})
	start := time.Now()
	_, err := client.GetInstances(context.Background(), url)
	require.Error(t, err)
	assert.True(t, IsUnreachable(err), "got %v", err)
	assert.Less(t, time.Since(start), DefaultRetryPolicy().InitialBackoff, "connection failures must not back off")
}

func TestUnreachable_Timeout(t *testing.T) {
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		time.Sleep(200 * time.Millisecond)
		return 200, gqlData(map[string]any{})
	})
	client.opts.ExecutionTimeout = 20 * time.Millisecond

	_, err := client.GetInstances(context.Background(), url)
	assert.True(t, IsUnreachable(err), "got %v", err)
	assert.EqualValues(t, 1, engine.calls.Load())
}

func TestEngineError_GraphQLErrors(t *testing.T) {
	client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
		return 200, map[string]any{"data": nil, "errors": []any{
			map[string]any{"message": "instance exploded"},
			map[string]any{"message": "try later"},
		}}
	})

	_, err := client.GetInstances(context.Background(), url)
	require.Error(t, err)
	assert.True(t, IsEngineError(err), "got %v", err)
	assert.False(t, IsUnreachable(err))
	assert.False(t, IsContractViolation(err))
	assert.Contains(t, err.Error(), "instance exploded; try later")
	assert.EqualValues(t, 1, engine.calls.Load())

	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, []string{"instance exploded", "try later"}, ee.Messages)
}

func TestContractViolation(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{not json"},
		{"no data", map[string]any{"data": nil}},
		{"missing payload", gqlData(map[string]any{})},
		{"missing iid", gqlData(map[string]any{"createInstance": map[string]any{"did": "d-1"}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, engine, url := newTestClient(t, func(req gqlRequest) (int, any) {
				return 200, tt.body
			})
			_, err := client.StartWorkflow(context.Background(), url, nil)
			require.Error(t, err)
			assert.True(t, IsContractViolation(err), "got %v", err)
			assert.False(t, IsUnreachable(err))
			assert.EqualValues(t, 1, engine.calls.Load())
		})
	}
}

func TestFanOut_TransportFailureFailsBatch(t *testing.T) {
	client, _, url := newTestClient(t, func(req gqlRequest) (int, any) {
		if inputOf(req, "saveTaskInput")["tid"] == "down" {
			return 502, "bad gateway"
		}
		return 200, gqlData(map[string]any{"tasks": map[string]any{"save": map[string]any{
			"iid": "i-1", "tid": "t-1", "status": "SUCCESS", "passed": true,
		}}})
	})
	client.opts.RetryPolicy.MaxAttempts = 1

	_, err := client.SaveTaskData(context.Background(), &entity.Workflow{InstanceID: "i-1", BridgeEndpoint: url}, []*entity.Task{
		{InstanceID: "i-1", TaskID: "t-1"},
		{InstanceID: "i-1", TaskID: "down"},
	})
	assert.True(t, IsUnreachable(err), "got %v", err)
}

type recordingMetrics struct {
	mu      sync.Mutex
	calls   map[string]int
	retries int
}

func (r *recordingMetrics) RecordBridgeCall(operation, outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[operation+":"+outcome]++
}

func (r *recordingMetrics) RecordBridgeRetry(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func TestMetricsRecorder(t *testing.T) {
	rec := &recordingMetrics{calls: map[string]int{}}
	SetMetricsRecorder(rec)
	defer SetMetricsRecorder(nil)

	var n atomic.Int32
	client, _, url := newTestClient(t, func(req gqlRequest) (int, any) {
		if n.Add(1) == 1 {
			return 503, "try again"
		}
		return 200, gqlData(map[string]any{"cancelInstance": map[string]any{"status": "SUCCESS"}})
	})

	_, err := client.CancelWorkflow(context.Background(), &entity.Workflow{InstanceID: "i-1", BridgeEndpoint: url})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.calls[opCancelInstance+":"+OutcomeSuccess])
	assert.Equal(t, 1, rec.retries)
}

func TestRateLimiter(t *testing.T) {
	var nilSet *limiterSet
	require.NoError(t, nilSet.wait(context.Background(), "x"))

	set := newLimiterSet(1, 1)
	require.NoError(t, set.wait(context.Background(), "a"))
	require.NoError(t, set.wait(context.Background(), "b"), "limits are per endpoint")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, set.wait(ctx, "a"), "second call within the same second must wait past the deadline")
}
