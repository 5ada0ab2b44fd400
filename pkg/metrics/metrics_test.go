package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rexsync/rexsync/pkg/bridge"
	"github.com/rexsync/rexsync/pkg/events"
	"github.com/rexsync/rexsync/pkg/orchestration"
)

var (
	_ bridge.MetricsRecorder        = (*Manager)(nil)
	_ events.MetricsRecorder        = (*Manager)(nil)
	_ orchestration.MetricsRecorder = (*Manager)(nil)
)

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	if m == nil {
		t.Fatal("NewManager returned nil")
	}
	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}
}

func TestNewManager_EmptyBucketsUseDefaults(t *testing.T) {
	m := NewManager(Config{Enabled: true})
	m.RecordBridgeCall("getWorkflow", bridge.OutcomeSuccess, 20*time.Millisecond)

	body := scrape(t, m)
	if !strings.Contains(body, `bridge_call_duration_seconds_bucket{operation="getWorkflow",le="0.05"}`) {
		t.Error("Expected default bridge buckets")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordBridgeCall("createInstance", bridge.OutcomeSuccess, 50*time.Millisecond)
	m.RecordBridgeCall("createInstance", bridge.OutcomeUnreachable, time.Second)
	m.RecordBridgeRetry("createInstance")
	m.RecordEventDispatched("local", "START_TASK")
	m.RecordEventDelivered("local", "START_TASK")
	m.RecordEventDropped("local", "START_TASK")
	m.SetEventListeners("local", 3)
	m.RecordRefreshSweep("success", 2*time.Second)
	m.RecordRefreshInstances(orchestration.RefreshOutcomeRemoved, 2)
	m.RecordTaskOperation(orchestration.OperationSave, 3, 1, 100*time.Millisecond)
	m.SetCachedWorkflows(7)
	m.RecordHTTPRequest("GET", "/healthz", "200", time.Millisecond)

	body := scrape(t, m)

	expected := []string{
		`bridge_calls_total{operation="createInstance",outcome="success"} 1`,
		`bridge_calls_total{operation="createInstance",outcome="unreachable"} 1`,
		`bridge_retries_total{operation="createInstance"} 1`,
		`events_dispatched_total{kind="START_TASK",mode="local"} 1`,
		`events_dropped_total{kind="START_TASK",mode="local"} 1`,
		`event_listeners{mode="local"} 3`,
		`refresh_sweeps_total{status="success"} 1`,
		`refresh_instances_total{outcome="removed"} 2`,
		`task_operation_items_total{operation="save",result="success"} 3`,
		`task_operation_items_total{operation="save",result="error"} 1`,
		`cached_workflows 7`,
		`http_requests_total{method="GET",path="/healthz",status="200"} 1`,
	}
	for _, want := range expected {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

func TestRecordRefreshInstances_SkipsZero(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordRefreshInstances(orchestration.RefreshOutcomeFailed, 0)

	if strings.Contains(scrape(t, m), `refresh_instances_total{outcome="failed"}`) {
		t.Error("Expected no series for a zero count")
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := NewManager(cfg)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 when disabled, got %d", w.Code)
	}
}

func TestNoOpManager(t *testing.T) {
	m := NoOpManager()
	if m.Enabled() {
		t.Error("NoOpManager should not be enabled")
	}

	// These should not panic
	m.RecordBridgeCall("x", bridge.OutcomeSuccess, time.Second)
	m.RecordBridgeRetry("x")
	m.RecordEventDispatched("local", "KEEP_ALIVE")
	m.RecordEventDelivered("local", "KEEP_ALIVE")
	m.RecordEventDropped("local", "KEEP_ALIVE")
	m.SetEventListeners("local", 1)
	m.RecordRefreshSweep("error", time.Second)
	m.RecordRefreshInstances("failed", 1)
	m.RecordTaskOperation("complete", 1, 0, time.Second)
	m.SetCachedWorkflows(1)
	m.RecordHTTPRequest("GET", "/", "200", time.Second)
}

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func BenchmarkRecordBridgeCall(b *testing.B) {
	m := NewManager(DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordBridgeCall("getWorkflow", bridge.OutcomeSuccess, 10*time.Millisecond)
	}
}

func BenchmarkNoOpRecording(b *testing.B) {
	m := NoOpManager()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordBridgeCall("getWorkflow", bridge.OutcomeSuccess, 10*time.Millisecond)
	}
}
