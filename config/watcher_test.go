package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func startWatcher(t *testing.T, w *Watcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Watch(ctx)
	}()

	deadline := time.Now().Add(time.Second)
	for !w.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// give fsnotify a moment to register the directory
	time.Sleep(50 * time.Millisecond)

	return func() {
		cancel()
		<-done
	}
}

func TestNewWatcher(t *testing.T) {
	t.Run("requires a path", func(t *testing.T) {
		if _, err := NewWatcher("", nil); err == nil {
			t.Fatal("expected error for empty config path")
		}
	})

	t.Run("applies options", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rexsync.yaml")
		writeConfig(t, path, "log:\n  level: info\n")

		w, err := NewWatcher(path, nil, WithDebounce(20*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher() error = %v", err)
		}
		defer w.Stop()

		if w.debounce != 20*time.Millisecond {
			t.Errorf("expected 20ms debounce, got %v", w.debounce)
		}
		if w.ConfigPath() != path {
			t.Errorf("expected %s, got %s", path, w.ConfigPath())
		}
	})
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rexsync.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(path, NewLoader(), WithDebounce(20*time.Millisecond),
		WithOverrides(map[string]interface{}{"server.port": 9200}))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	got := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { got <- cfg })

	stop := startWatcher(t, w)
	defer stop()

	writeConfig(t, path, "log:\n  level: debug\norchestration:\n  min_refresh_interval: 1s\n")

	select {
	case cfg := <-got:
		if cfg.Log.Level != "debug" {
			t.Errorf("expected debug level, got %s", cfg.Log.Level)
		}
		if cfg.Orchestration.MinRefreshInterval != time.Second {
			t.Errorf("expected 1s, got %v", cfg.Orchestration.MinRefreshInterval)
		}
		if cfg.Server.Port != 9200 {
			t.Errorf("overrides must survive reloads, got port %d", cfg.Server.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_InvalidConfigIsNotDelivered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rexsync.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(path, nil, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	got := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { got <- cfg })

	stop := startWatcher(t, w)
	defer stop()

	writeConfig(t, path, "log:\n  level: shouting\n")

	select {
	case cfg := <-got:
		t.Fatalf("invalid config delivered: %+v", cfg.Log)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rexsync.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(path, nil, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	got := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { got <- cfg })

	stop := startWatcher(t, w)
	defer stop()

	writeConfig(t, filepath.Join(dir, "other.yaml"), "log:\n  level: debug\n")

	select {
	case <-got:
		t.Fatal("sibling file triggered a reload")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_CallbackPanicIsContained(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rexsync.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(path, nil, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	got := make(chan *Config, 4)
	w.OnChange(func(*Config) { panic("boom") })
	w.OnChange(func(cfg *Config) { got <- cfg })

	stop := startWatcher(t, w)
	defer stop()

	writeConfig(t, path, "log:\n  level: warn\n")

	select {
	case cfg := <-got:
		if cfg.Log.Level != "warn" {
			t.Errorf("expected warn, got %s", cfg.Log.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second callback was not invoked")
	}
}

func TestWatcher_StopAndRunningState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rexsync.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !w.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !w.IsRunning() {
		t.Fatal("expected watcher to be running")
	}
	if err := w.Watch(context.Background()); err == nil {
		t.Error("expected error on second Watch")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil from Watch after Stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after Stop")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestWatcher_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rexsync.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Watch(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHotReloadable(t *testing.T) {
	a := ExtractHotReloadable(DefaultConfig())
	b := a
	if a.Changed(b) {
		t.Error("identical settings reported as changed")
	}
	b.MinRefreshInterval = time.Second
	if !a.Changed(b) {
		t.Error("expected change on refresh interval")
	}
}
