package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexsync/rexsync/config"
	"github.com/rexsync/rexsync/pkg/logger"
)

// newDirectory serves an empty deployment map.
func newDirectory(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"wf_map": {}}`)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.DirectoryURL = newDirectory(t).URL
	cfg.Metrics.Enabled = true
	cfg.Orchestration.RefreshPeriod = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestBuildOverrides(t *testing.T) {
	got := buildOverrides(options{
		port:         9000,
		logLevel:     "warn",
		directoryURL: "http://dir",
		storeType:    "redis",
		eventsType:   "redis",
	})
	assert.Equal(t, map[string]interface{}{
		"server.port":          9000,
		"log.level":            "warn",
		"engine.directory_url": "http://dir",
		"store.type":           "redis",
		"events.type":          "redis",
	}, got)

	got = buildOverrides(options{logLevel: "warn", debug: true})
	assert.Equal(t, "debug", got["log.level"])

	assert.Empty(t, buildOverrides(options{}))
}

func TestRun_InfoFlags(t *testing.T) {
	var out, errOut bytes.Buffer

	assert.Equal(t, 0, run(context.Background(), []string{"-version"}, &out, &errOut))
	assert.True(t, strings.HasPrefix(out.String(), "rexsync "))

	out.Reset()
	assert.Equal(t, 0, run(context.Background(), []string{"-help"}, &out, &errOut))
	assert.Contains(t, out.String(), "cancel-workflows")
}

func TestRun_Errors(t *testing.T) {
	var out, errOut bytes.Buffer

	assert.Equal(t, 2, run(context.Background(), []string{"-no-such-flag"}, &out, &errOut))

	errOut.Reset()
	assert.Equal(t, 2, run(context.Background(), []string{"explode"}, &out, &errOut))
	assert.Contains(t, errOut.String(), `unknown command "explode"`)

	errOut.Reset()
	assert.Equal(t, 1, run(context.Background(), []string{"-log-level", "shouting", "refresh-workflows"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Config.Log.Level")
}

func TestRun_RefreshWorkflows(t *testing.T) {
	t.Cleanup(func() { logger.SetGlobal(logger.Nop()) })
	dir := newDirectory(t)

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{
		"-directory-url", dir.URL,
		"-store", "memory",
		"-log-level", "error",
		"refresh-workflows",
	}, &out, &errOut)

	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Refreshing workflows")
	assert.Contains(t, out.String(), `"report"`)
	assert.Contains(t, out.String(), `"active": []`)
}

func TestRefreshWorkflows_DirectoryDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.DirectoryURL = "http://127.0.0.1:1"

	var out bytes.Buffer
	err := refreshWorkflows(context.Background(), cfg, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh")
}

func TestCancelWorkflows(t *testing.T) {
	t.Run("refused outside development", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.App.Environment = "production"

		err := cancelWorkflows(context.Background(), cfg, io.Discard)
		assert.ErrorIs(t, err, errNotDevelopment)
	})

	t.Run("nothing to cancel", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, cancelWorkflows(context.Background(), testConfig(t), &out))
		assert.Contains(t, out.String(), "0 workflows canceled")
	})
}

func TestNewApp_Backends(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"memory and local", func(*config.Config) {}},
		{"badger in memory", func(c *config.Config) {
			c.Store.Type = "badger"
			c.Store.Badger.InMemory = true
		}},
		{"redis store and events", func(c *config.Config) {
			c.Store.Type = "redis"
			c.Events.Type = "redis"
			c.Redis.Address = mr.Addr()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			a, err := newApp(context.Background(), cfg)
			require.NoError(t, err)
			assert.NoError(t, a.api.Healthy(context.Background()))
			assert.NoError(t, a.close(context.Background()))
		})
	}
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Type = "redis"
	cfg.Redis.Address = "127.0.0.1:1"

	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to redis")
}

func TestOpenBackends_UnknownType(t *testing.T) {
	_, err := openStore(config.StoreConfig{Type: "etcd"}, nil)
	assert.Error(t, err)

	_, err = openEvents(context.Background(), config.EventsConfig{Type: "kafka"}, nil)
	assert.Error(t, err)
}

func TestHotReload(t *testing.T) {
	t.Cleanup(func() { logger.SetGlobal(logger.Nop()) })
	logger.SetGlobal(logger.NewWithWriter(io.Discard, "text", logger.InfoLevel, nil))

	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close(context.Background())

	apply := hotReload(a, config.ExtractHotReloadable(cfg))

	next := *cfg
	next.Log.Level = "debug"
	next.Orchestration.MinRefreshInterval = 2 * time.Second
	apply(&next)

	assert.Equal(t, 2*time.Second, a.api.MinRefreshInterval())
	assert.Equal(t, logger.DebugLevel, logger.Global().GetLevel())
}

func TestServe_StartsAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Orchestration.RefreshPeriod = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, "", nil) }()

	base := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(base + "/metrics")
		if err != nil {
			return false
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), "refresh_sweeps_total")
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	err = serve(context.Background(), cfg, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}
