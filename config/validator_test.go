package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateWithDetails(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing app name", func(c *Config) { c.App.Name = "" }, "Config.App.Name"},
		{"unknown environment", func(c *Config) { c.App.Environment = "qa" }, "Config.App.Environment"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "Config.Log.Level"},
		{"relative directory url", func(c *Config) { c.Engine.DirectoryURL = "directory" }, "Config.Engine.DirectoryURL"},
		{"zero retry attempts", func(c *Config) { c.Engine.Retry.MaxAttempts = 0 }, "Config.Engine.Retry.MaxAttempts"},
		{"negative refresh interval", func(c *Config) { c.Orchestration.MinRefreshInterval = -time.Second }, "Config.Orchestration.MinRefreshInterval"},
		{"zero concurrency", func(c *Config) { c.Orchestration.MaxConcurrency = 0 }, "Config.Orchestration.MaxConcurrency"},
		{"unknown events type", func(c *Config) { c.Events.Type = "kafka" }, "Config.Events.Type"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "Config.Server.Port"},
		{"sample rate above one", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "Config.Tracing.SampleRate"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Endpoint = "" }, "Config.Tracing.Endpoint"},
		{"redis store without address", func(c *Config) { c.Store.Type = "redis"; c.Redis.Address = "" }, "Config.Redis.Address"},
		{"redis events without address", func(c *Config) { c.Events.Type = "redis"; c.Redis.Address = "" }, "Config.Redis.Address"},
		{"badger without path", func(c *Config) { c.Store.Type = "badger"; c.Store.Badger.Path = "" }, "Config.Store.Badger.Path"},
		{"max backoff below initial", func(c *Config) { c.Engine.Retry.MaxBackoff = time.Millisecond }, "Config.Engine.Retry.MaxBackoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := ValidateWithDetails(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var details ValidationErrors
			if !errors.As(err, &details) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			if !details.Has(tt.field) {
				t.Errorf("expected failure on %s, got %v", tt.field, details)
			}
		})
	}
}

func TestValidateWithDetails_InMemoryBadgerNeedsNoPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "badger"
	cfg.Store.Badger.Path = ""
	cfg.Store.Badger.InMemory = true

	if err := ValidateWithDetails(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "no validation errors" {
		t.Errorf("unexpected empty message %q", got)
	}

	errs := ValidationErrors{
		{Field: "Config.Server.Port", Message: "must be at most 65535", Value: 70000},
		{Field: "Config.Log.Level", Message: "must be one of [debug info warn error]", Value: "loud"},
	}
	msg := errs.Error()
	for _, want := range []string{"Config.Server.Port", "got 70000", "Config.Log.Level"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}
