package config

import "time"

// DefaultConfig returns a Config with defaults for every field.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "rexsync",
			Environment: "development",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Engine: EngineConfig{
			DirectoryURL:      "http://localhost:8000",
			DirectoryPath:     "/wf_map",
			DirectoryTimeout:  10 * time.Second,
			GraphQLPath:       "/graphql",
			ExecutionTimeout:  10 * time.Second,
			RequestsPerSecond: 0,
			Burst:             0,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				Multiplier:     2.0,
			},
		},
		Orchestration: OrchestrationConfig{
			MinRefreshInterval: 10 * time.Second,
			RefreshPeriod:      30 * time.Second,
			MaxConcurrency:     16,
			StartPollAttempts:  5,
		},
		Store: StoreConfig{
			Type:      "memory",
			KeyPrefix: "rexsync:",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  256 << 20,
				NumVersionsToKeep: 1,
			},
		},
		Events: EventsConfig{
			Type:        "local",
			MailboxSize: 256,
			Channel:     "rexsync:events",
			KeepAlive:   60 * time.Second,
			PollTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Insecure:   true,
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
