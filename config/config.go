// Package config loads and validates rexsync configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app" validate:"required"`
	Log           LogConfig           `mapstructure:"log" validate:"required"`
	Engine        EngineConfig        `mapstructure:"engine" validate:"required"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Store         StoreConfig         `mapstructure:"store"`
	Events        EventsConfig        `mapstructure:"events"`

	// Redis is shared by the redis store and the redis event manager.
	Redis RedisConfig `mapstructure:"redis"`

	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment" validate:"env"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output"`
}

// EngineConfig describes how rexsync reaches the workflow engines.
type EngineConfig struct {
	// DirectoryURL is the host serving the deployment map.
	DirectoryURL     string        `mapstructure:"directory_url" validate:"required,url"`
	DirectoryPath    string        `mapstructure:"directory_path"`
	DirectoryTimeout time.Duration `mapstructure:"directory_timeout" validate:"min=0"`

	// CallbackURL is passed to engines when an instance is started.
	CallbackURL string `mapstructure:"callback_url" validate:"omitempty,url"`

	GraphQLPath      string        `mapstructure:"graphql_path"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" validate:"min=0"`

	// RequestsPerSecond limits calls per engine endpoint; zero disables it.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
	Burst             int     `mapstructure:"burst" validate:"min=0"`

	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig configures retries of engine calls.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"min=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"min=0"`
	Multiplier     float64       `mapstructure:"multiplier" validate:"min=1"`
}

// OrchestrationConfig tunes the orchestration API.
type OrchestrationConfig struct {
	// MinRefreshInterval debounces engine refreshes per instance.
	MinRefreshInterval time.Duration `mapstructure:"min_refresh_interval" validate:"min=0"`

	// RefreshPeriod is the background sweep period; zero disables the sweep.
	RefreshPeriod time.Duration `mapstructure:"refresh_period" validate:"min=0"`

	MaxConcurrency    int `mapstructure:"max_concurrency" validate:"min=1"`
	StartPollAttempts int `mapstructure:"start_poll_attempts" validate:"min=0"`
}

// StoreConfig selects the workflow cache backend.
type StoreConfig struct {
	Type      string       `mapstructure:"type" validate:"oneof=memory badger redis"`
	KeyPrefix string       `mapstructure:"key_prefix"`
	Badger    BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB settings.
type BadgerConfig struct {
	Path              string `mapstructure:"path"`
	InMemory          bool   `mapstructure:"in_memory"`
	SyncWrites        bool   `mapstructure:"sync_writes"`
	ValueLogFileSize  int64  `mapstructure:"value_log_file_size" validate:"min=0"`
	NumVersionsToKeep int    `mapstructure:"num_versions_to_keep" validate:"min=0"`
}

// EventsConfig selects the event manager.
type EventsConfig struct {
	Type        string        `mapstructure:"type" validate:"oneof=local redis"`
	MailboxSize int           `mapstructure:"mailbox_size" validate:"min=1"`
	Channel     string        `mapstructure:"channel"`
	KeepAlive   time.Duration `mapstructure:"keep_alive" validate:"min=0"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"min=0"`
}

// RedisConfig holds the Redis connection.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// TracingConfig holds OTLP tracing settings.
type TracingConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Endpoint   string            `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	Insecure   bool              `mapstructure:"insecure"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout" validate:"min=0"`
	Sampler    string            `mapstructure:"sampler" validate:"oneof=always_on always_off parentbased_traceidratio"`
	SampleRate float64           `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	return ValidateWithDetails(c)
}

// String returns a summary without credentials.
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Env: %s, Store: %s, Events: %s, Server: %s}",
		c.App.Name, c.App.Environment, c.Store.Type, c.Events.Type, c.Server.Addr())
}
