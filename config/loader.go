package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "REXSYNC_"
	// Delimiter separates nested keys.
	Delimiter = "."
)

// nestedEnvSections lists sub-sections whose names may appear after the
// top-level section in an environment variable, e.g. REXSYNC_ENGINE_RETRY_MAX_ATTEMPTS.
var nestedEnvSections = map[string][]string{
	"engine": {"retry"},
	"store":  {"badger"},
}

// Loader reads configuration from defaults, a file, the environment and
// explicit overrides, in increasing priority.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load builds a validated Config. An empty configPath searches the
// standard locations and tolerates none being present.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	l.k = koanf.New(Delimiter)

	if err := l.k.Load(confmap.Provider(structToMap(DefaultConfig(), ""), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := l.loadFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else if err := l.loadDefaultFiles(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not found: %s", path)
	}
	return l.k.Load(file.Provider(path), parser)
}

// loadDefaultFiles loads the first config file found in the standard
// locations. A file that exists but fails to parse is an error.
func (l *Loader) loadDefaultFiles() error {
	for _, path := range []string{
		"rexsync.yaml",
		"rexsync.yml",
		"rexsync.json",
		"configs/rexsync.yaml",
		"/etc/rexsync/rexsync.yaml",
	} {
		if _, err := os.Stat(path); err == nil {
			return l.loadFile(path)
		}
	}
	return nil
}

// envKey maps REXSYNC_ENGINE_RETRY_MAX_ATTEMPTS to engine.retry.max_attempts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	for _, sub := range nestedEnvSections[section] {
		if strings.HasPrefix(rest, sub+"_") {
			return section + Delimiter + sub + Delimiter + strings.TrimPrefix(rest, sub+"_")
		}
	}
	return section + Delimiter + rest
}

// Get returns a raw value by key.
func (l *Loader) Get(key string) interface{} {
	return l.k.Get(key)
}

// Print returns the merged key/value view for debugging.
func (l *Loader) Print() string {
	return l.k.Sprint()
}

// structToMap flattens a struct into dot-separated keys using its
// mapstructure tags.
func structToMap(v interface{}, prefix string) map[string]interface{} {
	result := make(map[string]interface{})
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return result
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + Delimiter + key
		}

		fv := val.Field(i)
		switch {
		case fv.Type() == reflect.TypeOf(time.Duration(0)):
			result[key] = fv.Interface().(time.Duration).String()
		case fv.Kind() == reflect.Struct:
			for k, nested := range structToMap(fv.Interface(), key) {
				result[k] = nested
			}
		case fv.Kind() == reflect.Map && fv.IsNil():
			// leave unset so files and env can populate it
		default:
			result[key] = fv.Interface()
		}
	}
	return result
}

// Load is a convenience wrapper around NewLoader().Load.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
