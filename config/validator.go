package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

var environments = []string{"development", "staging", "production"}

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("env", validateEnvironment)
}

// ConfigError is a validation failure of a single field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every field failure.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateWithDetails runs tag validation and the cross-section rules,
// returning ValidationErrors on failure.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}
	details = append(details, crossCheck(cfg)...)
	if len(details) > 0 {
		return details
	}
	return nil
}

func crossCheck(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	needsRedis := cfg.Store.Type == "redis" || cfg.Events.Type == "redis"
	if needsRedis && cfg.Redis.Address == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Redis.Address",
			Message: "required when store or events use redis",
			Value:   cfg.Redis.Address,
		})
	}
	if cfg.Store.Type == "badger" && cfg.Store.Badger.Path == "" && !cfg.Store.Badger.InMemory {
		errs = append(errs, ConfigError{
			Field:   "Config.Store.Badger.Path",
			Message: "required unless in_memory is set",
			Value:   cfg.Store.Badger.Path,
		})
	}
	if r := cfg.Engine.Retry; r.MaxBackoff > 0 && r.MaxBackoff < r.InitialBackoff {
		errs = append(errs, ConfigError{
			Field:   "Config.Engine.Retry.MaxBackoff",
			Message: "must not be below initial_backoff",
			Value:   r.MaxBackoff,
		})
	}
	return errs
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_if":
		return fmt.Sprintf("required when %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		return "must be an absolute URL"
	case "env":
		return fmt.Sprintf("must be one of [%s]", strings.Join(environments, " "))
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	for _, valid := range environments {
		if env == valid {
			return true
		}
	}
	return false
}
