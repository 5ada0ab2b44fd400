package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInstanceNotFound is returned when the engine no longer knows an instance.
var ErrInstanceNotFound = errors.New("instance not found on engine")

// UnreachableError indicates that a remote call could not be completed:
// connection failure, per-call timeout or exhausted retries.
type UnreachableError struct {
	Endpoint  string
	Operation string
	Cause     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("bridge unreachable: %s at %s: %v", e.Operation, e.Endpoint, e.Cause)
}

func (e *UnreachableError) Unwrap() error { return e.Cause }

// EngineError carries the errors[] of a GraphQL answer. The engine was
// reached and understood the request but refused it.
type EngineError struct {
	Endpoint  string
	Operation string
	Messages  []string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine rejected %s at %s: %s", e.Operation, e.Endpoint, strings.Join(e.Messages, "; "))
}

// ContractViolationError indicates a malformed or incomplete engine response.
type ContractViolationError struct {
	Operation string
	Detail    string
	Cause     error
}

func (e *ContractViolationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("contract violation in %s: %s: %v", e.Operation, e.Detail, e.Cause)
	}
	return fmt.Sprintf("contract violation in %s: %s", e.Operation, e.Detail)
}

func (e *ContractViolationError) Unwrap() error { return e.Cause }

// IsUnreachable reports whether err is (or wraps) an UnreachableError.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// IsEngineError reports whether err is (or wraps) an EngineError.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// IsContractViolation reports whether err is (or wraps) a ContractViolationError.
func IsContractViolation(err error) bool {
	var cv *ContractViolationError
	return errors.As(err, &cv)
}

// IsInstanceNotFound reports whether err signals an instance the engine dropped.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// serverError is a 5xx answer; it is the only retryable failure.
type serverError struct {
	StatusCode int
	Body       string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("engine returned HTTP %d: %s", e.StatusCode, e.Body)
}

func isServerError(err error) bool {
	var se *serverError
	return errors.As(err, &se)
}
