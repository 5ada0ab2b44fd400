package entity

import "fmt"

// DefaultFieldErrorMessage is reported when the engine rejects a field
// without explaining why.
const DefaultFieldErrorMessage = "No details provided"

// FieldError is one rejected field of a validation.
type FieldError struct {
	Message   string    `json:"message"`
	Validator Validator `json:"validator"`
}

// ErrorDetail describes one failed item of a batched task operation.
// When FieldErrors is non-empty the detail is a validation failure for
// (InstanceID, TaskID); otherwise it is a generic message.
type ErrorDetail struct {
	Message     string                `json:"message"`
	InstanceID  string                `json:"instance_id,omitempty"`
	TaskID      string                `json:"task_id,omitempty"`
	FieldErrors map[string]FieldError `json:"field_errors,omitempty"`
}

// NewValidationErrorDetail creates an empty validation detail for a task.
func NewValidationErrorDetail(instanceID, taskID string) ErrorDetail {
	return ErrorDetail{
		Message:     "validation errors",
		InstanceID:  instanceID,
		TaskID:      taskID,
		FieldErrors: make(map[string]FieldError),
	}
}

// AddFieldError records the rejection of one field.
func (e *ErrorDetail) AddFieldError(fieldID, message string, v Validator) {
	if e.FieldErrors == nil {
		e.FieldErrors = make(map[string]FieldError)
	}
	if message == "" {
		message = DefaultFieldErrorMessage
	}
	e.FieldErrors[fieldID] = FieldError{Message: message, Validator: v}
}

// IsValidation reports whether e carries field-level errors.
func (e ErrorDetail) IsValidation() bool {
	return len(e.FieldErrors) > 0
}

func (e ErrorDetail) Error() string {
	if e.IsValidation() {
		return fmt.Sprintf("validation failed for %s/%s: %d field(s)", e.InstanceID, e.TaskID, len(e.FieldErrors))
	}
	return e.Message
}

// TaskOperationResult is the outcome of a batched task operation. It is
// never all-or-nothing: successes and failures are reported side by side.
type TaskOperationResult struct {
	Successful []*Task       `json:"successful"`
	Errors     []ErrorDetail `json:"errors"`
}

// NewTaskOperationResult returns an empty result.
func NewTaskOperationResult() *TaskOperationResult {
	return &TaskOperationResult{
		Successful: []*Task{},
		Errors:     []ErrorDetail{},
	}
}

// Merge appends other's successes and errors to r.
func (r *TaskOperationResult) Merge(other *TaskOperationResult) {
	if other == nil {
		return
	}
	r.Successful = append(r.Successful, other.Successful...)
	r.Errors = append(r.Errors, other.Errors...)
}

// AddError appends a generic error for an instance/task.
func (r *TaskOperationResult) AddError(instanceID, taskID, message string) {
	r.Errors = append(r.Errors, ErrorDetail{
		Message:    message,
		InstanceID: instanceID,
		TaskID:     taskID,
	})
}
