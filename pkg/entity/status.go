package entity

import "strings"

// WorkflowStatus is the engine-reported state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStarting  WorkflowStatus = "STARTING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowCanceled  WorkflowStatus = "CANCELED"
	WorkflowError     WorkflowStatus = "ERROR"
	WorkflowStopped   WorkflowStatus = "STOPPED"
	WorkflowStopping  WorkflowStatus = "STOPPING"
	WorkflowUnknown   WorkflowStatus = "UNKNOWN"
)

// ParseWorkflowStatus maps an engine status string onto WorkflowStatus.
// The legacy "START" value is reported as STARTING; anything unrecognised
// becomes UNKNOWN.
func ParseWorkflowStatus(s string) WorkflowStatus {
	switch st := WorkflowStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case WorkflowStarting, WorkflowRunning, WorkflowCompleted, WorkflowCanceled,
		WorkflowError, WorkflowStopped, WorkflowStopping, WorkflowUnknown:
		return st
	case "START":
		return WorkflowStarting
	default:
		return WorkflowUnknown
	}
}

// IsTerminal reports whether the engine will never move the instance again.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowCanceled, WorkflowError, WorkflowStopped:
		return true
	default:
		return false
	}
}

// TaskStatus is the availability of a task.
type TaskStatus string

const (
	TaskUp   TaskStatus = "UP"
	TaskDown TaskStatus = "DOWN"
)

// OperationStatus is the per-call outcome reported by the engine.
type OperationStatus string

const (
	OperationSuccess    OperationStatus = "SUCCESS"
	OperationFailure    OperationStatus = "FAILURE"
	OperationWithErrors OperationStatus = "WITH_ERRORS"
)

// ValidatorKind identifies a field validation rule.
type ValidatorKind string

const (
	ValidatorRequired   ValidatorKind = "REQUIRED"
	ValidatorRegex      ValidatorKind = "REGEX"
	ValidatorBoolean    ValidatorKind = "BOOLEAN"
	ValidatorInterval   ValidatorKind = "INTERVAL"
	ValidatorPercentage ValidatorKind = "PERCENTAGE"
	ValidatorPositive   ValidatorKind = "POSITIVE"
)

// DataType is the declared type of a task field.
type DataType string

const (
	DataCopy       DataType = "COPY"
	DataText       DataType = "TEXT"
	DataCurrency   DataType = "CURRENCY"
	DataInteger    DataType = "INTEGER"
	DataFloat      DataType = "FLOAT"
	DataBoolean    DataType = "BOOLEAN"
	DataPercentage DataType = "PERCENTAGE"
	DataTable      DataType = "TABLE"
	DataWorkflow   DataType = "WORKFLOW"
)

// TextVariant is a display hint for COPY/TEXT fields.
type TextVariant string

const (
	VariantBody1     TextVariant = "BODY1"
	VariantBody2     TextVariant = "BODY2"
	VariantH1        TextVariant = "H1"
	VariantH2        TextVariant = "H2"
	VariantH3        TextVariant = "H3"
	VariantH4        TextVariant = "H4"
	VariantH5        TextVariant = "H5"
	VariantH6        TextVariant = "H6"
	VariantSubtitle1 TextVariant = "SUBTITLE1"
	VariantSubtitle2 TextVariant = "SUBTITLE2"
)
