package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed classification of engine failures. Recovery logic
// matches on kind and code rather than message text.
type ErrorKind string

const (
	// KindValidation indicates a malformed workflow definition. Fatal
	// before execution starts.
	KindValidation ErrorKind = "validation"

	// KindExecution wraps an operation backend failure with its code.
	KindExecution ErrorKind = "execution"

	// KindRecoveryExhausted indicates the retry executor spent all
	// configured attempts.
	KindRecoveryExhausted ErrorKind = "recovery_exhausted"

	// KindInterventionRequired indicates a suspended manual-intervention
	// state reported through the run result.
	KindInterventionRequired ErrorKind = "intervention_required"

	// KindRollbackStep indicates a compensating step failed. Collected
	// into the rollback result, never fatal on its own.
	KindRollbackStep ErrorKind = "rollback_step"

	// KindCheckpointIO indicates a checkpoint could not be written or
	// read. Fatal: resumability is never silently lost.
	KindCheckpointIO ErrorKind = "checkpoint_io"
)

// Error represents a classified workflow failure with structured context.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable failure message.
	Message string `json:"message"`

	// Code is the error code used for recovery classification.
	Code string `json:"code,omitempty"`

	// Step is the step name the failure belongs to, if applicable.
	Step string `json:"step,omitempty"`

	// Operation is the backend command being performed, if applicable.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Kind, e.Message)
	if e.Step != "" {
		fmt.Fprintf(&sb, " (step=%s", e.Step)
		if e.Operation != "" {
			fmt.Fprintf(&sb, ", operation=%s", e.Operation)
		}
		sb.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithStep adds step context to the error.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewValidationError creates a validation-kind error.
func NewValidationError(message string, err error) *Error {
	return &Error{Kind: KindValidation, Message: message, Code: CodeValidation, Err: err}
}

// NewExecutionError creates an execution-kind error.
func NewExecutionError(message string, err error) *Error {
	return &Error{Kind: KindExecution, Message: message, Err: err}
}

// NewRollbackStepError creates a rollback-step-kind error.
func NewRollbackStepError(message string, err error) *Error {
	return &Error{Kind: KindRollbackStep, Message: message, Err: err}
}

// NewCheckpointIOError creates a checkpoint-io-kind error.
func NewCheckpointIOError(message string, err error) *Error {
	return &Error{Kind: KindCheckpointIO, Message: message, Code: CodeCheckpointIO, Err: err}
}

// NewInterventionRequiredError creates an intervention-required-kind error.
func NewInterventionRequiredError(message string) *Error {
	return &Error{Kind: KindInterventionRequired, Message: message}
}

// IsKind returns true if the error chain contains a workflow error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrorCode extracts the classification code from an error chain. Returns
// empty when the chain carries no classified error.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError converts any error into a classified workflow error, wrapping
// unclassified errors as execution failures with an unknown code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewExecutionError(err.Error(), err).WithCode(CodeUnknown)
}

// RecoveryExhaustedError is raised by the retry executor after the configured
// attempts are spent. It carries every attempt's failure for diagnosis.
type RecoveryExhaustedError struct {
	// StepName is the step whose retries were exhausted.
	StepName string

	// Attempts is the number of attempts made.
	Attempts int

	// AttemptErrors are the failure messages of every attempt, in order.
	AttemptErrors []string

	// LastErr is the final attempt's error.
	LastErr error
}

// Error implements the error interface.
func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempts: %s",
		e.StepName, e.Attempts, strings.Join(e.AttemptErrors, "; "))
}

// Unwrap returns the final attempt's error.
func (e *RecoveryExhaustedError) Unwrap() error {
	return e.LastErr
}

// Error codes recognized by the recovery classification policy.
const (
	CodeNetworkError         = "NETWORK_ERROR"
	CodeTimeout              = "TIMEOUT_ERROR"
	CodeTemporaryFailure     = "TEMPORARY_FAILURE"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeResourceConflict     = "RESOURCE_CONFLICT"
	CodeStateLock            = "STATE_LOCK_ERROR"
	CodeConfiguration        = "CONFIGURATION_ERROR"
	CodeValidation           = "VALIDATION_ERROR"
	CodeCyclicDependency     = "CYCLIC_DEPENDENCY"
	CodeDependencyFailed     = "DEPENDENCY_FAILED"
	CodeInterventionNotFound = "INTERVENTION_NOT_FOUND"
	CodeCheckpointNotFound   = "CHECKPOINT_NOT_FOUND"
	CodeCheckpointIO         = "CHECKPOINT_IO_ERROR"
	CodeRecoveryExhausted    = "RECOVERY_EXHAUSTED"
	CodeInternal             = "INTERNAL_ERROR"
	CodeUnknown              = "UNKNOWN_ERROR"
)
