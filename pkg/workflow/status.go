package workflow

import (
	"encoding/json"
	"fmt"
)

// Status represents the overall state of a workflow run.
type Status string

const (
	// StatusNotStarted indicates the run has been created but not yet begun.
	StatusNotStarted Status = "not_started"

	// StatusValidating indicates the workflow definition is being validated.
	StatusValidating Status = "validating"

	// StatusScheduled indicates execution batches have been computed.
	StatusScheduled Status = "scheduled"

	// StatusExecuting indicates steps are currently running.
	StatusExecuting Status = "executing"

	// StatusRecovering indicates a failed step is being retried under a
	// recovery strategy.
	StatusRecovering Status = "recovering"

	// StatusAwaitingIntervention indicates execution is suspended until a
	// pending manual intervention is resolved.
	StatusAwaitingIntervention Status = "awaiting_intervention"

	// StatusRollingBack indicates compensating steps are running.
	StatusRollingBack Status = "rolling_back"

	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"

	// StatusRolledBack indicates the run was unwound by a rollback.
	StatusRolledBack Status = "rolled_back"

	// StatusAborted indicates the run was terminated without rollback.
	StatusAborted Status = "aborted"

	// StatusFailed indicates the run finished with unrecovered step failures.
	StatusFailed Status = "failed"
)

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRolledBack ||
		s == StatusAborted || s == StatusFailed
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusNotStarted, StatusValidating, StatusScheduled, StatusExecuting,
		StatusRecovering, StatusAwaitingIntervention, StatusRollingBack,
		StatusCompleted, StatusRolledBack, StatusAborted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid workflow status: %s", s)
	}
}

// StepStatus represents the execution state of a single step.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting to execute.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed successfully.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed after all recovery attempts.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was skipped (unmet condition or
	// failed dependency).
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// BackoffStrategy represents the shape of the retry delay curve.
type BackoffStrategy string

const (
	// BackoffFixed waits the base delay before every retry.
	BackoffFixed BackoffStrategy = "fixed"

	// BackoffLinear multiplies the base delay by the attempt number.
	BackoffLinear BackoffStrategy = "linear"

	// BackoffExponential multiplies the base delay by multiplier^(attempt-1).
	BackoffExponential BackoffStrategy = "exponential"
)

// Validate checks if the backoff strategy is valid.
func (b BackoffStrategy) Validate() error {
	switch b {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return nil
	default:
		return fmt.Errorf("invalid backoff strategy: %s", b)
	}
}

// ConditionType represents the predicate kind guarding a step.
type ConditionType string

const (
	// ConditionAlways runs the step unconditionally.
	ConditionAlways ConditionType = "always"

	// ConditionNever skips the step unconditionally.
	ConditionNever ConditionType = "never"

	// ConditionOnSuccess runs the step only if all dependencies succeeded.
	// This is the default when no condition is declared.
	ConditionOnSuccess ConditionType = "on_success"

	// ConditionVariableSet runs the step only if the named run variable is
	// set to a non-empty value.
	ConditionVariableSet ConditionType = "variable_set"
)

// Validate checks if the condition type is valid.
func (c ConditionType) Validate() error {
	switch c {
	case ConditionAlways, ConditionNever, ConditionOnSuccess, ConditionVariableSet:
		return nil
	default:
		return fmt.Errorf("invalid condition type: %s", c)
	}
}

// RecoveryType represents the recovery strategy chosen for a failed step.
type RecoveryType string

const (
	// RecoveryRetry re-attempts the failed step in place.
	RecoveryRetry RecoveryType = "retry"

	// RecoverySkip records the failure and continues without the step.
	RecoverySkip RecoveryType = "skip"

	// RecoveryRollback hands control to the rollback manager.
	RecoveryRollback RecoveryType = "rollback"

	// RecoveryManual suspends execution until an operator decides.
	RecoveryManual RecoveryType = "manual"

	// RecoveryAbort terminates the run immediately.
	RecoveryAbort RecoveryType = "abort"
)

// Validate checks if the recovery type is valid.
func (r RecoveryType) Validate() error {
	switch r {
	case RecoveryRetry, RecoverySkip, RecoveryRollback, RecoveryManual, RecoveryAbort:
		return nil
	default:
		return fmt.Errorf("invalid recovery type: %s", r)
	}
}

// RollbackType represents the kind of compensating action a rollback step
// performs.
type RollbackType string

const (
	// RollbackStateRestore restores a state snapshot via the state backend.
	RollbackStateRestore RollbackType = "state_restore"

	// RollbackResourceDestroy destroys resources created by the workflow.
	RollbackResourceDestroy RollbackType = "resource_destroy"

	// RollbackConfigurationRevert reverts configuration changes.
	RollbackConfigurationRevert RollbackType = "configuration_revert"

	// RollbackCleanup removes temporary artifacts.
	RollbackCleanup RollbackType = "cleanup"

	// RollbackValidation verifies the post-rollback state.
	RollbackValidation RollbackType = "validation"

	// RollbackCustom delegates to an opaque backend operation.
	RollbackCustom RollbackType = "custom"
)

// Validate checks if the rollback type is valid.
func (r RollbackType) Validate() error {
	switch r {
	case RollbackStateRestore, RollbackResourceDestroy, RollbackConfigurationRevert,
		RollbackCleanup, RollbackValidation, RollbackCustom:
		return nil
	default:
		return fmt.Errorf("invalid rollback type: %s", r)
	}
}

// RollbackPriority orders rollback steps within a plan.
type RollbackPriority string

const (
	// PriorityCritical steps run first; their failure aborts the plan.
	PriorityCritical RollbackPriority = "critical"

	// PriorityHigh steps run after critical steps.
	PriorityHigh RollbackPriority = "high"

	// PriorityMedium is the default priority.
	PriorityMedium RollbackPriority = "medium"

	// PriorityLow steps run last.
	PriorityLow RollbackPriority = "low"
)

// Rank returns the numeric ordering of the priority (lower runs first).
func (p RollbackPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Validate checks if the rollback priority is valid.
func (p RollbackPriority) Validate() error {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return nil
	default:
		return fmt.Errorf("invalid rollback priority: %s", p)
	}
}

// RollbackStrategyType governs how and when compensating steps run.
type RollbackStrategyType string

const (
	// RollbackAutomatic runs the plan immediately when triggered.
	RollbackAutomatic RollbackStrategyType = "automatic"

	// RollbackManualConfirm requires operator confirmation before running.
	RollbackManualConfirm RollbackStrategyType = "manual"

	// RollbackSelective runs only steps matching the failure's affected
	// resources.
	RollbackSelective RollbackStrategyType = "selective"

	// RollbackProgressive rolls back one step at a time in reverse
	// completion order, re-evaluating state after each.
	RollbackProgressive RollbackStrategyType = "progressive"
)

// Validate checks if the rollback strategy type is valid.
func (r RollbackStrategyType) Validate() error {
	switch r {
	case RollbackAutomatic, RollbackManualConfirm, RollbackSelective, RollbackProgressive:
		return nil
	default:
		return fmt.Errorf("invalid rollback strategy type: %s", r)
	}
}

// RollbackTrigger identifies what caused a rollback.
type RollbackTrigger string

const (
	// TriggerStepFailure indicates an unrecoverable step failure.
	TriggerStepFailure RollbackTrigger = "step_failure"

	// TriggerTimeout indicates the workflow exceeded its deadline.
	TriggerTimeout RollbackTrigger = "timeout"

	// TriggerResourceError indicates a resource-level error.
	TriggerResourceError RollbackTrigger = "resource_error"

	// TriggerStateInconsistency indicates the recorded state diverged from
	// the observed state.
	TriggerStateInconsistency RollbackTrigger = "state_inconsistency"

	// TriggerManualRequest indicates an operator requested the rollback.
	TriggerManualRequest RollbackTrigger = "manual_request"
)

// Validate checks if the rollback trigger is valid.
func (t RollbackTrigger) Validate() error {
	switch t {
	case TriggerStepFailure, TriggerTimeout, TriggerResourceError,
		TriggerStateInconsistency, TriggerManualRequest:
		return nil
	default:
		return fmt.Errorf("invalid rollback trigger: %s", t)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}
