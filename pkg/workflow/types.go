package workflow

import (
	"time"
)

// Step represents one unit of work invoking an opaque external operation.
// Steps are immutable once a run starts.
type Step struct {
	// Name uniquely identifies the step within its workflow.
	Name string `json:"name"`

	// Description is the human-readable purpose of the step.
	Description string `json:"description"`

	// Command is the opaque operation identifier passed to the backend
	// (e.g. "plan", "apply", "destroy").
	Command string `json:"command"`

	// Args are positional arguments for the command.
	Args []string `json:"args,omitempty"`

	// Options are named options for the command.
	Options map[string]string `json:"options,omitempty"`

	// DependsOn lists step names that must reach a terminal outcome before
	// this step starts.
	DependsOn []string `json:"depends_on,omitempty"`

	// ParallelGroup is a scheduling hint grouping steps for reporting and
	// optimization. It never overrides a DependsOn edge.
	ParallelGroup string `json:"parallel_group,omitempty"`

	// Condition guards execution of the step. Nil means on_success.
	Condition *Condition `json:"condition,omitempty"`

	// Retry is the per-step retry policy. Nil means a single attempt.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// Timeout is the maximum duration for one attempt of this step.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Condition is a predicate evaluated at dispatch time. An unmet condition
// skips the step rather than failing it.
type Condition struct {
	// Type is the predicate kind.
	Type ConditionType `json:"type"`

	// Value is the predicate argument (e.g. a variable name for
	// variable_set).
	Value string `json:"value,omitempty"`
}

// RetryPolicy governs re-execution of a failed step.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `json:"max_attempts"`

	// Delay is the base delay between attempts.
	Delay time.Duration `json:"delay"`

	// Strategy is the backoff shape. Defaults to exponential.
	Strategy BackoffStrategy `json:"strategy,omitempty"`

	// BackoffMultiplier is the exponential growth factor. Defaults to 2.
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`

	// MaxDelay caps the computed delay. Defaults to 30s.
	MaxDelay time.Duration `json:"max_delay,omitempty"`

	// DisableJitter turns off the ±10% random jitter applied to delays.
	DisableJitter bool `json:"disable_jitter,omitempty"`

	// RetryOnCodes, when set, restricts retries to failures whose error
	// code is in the list. Any other code stops retrying immediately.
	RetryOnCodes []string `json:"retry_on_codes,omitempty"`
}

// Normalized returns a copy of the policy with defaults applied.
func (p RetryPolicy) Normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Strategy == "" {
		p.Strategy = BackoffExponential
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Definition is a named, ordered set of steps with dependency and rollback
// metadata. Definitions are data only; the engine never mutates them.
type Definition struct {
	// Name uniquely identifies the workflow.
	Name string `json:"name"`

	// Description is the human-readable purpose of the workflow.
	Description string `json:"description"`

	// Steps are the ordered workflow steps.
	Steps []Step `json:"steps"`

	// PreHooks run sequentially before the dependency graph, outside it.
	PreHooks []Step `json:"pre_hooks,omitempty"`

	// PostHooks run sequentially after the dependency graph, outside it.
	PostHooks []Step `json:"post_hooks,omitempty"`

	// RollbackSteps are the compensating steps available to the rollback
	// manager.
	RollbackSteps []RollbackStep `json:"rollback_steps,omitempty"`

	// RollbackStrategy governs how rollback steps run. Nil means automatic.
	RollbackStrategy *RollbackStrategy `json:"rollback_strategy,omitempty"`

	// Timeout is the overall deadline for one run of the workflow.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// StepNames returns the names of all steps in definition order.
func (d *Definition) StepNames() []string {
	names := make([]string, 0, len(d.Steps))
	for i := range d.Steps {
		names = append(names, d.Steps[i].Name)
	}
	return names
}

// FindStep returns the step with the given name, or nil.
func (d *Definition) FindStep(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// RollbackStrategy is the policy governing how and when compensating steps
// run after failure.
type RollbackStrategy struct {
	// Type selects the execution discipline.
	Type RollbackStrategyType `json:"type"`

	// Triggers restricts which failure causes activate the strategy.
	// Empty means all triggers.
	Triggers []RollbackTrigger `json:"triggers,omitempty"`
}

// RollbackStep is one compensating action in a rollback plan.
type RollbackStep struct {
	// Name uniquely identifies the rollback step.
	Name string `json:"name"`

	// Description is the human-readable purpose of the rollback step.
	Description string `json:"description,omitempty"`

	// Command is the opaque operation identifier for non-state-restore
	// rollback types.
	Command string `json:"command,omitempty"`

	// Args are positional arguments for the command.
	Args []string `json:"args,omitempty"`

	// Options are named options for the command. The "resource" option is
	// matched against affected resources under the selective strategy.
	Options map[string]string `json:"options,omitempty"`

	// Type is the kind of compensating action.
	Type RollbackType `json:"type"`

	// Priority orders the step within the plan (critical runs first).
	Priority RollbackPriority `json:"priority,omitempty"`

	// DependsOn lists rollback step names that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Timeout is the maximum duration for this rollback step.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RollbackPlan is an ordered set of compensating steps produced by the
// rollback manager for one trigger.
type RollbackPlan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// WorkflowName is the workflow being unwound.
	WorkflowName string `json:"workflow_name"`

	// Trigger is what caused the rollback.
	Trigger RollbackTrigger `json:"trigger"`

	// Reason is the human-readable trigger description.
	Reason string `json:"reason"`

	// Strategy is the execution discipline for this plan.
	Strategy RollbackStrategyType `json:"strategy"`

	// Steps are the compensating steps in execution order.
	Steps []RollbackStep `json:"steps"`

	// AffectedResources are the resources implicated by the failure.
	AffectedResources []string `json:"affected_resources,omitempty"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// RollbackStepResult records the outcome of one executed rollback step.
type RollbackStepResult struct {
	// Name is the rollback step name.
	Name string `json:"name"`

	// Type is the rollback step type.
	Type RollbackType `json:"type"`

	// Success indicates whether the step completed.
	Success bool `json:"success"`

	// Duration is the step execution time.
	Duration time.Duration `json:"duration"`

	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`
}

// RollbackResult is the outcome of executing a rollback plan.
type RollbackResult struct {
	// PlanID is the executed plan.
	PlanID string `json:"plan_id"`

	// WorkflowName is the workflow that was unwound.
	WorkflowName string `json:"workflow_name"`

	// Success indicates every step in the plan completed.
	Success bool `json:"success"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total rollback time.
	Duration time.Duration `json:"duration"`

	// StepResults records per-step outcomes in execution order.
	StepResults []RollbackStepResult `json:"step_results"`

	// FailedRollbackSteps lists the names of rollback steps that failed.
	FailedRollbackSteps []string `json:"failed_rollback_steps,omitempty"`

	// Errors are failure messages collected during execution.
	Errors []string `json:"errors,omitempty"`

	// Warnings are non-fatal issues collected during execution.
	Warnings []string `json:"warnings,omitempty"`

	// Aborted indicates a critical step failure stopped the remaining plan.
	Aborted bool `json:"aborted,omitempty"`
}

// RollbackHistoryEntry records one executed rollback. Entries are append-only.
type RollbackHistoryEntry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`

	// WorkflowName is the workflow that was rolled back.
	WorkflowName string `json:"workflow_name"`

	// Trigger is what caused the rollback.
	Trigger RollbackTrigger `json:"trigger"`

	// Reason is the human-readable trigger description.
	Reason string `json:"reason"`

	// Strategy is the discipline the plan ran under.
	Strategy RollbackStrategyType `json:"strategy"`

	// Result is the full execution outcome.
	Result RollbackResult `json:"result"`

	// Timestamp is when the rollback executed.
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint is a persisted snapshot of workflow progress enabling
// resumption. Checkpoints are immutable once written.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`

	// WorkflowName is the workflow the checkpoint belongs to.
	WorkflowName string `json:"workflowName"`

	// StepIndex is the definition index of the step active at snapshot time.
	StepIndex int `json:"stepIndex"`

	// StepName is the step active at snapshot time.
	StepName string `json:"stepName"`

	// Timestamp is when the checkpoint was taken.
	Timestamp time.Time `json:"timestamp"`

	// State is an opaque state snapshot.
	State map[string]any `json:"state,omitempty"`

	// CompletedSteps are the steps finished before the snapshot.
	CompletedSteps []string `json:"completedSteps"`

	// FailedSteps are the steps failed before the snapshot.
	FailedSteps []string `json:"failedSteps"`
}

// StepContext carries the failure context of one step attempt through the
// recovery manager. One context exists per attempt.
type StepContext struct {
	// Step is the failing step.
	Step *Step `json:"step"`

	// StepIndex is the definition index of the step.
	StepIndex int `json:"step_index"`

	// WorkflowName is the workflow being executed.
	WorkflowName string `json:"workflow_name"`

	// Attempt is the 1-indexed attempt number that produced the failure.
	Attempt int `json:"attempt"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the attempt finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the attempt execution time.
	Duration time.Duration `json:"duration"`

	// Success indicates whether the attempt completed.
	Success bool `json:"success"`

	// Err is the classified failure, if any.
	Err *Error `json:"error,omitempty"`
}

// RecoveryStrategy is the tagged recovery decision for a failed step.
type RecoveryStrategy struct {
	// Type is the recovery variant.
	Type RecoveryType `json:"type"`

	// Reason explains why this strategy was chosen.
	Reason string `json:"reason"`

	// Delay is an injected wait before a retry, when applicable.
	Delay time.Duration `json:"delay,omitempty"`

	// SuggestedActions are operator hints for manual strategies.
	SuggestedActions []string `json:"suggested_actions,omitempty"`
}

// InterventionRequest is a suspended recovery state requiring an external
// decision. Requests are removed from the pending queue when resolved.
type InterventionRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`

	// StepName is the step whose failure raised the request.
	StepName string `json:"step_name"`

	// ErrorMessage is the failure message.
	ErrorMessage string `json:"error_message"`

	// ErrorCode is the classified failure code.
	ErrorCode string `json:"error_code,omitempty"`

	// SuggestedActions are operator hints for resolving the failure.
	SuggestedActions []string `json:"suggested_actions,omitempty"`

	// Timestamp is when the request was created.
	Timestamp time.Time `json:"timestamp"`

	// Context is the full failure context of the attempt.
	Context *StepContext `json:"context,omitempty"`
}

// ExecutionBatch is an ordered group of steps eligible to run concurrently.
// Batch i contains only steps whose dependencies are satisfied by batches
// before i.
type ExecutionBatch struct {
	// Index is the batch position in the schedule.
	Index int `json:"index"`

	// Steps are the step names in this batch, in definition order.
	Steps []string `json:"steps"`

	// ParallelGroups are the distinct parallel-group hints present in the
	// batch, for reporting only.
	ParallelGroups []string `json:"parallel_groups,omitempty"`
}

// BatchStats records the observed execution of one batch.
type BatchStats struct {
	// Index is the batch position in the schedule.
	Index int `json:"index"`

	// StepCount is the number of steps dispatched in the batch.
	StepCount int `json:"step_count"`

	// Duration is the wall-clock batch time.
	Duration time.Duration `json:"duration"`

	// Succeeded indicates every step in the batch reached success.
	Succeeded bool `json:"succeeded"`
}

// ParallelStats summarizes the parallel execution of a run.
type ParallelStats struct {
	// BatchCount is the number of batches executed.
	BatchCount int `json:"batch_count"`

	// MaxObservedConcurrency is the peak number of steps running at once.
	MaxObservedConcurrency int `json:"max_observed_concurrency"`

	// Batches records per-batch observations in order.
	Batches []BatchStats `json:"batches"`
}

// ExecutionResult is the structured outcome of one workflow run. Step-level
// failures are folded in here rather than surfaced as errors.
type ExecutionResult struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// WorkflowName is the executed workflow.
	WorkflowName string `json:"workflow_name"`

	// Status is the terminal state of the run.
	Status Status `json:"status"`

	// Success indicates the run completed with no failed steps.
	Success bool `json:"success"`

	// DryRun indicates no backend operations were invoked.
	DryRun bool `json:"dry_run,omitempty"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run time.
	Duration time.Duration `json:"duration"`

	// CompletedSteps are steps that reached success, in completion order.
	CompletedSteps []string `json:"completed_steps"`

	// FailedSteps are steps that reached failure.
	FailedSteps []string `json:"failed_steps"`

	// SkippedSteps are steps skipped by condition or dependency failure.
	SkippedSteps []string `json:"skipped_steps,omitempty"`

	// Errors are the collected step failure messages.
	Errors []string `json:"errors,omitempty"`

	// RollbackPerformed indicates the rollback manager ran.
	RollbackPerformed bool `json:"rollback_performed"`

	// RollbackResult is the rollback outcome, when one ran.
	RollbackResult *RollbackResult `json:"rollback_result,omitempty"`

	// CheckpointsSaved lists checkpoint ids written during the run.
	CheckpointsSaved []string `json:"checkpoints_saved,omitempty"`

	// ResumedFrom is the checkpoint id the run resumed from, if any.
	ResumedFrom string `json:"resumed_from,omitempty"`

	// PendingInterventions lists unresolved intervention request ids at
	// run end.
	PendingInterventions []string `json:"pending_interventions,omitempty"`

	// Parallelism summarizes batch execution.
	Parallelism ParallelStats `json:"parallelism"`
}
