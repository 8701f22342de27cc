package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openrollout/rollout/pkg/checkpoint"
	"github.com/openrollout/rollout/pkg/telemetry"
	"github.com/openrollout/rollout/pkg/workflow"
)

// maxRecoveryAttempts bounds the recovery loop for one step regardless of
// what the classifier keeps suggesting.
const maxRecoveryAttempts = 5

// DefaultMaxManualInterventions bounds operator escalations per run.
const DefaultMaxManualInterventions = 3

// Config assembles an Engine. Backend is required; everything else has a
// working default.
type Config struct {
	// Backend executes workflow operations.
	Backend OperationBackend

	// State manages infrastructure state for rollbacks. Optional.
	State StateBackend

	// History persists run records and rollback history. Optional.
	History HistoryStore

	// Confirmer approves manual-confirm rollback plans. Optional; nil
	// auto-approves.
	Confirmer RollbackConfirmer

	// Checkpoints is the checkpoint store. Optional; nil uses
	// DefaultCheckpointDir.
	Checkpoints *checkpoint.Store

	// MaxConcurrency bounds the steps running at once within a batch.
	MaxConcurrency int

	// MaxManualInterventions bounds operator escalations per run before the
	// run is forced into rollback or abort.
	MaxManualInterventions int

	// Logger, Metrics and Tracer are the telemetry sinks. All optional.
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// DefaultCheckpointDir is used when no checkpoint store is configured.
const DefaultCheckpointDir = ".rollout/checkpoints"

// ExecuteOptions tunes one workflow run.
type ExecuteOptions struct {
	// DryRun validates and schedules without invoking the backend.
	DryRun bool

	// ResumeFrom is a checkpoint id to resume from. Steps recorded as
	// completed in the checkpoint are not re-executed.
	ResumeFrom string

	// Variables are run-scoped variables visible to conditions and the
	// backend.
	Variables map[string]string

	// DisableCheckpoints skips the per-batch checkpoint writes.
	DisableCheckpoints bool

	// ContinueOnHookFailure keeps the run going when a pre- or post-hook
	// fails. The failure is still recorded in the result errors.
	ContinueOnHookFailure bool
}

// Engine coordinates validation, scheduling, execution, recovery and
// rollback for workflow runs. One Engine serves many runs concurrently.
type Engine struct {
	backend   OperationBackend
	state     StateBackend
	history   HistoryStore
	scheduler *Scheduler
	retry     *RetryExecutor
	recovery  *RecoveryManager
	rollback  *RollbackManager
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer

	maxManualInterventions int
}

// New creates an Engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("engine: operation backend is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	store := cfg.Checkpoints
	if store == nil {
		store = checkpoint.NewStore(DefaultCheckpointDir)
	}
	maxInterventions := cfg.MaxManualInterventions
	if maxInterventions <= 0 {
		maxInterventions = DefaultMaxManualInterventions
	}

	return &Engine{
		backend:                cfg.Backend,
		state:                  cfg.State,
		history:                cfg.History,
		scheduler:              NewScheduler(cfg.MaxConcurrency),
		retry:                  NewRetryExecutor(logger.NewComponentLogger("retry"), cfg.Metrics),
		recovery:               NewRecoveryManager(store, logger.NewComponentLogger("recovery"), cfg.Metrics),
		rollback:               NewRollbackManager(cfg.State, cfg.Backend, cfg.History, cfg.Confirmer, logger.NewComponentLogger("rollback"), cfg.Metrics),
		logger:                 logger.NewComponentLogger("engine"),
		metrics:                cfg.Metrics,
		tracer:                 cfg.Tracer,
		maxManualInterventions: maxInterventions,
	}, nil
}

// ValidateWorkflow checks structural invariants and the dependency graph.
// All issues are collected; a cyclic graph adds a CYCLIC_DEPENDENCY issue.
func (e *Engine) ValidateWorkflow(def *workflow.Definition) workflow.ValidationResult {
	result := workflow.Validate(def)
	if def == nil {
		return result
	}

	// Cycle detection only makes sense on a structurally sound graph.
	if result.Valid {
		if err := e.scheduler.CheckCycles(def.Steps); err != nil {
			werr := workflow.AsError(err)
			result.Issues = append(result.Issues, workflow.ValidationIssue{
				Code:    werr.Code,
				Message: werr.Message,
				Step:    werr.Step,
			})
			result.Valid = false
		}
	}
	return result
}

// run is the mutable state of one workflow execution.
type run struct {
	id   string
	def  *workflow.Definition
	opts ExecuteOptions

	mu        sync.Mutex
	status    map[string]workflow.StepStatus
	completed []string
	failed    []string
	skipped   []string
	errs      []string
	variables map[string]string

	interventions int
	stopRequested workflow.RecoveryType
	stopStep      string

	concurrency atomic.Int64
	maxObserved atomic.Int64
}

func (r *run) setStatus(name string, status workflow.StepStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[name] = status
	switch status {
	case workflow.StepStatusSucceeded:
		r.completed = append(r.completed, name)
	case workflow.StepStatusFailed:
		r.failed = append(r.failed, name)
	case workflow.StepStatusSkipped:
		r.skipped = append(r.skipped, name)
	}
}

func (r *run) statusOf(name string) workflow.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[name]
}

func (r *run) addError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, msg)
}

func (r *run) variable(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.variables[name]
}

func (r *run) snapshotVariables() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.variables))
	for k, v := range r.variables {
		out[k] = v
	}
	return out
}

// stepOutcome is one worker's report for a dispatched step.
type stepOutcome struct {
	name   string
	status workflow.StepStatus
	err    error

	// stop, when set, forces the run to end after the current batch:
	// RecoveryRollback or RecoveryAbort.
	stop workflow.RecoveryType
}

// ExecuteWorkflow runs a workflow to a terminal state. Validation problems
// return an error; step-level failures are folded into the result instead.
func (e *Engine) ExecuteWorkflow(ctx context.Context, def *workflow.Definition, opts ExecuteOptions) (*workflow.ExecutionResult, error) {
	if validation := e.ValidateWorkflow(def); !validation.Valid {
		return nil, validationError(validation)
	}

	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	batches, err := e.scheduler.Schedule(def.Steps)
	if err != nil {
		return nil, err
	}

	r := &run{
		id:        uuid.NewString(),
		def:       def,
		opts:      opts,
		status:    make(map[string]workflow.StepStatus, len(def.Steps)),
		variables: make(map[string]string, len(opts.Variables)),
	}
	for k, v := range opts.Variables {
		r.variables[k] = v
	}
	for i := range def.Steps {
		r.status[def.Steps[i].Name] = workflow.StepStatusPending
	}

	result := &workflow.ExecutionResult{
		RunID:        r.id,
		WorkflowName: def.Name,
		Status:       workflow.StatusScheduled,
		DryRun:       opts.DryRun,
		StartedAt:    time.Now(),
	}

	logger := e.logger.WithRunID(r.id).WithWorkflow(def.Name)
	logger.Infof("starting run: %d steps in %d batches", len(def.Steps), len(batches))
	if e.metrics != nil {
		e.metrics.RunStarted(def.Name)
	}

	runCtx := ctx
	var endSpan func(error)
	if e.tracer != nil {
		spanCtx, s := e.tracer.StartRunSpan(ctx, r.id, def.Name)
		runCtx = spanCtx
		endSpan = func(err error) {
			if err != nil {
				telemetry.RecordError(s, err)
			} else {
				telemetry.RecordSuccess(s)
			}
			s.End()
		}
	}

	e.recordRunStart(runCtx, r, result)

	if opts.ResumeFrom != "" {
		cp, err := e.recovery.LoadCheckpoint(opts.ResumeFrom)
		if err != nil {
			e.finishRun(runCtx, r, result, workflow.StatusFailed, err, endSpan)
			return nil, err
		}
		if cp.WorkflowName != def.Name {
			err := workflow.NewValidationError(fmt.Sprintf(
				"checkpoint %s belongs to workflow %s, not %s",
				cp.ID, cp.WorkflowName, def.Name), nil)
			e.finishRun(runCtx, r, result, workflow.StatusFailed, err, endSpan)
			return nil, err
		}
		for _, name := range cp.CompletedSteps {
			if _, known := r.status[name]; known {
				r.setStatus(name, workflow.StepStatusSucceeded)
			}
		}
		result.ResumedFrom = cp.ID
		logger.Infof("resumed from checkpoint %s: %d steps already completed",
			cp.ID, len(cp.CompletedSteps))
	}

	result.Status = workflow.StatusExecuting

	if stopErr := e.runHooks(runCtx, r, def.PreHooks, "pre-hook"); stopErr != nil {
		r.addError(stopErr.Error())
		e.assembleResult(r, result)
		e.finishRun(runCtx, r, result, workflow.StatusFailed, stopErr, endSpan)
		return result, nil
	}

	var stop workflow.RecoveryType
	var failedStep string

	for _, batch := range batches {
		// Skip batches whose every step already finished (resume).
		if e.batchDone(r, batch) {
			continue
		}

		batchStats := e.executeBatch(runCtx, r, batch)
		result.Parallelism.Batches = append(result.Parallelism.Batches, batchStats)

		if s, name := e.batchStop(r); s != "" {
			stop = s
			failedStep = name
		}

		if !opts.DryRun && !opts.DisableCheckpoints {
			if err := e.saveBatchCheckpoint(r, result, batch); err != nil {
				logger.WithError(err).Error("checkpoint write failed, ending run")
				r.addError(err.Error())
				e.assembleResult(r, result)
				e.finishRun(runCtx, r, result, workflow.StatusFailed, err, endSpan)
				return result, nil
			}
		}

		if stop != "" {
			break
		}
		if runCtx.Err() != nil {
			stop = workflow.RecoveryAbort
			r.addError(runCtx.Err().Error())
			break
		}
	}

	switch stop {
	case workflow.RecoveryRollback:
		e.performRollback(runCtx, r, result, failedStep)
		e.assembleResult(r, result)
		// A rollback that never ran (no rollback steps, planning or
		// execution failure) must not report the run as rolled back.
		status := workflow.StatusRolledBack
		if !result.RollbackPerformed {
			status = workflow.StatusAborted
		}
		e.finishRun(runCtx, r, result, status, nil, endSpan)
		return result, nil

	case workflow.RecoveryAbort:
		e.assembleResult(r, result)
		e.finishRun(runCtx, r, result, workflow.StatusAborted, nil, endSpan)
		return result, nil
	}

	if len(r.failed) == 0 {
		if stopErr := e.runHooks(runCtx, r, def.PostHooks, "post-hook"); stopErr != nil {
			r.addError(stopErr.Error())
			e.assembleResult(r, result)
			e.finishRun(runCtx, r, result, workflow.StatusFailed, stopErr, endSpan)
			return result, nil
		}
	}

	e.assembleResult(r, result)
	status := workflow.StatusCompleted
	if len(r.failed) > 0 {
		status = workflow.StatusFailed
	}
	e.finishRun(runCtx, r, result, status, nil, endSpan)
	return result, nil
}

func validationError(result workflow.ValidationResult) error {
	messages := make([]string, 0, len(result.Issues))
	code := workflow.CodeValidation
	for _, issue := range result.Issues {
		messages = append(messages, issue.Message)
		if issue.Code == workflow.CodeCyclicDependency {
			code = workflow.CodeCyclicDependency
		}
	}
	return workflow.NewValidationError(strings.Join(messages, "; "), nil).WithCode(code)
}

func (e *Engine) batchDone(r *run, batch workflow.ExecutionBatch) bool {
	for _, name := range batch.Steps {
		if !r.statusOf(name).IsTerminal() {
			return false
		}
	}
	return true
}

// batchStop reports whether any step demanded the run end.
func (e *Engine) batchStop(r *run) (workflow.RecoveryType, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopRequested != "" {
		return r.stopRequested, r.stopStep
	}
	return "", ""
}

// executeBatch dispatches a batch through a bounded worker pool and waits for
// every step to finish.
func (e *Engine) executeBatch(ctx context.Context, r *run, batch workflow.ExecutionBatch) workflow.BatchStats {
	started := time.Now()
	logger := e.logger.WithRunID(r.id).WithBatch(batch.Index)
	logger.Debugf("dispatching batch: %v", batch.Steps)

	batchCtx := ctx
	if e.tracer != nil {
		spanCtx, span := e.tracer.StartBatchSpan(ctx, batch.Index, len(batch.Steps))
		batchCtx = spanCtx
		defer span.End()
	}

	jobs := make(chan string, len(batch.Steps))
	outcomes := make(chan stepOutcome, len(batch.Steps))

	workers := len(batch.Steps)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				cur := r.concurrency.Add(1)
				for {
					prev := r.maxObserved.Load()
					if cur <= prev || r.maxObserved.CompareAndSwap(prev, cur) {
						break
					}
				}
				outcomes <- e.executeStep(batchCtx, r, name)
				r.concurrency.Add(-1)
			}
		}()
	}

	for _, name := range batch.Steps {
		if r.statusOf(name).IsTerminal() {
			continue
		}
		jobs <- name
	}
	close(jobs)
	wg.Wait()
	close(outcomes)

	succeeded := true
	for outcome := range outcomes {
		r.setStatus(outcome.name, outcome.status)
		if outcome.err != nil {
			r.addError(outcome.err.Error())
		}
		if outcome.status == workflow.StepStatusFailed {
			succeeded = false
		}
		if outcome.stop != "" {
			r.mu.Lock()
			r.stopRequested = outcome.stop
			r.stopStep = outcome.name
			r.mu.Unlock()
		}
	}

	return workflow.BatchStats{
		Index:     batch.Index,
		StepCount: len(batch.Steps),
		Duration:  time.Since(started),
		Succeeded: succeeded,
	}
}

// executeStep runs one step through condition checks, the retry executor and
// the recovery loop.
func (e *Engine) executeStep(ctx context.Context, r *run, name string) stepOutcome {
	step := r.def.FindStep(name)
	stepIndex := stepIndexOf(r.def, name)
	logger := e.logger.WithRunID(r.id).WithStep(name)

	if skip, reason := e.shouldSkip(r, step); skip {
		logger.Infof("skipping step: %s", reason)
		return stepOutcome{name: name, status: workflow.StepStatusSkipped}
	}

	if r.opts.DryRun {
		logger.Info("dry run, step not executed")
		return stepOutcome{name: name, status: workflow.StepStatusSucceeded}
	}

	started := time.Now()
	attemptCount := 0
	op := func(ctx context.Context) (*OperationResult, error) {
		attemptCount++
		if e.tracer == nil {
			return e.executeOnce(ctx, r, step)
		}
		spanCtx, span := e.tracer.StartStepSpan(ctx, name, step.Command, attemptCount)
		defer span.End()
		result, err := e.executeOnce(spanCtx, r, step)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		return result, err
	}

	recoveryAttempt := 0
	for {
		var err error
		if recoveryAttempt == 0 {
			_, err = e.retry.Run(ctx, r.def.Name, name, step.Retry, op)
		} else {
			_, err = op(ctx)
		}

		duration := time.Since(started)
		if err == nil {
			logger.Infof("step succeeded in %s", duration)
			if e.metrics != nil {
				e.metrics.StepExecuted(r.def.Name, step.Command, string(workflow.StepStatusSucceeded), duration)
			}
			return stepOutcome{name: name, status: workflow.StepStatusSucceeded}
		}
		if ctx.Err() != nil {
			return e.failStep(r, step, err, "")
		}

		recoveryAttempt++
		sc := &workflow.StepContext{
			Step:         step,
			StepIndex:    stepIndex,
			WorkflowName: r.def.Name,
			Attempt:      recoveryAttempt,
			StartedAt:    started,
			CompletedAt:  time.Now(),
			Duration:     duration,
			Err:          workflow.AsError(err),
		}

		strategy := e.recovery.AnalyzeError(sc)
		if strategy.Type == workflow.RecoveryRetry && recoveryAttempt >= maxRecoveryAttempts {
			strategy = workflow.RecoveryStrategy{
				Type:   workflow.RecoveryManual,
				Reason: fmt.Sprintf("recovery attempts exhausted after %d tries", recoveryAttempt),
			}
		}
		if e.metrics != nil {
			e.metrics.RecoveryDecision(string(strategy.Type))
		}
		logger.WithError(err).Warnf("recovery decision: %s (%s)", strategy.Type, strategy.Reason)

		switch strategy.Type {
		case workflow.RecoveryRetry:
			if strategy.Delay > 0 {
				if serr := sleepContext(ctx, strategy.Delay); serr != nil {
					return e.failStep(r, step, err, "")
				}
			}
			continue

		case workflow.RecoverySkip:
			return stepOutcome{name: name, status: workflow.StepStatusSkipped}

		case workflow.RecoveryManual:
			resolution, rerr := e.awaitIntervention(ctx, r, sc, strategy)
			if rerr != nil {
				return e.failStep(r, step, err, workflow.RecoveryAbort)
			}
			switch resolution.Type {
			case workflow.RecoveryRetry:
				continue
			case workflow.RecoverySkip:
				return stepOutcome{name: name, status: workflow.StepStatusSkipped}
			case workflow.RecoveryRollback:
				return e.failStep(r, step, err, workflow.RecoveryRollback)
			default:
				return e.failStep(r, step, err, workflow.RecoveryAbort)
			}

		case workflow.RecoveryRollback:
			return e.failStep(r, step, err, workflow.RecoveryRollback)

		default: // abort
			return e.failStep(r, step, err, workflow.RecoveryAbort)
		}
	}
}

// awaitIntervention enforces the per-run escalation cap before suspending on
// the recovery manager's queue. Exceeding the cap forces rollback when the
// workflow declares rollback steps, abort otherwise.
func (e *Engine) awaitIntervention(ctx context.Context, r *run, sc *workflow.StepContext, strategy workflow.RecoveryStrategy) (workflow.RecoveryStrategy, error) {
	r.mu.Lock()
	r.interventions++
	over := r.interventions > e.maxManualInterventions
	r.mu.Unlock()

	if over {
		forced := workflow.RecoveryAbort
		if len(r.def.RollbackSteps) > 0 {
			forced = workflow.RecoveryRollback
		}
		e.logger.WithRunID(r.id).Warnf(
			"manual intervention limit (%d) exceeded, forcing %s",
			e.maxManualInterventions, forced)
		return workflow.RecoveryStrategy{
			Type:   forced,
			Reason: "manual intervention limit exceeded",
		}, nil
	}

	return e.recovery.RequestAndAwait(ctx, sc, strategy)
}

func (e *Engine) failStep(r *run, step *workflow.Step, err error, stop workflow.RecoveryType) stepOutcome {
	if e.metrics != nil {
		werr := workflow.AsError(err)
		e.metrics.StepExecuted(r.def.Name, step.Command, string(workflow.StepStatusFailed), 0)
		e.metrics.ErrorRecorded(string(werr.Kind), werr.Code)
	}
	return stepOutcome{
		name:   step.Name,
		status: workflow.StepStatusFailed,
		err:    err,
		stop:   stop,
	}
}

// shouldSkip evaluates the step's condition and dependency outcomes.
func (e *Engine) shouldSkip(r *run, step *workflow.Step) (bool, string) {
	condType := workflow.ConditionOnSuccess
	condValue := ""
	if step.Condition != nil {
		condType = step.Condition.Type
		condValue = step.Condition.Value
	}

	switch condType {
	case workflow.ConditionNever:
		return true, "condition is never"

	case workflow.ConditionAlways:
		return false, ""

	case workflow.ConditionVariableSet:
		if r.variable(condValue) == "" {
			return true, fmt.Sprintf("variable %s is not set", condValue)
		}
	}

	// on_success and variable_set both require healthy dependencies.
	for _, dep := range step.DependsOn {
		if r.statusOf(dep) != workflow.StepStatusSucceeded {
			return true, fmt.Sprintf("dependency %s did not succeed", dep)
		}
	}
	return false, ""
}

// executeOnce performs a single backend invocation with the step's timeout.
func (e *Engine) executeOnce(ctx context.Context, r *run, step *workflow.Step) (*OperationResult, error) {
	attemptCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	req := &OperationRequest{
		Command:   step.Command,
		Args:      append([]string(nil), step.Args...),
		Options:   step.Options,
		Variables: r.snapshotVariables(),
	}
	result, err := e.backend.Execute(attemptCtx, req)
	if err != nil {
		werr := workflow.AsError(err)
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && werr.Code == workflow.CodeUnknown {
			werr.Code = workflow.CodeTimeout
		}
		return nil, werr.WithStep(step.Name).WithOperation(step.Command)
	}
	return result, nil
}

// runHooks executes hook steps sequentially. A hook failure ends the run
// unless the run opts to continue on hook failure; hooks carry no recovery
// semantics either way.
func (e *Engine) runHooks(ctx context.Context, r *run, hooks []workflow.Step, kind string) error {
	for i := range hooks {
		hook := &hooks[i]
		logger := e.logger.WithRunID(r.id).WithField("hook", hook.Name)
		if r.opts.DryRun {
			logger.Debugf("dry run, %s not executed", kind)
			continue
		}
		logger.Debugf("running %s", kind)

		op := func(ctx context.Context) (*OperationResult, error) {
			return e.executeOnce(ctx, r, hook)
		}
		if _, err := e.retry.Run(ctx, r.def.Name, hook.Name, hook.Retry, op); err != nil {
			logger.WithError(err).Errorf("%s failed", kind)
			if r.opts.ContinueOnHookFailure {
				r.addError(fmt.Sprintf("%s %s: %s", kind, hook.Name, err))
				continue
			}
			return fmt.Errorf("%s %s: %w", kind, hook.Name, err)
		}
	}
	return nil
}

// saveBatchCheckpoint snapshots progress after a batch so a later run can
// resume past it.
func (e *Engine) saveBatchCheckpoint(r *run, result *workflow.ExecutionResult, batch workflow.ExecutionBatch) error {
	lastStep := batch.Steps[len(batch.Steps)-1]
	r.mu.Lock()
	completed := append([]string(nil), r.completed...)
	failed := append([]string(nil), r.failed...)
	r.mu.Unlock()

	cp := &workflow.Checkpoint{
		WorkflowName:   r.def.Name,
		StepIndex:      stepIndexOf(r.def, lastStep),
		StepName:       lastStep,
		CompletedSteps: completed,
		FailedSteps:    failed,
	}
	id, err := e.recovery.SaveCheckpoint(cp)
	if err != nil {
		return workflow.NewCheckpointIOError(
			fmt.Sprintf("saving checkpoint after batch %d", batch.Index), err)
	}
	result.CheckpointsSaved = append(result.CheckpointsSaved, id)
	return nil
}

// performRollback snapshots progress, plans and executes the compensating
// steps for a failed run.
func (e *Engine) performRollback(ctx context.Context, r *run, result *workflow.ExecutionResult, failedStep string) {
	logger := e.logger.WithRunID(r.id).WithWorkflow(r.def.Name)

	r.mu.Lock()
	completed := append([]string(nil), r.completed...)
	failed := append([]string(nil), r.failed...)
	r.mu.Unlock()

	if !r.opts.DryRun {
		id, err := e.recovery.CreateEmergencyCheckpoint(
			r.def.Name, stepIndexOf(r.def, failedStep), failedStep, completed, failed, nil)
		if err != nil {
			logger.WithError(err).Warn("emergency checkpoint failed")
		} else {
			result.CheckpointsSaved = append(result.CheckpointsSaved, id)
		}
	}

	if len(r.def.RollbackSteps) == 0 {
		logger.Warn("rollback requested but workflow declares no rollback steps")
		return
	}

	rc := &RollbackContext{
		WorkflowName:      r.def.Name,
		Trigger:           workflow.TriggerStepFailure,
		Reason:            fmt.Sprintf("step %s failed", failedStep),
		FailedStep:        failedStep,
		CompletedSteps:    completed,
		AffectedResources: affectedResources(r.def, failedStep),
	}
	plan, err := e.rollback.Plan(r.def, rc)
	if err != nil {
		logger.WithError(err).Error("rollback planning failed")
		r.addError(err.Error())
		return
	}

	rollbackCtx := ctx
	if e.tracer != nil {
		spanCtx, span := e.tracer.StartRollbackSpan(ctx, plan.ID, string(plan.Trigger))
		rollbackCtx = spanCtx
		defer span.End()
	}
	if rollbackCtx.Err() != nil {
		// The run context may already be cancelled; rollback still runs.
		rollbackCtx = context.WithoutCancel(rollbackCtx)
	}

	rbResult, err := e.rollback.Execute(rollbackCtx, plan)
	if err != nil {
		logger.WithError(err).Error("rollback execution failed")
		r.addError(err.Error())
		return
	}
	result.RollbackPerformed = true
	result.RollbackResult = rbResult
}

func affectedResources(def *workflow.Definition, failedStep string) []string {
	step := def.FindStep(failedStep)
	if step == nil {
		return nil
	}
	if resource := step.Options["resource"]; resource != "" {
		return []string{resource}
	}
	return nil
}

func stepIndexOf(def *workflow.Definition, name string) int {
	for i := range def.Steps {
		if def.Steps[i].Name == name {
			return i
		}
	}
	return 0
}

// assembleResult folds the run state into the execution result.
func (e *Engine) assembleResult(r *run, result *workflow.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result.CompletedSteps = append([]string(nil), r.completed...)
	result.FailedSteps = append([]string(nil), r.failed...)
	result.SkippedSteps = append([]string(nil), r.skipped...)
	result.Errors = append([]string(nil), r.errs...)
	result.Parallelism.BatchCount = len(result.Parallelism.Batches)
	result.Parallelism.MaxObservedConcurrency = int(r.maxObserved.Load())

	for _, req := range e.recovery.ListPending() {
		if req.Context != nil && req.Context.WorkflowName == r.def.Name {
			result.PendingInterventions = append(result.PendingInterventions, req.ID)
		}
	}
}

// finishRun stamps the terminal status, emits telemetry and persists the run
// record.
func (e *Engine) finishRun(ctx context.Context, r *run, result *workflow.ExecutionResult, status workflow.Status, runErr error, endSpan func(error)) {
	result.Status = status
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Success = status == workflow.StatusCompleted && len(result.FailedSteps) == 0

	logger := e.logger.WithRunID(r.id).WithWorkflow(r.def.Name)
	logger.Infof("run finished: status=%s completed=%d failed=%d skipped=%d duration=%s",
		status, len(result.CompletedSteps), len(result.FailedSteps),
		len(result.SkippedSteps), result.Duration)

	if e.metrics != nil {
		e.metrics.RunCompleted(r.def.Name, string(status), result.Duration)
	}
	if endSpan != nil {
		endSpan(runErr)
	}
	e.recordRunEnd(ctx, r, result, runErr)
}

func (e *Engine) recordRunStart(ctx context.Context, r *run, result *workflow.ExecutionResult) {
	if e.history == nil {
		return
	}
	record := &RunRecord{
		ID:           r.id,
		WorkflowName: r.def.Name,
		Status:       workflow.StatusExecuting,
		StartedAt:    result.StartedAt,
	}
	if err := e.history.SaveRun(ctx, record); err != nil {
		e.logger.WithRunID(r.id).WithError(err).Warn("recording run start failed")
	}
}

func (e *Engine) recordRunEnd(ctx context.Context, r *run, result *workflow.ExecutionResult, runErr error) {
	if e.history == nil {
		return
	}
	record := &RunRecord{
		ID:           r.id,
		WorkflowName: r.def.Name,
		Status:       result.Status,
		StartedAt:    result.StartedAt,
		CompletedAt:  &result.CompletedAt,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	} else if len(result.Errors) > 0 {
		record.Error = result.Errors[0]
	}
	if summary, err := json.Marshal(result); err == nil {
		record.Summary = string(summary)
	}
	if err := e.history.SaveRun(context.WithoutCancel(ctx), record); err != nil {
		e.logger.WithRunID(r.id).WithError(err).Warn("recording run end failed")
	}
}

// ExecuteManualRollback plans and executes a rollback on operator request,
// outside any run.
func (e *Engine) ExecuteManualRollback(ctx context.Context, def *workflow.Definition, reason string, completedSteps []string) (*workflow.RollbackResult, error) {
	rc := &RollbackContext{
		WorkflowName:   def.Name,
		Trigger:        workflow.TriggerManualRequest,
		Reason:         reason,
		CompletedSteps: completedSteps,
	}
	plan, err := e.rollback.Plan(def, rc)
	if err != nil {
		return nil, err
	}
	return e.rollback.Execute(ctx, plan)
}

// AnalyzeWorkflowParallelization reports the concurrency profile of a
// workflow without executing it.
func (e *Engine) AnalyzeWorkflowParallelization(def *workflow.Definition) (*ParallelizationReport, error) {
	return e.scheduler.AnalyzeParallelization(def)
}

// OptimizeWorkflowForParallelExecution returns a definition reordered for
// batch execution with parallel-group hints filled in.
func (e *Engine) OptimizeWorkflowForParallelExecution(def *workflow.Definition) (*workflow.Definition, error) {
	return e.scheduler.OptimizeForParallelExecution(def)
}

// GetRollbackHistory returns the recorded rollbacks for a workflow.
func (e *Engine) GetRollbackHistory(ctx context.Context, workflowName string) ([]*workflow.RollbackHistoryEntry, error) {
	return e.rollback.History(ctx, workflowName)
}

// GenerateRollbackReport renders a human-readable summary of the recorded
// rollbacks. An empty workflow name covers every workflow.
func (e *Engine) GenerateRollbackReport(ctx context.Context, workflowName string) (string, error) {
	return e.rollback.Report(ctx, workflowName)
}

// ResolveIntervention applies an operator decision to a pending manual
// intervention.
func (e *Engine) ResolveIntervention(id string, decision workflow.RecoveryType) (*workflow.InterventionRequest, error) {
	return e.recovery.Resolve(id, decision)
}

// ListPendingInterventions returns the unresolved manual interventions.
func (e *Engine) ListPendingInterventions() []*workflow.InterventionRequest {
	return e.recovery.ListPending()
}

// ListCheckpoints returns stored checkpoints for a workflow, newest first.
func (e *Engine) ListCheckpoints(workflowName string) ([]*workflow.Checkpoint, error) {
	return e.recovery.ListCheckpoints(workflowName)
}
