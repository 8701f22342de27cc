package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrollout/rollout/pkg/telemetry"
	"github.com/openrollout/rollout/pkg/workflow"
)

// RollbackContext carries the failure information a rollback plan is built
// from.
type RollbackContext struct {
	// WorkflowName is the workflow being unwound.
	WorkflowName string

	// Trigger is what caused the rollback.
	Trigger workflow.RollbackTrigger

	// Reason is the human-readable trigger description.
	Reason string

	// FailedStep is the step whose failure triggered the rollback, if any.
	FailedStep string

	// CompletedSteps are the steps that finished before the trigger, in
	// completion order.
	CompletedSteps []string

	// AffectedResources are the resources implicated by the failure, used
	// by the selective strategy.
	AffectedResources []string
}

// RollbackManager plans and executes compensating steps. Plans honor rollback
// step priorities and dependencies; execution aborts on a critical step
// failure and collects non-critical failures as warnings.
type RollbackManager struct {
	state     StateBackend
	backend   OperationBackend
	history   HistoryStore
	confirmer RollbackConfirmer
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics

	// memHistory is the fallback record when no history store is wired.
	mu         sync.Mutex
	memHistory []*workflow.RollbackHistoryEntry
}

// NewRollbackManager creates a rollback manager. The state backend, history
// store and confirmer are optional; a nil history store keeps entries in
// memory and a nil confirmer auto-approves manual-confirm plans.
func NewRollbackManager(state StateBackend, backend OperationBackend, history HistoryStore, confirmer RollbackConfirmer, logger *telemetry.Logger, metrics *telemetry.Metrics) *RollbackManager {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &RollbackManager{
		state:     state,
		backend:   backend,
		history:   history,
		confirmer: confirmer,
		logger:    logger,
		metrics:   metrics,
	}
}

// Plan computes the ordered compensating steps for the given failure. The
// selective strategy keeps only steps whose "resource" option matches an
// affected resource; the progressive strategy reverses the order so the most
// recent change is unwound first. Within the chosen set, critical steps run
// first and declared dependencies are respected.
func (m *RollbackManager) Plan(def *workflow.Definition, rc *RollbackContext) (*workflow.RollbackPlan, error) {
	if len(def.RollbackSteps) == 0 {
		return nil, workflow.NewValidationError(
			fmt.Sprintf("workflow %s declares no rollback steps", def.Name), nil)
	}

	strategy := workflow.RollbackAutomatic
	if def.RollbackStrategy != nil && def.RollbackStrategy.Type != "" {
		strategy = def.RollbackStrategy.Type
	}
	if def.RollbackStrategy != nil && len(def.RollbackStrategy.Triggers) > 0 {
		if !triggerListed(def.RollbackStrategy.Triggers, rc.Trigger) {
			return nil, workflow.NewValidationError(
				fmt.Sprintf("trigger %s does not activate the rollback strategy", rc.Trigger), nil)
		}
	}

	steps := append([]workflow.RollbackStep(nil), def.RollbackSteps...)

	if strategy == workflow.RollbackSelective && len(rc.AffectedResources) > 0 {
		steps = selectByResource(steps, rc.AffectedResources)
		if len(steps) == 0 {
			return nil, workflow.NewValidationError(
				"no rollback steps match the affected resources", nil)
		}
	}

	ordered, err := orderRollbackSteps(steps)
	if err != nil {
		return nil, err
	}

	if strategy == workflow.RollbackProgressive {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	return &workflow.RollbackPlan{
		ID:                uuid.NewString(),
		WorkflowName:      def.Name,
		Trigger:           rc.Trigger,
		Reason:            rc.Reason,
		Strategy:          strategy,
		Steps:             ordered,
		AffectedResources: append([]string(nil), rc.AffectedResources...),
		CreatedAt:         time.Now(),
	}, nil
}

func triggerListed(triggers []workflow.RollbackTrigger, t workflow.RollbackTrigger) bool {
	for _, candidate := range triggers {
		if candidate == t {
			return true
		}
	}
	return false
}

func selectByResource(steps []workflow.RollbackStep, resources []string) []workflow.RollbackStep {
	affected := make(map[string]bool, len(resources))
	for _, r := range resources {
		affected[r] = true
	}

	kept := make([]workflow.RollbackStep, 0, len(steps))
	for _, step := range steps {
		resource := step.Options["resource"]
		if resource == "" || affected[resource] {
			kept = append(kept, step)
		}
	}
	return kept
}

// orderRollbackSteps orders by priority rank, breaking ties by declaration
// order, then verifies declared dependencies are satisfied by the ordering.
// A dependency that would run after its dependent forces a reorder.
func orderRollbackSteps(steps []workflow.RollbackStep) ([]workflow.RollbackStep, error) {
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		if _, dup := index[step.Name]; dup {
			return nil, workflow.NewValidationError(
				fmt.Sprintf("duplicate rollback step name: %s", step.Name), nil)
		}
		index[step.Name] = i
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, workflow.NewValidationError(
					fmt.Sprintf("rollback step %s depends on unknown step %s", step.Name, dep), nil)
			}
		}
	}

	ordered := append([]workflow.RollbackStep(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Rank() < ordered[j].Priority.Rank()
	})

	// Hoist dependencies that sorted after their dependents. The graph is
	// small; repeat until stable or bail out on a cycle.
	for pass := 0; pass <= len(ordered); pass++ {
		pos := make(map[string]int, len(ordered))
		for i, step := range ordered {
			pos[step.Name] = i
		}
		moved := false
		for i := 0; i < len(ordered) && !moved; i++ {
			for _, dep := range ordered[i].DependsOn {
				if pos[dep] > i {
					hoisted := ordered[pos[dep]]
					ordered = append(ordered[:pos[dep]], ordered[pos[dep]+1:]...)
					ordered = append(ordered[:i], append([]workflow.RollbackStep{hoisted}, ordered[i:]...)...)
					moved = true
					break
				}
			}
		}
		if !moved {
			return ordered, nil
		}
	}
	return nil, workflow.NewValidationError("cyclic dependency among rollback steps", nil)
}

// Execute runs a rollback plan. Manual-confirm plans consult the confirmer
// first. A failed critical step aborts the remaining plan; other failures are
// recorded and execution continues. The progressive strategy re-reads backend
// state between steps so each compensation sees the effect of the previous
// one; a failed re-read aborts the rest of the plan.
func (m *RollbackManager) Execute(ctx context.Context, plan *workflow.RollbackPlan) (*workflow.RollbackResult, error) {
	result := &workflow.RollbackResult{
		PlanID:       plan.ID,
		WorkflowName: plan.WorkflowName,
		StartedAt:    time.Now(),
	}

	if plan.Strategy == workflow.RollbackManualConfirm && m.confirmer != nil {
		approved, err := m.confirmer.Confirm(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("rollback confirmation: %w", err)
		}
		if !approved {
			result.CompletedAt = time.Now()
			result.Warnings = append(result.Warnings, "rollback declined by operator")
			return result, nil
		}
	}

	logger := m.logger.WithWorkflow(plan.WorkflowName).WithField("plan_id", plan.ID)
	logger.Infof("executing rollback plan with %d steps (%s)", len(plan.Steps), plan.Strategy)

	result.Success = true
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			result.Success = false
			result.Aborted = true
			result.Errors = append(result.Errors, err.Error())
			break
		}

		stepResult := m.executeStep(ctx, &step)
		result.StepResults = append(result.StepResults, stepResult)

		if !stepResult.Success {
			result.Success = false
			result.FailedRollbackSteps = append(result.FailedRollbackSteps, step.Name)
			result.Errors = append(result.Errors, stepResult.Error)
			if step.Priority == workflow.PriorityCritical {
				result.Aborted = true
				logger.WithField("rollback_step", step.Name).
					Error("critical rollback step failed, aborting plan")
				break
			}
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("rollback step %s failed, continuing", step.Name))
			continue
		}

		if plan.Strategy == workflow.RollbackProgressive && m.state != nil {
			if _, err := m.state.LoadState(ctx); err != nil {
				// Progressive rollback cannot continue blind; each step
				// depends on the state the previous one left behind.
				serr := workflow.NewRollbackStepError(
					fmt.Sprintf("state re-evaluation after %s failed", step.Name), err)
				result.Success = false
				result.Aborted = true
				result.Errors = append(result.Errors, serr.Error())
				logger.WithField("rollback_step", step.Name).WithError(err).
					Error("state re-evaluation failed, aborting progressive plan")
				break
			}
		}
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	if m.metrics != nil {
		m.metrics.RollbackExecuted(plan.WorkflowName, string(plan.Trigger), result.Duration)
	}
	m.record(ctx, plan, result)
	return result, nil
}

func (m *RollbackManager) executeStep(ctx context.Context, step *workflow.RollbackStep) workflow.RollbackStepResult {
	started := time.Now()
	sr := workflow.RollbackStepResult{Name: step.Name, Type: step.Type}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	var err error
	switch step.Type {
	case workflow.RollbackStateRestore:
		err = m.restoreState(stepCtx, step)
	default:
		err = m.runOperation(stepCtx, step)
	}

	sr.Duration = time.Since(started)
	if err != nil {
		sr.Error = err.Error()
		m.logger.WithField("rollback_step", step.Name).WithError(err).
			Error("rollback step failed")
		return sr
	}

	sr.Success = true
	m.logger.WithField("rollback_step", step.Name).
		Debugf("rollback step completed in %s", sr.Duration)
	return sr
}

func (m *RollbackManager) restoreState(ctx context.Context, step *workflow.RollbackStep) error {
	if m.state == nil {
		return workflow.NewRollbackStepError("no state backend configured for state_restore", nil).
			WithStep(step.Name)
	}
	location := step.Options["backup"]
	if location == "" {
		return workflow.NewRollbackStepError("state_restore step missing backup option", nil).
			WithStep(step.Name)
	}
	restored, err := m.state.RestoreBackup(ctx, location)
	if err != nil {
		return workflow.NewRollbackStepError("state restore failed", err).WithStep(step.Name)
	}
	if err := m.state.SaveState(ctx, restored); err != nil {
		return workflow.NewRollbackStepError("saving restored state failed", err).WithStep(step.Name)
	}
	return nil
}

func (m *RollbackManager) runOperation(ctx context.Context, step *workflow.RollbackStep) error {
	if m.backend == nil {
		return workflow.NewRollbackStepError("no operation backend configured", nil).
			WithStep(step.Name)
	}
	req := &OperationRequest{
		Command: step.Command,
		Args:    append([]string(nil), step.Args...),
		Options: step.Options,
	}
	if _, err := m.backend.Execute(ctx, req); err != nil {
		return workflow.NewRollbackStepError("rollback operation failed", err).
			WithStep(step.Name).WithOperation(step.Command)
	}
	return nil
}

// record appends the executed plan to the rollback history.
func (m *RollbackManager) record(ctx context.Context, plan *workflow.RollbackPlan, result *workflow.RollbackResult) {
	entry := &workflow.RollbackHistoryEntry{
		ID:           uuid.NewString(),
		WorkflowName: plan.WorkflowName,
		Trigger:      plan.Trigger,
		Reason:       plan.Reason,
		Strategy:     plan.Strategy,
		Result:       *result,
		Timestamp:    time.Now(),
	}

	if m.history != nil {
		if err := m.history.AppendRollback(ctx, entry); err != nil {
			m.logger.WithError(err).Warn("recording rollback history failed")
		}
		return
	}

	m.mu.Lock()
	m.memHistory = append(m.memHistory, entry)
	m.mu.Unlock()
}

// History returns the rollback entries for a workflow, oldest first. An empty
// name returns everything.
func (m *RollbackManager) History(ctx context.Context, workflowName string) ([]*workflow.RollbackHistoryEntry, error) {
	if m.history != nil {
		return m.history.ListRollbacks(ctx, workflowName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*workflow.RollbackHistoryEntry, 0, len(m.memHistory))
	for _, entry := range m.memHistory {
		if workflowName == "" || entry.WorkflowName == workflowName {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Report renders a human-readable summary of the recorded rollbacks for a
// workflow. An empty name covers every workflow.
func (m *RollbackManager) Report(ctx context.Context, workflowName string) (string, error) {
	entries, err := m.History(ctx, workflowName)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	scope := workflowName
	if scope == "" {
		scope = "all workflows"
	}
	fmt.Fprintf(&sb, "Rollback Report: %s\n", scope)
	fmt.Fprintf(&sb, "Recorded rollbacks: %d\n", len(entries))

	for _, entry := range entries {
		sb.WriteString("\n")
		writeRollbackEntry(&sb, entry)
	}
	return sb.String(), nil
}

func writeRollbackEntry(sb *strings.Builder, entry *workflow.RollbackHistoryEntry) {
	result := &entry.Result

	fmt.Fprintf(sb, "%s  %s\n", entry.Timestamp.Format(time.RFC3339), entry.WorkflowName)
	fmt.Fprintf(sb, "Plan:      %s\n", result.PlanID)
	fmt.Fprintf(sb, "Trigger:   %s (%s)\n", entry.Trigger, entry.Reason)
	fmt.Fprintf(sb, "Strategy:  %s\n", entry.Strategy)
	fmt.Fprintf(sb, "Duration:  %s\n", result.Duration)
	status := "SUCCEEDED"
	if !result.Success {
		status = "FAILED"
		if result.Aborted {
			status = "ABORTED"
		}
	}
	fmt.Fprintf(sb, "Status:    %s\n", status)

	fmt.Fprintf(sb, "Steps (%d):\n", len(result.StepResults))
	for _, sr := range result.StepResults {
		mark := "ok"
		if !sr.Success {
			mark = "failed"
		}
		fmt.Fprintf(sb, "  %-30s %-22s %-8s %s\n", sr.Name, sr.Type, mark, sr.Duration)
		if sr.Error != "" {
			fmt.Fprintf(sb, "      error: %s\n", sr.Error)
		}
	}

	if len(result.Warnings) > 0 {
		sb.WriteString("Warnings:\n")
		for _, w := range result.Warnings {
			fmt.Fprintf(sb, "  - %s\n", w)
		}
	}
}
