package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openrollout/rollout/pkg/checkpoint"
	"github.com/openrollout/rollout/pkg/workflow"
)

// scriptedBackend records every request and delegates outcomes to a handler.
type scriptedBackend struct {
	mu      sync.Mutex
	calls   []OperationRequest
	handler func(req *OperationRequest) (*OperationResult, error)
}

func newScriptedBackend(handler func(req *OperationRequest) (*OperationResult, error)) *scriptedBackend {
	if handler == nil {
		handler = func(req *OperationRequest) (*OperationResult, error) {
			return &OperationResult{Command: req.Command}, nil
		}
	}
	return &scriptedBackend{handler: handler}
}

func (b *scriptedBackend) Execute(ctx context.Context, req *OperationRequest) (*OperationResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, *req)
	b.mu.Unlock()
	return b.handler(req)
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *scriptedBackend) callsFor(command string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, call := range b.calls {
		if call.Command == command {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, backend OperationBackend) *Engine {
	t.Helper()
	eng, err := New(Config{
		Backend:     backend,
		Checkpoints: checkpoint.NewStore(t.TempDir()),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng
}

// testDefinition builds a valid three-step pipeline: plan, then apply, then
// verify.
func testDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:        "deploy",
		Description: "deploy the service",
		Steps: []workflow.Step{
			{Name: "plan", Description: "compute changes", Command: "plan"},
			{Name: "apply", Description: "apply changes", Command: "apply", DependsOn: []string{"plan"}},
			{Name: "verify", Description: "verify deployment", Command: "verify", DependsOn: []string{"apply"}},
		},
	}
}

// resolvePending polls for the next intervention and resolves it.
func resolvePending(t *testing.T, eng *Engine, decision workflow.RecoveryType) {
	t.Helper()
	go func() {
		for i := 0; i < 400; i++ {
			if pending := eng.ListPendingInterventions(); len(pending) > 0 {
				eng.ResolveIntervention(pending[0].ID, decision)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestExecuteWorkflow_Succeeds(t *testing.T) {
	backend := newScriptedBackend(nil)
	eng := newTestEngine(t, backend)

	result, err := eng.ExecuteWorkflow(context.Background(), testDefinition(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	if result.Status != workflow.StatusCompleted {
		t.Errorf("Status = %s, want completed", result.Status)
	}
	if !result.Success {
		t.Errorf("Success = false, errors: %v", result.Errors)
	}
	if len(result.CompletedSteps) != 3 {
		t.Errorf("CompletedSteps = %v", result.CompletedSteps)
	}
	if backend.callCount() != 3 {
		t.Errorf("Backend calls = %d, want 3", backend.callCount())
	}
	if result.Parallelism.BatchCount != 3 {
		t.Errorf("BatchCount = %d, want 3", result.Parallelism.BatchCount)
	}
	if len(result.CheckpointsSaved) != 3 {
		t.Errorf("CheckpointsSaved = %v, want one per batch", result.CheckpointsSaved)
	}
}

func TestExecuteWorkflow_DryRun(t *testing.T) {
	backend := newScriptedBackend(nil)
	eng := newTestEngine(t, backend)

	result, err := eng.ExecuteWorkflow(context.Background(), testDefinition(), ExecuteOptions{DryRun: true})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	if backend.callCount() != 0 {
		t.Errorf("Dry run invoked the backend %d times", backend.callCount())
	}
	if result.Status != workflow.StatusCompleted || !result.DryRun {
		t.Errorf("Status=%s DryRun=%v", result.Status, result.DryRun)
	}
	if len(result.CompletedSteps) != 3 {
		t.Errorf("CompletedSteps = %v", result.CompletedSteps)
	}
	if len(result.CheckpointsSaved) != 0 {
		t.Errorf("Dry run wrote checkpoints: %v", result.CheckpointsSaved)
	}
}

func TestExecuteWorkflow_ValidationFailure(t *testing.T) {
	eng := newTestEngine(t, newScriptedBackend(nil))

	def := &workflow.Definition{Name: "broken", Description: "no steps"}
	if _, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{}); err == nil {
		t.Fatal("Expected validation error")
	}
}

func TestExecuteWorkflow_CyclicDependency(t *testing.T) {
	eng := newTestEngine(t, newScriptedBackend(nil))

	def := testDefinition()
	def.Steps[0].DependsOn = []string{"verify"}

	_, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{})
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	if code := workflow.ErrorCode(err); code != workflow.CodeCyclicDependency {
		t.Errorf("Error code = %s, want %s", code, workflow.CodeCyclicDependency)
	}
}

func TestExecuteWorkflow_ConditionNeverSkips(t *testing.T) {
	backend := newScriptedBackend(nil)
	eng := newTestEngine(t, backend)

	def := testDefinition()
	def.Steps[2].Condition = &workflow.Condition{Type: workflow.ConditionNever}

	result, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if len(result.SkippedSteps) != 1 || result.SkippedSteps[0] != "verify" {
		t.Errorf("SkippedSteps = %v", result.SkippedSteps)
	}
	if backend.callsFor("verify") != 0 {
		t.Error("Skipped step was executed")
	}
	if result.Status != workflow.StatusCompleted {
		t.Errorf("Status = %s", result.Status)
	}
}

func TestExecuteWorkflow_VariableSetCondition(t *testing.T) {
	backend := newScriptedBackend(nil)
	eng := newTestEngine(t, backend)

	def := testDefinition()
	def.Steps[2].Condition = &workflow.Condition{Type: workflow.ConditionVariableSet, Value: "notify"}

	// Not set: verify is skipped.
	result, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if len(result.SkippedSteps) != 1 {
		t.Errorf("SkippedSteps = %v", result.SkippedSteps)
	}

	// Set: verify runs and the backend sees the variable.
	result, err = eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{
		Variables: map[string]string{"notify": "true"},
	})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if len(result.SkippedSteps) != 0 {
		t.Errorf("SkippedSteps = %v", result.SkippedSteps)
	}
	backend.mu.Lock()
	last := backend.calls[len(backend.calls)-1]
	backend.mu.Unlock()
	if last.Variables["notify"] != "true" {
		t.Errorf("Backend variables = %v", last.Variables)
	}
}

func TestExecuteWorkflow_TransientFailureRetriedInPlace(t *testing.T) {
	var applyAttempts int
	var mu sync.Mutex
	backend := newScriptedBackend(func(req *OperationRequest) (*OperationResult, error) {
		if req.Command != "apply" {
			return &OperationResult{Command: req.Command}, nil
		}
		mu.Lock()
		applyAttempts++
		n := applyAttempts
		mu.Unlock()
		if n == 1 {
			return nil, workflow.NewExecutionError("connection reset", nil).
				WithCode(workflow.CodeNetworkError)
		}
		return &OperationResult{Command: req.Command}, nil
	})
	eng := newTestEngine(t, backend)

	result, err := eng.ExecuteWorkflow(context.Background(), testDefinition(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if result.Status != workflow.StatusCompleted {
		t.Errorf("Status = %s, errors: %v", result.Status, result.Errors)
	}
	if applyAttempts != 2 {
		t.Errorf("Apply attempts = %d, want 2", applyAttempts)
	}
}

func TestExecuteWorkflow_InterventionAbort(t *testing.T) {
	backend := newScriptedBackend(func(req *OperationRequest) (*OperationResult, error) {
		if req.Command == "apply" {
			return nil, workflow.NewExecutionError("forbidden", nil).
				WithCode(workflow.CodePermissionDenied)
		}
		return &OperationResult{Command: req.Command}, nil
	})
	eng := newTestEngine(t, backend)
	resolvePending(t, eng, workflow.RecoveryAbort)

	result, err := eng.ExecuteWorkflow(context.Background(), testDefinition(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	if result.Status != workflow.StatusAborted {
		t.Errorf("Status = %s, want aborted", result.Status)
	}
	if len(result.FailedSteps) != 1 || result.FailedSteps[0] != "apply" {
		t.Errorf("FailedSteps = %v", result.FailedSteps)
	}
	if backend.callsFor("verify") != 0 {
		t.Error("Steps after the abort were executed")
	}
}

func TestExecuteWorkflow_InterventionSkipContinues(t *testing.T) {
	backend := newScriptedBackend(func(req *OperationRequest) (*OperationResult, error) {
		if req.Command == "apply" {
			return nil, workflow.NewExecutionError("forbidden", nil).
				WithCode(workflow.CodePermissionDenied)
		}
		return &OperationResult{Command: req.Command}, nil
	})
	eng := newTestEngine(t, backend)
	resolvePending(t, eng, workflow.RecoverySkip)

	result, err := eng.ExecuteWorkflow(context.Background(), testDefinition(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	if result.Status != workflow.StatusCompleted {
		t.Errorf("Status = %s, want completed", result.Status)
	}
	// apply was skipped by the operator; verify is skipped because its
	// dependency did not succeed.
	if len(result.SkippedSteps) != 2 {
		t.Errorf("SkippedSteps = %v", result.SkippedSteps)
	}
	if len(result.FailedSteps) != 0 {
		t.Errorf("FailedSteps = %v", result.FailedSteps)
	}
}

func TestExecuteWorkflow_InterventionRollback(t *testing.T) {
	backend := newScriptedBackend(func(req *OperationRequest) (*OperationResult, error) {
		if req.Command == "apply" {
			return nil, workflow.NewExecutionError("forbidden", nil).
				WithCode(workflow.CodePermissionDenied)
		}
		return &OperationResult{Command: req.Command}, nil
	})
	eng := newTestEngine(t, backend)
	resolvePending(t, eng, workflow.RecoveryRollback)

	def := testDefinition()
	def.RollbackSteps = []workflow.RollbackStep{
		{Name: "undo", Type: workflow.RollbackResourceDestroy, Command: "destroy"},
	}

	result, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	if result.Status != workflow.StatusRolledBack {
		t.Errorf("Status = %s, want rolled_back", result.Status)
	}
	if !result.RollbackPerformed || result.RollbackResult == nil {
		t.Fatal("Rollback was not performed")
	}
	if !result.RollbackResult.Success {
		t.Errorf("Rollback failed: %v", result.RollbackResult.Errors)
	}
	if backend.callsFor("destroy") != 1 {
		t.Errorf("Rollback command calls = %d, want 1", backend.callsFor("destroy"))
	}
}

func TestExecuteWorkflow_RollbackWithoutStepsAborts(t *testing.T) {
	backend := newScriptedBackend(func(req *OperationRequest) (*OperationResult, error) {
		if req.Command == "apply" {
			return nil, workflow.NewExecutionError("forbidden", nil).
				WithCode(workflow.CodePermissionDenied)
		}
		return &OperationResult{Command: req.Command}, nil
	})
	eng := newTestEngine(t, backend)
	resolvePending(t, eng, workflow.RecoveryRollback)

	// testDefinition declares no rollback steps, so nothing can be unwound.
	result, err := eng.ExecuteWorkflow(context.Background(), testDefinition(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	if result.Status != workflow.StatusAborted {
		t.Errorf("Status = %s, want aborted", result.Status)
	}
	if result.RollbackPerformed {
		t.Error("RollbackPerformed = true, but no rollback ran")
	}
}

func TestExecuteWorkflow_ResumeFromCheckpoint(t *testing.T) {
	backend := newScriptedBackend(nil)
	store := checkpoint.NewStore(t.TempDir())
	eng, err := New(Config{Backend: backend, Checkpoints: store})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cp := &workflow.Checkpoint{
		ID:             "cp-1",
		WorkflowName:   "deploy",
		StepIndex:      1,
		StepName:       "apply",
		Timestamp:      time.Now(),
		CompletedSteps: []string{"plan", "apply"},
	}
	if _, err := store.Save(cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	result, err := eng.ExecuteWorkflow(context.Background(), testDefinition(), ExecuteOptions{ResumeFrom: "cp-1"})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	if result.ResumedFrom != "cp-1" {
		t.Errorf("ResumedFrom = %s", result.ResumedFrom)
	}
	if backend.callCount() != 1 || backend.callsFor("verify") != 1 {
		t.Errorf("Backend calls = %d, only verify should run", backend.callCount())
	}
	if result.Status != workflow.StatusCompleted {
		t.Errorf("Status = %s", result.Status)
	}
}

func TestExecuteWorkflow_ResumeFromWrongWorkflow(t *testing.T) {
	store := checkpoint.NewStore(t.TempDir())
	eng, err := New(Config{Backend: newScriptedBackend(nil), Checkpoints: store})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cp := &workflow.Checkpoint{ID: "cp-other", WorkflowName: "somebody-else", Timestamp: time.Now()}
	if _, err := store.Save(cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := eng.ExecuteWorkflow(context.Background(), testDefinition(), ExecuteOptions{ResumeFrom: "cp-other"}); err == nil {
		t.Fatal("Expected error for mismatched checkpoint")
	}
}

func TestExecuteWorkflow_ResumeFromMissingCheckpoint(t *testing.T) {
	eng := newTestEngine(t, newScriptedBackend(nil))

	_, err := eng.ExecuteWorkflow(context.Background(), testDefinition(), ExecuteOptions{ResumeFrom: "ghost"})
	if err == nil {
		t.Fatal("Expected error for missing checkpoint")
	}
	if code := workflow.ErrorCode(err); code != workflow.CodeCheckpointNotFound {
		t.Errorf("Error code = %s, want %s", code, workflow.CodeCheckpointNotFound)
	}
}

func TestExecuteWorkflow_PreHookFailureStopsRun(t *testing.T) {
	backend := newScriptedBackend(func(req *OperationRequest) (*OperationResult, error) {
		if req.Command == "setup" {
			return nil, workflow.NewExecutionError("setup broken", nil).
				WithCode(workflow.CodeConfiguration)
		}
		return &OperationResult{Command: req.Command}, nil
	})
	eng := newTestEngine(t, backend)

	def := testDefinition()
	def.PreHooks = []workflow.Step{{Name: "setup", Description: "prepare", Command: "setup"}}

	result, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if result.Status != workflow.StatusFailed {
		t.Errorf("Status = %s, want failed", result.Status)
	}
	if backend.callsFor("plan") != 0 {
		t.Error("Steps ran despite pre-hook failure")
	}
}

func TestExecuteWorkflow_PreHookFailureContinuesWhenAllowed(t *testing.T) {
	backend := newScriptedBackend(func(req *OperationRequest) (*OperationResult, error) {
		if req.Command == "setup" {
			return nil, workflow.NewExecutionError("setup broken", nil).
				WithCode(workflow.CodeConfiguration)
		}
		return &OperationResult{Command: req.Command}, nil
	})
	eng := newTestEngine(t, backend)

	def := testDefinition()
	def.PreHooks = []workflow.Step{{Name: "setup", Description: "prepare", Command: "setup"}}

	result, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{ContinueOnHookFailure: true})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if result.Status != workflow.StatusCompleted {
		t.Errorf("Status = %s, want completed", result.Status)
	}
	if backend.callsFor("plan") != 1 {
		t.Error("Steps did not run after tolerated hook failure")
	}
	if len(result.Errors) == 0 {
		t.Error("Hook failure was not recorded in result errors")
	}
}

func TestExecuteWorkflow_HooksRun(t *testing.T) {
	backend := newScriptedBackend(nil)
	eng := newTestEngine(t, backend)

	def := testDefinition()
	def.PreHooks = []workflow.Step{{Name: "setup", Description: "prepare", Command: "setup"}}
	def.PostHooks = []workflow.Step{{Name: "announce", Description: "notify", Command: "announce"}}

	result, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if result.Status != workflow.StatusCompleted {
		t.Errorf("Status = %s", result.Status)
	}
	if backend.callsFor("setup") != 1 || backend.callsFor("announce") != 1 {
		t.Errorf("Hook calls: setup=%d announce=%d", backend.callsFor("setup"), backend.callsFor("announce"))
	}
}

func TestExecuteWorkflow_ParallelBatchObserved(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	running := 0
	peak := 0
	backend := newScriptedBackend(func(req *OperationRequest) (*OperationResult, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		both := running == 2
		mu.Unlock()
		if both {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		mu.Lock()
		running--
		mu.Unlock()
		return &OperationResult{Command: req.Command}, nil
	})
	eng := newTestEngine(t, backend)

	def := &workflow.Definition{
		Name:        "parallel",
		Description: "two independent steps",
		Steps: []workflow.Step{
			{Name: "east", Description: "deploy east", Command: "deploy-east"},
			{Name: "west", Description: "deploy west", Command: "deploy-west"},
		},
	}

	result, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if result.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s", result.Status)
	}
	if peak != 2 {
		t.Errorf("Peak concurrency = %d, want 2", peak)
	}
	if result.Parallelism.MaxObservedConcurrency != 2 {
		t.Errorf("MaxObservedConcurrency = %d, want 2", result.Parallelism.MaxObservedConcurrency)
	}
}

func TestExecuteWorkflow_StepTimeoutClassified(t *testing.T) {
	backend := newScriptedBackend(func(req *OperationRequest) (*OperationResult, error) {
		if req.Command != "apply" {
			return &OperationResult{Command: req.Command}, nil
		}
		return nil, errors.New("killed")
	})
	eng := newTestEngine(t, backend)
	resolvePending(t, eng, workflow.RecoveryAbort)

	def := testDefinition()
	def.Steps[1].Timeout = time.Nanosecond

	result, err := eng.ExecuteWorkflow(context.Background(), def, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if result.Status == workflow.StatusCompleted {
		t.Errorf("Status = %s, expected a failed run", result.Status)
	}
}

func TestValidateWorkflow_CollectsIssues(t *testing.T) {
	eng := newTestEngine(t, newScriptedBackend(nil))

	def := testDefinition()
	def.Steps[0].DependsOn = []string{"verify"}

	result := eng.ValidateWorkflow(def)
	if result.Valid {
		t.Fatal("Expected invalid result")
	}
	found := false
	for _, issue := range result.Issues {
		if issue.Code == workflow.CodeCyclicDependency {
			found = true
		}
	}
	if !found {
		t.Errorf("No cyclic dependency issue in %v", result.Issues)
	}
}

func TestExecuteManualRollback(t *testing.T) {
	backend := newScriptedBackend(nil)
	eng := newTestEngine(t, backend)

	def := testDefinition()
	def.RollbackSteps = []workflow.RollbackStep{
		{Name: "undo", Type: workflow.RollbackResourceDestroy, Command: "destroy"},
	}

	result, err := eng.ExecuteManualRollback(context.Background(), def, "operator requested", []string{"plan", "apply"})
	if err != nil {
		t.Fatalf("ExecuteManualRollback failed: %v", err)
	}
	if !result.Success {
		t.Errorf("Rollback failed: %v", result.Errors)
	}
	if backend.callsFor("destroy") != 1 {
		t.Errorf("destroy calls = %d, want 1", backend.callsFor("destroy"))
	}

	history, err := eng.GetRollbackHistory(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("GetRollbackHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Trigger != workflow.TriggerManualRequest {
		t.Errorf("History = %v", history)
	}

	report, err := eng.GenerateRollbackReport(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("GenerateRollbackReport failed: %v", err)
	}
	for _, want := range []string{"manual_request", "operator requested", "undo", "SUCCEEDED"} {
		if !strings.Contains(report, want) {
			t.Errorf("Report missing %q:\n%s", want, report)
		}
	}
}

func TestNew_RequiresBackend(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("Expected error for missing backend")
	}
}
