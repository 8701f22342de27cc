package engine

import (
	"context"
	"testing"
	"time"

	"github.com/openrollout/rollout/pkg/checkpoint"
	"github.com/openrollout/rollout/pkg/workflow"
)

func newTestRecoveryManager(t *testing.T) *RecoveryManager {
	t.Helper()
	return NewRecoveryManager(checkpoint.NewStore(t.TempDir()), nil, nil)
}

func failureContext(command, code, message string, attempt int) *workflow.StepContext {
	return &workflow.StepContext{
		Step:         &workflow.Step{Name: "step-1", Command: command},
		WorkflowName: "wf",
		Attempt:      attempt,
		Err:          &workflow.Error{Kind: workflow.KindExecution, Message: message, Code: code},
	}
}

func TestAnalyzeError_Classification(t *testing.T) {
	m := newTestRecoveryManager(t)

	tests := []struct {
		name    string
		sc      *workflow.StepContext
		want    workflow.RecoveryType
		delayed bool
	}{
		{
			name: "network error retries",
			sc:   failureContext("apply", workflow.CodeNetworkError, "unreachable", 1),
			want: workflow.RecoveryRetry,
		},
		{
			name: "timeout retries",
			sc:   failureContext("plan", workflow.CodeTimeout, "deadline", 2),
			want: workflow.RecoveryRetry,
		},
		{
			name: "transient stops retrying at third attempt",
			sc:   failureContext("apply", workflow.CodeNetworkError, "unreachable", 3),
			// Falls through to the apply rule, which also stops at attempt 3.
			want: workflow.RecoveryManual,
		},
		{
			name: "permission denied goes manual",
			sc:   failureContext("apply", workflow.CodePermissionDenied, "forbidden", 1),
			want: workflow.RecoveryManual,
		},
		{
			name: "authentication failure goes manual",
			sc:   failureContext("apply", workflow.CodeAuthenticationFailed, "bad token", 1),
			want: workflow.RecoveryManual,
		},
		{
			name:    "resource conflict retries with delay",
			sc:      failureContext("apply", workflow.CodeResourceConflict, "conflict", 1),
			want:    workflow.RecoveryRetry,
			delayed: true,
		},
		{
			name:    "state lock retries with delay",
			sc:      failureContext("apply", workflow.CodeStateLock, "locked", 2),
			want:    workflow.RecoveryRetry,
			delayed: true,
		},
		{
			name: "configuration error goes manual",
			sc:   failureContext("apply", workflow.CodeConfiguration, "bad config", 1),
			want: workflow.RecoveryManual,
		},
		{
			name: "apply command retries once without code",
			sc:   failureContext("apply", "", "unexpected", 1),
			want: workflow.RecoveryRetry,
		},
		{
			name: "apply command stops at second attempt",
			sc:   failureContext("apply", "", "unexpected", 2),
			want: workflow.RecoveryManual,
		},
		{
			name: "destroy blocked by dependents goes manual",
			sc:   failureContext("destroy", "", "resource has dependent objects", 1),
			want: workflow.RecoveryManual,
		},
		{
			name: "unclassified failure goes manual",
			sc:   failureContext("validate", "", "mystery", 1),
			want: workflow.RecoveryManual,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy := m.AnalyzeError(tt.sc)
			if strategy.Type != tt.want {
				t.Errorf("Type = %s, want %s (%s)", strategy.Type, tt.want, strategy.Reason)
			}
			if tt.delayed && strategy.Delay <= 0 {
				t.Error("Expected a retry delay")
			}
		})
	}
}

func TestAnalyzeError_ContentionDelayGrows(t *testing.T) {
	m := newTestRecoveryManager(t)

	first := m.AnalyzeError(failureContext("apply", workflow.CodeStateLock, "locked", 1))
	second := m.AnalyzeError(failureContext("apply", workflow.CodeStateLock, "locked", 2))
	if second.Delay <= first.Delay {
		t.Errorf("Delay should grow with attempts: first=%s second=%s", first.Delay, second.Delay)
	}
}

func TestRequestAndResolve(t *testing.T) {
	m := newTestRecoveryManager(t)

	sc := failureContext("apply", workflow.CodePermissionDenied, "forbidden", 1)
	strategy := m.AnalyzeError(sc)
	req := m.Request(sc, strategy)

	if req.ID == "" {
		t.Fatal("Request id is empty")
	}
	if req.ErrorCode != workflow.CodePermissionDenied {
		t.Errorf("ErrorCode = %s", req.ErrorCode)
	}
	if len(req.SuggestedActions) == 0 {
		t.Error("Expected suggested actions")
	}

	pending := m.ListPending()
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("ListPending = %v", pending)
	}

	resolved, err := m.Resolve(req.ID, workflow.RecoverySkip)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.ID != req.ID {
		t.Errorf("Resolved id = %s, want %s", resolved.ID, req.ID)
	}
	if len(m.ListPending()) != 0 {
		t.Error("Request still pending after resolution")
	}
}

func TestResolve_UnknownID(t *testing.T) {
	m := newTestRecoveryManager(t)

	_, err := m.Resolve("no-such-id", workflow.RecoveryRetry)
	if err == nil {
		t.Fatal("Expected error for unknown id")
	}
	if code := workflow.ErrorCode(err); code != workflow.CodeInterventionNotFound {
		t.Errorf("Error code = %s, want %s", code, workflow.CodeInterventionNotFound)
	}
}

func TestResolve_InvalidDecision(t *testing.T) {
	m := newTestRecoveryManager(t)

	if _, err := m.Resolve("any", workflow.RecoveryType("explode")); err == nil {
		t.Fatal("Expected error for invalid decision")
	}
}

func TestRequestAndAwait_ReleasedByResolve(t *testing.T) {
	m := newTestRecoveryManager(t)
	sc := failureContext("apply", workflow.CodePermissionDenied, "forbidden", 1)

	type outcome struct {
		resolution workflow.RecoveryStrategy
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		resolution, err := m.RequestAndAwait(context.Background(), sc, m.AnalyzeError(sc))
		done <- outcome{resolution, err}
	}()

	// Wait for the request to land in the queue, then resolve it.
	var id string
	for i := 0; i < 100; i++ {
		if pending := m.ListPending(); len(pending) == 1 {
			id = pending[0].ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("Request never became pending")
	}
	if _, err := m.Resolve(id, workflow.RecoveryRetry); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("RequestAndAwait failed: %v", out.err)
		}
		if out.resolution.Type != workflow.RecoveryRetry {
			t.Errorf("Resolution = %s, want retry", out.resolution.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestAndAwait did not return after resolution")
	}
}

func TestRequestAndAwait_CancelledContext(t *testing.T) {
	m := newTestRecoveryManager(t)
	sc := failureContext("apply", workflow.CodePermissionDenied, "forbidden", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.RequestAndAwait(ctx, sc, m.AnalyzeError(sc))
	if err == nil {
		t.Fatal("Expected context error")
	}
	if len(m.ListPending()) != 0 {
		t.Error("Cancelled request left in the queue")
	}
}

func TestListPending_OrderedByTimestamp(t *testing.T) {
	m := newTestRecoveryManager(t)

	first := m.Request(failureContext("apply", "", "one", 1), workflow.RecoveryStrategy{})
	second := m.Request(failureContext("apply", "", "two", 1), workflow.RecoveryStrategy{})
	second.Timestamp = first.Timestamp.Add(time.Second)

	pending := m.ListPending()
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Errorf("Pending order wrong: %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	m := newTestRecoveryManager(t)

	cp := &workflow.Checkpoint{
		WorkflowName:   "deploy-db",
		StepIndex:      2,
		StepName:       "migrate",
		CompletedSteps: []string{"plan", "apply"},
	}
	id, err := m.SaveCheckpoint(cp)
	if err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if id == "" {
		t.Fatal("Checkpoint id is empty")
	}

	loaded, err := m.LoadCheckpoint(id)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.WorkflowName != "deploy-db" || loaded.StepName != "migrate" {
		t.Errorf("Loaded = %+v", loaded)
	}
	if len(loaded.CompletedSteps) != 2 {
		t.Errorf("CompletedSteps = %v", loaded.CompletedSteps)
	}
	if loaded.Timestamp.IsZero() {
		t.Error("Timestamp was not defaulted")
	}
}

func TestListCheckpoints_FilteredByWorkflow(t *testing.T) {
	m := newTestRecoveryManager(t)

	for _, name := range []string{"alpha", "alpha", "beta"} {
		if _, err := m.SaveCheckpoint(&workflow.Checkpoint{WorkflowName: name}); err != nil {
			t.Fatalf("SaveCheckpoint failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	alphas, err := m.ListCheckpoints("alpha")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(alphas) != 2 {
		t.Errorf("Expected 2 alpha checkpoints, got %d", len(alphas))
	}

	all, err := m.ListCheckpoints("")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 checkpoints, got %d", len(all))
	}
}

func TestCreateEmergencyCheckpoint(t *testing.T) {
	m := newTestRecoveryManager(t)

	id, err := m.CreateEmergencyCheckpoint("wf", 1, "apply",
		[]string{"plan"}, []string{"apply"}, map[string]any{"region": "eu-west-1"})
	if err != nil {
		t.Fatalf("CreateEmergencyCheckpoint failed: %v", err)
	}

	cp, err := m.LoadCheckpoint(id)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.StepName != "apply" || len(cp.FailedSteps) != 1 {
		t.Errorf("Checkpoint = %+v", cp)
	}
	if cp.State["region"] != "eu-west-1" {
		t.Errorf("State = %v", cp.State)
	}
}
