package engine

import (
	"context"
	"time"

	"github.com/openrollout/rollout/pkg/workflow"
)

// OperationRequest describes one invocation of the infrastructure backend.
type OperationRequest struct {
	// Command is the opaque operation identifier (e.g. "plan", "apply").
	Command string `json:"command"`

	// Args are positional arguments for the command.
	Args []string `json:"args,omitempty"`

	// Options are named options for the command.
	Options map[string]string `json:"options,omitempty"`

	// Variables are run-scoped variables available to the backend.
	Variables map[string]string `json:"variables,omitempty"`
}

// OperationResult is the backend's report for a completed operation.
type OperationResult struct {
	// Command is the operation that was performed.
	Command string `json:"command"`

	// Output is the backend's textual output.
	Output string `json:"output,omitempty"`

	// Changed indicates the operation mutated infrastructure.
	Changed bool `json:"changed,omitempty"`

	// Duration is the backend-reported execution time.
	Duration time.Duration `json:"duration,omitempty"`
}

// OperationBackend executes infrastructure operations. The engine treats the
// semantics of each command as opaque; only the error code of a failure is
// inspected, for recovery classification.
type OperationBackend interface {
	// Execute runs one operation to completion.
	Execute(ctx context.Context, req *OperationRequest) (*OperationResult, error)
}

// StateBackend manages infrastructure state snapshots. It is used
// exclusively by state-restore rollback steps and progressive rollback
// re-evaluation.
type StateBackend interface {
	// LoadState returns the current state snapshot.
	LoadState(ctx context.Context) (map[string]any, error)

	// SaveState persists a state snapshot.
	SaveState(ctx context.Context, state map[string]any) error

	// CreateBackup snapshots the current state and returns its location.
	CreateBackup(ctx context.Context) (string, error)

	// RestoreBackup restores the state at the given location and returns it.
	RestoreBackup(ctx context.Context, location string) (map[string]any, error)
}

// RunRecord is the persisted summary of one workflow run.
type RunRecord struct {
	// ID is the run identifier.
	ID string `json:"id"`

	// WorkflowName is the executed workflow.
	WorkflowName string `json:"workflow_name"`

	// Status is the terminal state of the run.
	Status workflow.Status `json:"status"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error is the run-level failure message, if any.
	Error string `json:"error,omitempty"`

	// Summary is the JSON-encoded execution result.
	Summary string `json:"summary,omitempty"`
}

// HistoryStore persists run records and the append-only rollback history.
type HistoryStore interface {
	// SaveRun persists a run record, inserting or updating by id.
	SaveRun(ctx context.Context, record *RunRecord) error

	// GetRun retrieves a run record by id.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns lists run records newest-first, filtered by workflow name
	// when one is given.
	ListRuns(ctx context.Context, workflowName string, limit int) ([]*RunRecord, error)

	// AppendRollback appends one immutable rollback history entry.
	AppendRollback(ctx context.Context, entry *workflow.RollbackHistoryEntry) error

	// ListRollbacks lists rollback history newest-first, filtered by
	// workflow name when one is given.
	ListRollbacks(ctx context.Context, workflowName string) ([]*workflow.RollbackHistoryEntry, error)
}

// RollbackConfirmer obtains operator confirmation for manual-strategy
// rollback plans. How confirmation is obtained is outside the engine.
type RollbackConfirmer interface {
	// Confirm reports whether the plan may run.
	Confirm(ctx context.Context, plan *workflow.RollbackPlan) (bool, error)
}

// RollbackConfirmerFunc adapts a function to the RollbackConfirmer interface.
type RollbackConfirmerFunc func(ctx context.Context, plan *workflow.RollbackPlan) (bool, error)

// Confirm implements RollbackConfirmer.
func (f RollbackConfirmerFunc) Confirm(ctx context.Context, plan *workflow.RollbackPlan) (bool, error) {
	return f(ctx, plan)
}
