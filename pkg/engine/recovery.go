package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrollout/rollout/pkg/checkpoint"
	"github.com/openrollout/rollout/pkg/telemetry"
	"github.com/openrollout/rollout/pkg/workflow"
)

// RecoveryManager classifies step failures into recovery strategies, owns the
// manual intervention queue, and persists checkpoints through the checkpoint
// store. Classification is deterministic; the intervention queue is safe for
// concurrent use.
type RecoveryManager struct {
	checkpoints *checkpoint.Store
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics

	mu      sync.Mutex
	pending map[string]*workflow.InterventionRequest
	waiters map[string]chan workflow.RecoveryStrategy
}

// NewRecoveryManager creates a recovery manager writing checkpoints to the
// given store.
func NewRecoveryManager(store *checkpoint.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *RecoveryManager {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &RecoveryManager{
		checkpoints: store,
		logger:      logger,
		metrics:     metrics,
		pending:     make(map[string]*workflow.InterventionRequest),
		waiters:     make(map[string]chan workflow.RecoveryStrategy),
	}
}

// transientCodes are failures worth retrying without operator input.
var transientCodes = map[string]bool{
	workflow.CodeNetworkError:     true,
	workflow.CodeTimeout:          true,
	workflow.CodeTemporaryFailure: true,
}

// applyCommands are operations that mutate infrastructure and are usually
// safe to re-run.
var applyCommands = map[string]bool{
	"apply":  true,
	"deploy": true,
	"up":     true,
}

// destroyCommands are operations that remove infrastructure.
var destroyCommands = map[string]bool{
	"destroy": true,
	"delete":  true,
	"down":    true,
}

// AnalyzeError maps a failed attempt to a recovery strategy. Rules are
// evaluated in order and the first match wins:
//
//  1. transient codes retry up to three attempts
//  2. permission and authentication failures go to manual review
//  3. conflict and state-lock failures retry after a growing delay
//  4. configuration and validation failures go to manual review
//  5. apply-type commands get one extra automatic retry
//  6. destroy-type failures mentioning dependents go to manual review
//  7. anything else goes to manual review
func (m *RecoveryManager) AnalyzeError(sc *workflow.StepContext) workflow.RecoveryStrategy {
	code := ""
	message := ""
	if sc.Err != nil {
		code = sc.Err.Code
		message = sc.Err.Message
	}

	if transientCodes[code] && sc.Attempt < 3 {
		return workflow.RecoveryStrategy{
			Type:   workflow.RecoveryRetry,
			Reason: fmt.Sprintf("transient failure (%s), attempt %d of 3", code, sc.Attempt),
		}
	}

	if code == workflow.CodePermissionDenied || code == workflow.CodeAuthenticationFailed {
		return workflow.RecoveryStrategy{
			Type:   workflow.RecoveryManual,
			Reason: "credential or permission failure requires operator review",
			SuggestedActions: []string{
				"verify the credentials available to the executor",
				"check IAM or role bindings for the target resources",
				"re-run the workflow once access is restored",
			},
		}
	}

	if code == workflow.CodeResourceConflict || code == workflow.CodeStateLock {
		delay := time.Duration(5000+sc.Attempt*2000) * time.Millisecond
		return workflow.RecoveryStrategy{
			Type:   workflow.RecoveryRetry,
			Reason: fmt.Sprintf("resource contention (%s), retrying after %s", code, delay),
			Delay:  delay,
		}
	}

	if code == workflow.CodeConfiguration || code == workflow.CodeValidation {
		return workflow.RecoveryStrategy{
			Type:   workflow.RecoveryManual,
			Reason: "configuration failure requires a definition fix",
			SuggestedActions: []string{
				"inspect the step's command, arguments and options",
				"validate the workflow definition and re-run",
			},
		}
	}

	if sc.Step != nil && applyCommands[sc.Step.Command] && sc.Attempt < 2 {
		return workflow.RecoveryStrategy{
			Type:   workflow.RecoveryRetry,
			Reason: fmt.Sprintf("%s operations are safe to re-run once", sc.Step.Command),
		}
	}

	if sc.Step != nil && destroyCommands[sc.Step.Command] &&
		strings.Contains(strings.ToLower(message), "depend") {
		return workflow.RecoveryStrategy{
			Type:   workflow.RecoveryManual,
			Reason: "destroy blocked by dependent resources",
			SuggestedActions: []string{
				"identify resources depending on the target",
				"remove or migrate dependents before retrying",
			},
		}
	}

	return workflow.RecoveryStrategy{
		Type:   workflow.RecoveryManual,
		Reason: "unclassified failure requires operator review",
		SuggestedActions: []string{
			"inspect the step error and backend logs",
			"resolve with retry, skip, rollback or abort",
		},
	}
}

// Request enqueues a manual intervention for the failed attempt and returns
// the pending request.
func (m *RecoveryManager) Request(sc *workflow.StepContext, strategy workflow.RecoveryStrategy) *workflow.InterventionRequest {
	req := &workflow.InterventionRequest{
		ID:               uuid.NewString(),
		StepName:         sc.Step.Name,
		SuggestedActions: strategy.SuggestedActions,
		Timestamp:        time.Now(),
		Context:          sc,
	}
	if sc.Err != nil {
		req.ErrorMessage = sc.Err.Message
		req.ErrorCode = sc.Err.Code
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	m.mu.Unlock()

	m.logger.WithStep(req.StepName).WithField("intervention_id", req.ID).
		Warn("manual intervention requested")
	if m.metrics != nil {
		m.metrics.InterventionPending(1)
	}
	return req
}

// RequestAndAwait enqueues a manual intervention and blocks until it is
// resolved or the context is cancelled. Cancellation removes the request
// from the queue.
func (m *RecoveryManager) RequestAndAwait(ctx context.Context, sc *workflow.StepContext, strategy workflow.RecoveryStrategy) (workflow.RecoveryStrategy, error) {
	req := m.Request(sc, strategy)

	ch := make(chan workflow.RecoveryStrategy, 1)
	m.mu.Lock()
	m.waiters[req.ID] = ch
	m.mu.Unlock()

	select {
	case resolution := <-ch:
		return resolution, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, req.ID)
		delete(m.waiters, req.ID)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.InterventionPending(-1)
		}
		return workflow.RecoveryStrategy{}, ctx.Err()
	}
}

// Resolve applies an operator decision to a pending intervention. The request
// is removed from the queue and any blocked worker is released. An unknown id
// yields an INTERVENTION_NOT_FOUND error.
func (m *RecoveryManager) Resolve(id string, decision workflow.RecoveryType) (*workflow.InterventionRequest, error) {
	if err := decision.Validate(); err != nil {
		return nil, workflow.NewValidationError(err.Error(), err)
	}

	m.mu.Lock()
	req, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return nil, workflow.NewExecutionError(
			fmt.Sprintf("no pending intervention with id %s", id), nil).
			WithCode(workflow.CodeInterventionNotFound)
	}
	delete(m.pending, id)
	ch := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()

	resolution := workflow.RecoveryStrategy{
		Type:   decision,
		Reason: fmt.Sprintf("operator resolved intervention %s", id),
	}
	if ch != nil {
		ch <- resolution
	}

	m.logger.WithStep(req.StepName).WithField("intervention_id", id).
		Infof("intervention resolved: %s", decision)
	if m.metrics != nil {
		m.metrics.InterventionPending(-1)
	}
	return req, nil
}

// ListPending returns the pending interventions ordered by creation time.
func (m *RecoveryManager) ListPending() []*workflow.InterventionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*workflow.InterventionRequest, 0, len(m.pending))
	for _, req := range m.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// SaveCheckpoint persists a progress snapshot and returns its id.
func (m *RecoveryManager) SaveCheckpoint(cp *workflow.Checkpoint) (string, error) {
	if cp.ID == "" {
		cp.ID = fmt.Sprintf("%s-%d", cp.WorkflowName, time.Now().UnixNano())
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}

	path, err := m.checkpoints.Save(cp)
	if err != nil {
		return "", err
	}
	m.logger.WithWorkflow(cp.WorkflowName).
		WithField("checkpoint_id", cp.ID).
		Debugf("checkpoint saved to %s", path)
	if m.metrics != nil {
		m.metrics.CheckpointSaved()
	}
	return cp.ID, nil
}

// LoadCheckpoint reads a snapshot by id.
func (m *RecoveryManager) LoadCheckpoint(id string) (*workflow.Checkpoint, error) {
	return m.checkpoints.Load(id)
}

// ListCheckpoints returns the stored snapshots for a workflow, newest first.
// An empty workflow name lists everything.
func (m *RecoveryManager) ListCheckpoints(workflowName string) ([]*workflow.Checkpoint, error) {
	return m.checkpoints.List(workflowName)
}

// CreateEmergencyCheckpoint snapshots progress right before a rollback so the
// pre-rollback position survives the unwind.
func (m *RecoveryManager) CreateEmergencyCheckpoint(workflowName string, stepIndex int, stepName string, completed, failed []string, state map[string]any) (string, error) {
	cp := &workflow.Checkpoint{
		ID:             fmt.Sprintf("emergency-%s-%d", workflowName, time.Now().UnixNano()),
		WorkflowName:   workflowName,
		StepIndex:      stepIndex,
		StepName:       stepName,
		Timestamp:      time.Now(),
		State:          state,
		CompletedSteps: append([]string(nil), completed...),
		FailedSteps:    append([]string(nil), failed...),
	}
	return m.SaveCheckpoint(cp)
}
