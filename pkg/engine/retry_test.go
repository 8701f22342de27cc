package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openrollout/rollout/pkg/workflow"
)

func newTestRetryExecutor() *RetryExecutor {
	r := NewRetryExecutor(nil, nil)
	r.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return r
}

func TestRetryRun_SucceedsAfterTransientFailures(t *testing.T) {
	r := newTestRetryExecutor()
	policy := &workflow.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, DisableJitter: true}

	calls := 0
	result, err := r.Run(context.Background(), "wf", "apply-step", policy, func(ctx context.Context) (*OperationResult, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return &OperationResult{Command: "apply"}, nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if result == nil || result.Command != "apply" {
		t.Errorf("Unexpected result: %+v", result)
	}
}

func TestRetryRun_ExhaustionReturnsRecoveryExhausted(t *testing.T) {
	r := newTestRetryExecutor()
	policy := &workflow.RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond, DisableJitter: true}

	calls := 0
	_, err := r.Run(context.Background(), "wf", "flaky", policy, func(ctx context.Context) (*OperationResult, error) {
		calls++
		return nil, errors.New("still broken")
	})
	if err == nil {
		t.Fatal("Expected error after exhaustion")
	}

	var exhausted *workflow.RecoveryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected RecoveryExhaustedError, got %T: %v", err, err)
	}
	if exhausted.StepName != "flaky" {
		t.Errorf("StepName = %s", exhausted.StepName)
	}
	if exhausted.Attempts != 2 || len(exhausted.AttemptErrors) != 2 {
		t.Errorf("Attempts = %d, AttemptErrors = %v", exhausted.Attempts, exhausted.AttemptErrors)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestRetryRun_NilPolicyMeansSingleAttempt(t *testing.T) {
	r := newTestRetryExecutor()

	calls := 0
	_, err := r.Run(context.Background(), "wf", "once", nil, func(ctx context.Context) (*OperationResult, error) {
		calls++
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls)
	}
}

func TestRetryRun_NonRetryableCodeStopsImmediately(t *testing.T) {
	r := newTestRetryExecutor()
	policy := &workflow.RetryPolicy{
		MaxAttempts:   5,
		Delay:         time.Millisecond,
		DisableJitter: true,
		RetryOnCodes:  []string{workflow.CodeNetworkError},
	}

	denied := workflow.NewExecutionError("access denied", nil).WithCode(workflow.CodePermissionDenied)
	calls := 0
	_, err := r.Run(context.Background(), "wf", "guarded", policy, func(ctx context.Context) (*OperationResult, error) {
		calls++
		return nil, denied
	})
	if calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls)
	}
	// The original error surfaces untouched so recovery can classify it.
	if !errors.Is(err, denied) {
		t.Errorf("Expected the original error, got %v", err)
	}
}

func TestRetryRun_ListedCodeKeepsRetrying(t *testing.T) {
	r := newTestRetryExecutor()
	policy := &workflow.RetryPolicy{
		MaxAttempts:   3,
		Delay:         time.Millisecond,
		DisableJitter: true,
		RetryOnCodes:  []string{workflow.CodeNetworkError},
	}

	calls := 0
	_, err := r.Run(context.Background(), "wf", "net", policy, func(ctx context.Context) (*OperationResult, error) {
		calls++
		return nil, workflow.NewExecutionError("unreachable", nil).WithCode(workflow.CodeNetworkError)
	})
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	var exhausted *workflow.RecoveryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected RecoveryExhaustedError, got %v", err)
	}
}

func TestRetryRun_CancelledContextStopsRetrying(t *testing.T) {
	r := NewRetryExecutor(nil, nil)
	policy := &workflow.RetryPolicy{MaxAttempts: 5, Delay: time.Minute, DisableJitter: true}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		// Cancel while the executor waits out the first backoff.
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, "wf", "slow", policy, func(ctx context.Context) (*OperationResult, error) {
		calls++
		return nil, errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", calls)
	}
}

func TestDelay_Strategies(t *testing.T) {
	r := NewRetryExecutor(nil, nil)

	tests := []struct {
		name    string
		policy  workflow.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{
			name: "fixed",
			policy: workflow.RetryPolicy{
				Strategy: workflow.BackoffFixed, Delay: 100 * time.Millisecond,
				DisableJitter: true,
			},
			attempt: 4,
			want:    100 * time.Millisecond,
		},
		{
			name: "linear",
			policy: workflow.RetryPolicy{
				Strategy: workflow.BackoffLinear, Delay: 100 * time.Millisecond,
				DisableJitter: true,
			},
			attempt: 3,
			want:    300 * time.Millisecond,
		},
		{
			name: "exponential",
			policy: workflow.RetryPolicy{
				Strategy: workflow.BackoffExponential, Delay: 100 * time.Millisecond,
				BackoffMultiplier: 2, DisableJitter: true,
			},
			attempt: 3,
			want:    400 * time.Millisecond,
		},
		{
			name: "exponential clamped to max delay",
			policy: workflow.RetryPolicy{
				Strategy: workflow.BackoffExponential, Delay: time.Second,
				BackoffMultiplier: 2, MaxDelay: 5 * time.Second, DisableJitter: true,
			},
			attempt: 10,
			want:    5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Delay(&tt.policy, tt.attempt)
			if got != tt.want {
				t.Errorf("Delay = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDelay_JitterStaysWithinBounds(t *testing.T) {
	r := NewRetryExecutor(nil, nil)
	policy := &workflow.RetryPolicy{Strategy: workflow.BackoffFixed, Delay: time.Second}

	for i := 0; i < 100; i++ {
		d := r.Delay(policy, 2)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("Jittered delay %s outside [900ms, 1100ms]", d)
		}
	}
}
