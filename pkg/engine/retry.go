package engine

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/openrollout/rollout/pkg/telemetry"
	"github.com/openrollout/rollout/pkg/workflow"
)

// Operation is one attemptable unit of work.
type Operation func(ctx context.Context) (*OperationResult, error)

// RetryExecutor runs operations under a retry policy with backoff between
// attempts. The executor is stateless and safe for concurrent use.
type RetryExecutor struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	// sleep is replaceable in tests. Defaults to a context-aware wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryExecutor creates a retry executor.
func NewRetryExecutor(logger *telemetry.Logger, metrics *telemetry.Metrics) *RetryExecutor {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &RetryExecutor{
		logger:  logger,
		metrics: metrics,
		sleep:   sleepContext,
	}
}

// Run executes op under the given policy. A nil policy means a single
// attempt. On exhaustion it returns a *workflow.RecoveryExhaustedError
// carrying every attempt's error. When the policy lists RetryOnCodes, an
// error whose code is not listed stops retrying immediately.
func (r *RetryExecutor) Run(ctx context.Context, workflowName, stepName string, policy *workflow.RetryPolicy, op Operation) (*OperationResult, error) {
	norm := normalize(policy)

	var attemptErrors []string
	var lastErr error

	for attempt := 1; attempt <= norm.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.Delay(&norm, attempt)
			r.logger.WithStep(stepName).Debugf("retrying in %s (attempt %d/%d)", delay, attempt, norm.MaxAttempts)
			if r.metrics != nil {
				r.metrics.RetryAttempted(workflowName, stepName)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err
		attemptErrors = append(attemptErrors, err.Error())
		r.logger.WithStep(stepName).WithError(err).Warnf("attempt %d/%d failed", attempt, norm.MaxAttempts)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(norm.RetryOnCodes) > 0 && !codeListed(norm.RetryOnCodes, workflow.ErrorCode(err)) {
			// Not a retryable failure for this policy. Surface it as-is.
			return nil, err
		}
	}

	return nil, &workflow.RecoveryExhaustedError{
		StepName:      stepName,
		Attempts:      len(attemptErrors),
		AttemptErrors: attemptErrors,
		LastErr:       lastErr,
	}
}

// Delay computes the backoff before the given attempt number (the second
// attempt is number 2). The result is clamped to the policy's MaxDelay and,
// unless jitter is disabled, randomized within plus or minus ten percent.
func (r *RetryExecutor) Delay(policy *workflow.RetryPolicy, attempt int) time.Duration {
	norm := normalize(policy)

	var delay time.Duration
	switch norm.Strategy {
	case workflow.BackoffFixed:
		delay = norm.Delay
	case workflow.BackoffLinear:
		delay = norm.Delay * time.Duration(attempt)
	default: // exponential
		delay = time.Duration(float64(norm.Delay) * pow(norm.BackoffMultiplier, attempt-1))
	}

	if norm.MaxDelay > 0 && delay > norm.MaxDelay {
		delay = norm.MaxDelay
	}
	if !norm.DisableJitter {
		delay = time.Duration(float64(delay) * (0.9 + 0.2*rand.Float64()))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func normalize(policy *workflow.RetryPolicy) workflow.RetryPolicy {
	if policy == nil {
		return workflow.RetryPolicy{}.Normalized()
	}
	return policy.Normalized()
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func codeListed(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
