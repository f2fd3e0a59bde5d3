package orchestrator

import (
	"context"
	"time"

	"github.com/beemflow/flow/pkg/schema"
)

// shouldRetry reports whether a failed tool invocation should be
// retried: the step declares a retry policy, the policy's total
// invocation budget (attempts) isn't yet spent, and the error is an
// adapter error (schema.Retryable — validation, template, and timeout
// errors are never retried regardless of policy). attemptsMade is the
// count of invocations already performed, including the one that just
// failed, so `retry: {attempts: k}` on an always-failing step produces
// exactly k invocations total (spec.md's documented behavior).
func shouldRetry(policy *schema.RetryPolicy, attemptsMade int, err error) bool {
	if policy == nil {
		return false
	}
	if attemptsMade >= policy.Attempts {
		return false
	}
	return schema.Retryable(err)
}

// waitForRetry sleeps for the step's configured delay, or returns
// early with ctx's error if the run is cancelled first. BeemFlow's
// RetryPolicy is a flat attempts+delay_sec pair rather than a
// backoff-strategy switch, so there is no escalating delay to compute.
func waitForRetry(ctx context.Context, policy *schema.RetryPolicy) error {
	delay := time.Duration(policy.DelaySec) * time.Second
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
