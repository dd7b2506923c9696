package engine

import (
	"context"
	"time"

	"github.com/rendis/taskpilot/internal/actions"
	"github.com/rendis/taskpilot/internal/safety"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Sleeper waits for d or until ctx ends. Tests inject one that records the
// requested delays instead of sleeping.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ComputeBackoff returns the wait before the attempt after attempt:
// backoff_seconds * 2^(attempt-1).
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if policy.BackoffSeconds <= 0 || attempt < 1 {
		return 0
	}
	delay := time.Duration(policy.BackoffSeconds) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// maxAttempts returns the policy's attempt bound, at least one.
func maxAttempts(policy schema.RetryPolicy) int {
	if policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

// ShouldRetry decides whether a failed attempt gets another one. code_not_found
// is recoverable only while the step's code window, measured from its first
// attempt, is still open.
func ShouldRetry(step *schema.Step, err error, attempt int, windowStart, now time.Time) bool {
	if attempt >= maxAttempts(step.Retry) {
		return false
	}
	if schema.IsCode(err, schema.ErrCodeCodeNotFound) {
		if windowStart.IsZero() {
			return false
		}
		return now.Sub(windowStart) < actions.CodeWindow(step.Params)
	}
	return schema.IsRecoverable(err)
}

// waitBackoff sleeps through a retry delay. The wait ends early with the
// kill switch's run_aborted error when the run is killed.
func waitBackoff(ctx context.Context, sleep Sleeper, kill *safety.KillSwitch, d time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-kill.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := sleep(waitCtx, d)
	if kill.Killed() {
		return kill.Check(ctx)
	}
	return err
}
