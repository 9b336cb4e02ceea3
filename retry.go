package stepflow

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry.
type RetryBuilder struct {
	policy api.RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: api.RetryPolicy{
			MaxAttempts: maxAttempts,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = initial
	p.MaxBackoff = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits the same delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = delay
	p.MaxBackoff = 0
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Backoff = 0
	p.MaxBackoff = 0
	p.BackoffMultiplier = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to WithRetry.
func (r RetryBuilder) Policy() api.RetryPolicy {
	return r.policy
}

// WithRetry returns a copy of step whose Execute is retried per policy.
// Suspensions and context errors end the attempts immediately. The copy
// is a distinct step: look its result up through the returned pointer.
func WithRetry(step *api.Step, policy api.RetryPolicy) *api.Step {
	out := *step
	fn := step.Execute
	out.Execute = func(ctx context.Context, p api.ExecuteParams) (any, error) {
		attempts := policy.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			res, err := fn(ctx, p)
			if err == nil {
				return res, nil
			}
			lastErr = err
			if _, ok := api.IsSuspend(err); ok || !retryable(ctx, err) || attempt == attempts {
				return nil, err
			}
			if err := sleep(ctx, backoffFor(policy, attempt)); err != nil {
				return nil, errors.Join(lastErr, err)
			}
		}
		return nil, lastErr
	}
	return &out
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// backoffFor returns the delay after the given failed attempt (1-based).
func backoffFor(p api.RetryPolicy, attempt int) time.Duration {
	d := p.Backoff
	if d <= 0 {
		return 0
	}
	if p.BackoffMultiplier > 1 {
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.BackoffMultiplier)
			if p.MaxBackoff > 0 && d >= p.MaxBackoff {
				return p.MaxBackoff
			}
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
