package db

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how transient storage failures are retried.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	b = retry.WithJitterPercent(20, b)
	attempts := p.Attempts
	if attempts < 0 {
		attempts = 0
	}
	return retry.WithMaxRetries(uint64(attempts), b)
}

// Retry runs fn until it succeeds, returns a non-transient error, the policy
// is exhausted, or ctx is done. The last error is returned as-is so callers
// can classify it.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	return RetryIf(ctx, policy, IsTransient, fn)
}

// RetryIf is Retry with a caller-supplied transient check, for I/O that is not
// a database call.
func RetryIf(ctx context.Context, policy RetryPolicy, transient func(error) bool, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && transient != nil && transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
