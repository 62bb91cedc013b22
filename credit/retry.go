package credit

import (
	"context"
	"time"
)

// RetryPolicy bounds how often callers retry contention errors.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration // doubled after every failed attempt
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}
}

// WithRetry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget runs out. The last error is returned as is.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.Backoff

	var (
		result T
		err    error
	)
	for i := 0; i < attempts; i++ {
		result, err = fn(ctx)
		if err == nil || !IsRetryable(err) || i == attempts-1 {
			return result, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
		backoff *= 2
	}
	return result, err
}
