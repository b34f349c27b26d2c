// internal/gateway/retry.go
package gateway

import (
	"context"
	"time"
)

type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// attempts are used up. The delay doubles after each transient failure.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}

	var (
		result T
		err    error
	)
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		result, err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt == policy.Attempts {
			return result, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
		delay *= 2
	}
	return result, err
}
