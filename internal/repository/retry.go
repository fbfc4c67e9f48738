package repository

import (
	"context"
	"time"
)

// DefaultRetryAttempts is the number of attempts RetryOnDeadlock makes by default.
const DefaultRetryAttempts = 3

// retryBackoff is the pause before the n-th retry.
var retryBackoff = func(attempt int) time.Duration {
	return time.Duration(attempt) * 20 * time.Millisecond
}

// RetryOnDeadlock runs fn, re-running it while it fails with a retryable error, up to
// attempts times in total. It is meant for single-statement operations outside a
// transaction: inside one, the whole transaction has to be retried instead.
func RetryOnDeadlock(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = DefaultRetryAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(retryBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
