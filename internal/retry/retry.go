// Package retry provides a small bounded exponential-backoff-with-jitter
// helper (spec.md §9). No other package in this module calls it: sandbox
// driver operations, cache reads and blob downloads are each attempted
// once.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Retryable is implemented by errors that know whether a retry is worth
// attempting (e.g. *sandbox.Error).
type Retryable interface {
	Retryable() bool
}

// Do runs op up to maxAttempts times, waiting baseDelay*2^(attempt-1) plus
// up to 50% jitter between attempts. It stops early if op succeeds, if ctx
// is canceled, or if the error implements Retryable and returns false;
// errors that do not implement Retryable are retried.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, op func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		var r Retryable
		if errors.As(lastErr, &r) && !r.Retryable() {
			return lastErr
		}

		if attempt == maxAttempts {
			break
		}

		delay := baseDelay * time.Duration(1<<uint(attempt-1))
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
