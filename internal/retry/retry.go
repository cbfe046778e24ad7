// Package retry implements the capped exponential backoff the Worker Pool
// uses around upstream downloads: a bounded attempt count, a classifier that
// decides whether an error is worth retrying, and a context-aware sleep
// between attempts.
package retry

import (
	"context"
	"time"
)

// Backoff describes a capped exponential backoff schedule: base, doubling
// each attempt, never exceeding cap.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff is the download retry policy: base 1s, cap 60s, 5 attempts.
var DefaultBackoff = Backoff{Base: time.Second, Cap: 60 * time.Second, MaxAttempts: 5}

// Delay returns the backoff delay before the given attempt (1-indexed: the
// delay awaited before attempt 2, 3, ...).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Cap > 0 && delay > b.Cap {
			delay = b.Cap
			break
		}
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}
	return delay
}

// Do invokes fn up to b.MaxAttempts times (minimum 1). Between attempts it
// sleeps for the schedule's backoff delay, honoring ctx cancellation. It
// retries only while isRetryable(err) is true; a non-retryable error is
// returned immediately without exhausting the attempt budget. onRetry, if
// non-nil, is invoked after each failed-but-retryable attempt, before the
// backoff sleep, so callers can emit a download_retry observability event.
func Do(ctx context.Context, b Backoff, isRetryable func(error) bool, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Delay(attempt)):
		}
	}
	return lastErr
}
