// Package retry blocks on a function until it stops asking to be retried.
//
// The trial bootstrap uses this: collection descriptors appear at some
// unknown point after the training job starts, so the first read is a
// patient retry loop rather than an error.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRetry is the sentinel a retried function returns to say
// "not yet, call me again after backoff".
var ErrRetry = errors.New("retry")

// Backoff is a blocking function returning when to retry.
//
// It returns nil to retry now, or ctx.Err() when the context is done.
type Backoff func(context.Context) error

// StaticBackoff waits a fixed interval between attempts.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// ExponentialBackoff waits initialInterval * r^N before the N-th attempt.
func ExponentialBackoff(initialInterval time.Duration, r float64) Backoff {
	interval := initialInterval
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			interval = time.Duration(int64(float64(interval) * r))
			return nil
		}
	}
}

// Blocking calls f until it returns nil or a non-retry error.
//
// Each attempt is preceded by one backoff wait, so the very first call
// already sleeps; callers wanting an immediate first attempt should
// probe once before entering Blocking.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	last := *new(T)
	for {
		if err := b(ctx); err != nil {
			return last, err
		}

		var err error
		last, err = f()
		if err == nil {
			return last, nil
		}
		if errors.Is(err, ErrRetry) {
			continue
		}
		return last, err
	}
}
