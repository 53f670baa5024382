// Package loop runs a task repeatedly until the task decides to stop.
//
// stepscope has no background threads of its own: polling for new index
// files, waiting for steps to become available and retrying bootstrap
// reads are all cooperative loops driven by the caller. This package is
// the shared shape of those loops.
package loop

import (
	"context"
	"fmt"
	"time"
)

// Next tells Start what to do after a task returns.
type Next struct {
	// if not nil, break with this error.
	err error

	// if quit == true and err == nil, break without error.
	quit bool

	// otherwise, run the task again after interval.
	interval time.Duration
}

func (n Next) String() string {
	if n.err != nil {
		return fmt.Sprintf("[break] with error: %v", n.err)
	}
	if n.quit {
		return "[break] without error"
	}
	return fmt.Sprintf("[continue] interval: %s", n.interval)
}

// Continue lets the loop run one more cycle after sleeping interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break stops the loop. err may be nil for a clean stop.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task is one loop cycle. It receives the value of the previous cycle
// and returns the value for the next one, with the verdict.
//
// The zero Next is Continue(0), that is, "go next as soon as possible".
type Task[T any] func(context.Context, T) (T, Next)

// Start runs task in a loop.
//
// The first cycle is task(ctx, init). Each later cycle receives the T
// returned by the one before. Sleeping between cycles is done on a
// timer raced against ctx, so cancelling ctx stops the loop promptly
// with ctx.Err(); the last T is returned either way.
func Start[T any](ctx context.Context, init T, task Task[T], options ...Option) (T, error) {
	select {
	case <-ctx.Done():
		return init, ctx.Err()
	default:
	}

	value := init
	for {
		cfg := &config{ctx: ctx}
		for _, opt := range options {
			cfg = opt(cfg)
		}

		v, n := func() (T, Next) {
			ctx := cfg.ctx
			if cfg.deferred != nil {
				defer cfg.deferred()
			}
			return task(ctx, value)
		}()

		if n.err != nil {
			return v, n.err
		} else if n.quit {
			return v, nil
		}
		value = v

		timer := time.NewTimer(n.interval)
		select {
		case <-ctx.Done():
			// shutdown wins over the timer.
			if !timer.Stop() {
				<-timer.C
			}
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}

type config struct {
	ctx      context.Context
	deferred func()
}

type Option func(*config) *config

// WithTimeout sets a per-cycle deadline on the context passed to the task.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) *config {
		ctx, cancel := context.WithTimeout(cfg.ctx, d)
		return &config{
			ctx: ctx,
			deferred: func() {
				if cfg.deferred != nil {
					defer cfg.deferred()
				}
				cancel()
			},
		}
	}
}
