package context

import (
	"context"
	"testing"
	"time"
)

// WithTest derives a context whose deadline falls 1 second before the
// test's own, leaving room to clean up before the framework kills the
// test.
func WithTest(ctx context.Context, t *testing.T) (context.Context, func()) {
	if deadline, ok := t.Deadline(); ok {
		dctx, cancel := context.WithDeadline(ctx, deadline.Add(-time.Second))
		return dctx, cancel
	}
	return ctx, func() {}
}
