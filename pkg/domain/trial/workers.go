package trial

import (
	"fmt"
	"sort"

	"github.com/stepscope/stepscope/pkg/utils/maps"
)

// CompletionTracker records, per global step, which workers have
// written anything for it, and derives the completion watermark: the
// largest step known fully written by all workers (or force-advanced by
// the windowing policy).
//
// Per-step worker sets only grow, and the watermark never retreats for
// the lifetime of a trial.
type CompletionTracker struct {
	numWorkers     int
	workersForStep map[int]map[string]struct{}
	watermark      int
}

func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{
		workersForStep: map[int]map[string]struct{}{},
		watermark:      -1,
	}
}

// SetNumWorkers fixes the expected worker count, discovered from the
// collection-registry handshake.
func (c *CompletionTracker) SetNumWorkers(n int) {
	c.numWorkers = n
}

func (c *CompletionTracker) NumWorkers() int {
	return c.numWorkers
}

// Record marks that worker has written something for step. When the
// step's worker set reaches the expected count and the step is beyond
// the watermark, the watermark advances to it.
func (c *CompletionTracker) Record(step int, worker string) {
	set, ok := c.workersForStep[step]
	if !ok {
		set = map[string]struct{}{}
		c.workersForStep[step] = set
	}
	set[worker] = struct{}{}
	if 0 < c.numWorkers && len(set) == c.numWorkers && step > c.watermark {
		c.watermark = step
	}
}

// IsFullyWritten reports whether every expected worker has written step.
func (c *CompletionTracker) IsFullyWritten(step int) bool {
	return 0 < c.numWorkers && len(c.workersForStep[step]) == c.numWorkers
}

// WorkersFor lists the workers that have written step, ascending.
func (c *CompletionTracker) WorkersFor(step int) []string {
	workers := maps.KeysOf(c.workersForStep[step])
	sort.Strings(workers)
	return workers
}

// Watermark is the last complete step, -1 before any step completed.
func (c *CompletionTracker) Watermark() int {
	return c.watermark
}

// AdvanceWatermarkTo force-advances the watermark, for the windowing
// policy. Retreating the watermark is a programming error, not a
// runtime condition.
func (c *CompletionTracker) AdvanceWatermarkTo(step int) {
	if step < c.watermark {
		panic(fmt.Sprintf(
			"completion watermark must not retreat: %d -> %d", c.watermark, step,
		))
	}
	c.watermark = step
}
