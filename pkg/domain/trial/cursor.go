package trial

import (
	"log"

	"github.com/stepscope/stepscope/pkg/index"
)

// Cursor is the trial's resume position in the collaborator's index
// listing, advanced conservatively and only forward.
//
// The position deliberately lags at the completion watermark instead of
// jumping to the newest file seen: index keys sort by (step, worker),
// so a straggling worker backfilling an old step writes a key that
// sorts before the newest one. Only steps proven complete need no
// re-scan, so only those are safe to skip.
type Cursor struct {
	token  index.Token
	window int
	logger *log.Logger
}

func NewCursor(window int, logger *log.Logger) *Cursor {
	return &Cursor{window: window, logger: logger}
}

// Token is the current resume position. Zero until a windowing rule has
// anchored it.
func (c *Cursor) Token() index.Token {
	return c.token
}

// Observe applies the windowing policy after a reconciliation pass that
// returned newToken. Two rules, in order, each able to rewrite the
// position:
//
//  1. Catch-up: when the watermark passed the step encoded in the
//     position, move the position to the watermark so proven-complete
//     ranges are not scanned again. The lexicographically last known
//     worker name anchors the key.
//
//  2. Backpressure window: when more than window steps are outstanding
//     (known but not complete), stop waiting for the oldest half
//     window: force the watermark forward by window/2 and anchor the
//     position there. The affected steps are treated as complete
//     without full worker confirmation; a trade of consistency for
//     bounded memory when a worker is badly behind.
//
// An empty newToken must not reach here: a pass that found nothing
// leaves the cursor untouched.
func (c *Cursor) Observe(
	newToken index.Token, tracker *CompletionTracker, knownSteps int, lastWorker string,
) {
	prefix := newToken.Prefix()

	positionStep := 0
	if s, ok := c.token.Step(); ok {
		positionStep = s
	}

	if watermark := tracker.Watermark(); watermark > positionStep {
		c.token = index.KeyFor(prefix, watermark, lastWorker)
	}

	outstanding := knownSteps - (tracker.Watermark() + 1)
	if outstanding > c.window {
		forced := tracker.Watermark() + c.window/2
		c.token = index.KeyFor(prefix, forced, lastWorker)
		tracker.AdvanceWatermarkTo(forced)
		c.logger.Printf(
			"%d steps outstanding exceeds the incomplete-step window (%d): "+
				"treating steps up to %d as complete without full worker confirmation "+
				"(resume position: %s)",
			outstanding, c.window, forced, c.token,
		)
	}
}
