package trial

import (
	"fmt"

	"github.com/stepscope/stepscope/pkg/domain/mode"
)

// StepState is the answer of HasPassedStep for one queried step.
type StepState int

const (
	// NotYetAvailable: the step is not complete now but may still become so.
	NotYetAvailable StepState = iota

	// Available: the step is complete (or treated as complete).
	Available

	// Unavailable: the step provably never becomes complete.
	Unavailable
)

func (s StepState) String() string {
	switch s {
	case NotYetAvailable:
		return "NOT_YET_AVAILABLE"
	case Available:
		return "AVAILABLE"
	case Unavailable:
		return "UNAVAILABLE"
	}
	return fmt.Sprintf("StepState(%d)", int(s))
}

// ErrTensorUnavailable: the tensor name has never been observed.
type ErrTensorUnavailable struct {
	Name string
}

func (e *ErrTensorUnavailable) Error() string {
	return fmt.Sprintf("tensor %q has not been written to the trial", e.Name)
}

// ErrStepUnavailable: a step requested in a wait turned out Unavailable.
type ErrStepUnavailable struct {
	Step int
	Mode mode.Mode
}

func (e *ErrStepUnavailable) Error() string {
	return fmt.Sprintf("step %d of mode %s is not available and never becomes so", e.Step, e.Mode)
}

// ErrNoMoreData: the job has ended and the requested step never arrives.
// LastStep carries the last step the trial did see, for diagnostics.
type ErrNoMoreData struct {
	Step     int
	Mode     mode.Mode
	LastStep int
}

func (e *ErrNoMoreData) Error() string {
	return fmt.Sprintf(
		"step %d of mode %s was never written and the job has ended (last step seen: %d)",
		e.Step, e.Mode, e.LastStep,
	)
}
