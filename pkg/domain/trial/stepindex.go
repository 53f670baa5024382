package trial

import (
	"github.com/stepscope/stepscope/pkg/domain/mode"
	"github.com/stepscope/stepscope/pkg/utils/maps"
)

// ModeStep is the mode-local coordinate of a global step.
type ModeStep struct {
	Mode mode.Mode
	Step int
}

// StepIndex is the bidirectional mapping between the job's global step
// counter and mode-local steps.
//
// Entries are write-once: recording an already-known coordinate is a
// no-op, so the two directions stay exact inverses of each other for
// every entry ever inserted. There is no eviction; the index is bounded
// by the number of steps the job runs.
type StepIndex struct {
	// mode -> mode step -> global step. GLOBAL is never a key here;
	// its mode steps are the global steps themselves.
	modeToGlobal map[mode.Mode]map[int]int

	// global step -> (mode, mode step). May map to GLOBAL.
	globalToMode map[int]ModeStep
}

func NewStepIndex() *StepIndex {
	return &StepIndex{
		modeToGlobal: map[mode.Mode]map[int]int{},
		globalToMode: map[int]ModeStep{},
	}
}

// Record inserts both directions of the mapping if absent.
func (s *StepIndex) Record(globalStep int, m mode.Mode, modeStep int) {
	if m != mode.GLOBAL {
		byStep, ok := s.modeToGlobal[m]
		if !ok {
			byStep = map[int]int{}
			s.modeToGlobal[m] = byStep
		}
		if _, ok := byStep[modeStep]; !ok {
			byStep[modeStep] = globalStep
		}
	}
	if _, ok := s.globalToMode[globalStep]; !ok {
		s.globalToMode[globalStep] = ModeStep{Mode: m, Step: modeStep}
	}
}

// GlobalOf resolves a mode-local step to its global step. For GLOBAL
// the coordinate is its own resolution.
func (s *StepIndex) GlobalOf(m mode.Mode, modeStep int) (int, bool) {
	if m == mode.GLOBAL {
		return modeStep, true
	}
	byStep, ok := s.modeToGlobal[m]
	if !ok {
		return 0, false
	}
	globalStep, ok := byStep[modeStep]
	return globalStep, ok
}

// ModeOf resolves a global step to its mode-local coordinate.
func (s *StepIndex) ModeOf(globalStep int) (ModeStep, bool) {
	ms, ok := s.globalToMode[globalStep]
	return ms, ok
}

// GlobalSteps lists every global step seen, ascending.
func (s *StepIndex) GlobalSteps() []int {
	return maps.SortedKeysOf(s.globalToMode)
}

// StepsOf lists the known steps of a mode, ascending, in mode-local
// terms. For GLOBAL these are the global steps.
func (s *StepIndex) StepsOf(m mode.Mode) []int {
	if m == mode.GLOBAL {
		return s.GlobalSteps()
	}
	byStep, ok := s.modeToGlobal[m]
	if !ok {
		return []int{}
	}
	return maps.SortedKeysOf(byStep)
}

// Modes lists the modes seen so far, GLOBAL excluded.
func (s *StepIndex) Modes() []mode.Mode {
	return maps.KeysOf(s.modeToGlobal)
}

// Len is the number of distinct global steps seen.
func (s *StepIndex) Len() int {
	return len(s.globalToMode)
}
