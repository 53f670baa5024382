// Package tensor accumulates the per-step history of a named tensor.
//
// A Tensor owns, per (mode, mode-step, worker), the value each worker
// reported plus any reductions of it. Histories are append-only: once a
// value is recorded it is never replaced or removed.
package tensor

import (
	"context"
	"fmt"
	"sort"

	"github.com/stepscope/stepscope/pkg/domain/mode"
	"github.com/stepscope/stepscope/pkg/utils/maps"
)

// ErrValueUnavailable is returned when a tensor exists but holds no
// value for the queried (mode, step, worker) coordinate.
type ErrValueUnavailable struct {
	Tensor string
	Mode   mode.Mode
	Step   int
	Worker string
}

func (e *ErrValueUnavailable) Error() string {
	return fmt.Sprintf(
		"tensor %q has no value at mode %s step %d for worker %q",
		e.Tensor, e.Mode, e.Step, e.Worker,
	)
}

type reductionKey struct {
	op  string
	abs bool
}

// Reduction identifies one reduction variant of a tensor.
type Reduction struct {
	Op  string
	Abs bool
}

type stepEntry struct {
	values     map[string]Value                     // worker -> value
	reductions map[reductionKey]map[string]Value    // reduction -> worker -> value
}

func newStepEntry() *stepEntry {
	return &stepEntry{
		values:     map[string]Value{},
		reductions: map[reductionKey]map[string]Value{},
	}
}

type Tensor struct {
	name  string
	steps map[mode.Mode]map[int]*stepEntry
}

func New(name string) *Tensor {
	return &Tensor{
		name:  name,
		steps: map[mode.Mode]map[int]*stepEntry{},
	}
}

func (t *Tensor) Name() string {
	return t.name
}

func (t *Tensor) entry(m mode.Mode, modeStep int) *stepEntry {
	byStep, ok := t.steps[m]
	if !ok {
		byStep = map[int]*stepEntry{}
		t.steps[m] = byStep
	}
	e, ok := byStep[modeStep]
	if !ok {
		e = newStepEntry()
		byStep[modeStep] = e
	}
	return e
}

// AddStep records the primary value a worker reported at a step.
func (t *Tensor) AddStep(m mode.Mode, modeStep int, worker string, v Value) {
	t.entry(m, modeStep).values[worker] = v
}

// AddReductionStep records a reduction value a worker reported at a step.
func (t *Tensor) AddReductionStep(
	m mode.Mode, modeStep int, worker string, op string, abs bool, v Value,
) {
	e := t.entry(m, modeStep)
	key := reductionKey{op: op, abs: abs}
	byWorker, ok := e.reductions[key]
	if !ok {
		byWorker = map[string]Value{}
		e.reductions[key] = byWorker
	}
	byWorker[worker] = v
}

// Value materializes the primary value at (mode, step) for a worker.
func (t *Tensor) Value(
	ctx context.Context, m mode.Mode, modeStep int, worker string,
) ([]float64, error) {
	byStep, ok := t.steps[m]
	if ok {
		if e, ok := byStep[modeStep]; ok {
			if v, ok := e.values[worker]; ok {
				return v.Materialize(ctx)
			}
		}
	}
	return nil, &ErrValueUnavailable{Tensor: t.name, Mode: m, Step: modeStep, Worker: worker}
}

// ReductionValue materializes a reduction value at (mode, step) for a worker.
func (t *Tensor) ReductionValue(
	ctx context.Context, m mode.Mode, modeStep int, worker string, op string, abs bool,
) ([]float64, error) {
	byStep, ok := t.steps[m]
	if ok {
		if e, ok := byStep[modeStep]; ok {
			if byWorker, ok := e.reductions[reductionKey{op: op, abs: abs}]; ok {
				if v, ok := byWorker[worker]; ok {
					return v.Materialize(ctx)
				}
			}
		}
	}
	return nil, &ErrValueUnavailable{Tensor: t.name, Mode: m, Step: modeStep, Worker: worker}
}

// Steps lists, ascending, the mode-steps this tensor has any data for.
func (t *Tensor) Steps(m mode.Mode) []int {
	byStep, ok := t.steps[m]
	if !ok {
		return []int{}
	}
	return maps.SortedKeysOf(byStep)
}

// Workers lists, ascending, the workers that reported a primary value
// at (mode, step).
func (t *Tensor) Workers(m mode.Mode, modeStep int) []string {
	byStep, ok := t.steps[m]
	if !ok {
		return []string{}
	}
	e, ok := byStep[modeStep]
	if !ok {
		return []string{}
	}
	workers := maps.KeysOf(e.values)
	sort.Strings(workers)
	return workers
}

// Reductions lists the reduction variants recorded at (mode, step).
func (t *Tensor) Reductions(m mode.Mode, modeStep int) []Reduction {
	byStep, ok := t.steps[m]
	if !ok {
		return []Reduction{}
	}
	e, ok := byStep[modeStep]
	if !ok {
		return []Reduction{}
	}
	ret := make([]Reduction, 0, len(e.reductions))
	for key := range e.reductions {
		ret = append(ret, Reduction{Op: key.op, Abs: key.abs})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Op != ret[j].Op {
			return ret[i].Op < ret[j].Op
		}
		return !ret[i].Abs && ret[j].Abs
	})
	return ret
}
