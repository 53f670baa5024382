// Package trial reconciles the output of a running (or finished)
// distributed training job into a queryable, monotonic in-memory view.
//
// Workers of the job append tensor values to trace files and publish
// index files telling, per step, which tensors are ready. A Trial
// incrementally discovers those index files through an index.Reader,
// reconciles per-worker completion into "step N is complete", and
// answers queries and blocking waits on top of the accumulated state.
//
// There is no background goroutine: the Trial refreshes itself lazily,
// inside whichever query finds the data stale. A single mutex makes
// that safe for multiple callers; blocking waits sleep on cancellable
// timers, so a caller-supplied context bounds every wait.
package trial

import (
	"context"
	"errors"
	"io"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/stepscope/stepscope/pkg/domain/mode"
	"github.com/stepscope/stepscope/pkg/domain/tensor"
	"github.com/stepscope/stepscope/pkg/index"
	"github.com/stepscope/stepscope/pkg/loop"
	"github.com/stepscope/stepscope/pkg/utils/maps"
	"github.com/stepscope/stepscope/pkg/utils/retry"
	"github.com/stepscope/stepscope/pkg/utils/slices"
	"github.com/stepscope/stepscope/pkg/xerrors"
)

// Config tunes a Trial. The zero value means "all defaults".
type Config struct {
	// IncompleteStepWindow bounds how many known-but-incomplete steps
	// the trial waits for before treating the oldest half window as
	// complete. Default 1000.
	IncompleteStepWindow int

	// TrainingEndDelay is the pause between the refresh that first saw
	// the job-end marker and the final reconciliation refresh.
	// Default 5s.
	TrainingEndDelay time.Duration

	// PollInterval is the cadence of WaitForSteps polling. Default 5s.
	PollInterval time.Duration

	// BootstrapInterval is the retry cadence while waiting for
	// collection descriptors to appear. Default 2s.
	BootstrapInterval time.Duration

	// Range restricts loading to a step range; nil is unbounded.
	Range *index.StepRange

	// DisableDynamicRefresh keeps the trial from refreshing inside
	// queries. Used when required tensors are known to be fetched
	// already; WaitForSteps overrides it for its own duration.
	DisableDynamicRefresh bool
}

const (
	defaultIncompleteStepWindow = 1000
	defaultTrainingEndDelay     = 5 * time.Second
	defaultPollInterval         = 5 * time.Second
	defaultBootstrapInterval    = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.IncompleteStepWindow == 0 {
		c.IncompleteStepWindow = defaultIncompleteStepWindow
	}
	if c.TrainingEndDelay == 0 {
		c.TrainingEndDelay = defaultTrainingEndDelay
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BootstrapInterval == 0 {
		c.BootstrapInterval = defaultBootstrapInterval
	}
	return c
}

type Option func(*Trial)

func WithLogger(l *log.Logger) Option {
	return func(t *Trial) {
		t.logger = l
	}
}

// Trial is the sole owner and writer of all state below; every public
// method serializes on mu.
type Trial struct {
	mu     sync.Mutex
	name   string
	logger *log.Logger
	reader index.Reader
	cfg    Config

	tensors map[string]*tensor.Tensor
	steps   *StepIndex
	tracker *CompletionTracker
	cursor  *Cursor

	registry     *index.Registry
	workerSet    map[string]struct{}
	bootstrapped bool

	dynamicRefresh bool

	// ended latches true once the job-end marker has been observed and
	// the final reconciliation ran. No refresh is attempted after.
	ended bool
}

func New(name string, reader index.Reader, cfg Config, opts ...Option) *Trial {
	cfg = cfg.withDefaults()
	t := &Trial{
		name:           name,
		logger:         log.New(io.Discard, "", 0),
		reader:         reader,
		cfg:            cfg,
		tensors:        map[string]*tensor.Tensor{},
		steps:          NewStepIndex(),
		tracker:        NewCompletionTracker(),
		workerSet:      map[string]struct{}{},
		dynamicRefresh: !cfg.DisableDynamicRefresh,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cursor = NewCursor(cfg.IncompleteStepWindow, t.logger)
	return t
}

func (t *Trial) Name() string {
	return t.name
}

// Ended reports whether the trial has latched into its final,
// immutable state.
func (t *Trial) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Watermark is the last complete step (-1 before any completed).
func (t *Trial) Watermark() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracker.Watermark()
}

// Tensor returns the accumulated history of a named tensor, refreshing
// first when the name is unknown. ErrTensorUnavailable when it stays
// unknown.
//
// The returned Tensor keeps accumulating as the trial refreshes; its
// histories are append-only.
func (t *Trial) Tensor(ctx context.Context, name string) (*tensor.Tensor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tn, ok := t.tensors[name]; ok {
		return tn, nil
	}
	if err := t.maybeRefreshLocked(ctx); err != nil {
		return nil, err
	}
	if tn, ok := t.tensors[name]; ok {
		return tn, nil
	}
	return nil, &ErrTensorUnavailable{Name: name}
}

// HasTensor reports whether the tensor has been written yet.
func (t *Trial) HasTensor(ctx context.Context, name string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tensors[name]; ok {
		return true, nil
	}
	if err := t.maybeRefreshLocked(ctx); err != nil {
		return false, err
	}
	_, ok := t.tensors[name]
	return ok, nil
}

// TensorNames lists every tensor name seen so far, ascending.
func (t *Trial) TensorNames(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.maybeRefreshLocked(ctx); err != nil {
		return nil, err
	}
	names := maps.KeysOf(t.tensors)
	sort.Strings(names)
	return names, nil
}

// TensorNamesMatching lists tensor names matched by any of the
// patterns. Patterns are anchored at the start of the name.
func (t *Trial) TensorNamesMatching(ctx context.Context, patterns []string) ([]string, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			return nil, xerrors.WrapWithNote("bad tensor name pattern", err)
		}
		compiled = append(compiled, re)
	}

	names, err := t.TensorNames(ctx)
	if err != nil {
		return nil, err
	}

	matched := []string{}
	for _, name := range names {
		if _, ok := slices.First(
			compiled, func(re *regexp.Regexp) bool { return re.MatchString(name) },
		); ok {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// Workers lists the workers registered through the collection
// handshake, ascending.
func (t *Trial) Workers(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.maybeRefreshLocked(ctx); err != nil {
		return nil, err
	}
	workers := maps.KeysOf(t.workerSet)
	sort.Strings(workers)
	return workers, nil
}

// Modes lists the modes seen so far (GLOBAL excluded).
func (t *Trial) Modes() []mode.Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.steps.Modes()
}

// Steps lists the complete steps of a mode, in mode-local terms,
// ascending. A step counts as complete when every worker wrote it, or
// when the job has ended, or when the watermark covers it.
func (t *Trial) Steps(ctx context.Context, m mode.Mode) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.maybeRefreshLocked(ctx); err != nil {
		return nil, err
	}

	completed := []int{}
	for _, step := range t.steps.StepsOf(m) {
		globalStep, ok := t.steps.GlobalOf(m, step)
		if !ok {
			continue
		}
		if t.tracker.IsFullyWritten(globalStep) ||
			t.ended ||
			globalStep <= t.tracker.Watermark() {
			completed = append(completed, step)
		}
	}
	return completed, nil
}

// AllSteps lists every known step of a mode, complete or not.
func (t *Trial) AllSteps(ctx context.Context, m mode.Mode) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.maybeRefreshLocked(ctx); err != nil {
		return nil, err
	}
	return t.steps.StepsOf(m), nil
}

// GlobalStep resolves a mode-local step to the global counter.
func (t *Trial) GlobalStep(ctx context.Context, m mode.Mode, modeStep int) (int, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gs, ok := t.steps.GlobalOf(m, modeStep); ok {
		return gs, true, nil
	}
	if err := t.maybeRefreshLocked(ctx); err != nil {
		return 0, false, err
	}
	gs, ok := t.steps.GlobalOf(m, modeStep)
	return gs, ok, nil
}

// ModeOf resolves a global step to its mode-local coordinate.
func (t *Trial) ModeOf(ctx context.Context, globalStep int) (ModeStep, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ms, ok := t.steps.ModeOf(globalStep); ok {
		return ms, true, nil
	}
	if err := t.maybeRefreshLocked(ctx); err != nil {
		return ModeStep{}, false, err
	}
	ms, ok := t.steps.ModeOf(globalStep)
	return ms, ok, nil
}

// Collections returns the collection registry, bootstrapping it first
// if needed.
func (t *Trial) Collections(ctx context.Context) (map[string]index.Collection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.bootstrapLocked(ctx); err != nil {
		return nil, err
	}
	return t.registry.Collections(), nil
}

// Collection looks one collection up by name.
func (t *Trial) Collection(ctx context.Context, name string) (index.Collection, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.bootstrapLocked(ctx); err != nil {
		return index.Collection{}, false, err
	}
	c, ok := t.registry.Get(name)
	return c, ok, nil
}

// TensorsInCollection lists the tensor names belonging to a collection:
// its declared names plus everything matching its regex patterns.
func (t *Trial) TensorsInCollection(ctx context.Context, name string) ([]string, error) {
	c, ok, err := t.Collection(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.New("no such collection: " + name)
	}

	members := map[string]struct{}{}
	for _, tn := range c.TensorNames {
		members[tn] = struct{}{}
	}
	if 0 < len(c.IncludeRegex) {
		matched, err := t.TensorNamesMatching(ctx, c.IncludeRegex)
		if err != nil {
			return nil, err
		}
		for _, tn := range matched {
			members[tn] = struct{}{}
		}
	}

	names := maps.KeysOf(members)
	sort.Strings(names)
	return names, nil
}

// HasPassedStep tells whether a step is complete (Available), pending
// (NotYetAvailable) or provably never coming (Unavailable).
func (t *Trial) HasPassedStep(ctx context.Context, step int, m mode.Mode) (StepState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.maybeRefreshLocked(ctx); err != nil {
		return NotYetAvailable, err
	}
	return t.hasPassedStepLocked(step, m), nil
}

// hasPassedStepLocked is the availability decision over the current
// in-memory state:
//
//  1. No known step >= the queried one: NotYetAvailable while the job
//     runs, Unavailable once it ended (the step was never written).
//
//  2. The leftmost known step >= queried is strictly greater (the step
//     was skipped): Unavailable once the watermark reached that later
//     step, else NotYetAvailable (a straggler could still backfill the
//     skipped step out of order).
//
//  3. The step itself is known: Available when all workers wrote it,
//     or the job ended, or the watermark covers it; else
//     NotYetAvailable.
func (t *Trial) hasPassedStepLocked(step int, m mode.Mode) StepState {
	allSteps := t.steps.StepsOf(m)
	nth := sort.SearchInts(allSteps, step)

	if nth < len(allSteps) {
		found := allSteps[nth]
		globalFound, _ := t.steps.GlobalOf(m, found)

		if found > step {
			// skipped. The watermark speaks global steps, so compare
			// against the global of the next known step: once that is
			// covered, nothing before it can appear anymore.
			if t.tracker.Watermark() >= globalFound {
				return Unavailable
			}
			return NotYetAvailable
		}

		// found == step
		if t.tracker.IsFullyWritten(globalFound) {
			return Available
		}
		if t.ended {
			t.logger.Printf(
				"step %d was written only by workers %v; treating it as complete because the job ended",
				step, t.tracker.WorkersFor(globalFound),
			)
			return Available
		}
		if globalFound <= t.tracker.Watermark() {
			t.logger.Printf(
				"step %d was written only by workers %v; treating it as complete because the last complete step is %d",
				step, t.tracker.WorkersFor(globalFound), t.tracker.Watermark(),
			)
			return Available
		}
		return NotYetAvailable
	}

	if t.ended {
		return Unavailable
	}
	return NotYetAvailable
}

// WaitForSteps blocks until every requested step of the mode is
// Available, polling in order with the configured interval.
//
// A step turning Unavailable aborts with ErrStepUnavailable. The job
// ending while a step is still pending aborts with ErrNoMoreData.
// Cancelling ctx aborts with ctx.Err(). Dynamic refresh is forced on
// for the duration of the wait and restored afterwards.
func (t *Trial) WaitForSteps(ctx context.Context, steps []int, m mode.Mode) error {
	t.mu.Lock()
	previous := t.dynamicRefresh
	t.dynamicRefresh = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.dynamicRefresh = previous
		t.mu.Unlock()
	}()

	for _, step := range steps {
		_, err := loop.Start(ctx, struct{}{}, func(ctx context.Context, nothing struct{}) (struct{}, loop.Next) {
			t.mu.Lock()
			defer t.mu.Unlock()

			if err := t.maybeRefreshLocked(ctx); err != nil {
				return nothing, loop.Break(err)
			}

			lastStep := -1
			if all := t.steps.StepsOf(m); 0 < len(all) {
				lastStep = all[len(all)-1]
			}

			switch t.hasPassedStepLocked(step, m) {
			case Available:
				return nothing, loop.Break(nil)
			case Unavailable:
				// beyond everything ever written is "the job ran out of
				// data", which is more useful to the caller than a bare
				// unavailability.
				if t.ended && step > lastStep {
					return nothing, loop.Break(&ErrNoMoreData{Step: step, Mode: m, LastStep: lastStep})
				}
				return nothing, loop.Break(&ErrStepUnavailable{Step: step, Mode: m})
			}

			if t.ended {
				return nothing, loop.Break(&ErrNoMoreData{Step: step, Mode: m, LastStep: lastStep})
			}
			return nothing, loop.Continue(t.cfg.PollInterval)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// bootstrapLocked runs the collection handshake once: block until at
// least one collection descriptor exists, parse it (learning the
// expected worker count), then block until one descriptor per expected
// worker has appeared, registering each worker's name.
func (t *Trial) bootstrapLocked(ctx context.Context) error {
	if t.bootstrapped {
		return nil
	}

	fetch := func() ([]string, error) {
		files, err := t.reader.CollectionFiles(ctx)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			t.logger.Printf("trial %s: waiting for the first collection descriptor", t.name)
			return nil, retry.ErrRetry
		}
		return files, nil
	}

	files, err := fetch()
	if errors.Is(err, retry.ErrRetry) {
		files, err = retry.Blocking(ctx, retry.StaticBackoff(t.cfg.BootstrapInterval), fetch)
	}
	if err != nil {
		return err
	}

	registry, err := t.reader.ReadCollections(ctx, files)
	if err != nil {
		return xerrors.Wrap(err)
	}
	t.registry = registry
	t.tracker.SetNumWorkers(registry.NumWorkers())

	if len(files) < registry.NumWorkers() {
		files, err = retry.Blocking(
			ctx, retry.StaticBackoff(t.cfg.BootstrapInterval),
			func() ([]string, error) {
				files, err := t.reader.CollectionFiles(ctx)
				if err != nil {
					return nil, err
				}
				if len(files) < registry.NumWorkers() {
					t.logger.Printf(
						"trial %s: %d of %d collection descriptors visible",
						t.name, len(files), registry.NumWorkers(),
					)
					return nil, retry.ErrRetry
				}
				return files, nil
			},
		)
		if err != nil {
			return err
		}
	}

	for _, file := range files {
		if worker := index.WorkerFromCollectionFile(file); worker != "" {
			t.workerSet[worker] = struct{}{}
		}
	}

	t.bootstrapped = true
	return nil
}

// maybeRefreshLocked is the refresh driver. It is a no-op once the
// trial latched "ended", or while dynamic refresh is off. When the
// job-end marker is first observed it refreshes, sleeps the configured
// delay, refreshes once more to catch trailing writes, then latches.
func (t *Trial) maybeRefreshLocked(ctx context.Context) error {
	if t.ended || !t.dynamicRefresh {
		return nil
	}
	if err := t.bootstrapLocked(ctx); err != nil {
		return err
	}

	trainingEnded, err := t.reader.TrainingEnded(ctx)
	if err != nil {
		return xerrors.Wrap(err)
	}

	if err := t.refreshLocked(ctx); err != nil {
		return err
	}

	if trainingEnded {
		t.logger.Printf(
			"trial %s: training has ended; final refresh in %s", t.name, t.cfg.TrainingEndDelay,
		)
		timer := time.NewTimer(t.cfg.TrainingEndDelay)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-timer.C:
		}
		if err := t.refreshLocked(ctx); err != nil {
			return err
		}

		t.ended = true
		if globals := t.steps.GlobalSteps(); 0 < len(globals) {
			if last := globals[len(globals)-1]; last > t.tracker.Watermark() {
				t.tracker.AdvanceWatermarkTo(last)
			}
		}
		t.logger.Printf(
			"trial %s: latched complete (last complete step %d, resume position %s)",
			t.name, t.tracker.Watermark(), t.cursor.Token(),
		)
	}
	return nil
}

// refreshLocked performs one reconciliation pass: load records after
// the cursor, feed them in, then let the cursor apply its windowing
// policy when the pass returned a token.
func (t *Trial) refreshLocked(ctx context.Context) error {
	records, newToken, err := t.reader.LoadTensorData(ctx, t.cursor.Token(), t.cfg.Range)
	if err != nil {
		return xerrors.Wrap(err)
	}

	for _, rec := range records {
		if err := t.addRecordLocked(rec); err != nil {
			return err
		}
	}

	if newToken != index.None {
		t.cursor.Observe(newToken, t.tracker, t.steps.Len(), t.lastWorkerLocked())
	}
	return nil
}

// addRecordLocked feeds one incoming record into the three structures
// it touches: the tensor store, the step index and the completion
// tracker. With the trial lock held the three updates are atomic with
// respect to every query.
func (t *Trial) addRecordLocked(rec index.Record) error {
	name := rec.TensorName
	isReduction := tensor.IsReductionName(name)

	var op string
	var abs bool
	if isReduction {
		base, o, a, err := tensor.ParseReductionName(name)
		if err != nil {
			return xerrors.Wrap(err)
		}
		name, op, abs = base, o, a
	}

	tn, ok := t.tensors[name]
	if !ok {
		tn = tensor.New(name)
		t.tensors[name] = tn
	}

	t.steps.Record(rec.Step, rec.Mode, rec.ModeStep)
	t.tracker.Record(rec.Step, rec.Worker)

	if isReduction {
		tn.AddReductionStep(rec.Mode, rec.ModeStep, rec.Worker, op, abs, rec.Value)
	} else {
		tn.AddStep(rec.Mode, rec.ModeStep, rec.Worker, rec.Value)
	}
	return nil
}

// lastWorkerLocked is the serialization anchor for rewritten cursor
// positions: the lexicographically last known worker name, normalized.
func (t *Trial) lastWorkerLocked() string {
	workers := maps.KeysOf(t.workerSet)
	if len(workers) == 0 {
		return ""
	}
	sort.Strings(workers)
	return index.NormalizeWorker(workers[len(workers)-1])
}
