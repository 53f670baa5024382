package trial_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	tcontext "github.com/stepscope/stepscope/internal/testutils/context"
	"github.com/stepscope/stepscope/pkg/cmp"
	"github.com/stepscope/stepscope/pkg/domain/mode"
	"github.com/stepscope/stepscope/pkg/domain/tensor"
	"github.com/stepscope/stepscope/pkg/domain/trial"
	"github.com/stepscope/stepscope/pkg/index"
	"github.com/stepscope/stepscope/pkg/utils/try"
)

// fakeReader serves a scripted record stream the way a storage-backed
// reader would: records keyed and ordered like index files, a resume
// token, collection descriptors and the job-end marker.
type fakeReader struct {
	mu          sync.Mutex
	entries     []fakeEntry
	ended       bool
	descriptors []string
	numWorkers  int
	collections map[string]index.Collection
}

type fakeEntry struct {
	key index.Token
	rec index.Record
}

func newFakeReader(workers ...string) *fakeReader {
	f := &fakeReader{
		numWorkers:  len(workers),
		collections: map[string]index.Collection{},
	}
	for _, w := range workers {
		f.descriptors = append(f.descriptors, "collections/"+index.CollectionFileNameFor(w))
	}
	return f
}

func (f *fakeReader) add(
	step int, worker string, tensorName string, m mode.Mode, modeStep int, values []float64,
) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, fakeEntry{
		key: index.KeyFor("index", step, index.NormalizeWorker(worker)),
		rec: index.Record{
			TensorName: tensorName,
			Step:       step,
			Mode:       m,
			ModeStep:   modeStep,
			Worker:     worker,
			Value:      tensor.Eager(values),
		},
	})
	sort.Slice(f.entries, func(i, j int) bool { return f.entries[i].key < f.entries[j].key })
}

func (f *fakeReader) LoadTensorData(
	_ context.Context, startAfter index.Token, rng *index.StepRange,
) ([]index.Record, index.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records := []index.Record{}
	newToken := index.None
	for _, e := range f.entries {
		if e.key <= startAfter {
			continue
		}
		newToken = e.key
		if !rng.Contains(e.rec.Step) {
			continue
		}
		records = append(records, e.rec)
	}
	return records, newToken, nil
}

func (f *fakeReader) TrainingEnded(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended, nil
}

func (f *fakeReader) CollectionFiles(context.Context) ([]string, error) {
	return f.descriptors, nil
}

func (f *fakeReader) ReadCollections(context.Context, []string) (*index.Registry, error) {
	return index.NewRegistry(f.collections, f.numWorkers), nil
}

var _ index.Reader = &fakeReader{}

func quickConfig() trial.Config {
	return trial.Config{
		TrainingEndDelay:  time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		BootstrapInterval: time.Millisecond,
	}
}

func TestTrial_Tensors(t *testing.T) {
	ctx := context.Background()

	t.Run("it serves tensor values once they are written", func(t *testing.T) {
		reader := newFakeReader("worker-0")
		reader.add(0, "worker-0", "loss", mode.TRAIN, 0, []float64{0.5})
		reader.add(1, "worker-0", "loss", mode.TRAIN, 1, []float64{0.25})

		tr := trial.New("run-1", reader, quickConfig())

		tn := try.To(tr.Tensor(ctx, "loss")).OrFatal(t)
		got := try.To(tn.Value(ctx, mode.TRAIN, 1, "worker-0")).OrFatal(t)
		if !cmp.SliceEq(got, []float64{0.25}) {
			t.Errorf("value: got %v, want [0.25]", got)
		}
	})

	t.Run("it returns TensorUnavailable for names never written", func(t *testing.T) {
		reader := newFakeReader("worker-0")
		reader.add(0, "worker-0", "loss", mode.TRAIN, 0, []float64{0.5})

		tr := trial.New("run-1", reader, quickConfig())

		if _, err := tr.Tensor(ctx, "no/such/tensor"); err == nil {
			t.Fatal("expected an error")
		} else {
			var unavail *trial.ErrTensorUnavailable
			if !errors.As(err, &unavail) || unavail.Name != "no/such/tensor" {
				t.Errorf("unexpected error: %v", err)
			}
		}
	})

	t.Run("it picks up tensors written after the previous query", func(t *testing.T) {
		reader := newFakeReader("worker-0")
		reader.add(0, "worker-0", "loss", mode.TRAIN, 0, []float64{0.5})

		tr := trial.New("run-1", reader, quickConfig())
		if ok := try.To(tr.HasTensor(ctx, "accuracy")).OrFatal(t); ok {
			t.Fatal("accuracy should not exist yet")
		}

		reader.add(1, "worker-0", "accuracy", mode.TRAIN, 1, []float64{0.9})
		if ok := try.To(tr.HasTensor(ctx, "accuracy")).OrFatal(t); !ok {
			t.Error("accuracy should be visible after the next refresh")
		}
	})

	t.Run("it matches tensor names by anchored patterns", func(t *testing.T) {
		reader := newFakeReader("worker-0")
		reader.add(0, "worker-0", "conv0/weight", mode.TRAIN, 0, []float64{1})
		reader.add(0, "worker-0", "conv1/weight", mode.TRAIN, 0, []float64{2})
		reader.add(0, "worker-0", "loss", mode.TRAIN, 0, []float64{3})

		tr := trial.New("run-1", reader, quickConfig())

		got := try.To(tr.TensorNamesMatching(ctx, []string{"conv\\d+/"})).OrFatal(t)
		if !cmp.SliceEq(got, []string{"conv0/weight", "conv1/weight"}) {
			t.Errorf("matched: got %v", got)
		}

		// anchored: "oss" must not match "loss" mid-name
		got = try.To(tr.TensorNamesMatching(ctx, []string{"oss"})).OrFatal(t)
		if len(got) != 0 {
			t.Errorf("pattern should be anchored: got %v", got)
		}
	})

	t.Run("it routes reduction records into the base tensor's history", func(t *testing.T) {
		reader := newFakeReader("worker-0")
		reader.add(0, "worker-0", "conv0/weight", mode.TRAIN, 0, []float64{1, -2})
		reader.add(0, "worker-0", "reductions/conv0/weight/abs_max", mode.TRAIN, 0, []float64{2})

		tr := trial.New("run-1", reader, quickConfig())

		names := try.To(tr.TensorNames(ctx)).OrFatal(t)
		if !cmp.SliceEq(names, []string{"conv0/weight"}) {
			t.Fatalf("reductions must not appear as top-level tensors: got %v", names)
		}

		tn := try.To(tr.Tensor(ctx, "conv0/weight")).OrFatal(t)
		got := try.To(
			tn.ReductionValue(ctx, mode.TRAIN, 0, "worker-0", "max", true),
		).OrFatal(t)
		if !cmp.SliceEq(got, []float64{2}) {
			t.Errorf("reduction value: got %v, want [2]", got)
		}
	})
}

func TestTrial_Availability(t *testing.T) {
	ctx := context.Background()

	t.Run("it follows worker completion with two workers", func(t *testing.T) {
		reader := newFakeReader("worker-0", "worker-1")
		reader.add(3, "worker-0", "loss", mode.GLOBAL, 3, []float64{1})

		tr := trial.New("run-1", reader, quickConfig())

		state := try.To(tr.HasPassedStep(ctx, 3, mode.GLOBAL)).OrFatal(t)
		if state != trial.NotYetAvailable {
			t.Fatalf("one of two workers reported: got %s, want NOT_YET_AVAILABLE", state)
		}

		reader.add(3, "worker-1", "loss", mode.GLOBAL, 3, []float64{2})
		state = try.To(tr.HasPassedStep(ctx, 3, mode.GLOBAL)).OrFatal(t)
		if state != trial.Available {
			t.Fatalf("both workers reported: got %s, want AVAILABLE", state)
		}
	})

	t.Run("it treats a half-written step as available once the job ends", func(t *testing.T) {
		reader := newFakeReader("worker-0", "worker-1")
		reader.add(3, "worker-0", "loss", mode.GLOBAL, 3, []float64{1})

		tr := trial.New("run-1", reader, quickConfig())
		state := try.To(tr.HasPassedStep(ctx, 3, mode.GLOBAL)).OrFatal(t)
		if state != trial.NotYetAvailable {
			t.Fatalf("got %s, want NOT_YET_AVAILABLE", state)
		}

		reader.ended = true
		state = try.To(tr.HasPassedStep(ctx, 3, mode.GLOBAL)).OrFatal(t)
		if state != trial.Available {
			t.Errorf("job ended: got %s, want AVAILABLE", state)
		}
		if !tr.Ended() {
			t.Error("trial should have latched ended")
		}
	})

	t.Run("it resolves a skipped step by the watermark", func(t *testing.T) {
		reader := newFakeReader("worker-0")
		reader.add(3, "worker-0", "loss", mode.GLOBAL, 3, []float64{1})
		reader.add(5, "worker-0", "loss", mode.GLOBAL, 5, []float64{2})

		tr := trial.New("run-1", reader, quickConfig())

		// with one worker, the watermark follows its newest step (5),
		// so the hole at 4 is provably never going to fill
		state := try.To(tr.HasPassedStep(ctx, 4, mode.GLOBAL)).OrFatal(t)
		if state != trial.Unavailable {
			t.Errorf("watermark passed 5: got %s, want UNAVAILABLE", state)
		}
	})

	t.Run("it keeps a skipped step pending while the watermark lags", func(t *testing.T) {
		reader := newFakeReader("worker-0", "worker-1")
		reader.add(3, "worker-0", "loss", mode.GLOBAL, 3, []float64{1})
		reader.add(5, "worker-0", "loss", mode.GLOBAL, 5, []float64{2})
		// worker-1 reported nothing, so the watermark stays at -1

		tr := trial.New("run-1", reader, quickConfig())

		state := try.To(tr.HasPassedStep(ctx, 4, mode.GLOBAL)).OrFatal(t)
		if state != trial.NotYetAvailable {
			t.Errorf("watermark has not passed 5: got %s, want NOT_YET_AVAILABLE", state)
		}
	})

	t.Run("it filters Steps down to complete ones", func(t *testing.T) {
		reader := newFakeReader("worker-0", "worker-1")
		reader.add(0, "worker-0", "loss", mode.TRAIN, 0, []float64{1})
		reader.add(0, "worker-1", "loss", mode.TRAIN, 0, []float64{2})
		reader.add(1, "worker-0", "loss", mode.TRAIN, 1, []float64{3})

		tr := trial.New("run-1", reader, quickConfig())

		if got := try.To(tr.Steps(ctx, mode.TRAIN)).OrFatal(t); !cmp.SliceEq(got, []int{0}) {
			t.Errorf("Steps: got %v, want [0]", got)
		}
		if got := try.To(tr.AllSteps(ctx, mode.TRAIN)).OrFatal(t); !cmp.SliceEq(got, []int{0, 1}) {
			t.Errorf("AllSteps: got %v, want [0 1]", got)
		}
	})

	t.Run("it forces availability past the window under backpressure", func(t *testing.T) {
		reader := newFakeReader("worker-0", "worker-1")
		for step := 0; step < 15; step += 1 {
			reader.add(step, "worker-0", "loss", mode.GLOBAL, step, []float64{float64(step)})
		}

		cfg := quickConfig()
		cfg.IncompleteStepWindow = 10
		tr := trial.New("run-1", reader, cfg)

		state := try.To(tr.HasPassedStep(ctx, 4, mode.GLOBAL)).OrFatal(t)
		if state != trial.Available {
			t.Errorf("step at the forced watermark: got %s, want AVAILABLE", state)
		}
		if wm := tr.Watermark(); wm != 4 {
			t.Errorf("forced watermark: got %d, want 4", wm)
		}

		state = try.To(tr.HasPassedStep(ctx, 5, mode.GLOBAL)).OrFatal(t)
		if state != trial.NotYetAvailable {
			t.Errorf("step beyond the forced watermark: got %s, want NOT_YET_AVAILABLE", state)
		}
	})

	t.Run("it keeps the watermark non-decreasing", func(t *testing.T) {
		reader := newFakeReader("worker-0", "worker-1")
		tr := trial.New("run-1", reader, quickConfig())

		previous := tr.Watermark()
		feed := []struct {
			step   int
			worker string
		}{
			{0, "worker-0"}, {0, "worker-1"},
			{2, "worker-0"}, {1, "worker-0"},
			{1, "worker-1"}, {2, "worker-1"},
		}
		for _, f := range feed {
			reader.add(f.step, f.worker, "loss", mode.GLOBAL, f.step, []float64{0})
			_ = try.To(tr.HasPassedStep(ctx, f.step, mode.GLOBAL)).OrFatal(t)
			if wm := tr.Watermark(); wm < previous {
				t.Fatalf("watermark retreated from %d to %d", previous, wm)
			} else {
				previous = wm
			}
		}
		if previous != 2 {
			t.Errorf("final watermark: got %d, want 2", previous)
		}
	})
}

func TestTrial_WaitForSteps(t *testing.T) {
	t.Run("it returns once all requested steps complete", func(t *testing.T) {
		ctx, cancel := tcontext.WithTest(context.Background(), t)
		defer cancel()

		reader := newFakeReader("worker-0")
		reader.add(1, "worker-0", "loss", mode.GLOBAL, 1, []float64{1})

		tr := trial.New("run-1", reader, quickConfig())

		done := make(chan error, 1)
		go func() {
			done <- tr.WaitForSteps(ctx, []int{1, 2}, mode.GLOBAL)
		}()

		time.Sleep(20 * time.Millisecond)
		reader.add(2, "worker-0", "loss", mode.GLOBAL, 2, []float64{2})

		if err := <-done; err != nil {
			t.Errorf("WaitForSteps: %v", err)
		}
	})

	t.Run("it reports NoMoreData when the job ends short of a requested step", func(t *testing.T) {
		ctx, cancel := tcontext.WithTest(context.Background(), t)
		defer cancel()

		reader := newFakeReader("worker-0")
		reader.add(1, "worker-0", "loss", mode.GLOBAL, 1, []float64{1})
		reader.add(2, "worker-0", "loss", mode.GLOBAL, 2, []float64{2})
		reader.ended = true

		tr := trial.New("run-1", reader, quickConfig())

		err := tr.WaitForSteps(ctx, []int{1, 2, 3}, mode.GLOBAL)
		var noMore *trial.ErrNoMoreData
		if !errors.As(err, &noMore) {
			t.Fatalf("expected NoMoreData, got %v", err)
		}
		if noMore.Step != 3 || noMore.LastStep != 2 {
			t.Errorf("NoMoreData detail: got step=%d last=%d, want step=3 last=2", noMore.Step, noMore.LastStep)
		}
	})

	t.Run("it reports StepUnavailable for a provably skipped step", func(t *testing.T) {
		ctx, cancel := tcontext.WithTest(context.Background(), t)
		defer cancel()

		reader := newFakeReader("worker-0")
		reader.add(3, "worker-0", "loss", mode.GLOBAL, 3, []float64{1})
		reader.add(5, "worker-0", "loss", mode.GLOBAL, 5, []float64{2})

		tr := trial.New("run-1", reader, quickConfig())

		err := tr.WaitForSteps(ctx, []int{4}, mode.GLOBAL)
		var unavail *trial.ErrStepUnavailable
		if !errors.As(err, &unavail) {
			t.Fatalf("expected StepUnavailable, got %v", err)
		}
		if unavail.Step != 4 {
			t.Errorf("StepUnavailable step: got %d, want 4", unavail.Step)
		}
	})

	t.Run("it aborts when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		reader := newFakeReader("worker-0")
		reader.add(0, "worker-0", "loss", mode.GLOBAL, 0, []float64{1})

		tr := trial.New("run-1", reader, quickConfig())

		err := tr.WaitForSteps(ctx, []int{100}, mode.GLOBAL)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected the context deadline, got %v", err)
		}
	})
}

func TestTrial_Collections(t *testing.T) {
	ctx := context.Background()

	t.Run("it registers workers from the descriptor handshake", func(t *testing.T) {
		reader := newFakeReader("worker-1", "worker-0")
		reader.add(0, "worker-0", "loss", mode.GLOBAL, 0, []float64{1})

		tr := trial.New("run-1", reader, quickConfig())

		got := try.To(tr.Workers(ctx)).OrFatal(t)
		if !cmp.SliceEq(got, []string{"worker-0", "worker-1"}) {
			t.Errorf("Workers: got %v", got)
		}
	})

	t.Run("it resolves collection membership by names and patterns", func(t *testing.T) {
		reader := newFakeReader("worker-0")
		reader.collections["weights"] = index.Collection{
			Name:         "weights",
			TensorNames:  []string{"fc0/weight"},
			IncludeRegex: []string{"conv\\d+/weight"},
		}
		reader.add(0, "worker-0", "conv0/weight", mode.TRAIN, 0, []float64{1})
		reader.add(0, "worker-0", "fc0/weight", mode.TRAIN, 0, []float64{2})
		reader.add(0, "worker-0", "loss", mode.TRAIN, 0, []float64{3})

		tr := trial.New("run-1", reader, quickConfig())

		got := try.To(tr.TensorsInCollection(ctx, "weights")).OrFatal(t)
		if !cmp.SliceEq(got, []string{"conv0/weight", "fc0/weight"}) {
			t.Errorf("TensorsInCollection: got %v", got)
		}

		if _, err := tr.TensorsInCollection(ctx, "no-such"); err == nil {
			t.Error("unknown collection should be an error")
		}
	})
}

func TestTrial_Latching(t *testing.T) {
	ctx := context.Background()

	t.Run("it catches trailing writes before latching ended", func(t *testing.T) {
		reader := newFakeReader("worker-0")
		reader.add(0, "worker-0", "loss", mode.GLOBAL, 0, []float64{1})
		reader.ended = true

		tr := trial.New("run-1", reader, quickConfig())
		_ = try.To(tr.TensorNames(ctx)).OrFatal(t)

		if !tr.Ended() {
			t.Fatal("trial should have latched ended")
		}
		if wm := tr.Watermark(); wm != 0 {
			t.Errorf("watermark after latch: got %d, want 0", wm)
		}

		// writes appearing after the latch stay invisible
		reader.add(1, "worker-0", "loss", mode.GLOBAL, 1, []float64{2})
		got := try.To(tr.AllSteps(ctx, mode.GLOBAL)).OrFatal(t)
		if !cmp.SliceEq(got, []int{0}) {
			t.Errorf("steps after latch: got %v, want [0]", got)
		}
	})

	t.Run("it never refreshes when dynamic refresh is disabled", func(t *testing.T) {
		reader := newFakeReader("worker-0")
		reader.add(0, "worker-0", "loss", mode.GLOBAL, 0, []float64{1})

		cfg := quickConfig()
		cfg.DisableDynamicRefresh = true
		tr := trial.New("run-1", reader, cfg)

		if ok := try.To(tr.HasTensor(ctx, "loss")).OrFatal(t); ok {
			t.Error("loss should stay invisible without refresh")
		}
	})
}
