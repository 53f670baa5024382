// scope inspects a trial directory from the command line: list
// tensors, steps and collections, dump values, or block until steps
// complete.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	apitrials "github.com/stepscope/stepscope/pkg/api/types/trials"
	"github.com/stepscope/stepscope/pkg/configs/analysis"
	"github.com/stepscope/stepscope/pkg/domain/mode"
	"github.com/stepscope/stepscope/pkg/domain/trial"
	"github.com/stepscope/stepscope/pkg/index"
	"github.com/stepscope/stepscope/pkg/index/fsindex"
)

const usage = `usage: scope [flags] <command>

commands:
  summary          trial overview: modes, workers, watermark
  tensors          list tensor names (restrict with -match)
  steps            list steps of a mode (-mode)
  values           dump a tensor's values (-name, -step, -worker, -op, -abs)
  collections      list collections with their members
  wait             block until steps complete (-steps, -mode, -timeout)
`

func main() {
	dir := flag.String("dir", "", "trial directory to read")
	strategy := flag.String("strategy", analysis.StrategyIndex, "reader strategy. index|events")
	modeName := flag.String("mode", "", "mode to query. GLOBAL|TRAIN|EVAL|PREDICT")
	name := flag.String("name", "", "tensor name for the values command")
	step := flag.Int("step", -1, "step for the values command (mode-local)")
	worker := flag.String("worker", "", "restrict values to one worker")
	op := flag.String("op", "", "read a reduction (min|max|mean|...) instead of the value")
	abs := flag.Bool("abs", false, "with -op: the reduction over absolute values")
	match := flag.String("match", "", "comma separated name patterns for the tensors command")
	steps := flag.String("steps", "", "comma separated steps for the wait command")
	timeout := flag.Duration("timeout", 0, "give up waiting after this long. 0 = no limit")
	verbose := flag.Bool("v", false, "log refresh progress to stderr")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dir == "" || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	m, err := mode.Parse(*modeName)
	if err != nil {
		log.Fatal(err)
	}

	logger := log.New(os.Stderr, "", 0)
	if !*verbose {
		logger.SetOutput(io.Discard)
	}

	var reader index.Reader
	switch *strategy {
	case analysis.StrategyIndex:
		reader = fsindex.New(*dir, fsindex.WithLogger(logger))
	case analysis.StrategyEvents:
		reader = fsindex.NewEventReader(*dir, fsindex.WithEventLogger(logger))
	default:
		log.Fatalf("unknown strategy: %s", *strategy)
	}

	t := trial.New(*dir, reader, trial.Config{}, trial.WithLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if 0 < *timeout {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *timeout)
		defer cancelTimeout()
	}

	switch flag.Arg(0) {
	case "summary":
		workers, err := t.Workers(ctx)
		if err != nil {
			log.Fatal(err)
		}
		emit(apitrials.ComposeSummary(t.Name(), t.Ended(), t.Watermark(), t.Modes(), workers))

	case "tensors":
		var names []string
		if *match != "" {
			names, err = t.TensorNamesMatching(ctx, strings.Split(*match, ","))
		} else {
			names, err = t.TensorNames(ctx)
		}
		if err != nil {
			log.Fatal(err)
		}
		emit(apitrials.TensorList{Tensors: names})

	case "steps":
		complete, err := t.Steps(ctx, m)
		if err != nil {
			log.Fatal(err)
		}
		all, err := t.AllSteps(ctx, m)
		if err != nil {
			log.Fatal(err)
		}
		emit(apitrials.StepList{Mode: m.String(), CompleteSteps: complete, AllSteps: all})

	case "values":
		if *name == "" || *step < 0 {
			log.Fatal("values requires -name and -step")
		}
		tn, err := t.Tensor(ctx, *name)
		if err != nil {
			log.Fatal(err)
		}
		workers := tn.Workers(m, *step)
		if *worker != "" {
			workers = []string{*worker}
		}
		values := make([]apitrials.TensorValue, 0, len(workers))
		for _, w := range workers {
			var v []float64
			var err error
			if *op != "" {
				v, err = tn.ReductionValue(ctx, m, *step, w, *op, *abs)
			} else {
				v, err = tn.Value(ctx, m, *step, w)
			}
			if err != nil {
				log.Fatal(err)
			}
			values = append(values, apitrials.TensorValue{
				Name: *name, Mode: m.String(), Step: *step, Worker: w, Values: v,
			})
		}
		emit(values)

	case "collections":
		collections, err := t.Collections(ctx)
		if err != nil {
			log.Fatal(err)
		}
		out := make([]apitrials.Collection, 0, len(collections))
		for colName, col := range collections {
			members, err := t.TensorsInCollection(ctx, colName)
			if err != nil {
				log.Fatal(err)
			}
			out = append(out, apitrials.ComposeCollection(col, members))
		}
		emit(out)

	case "wait":
		if *steps == "" {
			log.Fatal("wait requires -steps")
		}
		asked, err := parseSteps(*steps)
		if err != nil {
			log.Fatal(err)
		}
		start := time.Now()
		if err := t.WaitForSteps(ctx, asked, m); err != nil {
			log.Fatal(err)
		}
		logger.Printf("steps %v complete after %s", asked, time.Since(start))
		emit(apitrials.WaitResponse{Mode: m.String(), Steps: asked})

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func parseSteps(csv string) ([]int, error) {
	parts := strings.Split(csv, ",")
	steps := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("steps should be integers: %w", err)
		}
		steps = append(steps, n)
	}
	return steps, nil
}

func emit(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal(err)
	}
}
