// Package index declares what the trial core consumes from trial
// storage: tensor records discovered through index files, the resume
// token into that stream, and the collection registry.
//
// The core never touches files itself. Concrete readers (fsindex for
// index-file based loading, its event-file variant for index-less
// loading) implement Reader; the core depends only on this interface.
package index

import (
	"context"

	"github.com/stepscope/stepscope/pkg/domain/mode"
	"github.com/stepscope/stepscope/pkg/domain/tensor"
)

// Record is one tensor observation: worker w wrote tensor t at step s.
//
// Value is either eager or lazy (see tensor.Value); which one depends
// on the reader strategy in effect.
type Record struct {
	TensorName string
	Step       int // global step
	Mode       mode.Mode
	ModeStep   int
	Worker     string
	Value      tensor.Value
}

// StepRange restricts loading to Begin <= step < End. A nil bound is
// unbounded on that side.
type StepRange struct {
	Begin *int
	End   *int
}

func (r *StepRange) Contains(step int) bool {
	if r == nil {
		return true
	}
	if r.Begin != nil && step < *r.Begin {
		return false
	}
	if r.End != nil && *r.End <= step {
		return false
	}
	return true
}

// Reader is the storage-side collaborator of the trial core.
type Reader interface {

	// LoadTensorData returns records that became visible after
	// startAfter, with the token to resume from next time.
	//
	// The zero Token means "from the beginning" on input and "nothing
	// new was found" on output. Returned tokens are totally ordered:
	// listing never goes backwards.
	LoadTensorData(ctx context.Context, startAfter Token, rng *StepRange) ([]Record, Token, error)

	// TrainingEnded probes for the job-completion marker.
	TrainingEnded(ctx context.Context) (bool, error)

	// CollectionFiles lists the collection descriptor files visible so
	// far, one per worker that has registered.
	CollectionFiles(ctx context.Context) ([]string, error)

	// ReadCollections parses descriptor files into the registry.
	ReadCollections(ctx context.Context, files []string) (*Registry, error)
}
