// Package trials holds the JSON bindings of the scoped HTTP API.
package trials

import (
	"github.com/stepscope/stepscope/pkg/domain/mode"
	"github.com/stepscope/stepscope/pkg/index"
	"github.com/stepscope/stepscope/pkg/utils/slices"
)

// Summary is the trial-level view served at the API root.
type Summary struct {
	Name      string   `json:"name"`
	Ended     bool     `json:"ended"`
	Watermark int      `json:"watermark"`
	Modes     []string `json:"modes"`
	Workers   []string `json:"workers"`
}

// TensorList is the response to a tensor name listing.
type TensorList struct {
	Tensors []string `json:"tensors"`
}

// StepList carries the steps of one mode, complete and total.
type StepList struct {
	Mode          string `json:"mode"`
	CompleteSteps []int  `json:"complete_steps"`
	AllSteps      []int  `json:"all_steps"`
}

// TensorValue is one materialized tensor observation.
type TensorValue struct {
	Name   string    `json:"name"`
	Mode   string    `json:"mode"`
	Step   int       `json:"step"`
	Worker string    `json:"worker"`
	Values []float64 `json:"values"`
}

// Collection mirrors index.Collection on the wire.
type Collection struct {
	Name         string   `json:"name"`
	TensorNames  []string `json:"tensor_names"`
	IncludeRegex []string `json:"include_regex,omitempty"`
	Members      []string `json:"members,omitempty"`
}

func ComposeCollection(c index.Collection, members []string) Collection {
	return Collection{
		Name:         c.Name,
		TensorNames:  c.TensorNames,
		IncludeRegex: c.IncludeRegex,
		Members:      members,
	}
}

// WaitRequest asks the server to block until steps complete.
type WaitRequest struct {
	Mode  string `json:"mode,omitempty"`
	Steps []int  `json:"steps"`
}

// WaitResponse reports the outcome of a completed wait.
type WaitResponse struct {
	Mode  string `json:"mode"`
	Steps []int  `json:"steps"`
}

func ComposeSummary(
	name string, ended bool, watermark int, modes []mode.Mode, workers []string,
) Summary {
	return Summary{
		Name:      name,
		Ended:     ended,
		Watermark: watermark,
		Modes:     slices.Map(modes, func(m mode.Mode) string { return m.String() }),
		Workers:   workers,
	}
}
