package tensor

import (
	"context"
	"fmt"
)

// Location points at raw tensor bytes inside a trace file, relative to
// the trial directory.
type Location struct {
	File   string
	Offset int64
	Length int64
}

func (l Location) String() string {
	return fmt.Sprintf("%s@%d+%d", l.File, l.Offset, l.Length)
}

// Resolver turns a Location into the value stored there.
//
// Implemented by the index reader that produced the Location; the trial
// core never opens trace files itself.
type Resolver interface {
	Resolve(ctx context.Context, loc Location) ([]float64, error)
}

// Value is a tensor value that may or may not be materialized yet.
//
// A workerful of tensor data arrives either as the value itself (when
// reading event files directly) or as a file location to be read on
// demand (when reading index files). Materialize hides which of the two
// is stored.
type Value interface {
	Materialize(ctx context.Context) ([]float64, error)
}

// Eager wraps an already-materialized value.
func Eager(v []float64) Value {
	return eagerValue(v)
}

type eagerValue []float64

func (v eagerValue) Materialize(context.Context) ([]float64, error) {
	return []float64(v), nil
}

// Lazy wraps a location, resolved through r on first (and every) use.
func Lazy(loc Location, r Resolver) Value {
	return lazyValue{loc: loc, resolver: r}
}

type lazyValue struct {
	loc      Location
	resolver Resolver
}

func (v lazyValue) Materialize(ctx context.Context) ([]float64, error) {
	return v.resolver.Resolve(ctx, v.loc)
}
