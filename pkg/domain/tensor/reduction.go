package tensor

import (
	"fmt"
	"strings"
)

// ReductionsPrefix marks a tensor name as carrying a reduction of a
// base tensor rather than the tensor itself. The full shape is
//
//	reductions/<base tensor name>/<op>       (e.g. reductions/conv0/weight/max)
//	reductions/<base tensor name>/abs_<op>   (reduction over absolute values)
//
// Base tensor names may themselves contain slashes, so the op is always
// the segment after the last slash.
const ReductionsPrefix = "reductions/"

const absMarker = "abs_"

// IsReductionName reports whether name carries the reduction prefix.
func IsReductionName(name string) bool {
	return strings.HasPrefix(name, ReductionsPrefix)
}

// ReductionName builds the marked name for a reduction of base.
func ReductionName(base string, op string, abs bool) string {
	if abs {
		op = absMarker + op
	}
	return ReductionsPrefix + base + "/" + op
}

// ParseReductionName decomposes a marked name into its
// (base, op, abs) triple. The decomposition is deterministic: the same
// input always yields the same triple.
func ParseReductionName(name string) (base string, op string, abs bool, err error) {
	if !IsReductionName(name) {
		return "", "", false, fmt.Errorf("not a reduction tensor name: %q", name)
	}
	rest := strings.TrimPrefix(name, ReductionsPrefix)
	cut := strings.LastIndex(rest, "/")
	if cut <= 0 || cut == len(rest)-1 {
		return "", "", false, fmt.Errorf("malformed reduction tensor name: %q", name)
	}
	base, op = rest[:cut], rest[cut+1:]
	if strings.HasPrefix(op, absMarker) {
		abs = true
		op = strings.TrimPrefix(op, absMarker)
	}
	return base, op, abs, nil
}
