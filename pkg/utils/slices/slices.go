package slices

// Map applies mapper to each element of sli.
//
// The element indexed N of the result is mapper(sli[N]).
func Map[T any, R any](sli []T, mapper func(v T) R) []R {
	ret := make([]R, len(sli))
	for nth, v := range sli {
		ret[nth] = mapper(v)
	}
	return ret
}

// First returns the first element satisfying pred, if any.
func First[T any](sli []T, pred func(v T) bool) (T, bool) {
	for _, v := range sli {
		if pred(v) {
			return v, true
		}
	}
	return *new(T), false
}

// Contains checks whether sli has v as an element.
func Contains[T comparable](sli []T, v T) bool {
	for _, w := range sli {
		if w == v {
			return true
		}
	}
	return false
}
