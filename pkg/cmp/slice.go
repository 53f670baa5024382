package cmp

func SliceEq[T comparable](a []T, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for nth, va := range a {
		if va != b[nth] {
			return false
		}
	}
	return true
}

func SliceEqWith[T any, U any](a []T, b []U, pred func(a T, b U) bool) bool {
	if len(a) != len(b) {
		return false
	}
	for nth := range a {
		if !pred(a[nth], b[nth]) {
			return false
		}
	}
	return true
}

// SliceContentEq checks a and b hold the same multiset of elements,
// ignoring ordering.
func SliceContentEq[T comparable](a []T, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	rest := map[T]int{}
	for _, va := range a {
		rest[va] += 1
	}
	for _, vb := range b {
		n, ok := rest[vb]
		if !ok || n == 0 {
			return false
		}
		rest[vb] = n - 1
	}
	return true
}
