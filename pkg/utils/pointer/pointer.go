package pointer

// Ref returns a pointer to a copy of t. Handy for literal optionals.
func Ref[T any](t T) *T {
	return &t
}

// SafeDeref dereferences val, or returns the zero value when val is nil.
func SafeDeref[T any](val *T) T {
	if val == nil {
		return *new(T)
	}
	return *val
}
