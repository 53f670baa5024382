package maps

import "sort"

// KeysOf returns the keys of m in no particular order.
func KeysOf[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// SortedKeysOf returns the keys of m in ascending order.
func SortedKeysOf[V any](m map[int]V) []int {
	keys := KeysOf(m)
	sort.Ints(keys)
	return keys
}
