// Package sliceutils provides generic slice search helpers.
package sliceutils

// ContainsValue reports whether the slice contains the value.
func ContainsValue[T comparable](values []T, value T) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// ContainsFunc reports whether any element satisfies the predicate.
func ContainsFunc[T any](values []T, predicate func(T) bool) bool {
	for _, v := range values {
		if predicate(v) {
			return true
		}
	}
	return false
}

// FindValueFunc returns the first element satisfying the predicate.
func FindValueFunc[T any](values []T, predicate func(T) bool) (value T, found bool) {
	for _, v := range values {
		if predicate(v) {
			return v, true
		}
	}
	return
}

// FindMatches returns all elements satisfying the predicate.
func FindMatches[T any](values []T, predicate func(T) bool) []T {
	var matches []T
	for _, v := range values {
		if predicate(v) {
			matches = append(matches, v)
		}
	}
	return matches
}

// MapToSlice collects a map's keys into a slice. Order is unspecified.
func MapToSlice[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
