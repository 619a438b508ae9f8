// Package util holds small generic helpers shared across go-ecat packages.
package util

// CloneSlice clones slice with cloneSize.
// This function will use src length as the clone size if cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// Clamp limits v to the closed range [lo, hi].
func Clamp[T ~int | ~int32 | ~int64](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}

	return v
}

// DivCeil returns n/d rounded up. d must be positive.
func DivCeil(n, d int) int {
	return (n + d - 1) / d
}
