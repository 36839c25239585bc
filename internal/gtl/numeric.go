package gtl

import "golang.org/x/exp/constraints"

// Sum folds vs by addition: the "+-like fold" PrefixSum needs over
// whatever numeric element type the caller's toUint/fromUint pair
// projects onto, without committing this package to one concrete type.
func Sum[T constraints.Integer | constraints.Float](vs []T) T {
	var total T
	for _, v := range vs {
		total += v
	}
	return total
}

// ClampIndex maps a dense key idx into [begin, end) to its zero-based
// offset, for the reduce-to-index variant's bounds check, or reports
// false if idx falls outside the range.
func ClampIndex[T constraints.Unsigned](idx, begin, end T) (T, bool) {
	if idx < begin || idx >= end {
		return 0, false
	}
	return idx - begin, true
}
