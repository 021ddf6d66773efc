// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Iter iterates over all possible indices of the given shape, in row-major order.
// To avoid allocating the slice of indices, the yielded indices is owned by the Iter() method:
// don't change it inside the loop.
func (s Shape) Iter() iter.Seq[[]int] {
	if !s.Ok() {
		return func(func([]int) bool) {}
	}
	return IterDims(s.Dimensions)
}

// IterDims is like Shape.Iter, but takes the dimensions directly.
func IterDims(dims []int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		rank := len(dims)
		if rank == 0 {
			// Scalar: yield one empty index slice.
			_ = yield(make([]int, 0))
			return
		}
		for _, dimSize := range dims {
			if dimSize <= 0 {
				return
			}
		}

		currentIndices := make([]int, rank)
		for {
			if !yield(currentIndices) {
				return
			}

			// Increment currentIndices, the last axis changes fastest.
			axis := rank - 1
			for ; axis >= 0; axis-- {
				if dims[axis] == 1 {
					continue
				}
				currentIndices[axis]++
				if currentIndices[axis] < dims[axis] {
					break
				}
				// Carry-over to the next higher-order axis.
				currentIndices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}

// UnravelIndex converts a row-major flat index into per-axis indices, written into indices.
func UnravelIndex(flat int, dims []int, indices []int) {
	for axis := len(dims) - 1; axis >= 0; axis-- {
		indices[axis] = flat % dims[axis]
		flat /= dims[axis]
	}
}
