// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tensorexpr/types/errs"
)

// Broadcast returns the dimensions resulting from broadcasting the given shapes together, following
// NumPy rules: dimensions are right-aligned, missing axes are taken as 1, and on each aligned axis
// the sizes must either be equal or 1. The resulting size of an axis is the one that is not 1.
//
// It returns an error of kind errs.ErrShape if two sizes on the same aligned axis are different
// and none of them is 1.
func Broadcast(inputs ...Shape) ([]int, error) {
	dims := make([][]int, len(inputs))
	for ii, s := range inputs {
		dims[ii] = s.Dimensions
	}
	return BroadcastDims(dims...)
}

// BroadcastDims is like Broadcast, but takes the dimensions directly.
func BroadcastDims(inputs ...[]int) ([]int, error) {
	rank := 0
	for _, dims := range inputs {
		rank = max(rank, len(dims))
	}
	output := make([]int, rank)
	for axis := range output {
		output[axis] = 1
	}
	for inputIdx, dims := range inputs {
		offset := rank - len(dims)
		for axis, dim := range dims {
			outAxis := axis + offset
			switch {
			case dim == 1 || dim == output[outAxis]:
				// Nothing to do.
			case output[outAxis] == 1:
				output[outAxis] = dim
			default:
				return nil, errs.Shapef("can't broadcast input #%d with dimensions %v: aligned axis %d has size %d, "+
					"but previous inputs have size %d (all inputs: %v)", inputIdx, dims, outAxis, dim, output[outAxis], inputs)
			}
		}
	}
	return output, nil
}

// BroadcastDescriptor describes how an input is read when iterating over the (larger) output shape.
//
// For each output axis it holds the aligned input axis (or -1 if the input has fewer axes) and whether
// the axis is broadcast, that is, its stride is forced to 0.
type BroadcastDescriptor struct {
	InputAxes   []int
	IsBroadcast []bool
}

// NewBroadcastDescriptor returns the descriptor for reading input with the given dimensions over output.
//
// It returns an error of kind errs.ErrShape if input can't be broadcast to output.
func NewBroadcastDescriptor(input, output []int) (*BroadcastDescriptor, error) {
	if len(input) > len(output) {
		return nil, errs.Shapef("can't broadcast dimensions %v to the lower rank %v", input, output)
	}
	d := &BroadcastDescriptor{
		InputAxes:   make([]int, len(output)),
		IsBroadcast: make([]bool, len(output)),
	}
	offset := len(output) - len(input)
	for outAxis, outDim := range output {
		inAxis := outAxis - offset
		d.InputAxes[outAxis] = inAxis
		if inAxis < 0 {
			d.InputAxes[outAxis] = -1
			d.IsBroadcast[outAxis] = outDim != 1
			continue
		}
		inDim := input[inAxis]
		switch {
		case inDim == outDim:
		case inDim == 1:
			d.IsBroadcast[outAxis] = true
		default:
			return nil, errs.Shapef("can't broadcast dimensions %v to %v: axis %d has size %d, expected %d or 1",
				input, output, outAxis, inDim, outDim)
		}
	}
	return d, nil
}

// Strides returns the effective strides, one per output axis, for an input with the given strides.
// Broadcast and missing axes get stride 0.
func (d *BroadcastDescriptor) Strides(inputStrides []int) []int {
	strides := make([]int, len(d.InputAxes))
	for outAxis, inAxis := range d.InputAxes {
		if inAxis < 0 || d.IsBroadcast[outAxis] {
			continue
		}
		strides[outAxis] = inputStrides[inAxis]
	}
	return strides
}

// String returns a compact description: one letter per output axis, "n" for normal, "b" for broadcast
// and "-" for a missing axis.
func (d *BroadcastDescriptor) String() string {
	var sb strings.Builder
	for outAxis, inAxis := range d.InputAxes {
		switch {
		case inAxis < 0:
			sb.WriteByte('-')
		case d.IsBroadcast[outAxis]:
			sb.WriteByte('b')
		default:
			sb.WriteByte('n')
		}
	}
	return sb.String()
}

// IterationSpace is the shape of an output over which a kernel iterates, plus the broadcast descriptor
// of each input aligned to it.
//
// Inputs that are not read by plain broadcasting (e.g. the inputs of a concatenation, read with an offset)
// have a nil descriptor. The descriptors identify the space in cache keys (RankPattern); backends read
// operands through the access maps of the program.
//
// It is immutable after creation.
type IterationSpace struct {
	Dims   []int
	Inputs []*BroadcastDescriptor
}

// NewIterationSpace creates the iteration space over dims, with a descriptor for each of the inputs.
// Inputs that can't be broadcast to dims get a nil descriptor.
func NewIterationSpace(dims []int, inputs ...[]int) *IterationSpace {
	s := &IterationSpace{
		Dims:   slices.Clone(dims),
		Inputs: make([]*BroadcastDescriptor, len(inputs)),
	}
	for ii, inputDims := range inputs {
		d, err := NewBroadcastDescriptor(inputDims, dims)
		if err == nil {
			s.Inputs[ii] = d
		}
	}
	return s
}

// Rank of the iteration space.
func (s *IterationSpace) Rank() int { return len(s.Dims) }

// Size is the number of elements iterated over.
func (s *IterationSpace) Size() int { return DimsSize(s.Dims) }

// RankPattern returns a string that identifies the iteration space: its dimensions and the broadcast pattern
// of each input. It is used as part of the kernel cache key.
func (s *IterationSpace) RankPattern() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%d:%v", len(s.Dims), s.Dims)
	for ii, d := range s.Inputs {
		if d == nil {
			_, _ = fmt.Fprintf(&sb, ";#%d=?", ii)
			continue
		}
		_, _ = fmt.Fprintf(&sb, ";#%d=%s", ii, d)
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (s *IterationSpace) String() string {
	return fmt.Sprintf("IterationSpace(%s)", s.RankPattern())
}
