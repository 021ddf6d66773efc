// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"slices"

	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
)

// BaseExecutable implements the Executable interface, to be embedded by the backends' executables.
type BaseExecutable struct {
	kind    Kind
	program *ir.Program
	space   *shapes.IterationSpace
}

// NewBaseExecutable returns a BaseExecutable for the program compiled by a backend of the given kind.
func NewBaseExecutable(kind Kind, p *ir.Program, space *shapes.IterationSpace) BaseExecutable {
	return BaseExecutable{kind: kind, program: p, space: space}
}

// Kind implements Executable.
func (e *BaseExecutable) Kind() Kind { return e.kind }

// Program implements Executable.
func (e *BaseExecutable) Program() *ir.Program { return e.program }

// Space implements Executable.
func (e *BaseExecutable) Space() *shapes.IterationSpace { return e.space }

// CheckInputs verifies that the inputs match the operands of the program. Backends call it on Execute.
func CheckInputs(p *ir.Program, inputs []*tensors.Tensor) error {
	if len(inputs) != len(p.Operands) {
		return errs.Shapef("program takes %d operands, %d were given", len(p.Operands), len(inputs))
	}
	for ii, t := range inputs {
		op := p.Operands[ii]
		if !t.Ok() {
			return errs.Shapef("operand #%d is an invalid tensor", ii)
		}
		if t.DType() != op.DType || !slices.Equal(t.Shape().Dimensions, op.Dims) {
			return errs.Shapef("operand #%d expected to be %s, got %s", ii,
				shapes.Make(op.DType, op.Dims...), t.Shape())
		}
	}
	return nil
}

// NewOutputs allocates one contiguous tensor per program output, with the dimensions of the space.
func NewOutputs(p *ir.Program, space *shapes.IterationSpace) []*tensors.Tensor {
	outputs := make([]*tensors.Tensor, len(p.Outputs))
	for ii, dtype := range p.OutputDTypes() {
		outputs[ii] = tensors.FromShape(shapes.Make(dtype, space.Dims...))
	}
	return outputs
}

// Indexer computes the position in the buffer of an operand read by an ir.OpLoad node, for a point of the
// iteration space. Coordinates are clamped to the valid range of the operand axes.
type Indexer struct {
	base int
	axes []indexerAxis
}

type indexerAxis struct {
	spaceAxis, offset, dim, stride int
}

// NewIndexer returns the Indexer of the Load node reading tensor t.
func NewIndexer(load *ir.Node, t *tensors.Tensor) *Indexer {
	ix := &Indexer{base: t.Offset()}
	dims, strides := t.Shape().Dimensions, t.Strides()
	for axis, access := range load.Access {
		if access.SpaceAxis == ir.BroadcastAxis {
			ix.base += clamp(access.Offset, dims[axis]) * strides[axis]
			continue
		}
		ix.axes = append(ix.axes, indexerAxis{
			spaceAxis: access.SpaceAxis,
			offset:    access.Offset,
			dim:       dims[axis],
			stride:    strides[axis],
		})
	}
	return ix
}

func clamp(coord, dim int) int {
	return max(min(coord, dim-1), 0)
}

// Position of the element read for the point of the iteration space.
func (ix *Indexer) Position(point []int) int {
	pos := ix.base
	for _, a := range ix.axes {
		pos += clamp(point[a.spaceAxis]+a.offset, a.dim) * a.stride
	}
	return pos
}

// Positions fills positions with the buffer positions for the points whose coordinates are given per
// space axis in coords (coords[axis][k] is the coordinate on axis of the k-th point).
func (ix *Indexer) Positions(coords [][]int, positions []int) {
	for k := range positions {
		positions[k] = ix.base
	}
	for _, a := range ix.axes {
		axisCoords := coords[a.spaceAxis]
		if a.offset == 0 {
			for k := range positions {
				c := axisCoords[k]
				if c >= a.dim {
					c = a.dim - 1
				}
				positions[k] += c * a.stride
			}
			continue
		}
		for k := range positions {
			positions[k] += clamp(axisCoords[k]+a.offset, a.dim) * a.stride
		}
	}
}
