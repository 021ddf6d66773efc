// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lowering

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/graph"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
)

// frame maps each axis of a value to the iteration space: see package documentation.
type frame []ir.Access

// broadcast returns the frame of an input with dims, used by an elementwise op whose frame is f
// (and whose dimensions are the broadcast of its inputs). Inputs are right-aligned, and axes of
// size 1 are read at coordinate 0.
func (f frame) broadcast(dims []int) frame {
	offset := len(f) - len(dims)
	sub := make(frame, len(dims))
	for axis, dim := range dims {
		if dim == 1 {
			sub[axis] = ir.Access{SpaceAxis: ir.BroadcastAxis}
		} else {
			sub[axis] = f[axis+offset]
		}
	}
	return sub
}

// shift returns a copy of f with the coordinate of axis shifted by delta.
func (f frame) shift(axis, delta int) frame {
	sub := slices.Clone(f)
	sub[axis].Offset += delta
	return sub
}

func scalarConstant(b *ir.Builder, s graph.Scalar, dtype dtypes.DType) ir.NodeID {
	if s.IsFloat() {
		return b.ConstantFloat(dtype, s.Float64())
	}
	return b.ConstantInt(dtype, s.Int64())
}

func isOne(s graph.Scalar) bool {
	if s.IsFloat() {
		return s.Float64() == 1
	}
	return s.Int64() == 1
}

// lowerNode returns the IR of the graph node in the frame, memoized.
func (l *lowerer) lowerNode(node *graph.Node, f frame) ir.NodeID {
	key := fmt.Sprintf("%d%v", node.Id(), f)
	if id, found := l.memo[key]; found {
		return id
	}
	id := l.lowerNodeInFrame(node, f)
	l.memo[key] = id
	return id
}

// lowerAs lowers the input of an elementwise op with frame f, broadcasting it and converting it to dtype.
func (l *lowerer) lowerAs(input *graph.Node, f frame, dtype dtypes.DType) ir.NodeID {
	v := l.infer(input)
	return l.b.Cast(dtype, l.lowerNode(input, f.broadcast(v.dims)))
}

func (l *lowerer) lowerNodeInFrame(node *graph.Node, f frame) ir.NodeID {
	b := l.b
	attrs := node.Attributes()
	inputs := node.Inputs()
	v := l.infer(node)
	switch node.Type() {
	case graph.NodeTypeParameter:
		return b.Load(attrs.ParameterIndex, f)

	case graph.NodeTypeConstant:
		if attrs.Tensor == nil {
			return scalarConstant(b, attrs.Value, v.dtype)
		}
		if idx, found := l.extraIndex[node]; found {
			return b.Load(len(l.inputs)+idx, f)
		}
		// Single element tensor: a literal.
		t := attrs.Tensor
		pos := t.Offset()
		if v.dtype.IsFloat() {
			return b.ConstantFloat(v.dtype, t.Buffer().Float(pos))
		}
		return b.Constant(v.dtype, ir.IntValue(t.Buffer().Int(pos)))

	case graph.NodeTypeUnary:
		x := l.lowerAs(inputs[0], f, v.dtype)
		return b.Unary(unaryOps[attrs.Unary], x)

	case graph.NodeTypeClamp:
		x := l.lowerAs(inputs[0], f, v.dtype)
		if attrs.Max != nil {
			x = b.Binary(ir.OpMin, x, scalarConstant(b, *attrs.Max, v.dtype))
		}
		if attrs.Min != nil {
			x = b.Binary(ir.OpMax, x, scalarConstant(b, *attrs.Min, v.dtype))
		}
		return x

	case graph.NodeTypeAddCMul:
		x := l.lowerAs(inputs[0], f, v.dtype)
		t1 := l.lowerAs(inputs[1], f, v.dtype)
		t2 := l.lowerAs(inputs[2], f, v.dtype)
		if !isOne(attrs.Value) {
			t1 = b.Binary(ir.OpMul, scalarConstant(b, attrs.Value, v.dtype), t1)
		}
		return b.Binary(ir.OpAdd, x, b.Binary(ir.OpMul, t1, t2))

	case graph.NodeTypeCat:
		return l.lowerCat(node, f, v)

	case graph.NodeTypeGetOutput:
		_, axis, start, _ := l.chunkGeometry(node)
		x := node.Inputs()[0].Inputs()[0]
		return l.lowerNode(x, f.shift(axis, start))
	}

	if op, found := binaryOps[node.Type()]; found {
		dtype := v.dtype
		if op.IsComparison() {
			dtype = orThrow(shapes.Promote(l.infer(inputs[0]).operand(), l.infer(inputs[1]).operand()))
		}
		x := l.lowerAs(inputs[0], f, dtype)
		y := l.lowerAs(inputs[1], f, dtype)
		if alpha := attrs.Alpha; alpha != nil && !isOne(*alpha) &&
			(node.Type() == graph.NodeTypeAdd || node.Type() == graph.NodeTypeSub) {
			y = b.Binary(ir.OpMul, scalarConstant(b, *alpha, dtype), y)
		}
		return b.Binary(op, x, y)
	}
	panic(errs.Graphf("%s: node type not supported", node))
}

// lowerCat selects, from the coordinate on the concatenated axis, which input to read.
func (l *lowerer) lowerCat(node *graph.Node, f frame, v value) ir.NodeID {
	b := l.b
	axis := normalizeAxis(node.Attributes().Axis, len(v.dims), node)
	type piece struct {
		id         ir.NodeID
		start, end int
	}
	var pieces []piece
	start := 0
	for _, input := range node.Inputs() {
		size := l.infer(input).dims[axis]
		if size == 0 {
			continue
		}
		// Same dimensions as the output, except on axis, so no broadcasting.
		id := b.Cast(v.dtype, l.lowerNode(input, f.shift(axis, -start)))
		pieces = append(pieces, piece{id: id, start: start, end: start + size})
		start += size
	}
	if len(pieces) == 0 {
		// Empty output: never evaluated.
		return b.Cast(v.dtype, l.lowerNode(node.Inputs()[0], f))
	}

	access := f[axis]
	if access.SpaceAxis == ir.BroadcastAxis {
		// Fixed coordinate: select the input statically.
		coord := min(max(access.Offset, 0), v.dims[axis]-1)
		for _, p := range pieces {
			if coord < p.end {
				return p.id
			}
		}
	}
	coord := b.AxisIndex(access.SpaceAxis, access.Offset)
	result := pieces[len(pieces)-1].id
	for ii := len(pieces) - 2; ii >= 0; ii-- {
		cond := b.Binary(ir.OpLt, coord, b.ConstantInt(dtypes.Int64, int64(pieces[ii].end)))
		result = b.Select(cond, pieces[ii].id, result)
	}
	return result
}
