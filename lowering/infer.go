// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lowering

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/graph"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
)

// value is the inferred dtype and dimensions of a graph node.
type value struct {
	dtype dtypes.DType
	dims  []int
}

func (v value) shape() shapes.Shape { return shapes.Make(v.dtype, v.dims...) }

// operand for type promotion: rank-0 values are scalars.
func (v value) operand() shapes.Operand {
	return shapes.Operand{DType: v.dtype, IsScalar: len(v.dims) == 0}
}

func scalarOperand(s graph.Scalar) shapes.Operand {
	return shapes.Operand{DType: s.DType(), IsScalar: true}
}

var binaryOps = map[graph.NodeType]ir.Op{
	graph.NodeTypeAdd:            ir.OpAdd,
	graph.NodeTypeSub:            ir.OpSub,
	graph.NodeTypeMul:            ir.OpMul,
	graph.NodeTypeDiv:            ir.OpDiv,
	graph.NodeTypeRemainder:      ir.OpRemainder,
	graph.NodeTypeFmod:           ir.OpFmod,
	graph.NodeTypePow:            ir.OpPow,
	graph.NodeTypeEqual:          ir.OpEq,
	graph.NodeTypeNotEqual:       ir.OpNe,
	graph.NodeTypeGreaterOrEqual: ir.OpGe,
	graph.NodeTypeGreaterThan:    ir.OpGt,
	graph.NodeTypeLessOrEqual:    ir.OpLe,
	graph.NodeTypeLessThan:       ir.OpLt,
	graph.NodeTypeMin:            ir.OpMin,
	graph.NodeTypeMax:            ir.OpMax,
}

var unaryOps = map[graph.UnaryOp]ir.Op{
	graph.UnaryNeg:        ir.OpNeg,
	graph.UnaryAbs:        ir.OpAbs,
	graph.UnarySqrt:       ir.OpSqrt,
	graph.UnaryRsqrt:      ir.OpRsqrt,
	graph.UnaryExp:        ir.OpExp,
	graph.UnaryExpm1:      ir.OpExpm1,
	graph.UnaryLog:        ir.OpLog,
	graph.UnaryLog2:       ir.OpLog2,
	graph.UnaryLog10:      ir.OpLog10,
	graph.UnaryLog1p:      ir.OpLog1p,
	graph.UnarySin:        ir.OpSin,
	graph.UnaryCos:        ir.OpCos,
	graph.UnaryTan:        ir.OpTan,
	graph.UnaryAsin:       ir.OpAsin,
	graph.UnaryAcos:       ir.OpAcos,
	graph.UnaryAtan:       ir.OpAtan,
	graph.UnarySinh:       ir.OpSinh,
	graph.UnaryCosh:       ir.OpCosh,
	graph.UnaryTanh:       ir.OpTanh,
	graph.UnarySigmoid:    ir.OpSigmoid,
	graph.UnaryErf:        ir.OpErf,
	graph.UnaryErfc:       ir.OpErfc,
	graph.UnaryLgamma:     ir.OpLgamma,
	graph.UnaryFloor:      ir.OpFloor,
	graph.UnaryCeil:       ir.OpCeil,
	graph.UnaryTrunc:      ir.OpTrunc,
	graph.UnaryRound:      ir.OpRound,
	graph.UnaryFrac:       ir.OpFrac,
	graph.UnaryReciprocal: ir.OpReciprocal,
	graph.UnaryRelu:       ir.OpRelu,
}

// UnaryDType returns the dtype of the result of the unary op applied to an operand of the given dtype.
//
// Floats are preserved. Integers are preserved by the ops defined on integers (neg, abs, relu and the
// rounding functions) and promoted to Float32 by the others. Booleans are treated as Int64, except
// for negation, which is an error.
func UnaryDType(op graph.UnaryOp, dtype dtypes.DType) (dtypes.DType, error) {
	irOp, found := unaryOps[op]
	if !found {
		return dtypes.InvalidDType, errs.Graphf("invalid unary op %s", op)
	}
	if _, err := shapes.CategoryOf(dtype); err != nil {
		return dtypes.InvalidDType, err
	}
	switch {
	case dtype.IsFloat():
		return dtype, nil
	case dtype == dtypes.Bool && irOp == ir.OpNeg:
		return dtypes.InvalidDType, errs.Typef("negation of a Bool value is not supported")
	case irOp.IsIntegerUnary():
		if dtype == dtypes.Bool {
			return dtypes.Int64, nil
		}
		return dtype, nil
	}
	return shapes.DefaultDType(shapes.CategoryFloat), nil
}

func orThrow[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func normalizeAxis(axis, rank int, node *graph.Node) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		panic(errs.Shapef("%s: axis %d out of range for rank %d", node, axis, rank))
	}
	return adjusted
}

// infer returns the dtype and dimensions of the node, memoized. Errors are thrown as panics.
func (l *lowerer) infer(node *graph.Node) value {
	if v, found := l.values[node]; found {
		return v
	}
	v := l.inferNode(node)
	l.values[node] = v
	return v
}

func (l *lowerer) inferNode(node *graph.Node) value {
	attrs := node.Attributes()
	inputs := node.Inputs()
	switch node.Type() {
	case graph.NodeTypeParameter:
		in := l.inputs[attrs.ParameterIndex]
		orThrow(shapes.CategoryOf(in.Shape.DType))
		if attrs.ScalarDType != dtypes.InvalidDType {
			if !in.IsScalar || in.Shape.Rank() != 0 {
				panic(errs.Shapef("parameter %q is a scalar, but input #%d is %s", attrs.Name, attrs.ParameterIndex, in.Shape))
			}
		}
		return value{dtype: in.Shape.DType, dims: slices.Clone(in.Shape.Dimensions)}

	case graph.NodeTypeConstant:
		if attrs.Tensor == nil {
			return value{dtype: attrs.Value.DType()}
		}
		t := attrs.Tensor
		orThrow(shapes.CategoryOf(t.DType()))
		if t.Size() != 1 {
			l.extraIndex[node] = len(l.extras)
			l.extras = append(l.extras, t)
		}
		return value{dtype: t.DType(), dims: slices.Clone(t.Shape().Dimensions)}

	case graph.NodeTypeUnary:
		x := l.infer(inputs[0])
		return value{dtype: orThrow(UnaryDType(attrs.Unary, x.dtype)), dims: x.dims}

	case graph.NodeTypeClamp:
		x := l.infer(inputs[0])
		ops := []shapes.Operand{x.operand()}
		for _, bound := range []*graph.Scalar{attrs.Min, attrs.Max} {
			if bound != nil {
				ops = append(ops, scalarOperand(*bound))
			}
		}
		return value{dtype: orThrow(shapes.Promote(ops...)), dims: x.dims}

	case graph.NodeTypeAddCMul:
		return l.inferElementwise(node, nil)

	case graph.NodeTypeCat:
		return l.inferCat(node)

	case graph.NodeTypeChunk:
		panic(errs.Graphf("%s: multi-output node must be used through GetOutput", node))

	case graph.NodeTypeGetOutput:
		x, axis, _, length := l.chunkGeometry(node)
		dims := slices.Clone(x.dims)
		dims[axis] = length
		return value{dtype: x.dtype, dims: dims}
	}

	if node.Type().IsBinary() {
		var alpha *graph.Scalar
		if node.Type() == graph.NodeTypeAdd || node.Type() == graph.NodeTypeSub {
			alpha = attrs.Alpha
		}
		v := l.inferElementwise(node, alpha)
		if node.Type().IsComparison() {
			v.dtype = dtypes.Bool
		}
		return v
	}
	panic(errs.Graphf("%s: node type not supported", node))
}

// inferElementwise infers broadcast dimensions and promoted dtype of the inputs of the node.
// If alpha is given it is checked against the promoted dtype.
func (l *lowerer) inferElementwise(node *graph.Node, alpha *graph.Scalar) value {
	inputs := node.Inputs()
	dims := make([][]int, len(inputs))
	ops := make([]shapes.Operand, len(inputs))
	for ii, input := range inputs {
		v := l.infer(input)
		dims[ii] = v.dims
		ops[ii] = v.operand()
	}
	outDims, err := shapes.BroadcastDims(dims...)
	if err != nil {
		panic(errs.Shapef("%s: %v", node, err))
	}
	dtype, err := shapes.Promote(ops...)
	if err != nil {
		panic(err)
	}
	if node.Type() == graph.NodeTypeAddCMul {
		alpha = &node.Attributes().Value
	}
	if alpha != nil {
		orThrow(shapes.AlphaDType(dtype, alpha.IsFloat()))
	}
	return value{dtype: dtype, dims: outDims}
}

func (l *lowerer) inferCat(node *graph.Node) value {
	inputs := node.Inputs()
	first := l.infer(inputs[0])
	rank := len(first.dims)
	if rank == 0 {
		panic(errs.Shapef("%s: can't concatenate scalars", node))
	}
	axis := normalizeAxis(node.Attributes().Axis, rank, node)
	dims := slices.Clone(first.dims)
	dims[axis] = 0
	ops := make([]shapes.Operand, len(inputs))
	for ii, input := range inputs {
		v := l.infer(input)
		if len(v.dims) != rank {
			panic(errs.Shapef("%s: input #%d has rank %d, but input #0 has rank %d", node, ii, len(v.dims), rank))
		}
		for a, dim := range v.dims {
			if a != axis && dim != first.dims[a] {
				panic(errs.Shapef("%s: input #%d has dimensions %v incompatible with input #0 dimensions %v "+
					"(only axis %d may differ)", node, ii, v.dims, first.dims, axis))
			}
		}
		dims[axis] += v.dims[axis]
		// Concatenation doesn't treat rank-0 specially: all inputs are tensors.
		ops[ii] = shapes.Operand{DType: v.dtype}
	}
	return value{dtype: orThrow(shapes.Promote(ops...)), dims: dims}
}

// chunkGeometry returns the value chunked by a GetOutput node, the normalized axis, and the start and length
// of the selected chunk along the axis.
//
// Chunks have size ceil(dim/chunks), the last one takes what remains. Chunks left empty (when chunks
// doesn't divide evenly into non-empty pieces) can't be used.
func (l *lowerer) chunkGeometry(node *graph.Node) (x value, axis, start, length int) {
	chunk := node.Inputs()[0]
	attrs := chunk.Attributes()
	x = l.infer(chunk.Inputs()[0])
	if len(x.dims) == 0 {
		panic(errs.Shapef("%s: can't chunk a scalar", chunk))
	}
	axis = normalizeAxis(attrs.Axis, len(x.dims), chunk)
	dim := x.dims[axis]
	size := (dim + attrs.Chunks - 1) / attrs.Chunks
	idx := node.Attributes().OutputIndex
	start = idx * size
	length = min(size, dim-start)
	if length <= 0 {
		panic(errs.Shapef("%s: output #%d is empty (axis %d of size %d split in chunks of %d)",
			chunk, idx, axis, dim, size))
	}
	return
}
