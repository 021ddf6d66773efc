// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAddMul builds (x+y)*(x+y) over a rank-2 space, with y broadcast along axis 0.
func buildAddMul(b *Builder) NodeID {
	x := b.AddOperand(dtypes.Float32, []int{3, 4})
	y := b.AddOperand(dtypes.Float32, []int{4})
	lx := b.Load(x, []Access{{SpaceAxis: 0}, {SpaceAxis: 1}})
	ly := b.Load(y, []Access{{SpaceAxis: 1}})
	sum1 := b.Binary(OpAdd, lx, ly)
	sum2 := b.Binary(OpAdd, b.Load(x, []Access{{SpaceAxis: 0}, {SpaceAxis: 1}}), ly)
	return b.Binary(OpMul, sum1, sum2)
}

func TestBuilder(t *testing.T) {
	b := NewBuilder(2)
	out := buildAddMul(b)
	// Two loads, one add (hash-consed) and one mul.
	assert.Equal(t, 4, b.NumNodes())
	p := b.Build(out)
	mul := p.Node(out)
	assert.Equal(t, OpMul, mul.Op)
	assert.Equal(t, mul.Inputs[0], mul.Inputs[1])
	assert.Equal(t, dtypes.Float32, mul.DType)
	assert.Equal(t, []dtypes.DType{dtypes.Float32, dtypes.Float32}, p.OperandDTypes())
	assert.Equal(t, []dtypes.DType{dtypes.Float32}, p.OutputDTypes())
	assert.Equal(t, []int{1, 1, 2, 1}, p.NumUses())

	// Constants.
	c1 := b.ConstantFloat(dtypes.Float32, 0.1)
	c2 := b.ConstantFloat(dtypes.Float32, float64(float32(0.1)))
	assert.Equal(t, c1, c2, "constants are rounded to their dtype")
	assert.NotEqual(t, b.ConstantFloat(dtypes.Float64, 0.0), b.ConstantFloat(dtypes.Float64, math.Copysign(0, -1)))
	assert.Equal(t, b.ConstantFloat(dtypes.Float64, math.NaN()), b.ConstantFloat(dtypes.Float64, -math.NaN()))

	// Casts of constants are folded, casts to the same dtype are no-ops.
	assert.Equal(t, b.ConstantInt(dtypes.Int32, 3), b.Cast(dtypes.Int32, b.ConstantFloat(dtypes.Float32, 3.7)))
	assert.Equal(t, out, b.Cast(dtypes.Float32, out))

	// AxisIndex of a broadcast axis is a constant.
	assert.True(t, b.IsConstant(b.AxisIndex(BroadcastAxis, 5)))
	assert.Equal(t, dtypes.Int64, b.DType(b.AxisIndex(1, -2)))

	// Select with a constant condition or equal branches is simplified.
	assert.Equal(t, out, b.Select(b.Constant(dtypes.Bool, BoolValue(true)), out, c1))
	assert.Equal(t, c1, b.Select(b.Binary(OpLt, out, c1), c1, c1))
}

func TestBuilderErrors(t *testing.T) {
	b := NewBuilder(1)
	x := b.AddOperand(dtypes.Int32, []int{5})
	lx := b.Load(x, []Access{{SpaceAxis: 0}})
	f := b.ConstantFloat(dtypes.Float32, 1)

	err := exceptions.TryCatch[error](func() { b.Binary(OpAdd, lx, f) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrType))

	err = exceptions.TryCatch[error](func() { b.Unary(OpSqrt, lx) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrType))
	require.NotPanics(t, func() { b.Unary(OpNeg, lx) })

	err = exceptions.TryCatch[error](func() { b.Select(lx, lx, lx) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrType))

	require.Error(t, exceptions.TryCatch[error](func() { b.Load(x, []Access{{SpaceAxis: 1}}) }))
	require.Error(t, exceptions.TryCatch[error](func() { b.Load(x, nil) }))
	require.Error(t, exceptions.TryCatch[error](func() { b.Load(7, nil) }))
	require.Error(t, exceptions.TryCatch[error](func() { b.Build(NodeID(100)) }))
}

func TestSignatureAndString(t *testing.T) {
	b1, b2 := NewBuilder(2), NewBuilder(2)
	p1 := b1.Build(buildAddMul(b1))
	p2 := b2.Build(buildAddMul(b2))
	assert.Equal(t, p1.Signature(), p2.Signature())
	assert.NotContains(t, p1.Signature(), "\n")

	b3 := NewBuilder(2)
	out3 := b3.Binary(OpAdd, buildAddMul(b3), b3.ConstantFloat(dtypes.Float32, 1))
	p3 := b3.Build(out3)
	assert.NotEqual(t, p1.Signature(), p3.Signature())

	listing := p1.String()
	lines := strings.Split(listing, "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "program(rank=2, #0:float32[3 4], #1:float32[4])", strings.ToLower(lines[0]))
	assert.Equal(t, "  %0 = load #0[i0, i1] : Float32", lines[1])
	assert.Equal(t, "  %1 = load #1[i1] : Float32", lines[2])
	assert.Equal(t, "  %2 = add(%0, %1) : Float32", lines[3])
	assert.Equal(t, "  %3 = mul(%2, %2) : Float32", lines[4])
	assert.Equal(t, "return %3", lines[5])

	assert.Equal(t, "i1+2", Access{SpaceAxis: 1, Offset: 2}.String())
	assert.Equal(t, "i0-3", Access{SpaceAxis: 0, Offset: -3}.String())
	assert.Equal(t, "7", Access{SpaceAxis: BroadcastAxis, Offset: 7}.String())
}

func TestLiveAndClone(t *testing.T) {
	b := NewBuilder(1)
	x := b.Load(b.AddOperand(dtypes.Float64, []int{3}), []Access{{SpaceAxis: 0}})
	dead := b.Unary(OpExp, x)
	out := b.Unary(OpSin, x)
	p := b.Build(out)
	live := p.Live()
	assert.True(t, live[x])
	assert.False(t, live[dead])
	assert.True(t, live[out])

	var visited []Op
	p.Walk(func(_ NodeID, node *Node) { visited = append(visited, node.Op) })
	assert.Equal(t, []Op{OpLoad, OpSin}, visited)

	p2 := p.Clone()
	p2.Nodes[0].Access[0].Offset = 1
	assert.Equal(t, 0, p.Nodes[0].Access[0].Offset)
}

func TestFoldConstants(t *testing.T) {
	b := NewBuilder(1)
	x := b.Load(b.AddOperand(dtypes.Int64, []int{3}), []Access{{SpaceAxis: 0}})
	two := b.ConstantInt(dtypes.Int64, 2)
	three := b.ConstantInt(dtypes.Int64, 3)
	six := b.Binary(OpMul, two, three)
	out0 := b.Binary(OpAdd, x, six)
	out1 := b.Binary(OpDiv, three, b.ConstantInt(dtypes.Int64, 0))
	out2 := b.Binary(OpLt, b.Unary(OpNeg, two), three)
	p := FoldConstants(b.Build(out0, out1, out2))

	add := p.Node(p.Outputs[0])
	require.Equal(t, OpAdd, add.Op)
	folded := p.Node(add.Inputs[1])
	assert.Equal(t, OpConstant, folded.Op)
	assert.Equal(t, int64(6), folded.Value.I)

	// Division by zero is kept, to fail at execution.
	assert.Equal(t, OpDiv, p.Node(p.Outputs[1]).Op)

	lt := p.Node(p.Outputs[2])
	assert.Equal(t, OpConstant, lt.Op)
	assert.Equal(t, dtypes.Bool, lt.DType)
	assert.Equal(t, int64(1), lt.Value.I)

	// Dead nodes are dropped.
	for _, node := range p.Nodes {
		assert.NotEqual(t, OpMul, node.Op)
	}
}

func TestEval(t *testing.T) {
	nan := math.NaN()
	f64 := func(op Op, x, y float64) float64 {
		return EvalBinary(op, dtypes.Float64, FloatValue(x), FloatValue(y)).F
	}
	i64 := func(op Op, x, y int64) int64 {
		return EvalBinary(op, dtypes.Int64, IntValue(x), IntValue(y)).I
	}

	// Min/Max propagate NaN only from the second operand.
	assert.Equal(t, 1.0, f64(OpMin, nan, 1))
	assert.True(t, math.IsNaN(f64(OpMin, 1, nan)))
	assert.Equal(t, 1.0, f64(OpMax, nan, 1))
	assert.True(t, math.IsNaN(f64(OpMax, 1, nan)))

	// Remainder takes the sign of the divisor, fmod of the dividend.
	assert.Equal(t, 1.0, f64(OpRemainder, -5, 3))
	assert.Equal(t, -1.0, f64(OpRemainder, 5, -3))
	assert.Equal(t, -2.0, f64(OpFmod, -5, 3))
	assert.True(t, math.IsNaN(f64(OpRemainder, 5, 0)))
	assert.True(t, math.IsNaN(f64(OpFmod, nan, 3)))
	assert.Equal(t, int64(1), i64(OpRemainder, -5, 3))
	assert.Equal(t, int64(-2), i64(OpFmod, -5, 3))

	// Integer division truncates, and panics on zero divisor.
	assert.Equal(t, int64(-2), i64(OpDiv, -7, 3))
	for _, op := range []Op{OpDiv, OpRemainder, OpFmod} {
		err := exceptions.TryCatch[error](func() { i64(op, 1, 0) })
		require.Error(t, err, "op %s", op)
		assert.True(t, errors.Is(err, errs.ErrIntegerDivideByZero))
	}

	// Integer pow.
	assert.Equal(t, int64(1024), i64(OpPow, 2, 10))
	assert.Equal(t, int64(0), i64(OpPow, 2, -1))
	assert.Equal(t, int64(-1), i64(OpPow, -1, -3))

	// Overflow wraps.
	v := EvalBinary(OpAdd, dtypes.Int32, IntValue(math.MaxInt32), IntValue(1))
	assert.Equal(t, int64(math.MinInt32), v.I)
	v = EvalUnary(OpAbs, dtypes.Int32, IntValue(math.MinInt32))
	assert.Equal(t, int64(math.MinInt32), v.I)

	// Float32 rounding after each operation.
	v = EvalBinary(OpAdd, dtypes.Float32, FloatValue(0.1), FloatValue(0.2))
	assert.Equal(t, float64(float32(0.1)+float32(0.2)), v.F)

	// Comparisons.
	assert.Equal(t, BoolValue(false), EvalBinary(OpEq, dtypes.Float64, FloatValue(nan), FloatValue(nan)))
	assert.Equal(t, BoolValue(true), EvalBinary(OpNe, dtypes.Float64, FloatValue(nan), FloatValue(nan)))
	assert.Equal(t, BoolValue(true), EvalBinary(OpGe, dtypes.Int64, IntValue(3), IntValue(3)))

	// Unary.
	assert.InDelta(t, 0.5, EvalUnary(OpSigmoid, dtypes.Float64, FloatValue(0)).F, 1e-12)
	assert.Equal(t, 2.0, EvalUnary(OpRound, dtypes.Float64, FloatValue(2.5)).F)
	assert.Equal(t, -0.25, EvalUnary(OpFrac, dtypes.Float64, FloatValue(-1.25)).F)
	assert.Equal(t, 0.0, EvalUnary(OpRelu, dtypes.Float64, FloatValue(-3)).F)
	assert.Equal(t, int64(0), EvalUnary(OpRelu, dtypes.Int64, IntValue(-3)).I)
	assert.InDelta(t, math.Log(6), EvalUnary(OpLgamma, dtypes.Float64, FloatValue(4)).F, 1e-12)
	require.Error(t, exceptions.TryCatch[error](func() { EvalUnary(OpExp, dtypes.Int64, IntValue(1)) }))

	// Casts.
	assert.Equal(t, int64(-3), CastValue(dtypes.Float64, dtypes.Int64, FloatValue(-3.9)).I)
	assert.Equal(t, int64(math.MaxInt32), CastValue(dtypes.Float64, dtypes.Int32, FloatValue(1e20)).I)
	assert.Equal(t, int64(0), CastValue(dtypes.Float64, dtypes.Int32, FloatValue(nan)).I)
	assert.Equal(t, int64(1), CastValue(dtypes.Float64, dtypes.Bool, FloatValue(nan)).I)
	assert.Equal(t, 1.0, CastValue(dtypes.Bool, dtypes.Float32, BoolValue(true)).F)
	assert.Equal(t, int64(1), CastValue(dtypes.Int64, dtypes.Bool, IntValue(-5)).I)
	assert.Equal(t, 65504.0, CastValue(dtypes.Float64, dtypes.Float16, FloatValue(65504)).F)

	assert.Equal(t, FloatValue(2), EvalSelect(BoolValue(true), FloatValue(2), FloatValue(3)))
	assert.Equal(t, FloatValue(3), EvalSelect(BoolValue(false), FloatValue(2), FloatValue(3)))
}

func TestOp(t *testing.T) {
	assert.Equal(t, "add", OpAdd.String())
	assert.Equal(t, "select", OpSelect.String())
	assert.Equal(t, 0, OpLoad.NumInputs())
	assert.Equal(t, 1, OpCast.NumInputs())
	assert.Equal(t, 1, OpRelu.NumInputs())
	assert.Equal(t, 2, OpLt.NumInputs())
	assert.Equal(t, 3, OpSelect.NumInputs())
	assert.True(t, OpLt.IsComparison())
	assert.False(t, OpMax.IsComparison())
	assert.Len(t, UnaryOps(), int(OpRelu-OpNeg+1))
	for op := OpInvalid; op < OpLast; op++ {
		assert.NotEmpty(t, op.String())
	}
}
