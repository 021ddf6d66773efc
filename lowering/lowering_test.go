// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lowering

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/graph"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func in(dtype dtypes.DType, dims ...int) Input {
	return Input{Shape: shapes.Make(dtype, dims...)}
}

// countOps counts the live nodes of the program with the given op.
func countOps(p *ir.Program, op ir.Op) int {
	count := 0
	p.Walk(func(_ ir.NodeID, node *ir.Node) {
		if node.Op == op {
			count++
		}
	})
	return count
}

func TestBroadcast(t *testing.T) {
	g := graph.New("broadcast")
	x, y := g.Parameter("x"), g.Parameter("y")
	g.SetOutputs(graph.Add(x, y))

	r := must.M1(Lower(g, []Input{in(dtypes.Float32, 3, 4), in(dtypes.Float32, 4)}))
	require.Len(t, r.Groups, 1)
	assert.Equal(t, []shapes.Shape{shapes.Make(dtypes.Float32, 3, 4)}, r.OutputShapes)
	group := r.Groups[0]
	assert.Equal(t, []int{0}, group.Outputs)
	assert.Equal(t, []int{3, 4}, group.Space.Dims)
	assert.Equal(t, "2:[3 4];#0=nn;#1=-n", group.Space.RankPattern())
	p := group.Program
	assert.Equal(t, 2, p.NumOperands())
	assert.Contains(t, p.String(), "load #0[i0, i1]")
	assert.Contains(t, p.String(), "load #1[i1]")
	assert.Equal(t, 1, countOps(p, ir.OpAdd))

	// Size 1 axes are read at coordinate 0.
	r = must.M1(Lower(g, []Input{in(dtypes.Float32, 3, 1), in(dtypes.Float32, 1, 4)}))
	assert.Equal(t, []int{3, 4}, r.OutputShapes[0].Dimensions)
	assert.Contains(t, r.Groups[0].Program.String(), "load #0[i0, 0]")
	assert.Contains(t, r.Groups[0].Program.String(), "load #1[0, i1]")

	// Zero sized axis.
	r = must.M1(Lower(g, []Input{in(dtypes.Float32, 0, 4), in(dtypes.Float32, 1)}))
	assert.Equal(t, []int{0, 4}, r.OutputShapes[0].Dimensions)
	assert.Equal(t, 0, r.Groups[0].Space.Size())

	// Incompatible shapes.
	_, err := Lower(g, []Input{in(dtypes.Float32, 3, 4), in(dtypes.Float32, 5)})
	require.ErrorIs(t, err, errs.ErrShape)

	// Wrong number of inputs.
	_, err = Lower(g, []Input{in(dtypes.Float32, 3, 4)})
	require.ErrorIs(t, err, errs.ErrGraph)

	// Unsupported dtype.
	_, err = Lower(g, []Input{in(dtypes.Complex64, 3), in(dtypes.Float32, 3)})
	require.ErrorIs(t, err, errs.ErrType)
}

func TestPromotion(t *testing.T) {
	g := graph.New("scalar_literal")
	x := g.Parameter("x")
	g.SetOutputs(graph.Mul(x, g.ScalarConstant(graph.Float(0.5))))
	r := must.M1(Lower(g, []Input{in(dtypes.Int32, 3)}))
	assert.Equal(t, dtypes.Float32, r.OutputShapes[0].DType)
	assert.Equal(t, 1, countOps(r.Groups[0].Program, ir.OpCast))

	g = graph.New("scalar_parameter")
	x = g.Parameter("x")
	s := g.ScalarParameter("s", dtypes.Int64)
	g.SetOutputs(graph.Add(x, s))
	r = must.M1(Lower(g, []Input{in(dtypes.Int32, 3), {Shape: shapes.Scalar(dtypes.Int64), IsScalar: true}}))
	assert.Equal(t, dtypes.Int32, r.OutputShapes[0].DType)
	assert.Contains(t, r.Groups[0].Program.String(), "load #1[]")

	// Scalar parameters must be given scalars.
	_, err := Lower(g, []Input{in(dtypes.Int32, 3), in(dtypes.Int64, 3)})
	require.ErrorIs(t, err, errs.ErrShape)

	// Rank-0 tensors only raise the category.
	g = graph.New("rank0")
	x, y := g.Parameter("x"), g.Parameter("y")
	g.SetOutputs(graph.Add(x, y), graph.Add(y, y), graph.LessThan(x, y))
	r = must.M1(Lower(g, []Input{in(dtypes.Int32, 3), in(dtypes.Float64)}))
	assert.Equal(t, dtypes.Float32, r.OutputShapes[0].DType)
	assert.Equal(t, shapes.Scalar(dtypes.Float64), r.OutputShapes[1])
	assert.Equal(t, shapes.Make(dtypes.Bool, 3), r.OutputShapes[2])
	require.Len(t, r.Groups, 2)
	assert.Equal(t, []int{0, 2}, r.Groups[0].Outputs)
	assert.Equal(t, []int{1}, r.Groups[1].Outputs)
	assert.Equal(t, 0, r.Groups[1].Space.Rank())

	// Alpha.
	g = graph.New("alpha")
	x, y = g.Parameter("x"), g.Parameter("y")
	g.SetOutputs(graph.AddScaled(x, y, graph.Float(0.5)))
	r = must.M1(Lower(g, []Input{in(dtypes.Float32, 3), in(dtypes.Float32, 3)}))
	assert.Equal(t, 1, countOps(r.Groups[0].Program, ir.OpMul))
	_, err = Lower(g, []Input{in(dtypes.Int32, 3), in(dtypes.Int32, 3)})
	require.ErrorIs(t, err, errs.ErrType)
	_, err = Lower(g, []Input{in(dtypes.Bool, 3), in(dtypes.Bool, 3)})
	require.ErrorIs(t, err, errs.ErrType)

	g = graph.New("alpha_one")
	x, y = g.Parameter("x"), g.Parameter("y")
	g.SetOutputs(graph.SubScaled(x, y, graph.Int(1)))
	r = must.M1(Lower(g, []Input{in(dtypes.Int64, 3), in(dtypes.Int64, 3)}))
	assert.Equal(t, 0, countOps(r.Groups[0].Program, ir.OpMul))
	assert.Equal(t, 1, countOps(r.Groups[0].Program, ir.OpSub))

	// Unary ops.
	g = graph.New("unary")
	x = g.Parameter("x")
	g.SetOutputs(graph.Sin(x), graph.Abs(x), graph.Neg(x))
	r = must.M1(Lower(g, []Input{in(dtypes.Int32, 3)}))
	assert.Equal(t, dtypes.Float32, r.OutputShapes[0].DType)
	assert.Equal(t, dtypes.Int32, r.OutputShapes[1].DType)
	assert.Equal(t, dtypes.Int32, r.OutputShapes[2].DType)
	_, err = Lower(g, []Input{in(dtypes.Bool, 3)})
	require.ErrorIs(t, err, errs.ErrType)

	// Clamp with float bounds on integers.
	g = graph.New("clamp")
	x = g.Parameter("x")
	g.SetOutputs(graph.Clamp(x, graph.Float(-1.5), graph.Float(1.5)))
	r = must.M1(Lower(g, []Input{in(dtypes.Int64, 3)}))
	assert.Equal(t, dtypes.Float32, r.OutputShapes[0].DType)
	p := r.Groups[0].Program
	assert.Equal(t, 1, countOps(p, ir.OpMin))
	assert.Equal(t, 1, countOps(p, ir.OpMax))
	// max is applied last.
	assert.Equal(t, ir.OpMax, p.Node(p.Outputs[0]).Op)
}

func TestUnaryDType(t *testing.T) {
	for op := graph.UnaryNeg; op < graph.UnaryLast; op++ {
		_, found := unaryOps[op]
		require.True(t, found, "unary op %s not mapped", op)
		assert.Equal(t, dtypes.Float64, must.M1(UnaryDType(op, dtypes.Float64)))
	}
	assert.Equal(t, dtypes.Int64, must.M1(UnaryDType(graph.UnaryRelu, dtypes.Bool)))
	assert.Equal(t, dtypes.Float32, must.M1(UnaryDType(graph.UnaryExp, dtypes.Int64)))
	_, err := UnaryDType(graph.UnaryNeg, dtypes.Bool)
	require.ErrorIs(t, err, errs.ErrType)
}

func TestCSE(t *testing.T) {
	g := graph.New("cse")
	x := g.Parameter("x")
	e1 := graph.Exp(x)
	e2 := graph.Exp(x) // Different graph node, same expression.
	one := g.ScalarConstant(graph.Float(1))
	g.SetOutputs(graph.Add(e1, one), graph.Mul(e2, e1), graph.Sub(graph.Add(e1, one), e2))
	r := must.M1(Lower(g, []Input{in(dtypes.Float32, 5)}))
	require.Len(t, r.Groups, 1)
	p := r.Groups[0].Program
	assert.Len(t, p.Outputs, 3)
	assert.Equal(t, 1, countOps(p, ir.OpLoad))
	assert.Equal(t, 1, countOps(p, ir.OpExp))
	assert.Equal(t, 1, countOps(p, ir.OpAdd))
}

func TestConstants(t *testing.T) {
	g := graph.New("constants")
	x := g.Parameter("x")
	bias := g.Constant(tensors.FromValue([]float32{1, 2, 3}))
	scale := g.Constant(tensors.FromValue([][]float32{{2}}))
	folded := graph.Mul(g.ScalarConstant(graph.Int(2)), g.ScalarConstant(graph.Int(3)))
	g.SetOutputs(graph.Mul(graph.Add(x, bias), graph.Mul(scale, folded)))

	r := must.M1(Lower(g, []Input{in(dtypes.Float32, 4, 3)}))
	require.Len(t, r.ExtraOperands, 1)
	assert.Same(t, bias.Attributes().Tensor, r.ExtraOperands[0])
	p := r.Groups[0].Program
	assert.Equal(t, 2, p.NumOperands())
	assert.Contains(t, p.String(), "load #1[i1]")
	assert.Equal(t, "2:[4 3];#0=nn;#1=-n", r.Groups[0].Space.RankPattern())
	// 2*(2*3) is folded into a single constant, leaving Add and the final Mul.
	assert.Equal(t, 1, countOps(p, ir.OpMul))
	assert.Contains(t, p.String(), "const 12")

	r = must.M1(Lower(g, []Input{in(dtypes.Float32, 4, 3)}, WithConstantFolding(false)))
	assert.Equal(t, 3, countOps(r.Groups[0].Program, ir.OpMul))
}

func TestCatAndChunk(t *testing.T) {
	g := graph.New("cat")
	x, y := g.Parameter("x"), g.Parameter("y")
	g.SetOutputs(graph.Cat(1, x, y))
	r := must.M1(Lower(g, []Input{in(dtypes.Float32, 2, 3), in(dtypes.Int32, 2, 5)}))
	assert.Equal(t, shapes.Make(dtypes.Float32, 2, 8), r.OutputShapes[0])
	p := r.Groups[0].Program
	assert.Equal(t, 1, countOps(p, ir.OpSelect))
	assert.Equal(t, 1, countOps(p, ir.OpAxisIndex))
	assert.Contains(t, p.String(), "load #1[i0, i1-3]")

	_, err := Lower(g, []Input{in(dtypes.Float32, 2, 3), in(dtypes.Float32, 3, 5)})
	require.ErrorIs(t, err, errs.ErrShape)
	_, err = Lower(g, []Input{in(dtypes.Float32, 2), in(dtypes.Float32, 3)})
	require.ErrorIs(t, err, errs.ErrShape)

	g = graph.New("chunk")
	x = g.Parameter("x")
	chunks := graph.Chunk(x, 3, -1)
	g.SetOutputs(chunks...)
	r = must.M1(Lower(g, []Input{in(dtypes.Float64, 4, 7)}))
	require.Len(t, r.OutputShapes, 3)
	assert.Equal(t, []int{4, 3}, r.OutputShapes[0].Dimensions)
	assert.Equal(t, []int{4, 3}, r.OutputShapes[1].Dimensions)
	assert.Equal(t, []int{4, 1}, r.OutputShapes[2].Dimensions)
	require.Len(t, r.Groups, 2)
	assert.Contains(t, r.Groups[0].Program.String(), "load #0[i0, i1+3]")
	assert.Contains(t, r.Groups[1].Program.String(), "load #0[i0, i1+6]")

	// Empty chunks can't be used.
	g = graph.New("empty_chunk")
	x = g.Parameter("x")
	chunks = graph.Chunk(x, 4, 0)
	g.SetOutputs(chunks[3])
	_, err = Lower(g, []Input{in(dtypes.Float32, 2)})
	require.ErrorIs(t, err, errs.ErrShape)

	// Cat of chunks, in a different order, gives a Select chain reading the same operand.
	g = graph.New("swap")
	x = g.Parameter("x")
	chunks = graph.Chunk(x, 2, 0)
	g.SetOutputs(graph.Cat(0, chunks[1], chunks[0]))
	r = must.M1(Lower(g, []Input{in(dtypes.Float32, 4, 2)}))
	p = r.Groups[0].Program
	assert.Contains(t, p.String(), "load #0[i0+2, i1]")
	assert.Contains(t, p.String(), "load #0[i0-2, i1]")

	// Invalid axis.
	g = graph.New("bad_axis")
	x = g.Parameter("x")
	g.SetOutputs(graph.Cat(2, x, x))
	_, err = Lower(g, []Input{in(dtypes.Float32, 4, 2)})
	require.ErrorIs(t, err, errs.ErrShape)
}

func TestGraphErrors(t *testing.T) {
	g := graph.New("no_outputs")
	_ = g.Parameter("x")
	_, err := Lower(g, []Input{in(dtypes.Float32, 2)})
	require.ErrorIs(t, err, errs.ErrGraph)

	g = graph.New("cycle")
	x := g.Parameter("x")
	a := graph.Neg(x)
	b := graph.Exp(a)
	a.SetInput(0, b)
	g.SetOutputs(b)
	_, err = Lower(g, []Input{in(dtypes.Float32, 2)})
	require.ErrorIs(t, err, errs.ErrGraph)
}
