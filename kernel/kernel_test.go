// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"flag"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/backends"
	_ "github.com/gomlx/tensorexpr/backends/default"
	"github.com/gomlx/tensorexpr/counters"
	"github.com/gomlx/tensorexpr/graph"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func TestMain(m *testing.M) {
	klog.InitFlags(nil)
	flag.Parse()
	os.Exit(m.Run())
}

// binaryKernel returns a kernel computing op(x, y).
func binaryKernel(name string, op func(x, y *graph.Node) *graph.Node) *Kernel {
	g := graph.New(name)
	x, y := g.Parameter("x"), g.Parameter("y")
	g.SetOutputs(op(x, y))
	return New(g)
}

func iota32(n int, fn func(ii int) float32) []float32 {
	data := make([]float32, n)
	for ii := range data {
		data[ii] = fn(ii)
	}
	return data
}

func TestBroadcast(t *testing.T) {
	k := binaryKernel("add", graph.Add)
	outputs, err := k.Run(
		tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}),
		tensors.FromValue([]float32{10, 20, 30}))
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, [][]float32{{11, 22, 33}, {14, 25, 36}}, outputs[0].Value())
	assert.Equal(t, tensors.Host, outputs[0].Device())

	// Axes of size 1 and views.
	x := must.M1(tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}).Transpose(0, 1)) // [3, 2]
	outputs, err = k.Run(x, tensors.FromValue([][]float32{{100}, {200}, {300}}))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{101, 104}, {202, 205}, {303, 306}}, outputs[0].Value())

	// Incompatible shapes.
	_, err = k.Run(tensors.FromShape(shapes.Make(dtypes.Float32, 3, 4)), tensors.FromValue([]float32{1, 2, 3, 4, 5}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrShape), "expected a shape error, got %v", err)

	// The failed lowering is cached and returns the same error kind.
	_, err2 := k.Run(tensors.FromShape(shapes.Make(dtypes.Float32, 3, 4)), tensors.FromValue([]float32{1, 2, 3, 4, 5}))
	assert.True(t, errors.Is(err2, errs.ErrShape))

	// Wrong number of arguments.
	_, err = k.Run(tensors.FromValue([]float32{1}))
	assert.True(t, errors.Is(err, errs.ErrGraph))
}

func TestIdempotence(t *testing.T) {
	g := graph.New("addcmul")
	x, y, z := g.Parameter("x"), g.Parameter("y"), g.Parameter("z")
	g.SetOutputs(graph.AddCMul(x, y, z, graph.Float(0.5)))
	k := New(g)
	const n = 1000
	xs := tensors.FromFlatDataAndDimensions(iota32(n, func(ii int) float32 { return float32(ii) }), n)
	ys := tensors.FromFlatDataAndDimensions(iota32(n, func(ii int) float32 { return float32(ii % 7) }), n)
	zs := tensors.FromFlatDataAndDimensions(iota32(n, func(ii int) float32 { return 2 }), n)
	want := tensors.FromFlatDataAndDimensions(iota32(n, func(ii int) float32 { return float32(ii + ii%7) }), n)
	for range 32 {
		outputs, err := k.Run(xs, ys, zs)
		require.NoError(t, err)
		require.True(t, want.Equal(outputs[0]), "got %s", outputs[0])
	}

	// Inputs are not modified.
	assert.Equal(t, float32(999), tensors.CopyFlatData[float32](xs)[999])

	// Concurrent calls.
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outputs, err := k.Run(xs, ys, zs)
			if assert.NoError(t, err) {
				assert.True(t, want.Equal(outputs[0]))
			}
		}()
	}
	wg.Wait()
}

func TestMinMaxNaN(t *testing.T) {
	nan := float32(math.NaN())
	x := tensors.FromValue([]float32{nan, 1, 2})
	y := tensors.FromValue([]float32{1, nan, 3})

	minimum := must.M1(binaryKernel("min", graph.Min).Run(x, y))[0]
	got := tensors.CopyFlatData[float32](minimum)
	assert.Equal(t, float32(1), got[0])
	assert.True(t, math.IsNaN(float64(got[1])))
	assert.Equal(t, float32(2), got[2])

	maximum := must.M1(binaryKernel("max", graph.Max).Run(x, y))[0]
	got = tensors.CopyFlatData[float32](maximum)
	assert.Equal(t, float32(1), got[0])
	assert.True(t, math.IsNaN(float64(got[1])))
	assert.Equal(t, float32(3), got[2])
}

func TestRemainder(t *testing.T) {
	nan := math.NaN()
	k := binaryKernel("remainder", graph.Remainder)
	outputs, err := k.Run(
		tensors.FromValue([]float64{0, 5.5, -7, nan, 1, 7}),
		tensors.FromValue([]float64{2, 2, 2, 2, 0, -2}))
	require.NoError(t, err)
	want := tensors.FromValue([]float64{0, 1.5, 1, nan, nan, -1})
	assert.True(t, want.Equal(outputs[0]), "got %s", outputs[0])

	// remainder(x + y, x) == y for 0 <= y < x.
	g := graph.New("remainder_of_sum")
	x, y := g.Parameter("x"), g.Parameter("y")
	g.SetOutputs(graph.Remainder(graph.Add(x, y), x))
	outputs, err = New(g).Run(tensors.FromValue([]float64{3, 5, 10}), tensors.FromValue([]float64{1, 4, 0.25}))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 4, 0.25}, outputs[0].Value(), 1e-12)

	// Integers: divide by zero is an error.
	_, err = k.Run(tensors.FromValue([]int64{1, 2}), tensors.FromValue([]int64{1, 0}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrIntegerDivideByZero), "got %v", err)
}

func TestChunk(t *testing.T) {
	const size = 1024
	g := graph.New("chunk")
	x := g.Parameter("x")
	parts := graph.Chunk(x, 2, 1)
	g.SetOutputs(graph.Sub(parts[1], parts[0]))
	k := New(g)
	xs := tensors.FromFlatDataAndDimensions(iota32(size*size, func(ii int) float32 {
		row, col := ii/size, ii%size
		return float32(row + 3*col)
	}), size, size)
	outputs, err := k.Run(xs)
	require.NoError(t, err)
	require.Equal(t, []int{size, size / 2}, outputs[0].Shape().Dimensions)
	for ii, v := range tensors.CopyFlatData[float32](outputs[0]) {
		if v != 3*size/2 {
			require.Failf(t, "wrong value", "position %d: got %g, wanted %d", ii, v, 3*size/2)
		}
	}

	// Uneven chunks: ceil(5/2)=3, the last chunk is smaller.
	g = graph.New("uneven_chunk")
	x = g.Parameter("x")
	parts = graph.Chunk(x, 2, 0)
	g.SetOutputs(parts[0], parts[1])
	outputs, kinds, err := New(g).RunWithBackends(tensors.FromValue([]int32{1, 2, 3, 4, 5}))
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, outputs[0].Value())
	assert.Equal(t, []int32{4, 5}, outputs[1].Value())
	assert.Len(t, kinds, 2, "outputs of different shapes are computed by separate programs")
}

func TestCat(t *testing.T) {
	const size = 1024
	g := graph.New("cat")
	x, y := g.Parameter("x"), g.Parameter("y")
	g.SetOutputs(graph.Cat(1, x, graph.Neg(y)))
	xs := tensors.FromFlatDataAndDimensions(iota32(size*size, func(ii int) float32 { return float32(ii % size) }), size, size)
	ys := tensors.FromFlatDataAndDimensions(iota32(size*size, func(ii int) float32 { return float32(ii / size) }), size, size)
	outputs, err := New(g).Run(xs, ys)
	require.NoError(t, err)
	out := outputs[0]
	require.Equal(t, []int{size, 2 * size}, out.Shape().Dimensions)
	flat := tensors.CopyFlatData[float32](out)
	for row := range size {
		for col := range 2 * size {
			want := float32(col)
			if col >= size {
				want = -float32(row)
			}
			if got := flat[row*2*size+col]; got != want {
				require.Failf(t, "wrong value", "[%d, %d]: got %g, wanted %g", row, col, got, want)
			}
		}
	}

	// Concatenated operands with broadcasting.
	g = graph.New("cat_broadcast")
	x, y = g.Parameter("x"), g.Parameter("y")
	g.SetOutputs(graph.Add(graph.Cat(0, x, y), g.ScalarConstant(graph.Int(1))))
	outputs, err = New(g).Run(tensors.FromValue([][]int64{{1, 2}}), tensors.FromValue([][]int64{{3, 4}, {5, 6}}))
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{2, 3}, {4, 5}, {6, 7}}, outputs[0].Value())
}

func TestScalarInputs(t *testing.T) {
	g := graph.New("scale")
	x := g.Parameter("x")
	f := g.ScalarParameter("f", dtypes.Float64)
	i := g.ScalarParameter("i", dtypes.Int64)
	g.SetOutputs(graph.Mul(x, f), graph.Add(x, i))
	k := New(g)

	outputs, err := k.Run(tensors.FromValue([]int32{1, 2, 3}), 0.5, 10)
	require.NoError(t, err)
	// A float scalar raises an int tensor to the default float dtype, an int scalar doesn't widen int32.
	assert.Equal(t, dtypes.Float32, outputs[0].DType())
	assert.Equal(t, []float32{0.5, 1, 1.5}, outputs[0].Value())
	assert.Equal(t, dtypes.Int32, outputs[1].DType())
	assert.Equal(t, []int32{11, 12, 13}, outputs[1].Value())

	// Integers are accepted for float parameters, scalar tensors too.
	outputs, err = k.Run(tensors.FromValue([]int32{1, 2, 3}), 2, tensors.FromScalar(int64(-1)))
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, outputs[0].Value())
	assert.Equal(t, []int32{0, 1, 2}, outputs[1].Value())

	// Floats are not accepted for integer parameters.
	_, err = k.Run(tensors.FromValue([]int32{1, 2, 3}), 2, 1.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrType), "got %v", err)

	_, err = k.Run(tensors.FromValue([]int32{1, 2, 3}), "2", 1)
	assert.True(t, errors.Is(err, errs.ErrType), "got %v", err)
}

func TestPromotion(t *testing.T) {
	k := binaryKernel("add", graph.Add)
	outputs := must.M1(k.Run(tensors.FromValue([]int32{1, 2}), tensors.FromValue([]int64{10, 20})))
	assert.Equal(t, []int64{11, 22}, outputs[0].Value())

	outputs = must.M1(k.Run(tensors.FromValue([]int64{1, 2}), tensors.FromValue([]float32{0.5, 0.25})))
	assert.Equal(t, []float32{1.5, 2.25}, outputs[0].Value())

	// Comparisons yield booleans, computed in the promoted dtype.
	cmp := binaryKernel("less", graph.LessThan)
	outputs = must.M1(cmp.Run(tensors.FromValue([]int32{1, 2, 3}), tensors.FromValue([]float64{1.5, 1.5, 3})))
	assert.Equal(t, []bool{true, false, false}, outputs[0].Value())

	// Float16 is only a storage type: a float scalar doesn't widen it.
	g := graph.New("half")
	x := g.Parameter("x")
	g.SetOutputs(graph.Mul(x, g.ScalarConstant(graph.Float(2))))
	outputs = must.M1(New(g).Run(tensors.FromValue([]float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(1.5)})))
	assert.Equal(t, dtypes.Float16, outputs[0].DType())
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(2), float16.Fromfloat32(3)}, outputs[0].Value())
}

func TestAlpha(t *testing.T) {
	k := binaryKernel("add_scaled", func(x, y *graph.Node) *graph.Node {
		return graph.AddScaled(x, y, graph.Float(0.5))
	})
	outputs := must.M1(k.Run(tensors.FromValue([]float32{1, 2}), tensors.FromValue([]float32{4, 8})))
	assert.Equal(t, []float32{3, 6}, outputs[0].Value())

	// A float alpha can't scale integers.
	_, err := k.Run(tensors.FromValue([]int64{1, 2}), tensors.FromValue([]int64{4, 8}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrType), "got %v", err)

	sub := binaryKernel("sub_scaled", func(x, y *graph.Node) *graph.Node {
		return graph.SubScaled(x, y, graph.Int(3))
	})
	outputs = must.M1(sub.Run(tensors.FromValue([]int64{10, 20}), tensors.FromValue([]int64{1, 2})))
	assert.Equal(t, []int64{7, 14}, outputs[0].Value())
}

func TestBackendSelection(t *testing.T) {
	newKernel := func() *Kernel {
		g := graph.New("selection")
		x := g.Parameter("x")
		g.SetOutputs(graph.Mul(graph.Add(x, g.ScalarConstant(graph.Float(0.125))), g.ScalarConstant(graph.Float(8))))
		return New(g).SetCache(backends.NewCache(10))
	}
	xs := tensors.FromValue([]float32{1, 2, 3})
	want := []float32{9, 17, 25}

	t.Run("default", func(t *testing.T) {
		t.Setenv(backends.TEXPR_BACKEND, "")
		created := must.M1(counters.NewDelta("llvm_codegen_created"))
		executed := must.M1(counters.NewDelta("llvm_codegen_executed"))
		k := newKernel()
		for range 3 {
			outputs, kinds, err := k.RunWithBackends(xs)
			require.NoError(t, err)
			assert.Equal(t, want, outputs[0].Value())
			assert.Equal(t, []backends.Kind{backends.KindNative}, kinds)
		}
		assert.Equal(t, int64(1), created.Elapsed())
		assert.Equal(t, int64(3), executed.Elapsed())
	})

	t.Run("interpreter", func(t *testing.T) {
		t.Setenv(backends.TEXPR_BACKEND, "interpreter")
		created := must.M1(counters.NewDelta("simple_ir_eval_created"))
		executed := must.M1(counters.NewDelta("simple_ir_eval_executed"))
		nativeExecuted := must.M1(counters.NewDelta("llvm_codegen_executed"))
		k := newKernel()
		assert.Equal(t, []backends.Kind{backends.KindInterpreter}, k.Selector().Priority())
		for range 2 {
			outputs, kinds, err := k.RunWithBackends(xs)
			require.NoError(t, err)
			assert.Equal(t, want, outputs[0].Value())
			assert.Equal(t, []backends.Kind{backends.KindInterpreter}, kinds)
		}
		assert.Equal(t, int64(1), created.Elapsed())
		assert.Equal(t, int64(2), executed.Elapsed())
		assert.Zero(t, nativeExecuted.Elapsed())
	})

	t.Run("interpreter_closes_priority", func(t *testing.T) {
		t.Setenv(backends.TEXPR_BACKEND, "accelerator")
		outputs, kinds, err := newKernel().RunWithBackends(xs)
		require.NoError(t, err)
		assert.Equal(t, want, outputs[0].Value())
		assert.Equal(t, []backends.Kind{backends.KindInterpreter}, kinds)

		t.Setenv(backends.TEXPR_BACKEND, "native")
		outputs, kinds, err = newKernel().RunWithBackends(tensors.FromShape(shapes.Make(dtypes.Float32, 0)))
		require.NoError(t, err)
		assert.Equal(t, []int{0}, outputs[0].Shape().Dimensions)
		assert.Equal(t, []backends.Kind{backends.KindInterpreter}, kinds)
	})

	t.Run("native_min_size", func(t *testing.T) {
		k := newKernel().SetSelector(backends.NewSelector().SetNativeMinSize(4))
		_, kinds, err := k.RunWithBackends(xs)
		require.NoError(t, err)
		assert.Equal(t, []backends.Kind{backends.KindInterpreter}, kinds)
		_, kinds, err = k.RunWithBackends(tensors.FromValue([]float32{1, 2, 3, 4}))
		require.NoError(t, err)
		assert.Equal(t, []backends.Kind{backends.KindNative}, kinds)
	})
}

func TestMaxCache(t *testing.T) {
	k := binaryKernel("max_cache", graph.Mul).SetMaxCache(1).SetName("limited")
	assert.Equal(t, "limited", k.Name())
	_, err := k.Run(tensors.FromValue([]float32{1, 2}), tensors.FromValue([]float32{3, 4}))
	require.NoError(t, err)
	_, err = k.Run(tensors.FromValue([]float32{1, 2, 3}), tensors.FromValue([]float32{3, 4, 5}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum cache size")
	_, err = k.Run(tensors.FromValue([]float32{5, 6}), tensors.FromValue([]float32{7, 8}))
	require.NoError(t, err)

	k.SetMaxCache(-1)
	_, err = k.Run(tensors.FromValue([]float32{1, 2, 3}), tensors.FromValue([]float32{3, 4, 5}))
	require.NoError(t, err)
}

func TestLowered(t *testing.T) {
	g := graph.New("cse")
	x, y := g.Parameter("x"), g.Parameter("y")
	sum := graph.Add(x, y)
	g.SetOutputs(graph.Mul(sum, sum), graph.Sigmoid(sum))
	k := New(g)
	lowered, err := k.Lowered(tensors.FromValue([]float32{1}), tensors.FromValue([]float32{2}))
	require.NoError(t, err)
	require.Len(t, lowered.Groups, 1)
	assert.Equal(t, []int{0, 1}, lowered.Groups[0].Outputs)
	adds := 0
	lowered.Groups[0].Program.Walk(func(_ ir.NodeID, node *ir.Node) {
		if node.Op == ir.OpAdd {
			adds++
		}
	})
	assert.Equal(t, 1, adds, "x+y is shared by both outputs")

	outputs := must.M1(k.Run(tensors.FromValue([]float32{1}), tensors.FromValue([]float32{2})))
	assert.Equal(t, []float32{9}, outputs[0].Value())
	assert.InDelta(t, 1/(1+math.Exp(-3)), float64(tensors.ToScalar[float32](outputs[1])), 1e-6)
}
