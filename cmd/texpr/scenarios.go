// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/graph"
	"github.com/gomlx/tensorexpr/types/tensors"
)

// scenario is one graph of the built-in suite, with the arguments to run it with.
type scenario struct {
	name        string
	description string
	build       func() (g *graph.Graph, args []any)
}

func ramp(n int, fn func(ii int) float32) []float32 {
	data := make([]float32, n)
	for ii := range data {
		data[ii] = fn(ii)
	}
	return data
}

func square(size int, fn func(ii int) float32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(ramp(size*size, fn), size, size)
}

var scenarios = []scenario{
	{
		name:        "broadcast",
		description: "x[1024,1024] + y[1024] * 2",
		build: func() (*graph.Graph, []any) {
			g := graph.New("broadcast")
			x, y := g.Parameter("x"), g.Parameter("y")
			g.SetOutputs(graph.Add(x, graph.Mul(y, g.ScalarConstant(graph.Int(2)))))
			return g, []any{
				square(1024, func(ii int) float32 { return float32(ii % 17) }),
				tensors.FromFlatDataAndDimensions(ramp(1024, func(ii int) float32 { return float32(ii) }), 1024),
			}
		},
	},
	{
		name:        "addcmul",
		description: "x + 0.5 * y * z, four arguments",
		build: func() (*graph.Graph, []any) {
			g := graph.New("addcmul")
			x, y, z := g.Parameter("x"), g.Parameter("y"), g.Parameter("z")
			g.SetOutputs(graph.AddCMul(x, y, z, graph.Float(0.5)))
			fn := func(ii int) float32 { return float32(ii%101) / 100 }
			return g, []any{square(512, fn), square(512, fn), square(512, fn)}
		},
	},
	{
		name:        "min_max_nan",
		description: "min and max of tensors with NaNs in both positions",
		build: func() (*graph.Graph, []any) {
			g := graph.New("min_max_nan")
			x, y := g.Parameter("x"), g.Parameter("y")
			g.SetOutputs(graph.Min(x, y), graph.Max(x, y))
			nan := float32(math.NaN())
			return g, []any{
				tensors.FromValue([]float32{nan, 1, 2, nan}),
				tensors.FromValue([]float32{1, nan, 3, nan}),
			}
		},
	},
	{
		name:        "remainder",
		description: "remainder(x + y, x) for floats, including a zero numerator",
		build: func() (*graph.Graph, []any) {
			g := graph.New("remainder")
			x, y := g.Parameter("x"), g.Parameter("y")
			g.SetOutputs(graph.Remainder(graph.Add(x, y), x))
			return g, []any{
				tensors.FromValue([]float64{3, 5, 10, 0, -4}),
				tensors.FromValue([]float64{1, 4, 0.25, 0, 1}),
			}
		},
	},
	{
		name:        "chunk",
		description: "chunk(x[1024,1024], 2, axis=1): right half minus left half",
		build: func() (*graph.Graph, []any) {
			g := graph.New("chunk")
			parts := graph.Chunk(g.Parameter("x"), 2, 1)
			g.SetOutputs(graph.Sub(parts[1], parts[0]))
			return g, []any{square(1024, func(ii int) float32 { return float32(ii % 1024) })}
		},
	},
	{
		name:        "cat",
		description: "cat(x, -y, axis=1) to [1024,2048]",
		build: func() (*graph.Graph, []any) {
			g := graph.New("cat")
			x, y := g.Parameter("x"), g.Parameter("y")
			g.SetOutputs(graph.Cat(1, x, graph.Neg(y)))
			fn := func(ii int) float32 { return float32(ii % 13) }
			return g, []any{square(1024, fn), square(1024, fn)}
		},
	},
	{
		name:        "transcendental",
		description: "sigmoid, tanh, exp and log1p sharing one subexpression",
		build: func() (*graph.Graph, []any) {
			g := graph.New("transcendental")
			x, y := g.Parameter("x"), g.Parameter("y")
			s := graph.Mul(x, y)
			g.SetOutputs(graph.Sigmoid(s), graph.Tanh(s), graph.Add(graph.Exp(s), graph.Log1p(graph.Abs(s))))
			fn := func(ii int) float32 { return float32(ii%200)/100 - 1 }
			return g, []any{square(256, fn), square(256, fn)}
		},
	},
	{
		name:        "scalar",
		description: "scalar parameters: x * f + i, with an int32 tensor",
		build: func() (*graph.Graph, []any) {
			g := graph.New("scalar")
			x := g.Parameter("x")
			f, i := g.ScalarParameter("f", dtypes.Float64), g.ScalarParameter("i", dtypes.Int64)
			g.SetOutputs(graph.Add(graph.Mul(x, f), i), graph.Add(x, i))
			return g, []any{tensors.FromValue([][]int32{{1, 2, 3}, {4, 5, 6}}), 0.5, 3}
		},
	},
	{
		name:        "int_ops",
		description: "integer division, remainder, fmod and pow",
		build: func() (*graph.Graph, []any) {
			g := graph.New("int_ops")
			x, y := g.Parameter("x"), g.Parameter("y")
			g.SetOutputs(graph.Div(x, y), graph.Remainder(x, y), graph.Fmod(x, y), graph.Pow(x, g.ScalarConstant(graph.Int(3))))
			return g, []any{
				tensors.FromValue([]int64{-7, 7, -7, 7, 0}),
				tensors.FromValue([]int64{2, 2, -2, -2, 3}),
			}
		},
	},
	{
		name:        "clamp_compare",
		description: "clamp to [-1, 1] and comparisons with broadcasting",
		build: func() (*graph.Graph, []any) {
			g := graph.New("clamp_compare")
			x, y := g.Parameter("x"), g.Parameter("y")
			g.SetOutputs(graph.Clamp(x, graph.Float(-1), graph.Float(1)), graph.GreaterThan(x, y))
			return g, []any{
				square(64, func(ii int) float32 { return float32(ii%5) - 2 }),
				tensors.FromFlatDataAndDimensions(ramp(64, func(ii int) float32 { return 0 }), 64, 1),
			}
		},
	},
}

// findScenario returns the scenario with the given name, or nil.
func findScenario(name string) *scenario {
	for ii := range scenarios {
		if scenarios[ii].name == name {
			return &scenarios[ii]
		}
	}
	return nil
}
