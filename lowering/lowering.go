// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lowering converts a computation graph, given the shapes of its inputs, into ir.Program(s).
//
// Each graph value is lowered in a "frame": for each of the value's axes, how its coordinate is derived
// from the iteration point (a space axis plus an offset, or a fixed coordinate). Broadcasting, Cat and
// Chunk are all frame transformations, so no intermediary tensor is ever materialized:
//
//   - Broadcasting maps an axis of size 1 to the fixed coordinate 0.
//   - Chunk shifts the coordinate on the chunked axis by the start of the chunk.
//   - Cat selects, with a chain of Select nodes on the coordinate of the concatenated axis, the input
//     that covers it, each read with its own shifted coordinate.
//
// A (graph node, frame) pair is lowered only once, and the ir.Builder hash-conses identical nodes, so
// sub-expressions shared by several outputs are computed once.
//
// Outputs with the same dimensions share one ir.Program (a Group). Outputs of different dimensions are
// lowered into separate programs, each with its own iteration space.
package lowering

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorexpr/graph"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/pkg/errors"
)

// Input describes a parameter of the graph for one call.
type Input struct {
	Shape shapes.Shape

	// IsScalar marks inputs given as Go numbers, bound to scalar parameters.
	IsScalar bool
}

// Group of outputs with the same dimensions, computed by one program over one iteration space.
type Group struct {
	Program *ir.Program
	Space   *shapes.IterationSpace

	// Outputs holds, for each output of Program, the index of the corresponding graph output.
	Outputs []int
}

// Result of lowering a graph.
type Result struct {
	Groups []*Group

	// ExtraOperands are the constant tensors captured in the graph that are read as operands: every
	// program takes as operands the graph inputs followed by the ExtraOperands.
	ExtraOperands []*tensors.Tensor

	// OutputShapes are the shapes of the graph outputs.
	OutputShapes []shapes.Shape
}

// String returns the listing of the programs.
func (r *Result) String() string {
	var sb strings.Builder
	for ii, group := range r.Groups {
		if ii > 0 {
			sb.WriteString("\n")
		}
		_, _ = fmt.Fprintf(&sb, "// outputs %v over %s\n%s\n", group.Outputs, group.Space, group.Program)
	}
	return sb.String()
}

// Option of Lower.
type Option func(l *lowerer)

// WithConstantFolding enables or disables the constant folding pass (enabled by default).
func WithConstantFolding(enabled bool) Option {
	return func(l *lowerer) { l.fold = enabled }
}

type lowerer struct {
	g      *graph.Graph
	inputs []Input
	fold   bool

	values     map[*graph.Node]value
	extras     []*tensors.Tensor
	extraIndex map[*graph.Node]int

	// Per group state.
	b    *ir.Builder
	memo map[string]ir.NodeID
}

// Lower converts the graph g, for the given input shapes (one per parameter), into programs.
//
// Errors are of kind errs.ErrGraph (malformed graph), errs.ErrShape (incompatible shapes) or
// errs.ErrType (unsupported dtypes).
func Lower(g *graph.Graph, inputs []Input, opts ...Option) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(inputs) != g.NumParameters() {
		return nil, errs.Graphf("graph %q takes %d inputs, %d were given", g.Name(), g.NumParameters(), len(inputs))
	}
	l := &lowerer{
		g:          g,
		inputs:     inputs,
		fold:       true,
		values:     make(map[*graph.Node]value),
		extraIndex: make(map[*graph.Node]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	var result *Result
	err := exceptions.TryCatch[error](func() { result = l.lower() })
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering graph %q", g.Name())
	}
	return result, nil
}

func (l *lowerer) lower() *Result {
	outputs := l.g.Outputs()
	result := &Result{OutputShapes: make([]shapes.Shape, len(outputs))}
	for ii, output := range outputs {
		result.OutputShapes[ii] = l.infer(output).shape()
	}
	result.ExtraOperands = l.extras

	// Group outputs by their dimensions, in order of first appearance.
	groupIdx := make(map[string]int)
	for ii, s := range result.OutputShapes {
		key := fmt.Sprint(s.Dimensions)
		idx, found := groupIdx[key]
		if !found {
			idx = len(result.Groups)
			groupIdx[key] = idx
			result.Groups = append(result.Groups, &Group{})
		}
		result.Groups[idx].Outputs = append(result.Groups[idx].Outputs, ii)
	}

	operandDims := make([][]int, 0, len(l.inputs)+len(l.extras))
	for _, in := range l.inputs {
		operandDims = append(operandDims, in.Shape.Dimensions)
	}
	for _, t := range l.extras {
		operandDims = append(operandDims, t.Shape().Dimensions)
	}
	for _, group := range result.Groups {
		dims := result.OutputShapes[group.Outputs[0]].Dimensions
		group.Space = shapes.NewIterationSpace(dims, operandDims...)
		group.Program = l.lowerGroup(dims, group.Outputs)
	}
	return result
}

func (l *lowerer) lowerGroup(dims []int, outputIdxs []int) *ir.Program {
	rank := len(dims)
	l.b = ir.NewBuilder(rank)
	l.memo = make(map[string]ir.NodeID)
	for _, in := range l.inputs {
		l.b.AddOperand(in.Shape.DType, in.Shape.Dimensions)
	}
	for _, t := range l.extras {
		l.b.AddOperand(t.DType(), t.Shape().Dimensions)
	}
	identity := make([]ir.Access, rank)
	for axis := range identity {
		identity[axis] = ir.Access{SpaceAxis: axis}
	}
	outputs := l.g.Outputs()
	ids := make([]ir.NodeID, len(outputIdxs))
	for ii, outIdx := range outputIdxs {
		ids[ii] = l.lowerNode(outputs[outIdx], identity)
	}
	p := l.b.Build(ids...)
	if l.fold {
		p = ir.FoldConstants(p)
	}
	return p
}
