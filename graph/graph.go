// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the computation graph consumed by tensorexpr: an already captured (traced)
// function made of elementwise operations, concatenations and chunks over its parameters.
//
// The main elements in the package are:
//
//   - Graph: holds the nodes, the parameters (inputs) and the outputs of the function.
//   - Node: the result of an operation ("op" for short). E.g: Add, Sub, Mul, Sigmoid, Cat, etc.
//     Nodes don't have shapes: shapes and dtypes are only known when the graph is lowered for
//     concrete inputs, see package lowering.
//
// ## Deferred error Handling
//
// Graph building functions don't return errors: the first error is stored in the Graph, and it is
// returned by Graph.Validate (and hence by the lowering). This way the user doesn't need to check
// for errors at every op, which severely impacts readability.
//
// Example:
//
//	g := graph.New("addcmul")
//	x, y := g.Parameter("x"), g.Parameter("y")
//	g.SetOutputs(graph.Add(graph.Mul(x, y), graph.Sigmoid(x)))
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/pkg/errors"
)

// Graph is a captured computation: a DAG of nodes, with parameters (inputs) and outputs.
//
// It is not safe for concurrent building, but once built it is only read.
type Graph struct {
	name       string
	nodes      []*Node
	parameters []*Node
	outputs    []*Node
	err        error
}

// New creates an empty Graph with the given name.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Error returns the first error that happened during the building of the Graph.
func (g *Graph) Error() error { return g.err }

// Ok returns whether there were no errors during the building of the Graph.
func (g *Graph) Ok() bool { return g != nil && g.err == nil }

// SetError sets the graph error, if it is not set yet.
func (g *Graph) SetError(err error) {
	if g.err != nil {
		return
	}
	g.err = err
}

// SetErrorf sets the graph error, of kind errs.ErrGraph, if it is not set yet.
func (g *Graph) SetErrorf(format string, args ...any) {
	g.SetError(errs.Graphf(format, args...))
}

// registerNode in the graph, setting its unique id within the Graph.
func (g *Graph) registerNode(node *Node) *Node {
	node.graph = g
	node.id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
	return node
}

// NewNode creates a node with the given type, attributes and inputs. It is meant for graph capture front-ends;
// prefer the typed builder functions (Add, Cat, Chunk, etc.).
//
// Arity and wiring are only checked by Validate.
func (g *Graph) NewNode(nodeType NodeType, attrs Attributes, inputs ...*Node) *Node {
	return g.registerNode(&Node{nodeType: nodeType, attrs: attrs, inputs: inputs})
}

// NumNodes returns the number of nodes created in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NodeById returns the node with the given id, or nil if it doesn't exist.
func (g *Graph) NodeById(id NodeId) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Parameter registers a tensor input of the graph. Parameters are bound to the arguments of the
// call in the order they were created.
func (g *Graph) Parameter(name string) *Node {
	return g.newParameter(name, dtypes.InvalidDType)
}

// ScalarParameter registers a scalar input of the graph, bound at call time to a Go number and
// converted to dtype (usually dtypes.Float64 or dtypes.Int64).
// Scalar parameters take part in type promotion as scalars: they only raise the category of a result.
func (g *Graph) ScalarParameter(name string, dtype dtypes.DType) *Node {
	if dtype == dtypes.InvalidDType {
		g.SetErrorf("ScalarParameter(%q) requires a valid dtype", name)
	}
	return g.newParameter(name, dtype)
}

func (g *Graph) newParameter(name string, scalarDType dtypes.DType) *Node {
	index := len(g.parameters)
	if name == "" {
		name = fmt.Sprintf("p#%d", index)
	}
	for _, p := range g.parameters {
		if p.attrs.Name == name {
			g.SetErrorf("parameter %q already exists", name)
		}
	}
	node := g.NewNode(NodeTypeParameter, Attributes{Name: name, ParameterIndex: index, ScalarDType: scalarDType})
	g.parameters = append(g.parameters, node)
	return node
}

// NumParameters returns the number of inputs of the graph.
func (g *Graph) NumParameters() int { return len(g.parameters) }

// Parameters returns the parameter nodes, in the order they are bound.
func (g *Graph) Parameters() []*Node { return g.parameters }

// Constant creates a node with a constant tensor value, captured into the graph.
func (g *Graph) Constant(t *tensors.Tensor) *Node {
	if !t.Ok() {
		g.SetErrorf("Constant with an invalid tensor")
	}
	return g.NewNode(NodeTypeConstant, Attributes{Tensor: t})
}

// ScalarConstant creates a node with a scalar literal, e.g. the `1` in `x + 1`.
// Scalar literals take part in type promotion as scalars: they only raise the category of a result.
func (g *Graph) ScalarConstant(value Scalar) *Node {
	return g.NewNode(NodeTypeConstant, Attributes{Value: value})
}

// SetOutputs defines the outputs of the graph, in order.
func (g *Graph) SetOutputs(outputs ...*Node) {
	g.outputs = outputs
}

// Outputs of the graph.
func (g *Graph) Outputs() []*Node { return g.outputs }

// Validate checks that the graph is well-formed: no building errors, at least one output, every input
// reference points to a node of this graph (no dangling references), arities match the node types, and
// there are no cycles.
//
// All errors are of kind errs.ErrGraph.
func (g *Graph) Validate() error {
	if g == nil {
		return errs.Graphf("nil graph")
	}
	if g.err != nil {
		return errors.WithMessagef(g.err, "graph %q", g.name)
	}
	if len(g.outputs) == 0 {
		return errs.Graphf("graph %q has no outputs", g.name)
	}
	for ii, output := range g.outputs {
		if err := g.checkReference(output); err != nil {
			return errors.WithMessagef(err, "graph %q output #%d", g.name, ii)
		}
		if output.nodeType == NodeTypeChunk {
			return errs.Graphf("graph %q output #%d is the multi-output node %s, use GetOutput to select one of its outputs",
				g.name, ii, output)
		}
	}
	for _, node := range g.nodes {
		if err := g.checkNode(node); err != nil {
			return errors.WithMessagef(err, "graph %q node #%d %s", g.name, node.id, node.nodeType)
		}
	}
	return g.checkCycles()
}

func (g *Graph) checkReference(node *Node) error {
	if node == nil {
		return errs.Graphf("dangling reference to a nil node")
	}
	if node.graph != g || int(node.id) >= len(g.nodes) || g.nodes[node.id] != node {
		return errs.Graphf("dangling reference to node %s of another graph", node)
	}
	return nil
}

func (g *Graph) checkNode(node *Node) error {
	if node.nodeType <= NodeTypeInvalid || node.nodeType >= NodeTypeLast {
		return errs.Graphf("invalid node type %d", int(node.nodeType))
	}
	arity := node.nodeType.Arity()
	if arity < 0 && len(node.inputs) == 0 {
		return errs.Graphf("node type %s takes at least one input", node.nodeType)
	}
	if arity >= 0 && len(node.inputs) != arity {
		return errs.Graphf("node type %s takes %d inputs, got %d", node.nodeType, arity, len(node.inputs))
	}
	for ii, input := range node.inputs {
		if err := g.checkReference(input); err != nil {
			return errors.WithMessagef(err, "input #%d", ii)
		}
	}
	switch node.nodeType {
	case NodeTypeUnary:
		if node.attrs.Unary <= UnaryInvalid || node.attrs.Unary >= UnaryLast {
			return errs.Graphf("invalid unary op %d", int(node.attrs.Unary))
		}
	case NodeTypeChunk:
		if node.attrs.Chunks <= 0 {
			return errs.Graphf("chunks must be > 0, got %d", node.attrs.Chunks)
		}
	case NodeTypeGetOutput:
		src := node.inputs[0]
		if src.nodeType != NodeTypeChunk {
			return errs.Graphf("GetOutput of a single output node %s", src.nodeType)
		}
		if node.attrs.OutputIndex < 0 || node.attrs.OutputIndex >= src.attrs.Chunks {
			return errs.Graphf("GetOutput(%d) out of range for %s", node.attrs.OutputIndex, src)
		}
	}
	if node.nodeType != NodeTypeGetOutput {
		for ii, input := range node.inputs {
			if input.nodeType == NodeTypeChunk {
				return errs.Graphf("input #%d is the multi-output node %s, use GetOutput to select one of its outputs", ii, input)
			}
		}
	}
	return nil
}

// checkCycles does a depth-first search marking nodes in the current path.
func (g *Graph) checkCycles() error {
	const (
		unvisited = iota
		inPath
		done
	)
	state := make([]int8, len(g.nodes))
	var visit func(node *Node) error
	visit = func(node *Node) error {
		switch state[node.id] {
		case inPath:
			return errs.Graphf("graph %q has a cycle through node #%d %s", g.name, node.id, node)
		case done:
			return nil
		}
		state[node.id] = inPath
		for _, input := range node.inputs {
			if err := visit(input); err != nil {
				return err
			}
		}
		state[node.id] = done
		return nil
	}
	for _, node := range g.nodes {
		if err := visit(node); err != nil {
			return err
		}
	}
	return nil
}

// String converts the Graph to a multi-line string.
func (g *Graph) String() string {
	parts := []string{fmt.Sprintf("Graph %q: %d nodes, %d parameters", g.name, len(g.nodes), g.NumParameters())}
	for ii, node := range g.nodes {
		parts = append(parts, fmt.Sprintf("#%d\t%s", ii, node))
	}
	outputs := make([]string, len(g.outputs))
	for ii, node := range g.outputs {
		if node == nil {
			outputs[ii] = "nil"
			continue
		}
		outputs[ii] = fmt.Sprintf("#%d", node.id)
	}
	parts = append(parts, fmt.Sprintf("outputs: [%s]", strings.Join(outputs, ", ")))
	if g.err != nil {
		parts = append(parts, fmt.Sprintf("#ERROR: %v", g.err))
	}
	return strings.Join(parts, "\n")
}
