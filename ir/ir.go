// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the element-wise expression IR executed by the backends.
//
// A Program is an arena of immutable nodes, in topological order (inputs always come before their users).
// Each node computes one value per point of an iteration space (see shapes.IterationSpace): a point is
// given by its coordinates on each axis of the space.
//
// Leaves are:
//
//   - Load: reads an element of an operand tensor. The operand's coordinates are given by an Access per
//     operand axis: either a space coordinate plus an offset, or a fixed offset (a broadcast axis).
//     Coordinates are clamped to the operand's valid range, so a Load in a branch of a Select that is not
//     taken never reads out of bounds.
//   - AxisIndex: the coordinate of the point on a space axis, plus an offset. Its dtype is always Int64.
//   - Constant: a literal.
//
// Nodes are hash-consed by the Builder: structurally identical nodes share the same NodeID, which gives
// common sub-expression elimination for free.
//
// Values are represented by Value, which holds either a float64 (float dtypes) or an int64 (integer and
// boolean dtypes). Float values are rounded to their node's dtype after every operation.
package ir

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// NodeID identifies a node in a Program (or Builder). It's its index in Program.Nodes.
type NodeID int32

// InvalidNodeID is returned for nodes that don't exist.
const InvalidNodeID NodeID = -1

// Access describes how a coordinate of an operand (or AxisIndex) is computed from the iteration space
// point: `point[SpaceAxis] + Offset`, or just `Offset` if SpaceAxis is BroadcastAxis.
type Access struct {
	SpaceAxis int
	Offset    int
}

// BroadcastAxis is the SpaceAxis of an Access that doesn't depend on the iteration point.
const BroadcastAxis = -1

// String implements fmt.Stringer.
func (a Access) String() string {
	if a.SpaceAxis == BroadcastAxis {
		return strconv.Itoa(a.Offset)
	}
	switch {
	case a.Offset > 0:
		return fmt.Sprintf("i%d+%d", a.SpaceAxis, a.Offset)
	case a.Offset < 0:
		return fmt.Sprintf("i%d-%d", a.SpaceAxis, -a.Offset)
	}
	return fmt.Sprintf("i%d", a.SpaceAxis)
}

// Value holds one element. F is used by float dtypes, I by integer and boolean (0 or 1) dtypes.
type Value struct {
	F float64
	I int64
}

// FloatValue returns a Value for a float dtype.
func FloatValue(f float64) Value { return Value{F: f} }

// IntValue returns a Value for an integer dtype.
func IntValue(i int64) Value { return Value{I: i} }

// BoolValue returns a Value for the Bool dtype.
func BoolValue(b bool) Value {
	if b {
		return Value{I: 1}
	}
	return Value{}
}

// Bool returns the value interpreted as a boolean of the given dtype (non-zero is true).
func (v Value) Bool(dtype dtypes.DType) bool {
	if dtype.IsFloat() {
		return v.F != 0
	}
	return v.I != 0
}

// Format the value as of the given dtype. Floats are formatted so they can be parsed back exactly.
func (v Value) Format(dtype dtypes.DType) string {
	switch {
	case dtype == dtypes.Bool:
		return strconv.FormatBool(v.I != 0)
	case dtype.IsFloat():
		if math.IsNaN(v.F) {
			return "nan"
		}
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	}
	return strconv.FormatInt(v.I, 10)
}

// Node of the IR. Nodes are immutable once created by the Builder.
type Node struct {
	Op     Op
	DType  dtypes.DType
	Inputs []NodeID

	// Operand is the index of the operand read by OpLoad.
	Operand int

	// Access has one entry per operand axis for OpLoad, and exactly one entry for OpAxisIndex.
	Access []Access

	// Value of OpConstant.
	Value Value
}

// Operand is an input tensor of a Program: either a parameter of the graph or a constant tensor.
type Operand struct {
	DType dtypes.DType
	Dims  []int
}

// Rank of the operand.
func (o Operand) Rank() int { return len(o.Dims) }

// Program is a set of outputs computed over an iteration space of rank SpaceRank.
//
// It is immutable once built.
type Program struct {
	SpaceRank int
	Operands  []Operand
	Nodes     []Node
	Outputs   []NodeID
}

// NumOperands returns the number of operands the program reads.
func (p *Program) NumOperands() int { return len(p.Operands) }

// OperandDTypes returns the dtypes of the operands.
func (p *Program) OperandDTypes() []dtypes.DType {
	dts := make([]dtypes.DType, len(p.Operands))
	for ii, op := range p.Operands {
		dts[ii] = op.DType
	}
	return dts
}

// OutputDTypes returns the dtypes of the outputs.
func (p *Program) OutputDTypes() []dtypes.DType {
	dts := make([]dtypes.DType, len(p.Outputs))
	for ii, id := range p.Outputs {
		dts[ii] = p.Nodes[id].DType
	}
	return dts
}

// Node returns the node with the given id.
func (p *Program) Node(id NodeID) *Node { return &p.Nodes[id] }

// Live returns which nodes are reachable from the outputs.
func (p *Program) Live() []bool {
	live := make([]bool, len(p.Nodes))
	for _, id := range p.Outputs {
		live[id] = true
	}
	// Nodes are in topological order, so one reverse pass is enough.
	for id := len(p.Nodes) - 1; id >= 0; id-- {
		if !live[id] {
			continue
		}
		for _, input := range p.Nodes[id].Inputs {
			live[input] = true
		}
	}
	return live
}

// NumUses returns the number of times each node is used as input by a live node or as an output.
func (p *Program) NumUses() []int {
	live := p.Live()
	uses := make([]int, len(p.Nodes))
	for id, node := range p.Nodes {
		if !live[id] {
			continue
		}
		for _, input := range node.Inputs {
			uses[input]++
		}
	}
	for _, id := range p.Outputs {
		uses[id]++
	}
	return uses
}

// Walk calls fn for each live node, in topological order.
func (p *Program) Walk(fn func(id NodeID, node *Node)) {
	live := p.Live()
	for id := range p.Nodes {
		if live[id] {
			fn(NodeID(id), &p.Nodes[id])
		}
	}
}

// Signature returns a structural key of the program: two programs have the same signature iff they
// compute the same thing for the same operands.
func (p *Program) Signature() string {
	var sb strings.Builder
	p.write(&sb, ";", false)
	return sb.String()
}

// String returns a human-readable listing of the program.
func (p *Program) String() string {
	var sb strings.Builder
	p.write(&sb, "\n", true)
	return sb.String()
}

func (p *Program) write(sb *strings.Builder, sep string, pretty bool) {
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(sb, format, args...) }
	w("program(rank=%d", p.SpaceRank)
	for ii, op := range p.Operands {
		w(", #%d:%s%v", ii, op.DType, op.Dims)
	}
	w(")")
	for id, node := range p.Nodes {
		sb.WriteString(sep)
		if pretty {
			sb.WriteString("  ")
		}
		w("%%%d = ", id)
		p.writeNode(sb, &node)
		if pretty {
			w(" : %s", node.DType)
		} else {
			w(":%s", node.DType)
		}
	}
	sb.WriteString(sep)
	sb.WriteString("return ")
	for ii, id := range p.Outputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		w("%%%d", id)
	}
}

func (p *Program) writeNode(sb *strings.Builder, node *Node) {
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(sb, format, args...) }
	switch node.Op {
	case OpLoad:
		w("load #%d[", node.Operand)
		for ii, a := range node.Access {
			if ii > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.String())
		}
		sb.WriteString("]")
	case OpAxisIndex:
		w("axis_index %s", node.Access[0])
	case OpConstant:
		w("const %s", node.Value.Format(node.DType))
	default:
		w("%s(", node.Op)
		for ii, input := range node.Inputs {
			if ii > 0 {
				sb.WriteString(", ")
			}
			w("%%%d", input)
		}
		sb.WriteString(")")
	}
}

// Clone returns a deep copy of the program.
func (p *Program) Clone() *Program {
	p2 := &Program{
		SpaceRank: p.SpaceRank,
		Operands:  make([]Operand, len(p.Operands)),
		Nodes:     make([]Node, len(p.Nodes)),
		Outputs:   slices.Clone(p.Outputs),
	}
	for ii, op := range p.Operands {
		p2.Operands[ii] = Operand{DType: op.DType, Dims: slices.Clone(op.Dims)}
	}
	for ii, node := range p.Nodes {
		node.Inputs = slices.Clone(node.Inputs)
		node.Access = slices.Clone(node.Access)
		p2.Nodes[ii] = node
	}
	return p2
}
