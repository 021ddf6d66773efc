// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/exceptions"
)

// RewriteFn returns the id, in the new builder b, of the rewritten node. inputs are the ids of the node's
// inputs already rewritten in b.
type RewriteFn func(b *Builder, node *Node, inputs []NodeID) NodeID

// Rewrite rebuilds the live nodes of the program in topological order, calling fn for each of them.
// The operands are kept as is.
func Rewrite(p *Program, fn RewriteFn) *Program {
	b := NewBuilder(p.SpaceRank)
	for _, op := range p.Operands {
		b.AddOperand(op.DType, op.Dims)
	}
	mapping := make([]NodeID, len(p.Nodes))
	for ii := range mapping {
		mapping[ii] = InvalidNodeID
	}
	p.Walk(func(id NodeID, node *Node) {
		inputs := make([]NodeID, len(node.Inputs))
		for ii, input := range node.Inputs {
			inputs[ii] = mapping[input]
		}
		mapping[id] = fn(b, node, inputs)
	})
	outputs := make([]NodeID, len(p.Outputs))
	for ii, id := range p.Outputs {
		outputs[ii] = mapping[id]
	}
	return b.Build(outputs...)
}

// Copy creates in b a node like node, but with the given inputs. It can be used as a RewriteFn.
func Copy(b *Builder, node *Node, inputs []NodeID) NodeID {
	switch {
	case node.Op == OpLoad:
		return b.Load(node.Operand, node.Access)
	case node.Op == OpAxisIndex:
		return b.AxisIndex(node.Access[0].SpaceAxis, node.Access[0].Offset)
	case node.Op == OpConstant:
		return b.Constant(node.DType, node.Value)
	case node.Op == OpCast:
		return b.Cast(node.DType, inputs[0])
	case node.Op.IsUnary():
		return b.Unary(node.Op, inputs[0])
	case node.Op.IsBinary():
		return b.Binary(node.Op, inputs[0], inputs[1])
	case node.Op == OpSelect:
		return b.Select(inputs[0], inputs[1], inputs[2])
	}
	exceptions.Panicf("ir: cannot copy node with op %s", node.Op)
	return InvalidNodeID
}

// FoldConstants returns a program where the nodes whose inputs are all constants are replaced by
// their value. Integer divisions by zero are not folded, so they still fail when executed.
func FoldConstants(p *Program) *Program {
	return Rewrite(p, func(b *Builder, node *Node, inputs []NodeID) NodeID {
		if !node.Op.IsUnary() && !node.Op.IsBinary() {
			// Leaves, casts and selects of constants are folded by the builder itself.
			return Copy(b, node, inputs)
		}
		for _, input := range inputs {
			if !b.IsConstant(input) {
				return Copy(b, node, inputs)
			}
		}
		var value Value
		err := exceptions.TryCatch[error](func() {
			operandDType := b.DType(inputs[0])
			x := b.Node(inputs[0]).Value
			if node.Op.IsUnary() {
				value = EvalUnary(node.Op, operandDType, x)
			} else {
				value = EvalBinary(node.Op, operandDType, x, b.Node(inputs[1]).Value)
			}
		})
		if err != nil {
			return Copy(b, node, inputs)
		}
		return b.Constant(node.DType, value)
	})
}
