// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"math"
	"slices"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/types/errs"
)

// Builder creates the nodes of a Program. Structurally identical nodes are created only once
// (hash-consing), so building the same expression twice returns the same NodeID.
//
// Errors in the use of the Builder (type mismatches, invalid ids) panic: they are converted to errors
// by the caller (see lowering.Lower), with exceptions.TryCatch.
type Builder struct {
	spaceRank int
	operands  []Operand
	nodes     []Node
	index     map[string]NodeID
	keyBuf    []byte
}

// NewBuilder returns a builder of programs over an iteration space of the given rank.
func NewBuilder(spaceRank int) *Builder {
	return &Builder{
		spaceRank: spaceRank,
		index:     make(map[string]NodeID),
	}
}

// SpaceRank returns the rank of the iteration space of the program being built.
func (b *Builder) SpaceRank() int { return b.spaceRank }

// NumNodes returns the number of nodes created so far.
func (b *Builder) NumNodes() int { return len(b.nodes) }

// Node returns the node with the given id. It must not be modified.
func (b *Builder) Node(id NodeID) *Node {
	b.checkID(id)
	return &b.nodes[id]
}

// DType returns the dtype of the node.
func (b *Builder) DType(id NodeID) dtypes.DType { return b.Node(id).DType }

// IsConstant returns whether the node is a constant.
func (b *Builder) IsConstant(id NodeID) bool { return b.Node(id).Op == OpConstant }

func (b *Builder) checkID(id NodeID) {
	if id < 0 || int(id) >= len(b.nodes) {
		exceptions.Panicf("ir: invalid node id %d (builder has %d nodes)", id, len(b.nodes))
	}
}

// AddOperand registers an operand read by the program and returns its index.
func (b *Builder) AddOperand(dtype dtypes.DType, dims []int) int {
	b.operands = append(b.operands, Operand{DType: dtype, Dims: slices.Clone(dims)})
	return len(b.operands) - 1
}

// NumOperands returns the number of operands registered so far.
func (b *Builder) NumOperands() int { return len(b.operands) }

// Operand returns the operand with the given index.
func (b *Builder) Operand(idx int) Operand { return b.operands[idx] }

// key encodes the structure of the node, used for hash-consing.
func (b *Builder) key(node *Node) string {
	k := b.keyBuf[:0]
	k = append(k, byte(node.Op), byte(node.DType))
	for _, input := range node.Inputs {
		k = strconv.AppendInt(k, int64(input), 36)
		k = append(k, ',')
	}
	switch node.Op {
	case OpLoad:
		k = strconv.AppendInt(k, int64(node.Operand), 36)
		k = append(k, '[')
		for _, a := range node.Access {
			k = strconv.AppendInt(k, int64(a.SpaceAxis), 36)
			k = append(k, ':')
			k = strconv.AppendInt(k, int64(a.Offset), 36)
			k = append(k, ',')
		}
	case OpAxisIndex:
		k = strconv.AppendInt(k, int64(node.Access[0].SpaceAxis), 36)
		k = append(k, ':')
		k = strconv.AppendInt(k, int64(node.Access[0].Offset), 36)
	case OpConstant:
		// Bit patterns distinguish 0 from -0, and all NaNs are the same.
		f := node.Value.F
		if math.IsNaN(f) {
			f = math.NaN()
		}
		k = strconv.AppendUint(k, math.Float64bits(f), 36)
		k = append(k, ':')
		k = strconv.AppendInt(k, node.Value.I, 36)
	}
	b.keyBuf = k
	return string(k)
}

// add returns the id of the node, creating it if an identical one doesn't exist yet.
func (b *Builder) add(node Node) NodeID {
	key := b.key(&node)
	if id, found := b.index[key]; found {
		return id
	}
	id := NodeID(len(b.nodes))
	b.nodes = append(b.nodes, node)
	b.index[key] = id
	return id
}

// Load reads the operand at the coordinates given by access, one per operand axis.
func (b *Builder) Load(operand int, access []Access) NodeID {
	if operand < 0 || operand >= len(b.operands) {
		exceptions.Panicf("ir: Load of invalid operand #%d (%d operands registered)", operand, len(b.operands))
	}
	op := b.operands[operand]
	if len(access) != op.Rank() {
		exceptions.Panicf("ir: Load of operand #%d of rank %d given %d axes access", operand, op.Rank(), len(access))
	}
	for _, a := range access {
		if a.SpaceAxis < BroadcastAxis || a.SpaceAxis >= b.spaceRank {
			exceptions.Panicf("ir: Load of operand #%d with access to space axis %d, space has rank %d",
				operand, a.SpaceAxis, b.spaceRank)
		}
	}
	return b.add(Node{Op: OpLoad, DType: op.DType, Operand: operand, Access: slices.Clone(access)})
}

// AxisIndex returns the coordinate of the iteration point on the given space axis, plus offset, as Int64.
// If axis is BroadcastAxis, it is simply the constant offset.
func (b *Builder) AxisIndex(axis, offset int) NodeID {
	if axis == BroadcastAxis {
		return b.ConstantInt(dtypes.Int64, int64(offset))
	}
	if axis < 0 || axis >= b.spaceRank {
		exceptions.Panicf("ir: AxisIndex(%d) out of range for space of rank %d", axis, b.spaceRank)
	}
	return b.add(Node{Op: OpAxisIndex, DType: dtypes.Int64, Access: []Access{{SpaceAxis: axis, Offset: offset}}})
}

// Constant returns a literal of the given dtype. The value is normalized to the dtype.
func (b *Builder) Constant(dtype dtypes.DType, v Value) NodeID {
	return b.add(Node{Op: OpConstant, DType: dtype, Value: Normalize(dtype, v)})
}

// ConstantFloat returns a literal of the given dtype converted from a float.
func (b *Builder) ConstantFloat(dtype dtypes.DType, f float64) NodeID {
	return b.Constant(dtype, CastValue(dtypes.Float64, dtype, FloatValue(f)))
}

// ConstantInt returns a literal of the given dtype converted from an integer.
func (b *Builder) ConstantInt(dtype dtypes.DType, i int64) NodeID {
	return b.Constant(dtype, CastValue(dtypes.Int64, dtype, IntValue(i)))
}

// Cast converts x to dtype. It's a no-op if x already has the dtype, and casts of constants are folded.
func (b *Builder) Cast(dtype dtypes.DType, x NodeID) NodeID {
	node := b.Node(x)
	if node.DType == dtype {
		return x
	}
	if node.Op == OpConstant {
		return b.Constant(dtype, CastValue(node.DType, dtype, node.Value))
	}
	return b.add(Node{Op: OpCast, DType: dtype, Inputs: []NodeID{x}})
}

// Unary applies the unary op to x. Ops that are not defined for integers (see Op.IsIntegerUnary) require
// a float x.
func (b *Builder) Unary(op Op, x NodeID) NodeID {
	if !op.IsUnary() {
		exceptions.Panicf("ir: Unary(%s): not a unary op", op)
	}
	dtype := b.DType(x)
	if dtype == dtypes.Bool || (!dtype.IsFloat() && !op.IsIntegerUnary()) {
		panic(errs.Typef("op %s not defined for dtype %s", op, dtype))
	}
	return b.add(Node{Op: op, DType: dtype, Inputs: []NodeID{x}})
}

// Binary applies the binary op to x and y, which must have the same dtype. Comparisons return Bool.
func (b *Builder) Binary(op Op, x, y NodeID) NodeID {
	if !op.IsBinary() {
		exceptions.Panicf("ir: Binary(%s): not a binary op", op)
	}
	dtype, yDType := b.DType(x), b.DType(y)
	if dtype != yDType {
		panic(errs.Typef("op %s given operands of different dtypes %s and %s", op, dtype, yDType))
	}
	if op.IsComparison() {
		dtype = dtypes.Bool
	}
	return b.add(Node{Op: op, DType: dtype, Inputs: []NodeID{x, y}})
}

// Select returns onTrue where cond is true, onFalse elsewhere. Only the selected value is used, so a Load
// in the other branch has no effect.
func (b *Builder) Select(cond, onTrue, onFalse NodeID) NodeID {
	if dt := b.DType(cond); dt != dtypes.Bool {
		panic(errs.Typef("Select condition must be Bool, got %s", dt))
	}
	dtype, falseDType := b.DType(onTrue), b.DType(onFalse)
	if dtype != falseDType {
		panic(errs.Typef("Select given branches of different dtypes %s and %s", dtype, falseDType))
	}
	if onTrue == onFalse {
		return onTrue
	}
	if node := b.Node(cond); node.Op == OpConstant {
		if node.Value.I != 0 {
			return onTrue
		}
		return onFalse
	}
	return b.add(Node{Op: OpSelect, DType: dtype, Inputs: []NodeID{cond, onTrue, onFalse}})
}

// Build returns the Program with the given outputs. The builder can still be used afterwards.
func (b *Builder) Build(outputs ...NodeID) *Program {
	for _, id := range outputs {
		b.checkID(id)
	}
	return &Program{
		SpaceRank: b.spaceRank,
		Operands:  slices.Clip(slices.Clone(b.operands)),
		Nodes:     slices.Clip(b.nodes),
		Outputs:   slices.Clone(outputs),
	}
}
