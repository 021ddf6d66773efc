// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import "fmt"

// Op is the operation of an IR node.
type Op uint8

const (
	OpInvalid Op = iota

	// Leaves.
	OpLoad
	OpAxisIndex
	OpConstant

	OpCast

	// Unary ops.
	OpNeg
	OpAbs
	OpSqrt
	OpRsqrt
	OpExp
	OpExpm1
	OpLog
	OpLog2
	OpLog10
	OpLog1p
	OpSin
	OpCos
	OpTan
	OpAsin
	OpAcos
	OpAtan
	OpSinh
	OpCosh
	OpTanh
	OpSigmoid
	OpErf
	OpErfc
	OpLgamma
	OpFloor
	OpCeil
	OpTrunc
	OpRound
	OpFrac
	OpReciprocal
	OpRelu

	// Binary ops.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRemainder
	OpFmod
	OpPow
	OpMin
	OpMax

	// Comparisons, their result is boolean.
	OpEq
	OpNe
	OpGe
	OpGt
	OpLe
	OpLt

	// Ternary ops.
	OpSelect

	OpLast
)

var opNames = [...]string{
	OpInvalid:    "invalid",
	OpLoad:       "load",
	OpAxisIndex:  "axis_index",
	OpConstant:   "const",
	OpCast:       "cast",
	OpNeg:        "neg",
	OpAbs:        "abs",
	OpSqrt:       "sqrt",
	OpRsqrt:      "rsqrt",
	OpExp:        "exp",
	OpExpm1:      "expm1",
	OpLog:        "log",
	OpLog2:       "log2",
	OpLog10:      "log10",
	OpLog1p:      "log1p",
	OpSin:        "sin",
	OpCos:        "cos",
	OpTan:        "tan",
	OpAsin:       "asin",
	OpAcos:       "acos",
	OpAtan:       "atan",
	OpSinh:       "sinh",
	OpCosh:       "cosh",
	OpTanh:       "tanh",
	OpSigmoid:    "sigmoid",
	OpErf:        "erf",
	OpErfc:       "erfc",
	OpLgamma:     "lgamma",
	OpFloor:      "floor",
	OpCeil:       "ceil",
	OpTrunc:      "trunc",
	OpRound:      "round",
	OpFrac:       "frac",
	OpReciprocal: "reciprocal",
	OpRelu:       "relu",
	OpAdd:        "add",
	OpSub:        "sub",
	OpMul:        "mul",
	OpDiv:        "div",
	OpRemainder:  "remainder",
	OpFmod:       "fmod",
	OpPow:        "pow",
	OpMin:        "min",
	OpMax:        "max",
	OpEq:         "eq",
	OpNe:         "ne",
	OpGe:         "ge",
	OpGt:         "gt",
	OpLe:         "le",
	OpLt:         "lt",
	OpSelect:     "select",
}

// String implements fmt.Stringer.
func (op Op) String() string {
	if op >= OpLast {
		return fmt.Sprintf("Op(%d)", int(op))
	}
	return opNames[op]
}

// IsLeaf returns whether the op has no inputs.
func (op Op) IsLeaf() bool { return op >= OpLoad && op <= OpConstant }

// IsUnary returns whether the op is a unary math function.
func (op Op) IsUnary() bool { return op >= OpNeg && op <= OpRelu }

// IsBinary returns whether the op takes two operands (including comparisons).
func (op Op) IsBinary() bool { return op >= OpAdd && op <= OpLt }

// IsComparison returns whether the op is a comparison, with a boolean result.
func (op Op) IsComparison() bool { return op >= OpEq && op <= OpLt }

// NumInputs returns the number of inputs the op takes.
func (op Op) NumInputs() int {
	switch {
	case op.IsLeaf():
		return 0
	case op == OpCast || op.IsUnary():
		return 1
	case op.IsBinary():
		return 2
	case op == OpSelect:
		return 3
	}
	return 0
}

// IsIntegerUnary returns whether the unary op is defined for integer operands. The others (transcendental
// functions) require a float operand.
func (op Op) IsIntegerUnary() bool {
	switch op {
	case OpNeg, OpAbs, OpFloor, OpCeil, OpTrunc, OpRound, OpRelu:
		return true
	}
	return false
}

// UnaryOps lists all unary ops.
func UnaryOps() []Op {
	ops := make([]Op, 0, OpRelu-OpNeg+1)
	for op := OpNeg; op <= OpRelu; op++ {
		ops = append(ops, op)
	}
	return ops
}
