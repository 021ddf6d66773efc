// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/types/tensors"
)

// NodeType identifies the operation performed by a node.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeConstant
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeDiv
	NodeTypeRemainder
	NodeTypeFmod
	NodeTypePow
	NodeTypeEqual
	NodeTypeNotEqual
	NodeTypeGreaterOrEqual
	NodeTypeGreaterThan
	NodeTypeLessOrEqual
	NodeTypeLessThan
	NodeTypeMin
	NodeTypeMax
	NodeTypeClamp
	NodeTypeUnary
	NodeTypeAddCMul
	NodeTypeCat
	NodeTypeChunk
	NodeTypeGetOutput
	NodeTypeLast
)

var nodeTypeNames = [...]string{
	NodeTypeInvalid:        "Invalid",
	NodeTypeParameter:      "Parameter",
	NodeTypeConstant:       "Constant",
	NodeTypeAdd:            "Add",
	NodeTypeSub:            "Sub",
	NodeTypeMul:            "Mul",
	NodeTypeDiv:            "Div",
	NodeTypeRemainder:      "Remainder",
	NodeTypeFmod:           "Fmod",
	NodeTypePow:            "Pow",
	NodeTypeEqual:          "Equal",
	NodeTypeNotEqual:       "NotEqual",
	NodeTypeGreaterOrEqual: "GreaterOrEqual",
	NodeTypeGreaterThan:    "GreaterThan",
	NodeTypeLessOrEqual:    "LessOrEqual",
	NodeTypeLessThan:       "LessThan",
	NodeTypeMin:            "Min",
	NodeTypeMax:            "Max",
	NodeTypeClamp:          "Clamp",
	NodeTypeUnary:          "Unary",
	NodeTypeAddCMul:        "AddCMul",
	NodeTypeCat:            "Cat",
	NodeTypeChunk:          "Chunk",
	NodeTypeGetOutput:      "GetOutput",
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if t < 0 || t >= NodeTypeLast {
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
	return nodeTypeNames[t]
}

// IsComparison returns whether the node type is one of the comparison operations, whose result is boolean.
func (t NodeType) IsComparison() bool {
	return t >= NodeTypeEqual && t <= NodeTypeLessThan
}

// IsBinary returns whether the node type is an elementwise binary operation (including comparisons).
func (t NodeType) IsBinary() bool {
	return t >= NodeTypeAdd && t <= NodeTypeMax
}

// Arity returns the number of inputs a node type takes, or -1 if it takes one or more (variadic).
func (t NodeType) Arity() int {
	switch {
	case t == NodeTypeParameter || t == NodeTypeConstant:
		return 0
	case t.IsBinary():
		return 2
	case t == NodeTypeAddCMul:
		return 3
	case t == NodeTypeCat:
		return -1
	default:
		return 1
	}
}

// UnaryOp enumerates the elementwise math functions of a NodeTypeUnary node.
type UnaryOp int

const (
	UnaryInvalid UnaryOp = iota
	UnaryNeg
	UnaryAbs
	UnarySqrt
	UnaryRsqrt
	UnaryExp
	UnaryExpm1
	UnaryLog
	UnaryLog2
	UnaryLog10
	UnaryLog1p
	UnarySin
	UnaryCos
	UnaryTan
	UnaryAsin
	UnaryAcos
	UnaryAtan
	UnarySinh
	UnaryCosh
	UnaryTanh
	UnarySigmoid
	UnaryErf
	UnaryErfc
	UnaryLgamma
	UnaryFloor
	UnaryCeil
	UnaryTrunc
	UnaryRound
	UnaryFrac
	UnaryReciprocal
	UnaryRelu
	UnaryLast
)

var unaryOpNames = [...]string{
	UnaryInvalid:    "invalid",
	UnaryNeg:        "neg",
	UnaryAbs:        "abs",
	UnarySqrt:       "sqrt",
	UnaryRsqrt:      "rsqrt",
	UnaryExp:        "exp",
	UnaryExpm1:      "expm1",
	UnaryLog:        "log",
	UnaryLog2:       "log2",
	UnaryLog10:      "log10",
	UnaryLog1p:      "log1p",
	UnarySin:        "sin",
	UnaryCos:        "cos",
	UnaryTan:        "tan",
	UnaryAsin:       "asin",
	UnaryAcos:       "acos",
	UnaryAtan:       "atan",
	UnarySinh:       "sinh",
	UnaryCosh:       "cosh",
	UnaryTanh:       "tanh",
	UnarySigmoid:    "sigmoid",
	UnaryErf:        "erf",
	UnaryErfc:       "erfc",
	UnaryLgamma:     "lgamma",
	UnaryFloor:      "floor",
	UnaryCeil:       "ceil",
	UnaryTrunc:      "trunc",
	UnaryRound:      "round",
	UnaryFrac:       "frac",
	UnaryReciprocal: "reciprocal",
	UnaryRelu:       "relu",
}

// String implements fmt.Stringer.
func (op UnaryOp) String() string {
	if op < 0 || op >= UnaryLast {
		return fmt.Sprintf("UnaryOp(%d)", int(op))
	}
	return unaryOpNames[op]
}

// Scalar is a literal value: an integer or a float, as written in the traced function (e.g. `x + 1`
// or `alpha=0.5`).
type Scalar struct {
	isFloat bool
	f       float64
	i       int64
}

// Float returns a float Scalar.
func Float(v float64) Scalar { return Scalar{isFloat: true, f: v} }

// Int returns an integer Scalar.
func Int(v int64) Scalar { return Scalar{i: v} }

// IsFloat returns whether the scalar is a float literal.
func (s Scalar) IsFloat() bool { return s.isFloat }

// Float64 returns the value as a float64.
func (s Scalar) Float64() float64 {
	if s.isFloat {
		return s.f
	}
	return float64(s.i)
}

// Int64 returns the value as an int64 (truncated if it is a float).
func (s Scalar) Int64() int64 {
	if s.isFloat {
		return int64(s.f)
	}
	return s.i
}

// DType of the literal: Float64 for floats and Int64 for integers.
func (s Scalar) DType() dtypes.DType {
	if s.isFloat {
		return dtypes.Float64
	}
	return dtypes.Int64
}

// String implements fmt.Stringer.
func (s Scalar) String() string {
	if s.isFloat {
		return strconv.FormatFloat(s.f, 'g', -1, 64)
	}
	return strconv.FormatInt(s.i, 10)
}

// Attributes are the static (non-node) inputs of a node. Which fields are used depends on the NodeType.
type Attributes struct {
	// Name of a Parameter.
	Name string

	// ParameterIndex is the position of a Parameter in the list of graph inputs.
	ParameterIndex int

	// ScalarDType is set for scalar parameters (bound at call time to a Go number). It is
	// dtypes.InvalidDType for tensor parameters.
	ScalarDType dtypes.DType

	// Tensor value of a Constant. If nil, the constant is the scalar literal Value.
	Tensor *tensors.Tensor

	// Value of a scalar Constant, or the "value" multiplier of AddCMul.
	Value Scalar

	// Alpha multiplies the second operand of Add and Sub. Nil means 1.
	Alpha *Scalar

	// Min and Max bounds of Clamp. Nil means no bound.
	Min, Max *Scalar

	// Unary operation of a NodeTypeUnary node.
	Unary UnaryOp

	// Axis of Cat and Chunk. Negative values count from the end.
	Axis int

	// Chunks is the number of outputs of a Chunk.
	Chunks int

	// OutputIndex selects the output of a multi-output node (Chunk) for GetOutput.
	OutputIndex int
}

// NodeId is the position of a node in its graph.
type NodeId int

// Node of a computation graph. Nodes are created with the builder functions of this package (Add, Mul, Cat, etc.),
// or with Graph.NewNode by a graph capture front-end.
type Node struct {
	graph    *Graph
	id       NodeId
	nodeType NodeType
	inputs   []*Node
	attrs    Attributes
}

// Type identify the operation performed by the node.
func (n *Node) Type() NodeType {
	if n == nil {
		return NodeTypeInvalid
	}
	return n.nodeType
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Id is the unique id of this node within the Graph.
func (n *Node) Id() NodeId { return n.id }

// Inputs are the other nodes that are direct inputs to the node.
func (n *Node) Inputs() []*Node { return n.inputs }

// Attributes returns the static inputs of the node.
func (n *Node) Attributes() *Attributes { return &n.attrs }

// SetInput replaces the input at position idx. It is used by graph capture front-ends to wire forward references.
func (n *Node) SetInput(idx int, input *Node) {
	if idx < 0 || idx >= len(n.inputs) {
		n.graph.SetErrorf("SetInput(%d) out of range for node #%d %s with %d inputs", idx, n.id, n.nodeType, len(n.inputs))
		return
	}
	n.inputs[idx] = input
}

// String implements the `fmt.Stringer` interface.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	parts := make([]string, 0, len(n.inputs)+2)
	for _, input := range n.inputs {
		if input == nil {
			parts = append(parts, "nil")
			continue
		}
		parts = append(parts, fmt.Sprintf("#%d", input.id))
	}
	switch n.nodeType {
	case NodeTypeParameter:
		parts = append(parts, strconv.Quote(n.attrs.Name))
		if n.attrs.ScalarDType != dtypes.InvalidDType {
			parts = append(parts, "scalar="+n.attrs.ScalarDType.String())
		}
	case NodeTypeConstant:
		if n.attrs.Tensor != nil {
			parts = append(parts, n.attrs.Tensor.Summary(4))
		} else {
			parts = append(parts, n.attrs.Value.String())
		}
	case NodeTypeAdd, NodeTypeSub:
		if n.attrs.Alpha != nil {
			parts = append(parts, "alpha="+n.attrs.Alpha.String())
		}
	case NodeTypeClamp:
		if n.attrs.Min != nil {
			parts = append(parts, "min="+n.attrs.Min.String())
		}
		if n.attrs.Max != nil {
			parts = append(parts, "max="+n.attrs.Max.String())
		}
	case NodeTypeUnary:
		parts = append(parts, n.attrs.Unary.String())
	case NodeTypeAddCMul:
		parts = append(parts, "value="+n.attrs.Value.String())
	case NodeTypeCat:
		parts = append(parts, fmt.Sprintf("axis=%d", n.attrs.Axis))
	case NodeTypeChunk:
		parts = append(parts, fmt.Sprintf("chunks=%d", n.attrs.Chunks), fmt.Sprintf("axis=%d", n.attrs.Axis))
	case NodeTypeGetOutput:
		parts = append(parts, fmt.Sprintf("output=%d", n.attrs.OutputIndex))
	}
	return fmt.Sprintf("%s(%s)", n.nodeType, strings.Join(parts, ", "))
}
