// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
)

// graphOf returns the graph of the first operand. It panics if it is nil, since there would be no graph
// to register the error in.
func graphOf(opName string, operands ...*Node) *Graph {
	if len(operands) == 0 || operands[0] == nil || operands[0].graph == nil {
		exceptions.Panicf("%s: first operand must be a valid node", opName)
	}
	return operands[0].graph
}

func binary(nodeType NodeType, x, y *Node) *Node {
	g := graphOf(nodeType.String(), x, y)
	return g.NewNode(nodeType, Attributes{}, x, y)
}

// Add returns x + y, with NumPy broadcasting.
func Add(x, y *Node) *Node { return binary(NodeTypeAdd, x, y) }

// AddScaled returns x + alpha*y. The alpha must be integral if the result is an integer.
func AddScaled(x, y *Node, alpha Scalar) *Node {
	n := binary(NodeTypeAdd, x, y)
	n.attrs.Alpha = &alpha
	return n
}

// Sub returns x - y, with NumPy broadcasting.
func Sub(x, y *Node) *Node { return binary(NodeTypeSub, x, y) }

// SubScaled returns x - alpha*y. The alpha must be integral if the result is an integer.
func SubScaled(x, y *Node, alpha Scalar) *Node {
	n := binary(NodeTypeSub, x, y)
	n.attrs.Alpha = &alpha
	return n
}

// Mul returns x * y.
func Mul(x, y *Node) *Node { return binary(NodeTypeMul, x, y) }

// Div returns x / y. Integer division truncates towards zero, and a zero divisor is an execution error.
func Div(x, y *Node) *Node { return binary(NodeTypeDiv, x, y) }

// Remainder returns the modulo of x by y with the sign of the divisor y (Python's `%`).
func Remainder(x, y *Node) *Node { return binary(NodeTypeRemainder, x, y) }

// Fmod returns the remainder of x by y with the sign of the dividend x (C's fmod).
func Fmod(x, y *Node) *Node { return binary(NodeTypeFmod, x, y) }

// Pow returns x^y.
func Pow(x, y *Node) *Node { return binary(NodeTypePow, x, y) }

// Equal returns the boolean x == y.
func Equal(x, y *Node) *Node { return binary(NodeTypeEqual, x, y) }

// NotEqual returns the boolean x != y.
func NotEqual(x, y *Node) *Node { return binary(NodeTypeNotEqual, x, y) }

// GreaterOrEqual returns the boolean x >= y.
func GreaterOrEqual(x, y *Node) *Node { return binary(NodeTypeGreaterOrEqual, x, y) }

// GreaterThan returns the boolean x > y.
func GreaterThan(x, y *Node) *Node { return binary(NodeTypeGreaterThan, x, y) }

// LessOrEqual returns the boolean x <= y.
func LessOrEqual(x, y *Node) *Node { return binary(NodeTypeLessOrEqual, x, y) }

// LessThan returns the boolean x < y.
func LessThan(x, y *Node) *Node { return binary(NodeTypeLessThan, x, y) }

// Min returns `x < y ? x : y`.
// Notice that min(NaN, 1) = 1, but min(1, NaN) = NaN.
func Min(x, y *Node) *Node { return binary(NodeTypeMin, x, y) }

// Max returns `x > y ? x : y`.
// Notice that max(NaN, 1) = 1, but max(1, NaN) = NaN.
func Max(x, y *Node) *Node { return binary(NodeTypeMax, x, y) }

// Clamp returns Max(Min(x, hi), lo).
func Clamp(x *Node, lo, hi Scalar) *Node {
	n := graphOf("Clamp", x).NewNode(NodeTypeClamp, Attributes{}, x)
	n.attrs.Min, n.attrs.Max = &lo, &hi
	return n
}

// ClampMin returns Max(x, lo).
func ClampMin(x *Node, lo Scalar) *Node {
	n := graphOf("ClampMin", x).NewNode(NodeTypeClamp, Attributes{}, x)
	n.attrs.Min = &lo
	return n
}

// ClampMax returns Min(x, hi).
func ClampMax(x *Node, hi Scalar) *Node {
	n := graphOf("ClampMax", x).NewNode(NodeTypeClamp, Attributes{}, x)
	n.attrs.Max = &hi
	return n
}

// AddCMul returns x + value*t1*t2.
func AddCMul(x, t1, t2 *Node, value Scalar) *Node {
	return graphOf("AddCMul", x, t1, t2).NewNode(NodeTypeAddCMul, Attributes{Value: value}, x, t1, t2)
}

// Unary returns the elementwise op(x).
func Unary(op UnaryOp, x *Node) *Node {
	return graphOf(op.String(), x).NewNode(NodeTypeUnary, Attributes{Unary: op}, x)
}

// Neg returns -x.
func Neg(x *Node) *Node { return Unary(UnaryNeg, x) }

// Abs returns |x|.
func Abs(x *Node) *Node { return Unary(UnaryAbs, x) }

// Sqrt returns the square root of x.
func Sqrt(x *Node) *Node { return Unary(UnarySqrt, x) }

// Rsqrt returns 1/sqrt(x).
func Rsqrt(x *Node) *Node { return Unary(UnaryRsqrt, x) }

// Exp returns e^x.
func Exp(x *Node) *Node { return Unary(UnaryExp, x) }

// Expm1 returns e^x - 1.
func Expm1(x *Node) *Node { return Unary(UnaryExpm1, x) }

// Log returns the natural logarithm of x.
func Log(x *Node) *Node { return Unary(UnaryLog, x) }

// Log2 returns the base 2 logarithm of x.
func Log2(x *Node) *Node { return Unary(UnaryLog2, x) }

// Log10 returns the base 10 logarithm of x.
func Log10(x *Node) *Node { return Unary(UnaryLog10, x) }

// Log1p returns log(1+x).
func Log1p(x *Node) *Node { return Unary(UnaryLog1p, x) }

// Sin returns sin(x).
func Sin(x *Node) *Node { return Unary(UnarySin, x) }

// Cos returns cos(x).
func Cos(x *Node) *Node { return Unary(UnaryCos, x) }

// Tan returns tan(x).
func Tan(x *Node) *Node { return Unary(UnaryTan, x) }

// Asin returns asin(x).
func Asin(x *Node) *Node { return Unary(UnaryAsin, x) }

// Acos returns acos(x).
func Acos(x *Node) *Node { return Unary(UnaryAcos, x) }

// Atan returns atan(x).
func Atan(x *Node) *Node { return Unary(UnaryAtan, x) }

// Sinh returns sinh(x).
func Sinh(x *Node) *Node { return Unary(UnarySinh, x) }

// Cosh returns cosh(x).
func Cosh(x *Node) *Node { return Unary(UnaryCosh, x) }

// Tanh returns tanh(x).
func Tanh(x *Node) *Node { return Unary(UnaryTanh, x) }

// Sigmoid returns 1/(1+e^-x).
func Sigmoid(x *Node) *Node { return Unary(UnarySigmoid, x) }

// Erf returns the error function of x.
func Erf(x *Node) *Node { return Unary(UnaryErf, x) }

// Erfc returns the complementary error function of x.
func Erfc(x *Node) *Node { return Unary(UnaryErfc, x) }

// Lgamma returns the log of the absolute value of the gamma function of x.
func Lgamma(x *Node) *Node { return Unary(UnaryLgamma, x) }

// Floor returns floor(x).
func Floor(x *Node) *Node { return Unary(UnaryFloor, x) }

// Ceil returns ceil(x).
func Ceil(x *Node) *Node { return Unary(UnaryCeil, x) }

// Trunc returns x truncated towards zero.
func Trunc(x *Node) *Node { return Unary(UnaryTrunc, x) }

// Round returns x rounded to the nearest integer, with halves rounded to even.
func Round(x *Node) *Node { return Unary(UnaryRound, x) }

// Frac returns x - trunc(x).
func Frac(x *Node) *Node { return Unary(UnaryFrac, x) }

// Reciprocal returns 1/x.
func Reciprocal(x *Node) *Node { return Unary(UnaryReciprocal, x) }

// Relu returns max(x, 0).
func Relu(x *Node) *Node { return Unary(UnaryRelu, x) }

// Cat concatenates the operands along axis. All other axes must match.
func Cat(axis int, operands ...*Node) *Node {
	g := graphOf("Cat", operands...)
	return g.NewNode(NodeTypeCat, Attributes{Axis: axis}, operands...)
}

// Chunk splits x in `chunks` parts along axis, each of size ceil(dim/chunks), the last one
// possibly smaller. It returns one node per chunk.
func Chunk(x *Node, chunks, axis int) []*Node {
	g := graphOf("Chunk", x)
	if chunks <= 0 {
		g.SetErrorf("Chunk(chunks=%d): chunks must be > 0", chunks)
		return nil
	}
	chunk := g.NewNode(NodeTypeChunk, Attributes{Axis: axis, Chunks: chunks}, x)
	outputs := make([]*Node, chunks)
	for ii := range outputs {
		outputs[ii] = GetOutput(chunk, ii)
	}
	return outputs
}

// GetOutput selects output idx of a multi-output node (Chunk).
func GetOutput(multi *Node, idx int) *Node {
	return graphOf("GetOutput", multi).NewNode(NodeTypeGetOutput, Attributes{OutputIndex: idx}, multi)
}
