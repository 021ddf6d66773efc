// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// The functions in this file define the semantics of each op, and are shared by the CPU backends.
//
// Floats are computed in float64 and rounded to the node's dtype (see RoundFloat). Integers are computed
// in int64 and wrapped to the node's dtype (see WrapInt). Booleans are integers 0 or 1.
//
// Integer division (and remainder) by zero panics with an error wrapping errs.ErrIntegerDivideByZero:
// callers convert it back to an error with exceptions.TryCatch.

// RoundFloat rounds f to the precision of the float dtype.
func RoundFloat(dtype dtypes.DType, f float64) float64 {
	switch dtype {
	case dtypes.Float32:
		return float64(float32(f))
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(f)).Float32())
	}
	return f
}

// WrapInt wraps i to the range of the integer dtype, with two's complement overflow.
// For dtypes.Bool it returns 0 or 1.
func WrapInt(dtype dtypes.DType, i int64) int64 {
	switch dtype {
	case dtypes.Int32:
		return int64(int32(i))
	case dtypes.Bool:
		if i != 0 {
			return 1
		}
		return 0
	}
	return i
}

// Normalize rounds or wraps the value to the dtype.
func Normalize(dtype dtypes.DType, v Value) Value {
	if dtype.IsFloat() {
		return Value{F: RoundFloat(dtype, v.F)}
	}
	return Value{I: WrapInt(dtype, v.I)}
}

// CastValue converts v from one dtype to another.
//
// Float to integer conversion truncates towards zero and saturates at the limits of the integer dtype;
// NaN converts to 0. Any non-zero value (including NaN) converts to true.
func CastValue(from, to dtypes.DType, v Value) Value {
	fromFloat, toFloat := from.IsFloat(), to.IsFloat()
	switch {
	case fromFloat && toFloat:
		return Value{F: RoundFloat(to, v.F)}
	case fromFloat && to == dtypes.Bool:
		return BoolValue(v.F != 0)
	case fromFloat:
		return Value{I: FloatToInt(to, v.F)}
	case toFloat:
		return Value{F: RoundFloat(to, float64(v.I))}
	}
	return Value{I: WrapInt(to, v.I)}
}

// FloatToInt converts f to the integer dtype, truncating towards zero and saturating.
func FloatToInt(dtype dtypes.DType, f float64) int64 {
	if math.IsNaN(f) {
		return 0
	}
	f = math.Trunc(f)
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if dtype == dtypes.Int32 {
		lo, hi = math.MinInt32, math.MaxInt32
	}
	if f <= float64(lo) {
		return lo
	}
	if f >= float64(hi) {
		return hi
	}
	return int64(f)
}

func panicDivideByZero() {
	panic(errors.WithStack(errs.ErrIntegerDivideByZero))
}

// UnaryFloat returns the float implementation of the unary op. The result still needs rounding to the dtype.
func UnaryFloat(op Op) func(x float64) float64 {
	switch op {
	case OpNeg:
		return func(x float64) float64 { return -x }
	case OpAbs:
		return math.Abs
	case OpSqrt:
		return math.Sqrt
	case OpRsqrt:
		return func(x float64) float64 { return 1 / math.Sqrt(x) }
	case OpExp:
		return math.Exp
	case OpExpm1:
		return math.Expm1
	case OpLog:
		return math.Log
	case OpLog2:
		return math.Log2
	case OpLog10:
		return math.Log10
	case OpLog1p:
		return math.Log1p
	case OpSin:
		return math.Sin
	case OpCos:
		return math.Cos
	case OpTan:
		return math.Tan
	case OpAsin:
		return math.Asin
	case OpAcos:
		return math.Acos
	case OpAtan:
		return math.Atan
	case OpSinh:
		return math.Sinh
	case OpCosh:
		return math.Cosh
	case OpTanh:
		return math.Tanh
	case OpSigmoid:
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
	case OpErf:
		return math.Erf
	case OpErfc:
		return math.Erfc
	case OpLgamma:
		return func(x float64) float64 {
			v, _ := math.Lgamma(x)
			return v
		}
	case OpFloor:
		return math.Floor
	case OpCeil:
		return math.Ceil
	case OpTrunc:
		return math.Trunc
	case OpRound:
		return math.RoundToEven
	case OpFrac:
		return func(x float64) float64 { return x - math.Trunc(x) }
	case OpReciprocal:
		return func(x float64) float64 { return 1 / x }
	case OpRelu:
		return func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		}
	}
	exceptions.Panicf("ir: op %s is not a unary op", op)
	return nil
}

// UnaryInt returns the integer implementation of the unary op, or nil if the op is only defined for floats.
// The result still needs wrapping to the dtype.
func UnaryInt(op Op) func(x int64) int64 {
	switch op {
	case OpNeg:
		return func(x int64) int64 { return -x }
	case OpAbs:
		return func(x int64) int64 {
			if x < 0 {
				return -x
			}
			return x
		}
	case OpFloor, OpCeil, OpTrunc, OpRound:
		return func(x int64) int64 { return x }
	case OpRelu:
		return func(x int64) int64 { return max(x, 0) }
	}
	return nil
}

// BinaryFloat returns the float implementation of the arithmetic binary op (not comparisons).
func BinaryFloat(op Op) func(x, y float64) float64 {
	switch op {
	case OpAdd:
		return func(x, y float64) float64 { return x + y }
	case OpSub:
		return func(x, y float64) float64 { return x - y }
	case OpMul:
		return func(x, y float64) float64 { return x * y }
	case OpDiv:
		return func(x, y float64) float64 { return x / y }
	case OpRemainder:
		return func(x, y float64) float64 {
			r := math.Mod(x, y)
			if r != 0 && (r < 0) != (y < 0) {
				r += y
			}
			return r
		}
	case OpFmod:
		return math.Mod
	case OpPow:
		return math.Pow
	case OpMin:
		return func(x, y float64) float64 {
			if x < y {
				return x
			}
			return y
		}
	case OpMax:
		return func(x, y float64) float64 {
			if x > y {
				return x
			}
			return y
		}
	}
	exceptions.Panicf("ir: op %s is not an arithmetic binary op", op)
	return nil
}

// BinaryInt returns the integer implementation of the arithmetic binary op (not comparisons).
// Division is truncating. Division or remainder by zero panics with errs.ErrIntegerDivideByZero.
func BinaryInt(op Op) func(x, y int64) int64 {
	switch op {
	case OpAdd:
		return func(x, y int64) int64 { return x + y }
	case OpSub:
		return func(x, y int64) int64 { return x - y }
	case OpMul:
		return func(x, y int64) int64 { return x * y }
	case OpDiv:
		return func(x, y int64) int64 {
			if y == 0 {
				panicDivideByZero()
			}
			return x / y
		}
	case OpRemainder:
		return func(x, y int64) int64 {
			if y == 0 {
				panicDivideByZero()
			}
			r := x % y
			if r != 0 && (r < 0) != (y < 0) {
				r += y
			}
			return r
		}
	case OpFmod:
		return func(x, y int64) int64 {
			if y == 0 {
				panicDivideByZero()
			}
			return x % y
		}
	case OpPow:
		return powInt
	case OpMin:
		return func(x, y int64) int64 { return min(x, y) }
	case OpMax:
		return func(x, y int64) int64 { return max(x, y) }
	}
	exceptions.Panicf("ir: op %s is not an arithmetic binary op", op)
	return nil
}

// powInt computes base^exp with wrapping. Negative exponents truncate 1/base^|exp| towards zero.
func powInt(base, exp int64) int64 {
	if exp < 0 {
		switch base {
		case 0:
			panicDivideByZero()
		case 1:
			return 1
		case -1:
			if exp&1 == 0 {
				return 1
			}
			return -1
		}
		return 0
	}
	result := int64(1)
	for exp > 0 {
		if exp&1 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1
	}
	return result
}

// Compare returns the implementation of a comparison op for an ordered type.
func Compare[T constraints.Integer | constraints.Float](op Op) func(x, y T) bool {
	switch op {
	case OpEq:
		return func(x, y T) bool { return x == y }
	case OpNe:
		return func(x, y T) bool { return x != y }
	case OpGe:
		return func(x, y T) bool { return x >= y }
	case OpGt:
		return func(x, y T) bool { return x > y }
	case OpLe:
		return func(x, y T) bool { return x <= y }
	case OpLt:
		return func(x, y T) bool { return x < y }
	}
	exceptions.Panicf("ir: op %s is not a comparison", op)
	return nil
}

// EvalUnary evaluates the unary op on x of the given dtype, returning the normalized result.
func EvalUnary(op Op, dtype dtypes.DType, x Value) Value {
	if dtype.IsFloat() {
		return Value{F: RoundFloat(dtype, UnaryFloat(op)(x.F))}
	}
	fn := UnaryInt(op)
	if fn == nil {
		exceptions.Panicf("ir: op %s is not defined for %s", op, dtype)
	}
	return Value{I: WrapInt(dtype, fn(x.I))}
}

// EvalBinary evaluates the binary op on operands x and y of the given dtype. Comparisons return a boolean
// Value, other ops a Value normalized to dtype.
func EvalBinary(op Op, dtype dtypes.DType, x, y Value) Value {
	if op.IsComparison() {
		if dtype.IsFloat() {
			return BoolValue(Compare[float64](op)(x.F, y.F))
		}
		return BoolValue(Compare[int64](op)(x.I, y.I))
	}
	if dtype.IsFloat() {
		return Value{F: RoundFloat(dtype, BinaryFloat(op)(x.F, y.F))}
	}
	return Value{I: WrapInt(dtype, BinaryInt(op)(x.I, y.I))}
}

// EvalSelect returns onTrue if the boolean cond is true, onFalse otherwise.
func EvalSelect(cond, onTrue, onFalse Value) Value {
	if cond.I != 0 {
		return onTrue
	}
	return onFalse
}
