// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/types/errs"
)

// Category of a dtype for the purpose of type promotion: bool < int < float.
type Category int

const (
	CategoryInvalid Category = iota
	CategoryBool
	CategoryInt
	CategoryFloat
)

// String implements fmt.Stringer.
func (c Category) String() string {
	switch c {
	case CategoryBool:
		return "bool"
	case CategoryInt:
		return "int"
	case CategoryFloat:
		return "float"
	default:
		return "invalid"
	}
}

// SupportedDTypes lists the element types tensorexpr can compute with.
var SupportedDTypes = []dtypes.DType{dtypes.Bool, dtypes.Int32, dtypes.Int64, dtypes.Float16, dtypes.Float32, dtypes.Float64}

// CategoryOf returns the promotion category of the dtype, or an error of kind errs.ErrType if not supported.
func CategoryOf(dtype dtypes.DType) (Category, error) {
	switch dtype {
	case dtypes.Bool:
		return CategoryBool, nil
	case dtypes.Int32, dtypes.Int64:
		return CategoryInt, nil
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return CategoryFloat, nil
	default:
		return CategoryInvalid, errs.Typef("dtype %s is not supported", dtype)
	}
}

// DefaultDType returns the dtype used when a scalar raises the result to the given category.
func DefaultDType(c Category) dtypes.DType {
	switch c {
	case CategoryBool:
		return dtypes.Bool
	case CategoryInt:
		return dtypes.Int64
	default:
		return dtypes.Float32
	}
}

// bitWidth orders dtypes within a category.
func bitWidth(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Bool:
		return 1
	case dtypes.Float16:
		return 16
	case dtypes.Int32, dtypes.Float32:
		return 32
	default:
		return 64
	}
}

// Operand describes one input of an operation for the purpose of type promotion.
type Operand struct {
	DType dtypes.DType

	// IsScalar marks scalars: scalar literals, scalar graph parameters and rank-0 tensors.
	// Scalars only raise the category of the result, they never widen it.
	IsScalar bool
}

// Promote returns the dtype an elementwise operation is computed in, for the given operands.
//
// Categories are ordered bool < int < float. Among the dimensioned (non-scalar) operands the
// highest category wins, and within it the widest dtype. Scalars only matter if their category is
// higher than that of every dimensioned operand, in which case the result is the default dtype of
// the scalar's category (Int64 for int, Float32 for float). If all operands are scalars, the widest
// scalar dtype is used.
//
// It returns an error of kind errs.ErrType if any dtype is not supported.
func Promote(operands ...Operand) (dtypes.DType, error) {
	if len(operands) == 0 {
		return dtypes.InvalidDType, errs.Typef("no operands to promote")
	}
	tensorDType, scalarDType := dtypes.InvalidDType, dtypes.InvalidDType
	tensorCat, scalarCat := CategoryInvalid, CategoryInvalid
	for _, op := range operands {
		cat, err := CategoryOf(op.DType)
		if err != nil {
			return dtypes.InvalidDType, err
		}
		if op.IsScalar {
			scalarDType, scalarCat = widest(scalarDType, scalarCat, op.DType, cat)
		} else {
			tensorDType, tensorCat = widest(tensorDType, tensorCat, op.DType, cat)
		}
	}
	if tensorCat == CategoryInvalid {
		return scalarDType, nil
	}
	if scalarCat > tensorCat {
		return DefaultDType(scalarCat), nil
	}
	return tensorDType, nil
}

func widest(current dtypes.DType, currentCat Category, candidate dtypes.DType, candidateCat Category) (dtypes.DType, Category) {
	if candidateCat > currentCat || (candidateCat == currentCat && bitWidth(candidate) > bitWidth(current)) {
		return candidate, candidateCat
	}
	return current, currentCat
}

// AlphaDType returns the dtype the "alpha" scalar of Add/Sub is converted to, given the result dtype of the
// operation: alpha adopts float if the result is float, and must be integral otherwise.
//
// It returns an error of kind errs.ErrType if alpha is a float and the result is an integer, or if the result is boolean.
func AlphaDType(result dtypes.DType, alphaIsFloat bool) (dtypes.DType, error) {
	cat, err := CategoryOf(result)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	switch cat {
	case CategoryFloat:
		return result, nil
	case CategoryInt:
		if alphaIsFloat {
			return dtypes.InvalidDType, errs.Typef("alpha must be an integer for an operation with result dtype %s", result)
		}
		return result, nil
	default:
		return dtypes.InvalidDType, errs.Typef("alpha is not supported for boolean operations")
	}
}
