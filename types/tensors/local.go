// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Supported lists the Go types that can be stored in a Tensor. Go `int` is stored as Int64.
type Supported interface {
	bool | int32 | int64 | int | float16.Float16 | float32 | float64
}

// MultiDimensionSlice lists the Go types that can be converted to a Tensor with FromValue.
type MultiDimensionSlice interface {
	bool | int32 | int64 | int | float16.Float16 | float32 | float64 |
		[]bool | []int32 | []int64 | []int | []float16.Float16 | []float32 | []float64 |
		[][]bool | [][]int32 | [][]int64 | [][]int | [][]float16.Float16 | [][]float32 | [][]float64 |
		[][][]bool | [][][]int32 | [][][]int64 | [][][]int | [][][]float32 | [][][]float64
}

var float16Type = reflect.TypeOf(float16.Float16(0))

// dtypeForGoType returns the dtype used to store values of the Go type t, or InvalidDType.
func dtypeForGoType(t reflect.Type) dtypes.DType {
	if t == float16Type {
		return dtypes.Float16
	}
	switch t.Kind() {
	case reflect.Bool:
		return dtypes.Bool
	case reflect.Int32:
		return dtypes.Int32
	case reflect.Int64, reflect.Int:
		return dtypes.Int64
	case reflect.Float32:
		return dtypes.Float32
	case reflect.Float64:
		return dtypes.Float64
	default:
		return dtypes.InvalidDType
	}
}

// DTypeFor returns the dtype used to store values of type T.
func DTypeFor[T Supported]() dtypes.DType {
	var zero T
	return dtypeForGoType(reflect.TypeOf(zero))
}

// FromScalar creates a local tensor with the given scalar.
// The `DType` is inferred from the value.
func FromScalar[T Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(DTypeFor[T](), dimensions...)
	data := make([]T, shape.Size())
	for ii := range data {
		data[ii] = value
	}
	return FromFlatDataAndDimensions(data, dimensions...)
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(DTypeFor[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d", shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	switch flat := any(data).(type) {
	case []int:
		dst := t.buffer.flat.([]int64)
		for ii, v := range flat {
			dst[ii] = int64(v)
		}
	default:
		reflect.Copy(reflect.ValueOf(t.buffer.flat), reflect.ValueOf(data))
	}
	return t
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue.
// If value is a tensor already, it is simply returned.
//
// It panics with an error if `value` type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	t, err := TryFromAnyValue(value)
	if err != nil {
		panic(err)
	}
	return t
}

// TryFromAnyValue is like FromAnyValue, but returns an error instead of panicking.
func TryFromAnyValue(value any) (*Tensor, error) {
	if valueT, ok := value.(*Tensor); ok {
		return valueT, nil
	}
	if value == nil {
		return nil, errors.New("cannot create a tensor from nil")
	}
	shape, err := shapeForValue(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot create shape from %T", value)
	}
	t := FromShape(shape)
	flatV := reflect.ValueOf(t.buffer.flat)
	pos := 0
	copyValuesRecursively(flatV, reflect.ValueOf(value), &pos)
	return t, nil
}

// copyValuesRecursively copies the leaves of a multi-dimension slice to the flat slice, in row-major order.
func copyValuesRecursively(flatV, v reflect.Value, pos *int) {
	if v.Kind() == reflect.Slice {
		for ii := range v.Len() {
			copyValuesRecursively(flatV, v.Index(ii), pos)
		}
		return
	}
	elem := flatV.Index(*pos)
	elem.Set(v.Convert(elem.Type()))
	*pos++
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t.Kind() == reflect.Slice {
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T -- use FromShape for tensors "+
				"with zero-sized axes", v.Interface())
		}
		err := shapeForValueRecursive(shape, v.Index(0), t)
		if err != nil {
			return err
		}

		// Other elements must have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			err = shapeForValueRecursive(&shapeTest, v.Index(ii), t)
			if err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
		return nil
	}
	shape.DType = dtypeForGoType(t)
	if shape.DType == dtypes.InvalidDType {
		return errors.Errorf("cannot convert type %s to a tensor dtype", t)
	}
	return nil
}

// FlatCopy returns a copy of the tensor values as a flat slice in row-major order.
// The slice type is the Go type of the dtype, e.g. []float32 for Float32.
func (t *Tensor) FlatCopy() any {
	return t.Contiguous().copyOfContiguous()
}

func (t *Tensor) copyOfContiguous() any {
	src := reflect.ValueOf(t.buffer.flat)
	dst := reflect.MakeSlice(src.Type(), t.Size(), t.Size())
	reflect.Copy(dst, src.Slice(t.offset, t.offset+t.Size()))
	return dst.Interface()
}

// CopyFlatData returns a copy of the tensor values as a flat slice of T in row-major order.
//
// It panics if T doesn't match the tensor's dtype.
func CopyFlatData[T Supported](t *Tensor) []T {
	flat, ok := t.FlatCopy().([]T)
	if !ok {
		exceptions.Panicf("CopyFlatData[%T] called on tensor with dtype %s", *new(T), t.DType())
	}
	return flat
}

// ToScalar returns the value of a tensor with one element.
//
// It panics if the tensor has more than one element or if T doesn't match its dtype.
func ToScalar[T Supported](t *Tensor) T {
	if t.Size() != 1 {
		exceptions.Panicf("ToScalar called on tensor %s with %d elements", t.shape, t.Size())
	}
	return CopyFlatData[T](t)[0]
}

// Value returns a multidimensional slice (or a scalar) with a copy of the tensor values.
func (t *Tensor) Value() any {
	flat := t.FlatCopy()
	if t.IsScalar() {
		return reflect.ValueOf(flat).Index(0).Interface()
	}
	return convertDataToSlices(reflect.ValueOf(flat), t.shape.Dimensions...).Interface()
}

// convertDataToSlices takes data as a flat slice, and creates a multidimensional slice with the given dimensions
// pointing to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	return createSlicesRecursively(resultT, dataV, dimensions, shapes.ContiguousStrides(dimensions))
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

// Equal checks whether both tensors have the same shape and the same values.
// Views over different buffers (or with different strides) may be equal.
// Float NaNs are considered equal to NaNs, so results can be compared bit-for-bit.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	isFloat := t.DType().IsFloat()
	for indices := range t.shape.Iter() {
		p0, p1 := t.Position(indices), other.Position(indices)
		if isFloat {
			v0, v1 := t.buffer.Float(p0), other.buffer.Float(p1)
			if v0 != v1 && !(math.IsNaN(v0) && math.IsNaN(v1)) {
				return false
			}
		} else if t.buffer.Int(p0) != other.buffer.Int(p1) {
			return false
		}
	}
	return true
}

// InDelta checks whether |t - other| <= delta for every element. NaNs must match NaNs, and infinities must match exactly.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.EqualDimensions(other.shape) {
		return false
	}
	for indices := range t.shape.Iter() {
		v0, v1 := t.buffer.Float(t.Position(indices)), other.buffer.Float(other.Position(indices))
		if math.IsNaN(v0) || math.IsNaN(v1) {
			if math.IsNaN(v0) != math.IsNaN(v1) {
				return false
			}
			continue
		}
		if v0 == v1 {
			continue
		}
		if math.Abs(v0-v1) > delta {
			return false
		}
	}
	return true
}

// String converts to string, if not too large.
func (t *Tensor) String() string {
	return t.Summary(16)
}

// Summary prints the shape and up to maxValues values.
func (t *Tensor) Summary(maxValues int) string {
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	if t.device != Host {
		_, _ = fmt.Fprintf(&sb, "@%s", t.device)
	}
	sb.WriteString(": [")
	count := 0
	for indices := range t.shape.Iter() {
		if count > 0 {
			sb.WriteString(", ")
		}
		if count == maxValues {
			sb.WriteString("...")
			break
		}
		pos := t.Position(indices)
		if t.DType().IsFloat() {
			_, _ = fmt.Fprintf(&sb, "%g", t.buffer.Float(pos))
		} else if t.DType() == dtypes.Bool {
			_, _ = fmt.Fprintf(&sb, "%v", t.buffer.Int(pos) != 0)
		} else {
			_, _ = fmt.Fprintf(&sb, "%d", t.buffer.Int(pos))
		}
		count++
	}
	sb.WriteString("]")
	return sb.String()
}
