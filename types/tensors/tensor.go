// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, an immutable view over a multi-dimensional array.
//
// A Tensor is defined by its shape (a data type and its axes dimensions), its strides (in number of
// elements), an offset, and the Buffer holding the actual values. Views derived from a tensor
// (Narrow, Transpose, Expand, Reshape) share the same Buffer, and are never copied.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalar[T Supported](value T): creates a scalar Tensor.
//
//   - FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data.
//     Example:
//
//     t := FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): Generic conversion, works with the scalar supported `DType`s
//     as well as with any arbitrary multidimensional slice of them. Slices of rank > 1 must be regular, that is
//     all the sub-slices must have the same shape. Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
//
//   - FromAnyValue(value any): same as FromValue but non-generic.
//
// Tensors also carry a Device: where the values reside. Host memory always backs the values, the Device
// is a residency flag used when picking a backend.
package tensors

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/pkg/errors"
)

// Device where a tensor resides.
type Device int

const (
	// Host is the default device: the CPU memory.
	Host Device = iota

	// Accelerator marks tensors residing on the accelerator (GPU).
	Accelerator
)

// String implements fmt.Stringer.
func (d Device) String() string {
	switch d {
	case Host:
		return "host"
	case Accelerator:
		return "accelerator"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// Tensor is an immutable view over a Buffer.
//
// Invariant: Buffer.Len() >= offset + Σ(dim_i-1)*stride_i + 1, for non-empty tensors.
type Tensor struct {
	shape   shapes.Shape
	strides []int
	offset  int
	buffer  *Buffer
	device  Device
}

// newView creates a view and checks that the buffer spans it.
func newView(shape shapes.Shape, strides []int, offset int, buffer *Buffer, device Device) (*Tensor, error) {
	t := &Tensor{shape: shape, strides: strides, offset: offset, buffer: buffer, device: device}
	if shape.Size() == 0 {
		return t, nil
	}
	if offset < 0 {
		return nil, errors.Errorf("tensor view with negative offset %d", offset)
	}
	span := offset + 1
	for axis, dim := range shape.Dimensions {
		if strides[axis] < 0 {
			return nil, errors.Errorf("tensor view with negative stride %d on axis %d", strides[axis], axis)
		}
		span += (dim - 1) * strides[axis]
	}
	if span > buffer.Len() {
		return nil, errors.Errorf("tensor view %s (strides=%v, offset=%d) spans %d elements, but buffer only has %d",
			shape, strides, offset, span, buffer.Len())
	}
	return t, nil
}

// FromShape returns a contiguous, zero-initialized tensor with the given shape, on the host.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{
		shape:   shape,
		strides: shape.Strides(),
		buffer:  NewBuffer(shape.DType, shape.Size()),
	}
}

// FromBuffer creates a contiguous tensor over the given buffer, which must have exactly shape.Size() elements.
func FromBuffer(shape shapes.Shape, buffer *Buffer, device Device) (*Tensor, error) {
	if buffer.DType() != shape.DType {
		return nil, errors.Errorf("buffer dtype %s doesn't match shape %s", buffer.DType(), shape)
	}
	if buffer.Len() != shape.Size() {
		return nil, errors.Errorf("buffer has %d elements, shape %s requires %d", buffer.Len(), shape, shape.Size())
	}
	return newView(shape, shape.Strides(), 0, buffer, device)
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Strides in number of elements, one per axis. Broadcast (expanded) axes have stride 0.
func (t *Tensor) Strides() []int { return t.strides }

// Offset of the first element in the buffer.
func (t *Tensor) Offset() int { return t.offset }

// Buffer returns the underlying storage, shared among views.
func (t *Tensor) Buffer() *Buffer { return t.buffer }

// Device where the tensor resides.
func (t *Tensor) Device() Device { return t.device }

// Ok returns whether the Tensor is valid.
func (t *Tensor) Ok() bool { return t != nil && t.shape.Ok() && t.buffer != nil }

// IsContiguous returns whether the tensor is laid out in row-major order with no gaps, starting at offset 0
// of a buffer of exactly its size.
func (t *Tensor) IsContiguous() bool {
	return t.offset == 0 && t.buffer.Len() == t.Size() && slices.Equal(t.strides, t.shape.Strides())
}

// Position returns the position in the buffer of the element at the given indices.
func (t *Tensor) Position(indices []int) int {
	pos := t.offset
	for axis, idx := range indices {
		pos += idx * t.strides[axis]
	}
	return pos
}

// OnDevice returns a view of the tensor flagged as residing on the given device.
func (t *Tensor) OnDevice(device Device) *Tensor {
	t2 := *t
	t2.device = device
	return &t2
}

// Narrow returns a view restricted to [start, start+length) along axis.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	axis, err := t.normalizeAxis(axis)
	if err != nil {
		return nil, err
	}
	dim := t.shape.Dimensions[axis]
	if start < 0 || length < 0 || start+length > dim {
		return nil, errs.Shapef("Narrow(axis=%d, start=%d, length=%d) out of bounds for shape %s", axis, start, length, t.shape)
	}
	shape := t.shape.Clone()
	shape.Dimensions[axis] = length
	return newView(shape, slices.Clone(t.strides), t.offset+start*t.strides[axis], t.buffer, t.device)
}

// Transpose returns a view with axis0 and axis1 swapped.
func (t *Tensor) Transpose(axis0, axis1 int) (*Tensor, error) {
	var err error
	if axis0, err = t.normalizeAxis(axis0); err != nil {
		return nil, err
	}
	if axis1, err = t.normalizeAxis(axis1); err != nil {
		return nil, err
	}
	shape := t.shape.Clone()
	strides := slices.Clone(t.strides)
	shape.Dimensions[axis0], shape.Dimensions[axis1] = shape.Dimensions[axis1], shape.Dimensions[axis0]
	strides[axis0], strides[axis1] = strides[axis1], strides[axis0]
	return newView(shape, strides, t.offset, t.buffer, t.device)
}

// Expand returns a broadcast view to the given dimensions: size-1 and missing (leading) axes
// get stride 0. It follows the same rules as shapes.Broadcast.
func (t *Tensor) Expand(dimensions ...int) (*Tensor, error) {
	desc, err := shapes.NewBroadcastDescriptor(t.shape.Dimensions, dimensions)
	if err != nil {
		return nil, err
	}
	shape := shapes.Make(t.DType(), dimensions...)
	return newView(shape, desc.Strides(t.strides), t.offset, t.buffer, t.device)
}

// Reshape returns a view with new dimensions with the same total size. The tensor must be contiguous
// (in row-major order, possibly with an offset), otherwise use Contiguous first.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	shape := shapes.Make(t.DType(), dimensions...)
	if shape.Size() != t.Size() {
		return nil, errs.Shapef("can't reshape %s to dimensions %v", t.shape, dimensions)
	}
	if !slices.Equal(t.strides, t.shape.Strides()) {
		return nil, errs.Shapef("can't reshape non-contiguous tensor %s (strides=%v), use Contiguous first", t.shape, t.strides)
	}
	return newView(shape, shape.Strides(), t.offset, t.buffer, t.device)
}

// Contiguous returns the tensor itself if it is contiguous, or a contiguous copy otherwise.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	c := FromShape(t.shape)
	c.device = t.device
	pos := 0
	isFloat := t.DType().IsFloat()
	for indices := range t.shape.Iter() {
		src := t.Position(indices)
		if isFloat {
			c.buffer.SetFloat(pos, t.buffer.Float(src))
		} else {
			c.buffer.SetInt(pos, t.buffer.Int(src))
		}
		pos++
	}
	return c
}

func (t *Tensor) normalizeAxis(axis int) (int, error) {
	rank := t.Rank()
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errs.Shapef("axis %d out of bounds for shape %s", axis, t.shape)
	}
	return adjusted, nil
}
