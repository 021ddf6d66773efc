// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Buffer is the flat storage of a tensor, shared by all the views derived from it.
//
// Its contents are never changed after the tensor that owns it is returned to the user. The
// accessors below convert elements to and from the two computation types used by the backends:
// float64 for floating point dtypes and int64 for integers and booleans (0 or 1).
type Buffer struct {
	dtype dtypes.DType

	// flat is one of []bool, []int32, []int64, []float16.Float16, []float32 or []float64.
	flat any
}

// NewBuffer allocates a zero-initialized buffer with the given number of elements.
func NewBuffer(dtype dtypes.DType, size int) *Buffer {
	b := &Buffer{dtype: dtype}
	switch dtype {
	case dtypes.Bool:
		b.flat = make([]bool, size)
	case dtypes.Int32:
		b.flat = make([]int32, size)
	case dtypes.Int64:
		b.flat = make([]int64, size)
	case dtypes.Float16:
		b.flat = make([]float16.Float16, size)
	case dtypes.Float32:
		b.flat = make([]float32, size)
	case dtypes.Float64:
		b.flat = make([]float64, size)
	default:
		exceptions.Panicf("tensors.NewBuffer: dtype %s not supported", dtype)
	}
	return b
}

// DType of the elements stored.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Flat returns the underlying flat slice (not a copy). It must not be modified.
func (b *Buffer) Flat() any { return b.flat }

// Len returns the number of elements in the buffer.
func (b *Buffer) Len() int {
	switch flat := b.flat.(type) {
	case []bool:
		return len(flat)
	case []int32:
		return len(flat)
	case []int64:
		return len(flat)
	case []float16.Float16:
		return len(flat)
	case []float32:
		return len(flat)
	case []float64:
		return len(flat)
	}
	return 0
}

// Float returns the element at position pos converted to float64.
func (b *Buffer) Float(pos int) float64 {
	switch flat := b.flat.(type) {
	case []bool:
		if flat[pos] {
			return 1
		}
		return 0
	case []int32:
		return float64(flat[pos])
	case []int64:
		return float64(flat[pos])
	case []float16.Float16:
		return float64(flat[pos].Float32())
	case []float32:
		return float64(flat[pos])
	case []float64:
		return flat[pos]
	}
	return 0
}

// Int returns the element at position pos converted to int64. Booleans are 0 or 1.
func (b *Buffer) Int(pos int) int64 {
	switch flat := b.flat.(type) {
	case []bool:
		if flat[pos] {
			return 1
		}
		return 0
	case []int32:
		return int64(flat[pos])
	case []int64:
		return flat[pos]
	case []float16.Float16:
		return int64(flat[pos].Float32())
	case []float32:
		return int64(flat[pos])
	case []float64:
		return int64(flat[pos])
	}
	return 0
}

// GatherFloats reads the elements at the given positions into dst, converted to float64.
func (b *Buffer) GatherFloats(positions []int, dst []float64) {
	switch flat := b.flat.(type) {
	case []float32:
		for ii, pos := range positions {
			dst[ii] = float64(flat[pos])
		}
	case []float64:
		for ii, pos := range positions {
			dst[ii] = flat[pos]
		}
	case []float16.Float16:
		for ii, pos := range positions {
			dst[ii] = float64(flat[pos].Float32())
		}
	default:
		for ii, pos := range positions {
			dst[ii] = b.Float(pos)
		}
	}
}

// GatherInts reads the elements at the given positions into dst, converted to int64.
func (b *Buffer) GatherInts(positions []int, dst []int64) {
	switch flat := b.flat.(type) {
	case []int32:
		for ii, pos := range positions {
			dst[ii] = int64(flat[pos])
		}
	case []int64:
		for ii, pos := range positions {
			dst[ii] = flat[pos]
		}
	default:
		for ii, pos := range positions {
			dst[ii] = b.Int(pos)
		}
	}
}

// SetFloat sets the element at position pos, converting from float64.
// For Float16 and Float32 the value is rounded to the nearest representable value.
func (b *Buffer) SetFloat(pos int, value float64) {
	switch flat := b.flat.(type) {
	case []bool:
		flat[pos] = value != 0
	case []int32:
		flat[pos] = int32(value)
	case []int64:
		flat[pos] = int64(value)
	case []float16.Float16:
		flat[pos] = float16.Fromfloat32(float32(value))
	case []float32:
		flat[pos] = float32(value)
	case []float64:
		flat[pos] = value
	}
}

// SetInt sets the element at position pos, converting from int64.
func (b *Buffer) SetInt(pos int, value int64) {
	switch flat := b.flat.(type) {
	case []bool:
		flat[pos] = value != 0
	case []int32:
		flat[pos] = int32(value)
	case []int64:
		flat[pos] = value
	case []float16.Float16:
		flat[pos] = float16.Fromfloat32(float32(value))
	case []float32:
		flat[pos] = float32(value)
	case []float64:
		flat[pos] = float64(value)
	}
}

// StoreFloats writes src starting at position start.
func (b *Buffer) StoreFloats(start int, src []float64) {
	switch flat := b.flat.(type) {
	case []float32:
		dst := flat[start : start+len(src)]
		for ii, v := range src {
			dst[ii] = float32(v)
		}
	case []float64:
		copy(flat[start:], src)
	default:
		for ii, v := range src {
			b.SetFloat(start+ii, v)
		}
	}
}

// StoreInts writes src starting at position start.
func (b *Buffer) StoreInts(start int, src []int64) {
	switch flat := b.flat.(type) {
	case []int32:
		dst := flat[start : start+len(src)]
		for ii, v := range src {
			dst[ii] = int32(v)
		}
	case []int64:
		copy(flat[start:], src)
	default:
		for ii, v := range src {
			b.SetInt(start+ii, v)
		}
	}
}
