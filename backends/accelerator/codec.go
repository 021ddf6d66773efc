// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accelerator

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/types/tensors"
)

// encode returns the contents of the tensor as stored in the device: 4 bytes little-endian per element,
// in row-major order. Booleans are stored as u32 0 or 1.
//
// WebGPU doesn't bind empty buffers, so the result has at least one element.
func encode(t *tensors.Tensor) []byte {
	t = t.Contiguous()
	size := t.Size()
	data := make([]byte, max(size, 1)*elementSize)
	buf, offset := t.Buffer(), t.Offset()
	isFloat := t.DType().IsFloat()
	for ii := range size {
		var bits uint32
		if isFloat {
			bits = math.Float32bits(float32(buf.Float(offset + ii)))
		} else {
			bits = uint32(int32(buf.Int(offset + ii)))
		}
		binary.LittleEndian.PutUint32(data[ii*elementSize:], bits)
	}
	return data
}

// decode the data read from the device into the contiguous tensor t.
func decode(data []byte, t *tensors.Tensor) {
	buf := t.Buffer()
	dtype := t.DType()
	for ii := range t.Size() {
		bits := binary.LittleEndian.Uint32(data[ii*elementSize:])
		switch dtype {
		case dtypes.Float32:
			buf.SetFloat(ii, float64(math.Float32frombits(bits)))
		case dtypes.Bool:
			buf.SetInt(ii, int64(bits&1))
		default:
			buf.SetInt(ii, int64(int32(bits)))
		}
	}
}

// bufferSize returns the size in bytes of the device buffer for n elements.
func bufferSize(n int) uint64 {
	return uint64(max(n, 1) * elementSize)
}
