// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build windows

package accelerator

import (
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/pkg/errors"
)

// device holds the WebGPU adapter, device and queue.
type device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// mu serializes submissions to the queue.
	mu sync.Mutex
}

// pipeline is a compiled shader.
type pipeline struct {
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

// openDevice requests a high-performance adapter and its device.
// It returns an error if the WebGPU native library or an adapter is not available.
func openDevice() (d *device, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = errs.Unavailablef("accelerator: WebGPU native library not available: %v", r)
		}
	}()
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, errors.WithMessage(errs.Unavailablef("accelerator: no WebGPU adapter"), err.Error())
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.WithMessage(errs.Unavailablef("accelerator: failed to request WebGPU device"), err.Error())
	}
	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, errs.Unavailablef("accelerator: failed to get WebGPU queue")
	}
	return &device{instance: instance, adapter: adapter, device: dev, queue: queue}, nil
}

// compile the shader into a compute pipeline, with the bind group layout inferred from the shader.
func (d *device) compile(s *Shader) (pl *pipeline, err error) {
	defer func() {
		if r := recover(); r != nil {
			pl = nil
			err = errs.Compilef("accelerator: failed to compile shader: %v", r)
		}
	}()
	shader := d.device.CreateShaderModuleWGSL(s.Code)
	return &pipeline{
		shader:   shader,
		pipeline: d.device.CreateComputePipelineSimple(nil, shader, "main"),
	}, nil
}

func (d *device) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(buffer.GetMappedRange(0, size)), size)
	copy(mapped, data)
	buffer.Unmap()
	return buffer
}

// run uploads the inputs, dispatches the shader and reads back the outputs, synchronously.
func (d *device) run(s *Shader, pl *pipeline, inputs [][]byte) (outputs [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = errors.Errorf("accelerator: execution failed: %v", r)
		}
	}()
	d.mu.Lock()
	defer d.mu.Unlock()

	var entries []wgpu.BindGroupEntry
	for ii, data := range inputs {
		buffer := d.createBuffer(data, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
		defer buffer.Release()
		entries = append(entries, wgpu.BufferBindingEntry(uint32(ii), buffer, 0, uint64(len(data))))
	}
	outputSize := bufferSize(s.Size)
	results := make([]*wgpu.Buffer, len(s.OutputDTypes))
	for ii := range results {
		results[ii] = d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
			Size:  outputSize,
		})
		defer results[ii].Release()
		entries = append(entries, wgpu.BufferBindingEntry(uint32(len(inputs)+ii), results[ii], 0, outputSize))
	}
	bindGroup := d.device.CreateBindGroupSimple(pl.pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pl.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(s.WorkgroupsX, s.WorkgroupsY, 1)
	pass.End()
	d.queue.Submit(encoder.Finish(nil))

	outputs = make([][]byte, len(results))
	for ii, result := range results {
		if outputs[ii], err = d.read(result, outputSize); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// read copies the buffer to a staging buffer, and maps it to read its contents.
func (d *device) read(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()
	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))
	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, errors.Wrap(err, "accelerator: failed to map staging buffer")
	}
	data := make([]byte, size)
	copy(data, unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size))
	staging.Unmap()
	return data, nil
}

func (pl *pipeline) release() {
	pl.pipeline.Release()
	pl.shader.Release()
}
