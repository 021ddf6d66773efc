// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package accelerator implements a backends.Backend that compiles the ir.Program into a WGSL compute
// shader, executed with WebGPU: each invocation computes one element of the flattened iteration space,
// in workgroups of WorkgroupSize.
//
// Only Float32, Int32 and Bool programs are supported, other programs fail to compile with an error of kind
// errs.ErrCompile, so the selector falls back to the next backend.
//
// The device is opened on first use. Inputs are uploaded and outputs read back synchronously on every
// execution: tensors.Accelerator residency is only a flag used for the selection of the backend.
//
// It registers itself as backends.KindAccelerator on import.
package accelerator

import (
	"runtime"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorexpr/backends"
	"github.com/gomlx/tensorexpr/counters"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName is the name of the backend.
const BackendName = "accelerator"

func init() {
	backends.Register(backends.KindAccelerator, func() backends.Backend { return New() })
}

// Backend implements backends.Backend.
type Backend struct {
	openOnce sync.Once
	device   *device
	err      error
}

var _ backends.Backend = (*Backend)(nil)

// New returns the accelerator backend. The device is only opened when first needed.
func New() *Backend { return &Backend{} }

func (b *Backend) open() error {
	b.openOnce.Do(func() {
		b.device, b.err = openDevice()
		if b.err != nil {
			klog.V(1).Infof("accelerator backend not available: %v", b.err)
		}
	})
	return b.err
}

// Kind implements backends.Backend.
func (b *Backend) Kind() backends.Kind { return backends.KindAccelerator }

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "WGSL compute shaders executed with WebGPU"
}

// Available implements backends.Backend: it opens the device on first call.
func (b *Backend) Available() bool { return b.open() == nil }

// Supports implements backends.Backend.
func (b *Backend) Supports(p *ir.Program) error { return checkProgram(p) }

// Executable is a program compiled into a compute pipeline.
type Executable struct {
	backends.BaseExecutable
	shader   *Shader
	pipeline *pipeline
}

var _ backends.Executable = (*Executable)(nil)

// Shader returns the generated shader.
func (e *Executable) Shader() *Shader { return e.shader }

// Compile implements backends.Backend.
func (b *Backend) Compile(p *ir.Program, space *shapes.IterationSpace) (backends.Executable, error) {
	if err := b.open(); err != nil {
		return nil, err
	}
	shader, err := Generate(p, space)
	if err != nil {
		return nil, err
	}
	pl, err := b.device.compile(shader)
	if err != nil {
		return nil, err
	}
	counters.CudaCodegenCreated.Inc()
	klog.V(1).Infof("accelerator: compiled shader of %s for %s", humanize.Bytes(uint64(len(shader.Code))), space)
	e := &Executable{
		BaseExecutable: backends.NewBaseExecutable(backends.KindAccelerator, p, space),
		shader:         shader,
		pipeline:       pl,
	}
	runtime.AddCleanup(e, func(pl *pipeline) { pl.release() }, pl)
	return e, nil
}

// Execute implements backends.Backend. The outputs are flagged as residing in the accelerator.
func (b *Backend) Execute(exec backends.Executable, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	e, ok := exec.(*Executable)
	if !ok {
		return nil, errors.Errorf("accelerator backend can't execute executable of type %T", exec)
	}
	p, space := e.Program(), e.Space()
	if err := backends.CheckInputs(p, inputs); err != nil {
		return nil, err
	}
	counters.CudaCodegenExecuted.Inc()
	outputs := backends.NewOutputs(p, space)
	if space.Size() > 0 {
		data := make([][]byte, len(e.shader.Operands))
		for ii, operand := range e.shader.Operands {
			data[ii] = encode(inputs[operand])
		}
		results, err := b.device.run(e.shader, e.pipeline, data)
		if err != nil {
			return nil, err
		}
		for ii, result := range results {
			decode(result, outputs[ii])
		}
	}
	for ii, output := range outputs {
		outputs[ii] = output.OnDevice(tensors.Accelerator)
	}
	return outputs, nil
}
