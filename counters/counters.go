// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package counters holds process-wide diagnostic counters: backends count how many kernels they
// created and executed, the kernel cache counts its hits and misses.
//
// Counters only go up, they are never reset. Tests measure a Delta from a baseline instead.
package counters

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/pkg/errors"
)

// Counter is a named atomic counter. It is safe for concurrent use.
type Counter struct {
	name  string
	value atomic.Int64
}

// Name of the counter.
func (c *Counter) Name() string { return c.name }

// Inc increments the counter by one.
func (c *Counter) Inc() { c.value.Add(1) }

// Add n to the counter.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current value.
func (c *Counter) Value() int64 { return c.value.Load() }

var (
	muRegistry sync.RWMutex
	registry   = make(map[string]*Counter)
)

// New registers a new counter. It panics if a counter with the same name already exists.
func New(name string) *Counter {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registry[name]; found {
		panic(errors.Errorf("counter %q registered twice", name))
	}
	c := &Counter{name: name}
	registry[name] = c
	return c
}

// Counters used by the backends and the kernel cache.
var (
	CudaCodegenCreated   = New("cuda_codegen_created")
	CudaCodegenExecuted  = New("cuda_codegen_executed")
	LLVMCodegenCreated   = New("llvm_codegen_created")
	LLVMCodegenExecuted  = New("llvm_codegen_executed")
	SimpleIREvalCreated  = New("simple_ir_eval_created")
	SimpleIREvalExecuted = New("simple_ir_eval_executed")
	KernelCacheHits      = New("kernel_cache_hits")
	KernelCacheMisses    = New("kernel_cache_misses")
	BackendFallbacks     = New("backend_fallbacks")
)

// Lookup returns the counter with the given name, or an error of kind errs.ErrUnknownCounter.
func Lookup(name string) (*Counter, error) {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	c, found := registry[name]
	if !found {
		return nil, errs.UnknownCounterf("unknown counter %q (known counters: %v)", name, namesLocked())
	}
	return c, nil
}

// Get returns the current value of the named counter, or an error of kind errs.ErrUnknownCounter.
func Get(name string) (int64, error) {
	c, err := Lookup(name)
	if err != nil {
		return 0, err
	}
	return c.Value(), nil
}

// Names returns the sorted names of all registered counters.
func Names() []string {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	return slices.Sorted(maps.Keys(registry))
}

// Snapshot returns the current values of all counters.
func Snapshot() map[string]int64 {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	values := make(map[string]int64, len(registry))
	for name, c := range registry {
		values[name] = c.Value()
	}
	return values
}

// Delta measures the change of a counter since its creation.
type Delta struct {
	counter  *Counter
	baseline int64
}

// NewDelta records the current value of the named counter as a baseline.
func NewDelta(name string) (*Delta, error) {
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return &Delta{counter: c, baseline: c.Value()}, nil
}

// Elapsed returns how much the counter changed since the Delta was created.
func (d *Delta) Elapsed() int64 {
	return d.counter.Value() - d.baseline
}

// SnapshotDelta returns, for each counter that changed between the snapshots, the difference.
func SnapshotDelta(before, after map[string]int64) map[string]int64 {
	diff := make(map[string]int64)
	for name, value := range after {
		if d := value - before[name]; d != 0 {
			diff[name] = d
		}
	}
	return diff
}
