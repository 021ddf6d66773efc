// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"slices"
	"sync"

	"github.com/gomlx/tensorexpr/counters"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Selector picks the backend to run a program, following a priority list:
//
//   - accelerator: only if some input resides on the accelerator, and the backend is available.
//   - native: if available, and the iteration space has at least NativeMinSize elements.
//   - interpreter: always.
//
// Backends not registered or not available are skipped. A backend that can't compile the program
// (errs.ErrCompile) falls back to the next one. The interpreter is appended as the last resort when
// the priority list doesn't include it.
type Selector struct {
	priority      []Kind
	nativeMinSize int
	err           error
}

// NewSelector returns a selector configured by TEXPR_BACKEND, DefaultConfig and NativeMinSize.
// An invalid configuration is reported when the selector is used.
func NewSelector() *Selector {
	priority, err := DefaultPriority()
	return &Selector{priority: priority, nativeMinSize: NativeMinSize, err: err}
}

// SetPriority sets the backends to try, in order. It returns the selector, so calls can be chained.
//
// You should only change it before the selector is used by a Kernel. If changed during the execution
// the behavior is undefined.
func (s *Selector) SetPriority(kinds ...Kind) *Selector {
	s.priority = slices.Clone(kinds)
	s.err = nil
	if len(kinds) == 0 {
		s.err = errors.New("empty backend priority list")
	}
	return s
}

// Priority returns the backends tried, in order.
func (s *Selector) Priority() []Kind { return slices.Clone(s.priority) }

// SetNativeMinSize sets the minimum iteration space size for the native backend to be used.
//
// You should only change it before the selector is used by a Kernel. If changed during the execution
// the behavior is undefined.
func (s *Selector) SetNativeMinSize(size int) *Selector {
	s.nativeMinSize = size
	return s
}

var (
	loggedUnavailable          sync.Map
	logInterpreterFallbackOnce sync.Once
)

func logUnavailableOnce(kind Kind, reason string) {
	if _, loaded := loggedUnavailable.LoadOrStore(kind, true); !loaded {
		klog.Infof("backend %q skipped: %s", kind, reason)
	}
}

// Candidates returns the backends that can be used for the space and inputs, in order of priority.
// It returns an error of kind errs.ErrBackendUnavailable if there are none.
func (s *Selector) Candidates(space *shapes.IterationSpace, inputs []*tensors.Tensor) ([]Backend, error) {
	if s.err != nil {
		return nil, s.err
	}
	var candidates []Backend
	for _, kind := range s.priority {
		backend, err := Get(kind)
		if err != nil {
			logUnavailableOnce(kind, "not registered")
			continue
		}
		if !backend.Available() {
			logUnavailableOnce(kind, "not available")
			continue
		}
		switch kind {
		case KindAccelerator:
			if !slices.ContainsFunc(inputs, func(t *tensors.Tensor) bool { return t.Device() == tensors.Accelerator }) {
				continue
			}
		case KindNative:
			if space.Size() < s.nativeMinSize {
				continue
			}
		}
		candidates = append(candidates, backend)
	}
	if !slices.Contains(s.priority, KindInterpreter) {
		// The interpreter runs anything, so it always closes the list.
		if backend, err := Get(KindInterpreter); err == nil {
			if len(candidates) == 0 {
				logInterpreterFallbackOnce.Do(func() {
					klog.Infof("no backend of the priority list %v can be used, falling back to %q", s.priority, KindInterpreter)
				})
			}
			candidates = append(candidates, backend)
		}
	}
	if len(candidates) == 0 {
		return nil, errs.Unavailablef("no backend available to execute over %s (priority %v)", space, s.priority)
	}
	return candidates, nil
}

// Execute runs the program on the first candidate backend that can compile it, compiling it through cache.
// signature must be p.Signature(), it's passed to avoid recomputing it.
//
// It returns the outputs and the kind of the backend used.
func (s *Selector) Execute(cache *Cache, p *ir.Program, signature string, space *shapes.IterationSpace,
	inputs []*tensors.Tensor) ([]*tensors.Tensor, Kind, error) {
	candidates, err := s.Candidates(space, inputs)
	if err != nil {
		return nil, 0, err
	}
	for ii, backend := range candidates {
		isLast := ii == len(candidates)-1
		if err := backend.Supports(p); err != nil {
			if isLast {
				return nil, 0, err
			}
			fallback(backend, err)
			continue
		}
		key := CacheKey{Signature: signature, RankPattern: space.RankPattern(), Kind: backend.Kind()}
		exec, _, err := cache.GetOrCompile(key, func() (Executable, error) { return backend.Compile(p, space) })
		if err != nil {
			if errors.Is(err, errs.ErrCompile) && !isLast {
				fallback(backend, err)
				continue
			}
			return nil, 0, err
		}
		outputs, err := backend.Execute(exec, inputs)
		if err != nil {
			return nil, 0, err
		}
		return outputs, backend.Kind(), nil
	}
	// Not reached: the last candidate always returns.
	return nil, 0, errs.Unavailablef("no backend could execute the program")
}

func fallback(backend Backend, err error) {
	counters.BackendFallbacks.Inc()
	klog.Infof("backend %q can't run the program, falling back to the next backend: %v", backend.Kind(), err)
}
