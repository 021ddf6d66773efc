// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface implemented by the compilers/executors of ir.Program, the registry
// of the available backends, the Selector that picks one for a call and the kernel Cache.
//
// Backends register themselves during initialization (see Register). To include all the backends, import:
//
//	import _ "github.com/gomlx/tensorexpr/backends/default"
package backends

import (
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
)

// Kind of backend.
type Kind int

const (
	// KindInterpreter walks the IR for every element. Always available.
	KindInterpreter Kind = iota

	// KindNative compiles the IR into a native (Go closures) program, evaluated in blocks, in parallel.
	KindNative

	// KindAccelerator compiles the IR into a GPU compute shader.
	KindAccelerator

	numKinds
)

var kindNames = [...]string{
	KindInterpreter: "interpreter",
	KindNative:      "native",
	KindAccelerator: "accelerator",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "invalid"
	}
	return kindNames[k]
}

// ParseKind converts a name (as returned by Kind.String) to a Kind.
func ParseKind(name string) (Kind, error) {
	idx := slices.Index(kindNames[:], strings.ToLower(strings.TrimSpace(name)))
	if idx < 0 {
		return 0, errs.Unavailablef("unknown backend %q, valid backends are %v", name, kindNames)
	}
	return Kind(idx), nil
}

// Executable is a program compiled by a Backend, for one iteration space.
type Executable interface {
	// Kind of the backend that compiled it.
	Kind() Kind

	// Program compiled.
	Program() *ir.Program

	// Space the program iterates over.
	Space() *shapes.IterationSpace
}

// Backend compiles and executes ir.Program.
//
// Implementations must be safe for concurrent use: one Executable may be executed concurrently.
type Backend interface {
	// Kind of the backend.
	Kind() Kind

	// Name returns the short name of the backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Available returns whether the backend can be used in this process (e.g.: a device is present).
	Available() bool

	// Supports returns nil if the program can be compiled by the backend, or an error of kind errs.ErrCompile
	// describing what is not supported.
	Supports(p *ir.Program) error

	// Compile the program for the iteration space. Errors of kind errs.ErrCompile mean the program is not
	// supported, and another backend should be tried.
	Compile(p *ir.Program, space *shapes.IterationSpace) (Executable, error)

	// Execute the compiled program on the inputs (one per operand of the program). It returns newly allocated
	// contiguous tensors, one per program output, with the dimensions of the iteration space.
	Execute(e Executable, inputs []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// Constructor creates a Backend. It's called at most once per registered Kind.
type Constructor func() Backend

type registration struct {
	constructor Constructor
	once        sync.Once
	backend     Backend
}

var (
	muRegistry sync.Mutex
	registry   = make(map[Kind]*registration)
)

// Register the constructor of a backend of the given kind. The backend is only constructed when first used.
//
// To be safe, call Register during initialization of a package.
func Register(kind Kind, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[kind] = &registration{constructor: constructor}
}

// Registered returns the kinds of the registered backends.
func Registered() []Kind {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	kinds := make([]Kind, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// Get returns the backend of the given kind, constructing it on first use.
// It returns an error of kind errs.ErrBackendUnavailable if no backend of the kind was registered.
func Get(kind Kind) (Backend, error) {
	muRegistry.Lock()
	r, found := registry[kind]
	muRegistry.Unlock()
	if !found {
		return nil, errs.Unavailablef("backend %q not registered, maybe import "+
			"_ \"github.com/gomlx/tensorexpr/backends/default\"?", kind)
	}
	r.once.Do(func() { r.backend = r.constructor() })
	return r.backend, nil
}
