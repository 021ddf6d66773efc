// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interpreter implements a backends.Backend that walks the ir.Program once per element of the
// iteration space. It supports every program, and it is used as the reference for the other backends.
//
// It registers itself as backends.KindInterpreter on import.
package interpreter

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorexpr/backends"
	"github.com/gomlx/tensorexpr/counters"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/pkg/errors"
)

// BackendName is the name of the backend.
const BackendName = "interpreter"

func init() {
	backends.Register(backends.KindInterpreter, New)
}

// Backend implements backends.Backend.
type Backend struct{}

var _ backends.Backend = (*Backend)(nil)

// New returns the interpreter backend.
func New() backends.Backend { return &Backend{} }

// Kind implements backends.Backend.
func (b *Backend) Kind() backends.Kind { return backends.KindInterpreter }

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "IR interpreter: evaluates the program once per element, always available"
}

// Available implements backends.Backend.
func (b *Backend) Available() bool { return true }

// Supports implements backends.Backend: all programs are supported.
func (b *Backend) Supports(*ir.Program) error { return nil }

// Executable is a program prepared for interpretation.
type Executable struct {
	backends.BaseExecutable

	// instructions are the live nodes, in evaluation order.
	instructions []ir.NodeID

	// registersPool holds *registers, reused across executions.
	registersPool sync.Pool

	// evalCounts is the number of times each node was evaluated, accumulated over all executions.
	evalCounts []atomic.Int64
}

var _ backends.Executable = (*Executable)(nil)

// registers hold the value of every node for the current point.
type registers struct {
	values []ir.Value
}

// Compile implements backends.Backend.
func (b *Backend) Compile(p *ir.Program, space *shapes.IterationSpace) (backends.Executable, error) {
	if p.SpaceRank != space.Rank() {
		return nil, errs.Compilef("program of space rank %d compiled for %s", p.SpaceRank, space)
	}
	e := &Executable{
		BaseExecutable: backends.NewBaseExecutable(backends.KindInterpreter, p, space),
		evalCounts:     make([]atomic.Int64, len(p.Nodes)),
	}
	p.Walk(func(id ir.NodeID, _ *ir.Node) {
		e.instructions = append(e.instructions, id)
	})
	numNodes := len(p.Nodes)
	e.registersPool.New = func() any {
		return &registers{values: make([]ir.Value, numNodes)}
	}
	counters.SimpleIREvalCreated.Inc()
	return e, nil
}

// EvalCounts returns how many times each node of the program was evaluated, over all executions.
// Nodes not used by the outputs are never evaluated.
func (e *Executable) EvalCounts() []int64 {
	counts := make([]int64, len(e.evalCounts))
	for ii := range counts {
		counts[ii] = e.evalCounts[ii].Load()
	}
	return counts
}

// Execute implements backends.Backend.
func (b *Backend) Execute(exec backends.Executable, inputs []*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	e, ok := exec.(*Executable)
	if !ok {
		return nil, errors.Errorf("interpreter backend can't execute executable of type %T", exec)
	}
	p, space := e.Program(), e.Space()
	if err = backends.CheckInputs(p, inputs); err != nil {
		return nil, err
	}
	counters.SimpleIREvalExecuted.Inc()
	outputs = backends.NewOutputs(p, space)
	err = exceptions.TryCatch[error](func() { e.run(inputs, outputs) })
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

func (e *Executable) run(inputs, outputs []*tensors.Tensor) {
	p, space := e.Program(), e.Space()
	indexers := make([]*backends.Indexer, len(p.Nodes))
	for _, id := range e.instructions {
		if node := p.Node(id); node.Op == ir.OpLoad {
			indexers[id] = backends.NewIndexer(node, inputs[node.Operand])
		}
	}
	regs := e.registersPool.Get().(*registers)
	defer e.registersPool.Put(regs)
	values := regs.values

	var numPoints int64
	defer func() {
		for _, id := range e.instructions {
			e.evalCounts[id].Add(numPoints)
		}
	}()

	outputDTypes := p.OutputDTypes()
	flatPos := 0
	for point := range shapes.IterDims(space.Dims) {
		for _, id := range e.instructions {
			node := p.Node(id)
			values[id] = e.eval(node, point, values, inputs, indexers[id])
		}
		numPoints++
		for ii, id := range p.Outputs {
			buf := outputs[ii].Buffer()
			if outputDTypes[ii].IsFloat() {
				buf.SetFloat(flatPos, values[id].F)
			} else {
				buf.SetInt(flatPos, values[id].I)
			}
		}
		flatPos++
	}
}

func (e *Executable) eval(node *ir.Node, point []int, values []ir.Value, inputs []*tensors.Tensor, ix *backends.Indexer) ir.Value {
	p := e.Program()
	switch {
	case node.Op == ir.OpLoad:
		buf := inputs[node.Operand].Buffer()
		pos := ix.Position(point)
		if node.DType.IsFloat() {
			return ir.FloatValue(buf.Float(pos))
		}
		return ir.IntValue(buf.Int(pos))
	case node.Op == ir.OpAxisIndex:
		a := node.Access[0]
		return ir.IntValue(int64(point[a.SpaceAxis] + a.Offset))
	case node.Op == ir.OpConstant:
		return node.Value
	case node.Op == ir.OpCast:
		x := node.Inputs[0]
		return ir.CastValue(p.Node(x).DType, node.DType, values[x])
	case node.Op.IsUnary():
		return ir.EvalUnary(node.Op, node.DType, values[node.Inputs[0]])
	case node.Op.IsBinary():
		x, y := node.Inputs[0], node.Inputs[1]
		return ir.EvalBinary(node.Op, p.Node(x).DType, values[x], values[y])
	case node.Op == ir.OpSelect:
		return ir.EvalSelect(values[node.Inputs[0]], values[node.Inputs[1]], values[node.Inputs[2]])
	}
	exceptions.Panicf("interpreter: op %s not implemented", node.Op)
	return ir.Value{}
}
