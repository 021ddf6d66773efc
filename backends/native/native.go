// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package native implements a backends.Backend that compiles the ir.Program into a list of Go closures,
// one per live node, each computing a column of values for a block of consecutive elements of the
// iteration space. Blocks are evaluated in parallel.
//
// It registers itself as backends.KindNative on import.
package native

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/backends"
	"github.com/gomlx/tensorexpr/counters"
	"github.com/gomlx/tensorexpr/internal/workerspool"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/pkg/errors"
)

// BackendName is the name of the backend.
const BackendName = "native"

func init() {
	backends.Register(backends.KindNative, func() backends.Backend { return New() })
}

// Backend implements backends.Backend.
type Backend struct {
	workers   *workerspool.Pool
	blockSize int
}

var _ backends.Backend = (*Backend)(nil)

// New returns a native backend using DefaultBlockSize and runtime.NumCPU() workers.
func New() *Backend {
	return &Backend{workers: workerspool.New(), blockSize: DefaultBlockSize}
}

// SetMaxParallelism sets the number of blocks evaluated in parallel. 0 disables parallelism and -1 makes it unlimited.
//
// You should only change the parallelism before any program is executed. If changed during the execution
// the behavior is undefined.
func (b *Backend) SetMaxParallelism(maxParallelism int) *Backend {
	b.workers.SetMaxParallelism(maxParallelism)
	return b
}

// SetBlockSize sets the number of elements per block, for programs compiled afterwards.
func (b *Backend) SetBlockSize(blockSize int) *Backend {
	b.blockSize = max(blockSize, 1)
	return b
}

// Kind implements backends.Backend.
func (b *Backend) Kind() backends.Kind { return backends.KindNative }

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "native closures evaluated in blocks of elements, in parallel"
}

// Available implements backends.Backend.
func (b *Backend) Available() bool { return true }

// Supports implements backends.Backend: all programs are supported.
func (b *Backend) Supports(*ir.Program) error { return nil }

// instruction computes the column of values of one node for the n elements of the current block.
type instruction func(s *blockState, n int)

// Executable is a program compiled to closures.
type Executable struct {
	backends.BaseExecutable
	backend      *Backend
	blockSize    int
	live         []ir.NodeID
	instructions []instruction

	// statesPool holds *blockState, reused across blocks and executions.
	statesPool sync.Pool
}

var _ backends.Executable = (*Executable)(nil)

// blockState is the scratch space to evaluate one block.
type blockState struct {
	// coords[axis][k] is the coordinate on axis of the k-th element of the block.
	coords    [][]int
	positions []int

	// Columns of values per node id: floats for float nodes, ints for the others (booleans are 0 or 1).
	floats [][]float64
	ints   [][]int64

	// Set per execution.
	inputs   []*tensors.Tensor
	indexers []*backends.Indexer
}

// Compile implements backends.Backend.
func (b *Backend) Compile(p *ir.Program, space *shapes.IterationSpace) (backends.Executable, error) {
	if p.SpaceRank != space.Rank() {
		return nil, errs.Compilef("program of space rank %d compiled for %s", p.SpaceRank, space)
	}
	e := &Executable{
		BaseExecutable: backends.NewBaseExecutable(backends.KindNative, p, space),
		backend:        b,
		blockSize:      min(b.blockSize, max(space.Size(), 1)),
	}
	err := exceptions.TryCatch[error](func() {
		p.Walk(func(id ir.NodeID, node *ir.Node) {
			e.live = append(e.live, id)
			e.instructions = append(e.instructions, compileNode(p, id, node))
		})
	})
	if err != nil {
		return nil, errs.Compilef("native backend can't compile program: %v", err)
	}
	e.statesPool.New = e.newBlockState
	counters.LLVMCodegenCreated.Inc()
	return e, nil
}

func (e *Executable) newBlockState() any {
	p := e.Program()
	s := &blockState{
		coords:    make([][]int, p.SpaceRank),
		positions: make([]int, e.blockSize),
		floats:    make([][]float64, len(p.Nodes)),
		ints:      make([][]int64, len(p.Nodes)),
	}
	for axis := range s.coords {
		s.coords[axis] = make([]int, e.blockSize)
	}
	for _, id := range e.live {
		if p.Node(id).DType.IsFloat() {
			s.floats[id] = make([]float64, e.blockSize)
		} else {
			s.ints[id] = make([]int64, e.blockSize)
		}
	}
	return s
}

// Execute implements backends.Backend.
func (b *Backend) Execute(exec backends.Executable, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	e, ok := exec.(*Executable)
	if !ok {
		return nil, errors.Errorf("native backend can't execute executable of type %T", exec)
	}
	p, space := e.Program(), e.Space()
	if err := backends.CheckInputs(p, inputs); err != nil {
		return nil, err
	}
	counters.LLVMCodegenExecuted.Inc()
	outputs := backends.NewOutputs(p, space)
	indexers := make([]*backends.Indexer, len(p.Nodes))
	for _, id := range e.live {
		if node := p.Node(id); node.Op == ir.OpLoad {
			indexers[id] = backends.NewIndexer(node, inputs[node.Operand])
		}
	}

	size := space.Size()
	numBlocks := (size + e.blockSize - 1) / e.blockSize
	err := e.backend.workers.ParallelFor(numBlocks, func(block int) {
		s := e.statesPool.Get().(*blockState)
		defer e.statesPool.Put(s)
		s.inputs, s.indexers = inputs, indexers
		start := block * e.blockSize
		n := min(e.blockSize, size-start)
		s.setCoords(space.Dims, start, n)
		for _, inst := range e.instructions {
			inst(s, n)
		}
		for ii, id := range p.Outputs {
			buf := outputs[ii].Buffer()
			if s.floats[id] != nil {
				buf.StoreFloats(start, s.floats[id][:n])
			} else {
				buf.StoreInts(start, s.ints[id][:n])
			}
		}
		s.inputs, s.indexers = nil, nil
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// setCoords fills the coordinates of the n elements starting at the row-major position start.
func (s *blockState) setCoords(dims []int, start, n int) {
	rank := len(dims)
	if rank == 0 {
		return
	}
	point := make([]int, rank)
	shapes.UnravelIndex(start, dims, point)
	for k := range n {
		for axis, c := range point {
			s.coords[axis][k] = c
		}
		for axis := rank - 1; axis >= 0; axis-- {
			point[axis]++
			if point[axis] < dims[axis] {
				break
			}
			point[axis] = 0
		}
	}
}

// compileNode returns the instruction that computes node. It panics for unknown ops.
func compileNode(p *ir.Program, id ir.NodeID, node *ir.Node) instruction {
	dtype := node.DType
	isFloat := dtype.IsFloat()
	switch {
	case node.Op == ir.OpLoad:
		return func(s *blockState, n int) {
			positions := s.positions[:n]
			s.indexers[id].Positions(s.coords, positions)
			buf := s.inputs[node.Operand].Buffer()
			if isFloat {
				buf.GatherFloats(positions, s.floats[id][:n])
			} else {
				buf.GatherInts(positions, s.ints[id][:n])
			}
		}

	case node.Op == ir.OpAxisIndex:
		access := node.Access[0]
		return func(s *blockState, n int) {
			dst, coords := s.ints[id][:n], s.coords[access.SpaceAxis][:n]
			for k, c := range coords {
				dst[k] = int64(c + access.Offset)
			}
		}

	case node.Op == ir.OpConstant:
		value := node.Value
		if isFloat {
			return func(s *blockState, n int) { fill(s.floats[id][:n], value.F) }
		}
		return func(s *blockState, n int) { fill(s.ints[id][:n], value.I) }

	case node.Op == ir.OpCast:
		return compileCast(p, id, node)

	case node.Op.IsUnary():
		x := node.Inputs[0]
		if isFloat {
			fn := ir.UnaryFloat(node.Op)
			return func(s *blockState, n int) {
				dst := s.floats[id][:n]
				for k, v := range s.floats[x][:n] {
					dst[k] = ir.RoundFloat(dtype, fn(v))
				}
			}
		}
		fn := ir.UnaryInt(node.Op)
		if fn == nil {
			exceptions.Panicf("op %s not defined for %s", node.Op, dtype)
		}
		return func(s *blockState, n int) {
			dst := s.ints[id][:n]
			for k, v := range s.ints[x][:n] {
				dst[k] = ir.WrapInt(dtype, fn(v))
			}
		}

	case node.Op.IsComparison():
		x, y := node.Inputs[0], node.Inputs[1]
		if p.Node(x).DType.IsFloat() {
			cmp := ir.Compare[float64](node.Op)
			return func(s *blockState, n int) {
				dst, ys := s.ints[id][:n], s.floats[y][:n]
				for k, v := range s.floats[x][:n] {
					dst[k] = boolToInt(cmp(v, ys[k]))
				}
			}
		}
		cmp := ir.Compare[int64](node.Op)
		return func(s *blockState, n int) {
			dst, ys := s.ints[id][:n], s.ints[y][:n]
			for k, v := range s.ints[x][:n] {
				dst[k] = boolToInt(cmp(v, ys[k]))
			}
		}

	case node.Op.IsBinary():
		x, y := node.Inputs[0], node.Inputs[1]
		if isFloat {
			fn := ir.BinaryFloat(node.Op)
			return func(s *blockState, n int) {
				dst, ys := s.floats[id][:n], s.floats[y][:n]
				for k, v := range s.floats[x][:n] {
					dst[k] = ir.RoundFloat(dtype, fn(v, ys[k]))
				}
			}
		}
		fn := ir.BinaryInt(node.Op)
		return func(s *blockState, n int) {
			dst, ys := s.ints[id][:n], s.ints[y][:n]
			for k, v := range s.ints[x][:n] {
				dst[k] = ir.WrapInt(dtype, fn(v, ys[k]))
			}
		}

	case node.Op == ir.OpSelect:
		cond, onTrue, onFalse := node.Inputs[0], node.Inputs[1], node.Inputs[2]
		if isFloat {
			return func(s *blockState, n int) {
				selectColumn(s.ints[cond][:n], s.floats[onTrue], s.floats[onFalse], s.floats[id][:n])
			}
		}
		return func(s *blockState, n int) {
			selectColumn(s.ints[cond][:n], s.ints[onTrue], s.ints[onFalse], s.ints[id][:n])
		}
	}
	exceptions.Panicf("op %s not supported", node.Op)
	return nil
}

func compileCast(p *ir.Program, id ir.NodeID, node *ir.Node) instruction {
	x := node.Inputs[0]
	from, to := p.Node(x).DType, node.DType
	switch {
	case from.IsFloat() && to.IsFloat():
		return func(s *blockState, n int) {
			dst := s.floats[id][:n]
			for k, v := range s.floats[x][:n] {
				dst[k] = ir.RoundFloat(to, v)
			}
		}
	case from.IsFloat():
		return func(s *blockState, n int) {
			dst := s.ints[id][:n]
			for k, v := range s.floats[x][:n] {
				dst[k] = ir.CastValue(from, to, ir.FloatValue(v)).I
			}
		}
	case to.IsFloat():
		return func(s *blockState, n int) {
			dst := s.floats[id][:n]
			for k, v := range s.ints[x][:n] {
				dst[k] = ir.RoundFloat(to, float64(v))
			}
		}
	case to == dtypes.Bool:
		return func(s *blockState, n int) {
			dst := s.ints[id][:n]
			for k, v := range s.ints[x][:n] {
				dst[k] = boolToInt(v != 0)
			}
		}
	default:
		return func(s *blockState, n int) {
			dst := s.ints[id][:n]
			for k, v := range s.ints[x][:n] {
				dst[k] = ir.WrapInt(to, v)
			}
		}
	}
}

func fill[T float64 | int64](dst []T, value T) {
	for k := range dst {
		dst[k] = value
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func selectColumn[T float64 | int64](cond []int64, onTrue, onFalse, dst []T) {
	for k, c := range cond {
		if c != 0 {
			dst[k] = onTrue[k]
		} else {
			dst[k] = onFalse[k]
		}
	}
}
