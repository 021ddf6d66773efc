// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/counters"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend returns zero-filled outputs and counts its calls.
type fakeBackend struct {
	kind                    Kind
	available               bool
	supportsErr, compileErr error
	compiles, executes      atomic.Int32
}

func (b *fakeBackend) Kind() Kind          { return b.kind }
func (b *fakeBackend) Name() string        { return "fake-" + b.kind.String() }
func (b *fakeBackend) Description() string { return "fake backend for tests" }
func (b *fakeBackend) Available() bool     { return b.available }
func (b *fakeBackend) Supports(*ir.Program) error {
	return b.supportsErr
}

func (b *fakeBackend) Compile(p *ir.Program, space *shapes.IterationSpace) (Executable, error) {
	b.compiles.Add(1)
	if b.compileErr != nil {
		return nil, b.compileErr
	}
	e := NewBaseExecutable(b.kind, p, space)
	return &e, nil
}

func (b *fakeBackend) Execute(e Executable, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	b.executes.Add(1)
	if err := CheckInputs(e.Program(), inputs); err != nil {
		return nil, err
	}
	return NewOutputs(e.Program(), e.Space()), nil
}

func registerFakes(t *testing.T, fakes ...*fakeBackend) {
	t.Helper()
	for _, fake := range fakes {
		Register(fake.kind, func() Backend { return fake })
	}
}

// negProgram returns -x over x:Float32[dims...].
func negProgram(dims ...int) *ir.Program {
	b := ir.NewBuilder(len(dims))
	x := b.AddOperand(dtypes.Float32, dims)
	access := make([]ir.Access, len(dims))
	for axis := range access {
		access[axis].SpaceAxis = axis
	}
	return b.Build(b.Unary(ir.OpNeg, b.Load(x, access)))
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindNative, must.M1(ParseKind(" Native ")))
	assert.Equal(t, "accelerator", KindAccelerator.String())
	_, err := ParseKind("gpu")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrBackendUnavailable))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, []Kind{KindNative, KindInterpreter}, must.M1(ParsePriority("native,,interpreter")))
	_, err := ParsePriority("native,cuda")
	require.Error(t, err)
	_, err = ParsePriority(" , ")
	require.Error(t, err)

	t.Setenv(TEXPR_BACKEND, "interpreter")
	assert.Equal(t, []Kind{KindInterpreter}, must.M1(DefaultPriority()))
	t.Setenv(TEXPR_BACKEND, "")
	assert.Equal(t, []Kind{KindAccelerator, KindNative, KindInterpreter}, must.M1(DefaultPriority()))
	t.Setenv(TEXPR_BACKEND, "tpu")
	_, err = DefaultPriority()
	require.Error(t, err)
	require.Error(t, NewSelector().err)
}

func TestCache(t *testing.T) {
	p := negProgram(3)
	space := shapes.NewIterationSpace([]int{3}, []int{3})
	fake := &fakeBackend{kind: KindInterpreter, available: true}
	key := CacheKey{Signature: p.Signature(), RankPattern: space.RankPattern(), Kind: KindInterpreter}
	compile := func() (Executable, error) { return fake.Compile(p, space) }

	t.Run("Concurrent", func(t *testing.T) {
		cache := NewCache(0)
		misses := must.M1(counters.NewDelta("kernel_cache_misses"))
		const numCalls = 32
		var wg sync.WaitGroup
		var numHits atomic.Int32
		execs := make([]Executable, numCalls)
		for ii := range numCalls {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e, hit, err := cache.GetOrCompile(key, compile)
				assert.NoError(t, err)
				execs[ii] = e
				if hit {
					numHits.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), fake.compiles.Load())
		assert.Equal(t, int32(numCalls-1), numHits.Load())
		assert.Equal(t, int64(1), misses.Elapsed())
		for _, e := range execs {
			assert.Same(t, execs[0], e)
		}
	})

	t.Run("FailuresAreCached", func(t *testing.T) {
		cache := NewCache(0)
		var numCompiles int
		failing := func() (Executable, error) {
			numCompiles++
			return nil, errs.Compilef("not supported")
		}
		for range 3 {
			_, _, err := cache.GetOrCompile(key, failing)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrCompile))
		}
		assert.Equal(t, 1, numCompiles)

		_, hit, err := cache.GetOrCompile(CacheKey{Signature: "panics"}, func() (Executable, error) {
			panic("boom")
		})
		require.Error(t, err)
		assert.False(t, hit)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("Eviction", func(t *testing.T) {
		cache := NewCache(2)
		var numCompiles int
		counting := func() (Executable, error) {
			numCompiles++
			return fake.Compile(p, space)
		}
		for _, sig := range []string{"a", "b", "c", "a"} {
			_, _, err := cache.GetOrCompile(CacheKey{Signature: sig}, counting)
			require.NoError(t, err)
		}
		assert.Equal(t, 4, numCompiles, "\"a\" should have been evicted when \"c\" was inserted")
		assert.Equal(t, 2, cache.Len())
		cache.SetMaxSize(1)
		assert.Equal(t, 1, cache.Len())
	})
}

func TestSelector(t *testing.T) {
	interpreter := &fakeBackend{kind: KindInterpreter, available: true}
	native := &fakeBackend{kind: KindNative, available: true}
	accelerator := &fakeBackend{kind: KindAccelerator, available: true}
	registerFakes(t, interpreter, native, accelerator)

	p := negProgram(2, 3)
	space := shapes.NewIterationSpace([]int{2, 3}, []int{2, 3})
	input := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3))
	s := NewSelector().SetPriority(KindAccelerator, KindNative, KindInterpreter)

	kindsOf := func(candidates []Backend) (kinds []Kind) {
		for _, c := range candidates {
			kinds = append(kinds, c.Kind())
		}
		return
	}

	// Accelerator only if some input resides there.
	candidates := must.M1(s.Candidates(space, []*tensors.Tensor{input}))
	assert.Equal(t, []Kind{KindNative, KindInterpreter}, kindsOf(candidates))
	candidates = must.M1(s.Candidates(space, []*tensors.Tensor{input.OnDevice(tensors.Accelerator)}))
	assert.Equal(t, []Kind{KindAccelerator, KindNative, KindInterpreter}, kindsOf(candidates))

	// Native only for large enough spaces.
	s.SetNativeMinSize(7)
	candidates = must.M1(s.Candidates(space, []*tensors.Tensor{input}))
	assert.Equal(t, []Kind{KindInterpreter}, kindsOf(candidates))
	s.SetNativeMinSize(1)

	// Unavailable backends are skipped.
	native.available = false
	candidates = must.M1(s.Candidates(space, []*tensors.Tensor{input}))
	assert.Equal(t, []Kind{KindInterpreter}, kindsOf(candidates))
	native.available = true

	// The interpreter closes any priority list.
	candidates = must.M1(NewSelector().SetPriority(KindAccelerator).Candidates(space, []*tensors.Tensor{input}))
	assert.Equal(t, []Kind{KindInterpreter}, kindsOf(candidates))
	candidates = must.M1(NewSelector().SetPriority(KindNative).Candidates(space, []*tensors.Tensor{input}))
	assert.Equal(t, []Kind{KindNative, KindInterpreter}, kindsOf(candidates))
	emptySpace := shapes.NewIterationSpace([]int{0}, []int{0})
	candidates = must.M1(NewSelector().SetPriority(KindNative).Candidates(emptySpace, []*tensors.Tensor{input}))
	assert.Equal(t, []Kind{KindInterpreter}, kindsOf(candidates), "native is skipped for empty spaces")
	_, kind, err := NewSelector().SetPriority(KindAccelerator).Execute(NewCache(0), p, p.Signature(), space, []*tensors.Tensor{input})
	require.NoError(t, err)
	assert.Equal(t, KindInterpreter, kind)

	// Execution goes through the cache.
	cache := NewCache(0)
	outputs, kind, err := s.Execute(cache, p, p.Signature(), space, []*tensors.Tensor{input})
	require.NoError(t, err)
	assert.Equal(t, KindNative, kind)
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{2, 3}, outputs[0].Shape().Dimensions)
	_, _, err = s.Execute(cache, p, p.Signature(), space, []*tensors.Tensor{input})
	require.NoError(t, err)
	assert.Equal(t, int32(1), native.compiles.Load())
	assert.Equal(t, int32(2), native.executes.Load())

	// Compile errors fall back to the next backend.
	fallbacks := must.M1(counters.NewDelta("backend_fallbacks"))
	native.supportsErr = errs.Compilef("float16 not supported")
	_, kind, err = s.Execute(cache, p, p.Signature(), space, []*tensors.Tensor{input})
	require.NoError(t, err)
	assert.Equal(t, KindInterpreter, kind)
	assert.Equal(t, int64(1), fallbacks.Elapsed())
	native.supportsErr = nil

	// Other errors don't fall back.
	_, _, err = s.Execute(cache, p, p.Signature(), space, []*tensors.Tensor{input, input})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestIndexer(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, 3, 4)

	shifted := &ir.Node{Op: ir.OpLoad, Access: []ir.Access{{SpaceAxis: 0}, {SpaceAxis: 1, Offset: 1}}}
	ix := NewIndexer(shifted, x)
	assert.Equal(t, 6, ix.Position([]int{1, 1}))
	assert.Equal(t, 7, ix.Position([]int{1, 3}), "coordinates are clamped")

	positions := make([]int, 3)
	ix.Positions([][]int{{0, 1, 2}, {0, 1, 2}}, positions)
	assert.Equal(t, []int{1, 6, 11}, positions)

	// Broadcast row of a [1, 4] view starting at row 2.
	row := must.M1(x.Narrow(0, 2, 1))
	broadcast := &ir.Node{Op: ir.OpLoad, Access: []ir.Access{{SpaceAxis: ir.BroadcastAxis}, {SpaceAxis: 1}}}
	ix = NewIndexer(broadcast, row)
	ix.Positions([][]int{{0, 5, 9}, {0, 1, 3}}, positions)
	assert.Equal(t, []int{8, 9, 11}, positions)
}
