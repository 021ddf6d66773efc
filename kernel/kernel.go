// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel is the front door of tensorexpr: a Kernel wraps one captured computation graph, and
// executes it for concrete inputs.
//
// For each distinct list of input shapes, the graph is lowered once (see package lowering) into one
// program per group of outputs with the same dimensions. Each program is then executed by the backend
// picked by the backends.Selector, compiled through the process-wide backends.Cache.
//
// Example:
//
//	g := graph.New("addcmul")
//	x, y := g.Parameter("x"), g.Parameter("y")
//	g.SetOutputs(graph.AddCMul(x, x, y, graph.Float(0.5)))
//	k := kernel.New(g)
//	outputs, err := k.Run(tensors.FromValue([]float32{1, 2, 3}), tensors.FromValue([]float32{4, 5, 6}))
//
// Backends must be linked in, usually by importing "github.com/gomlx/tensorexpr/backends/default".
package kernel

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/backends"
	"github.com/gomlx/tensorexpr/graph"
	"github.com/gomlx/tensorexpr/lowering"
	"github.com/gomlx/tensorexpr/pkg/support/xsync"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// DefaultMaxCacheSize is the default number of distinct input shapes a Kernel is lowered for.
const DefaultMaxCacheSize = 32

// DefaultCacheSize is the number of compiled programs held by the process-wide Cache.
const DefaultCacheSize = 1024

// Cache of compiled programs shared by all kernels: kernels with structurally equal programs share
// the compiled executable.
var Cache = backends.NewCache(DefaultCacheSize)

// Kernel executes one computation graph. Run (and Lowered) are safe for concurrent use, the setters
// are meant to be called once, right after New.
type Kernel struct {
	g    *graph.Graph
	id   uuid.UUID
	name string
	opts []lowering.Option

	selector *backends.Selector
	cache    *backends.Cache

	mu           sync.Mutex
	maxCacheSize int
	lowered      map[string]*xsync.LatchWithValue[*lowered]
}

// lowered is the graph lowered for one list of input shapes.
type lowered struct {
	result     *lowering.Result
	signatures []string
	err        error
}

// New creates a Kernel for the graph. The options are passed to lowering.Lower.
//
// The graph is only validated on the first Run.
func New(g *graph.Graph, opts ...lowering.Option) *Kernel {
	k := &Kernel{
		g:            g,
		id:           uuid.New(),
		opts:         opts,
		selector:     backends.NewSelector(),
		cache:        Cache,
		maxCacheSize: DefaultMaxCacheSize,
		lowered:      make(map[string]*xsync.LatchWithValue[*lowered]),
	}
	k.name = fmt.Sprintf("Kernel:%s", g.Name())
	return k
}

// SetName sets the name of the Kernel, used in logs.
// It returns a reference to itself so calls can be cascaded.
//
// You should only call it before the first Run. If changed during the execution the behavior is undefined.
func (k *Kernel) SetName(name string) *Kernel {
	k.name = name
	return k
}

// Name of the Kernel.
func (k *Kernel) Name() string { return k.name }

// ID is a unique identifier of the Kernel, used in logs.
func (k *Kernel) ID() uuid.UUID { return k.id }

// Graph executed by the Kernel.
func (k *Kernel) Graph() *graph.Graph { return k.g }

// SetMaxCache sets the maximum number of distinct input shapes the Kernel is lowered for: once reached,
// Run returns an error for new input shapes. Set it to -1 to have unlimited cache size.
// It returns a reference to itself so calls can be cascaded.
func (k *Kernel) SetMaxCache(maxCacheSize int) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.maxCacheSize = maxCacheSize
	return k
}

// SetSelector sets the selector of backends used by the Kernel.
// It returns a reference to itself so calls can be cascaded.
//
// You should only call it before the first Run. If changed during the execution the behavior is undefined.
func (k *Kernel) SetSelector(selector *backends.Selector) *Kernel {
	k.selector = selector
	return k
}

// SetCache sets the cache of compiled programs used by the Kernel. By default, it is the process-wide Cache.
// It returns a reference to itself so calls can be cascaded.
//
// You should only call it before the first Run. If changed during the execution the behavior is undefined.
func (k *Kernel) SetCache(cache *backends.Cache) *Kernel {
	k.cache = cache
	return k
}

// Selector of backends used by the Kernel.
func (k *Kernel) Selector() *backends.Selector { return k.selector }

// Run executes the graph for the given arguments, one per graph parameter: *tensors.Tensor for tensor
// parameters (or any value accepted by tensors.FromAnyValue), Go numbers (or scalar tensors) for scalar
// parameters.
//
// It returns newly allocated tensors, one per graph output.
func (k *Kernel) Run(args ...any) ([]*tensors.Tensor, error) {
	outputs, _, err := k.RunWithBackends(args...)
	return outputs, err
}

// RunWithBackends is like Run, but it also returns the kinds of the backends used, one per group of outputs
// with the same dimensions.
func (k *Kernel) RunWithBackends(args ...any) ([]*tensors.Tensor, []backends.Kind, error) {
	inputs, loweringInputs, err := k.convertArgs(args)
	if err != nil {
		return nil, nil, err
	}
	entry, err := k.lower(loweringInputs)
	if err != nil {
		return nil, nil, err
	}
	result := entry.result
	operands := append(inputs, result.ExtraOperands...)
	outputs := make([]*tensors.Tensor, len(result.OutputShapes))
	kinds := make([]backends.Kind, len(result.Groups))
	for ii, group := range result.Groups {
		groupOutputs, kind, err := k.selector.Execute(k.cache, group.Program, entry.signatures[ii], group.Space, operands)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "%s: executing outputs %v", k.name, group.Outputs)
		}
		kinds[ii] = kind
		for jj, outputIdx := range group.Outputs {
			outputs[outputIdx] = groupOutputs[jj]
		}
	}
	return outputs, kinds, nil
}

// Lowered returns the programs the graph is lowered into, for the given arguments (see Run).
func (k *Kernel) Lowered(args ...any) (*lowering.Result, error) {
	_, loweringInputs, err := k.convertArgs(args)
	if err != nil {
		return nil, err
	}
	entry, err := k.lower(loweringInputs)
	if err != nil {
		return nil, err
	}
	return entry.result, nil
}

// lower returns the lowered graph for the inputs, lowering it on first use. Failures are cached as well.
func (k *Kernel) lower(inputs []lowering.Input) (*lowered, error) {
	key := inputsKey(inputs)
	k.mu.Lock()
	latch, found := k.lowered[key]
	if !found {
		if k.maxCacheSize >= 0 && len(k.lowered) >= k.maxCacheSize {
			k.mu.Unlock()
			return nil, errors.Errorf("%s: maximum cache size of %d reached for input shapes %s, see Kernel.SetMaxCache",
				k.name, k.maxCacheSize, key)
		}
		latch = xsync.NewLatchWithValue[*lowered]()
		k.lowered[key] = latch
	}
	k.mu.Unlock()
	if found {
		entry := latch.Wait()
		return entry, entry.err
	}

	entry := &lowered{}
	entry.result, entry.err = lowering.Lower(k.g, inputs, k.opts...)
	if entry.err == nil {
		for _, group := range entry.result.Groups {
			entry.signatures = append(entry.signatures, group.Program.Signature())
		}
		if klog.V(1).Enabled() {
			for ii, group := range entry.result.Groups {
				klog.Infof("%s (%s): lowered for %s, outputs %v: %d nodes over %s elements",
					k.name, k.id, key, group.Outputs, len(group.Program.Nodes),
					humanize.Comma(int64(group.Space.Size())))
				klog.V(2).Infof("%s: program #%d:\n%s", k.name, ii, group.Program)
			}
		}
	} else {
		entry.err = errors.WithMessagef(entry.err, "%s", k.name)
	}
	latch.Trigger(entry)
	return entry, entry.err
}

func inputsKey(inputs []lowering.Input) string {
	parts := make([]string, len(inputs))
	for ii, in := range inputs {
		parts[ii] = in.Shape.String()
		if in.IsScalar {
			parts[ii] = "scalar:" + parts[ii]
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// convertArgs converts the arguments to tensors, and describes them for the lowering.
func (k *Kernel) convertArgs(args []any) ([]*tensors.Tensor, []lowering.Input, error) {
	params := k.g.Parameters()
	if len(args) != len(params) {
		return nil, nil, errs.Graphf("%s: graph takes %d arguments, %d were given", k.name, len(params), len(args))
	}
	inputs := make([]*tensors.Tensor, len(args))
	loweringInputs := make([]lowering.Input, len(args))
	for ii, arg := range args {
		scalarDType := params[ii].Attributes().ScalarDType
		var t *tensors.Tensor
		var err error
		if scalarDType != dtypes.InvalidDType {
			t, err = scalarTensor(scalarDType, arg)
		} else {
			t, err = tensors.TryFromAnyValue(arg)
		}
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "%s: argument #%d (%q)", k.name, ii, params[ii].Attributes().Name)
		}
		if !t.Ok() {
			return nil, nil, errors.Errorf("%s: argument #%d (%q) is an invalid tensor", k.name, ii, params[ii].Attributes().Name)
		}
		inputs[ii] = t
		loweringInputs[ii] = lowering.Input{Shape: t.Shape(), IsScalar: scalarDType != dtypes.InvalidDType}
	}
	return inputs, loweringInputs, nil
}

// scalarTensor converts a Go number (or a scalar tensor) bound to a scalar parameter to a tensor of the given dtype.
// Floats can't be bound to integer parameters.
func scalarTensor(dtype dtypes.DType, arg any) (*tensors.Tensor, error) {
	var f float64
	var i int64
	isFloat := false
	switch v := arg.(type) {
	case *tensors.Tensor:
		if v == nil || !v.IsScalar() {
			return nil, errs.Shapef("scalar parameter given a tensor that is not a scalar: %v", v)
		}
		isFloat = v.DType().IsFloat()
		f, i = v.Buffer().Float(v.Offset()), v.Buffer().Int(v.Offset())
	case float64:
		f, isFloat = v, true
	case float32:
		f, isFloat = float64(v), true
	case int:
		i = int64(v)
	case int64:
		i = v
	case int32:
		i = int64(v)
	case bool:
		if v {
			i = 1
		}
	default:
		return nil, errs.Typef("scalar parameter given value of unsupported type %T", arg)
	}
	if !isFloat {
		f = float64(i)
	}
	switch dtype {
	case dtypes.Float64:
		return tensors.FromScalar(f), nil
	case dtypes.Float32:
		return tensors.FromScalar(float32(f)), nil
	case dtypes.Float16:
		return tensors.FromScalar(float16.Fromfloat32(float32(f))), nil
	}
	if isFloat {
		return nil, errs.Typef("integer scalar parameter of dtype %s given the float %g", dtype, f)
	}
	switch dtype {
	case dtypes.Int64:
		return tensors.FromScalar(i), nil
	case dtypes.Int32:
		return tensors.FromScalar(int32(i)), nil
	case dtypes.Bool:
		return tensors.FromScalar(i != 0), nil
	}
	return nil, errs.Typef("scalar parameter of unsupported dtype %s", dtype)
}
