// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accelerator

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorexpr/ir"
	"github.com/gomlx/tensorexpr/types/errs"
	"github.com/gomlx/tensorexpr/types/shapes"
)

const (
	// WorkgroupSize is the number of invocations per workgroup: each invocation computes one element.
	WorkgroupSize = 256

	// MaxWorkgroupsPerDimension is the WebGPU default limit of workgroups dispatched per dimension.
	MaxWorkgroupsPerDimension = 65535

	// MaxStorageBuffers is the WebGPU default limit of storage buffers per shader stage.
	MaxStorageBuffers = 8

	// elementSize is the size in bytes of every element stored in the device: f32, i32 or u32 (for booleans).
	elementSize = 4
)

// Shader is the WGSL compute shader of a program, for one iteration space.
type Shader struct {
	// Code is the WGSL source, with entry point "main".
	Code string

	// Operands lists the program operands bound to bindings 0, 1, ..., in order.
	// Operands not read by the program are not bound.
	Operands []int

	// OutputDTypes of the outputs, bound after the operands.
	OutputDTypes []dtypes.DType

	// Size of the iteration space, that is, the number of invocations that do work.
	Size int

	// Workgroups to dispatch on the x and y dimensions.
	WorkgroupsX, WorkgroupsY uint32
}

// wgslType is the type used for computation in the shader.
func wgslType(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float32:
		return "f32"
	case dtypes.Int32, dtypes.Int64:
		return "i32"
	case dtypes.Bool:
		return "bool"
	}
	return "invalid"
}

// storageType is the type of the elements of the buffers in the device: booleans are not host-shareable.
func storageType(dtype dtypes.DType) string {
	if dtype == dtypes.Bool {
		return "u32"
	}
	return wgslType(dtype)
}

// checkProgram returns an error of kind errs.ErrCompile if the program can't be compiled to a shader.
//
// Only Float32, Int32 and Bool are supported. Int64 is only accepted for index computations (axis indices
// and constants that fit in 32 bits), which the lowering uses for concatenations. Integer division (and
// remainder) is not supported since the shader can't report division by zero.
func checkProgram(p *ir.Program) error {
	var err error
	indexOnly := make([]bool, len(p.Nodes))
	p.Walk(func(id ir.NodeID, node *ir.Node) {
		if err != nil {
			return
		}
		switch node.DType {
		case dtypes.Float32, dtypes.Int32, dtypes.Bool:
		case dtypes.Int64:
			if !isIndexNode(node, indexOnly) {
				err = errs.Compilef("accelerator: node %%%d (%s) of dtype Int64 not supported", id, node.Op)
				return
			}
			indexOnly[id] = true
		default:
			err = errs.Compilef("accelerator: dtype %s not supported", node.DType)
			return
		}
		switch node.Op {
		case ir.OpErf, ir.OpErfc, ir.OpLgamma:
			err = errs.Compilef("accelerator: op %s not supported", node.Op)
		case ir.OpDiv, ir.OpRemainder, ir.OpFmod, ir.OpPow:
			if !node.DType.IsFloat() {
				err = errs.Compilef("accelerator: integer op %s not supported", node.Op)
			}
		}
	})
	return err
}

// isIndexNode returns whether the Int64 node only depends on axis indices and small constants.
func isIndexNode(node *ir.Node, indexOnly []bool) bool {
	switch node.Op {
	case ir.OpAxisIndex:
		return true
	case ir.OpConstant:
		return node.Value.I >= math.MinInt32 && node.Value.I <= math.MaxInt32
	case ir.OpLoad, ir.OpCast:
		return false
	}
	for _, input := range node.Inputs {
		if !indexOnly[input] {
			return false
		}
	}
	return true
}

// Generate returns the shader computing the program over the iteration space.
// It returns an error of kind errs.ErrCompile if the program is not supported.
func Generate(p *ir.Program, space *shapes.IterationSpace) (*Shader, error) {
	if err := checkProgram(p); err != nil {
		return nil, err
	}
	if p.SpaceRank != space.Rank() {
		return nil, errs.Compilef("accelerator: program of space rank %d compiled for %s", p.SpaceRank, space)
	}
	size := space.Size()
	if size > math.MaxInt32 {
		return nil, errs.Compilef("accelerator: iteration space %s too large", space)
	}
	s := &Shader{Size: size, OutputDTypes: p.OutputDTypes()}
	used := make([]bool, len(p.Operands))
	p.Walk(func(_ ir.NodeID, node *ir.Node) {
		if node.Op == ir.OpLoad {
			used[node.Operand] = true
		}
	})
	for idx, isUsed := range used {
		if isUsed {
			s.Operands = append(s.Operands, idx)
		}
	}
	if numBuffers := len(s.Operands) + len(p.Outputs); numBuffers > MaxStorageBuffers {
		return nil, errs.Compilef("accelerator: program uses %d buffers, at most %d are supported", numBuffers, MaxStorageBuffers)
	}
	groups := (size + WorkgroupSize - 1) / WorkgroupSize
	s.WorkgroupsX = uint32(min(max(groups, 1), MaxWorkgroupsPerDimension))
	s.WorkgroupsY = uint32(max((groups+MaxWorkgroupsPerDimension-1)/MaxWorkgroupsPerDimension, 1))

	g := &generator{p: p, dims: space.Dims, shader: s}
	g.emit()
	s.Code = g.sb.String()
	return s, nil
}

type generator struct {
	p      *ir.Program
	dims   []int
	shader *Shader
	sb     strings.Builder
}

func (g *generator) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(&g.sb, format, args...)
}

const helpers = `fn tx_fmod(x: f32, y: f32) -> f32 {
  return x - y * trunc(x / y);
}

fn tx_remainder(x: f32, y: f32) -> f32 {
  let r = tx_fmod(x, y);
  return select(r, r + y, r != 0.0 && ((r < 0.0) != (y < 0.0)));
}

`

func (g *generator) emit() {
	for binding, operand := range g.shader.Operands {
		g.printf("@group(0) @binding(%d) var<storage, read> in%d: array<%s>;\n",
			binding, operand, storageType(g.p.Operands[operand].DType))
	}
	numInputs := len(g.shader.Operands)
	for ii, dtype := range g.shader.OutputDTypes {
		g.printf("@group(0) @binding(%d) var<storage, read_write> out%d: array<%s>;\n", numInputs+ii, ii, storageType(dtype))
	}
	g.printf("\n%s", helpers)
	g.printf("@compute @workgroup_size(%d)\n", WorkgroupSize)
	g.printf("fn main(@builtin(global_invocation_id) gid: vec3<u32>) {\n")
	g.printf("  let idx = gid.y * %du + gid.x;\n", g.shader.WorkgroupsX*WorkgroupSize)
	g.printf("  if (idx >= %du) {\n    return;\n  }\n", g.shader.Size)

	// Coordinates of the element in the iteration space.
	strides := shapes.ContiguousStrides(g.dims)
	for axis, dim := range g.dims {
		g.printf("  let c%d = i32((idx / %du) %% %du);\n", axis, strides[axis], dim)
	}

	g.p.Walk(func(id ir.NodeID, node *ir.Node) {
		g.printf("  let v%d: %s = %s;\n", id, wgslType(node.DType), g.expr(node))
	})
	for ii, id := range g.p.Outputs {
		value := fmt.Sprintf("v%d", id)
		if g.shader.OutputDTypes[ii] == dtypes.Bool {
			value = fmt.Sprintf("select(0u, 1u, %s)", value)
		}
		g.printf("  out%d[idx] = %s;\n", ii, value)
	}
	g.printf("}\n")
}

func (g *generator) expr(node *ir.Node) string {
	v := func(ii int) string { return fmt.Sprintf("v%d", node.Inputs[ii]) }
	isFloat := node.DType.IsFloat()
	switch {
	case node.Op == ir.OpLoad:
		return g.load(node)
	case node.Op == ir.OpAxisIndex:
		a := node.Access[0]
		return addOffset(fmt.Sprintf("c%d", a.SpaceAxis), a.Offset)
	case node.Op == ir.OpConstant:
		return literal(node.DType, node.Value)
	case node.Op == ir.OpCast:
		return g.cast(node)
	case node.Op.IsUnary():
		return unaryExpr(node.Op, isFloat, v(0))
	case node.Op.IsComparison():
		return fmt.Sprintf("(%s %s %s)", v(0), comparisonOperators[node.Op], v(1))
	case node.Op.IsBinary():
		return binaryExpr(node.Op, v(0), v(1))
	case node.Op == ir.OpSelect:
		return fmt.Sprintf("select(%s, %s, %s)", v(2), v(1), v(0))
	}
	return "invalid"
}

func addOffset(expr string, offset int) string {
	switch {
	case offset > 0:
		return fmt.Sprintf("(%s + %d)", expr, offset)
	case offset < 0:
		return fmt.Sprintf("(%s - %d)", expr, -offset)
	}
	return expr
}

// load reads the operand with the coordinates clamped to its dimensions. Operands are uploaded contiguous.
func (g *generator) load(node *ir.Node) string {
	op := g.p.Operands[node.Operand]
	strides := shapes.ContiguousStrides(op.Dims)
	var terms []string
	base := 0
	for axis, a := range node.Access {
		dim := op.Dims[axis]
		if a.SpaceAxis == ir.BroadcastAxis {
			base += max(min(a.Offset, dim-1), 0) * strides[axis]
			continue
		}
		if dim == 1 {
			continue
		}
		coord := fmt.Sprintf("clamp(%s, 0, %d)", addOffset(fmt.Sprintf("c%d", a.SpaceAxis), a.Offset), dim-1)
		if strides[axis] != 1 {
			coord = fmt.Sprintf("%s * %d", coord, strides[axis])
		}
		terms = append(terms, coord)
	}
	if base != 0 || len(terms) == 0 {
		terms = append(terms, strconv.Itoa(base))
	}
	value := fmt.Sprintf("in%d[u32(%s)]", node.Operand, strings.Join(terms, " + "))
	if op.DType == dtypes.Bool {
		return fmt.Sprintf("(%s != 0u)", value)
	}
	return value
}

func (g *generator) cast(node *ir.Node) string {
	x := fmt.Sprintf("v%d", node.Inputs[0])
	from, to := g.p.Node(node.Inputs[0]).DType, node.DType
	switch {
	case to == dtypes.Bool && from.IsFloat():
		return fmt.Sprintf("(%s != 0.0)", x)
	case to == dtypes.Bool:
		return fmt.Sprintf("(%s != 0)", x)
	case from == dtypes.Bool && to.IsFloat():
		return fmt.Sprintf("select(0.0, 1.0, %s)", x)
	case from == dtypes.Bool:
		return fmt.Sprintf("select(0, 1, %s)", x)
	}
	return fmt.Sprintf("%s(%s)", wgslType(to), x)
}

// literal formats a constant. Float literals that WGSL can't express (NaN, infinities) are bit casts.
func literal(dtype dtypes.DType, v ir.Value) string {
	switch {
	case dtype == dtypes.Bool:
		return strconv.FormatBool(v.I != 0)
	case dtype.IsFloat():
		f := float32(v.F)
		if math.IsNaN(v.F) || math.IsInf(v.F, 0) {
			return fmt.Sprintf("bitcast<f32>(%#08xu)", math.Float32bits(f))
		}
		return "(" + strconv.FormatFloat(float64(f), 'e', -1, 32) + "f)"
	case v.I == math.MinInt32:
		return "i32(-2147483647 - 1)"
	}
	return fmt.Sprintf("(%di)", v.I)
}

var comparisonOperators = map[ir.Op]string{
	ir.OpEq: "==",
	ir.OpNe: "!=",
	ir.OpGe: ">=",
	ir.OpGt: ">",
	ir.OpLe: "<=",
	ir.OpLt: "<",
}

var floatUnaryExprs = map[ir.Op]string{
	ir.OpNeg:        "(-%s)",
	ir.OpAbs:        "abs(%s)",
	ir.OpSqrt:       "sqrt(%s)",
	ir.OpRsqrt:      "inverseSqrt(%s)",
	ir.OpExp:        "exp(%s)",
	ir.OpExpm1:      "(exp(%s) - 1.0)",
	ir.OpLog:        "log(%s)",
	ir.OpLog2:       "log2(%s)",
	ir.OpLog10:      "(log(%s) * 0.4342944819032518)",
	ir.OpLog1p:      "log(1.0 + %s)",
	ir.OpSin:        "sin(%s)",
	ir.OpCos:        "cos(%s)",
	ir.OpTan:        "tan(%s)",
	ir.OpAsin:       "asin(%s)",
	ir.OpAcos:       "acos(%s)",
	ir.OpAtan:       "atan(%s)",
	ir.OpSinh:       "sinh(%s)",
	ir.OpCosh:       "cosh(%s)",
	ir.OpTanh:       "tanh(%s)",
	ir.OpSigmoid:    "(1.0 / (1.0 + exp(-%s)))",
	ir.OpFloor:      "floor(%s)",
	ir.OpCeil:       "ceil(%s)",
	ir.OpTrunc:      "trunc(%s)",
	ir.OpRound:      "round(%s)",
	ir.OpReciprocal: "(1.0 / %s)",
}

func unaryExpr(op ir.Op, isFloat bool, x string) string {
	switch op {
	case ir.OpFrac:
		return fmt.Sprintf("(%s - trunc(%s))", x, x)
	case ir.OpRelu:
		zero := "0"
		if isFloat {
			zero = "0.0"
		}
		return fmt.Sprintf("select(%s, %s, %s < %s)", x, zero, x, zero)
	}
	if !isFloat {
		switch op {
		case ir.OpNeg:
			return fmt.Sprintf("(-%s)", x)
		case ir.OpAbs:
			return fmt.Sprintf("abs(%s)", x)
		}
		// Floor, Ceil, Trunc and Round are the identity for integers.
		return x
	}
	return fmt.Sprintf(floatUnaryExprs[op], x)
}

func binaryExpr(op ir.Op, x, y string) string {
	switch op {
	case ir.OpAdd:
		return fmt.Sprintf("(%s + %s)", x, y)
	case ir.OpSub:
		return fmt.Sprintf("(%s - %s)", x, y)
	case ir.OpMul:
		return fmt.Sprintf("(%s * %s)", x, y)
	case ir.OpDiv:
		return fmt.Sprintf("(%s / %s)", x, y)
	case ir.OpRemainder:
		return fmt.Sprintf("tx_remainder(%s, %s)", x, y)
	case ir.OpFmod:
		return fmt.Sprintf("tx_fmod(%s, %s)", x, y)
	case ir.OpPow:
		return fmt.Sprintf("pow(%s, %s)", x, y)
	case ir.OpMin:
		return fmt.Sprintf("select(%s, %s, %s < %s)", y, x, x, y)
	case ir.OpMax:
		return fmt.Sprintf("select(%s, %s, %s > %s)", y, x, x, y)
	}
	return "invalid"
}
