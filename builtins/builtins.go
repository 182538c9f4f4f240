// Package builtins is the closed table of kernel-language builtin functions.
//
// Each builtin has a class that decides who provides it: the work-group
// generator rewrites work-item queries and barriers, the runtime evaluates
// native functions and atomics, and the support module supplies definitions
// for everything else. Overloads are distinguished by a mangled symbol such
// as _cl_sqrt_f32 or _cl_atomic_add_local_i32, which is the name the
// declaration carries in the IR.
package builtins

import (
	"sort"
	"strings"

	"github.com/gogpu/kernelc/ir"
)

// Class says which component provides a builtin.
type Class uint8

const (
	ClassWorkItem Class = iota
	ClassBarrier
	ClassNative
	ClassSupport
	ClassAtomic
)

// Shape is the signature pattern of a builtin, with T the element type.
type Shape uint8

const (
	ShapeQuery      Shape = iota // size_t f(uint dim)
	ShapeQuery0                  // uint f()
	ShapeFence                   // void f(uint flags)
	ShapeUnary                   // T f(T)
	ShapeBinary                  // T f(T, T)
	ShapeTernary                 // T f(T, T, T)
	ShapeAtomic1                 // T f(T *p)
	ShapeAtomic2                 // T f(T *p, T v)
	ShapeAtomic3                 // T f(T *p, T cmp, T v)
	ShapeVloadHalf               // float f(size_t offset, half *p)
	ShapeVstoreHalf              // void f(float v, size_t offset, half *p)
)

// TypeSet is the set of element types an overloaded builtin accepts.
type TypeSet uint8

const (
	TypesNone TypeSet = iota
	TypesFloat
	TypesInt
	TypesNumeric
	TypesAtomic
)

var (
	f32 = ir.ScalarType{Kind: ir.ScalarFloat, Width: 4}
	f64 = ir.ScalarType{Kind: ir.ScalarFloat, Width: 8}
	i32 = ir.ScalarType{Kind: ir.ScalarSint, Width: 4}
	u32 = ir.ScalarType{Kind: ir.ScalarUint, Width: 4}
	i64 = ir.ScalarType{Kind: ir.ScalarSint, Width: 8}
	u64 = ir.ScalarType{Kind: ir.ScalarUint, Width: 8}
)

// Elements returns the element types of the set.
func (s TypeSet) Elements() []ir.ScalarType {
	switch s {
	case TypesFloat:
		return []ir.ScalarType{f32, f64}
	case TypesInt:
		return []ir.ScalarType{i32, u32, i64, u64}
	case TypesNumeric:
		return []ir.ScalarType{i32, u32, i64, u64, f32, f64}
	case TypesAtomic:
		return []ir.ScalarType{i32, u32}
	default:
		return nil
	}
}

// Contains reports whether elem is in the set.
func (s TypeSet) Contains(elem ir.ScalarType) bool {
	for _, e := range s.Elements() {
		if e == elem {
			return true
		}
	}
	return false
}

// Builtin describes one overloaded builtin.
type Builtin struct {
	Name  string
	Class Class
	Shape Shape
	Types TypeSet
}

// Pure reports whether calls to the builtin have no side effects.
func (b *Builtin) Pure() bool {
	switch b.Class {
	case ClassBarrier, ClassAtomic:
		return false
	}
	return b.Shape != ShapeFence && b.Shape != ShapeVstoreHalf
}

// Pointer reports whether the signature takes a pointer, making the
// address space part of the overload.
func (b *Builtin) Pointer() bool {
	switch b.Shape {
	case ShapeAtomic1, ShapeAtomic2, ShapeAtomic3, ShapeVloadHalf, ShapeVstoreHalf:
		return true
	}
	return false
}

// Arity returns the number of source-level arguments.
func (b *Builtin) Arity() int {
	switch b.Shape {
	case ShapeQuery0:
		return 0
	case ShapeQuery, ShapeFence, ShapeUnary, ShapeAtomic1:
		return 1
	case ShapeBinary, ShapeAtomic2, ShapeVloadHalf:
		return 2
	default:
		return 3
	}
}

var table = []Builtin{
	{Name: "get_work_dim", Class: ClassWorkItem, Shape: ShapeQuery0},
	{Name: "get_global_size", Class: ClassWorkItem, Shape: ShapeQuery},
	{Name: "get_global_id", Class: ClassWorkItem, Shape: ShapeQuery},
	{Name: "get_local_size", Class: ClassWorkItem, Shape: ShapeQuery},
	{Name: "get_local_id", Class: ClassWorkItem, Shape: ShapeQuery},
	{Name: "get_num_groups", Class: ClassWorkItem, Shape: ShapeQuery},
	{Name: "get_group_id", Class: ClassWorkItem, Shape: ShapeQuery},
	{Name: "get_global_offset", Class: ClassWorkItem, Shape: ShapeQuery},

	{Name: "barrier", Class: ClassBarrier, Shape: ShapeFence},
	{Name: "mem_fence", Class: ClassNative, Shape: ShapeFence},
	{Name: "read_mem_fence", Class: ClassNative, Shape: ShapeFence},
	{Name: "write_mem_fence", Class: ClassNative, Shape: ShapeFence},

	{Name: "sqrt", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "cbrt", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "sin", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "cos", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "tan", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "asin", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "acos", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "atan", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "sinh", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "cosh", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "tanh", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "exp", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "exp2", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "log", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "log2", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "log10", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "fabs", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "floor", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "ceil", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "rint", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "round", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "trunc", Class: ClassNative, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "pow", Class: ClassNative, Shape: ShapeBinary, Types: TypesFloat},
	{Name: "fmod", Class: ClassNative, Shape: ShapeBinary, Types: TypesFloat},
	{Name: "atan2", Class: ClassNative, Shape: ShapeBinary, Types: TypesFloat},
	{Name: "fmin", Class: ClassNative, Shape: ShapeBinary, Types: TypesFloat},
	{Name: "fmax", Class: ClassNative, Shape: ShapeBinary, Types: TypesFloat},
	{Name: "copysign", Class: ClassNative, Shape: ShapeBinary, Types: TypesFloat},

	{Name: "rsqrt", Class: ClassSupport, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "exp10", Class: ClassSupport, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "degrees", Class: ClassSupport, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "radians", Class: ClassSupport, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "sign", Class: ClassSupport, Shape: ShapeUnary, Types: TypesFloat},
	{Name: "hypot", Class: ClassSupport, Shape: ShapeBinary, Types: TypesFloat},
	{Name: "step", Class: ClassSupport, Shape: ShapeBinary, Types: TypesFloat},
	{Name: "fdim", Class: ClassSupport, Shape: ShapeBinary, Types: TypesFloat},
	{Name: "mad", Class: ClassSupport, Shape: ShapeTernary, Types: TypesFloat},
	{Name: "fma", Class: ClassSupport, Shape: ShapeTernary, Types: TypesFloat},
	{Name: "mix", Class: ClassSupport, Shape: ShapeTernary, Types: TypesFloat},
	{Name: "smoothstep", Class: ClassSupport, Shape: ShapeTernary, Types: TypesFloat},
	{Name: "min", Class: ClassSupport, Shape: ShapeBinary, Types: TypesNumeric},
	{Name: "max", Class: ClassSupport, Shape: ShapeBinary, Types: TypesNumeric},
	{Name: "clamp", Class: ClassSupport, Shape: ShapeTernary, Types: TypesNumeric},
	{Name: "abs", Class: ClassSupport, Shape: ShapeUnary, Types: TypesInt},
	{Name: "mul24", Class: ClassSupport, Shape: ShapeBinary, Types: TypesInt},
	{Name: "mad24", Class: ClassSupport, Shape: ShapeTernary, Types: TypesInt},

	{Name: "atomic_add", Class: ClassAtomic, Shape: ShapeAtomic2, Types: TypesAtomic},
	{Name: "atomic_sub", Class: ClassAtomic, Shape: ShapeAtomic2, Types: TypesAtomic},
	{Name: "atomic_xchg", Class: ClassAtomic, Shape: ShapeAtomic2, Types: TypesAtomic},
	{Name: "atomic_min", Class: ClassAtomic, Shape: ShapeAtomic2, Types: TypesAtomic},
	{Name: "atomic_max", Class: ClassAtomic, Shape: ShapeAtomic2, Types: TypesAtomic},
	{Name: "atomic_and", Class: ClassAtomic, Shape: ShapeAtomic2, Types: TypesAtomic},
	{Name: "atomic_or", Class: ClassAtomic, Shape: ShapeAtomic2, Types: TypesAtomic},
	{Name: "atomic_xor", Class: ClassAtomic, Shape: ShapeAtomic2, Types: TypesAtomic},
	{Name: "atomic_inc", Class: ClassAtomic, Shape: ShapeAtomic1, Types: TypesAtomic},
	{Name: "atomic_dec", Class: ClassAtomic, Shape: ShapeAtomic1, Types: TypesAtomic},
	{Name: "atomic_cmpxchg", Class: ClassAtomic, Shape: ShapeAtomic3, Types: TypesAtomic},

	{Name: "vload_half", Class: ClassNative, Shape: ShapeVloadHalf},
	{Name: "vstore_half", Class: ClassNative, Shape: ShapeVstoreHalf},
}

// Instance is one overload of a builtin.
type Instance struct {
	*Builtin
	Elem  ir.ScalarType   // zero for builtins without a generic type
	Space ir.AddressSpace // pointer space for pointer shapes
}

var (
	byName   = map[string]*Builtin{}
	bySymbol = map[string]Instance{}
)

func init() {
	for i := range table {
		b := &table[i]
		byName[b.Name] = b
		elems := b.Types.Elements()
		if len(elems) == 0 {
			elems = []ir.ScalarType{{}}
		}
		spaces := []ir.AddressSpace{0}
		if b.Pointer() {
			spaces = []ir.AddressSpace{ir.SpaceGlobal, ir.SpaceLocal, ir.SpacePrivate, ir.SpaceConstant}
		}
		for _, e := range elems {
			for _, s := range spaces {
				inst := Instance{Builtin: b, Elem: e, Space: s}
				bySymbol[inst.Symbol()] = inst
			}
		}
	}
}

// Find returns the builtin with the given source name.
func Find(name string) (*Builtin, bool) {
	b, ok := byName[name]
	return b, ok
}

// Names returns the source names of all builtins, sorted.
func Names() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a mangled symbol.
func Lookup(symbol string) (Instance, bool) {
	inst, ok := bySymbol[symbol]
	return inst, ok
}

// IsSupport reports whether symbol names a builtin the support module must
// define.
func IsSupport(symbol string) bool {
	inst, ok := Lookup(symbol)
	return ok && inst.Class == ClassSupport
}

// Symbol returns the mangled name of the overload.
func (in Instance) Symbol() string {
	var sb strings.Builder
	sb.WriteString("_cl_")
	sb.WriteString(in.Name)
	if in.Pointer() {
		sb.WriteByte('_')
		sb.WriteString(in.Space.String())
	}
	if in.Elem != (ir.ScalarType{}) {
		sb.WriteByte('_')
		sb.WriteString(ir.ScalarName(in.Elem))
	}
	return sb.String()
}

// Declare returns the declaration of the overload in m, creating it when
// missing. sizeT is the target's size_t type.
func Declare(m *ir.Module, types *ir.TypeRegistry, in Instance, sizeT ir.ScalarType) ir.FunctionHandle {
	symbol := in.Symbol()
	if h, ok := m.FunctionByName(symbol); ok {
		return h
	}
	void := types.Void()
	uint32T := types.Scalar(ir.ScalarUint, 4)
	size := types.Scalar(sizeT.Kind, sizeT.Width)
	elem := void
	if in.Elem != (ir.ScalarType{}) {
		elem = types.Scalar(in.Elem.Kind, in.Elem.Width)
	}

	fn := ir.Function{Name: symbol, Attrs: ir.FunctionAttrs{Pure: in.Pure(), Convergent: in.Class == ClassBarrier}}
	param := func(name string, t ir.TypeHandle) {
		fn.Params = append(fn.Params, ir.Param{Name: name, Type: t})
	}
	switch in.Shape {
	case ShapeQuery:
		param("dim", uint32T)
		fn.Result = size
	case ShapeQuery0:
		fn.Result = uint32T
	case ShapeFence:
		param("flags", uint32T)
		fn.Result = void
	case ShapeUnary, ShapeBinary, ShapeTernary:
		for i := 0; i < in.Arity(); i++ {
			param(string(rune('a'+i)), elem)
		}
		fn.Result = elem
	case ShapeAtomic1, ShapeAtomic2, ShapeAtomic3:
		param("p", types.Pointer(elem, in.Space))
		for i := 1; i < in.Arity(); i++ {
			param(string(rune('a'+i-1)), elem)
		}
		fn.Result = elem
	case ShapeVloadHalf:
		half := types.Scalar(ir.ScalarFloat, 2)
		param("offset", size)
		param("p", types.Pointer(half, in.Space))
		fn.Result = types.Scalar(ir.ScalarFloat, 4)
	case ShapeVstoreHalf:
		half := types.Scalar(ir.ScalarFloat, 2)
		param("data", types.Scalar(ir.ScalarFloat, 4))
		param("offset", size)
		param("p", types.Pointer(half, in.Space))
		fn.Result = void
	}
	return m.AddFunction(fn)
}

// Helpers the work-group generator calls. The support module defines them.
const (
	HelperContextField = "_kc_ctx_field"
	HelperGroupBase    = "_kc_group_base"
	HelperGlobalSize   = "_kc_global_size"
	HelperSelectDim    = "_kc_select_dim"
)

// IsHelper reports whether symbol names a generator helper.
func IsHelper(symbol string) bool {
	return strings.HasPrefix(symbol, "_kc_")
}
