package ir

import "strconv"

// Module is a compiled program: the unit produced by the source compiler and
// transformed by every later stage.
type Module struct {
	Name       string
	Triple     string
	DataLayout string

	Types       []Type
	Globals     []GlobalVariable
	Functions   []Function
	Annotations []Annotation
}

// TypeHandle indexes Module.Types.
type TypeHandle uint32

// GlobalHandle indexes Module.Globals.
type GlobalHandle uint32

// FunctionHandle indexes Module.Functions.
type FunctionHandle uint32

// ValueID indexes Function.Values.
type ValueID uint32

// BlockID indexes Function.Blocks.
type BlockID uint32

// NoValue marks an instruction without a result and a void return.
const NoValue ValueID = ^ValueID(0)

// Type is an entry in the module type table.
type Type struct {
	Name  string
	Inner TypeInner
}

// TypeInner is the closed set of type variants.
type TypeInner interface {
	typeInner()
}

// VoidType is the result type of functions that return nothing.
type VoidType struct{}

// ScalarKind is the numeric class of a scalar.
type ScalarKind uint8

const (
	ScalarSint ScalarKind = iota
	ScalarUint
	ScalarFloat
	ScalarBool
)

func (k ScalarKind) String() string {
	switch k {
	case ScalarSint:
		return "i"
	case ScalarUint:
		return "u"
	case ScalarFloat:
		return "f"
	default:
		return "bool"
	}
}

// ScalarType is an integer, float or boolean of Width bytes. Booleans have
// width 1.
type ScalarType struct {
	Kind  ScalarKind
	Width uint8
}

// PointerType points at a value of type Base in address space Space.
type PointerType struct {
	Base  TypeHandle
	Space AddressSpace
}

// ArrayType is a fixed-length array.
type ArrayType struct {
	Base   TypeHandle
	Length uint32
}

// ImageDim is the dimensionality of an image argument.
type ImageDim uint8

const (
	Dim2D ImageDim = iota + 2
	Dim3D
)

// ImageType is an opaque image kernel argument.
type ImageType struct {
	Dim ImageDim
}

// SamplerType is an opaque sampler kernel argument.
type SamplerType struct{}

func (VoidType) typeInner()    {}
func (ScalarType) typeInner()  {}
func (PointerType) typeInner() {}
func (ArrayType) typeInner()   {}
func (ImageType) typeInner()   {}
func (SamplerType) typeInner() {}

// AddressSpace is the memory region a pointer refers to. The numbering
// matches the conventional compute-kernel address space map.
type AddressSpace uint8

const (
	SpacePrivate  AddressSpace = 0
	SpaceGlobal   AddressSpace = 1
	SpaceConstant AddressSpace = 2
	SpaceLocal    AddressSpace = 3
)

func (s AddressSpace) String() string {
	switch s {
	case SpacePrivate:
		return "private"
	case SpaceGlobal:
		return "global"
	case SpaceConstant:
		return "constant"
	case SpaceLocal:
		return "local"
	default:
		return "space(" + strconv.Itoa(int(s)) + ")"
	}
}

// GlobalVariable is a program-scope variable.
type GlobalVariable struct {
	Name  string
	Space AddressSpace
	// Type is the type of the variable itself, not of its address.
	Type TypeHandle
	// Init holds the little-endian initializer bytes. Nil means zero.
	Init []byte
}

// FunctionKind distinguishes the roles a function can play.
type FunctionKind uint8

const (
	FuncHelper FunctionKind = iota
	FuncKernel
	FuncWorkGroup
)

func (k FunctionKind) String() string {
	switch k {
	case FuncKernel:
		return "kernel"
	case FuncWorkGroup:
		return "workgroup"
	default:
		return "helper"
	}
}

// Function is a definition when it has blocks and a declaration otherwise.
// Block 0 is the entry block.
type Function struct {
	Name   string
	Kind   FunctionKind
	Params []Param
	Result TypeHandle
	Locals []LocalVariable
	Values []Value
	Blocks []Block
	Attrs  FunctionAttrs
}

// Param is a formal parameter.
type Param struct {
	Name string
	Type TypeHandle
}

// LocalVariable is a private slot owned by one activation of the function.
type LocalVariable struct {
	Name string
	Type TypeHandle
}

// Value describes a register. Lanes greater than one marks a vector register
// holding one element per work-item lane.
type Value struct {
	Type  TypeHandle
	Lanes uint8
	Name  string
}

// Width returns the lane count, treating zero as one.
func (v Value) Width() int {
	if v.Lanes == 0 {
		return 1
	}
	return int(v.Lanes)
}

// FunctionAttrs carries properties relevant to the work-group generator.
type FunctionAttrs struct {
	// Pure functions have no side effects. They may read memory.
	Pure bool
	// Convergent functions must be reached by all work-items together.
	Convergent bool
}

// Block is a basic block.
type Block struct {
	Label string
	Insts []Inst
	Term  Terminator
}

// Annotation is a named metadata tuple.
type Annotation struct {
	Name     string
	Operands []MetadataOperand
}

// MetadataOperand is the closed set of annotation operand variants.
type MetadataOperand interface {
	metadataOperand()
}

// MDFunction refers to a function.
type MDFunction struct{ Function FunctionHandle }

// MDInt is an integer operand.
type MDInt struct{ Value int64 }

// MDString is a string operand.
type MDString struct{ Value string }

func (MDFunction) metadataOperand() {}
func (MDInt) metadataOperand()      {}
func (MDString) metadataOperand()   {}

// AnnotationReqdWorkGroupSize records a kernel's required work-group size as
// (function, x, y, z).
const AnnotationReqdWorkGroupSize = "kernel.reqd_work_group_size"

// AnnotationWorkGroup describes a generated work-group function as
// (function, args, automatic locals, capacity, x, y, z). The sizes are zero
// when the function reads the local size from its context at run time.
const AnnotationWorkGroup = "kernel.work_group"

// IsDeclaration reports whether the function has no body.
func (f *Function) IsDeclaration() bool {
	return len(f.Blocks) == 0
}

// NewValue appends a scalar register of type t.
func (f *Function) NewValue(t TypeHandle, name string) ValueID {
	f.Values = append(f.Values, Value{Type: t, Lanes: 1, Name: name})
	return ValueID(len(f.Values) - 1)
}

// NewBlock appends an empty block.
func (f *Function) NewBlock(label string) BlockID {
	f.Blocks = append(f.Blocks, Block{Label: label})
	return BlockID(len(f.Blocks) - 1)
}

// NewLocal appends a private slot and returns its index.
func (f *Function) NewLocal(name string, t TypeHandle) uint32 {
	f.Locals = append(f.Locals, LocalVariable{Name: name, Type: t})
	return uint32(len(f.Locals) - 1)
}

// Append adds an instruction to block b and returns its destination.
func (f *Function) Append(b BlockID, dest ValueID, kind InstKind) ValueID {
	f.Blocks[b].Insts = append(f.Blocks[b].Insts, Inst{Dest: dest, Kind: kind})
	return dest
}

// FunctionByName returns the handle of the named function.
func (m *Module) FunctionByName(name string) (FunctionHandle, bool) {
	for i := range m.Functions {
		if m.Functions[i].Name == name {
			return FunctionHandle(i), true
		}
	}
	return 0, false
}

// GlobalByName returns the handle of the named global.
func (m *Module) GlobalByName(name string) (GlobalHandle, bool) {
	for i := range m.Globals {
		if m.Globals[i].Name == name {
			return GlobalHandle(i), true
		}
	}
	return 0, false
}

// AddFunction appends fn and returns its handle.
func (m *Module) AddFunction(fn Function) FunctionHandle {
	m.Functions = append(m.Functions, fn)
	return FunctionHandle(len(m.Functions) - 1)
}

// Scalar returns the scalar type behind t.
func (m *Module) Scalar(t TypeHandle) (ScalarType, bool) {
	s, ok := m.Types[t].Inner.(ScalarType)
	return s, ok
}

// Pointer returns the pointer type behind t.
func (m *Module) Pointer(t TypeHandle) (PointerType, bool) {
	p, ok := m.Types[t].Inner.(PointerType)
	return p, ok
}

// IsVoid reports whether t is the void type.
func (m *Module) IsVoid(t TypeHandle) bool {
	_, ok := m.Types[t].Inner.(VoidType)
	return ok
}
