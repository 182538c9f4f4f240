package ir

import "math"

// Builder appends instructions to a function of a module. The function is
// addressed by handle so that adding functions to the module while building
// does not invalidate the builder.
type Builder struct {
	Module *Module
	Types  *TypeRegistry
	Fn     FunctionHandle
	Block  BlockID
}

// NewBuilder returns a builder positioned at the entry block of fn, creating
// the entry block when the function has none.
func NewBuilder(m *Module, types *TypeRegistry, fn FunctionHandle) *Builder {
	b := &Builder{Module: m, Types: types, Fn: fn}
	if len(m.Functions[fn].Blocks) == 0 {
		b.Block = b.Func().NewBlock("entry")
	}
	return b
}

// Func returns the function being built.
func (b *Builder) Func() *Function {
	return &b.Module.Functions[b.Fn]
}

// NewBlock creates a block without moving the insertion point.
func (b *Builder) NewBlock(label string) BlockID {
	return b.Func().NewBlock(label)
}

// SetBlock moves the insertion point to the end of block id.
func (b *Builder) SetBlock(id BlockID) {
	b.Block = id
}

// Terminated reports whether the current block already has a terminator.
func (b *Builder) Terminated() bool {
	return b.Func().Blocks[b.Block].Term != nil
}

// Emit appends an instruction producing a new register of type t.
func (b *Builder) Emit(t TypeHandle, kind InstKind) ValueID {
	fn := b.Func()
	id := fn.NewValue(t, "")
	fn.Append(b.Block, id, kind)
	return id
}

// EmitVoid appends an instruction without a result.
func (b *Builder) EmitVoid(kind InstKind) {
	b.Func().Append(b.Block, NoValue, kind)
}

// Const materializes an integer or boolean constant.
func (b *Builder) Const(t TypeHandle, bits uint64) ValueID {
	if s, ok := b.Module.Scalar(t); ok && s.Width < 8 {
		bits &= 1<<(uint(s.Width)*8) - 1
	}
	return b.Emit(t, InstConst{Bits: bits})
}

// ConstFloat materializes a float constant of type t.
func (b *Builder) ConstFloat(t TypeHandle, v float64) ValueID {
	s, _ := b.Module.Scalar(t)
	if s.Width == 4 {
		return b.Emit(t, InstConst{Bits: uint64(math.Float32bits(float32(v)))})
	}
	return b.Emit(t, InstConst{Bits: math.Float64bits(v)})
}

// Load reads through ptr, producing a value of the pointee type.
func (b *Builder) Load(ptr ValueID) ValueID {
	p, _ := b.Module.Pointer(b.Func().Values[ptr].Type)
	return b.Emit(p.Base, InstLoad{Pointer: ptr})
}

// Store writes val through ptr.
func (b *Builder) Store(ptr, val ValueID) {
	b.EmitVoid(InstStore{Pointer: ptr, Value: val})
}

// LocalAddr yields the address of private slot local.
func (b *Builder) LocalAddr(local uint32) ValueID {
	t := b.Func().Locals[local].Type
	return b.Emit(b.Types.Pointer(t, SpacePrivate), InstLocalAddr{Local: local})
}

// Call emits a call. The result is NoValue for void callees.
func (b *Builder) Call(callee FunctionHandle, args ...ValueID) ValueID {
	result := b.Module.Functions[callee].Result
	if b.Module.IsVoid(result) {
		b.EmitVoid(InstCall{Callee: callee, Args: args})
		return NoValue
	}
	return b.Emit(result, InstCall{Callee: callee, Args: args})
}

// Branch terminates the current block with a jump.
func (b *Builder) Branch(target BlockID) {
	b.Func().Blocks[b.Block].Term = TermBranch{Target: target}
}

// CondBranch terminates the current block with a two-way branch.
func (b *Builder) CondBranch(cond ValueID, then, els BlockID) {
	b.Func().Blocks[b.Block].Term = TermCondBranch{Cond: cond, Then: then, Else: els}
}

// Return terminates the current block with a return.
func (b *Builder) Return(v ValueID) {
	b.Func().Blocks[b.Block].Term = TermReturn{Value: v}
}
