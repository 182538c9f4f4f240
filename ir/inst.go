package ir

// Inst is one instruction. Dest is NoValue for instructions without a
// result: stores and calls to void functions.
type Inst struct {
	Dest ValueID
	Kind InstKind
}

// InstKind is the closed set of instruction variants.
type InstKind interface {
	instKind()
}

// InstConst materializes a constant. Bits holds the value zero-extended to
// 64 bits; floats are stored as their IEEE bit pattern of the destination
// width.
type InstConst struct {
	Bits uint64
}

// InstParam reads a function parameter.
type InstParam struct {
	Index uint32
}

// InstLocalAddr yields the address of a private slot.
type InstLocalAddr struct {
	Local uint32
}

// InstGlobalAddr yields the address of a program-scope global.
type InstGlobalAddr struct {
	Global GlobalHandle
}

// BinaryOp is an arithmetic or bitwise operator. Signedness and float-ness
// come from the operand type.
type BinaryOp uint8

const (
	BinAdd BinaryOp = iota
	BinSub
	BinMul
	BinDiv
	BinRem
	BinAnd
	BinOr
	BinXor
	BinShl
	BinShr
)

var binaryNames = [...]string{"add", "sub", "mul", "div", "rem", "and", "or", "xor", "shl", "shr"}

func (op BinaryOp) String() string { return binaryNames[op] }

// InstBinary applies a binary operator to two operands of the same type.
type InstBinary struct {
	Op          BinaryOp
	Left, Right ValueID
}

// UnaryOp is a unary operator.
type UnaryOp uint8

const (
	UnaryNeg UnaryOp = iota
	UnaryNot
	UnaryLogicalNot
)

var unaryNames = [...]string{"neg", "not", "lnot"}

func (op UnaryOp) String() string { return unaryNames[op] }

// InstUnary applies a unary operator.
type InstUnary struct {
	Op      UnaryOp
	Operand ValueID
}

// CompareOp is a comparison. The result is a bool.
type CompareOp uint8

const (
	CmpEq CompareOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

var compareNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge"}

func (op CompareOp) String() string { return compareNames[op] }

// InstCompare compares two operands of the same type.
type InstCompare struct {
	Op          CompareOp
	Left, Right ValueID
}

// InstConvert converts Operand to the destination register type: integer
// resize, integer/float conversion, float resize, pointer casts and
// pointer/integer casts.
type InstConvert struct {
	Operand ValueID
}

// InstSelect picks Accept when Cond is true and Reject otherwise.
type InstSelect struct {
	Cond, Accept, Reject ValueID
}

// InstLoad reads the value Pointer refers to.
type InstLoad struct {
	Pointer ValueID
}

// InstStore writes Value through Pointer.
type InstStore struct {
	Pointer, Value ValueID
}

// InstOffset advances Base by Index elements of the pointee type.
type InstOffset struct {
	Base, Index ValueID
}

// InstCall calls a function.
type InstCall struct {
	Callee FunctionHandle
	Args   []ValueID
}

// PhiIncoming is one (predecessor, value) pair of a phi.
type PhiIncoming struct {
	Block BlockID
	Value ValueID
}

// InstPhi merges values at a control-flow join. Phis must lead their block.
type InstPhi struct {
	Incoming []PhiIncoming
}

// InstLaneSeq yields the lane numbers 0..Lanes-1 of its vector destination.
type InstLaneSeq struct{}

// InstExtractLane reads one lane of a vector register.
type InstExtractLane struct {
	Vector ValueID
	Lane   uint8
}

func (InstConst) instKind()       {}
func (InstParam) instKind()       {}
func (InstLocalAddr) instKind()   {}
func (InstGlobalAddr) instKind()  {}
func (InstBinary) instKind()      {}
func (InstUnary) instKind()       {}
func (InstCompare) instKind()     {}
func (InstConvert) instKind()     {}
func (InstSelect) instKind()      {}
func (InstLoad) instKind()        {}
func (InstStore) instKind()       {}
func (InstOffset) instKind()      {}
func (InstCall) instKind()        {}
func (InstPhi) instKind()         {}
func (InstLaneSeq) instKind()     {}
func (InstExtractLane) instKind() {}

// Terminator ends a block.
type Terminator interface {
	terminator()
}

// TermBranch jumps unconditionally.
type TermBranch struct {
	Target BlockID
}

// TermCondBranch jumps to Then when Cond is true and to Else otherwise.
type TermCondBranch struct {
	Cond       ValueID
	Then, Else BlockID
}

// TermReturn leaves the function. Value is NoValue for void functions.
type TermReturn struct {
	Value ValueID
}

// TermUnreachable marks a block control never reaches the end of.
type TermUnreachable struct{}

func (TermBranch) terminator()      {}
func (TermCondBranch) terminator()  {}
func (TermReturn) terminator()      {}
func (TermUnreachable) terminator() {}

// Operands returns the registers an instruction reads.
func Operands(k InstKind) []ValueID {
	switch k := k.(type) {
	case InstBinary:
		return []ValueID{k.Left, k.Right}
	case InstUnary:
		return []ValueID{k.Operand}
	case InstCompare:
		return []ValueID{k.Left, k.Right}
	case InstConvert:
		return []ValueID{k.Operand}
	case InstSelect:
		return []ValueID{k.Cond, k.Accept, k.Reject}
	case InstLoad:
		return []ValueID{k.Pointer}
	case InstStore:
		return []ValueID{k.Pointer, k.Value}
	case InstOffset:
		return []ValueID{k.Base, k.Index}
	case InstCall:
		return k.Args
	case InstPhi:
		out := make([]ValueID, len(k.Incoming))
		for i, in := range k.Incoming {
			out[i] = in.Value
		}
		return out
	case InstExtractLane:
		return []ValueID{k.Vector}
	default:
		return nil
	}
}

// MapOperands returns a copy of k with every operand replaced by f(operand).
func MapOperands(k InstKind, f func(ValueID) ValueID) InstKind {
	switch k := k.(type) {
	case InstBinary:
		return InstBinary{Op: k.Op, Left: f(k.Left), Right: f(k.Right)}
	case InstUnary:
		return InstUnary{Op: k.Op, Operand: f(k.Operand)}
	case InstCompare:
		return InstCompare{Op: k.Op, Left: f(k.Left), Right: f(k.Right)}
	case InstConvert:
		return InstConvert{Operand: f(k.Operand)}
	case InstSelect:
		return InstSelect{Cond: f(k.Cond), Accept: f(k.Accept), Reject: f(k.Reject)}
	case InstLoad:
		return InstLoad{Pointer: f(k.Pointer)}
	case InstStore:
		return InstStore{Pointer: f(k.Pointer), Value: f(k.Value)}
	case InstOffset:
		return InstOffset{Base: f(k.Base), Index: f(k.Index)}
	case InstCall:
		args := make([]ValueID, len(k.Args))
		for i, a := range k.Args {
			args[i] = f(a)
		}
		return InstCall{Callee: k.Callee, Args: args}
	case InstPhi:
		in := make([]PhiIncoming, len(k.Incoming))
		for i, p := range k.Incoming {
			in[i] = PhiIncoming{Block: p.Block, Value: f(p.Value)}
		}
		return InstPhi{Incoming: in}
	case InstExtractLane:
		return InstExtractLane{Vector: f(k.Vector), Lane: k.Lane}
	default:
		return k
	}
}

// Successors returns the blocks a terminator may jump to.
func Successors(t Terminator) []BlockID {
	switch t := t.(type) {
	case TermBranch:
		return []BlockID{t.Target}
	case TermCondBranch:
		if t.Then == t.Else {
			return []BlockID{t.Then}
		}
		return []BlockID{t.Then, t.Else}
	default:
		return nil
	}
}

// TermOperands returns the registers a terminator reads.
func TermOperands(t Terminator) []ValueID {
	switch t := t.(type) {
	case TermCondBranch:
		return []ValueID{t.Cond}
	case TermReturn:
		if t.Value != NoValue {
			return []ValueID{t.Value}
		}
	}
	return nil
}

// MapTerm returns a copy of t with operands passed through fv and targets
// through fb. Either function may be nil.
func MapTerm(t Terminator, fv func(ValueID) ValueID, fb func(BlockID) BlockID) Terminator {
	if fv == nil {
		fv = func(v ValueID) ValueID { return v }
	}
	if fb == nil {
		fb = func(b BlockID) BlockID { return b }
	}
	switch t := t.(type) {
	case TermBranch:
		return TermBranch{Target: fb(t.Target)}
	case TermCondBranch:
		return TermCondBranch{Cond: fv(t.Cond), Then: fb(t.Then), Else: fb(t.Else)}
	case TermReturn:
		if t.Value == NoValue {
			return t
		}
		return TermReturn{Value: fv(t.Value)}
	default:
		return t
	}
}

// HasSideEffects reports whether an instruction writes memory or may. Calls
// are side-effect free only when the callee is marked pure.
func (m *Module) HasSideEffects(k InstKind) bool {
	switch k := k.(type) {
	case InstStore:
		return true
	case InstCall:
		return !m.Functions[k.Callee].Attrs.Pure
	default:
		return false
	}
}
