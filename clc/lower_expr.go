package clc

import (
	"github.com/pkg/errors"

	"github.com/gogpu/kernelc/builtins"
	"github.com/gogpu/kernelc/ir"
)

var binaryOps = map[TokenKind]ir.BinaryOp{
	TokenPlus:           ir.BinAdd,
	TokenMinus:          ir.BinSub,
	TokenStar:           ir.BinMul,
	TokenSlash:          ir.BinDiv,
	TokenPercent:        ir.BinRem,
	TokenAmpersand:      ir.BinAnd,
	TokenPipe:           ir.BinOr,
	TokenCaret:          ir.BinXor,
	TokenLessLess:       ir.BinShl,
	TokenGreaterGreater: ir.BinShr,
}

var compareOps = map[TokenKind]ir.CompareOp{
	TokenEqualEqual:   ir.CmpEq,
	TokenBangEqual:    ir.CmpNe,
	TokenLess:         ir.CmpLt,
	TokenLessEqual:    ir.CmpLe,
	TokenGreater:      ir.CmpGt,
	TokenGreaterEqual: ir.CmpGe,
}

var compoundOps = map[TokenKind]TokenKind{
	TokenPlusEqual:           TokenPlus,
	TokenMinusEqual:          TokenMinus,
	TokenStarEqual:           TokenStar,
	TokenSlashEqual:          TokenSlash,
	TokenPercentEqual:        TokenPercent,
	TokenAmpEqual:            TokenAmpersand,
	TokenPipeEqual:           TokenPipe,
	TokenCaretEqual:          TokenCaret,
	TokenLessLessEqual:       TokenLessLess,
	TokenGreaterGreaterEqual: TokenGreaterGreater,
}

func isIntegerOnly(op TokenKind) bool {
	switch op {
	case TokenPercent, TokenAmpersand, TokenPipe, TokenCaret, TokenLessLess, TokenGreaterGreater:
		return true
	}
	return false
}

// expr lowers e as an rvalue.
func (l *Lowerer) expr(e Expr) (operand, error) {
	switch e := e.(type) {
	case *Literal:
		return l.literal(e)
	case *Ident:
		if l.lookup(e.Name) == nil {
			if _, isFn := l.functions[e.Name]; isFn {
				return operand{}, errorAt(e.Span, errors.Errorf("function %q used as a value", e.Name))
			}
		}
		pl, err := l.lvalue(e)
		if err != nil {
			return operand{}, err
		}
		return l.load(pl)
	case *IndexExpr:
		pl, err := l.lvalue(e)
		if err != nil {
			return operand{}, err
		}
		return l.load(pl)
	case *UnaryExpr:
		return l.unary(e)
	case *BinaryExpr:
		if e.Op == TokenAmpAmp || e.Op == TokenPipePipe {
			return l.logical(e)
		}
		left, err := l.expr(e.Left)
		if err != nil {
			return operand{}, err
		}
		right, err := l.expr(e.Right)
		if err != nil {
			return operand{}, err
		}
		v, err := l.binaryOp(e.Op, left, right)
		if err != nil {
			return operand{}, errorAt(e.Span, err)
		}
		return v, nil
	case *AssignExpr:
		return l.assign(e)
	case *IncDecExpr:
		return l.incDec(e)
	case *CondExpr:
		return l.conditional(e)
	case *CallExpr:
		v, err := l.call(e)
		if err != nil {
			return operand{}, errorAt(e.Span, err)
		}
		return v, nil
	case *CastExpr:
		return l.cast(e)
	case *SizeofExpr:
		t, err := l.resolveType(e.Type)
		if err != nil {
			return operand{}, errorAt(e.Span, err)
		}
		if isVoid(t) {
			return operand{}, errorAt(e.Span, errors.New("invalid application of sizeof to void"))
		}
		size := l.layout.AllocSize(l.module, l.irType(t))
		return operand{id: l.b.Const(l.irType(l.sizeType()), uint64(size)), t: l.sizeType()}, nil
	case *InitList:
		return operand{}, errorAt(e.Span, errors.New("initializer list used as an expression"))
	}
	return operand{}, errors.Errorf("unsupported expression %T", e)
}

// condition lowers e and converts it to bool.
func (l *Lowerer) condition(e Expr) (ir.ValueID, error) {
	v, err := l.expr(e)
	if err != nil {
		return ir.NoValue, err
	}
	c, err := l.toBool(v)
	if err != nil {
		return ir.NoValue, errorAt(e.Pos(), err)
	}
	return c, nil
}

func (l *Lowerer) toBool(v operand) (ir.ValueID, error) {
	if b, ok := v.t.(BasicType); ok && b.Name == "bool" {
		return v.id, nil
	}
	if !isArithmetic(v.t) && !isPointer(v.t) {
		return ir.NoValue, errors.Errorf("%s used where a scalar is required", typeString(v.t))
	}
	return l.b.Emit(l.types.Bool(), ir.InstCompare{Op: ir.CmpNe, Left: v.id, Right: l.zero(v.t)}), nil
}

func (l *Lowerer) literal(e *Literal) (operand, error) {
	switch e.Kind {
	case TokenIntLiteral:
		v, name, err := parseIntLiteral(e.Value)
		if err != nil {
			return operand{}, errorAt(e.Span, err)
		}
		t := BasicType{Name: name}
		return operand{id: l.b.Const(l.irType(t), v), t: t}, nil
	case TokenFloatLiteral:
		v, name, err := parseFloatLiteral(e.Value, l.opts.SinglePrecisionConstant)
		if err != nil {
			return operand{}, errorAt(e.Span, err)
		}
		t := BasicType{Name: name}
		return operand{id: l.b.ConstFloat(l.irType(t), v), t: t}, nil
	case TokenCharLiteral:
		v, err := parseCharLiteral(e.Value)
		if err != nil {
			return operand{}, errorAt(e.Span, err)
		}
		return operand{id: l.b.Const(l.irType(typeInt), uint64(v)), t: typeInt}, nil
	case TokenTrue, TokenFalse:
		var bits uint64
		if e.Kind == TokenTrue {
			bits = 1
		}
		return operand{id: l.b.Const(l.types.Bool(), bits), t: typeBool}, nil
	}
	return operand{}, errorAt(e.Span, errors.Errorf("unexpected literal %q", e.Value))
}

// lvalue lowers e to the address of the object it designates.
func (l *Lowerer) lvalue(e Expr) (place, error) {
	switch e := e.(type) {
	case *Ident:
		v := l.lookup(e.Name)
		if v == nil {
			return place{}, errorAt(e.Span, errors.Errorf("use of undeclared identifier %q", e.Name))
		}
		v.used = true
		if v.isGlobal {
			ptr := l.types.Pointer(l.irType(v.t), v.space)
			return place{addr: l.b.Emit(ptr, ir.InstGlobalAddr{Global: v.global}), t: v.t, space: v.space}, nil
		}
		return place{addr: l.b.LocalAddr(v.local), t: v.t, space: ir.SpacePrivate}, nil
	case *UnaryExpr:
		if e.Op != TokenStar {
			break
		}
		ptr, err := l.expr(e.Operand)
		if err != nil {
			return place{}, err
		}
		pt, ok := ptr.t.(PointerTo)
		if !ok {
			return place{}, errorAt(e.Span, errors.Errorf("indirection requires a pointer operand (%s invalid)", typeString(ptr.t)))
		}
		if isVoid(pt.Elem) {
			return place{}, errorAt(e.Span, errors.New("dereferencing a void pointer"))
		}
		return place{addr: ptr.id, t: pt.Elem, space: pt.Space}, nil
	case *IndexExpr:
		base, err := l.expr(e.Expr)
		if err != nil {
			return place{}, err
		}
		index, err := l.expr(e.Index)
		if err != nil {
			return place{}, err
		}
		pt, ok := base.t.(PointerTo)
		if !ok {
			return place{}, errorAt(e.Span, errors.New("subscripted value is not an array or pointer"))
		}
		if !isInteger(index.t) {
			return place{}, errorAt(e.Span, errors.New("array subscript is not an integer"))
		}
		if isVoid(pt.Elem) {
			return place{}, errorAt(e.Span, errors.New("subscript of a void pointer"))
		}
		idx := l.convert(index, l.ptrdiffType())
		addr := l.b.Emit(l.irType(base.t), ir.InstOffset{Base: base.id, Index: idx.id})
		return place{addr: addr, t: pt.Elem, space: pt.Space}, nil
	}
	return place{}, errorAt(e.Pos(), errors.New("expression is not assignable"))
}

// load reads the object at pl. Arrays decay to a pointer to their first
// element.
func (l *Lowerer) load(pl place) (operand, error) {
	if _, isArr := pl.t.(ArrayOf); isArr {
		return l.decay(pl), nil
	}
	if isHalf(pl.t) {
		return operand{}, errors.New("half values can only be accessed with vload_half and vstore_half")
	}
	return operand{id: l.b.Load(pl.addr), t: pl.t}, nil
}

func (l *Lowerer) decay(pl place) operand {
	arr := pl.t.(ArrayOf)
	t := PointerTo{Elem: arr.Elem, Space: pl.space}
	return operand{id: l.b.Emit(l.irType(t), ir.InstConvert{Operand: pl.addr}), t: t}
}

// store writes v into pl after an assignment conversion.
func (l *Lowerer) store(pl place, v operand) (operand, error) {
	if _, isArr := pl.t.(ArrayOf); isArr {
		return operand{}, errors.New("array type is not assignable")
	}
	if pl.space == ir.SpaceConstant {
		return operand{}, errors.New("cannot assign to __constant memory")
	}
	if isHalf(pl.t) {
		return operand{}, errors.New("half values can only be accessed with vload_half and vstore_half")
	}
	v, err := l.assignConvert(v, pl.t)
	if err != nil {
		return operand{}, err
	}
	l.b.Store(pl.addr, v.id)
	return v, nil
}

// zero materializes the zero value of t.
func (l *Lowerer) zero(t CType) ir.ValueID {
	if isFloat(t) {
		return l.b.ConstFloat(l.irType(t), 0)
	}
	return l.b.Const(l.irType(t), 0)
}

func (l *Lowerer) one(t CType) ir.ValueID {
	if isFloat(t) {
		return l.b.ConstFloat(l.irType(t), 1)
	}
	return l.b.Const(l.irType(t), 1)
}

// convert performs an implicit or explicit conversion already known to be
// valid.
func (l *Lowerer) convert(v operand, to CType) operand {
	if sameType(v.t, to) {
		return v
	}
	if b, ok := to.(BasicType); ok && b.Name == "bool" {
		c, _ := l.toBool(v)
		return operand{id: c, t: typeBool}
	}
	return operand{id: l.b.Emit(l.irType(to), ir.InstConvert{Operand: v.id}), t: to}
}

// assignConvert applies the conversions allowed by assignment, argument
// passing and return.
func (l *Lowerer) assignConvert(v operand, to CType) (operand, error) {
	if sameType(v.t, to) {
		return v, nil
	}
	if isVoid(v.t) {
		return operand{}, errors.New("void value not ignored as it ought to be")
	}
	switch {
	case isArithmetic(v.t) && isArithmetic(to):
		return l.convert(v, to), nil
	case isPointer(v.t) && isPointer(to):
		from, dst := v.t.(PointerTo), to.(PointerTo)
		if isNullPointer(from) {
			return l.convert(v, to), nil
		}
		if from.Space != dst.Space {
			return operand{}, errors.Errorf("assigning %s to %s changes address space of pointer",
				typeString(v.t), typeString(to))
		}
		if !isVoid(from.Elem) && !isVoid(dst.Elem) && !sameType(from.Elem, dst.Elem) {
			return operand{}, errors.Errorf("incompatible pointer types: %s and %s", typeString(v.t), typeString(to))
		}
		return l.convert(v, to), nil
	}
	return operand{}, errors.Errorf("cannot convert %s to %s", typeString(v.t), typeString(to))
}

// isNullPointer reports whether t is the type of NULL, a generic void
// pointer assignable to any pointer.
func isNullPointer(t PointerTo) bool {
	return isVoid(t.Elem) && t.Space == ir.SpacePrivate
}

// binaryOp lowers a non-short-circuit binary operator on evaluated
// operands.
func (l *Lowerer) binaryOp(op TokenKind, a, b operand) (operand, error) {
	ap, aPtr := a.t.(PointerTo)
	bp, bPtr := b.t.(PointerTo)

	if cmp, isCmp := compareOps[op]; isCmp {
		switch {
		case aPtr && bPtr:
			if ap.Space != bp.Space && !isVoid(ap.Elem) && !isVoid(bp.Elem) {
				return operand{}, errors.New("comparison of pointers to different address spaces")
			}
			b = l.convert(b, a.t)
		case aPtr && isInteger(b.t):
			b = l.convert(b, a.t)
		case bPtr && isInteger(a.t):
			a = l.convert(a, b.t)
		case isArithmetic(a.t) && isArithmetic(b.t):
			common := basicOf(usualArithmetic(l.scalar(a.t), l.scalar(b.t)))
			a, b = l.convert(a, common), l.convert(b, common)
		default:
			return operand{}, errors.Errorf("invalid operands to %s (%s and %s)", op, typeString(a.t), typeString(b.t))
		}
		return operand{id: l.b.Emit(l.types.Bool(), ir.InstCompare{Op: cmp, Left: a.id, Right: b.id}), t: typeBool}, nil
	}

	bin, ok := binaryOps[op]
	if !ok {
		return operand{}, errors.Errorf("unsupported operator %s", op)
	}

	switch {
	case aPtr && bPtr && op == TokenMinus:
		return l.pointerDiff(a, b)
	case aPtr && isInteger(b.t) && (op == TokenPlus || op == TokenMinus):
		return l.pointerOffset(a, b, op == TokenMinus)
	case bPtr && isInteger(a.t) && op == TokenPlus:
		return l.pointerOffset(b, a, false)
	case aPtr || bPtr || !isArithmetic(a.t) || !isArithmetic(b.t):
		return operand{}, errors.Errorf("invalid operands to %s (%s and %s)", op, typeString(a.t), typeString(b.t))
	}

	if isIntegerOnly(op) && (isFloat(a.t) || isFloat(b.t)) {
		return operand{}, errors.Errorf("invalid operands to %s (%s and %s)", op, typeString(a.t), typeString(b.t))
	}
	var result CType
	if op == TokenLessLess || op == TokenGreaterGreater {
		result = basicOf(promote(l.scalar(a.t)))
	} else {
		result = basicOf(usualArithmetic(l.scalar(a.t), l.scalar(b.t)))
	}
	a, b = l.convert(a, result), l.convert(b, result)
	return operand{id: l.b.Emit(l.irType(result), ir.InstBinary{Op: bin, Left: a.id, Right: b.id}), t: result}, nil
}

func (l *Lowerer) scalar(t CType) ir.ScalarType {
	s, _ := scalarOf(t)
	return s
}

func (l *Lowerer) pointerOffset(ptr, index operand, negate bool) (operand, error) {
	if isVoid(ptr.t.(PointerTo).Elem) {
		return operand{}, errors.New("arithmetic on a void pointer")
	}
	idx := l.convert(index, l.ptrdiffType())
	if negate {
		idx.id = l.b.Emit(l.irType(idx.t), ir.InstUnary{Op: ir.UnaryNeg, Operand: idx.id})
	}
	return operand{id: l.b.Emit(l.irType(ptr.t), ir.InstOffset{Base: ptr.id, Index: idx.id}), t: ptr.t}, nil
}

// pointerDiff returns the element distance a-b.
func (l *Lowerer) pointerDiff(a, b operand) (operand, error) {
	if !sameType(a.t, b.t) {
		return operand{}, errors.Errorf("%s and %s are not pointers to compatible types", typeString(a.t), typeString(b.t))
	}
	elem := a.t.(PointerTo).Elem
	if isVoid(elem) {
		return operand{}, errors.New("arithmetic on a void pointer")
	}
	diff := l.ptrdiffType()
	dt := l.irType(diff)
	x := l.b.Emit(dt, ir.InstConvert{Operand: a.id})
	y := l.b.Emit(dt, ir.InstConvert{Operand: b.id})
	bytes := l.b.Emit(dt, ir.InstBinary{Op: ir.BinSub, Left: x, Right: y})
	size := l.b.Const(dt, uint64(l.layout.AllocSize(l.module, l.irType(elem))))
	return operand{id: l.b.Emit(dt, ir.InstBinary{Op: ir.BinDiv, Left: bytes, Right: size}), t: diff}, nil
}

// logical lowers && and || with short-circuit evaluation into a phi.
func (l *Lowerer) logical(e *BinaryExpr) (operand, error) {
	left, err := l.condition(e.Left)
	if err != nil {
		return operand{}, err
	}
	isAnd := e.Op == TokenAmpAmp
	var shortBits uint64
	if !isAnd {
		shortBits = 1
	}
	short := l.b.Const(l.types.Bool(), shortBits)
	leftEnd := l.b.Block
	rhs := l.b.NewBlock("logic.rhs")
	merge := l.b.NewBlock("logic.end")
	if isAnd {
		l.b.CondBranch(left, rhs, merge)
	} else {
		l.b.CondBranch(left, merge, rhs)
	}

	l.b.SetBlock(rhs)
	right, err := l.condition(e.Right)
	if err != nil {
		return operand{}, err
	}
	rightEnd := l.b.Block
	l.b.Branch(merge)

	l.b.SetBlock(merge)
	phi := l.b.Emit(l.types.Bool(), ir.InstPhi{Incoming: []ir.PhiIncoming{
		{Block: leftEnd, Value: short},
		{Block: rightEnd, Value: right},
	}})
	return operand{id: phi, t: typeBool}, nil
}

func (l *Lowerer) unary(e *UnaryExpr) (operand, error) {
	switch e.Op {
	case TokenStar:
		pl, err := l.lvalue(e)
		if err != nil {
			return operand{}, err
		}
		v, err := l.load(pl)
		if err != nil {
			return operand{}, errorAt(e.Span, err)
		}
		return v, nil
	case TokenAmpersand:
		pl, err := l.lvalue(e.Operand)
		if err != nil {
			return operand{}, err
		}
		if _, isArr := pl.t.(ArrayOf); isArr {
			return operand{}, errorAt(e.Span, errors.New("pointers to arrays are not supported"))
		}
		t := PointerTo{Elem: pl.t, Space: pl.space}
		return operand{id: pl.addr, t: t}, nil
	}

	v, err := l.expr(e.Operand)
	if err != nil {
		return operand{}, err
	}
	switch e.Op {
	case TokenBang:
		c, err := l.toBool(v)
		if err != nil {
			return operand{}, errorAt(e.Span, err)
		}
		return operand{id: l.b.Emit(l.types.Bool(), ir.InstUnary{Op: ir.UnaryLogicalNot, Operand: c}), t: typeBool}, nil
	case TokenPlus, TokenMinus, TokenTilde:
		if !isArithmetic(v.t) || (e.Op == TokenTilde && isFloat(v.t)) {
			return operand{}, errorAt(e.Span, errors.Errorf("invalid argument type %s to unary %s", typeString(v.t), e.Op))
		}
		v = l.convert(v, basicOf(promote(l.scalar(v.t))))
		switch e.Op {
		case TokenMinus:
			v.id = l.b.Emit(l.irType(v.t), ir.InstUnary{Op: ir.UnaryNeg, Operand: v.id})
		case TokenTilde:
			v.id = l.b.Emit(l.irType(v.t), ir.InstUnary{Op: ir.UnaryNot, Operand: v.id})
		}
		return v, nil
	}
	return operand{}, errorAt(e.Span, errors.Errorf("unsupported unary operator %s", e.Op))
}

func (l *Lowerer) assign(e *AssignExpr) (operand, error) {
	value, err := l.expr(e.Value)
	if err != nil {
		return operand{}, err
	}
	pl, err := l.lvalue(e.Target)
	if err != nil {
		return operand{}, err
	}
	if e.Op != TokenEqual {
		cur, err := l.load(pl)
		if err != nil {
			return operand{}, errorAt(e.Span, err)
		}
		if value, err = l.binaryOp(compoundOps[e.Op], cur, value); err != nil {
			return operand{}, errorAt(e.Span, err)
		}
	}
	v, err := l.store(pl, value)
	if err != nil {
		return operand{}, errorAt(e.Span, err)
	}
	return v, nil
}

func (l *Lowerer) incDec(e *IncDecExpr) (operand, error) {
	pl, err := l.lvalue(e.Operand)
	if err != nil {
		return operand{}, err
	}
	old, err := l.load(pl)
	if err != nil {
		return operand{}, errorAt(e.Span, err)
	}
	var updated operand
	switch {
	case isPointer(old.t):
		one := operand{id: l.b.Const(l.irType(l.ptrdiffType()), 1), t: l.ptrdiffType()}
		updated, err = l.pointerOffset(old, one, e.Op == TokenMinusMinus)
	case isArithmetic(old.t):
		op := ir.BinAdd
		if e.Op == TokenMinusMinus {
			op = ir.BinSub
		}
		updated = operand{id: l.b.Emit(l.irType(old.t), ir.InstBinary{Op: op, Left: old.id, Right: l.one(old.t)}), t: old.t}
	default:
		err = errors.Errorf("cannot increment value of type %s", typeString(old.t))
	}
	if err != nil {
		return operand{}, errorAt(e.Span, err)
	}
	if _, err := l.store(pl, updated); err != nil {
		return operand{}, errorAt(e.Span, err)
	}
	if e.Postfix {
		return old, nil
	}
	return updated, nil
}

// conditional lowers c ? a : b. Each arm is converted to the common type
// at the end of its own block, and the results meet in a phi.
func (l *Lowerer) conditional(e *CondExpr) (operand, error) {
	cond, err := l.condition(e.Cond)
	if err != nil {
		return operand{}, err
	}
	thenB := l.b.NewBlock("cond.true")
	elseB := l.b.NewBlock("cond.false")
	merge := l.b.NewBlock("cond.end")
	l.b.CondBranch(cond, thenB, elseB)

	l.b.SetBlock(thenB)
	a, err := l.expr(e.Then)
	if err != nil {
		return operand{}, err
	}
	aEnd := l.b.Block

	l.b.SetBlock(elseB)
	b, err := l.expr(e.Else)
	if err != nil {
		return operand{}, err
	}
	bEnd := l.b.Block

	var common CType
	switch {
	case isVoid(a.t) && isVoid(b.t):
		common = typeVoid
	case isArithmetic(a.t) && isArithmetic(b.t):
		common = basicOf(usualArithmetic(l.scalar(a.t), l.scalar(b.t)))
	case isPointer(a.t) && sameType(a.t, b.t):
		common = a.t
	case isPointer(a.t) && isPointer(b.t) && a.t.(PointerTo).Space == b.t.(PointerTo).Space:
		common = PointerTo{Elem: typeVoid, Space: a.t.(PointerTo).Space}
	default:
		return operand{}, errorAt(e.Span, errors.Errorf("incompatible operand types (%s and %s)", typeString(a.t), typeString(b.t)))
	}

	l.b.SetBlock(aEnd)
	if !isVoid(common) {
		a = l.convert(a, common)
	}
	l.b.Branch(merge)
	l.b.SetBlock(bEnd)
	if !isVoid(common) {
		b = l.convert(b, common)
	}
	l.b.Branch(merge)

	l.b.SetBlock(merge)
	if isVoid(common) {
		return operand{id: ir.NoValue, t: typeVoid}, nil
	}
	phi := l.b.Emit(l.irType(common), ir.InstPhi{Incoming: []ir.PhiIncoming{
		{Block: aEnd, Value: a.id},
		{Block: bEnd, Value: b.id},
	}})
	return operand{id: phi, t: common}, nil
}

func (l *Lowerer) cast(e *CastExpr) (operand, error) {
	to, err := l.resolveType(e.Type)
	if err != nil {
		return operand{}, errorAt(e.Span, err)
	}
	v, err := l.expr(e.Expr)
	if err != nil {
		return operand{}, err
	}
	if isVoid(to) {
		return operand{id: ir.NoValue, t: typeVoid}, nil
	}
	switch {
	case sameType(v.t, to):
		return v, nil
	case isArithmetic(v.t) && isArithmetic(to):
		return l.convert(v, to), nil
	case isPointer(v.t) && isPointer(to):
		if v.t.(PointerTo).Space != to.(PointerTo).Space {
			return operand{}, errorAt(e.Span, errors.New("casting between address spaces is not allowed"))
		}
		return l.convert(v, to), nil
	case isPointer(v.t) && isInteger(to), isInteger(v.t) && isPointer(to):
		return l.convert(v, to), nil
	}
	return operand{}, errorAt(e.Span, errors.Errorf("invalid cast from %s to %s", typeString(v.t), typeString(to)))
}

// call lowers a call to a user function or a builtin. User definitions
// shadow builtins of the same name.
func (l *Lowerer) call(e *CallExpr) (operand, error) {
	name := e.Func.Name
	args := make([]operand, len(e.Args))
	for i, a := range e.Args {
		v, err := l.expr(a)
		if err != nil {
			return operand{}, err
		}
		args[i] = v
	}

	if info, ok := l.functions[name]; ok {
		if len(args) != len(info.params) {
			return operand{}, errors.Errorf("function %q expects %d arguments, got %d", name, len(info.params), len(args))
		}
		if info.decl.Kernel {
			l.warnf(e.Span, "calling kernel %q from device code", name)
		}
		ids := make([]ir.ValueID, len(args))
		for i, a := range args {
			v, err := l.assignConvert(a, info.params[i])
			if err != nil {
				return operand{}, errors.WithMessagef(err, "argument %d of %q", i+1, name)
			}
			ids[i] = v.id
		}
		return operand{id: l.b.Call(info.handle, ids...), t: info.result}, nil
	}

	b, ok := builtins.Find(name)
	if !ok {
		return operand{}, errors.Errorf("implicit declaration of function %q", name)
	}
	if len(args) != b.Arity() {
		return operand{}, errors.Errorf("builtin %q expects %d arguments, got %d", name, b.Arity(), len(args))
	}
	return l.callBuiltin(b, args)
}

func (l *Lowerer) callBuiltin(b *builtins.Builtin, args []operand) (operand, error) {
	sizeT := ir.ScalarType{Kind: ir.ScalarUint, Width: l.layout.SizeTWidth()}
	inst := builtins.Instance{Builtin: b}
	var params []CType
	var result CType

	switch b.Shape {
	case builtins.ShapeQuery:
		params, result = []CType{typeUint}, l.sizeType()
	case builtins.ShapeQuery0:
		result = typeUint
	case builtins.ShapeFence:
		params, result = []CType{typeUint}, typeVoid
	case builtins.ShapeUnary, builtins.ShapeBinary, builtins.ShapeTernary:
		elem, err := l.overloadElem(b, args)
		if err != nil {
			return operand{}, err
		}
		inst.Elem = elem
		et := basicOf(elem)
		params, result = make([]CType, len(args)), et
		for i := range params {
			params[i] = et
		}
	case builtins.ShapeAtomic1, builtins.ShapeAtomic2, builtins.ShapeAtomic3:
		pt, ok := args[0].t.(PointerTo)
		elem, scalar := scalarOf(pt.Elem)
		if !ok || !scalar || !b.Types.Contains(elem) {
			return operand{}, errors.Errorf("%s requires a pointer to int or uint, got %s", b.Name, typeString(args[0].t))
		}
		if pt.Space != ir.SpaceGlobal && pt.Space != ir.SpaceLocal {
			return operand{}, errors.Errorf("%s requires a __global or __local pointer", b.Name)
		}
		inst.Elem, inst.Space = elem, pt.Space
		params, result = []CType{pt}, pt.Elem
		for i := 1; i < len(args); i++ {
			params = append(params, pt.Elem)
		}
	case builtins.ShapeVloadHalf, builtins.ShapeVstoreHalf:
		p := args[len(args)-1]
		pt, ok := p.t.(PointerTo)
		if !ok || !isHalf(pt.Elem) {
			return operand{}, errors.Errorf("%s requires a pointer to half, got %s", b.Name, typeString(p.t))
		}
		if b.Shape == builtins.ShapeVstoreHalf && pt.Space == ir.SpaceConstant {
			return operand{}, errors.New("cannot assign to __constant memory")
		}
		inst.Space = pt.Space
		if b.Shape == builtins.ShapeVloadHalf {
			params, result = []CType{l.sizeType(), pt}, typeFloat
		} else {
			params, result = []CType{typeFloat, l.sizeType(), pt}, typeVoid
		}
	}

	ids := make([]ir.ValueID, len(args))
	for i, a := range args {
		v, err := l.assignConvert(a, params[i])
		if err != nil {
			return operand{}, errors.WithMessagef(err, "argument %d of %q", i+1, b.Name)
		}
		ids[i] = v.id
	}
	fn := builtins.Declare(l.module, l.types, inst, sizeT)
	return operand{id: l.b.Call(fn, ids...), t: result}, nil
}

// overloadElem picks the element type of a generic math builtin from its
// arguments. Integer arguments to float-only builtins select float.
func (l *Lowerer) overloadElem(b *builtins.Builtin, args []operand) (ir.ScalarType, error) {
	var elem ir.ScalarType
	for i, a := range args {
		if !isArithmetic(a.t) {
			return elem, errors.Errorf("invalid argument type %s to %s", typeString(a.t), b.Name)
		}
		s := promote(l.scalar(a.t))
		if i == 0 {
			elem = s
		} else {
			elem = usualArithmetic(elem, s)
		}
	}
	switch b.Types {
	case builtins.TypesFloat:
		if elem.Kind != ir.ScalarFloat {
			elem = scalarTypes["float"]
		}
	case builtins.TypesInt:
		if elem.Kind == ir.ScalarFloat {
			return elem, errors.Errorf("%s requires integer arguments", b.Name)
		}
	}
	return elem, nil
}
