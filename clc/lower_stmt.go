package clc

import (
	"github.com/pkg/errors"

	"github.com/gogpu/kernelc/ir"
)

// block lowers a braced block. The function body shares the parameter
// scope, so scoped is false for it.
func (l *Lowerer) block(blk *BlockStmt, scoped bool) {
	if scoped {
		l.pushScope()
		defer l.popScope()
	}
	for _, s := range blk.Stmts {
		if err := l.statement(s); err != nil {
			l.addError(err.Error(), spanOf(err, s.Pos()))
		}
	}
}

// spannedError carries a more precise location than the statement's.
type spannedError struct {
	span Span
	err  error
}

func (e *spannedError) Error() string { return e.err.Error() }
func (e *spannedError) Cause() error  { return e.err }

func errorAt(span Span, err error) error {
	return &spannedError{span: span, err: err}
}

func spanOf(err error, fallback Span) Span {
	var se *spannedError
	if errors.As(err, &se) {
		return se.span
	}
	return fallback
}

// deadBlock starts a fresh block for code following a jump. It is removed
// after lowering unless something branches to it.
func (l *Lowerer) deadBlock() {
	l.b.SetBlock(l.b.NewBlock("dead"))
}

// branchTo ends the current block with a jump unless it already ended.
func (l *Lowerer) branchTo(target ir.BlockID) {
	if !l.b.Terminated() {
		l.b.Branch(target)
	}
}

func (l *Lowerer) statement(s Stmt) error {
	switch s := s.(type) {
	case *BlockStmt:
		l.block(s, true)
	case *EmptyStmt:
	case *DeclStmt:
		for _, v := range s.Vars {
			if err := l.localVar(v); err != nil {
				return errorAt(v.Span, err)
			}
		}
	case *ExprStmt:
		_, err := l.expr(s.Expr)
		return err
	case *IfStmt:
		return l.ifStmt(s)
	case *WhileStmt:
		return l.whileStmt(s)
	case *DoWhileStmt:
		return l.doWhileStmt(s)
	case *ForStmt:
		return l.forStmt(s)
	case *BreakStmt, *ContinueStmt:
		if len(l.loops) == 0 {
			return errors.New("break or continue statement not within a loop")
		}
		top := l.loops[len(l.loops)-1]
		if _, ok := s.(*BreakStmt); ok {
			l.b.Branch(top.brk)
		} else {
			l.b.Branch(top.cont)
		}
		l.deadBlock()
	case *ReturnStmt:
		return l.returnStmt(s)
	default:
		return errors.Errorf("unsupported statement %T", s)
	}
	return nil
}

func (l *Lowerer) ifStmt(s *IfStmt) error {
	cond, err := l.condition(s.Cond)
	if err != nil {
		return err
	}
	then := l.b.NewBlock("if.then")
	merge := l.b.NewBlock("if.end")
	els := merge
	if s.Else != nil {
		els = l.b.NewBlock("if.else")
	}
	l.b.CondBranch(cond, then, els)

	l.b.SetBlock(then)
	l.scoped(s.Then)
	l.branchTo(merge)

	if s.Else != nil {
		l.b.SetBlock(els)
		l.scoped(s.Else)
		l.branchTo(merge)
	}
	l.b.SetBlock(merge)
	return nil
}

// scoped lowers a sub-statement in its own scope.
func (l *Lowerer) scoped(s Stmt) {
	l.pushScope()
	defer l.popScope()
	if err := l.statement(s); err != nil {
		l.addError(err.Error(), spanOf(err, s.Pos()))
	}
}

func (l *Lowerer) whileStmt(s *WhileStmt) error {
	header := l.b.NewBlock("while.cond")
	body := l.b.NewBlock("while.body")
	exit := l.b.NewBlock("while.end")
	l.b.Branch(header)

	l.b.SetBlock(header)
	cond, err := l.condition(s.Cond)
	if err != nil {
		return err
	}
	l.b.CondBranch(cond, body, exit)

	l.b.SetBlock(body)
	l.loops = append(l.loops, loopTargets{brk: exit, cont: header})
	l.scoped(s.Body)
	l.loops = l.loops[:len(l.loops)-1]
	l.branchTo(header)

	l.b.SetBlock(exit)
	return nil
}

func (l *Lowerer) doWhileStmt(s *DoWhileStmt) error {
	body := l.b.NewBlock("do.body")
	latch := l.b.NewBlock("do.cond")
	exit := l.b.NewBlock("do.end")
	l.b.Branch(body)

	l.b.SetBlock(body)
	l.loops = append(l.loops, loopTargets{brk: exit, cont: latch})
	l.scoped(s.Body)
	l.loops = l.loops[:len(l.loops)-1]
	l.branchTo(latch)

	l.b.SetBlock(latch)
	cond, err := l.condition(s.Cond)
	if err != nil {
		return err
	}
	l.b.CondBranch(cond, body, exit)
	l.b.SetBlock(exit)
	return nil
}

func (l *Lowerer) forStmt(s *ForStmt) error {
	l.pushScope()
	defer l.popScope()
	if s.Init != nil {
		if err := l.statement(s.Init); err != nil {
			return err
		}
	}
	header := l.b.NewBlock("for.cond")
	body := l.b.NewBlock("for.body")
	post := l.b.NewBlock("for.inc")
	exit := l.b.NewBlock("for.end")
	l.b.Branch(header)

	l.b.SetBlock(header)
	if s.Cond != nil {
		cond, err := l.condition(s.Cond)
		if err != nil {
			return err
		}
		l.b.CondBranch(cond, body, exit)
	} else {
		l.b.Branch(body)
	}

	l.b.SetBlock(body)
	l.loops = append(l.loops, loopTargets{brk: exit, cont: post})
	l.scoped(s.Body)
	l.loops = l.loops[:len(l.loops)-1]
	l.branchTo(post)

	l.b.SetBlock(post)
	if s.Post != nil {
		if _, err := l.expr(s.Post); err != nil {
			return err
		}
	}
	l.branchTo(header)
	l.b.SetBlock(exit)
	return nil
}

func (l *Lowerer) returnStmt(s *ReturnStmt) error {
	result := l.fn.result
	switch {
	case s.Value == nil && !isVoid(result):
		return errors.Errorf("non-void function %q should return a value", l.fn.decl.Name)
	case s.Value == nil:
		l.b.Return(ir.NoValue)
	default:
		if isVoid(result) {
			return errors.Errorf("void function %q should not return a value", l.fn.decl.Name)
		}
		v, err := l.expr(s.Value)
		if err != nil {
			return err
		}
		v, err = l.assignConvert(v, result)
		if err != nil {
			return err
		}
		l.b.Return(v.id)
	}
	l.deadBlock()
	return nil
}

// localVar lowers a block-scope declaration.
func (l *Lowerer) localVar(v *VarDecl) error {
	if v.SpaceExplicit {
		switch v.Space {
		case ir.SpaceLocal:
			return l.automaticLocal(v)
		case ir.SpaceConstant:
			gv, err := l.lowerGlobalVar(v, l.fn.decl.Name+"."+v.Name)
			if err != nil {
				return err
			}
			return l.declare(gv)
		case ir.SpaceGlobal:
			return errors.Errorf("variable %q cannot be declared in the __global address space", v.Name)
		}
	}

	t, err := l.resolveType(v.Type)
	if err != nil {
		return err
	}
	if arr, ok := t.(ArrayOf); ok && arr.Count == 0 {
		list, isList := v.Init.(*InitList)
		if !isList {
			return errors.Errorf("array %q has no size", v.Name)
		}
		arr.Count = uint32(len(list.Elems))
		t = arr
	}
	if isVoid(t) {
		return errors.Errorf("variable %q has void type", v.Name)
	}
	if isHalf(t) {
		return errors.Errorf("variable %q: half is only supported as a pointee", v.Name)
	}

	slot := l.b.Func().NewLocal(v.Name, l.irType(t))
	vr := &variable{name: v.Name, t: t, space: ir.SpacePrivate, local: slot, span: v.Span}
	if v.Init != nil {
		pl := place{addr: l.b.LocalAddr(slot), t: t, space: ir.SpacePrivate}
		if err := l.initPlace(pl, v.Init); err != nil {
			return err
		}
	}
	if err := l.declare(vr); err != nil {
		return err
	}
	l.declared = append(l.declared, vr)
	return nil
}

// automaticLocal lifts a __local declaration inside a kernel to a module
// global named <kernel>.<name>.
func (l *Lowerer) automaticLocal(v *VarDecl) error {
	if !l.fn.decl.Kernel {
		return errors.Errorf("variable %q in the __local address space can only be declared in a kernel", v.Name)
	}
	if v.Init != nil {
		return errors.Errorf("__local variable %q cannot have an initializer", v.Name)
	}
	t, err := l.resolveType(v.Type)
	if err != nil {
		return err
	}
	if arr, ok := t.(ArrayOf); ok && arr.Count == 0 {
		return errors.Errorf("__local array %q must have a constant size", v.Name)
	}
	if isVoid(t) || isHalf(t) {
		return errors.Errorf("invalid type for __local variable %q", v.Name)
	}
	name := l.fn.decl.Name + "." + v.Name
	if _, dup := l.module.GlobalByName(name); dup {
		return errors.Errorf("redefinition of __local variable %q", v.Name)
	}
	l.module.Globals = append(l.module.Globals, ir.GlobalVariable{
		Name:  name,
		Space: ir.SpaceLocal,
		Type:  l.irType(t),
	})
	vr := &variable{
		name:     v.Name,
		t:        t,
		space:    ir.SpaceLocal,
		global:   ir.GlobalHandle(len(l.module.Globals) - 1),
		isGlobal: true,
		span:     v.Span,
	}
	if err := l.declare(vr); err != nil {
		return err
	}
	l.declared = append(l.declared, vr)
	return nil
}

// initPlace stores the initializer init into pl. Arrays not covered by a
// braced list are zero-filled.
func (l *Lowerer) initPlace(pl place, init Expr) error {
	arr, isArr := pl.t.(ArrayOf)
	if !isArr {
		if list, ok := init.(*InitList); ok {
			if len(list.Elems) != 1 {
				return errors.New("scalar initializer must have one element")
			}
			init = list.Elems[0]
		}
		v, err := l.expr(init)
		if err != nil {
			return err
		}
		v, err = l.assignConvert(v, pl.t)
		if err != nil {
			return err
		}
		l.b.Store(pl.addr, v.id)
		return nil
	}

	list, ok := init.(*InitList)
	if !ok {
		return errors.New("array initializer must be a braced list")
	}
	if len(list.Elems) > int(arr.Count) {
		return errors.New("excess elements in array initializer")
	}
	for i := uint32(0); i < arr.Count; i++ {
		elem := l.elementPlace(pl, l.b.Const(l.irType(l.ptrdiffType()), uint64(i)))
		if int(i) < len(list.Elems) {
			if err := l.initPlace(elem, list.Elems[i]); err != nil {
				return err
			}
			continue
		}
		l.zeroPlace(elem)
	}
	return nil
}

func (l *Lowerer) zeroPlace(pl place) {
	if arr, ok := pl.t.(ArrayOf); ok {
		for i := uint32(0); i < arr.Count; i++ {
			l.zeroPlace(l.elementPlace(pl, l.b.Const(l.irType(l.ptrdiffType()), uint64(i))))
		}
		return
	}
	l.b.Store(pl.addr, l.zero(pl.t))
}

// elementPlace addresses element index of the array at pl.
func (l *Lowerer) elementPlace(pl place, index ir.ValueID) place {
	arr := pl.t.(ArrayOf)
	ptr := l.decay(pl)
	addr := l.b.Emit(l.irType(ptr.t), ir.InstOffset{Base: ptr.id, Index: index})
	return place{addr: addr, t: arr.Elem, space: pl.space}
}
