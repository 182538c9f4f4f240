package codegen

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/cfg"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
)

// FileName is the name of the object in a kernel directory.
const FileName = "parallel.kco"

// Emit writes the object code of fn and everything it calls. Globals the
// emitted functions do not reference are left out.
func Emit(m *ir.Module, fn ir.FunctionHandle) ([]byte, error) {
	if int(fn) >= len(m.Functions) {
		return nil, diag.Errorf(diag.KindLink, "function %d out of range", fn)
	}
	if m.Functions[fn].IsDeclaration() {
		return nil, diag.Errorf(diag.KindLink, "cannot emit declaration %s", m.Functions[fn].Name)
	}
	e := newEmitter(m, fn)
	for _, f := range e.funcs {
		if err := e.function(&m.Functions[f]); err != nil {
			return nil, diag.New(diag.KindLink, errors.WithMessagef(err, "emitting %s", m.Functions[f].Name))
		}
	}
	e.annotations()
	if e.w.err != nil {
		return nil, diag.New(diag.KindLink, e.w.err)
	}

	out := e.w.bytes()
	klog.V(1).Infof("emitted %s: %d function(s), %d bytes", m.Functions[fn].Name, len(e.funcs), len(out))
	return out, nil
}

type emitter struct {
	m       *ir.Module
	w       objectWriter
	funcs   []ir.FunctionHandle
	funcIdx map[ir.FunctionHandle]uint32
	globIdx map[ir.GlobalHandle]uint32
}

func newEmitter(m *ir.Module, entry ir.FunctionHandle) *emitter {
	e := &emitter{
		m:       m,
		funcIdx: map[ir.FunctionHandle]uint32{},
		globIdx: map[ir.GlobalHandle]uint32{},
	}
	e.funcs = append(e.funcs, entry)
	for f, ok := range cfg.ReachableFunctions(m, entry) {
		if ok && ir.FunctionHandle(f) != entry {
			e.funcs = append(e.funcs, ir.FunctionHandle(f))
		}
	}
	for i, f := range e.funcs {
		e.funcIdx[f] = uint32(i)
	}

	e.w.words = append(e.w.words, Magic, Version, uint32(len(e.funcs)), uint32(len(m.Types)), 0)
	e.w.add(new(instructionBuilder).str(m.Name).str(m.Triple).str(m.DataLayout).build(OpModule))
	for _, t := range m.Types {
		e.w.add(typeInst(t))
	}

	var globals []ir.GlobalHandle
	for _, f := range e.funcs {
		for _, blk := range m.Functions[f].Blocks {
			for _, inst := range blk.Insts {
				if ga, ok := inst.Kind.(ir.InstGlobalAddr); ok && !slices.Contains(globals, ga.Global) {
					globals = append(globals, ga.Global)
				}
			}
		}
	}
	slices.Sort(globals)
	for i, g := range globals {
		e.globIdx[g] = uint32(i)
		gv := &m.Globals[g]
		e.w.add(new(instructionBuilder).
			word(uint32(gv.Space), uint32(gv.Type)).
			str(gv.Name).
			bytes(gv.Init).
			build(OpGlobal))
	}
	return e
}

func typeInst(t ir.Type) Instruction {
	b := new(instructionBuilder)
	switch in := t.Inner.(type) {
	case ir.VoidType:
		return b.str(t.Name).build(OpTypeVoid)
	case ir.ScalarType:
		return b.word(uint32(in.Kind), uint32(in.Width)).str(t.Name).build(OpTypeScalar)
	case ir.PointerType:
		return b.word(uint32(in.Base), uint32(in.Space)).str(t.Name).build(OpTypePointer)
	case ir.ArrayType:
		return b.word(uint32(in.Base), in.Length).str(t.Name).build(OpTypeArray)
	case ir.ImageType:
		return b.word(uint32(in.Dim)).str(t.Name).build(OpTypeImage)
	default:
		return b.str(t.Name).build(OpTypeSampler)
	}
}

func (e *emitter) function(fn *ir.Function) error {
	var flags uint32
	if fn.Attrs.Pure {
		flags |= flagPure
	}
	if fn.Attrs.Convergent {
		flags |= flagConvergent
	}
	e.w.add(new(instructionBuilder).word(uint32(fn.Kind), uint32(fn.Result), flags).str(fn.Name).build(OpFunction))
	for _, p := range fn.Params {
		e.w.add(new(instructionBuilder).word(uint32(p.Type)).str(p.Name).build(OpParam))
	}
	for _, l := range fn.Locals {
		e.w.add(new(instructionBuilder).word(uint32(l.Type)).str(l.Name).build(OpLocal))
	}
	for _, v := range fn.Values {
		e.w.add(new(instructionBuilder).word(uint32(v.Type), uint32(v.Width())).str(v.Name).build(OpValue))
	}
	for _, blk := range fn.Blocks {
		e.w.add(new(instructionBuilder).str(blk.Label).build(OpBlock))
		for _, inst := range blk.Insts {
			i, err := e.inst(inst)
			if err != nil {
				return errors.WithMessagef(err, "block %s", blk.Label)
			}
			e.w.add(i)
		}
		if blk.Term == nil {
			return errors.Errorf("block %s has no terminator", blk.Label)
		}
		e.w.add(termInst(blk.Term))
	}
	e.w.add(Instruction{Opcode: OpFunctionEnd})
	return nil
}

func (e *emitter) inst(inst ir.Inst) (Instruction, error) {
	b := new(instructionBuilder).word(uint32(inst.Dest))
	switch k := inst.Kind.(type) {
	case ir.InstConst:
		return b.u64(k.Bits).build(OpConst), nil
	case ir.InstParam:
		return b.word(k.Index).build(OpParamRead), nil
	case ir.InstLocalAddr:
		return b.word(k.Local).build(OpLocalAddr), nil
	case ir.InstGlobalAddr:
		return b.word(e.globIdx[k.Global]).build(OpGlobalAddr), nil
	case ir.InstBinary:
		return b.word(uint32(k.Op), uint32(k.Left), uint32(k.Right)).build(OpBinary), nil
	case ir.InstUnary:
		return b.word(uint32(k.Op), uint32(k.Operand)).build(OpUnary), nil
	case ir.InstCompare:
		return b.word(uint32(k.Op), uint32(k.Left), uint32(k.Right)).build(OpCompare), nil
	case ir.InstConvert:
		return b.word(uint32(k.Operand)).build(OpConvert), nil
	case ir.InstSelect:
		return b.word(uint32(k.Cond), uint32(k.Accept), uint32(k.Reject)).build(OpSelect), nil
	case ir.InstLoad:
		return b.word(uint32(k.Pointer)).build(OpLoad), nil
	case ir.InstStore:
		return b.word(uint32(k.Pointer), uint32(k.Value)).build(OpStore), nil
	case ir.InstOffset:
		return b.word(uint32(k.Base), uint32(k.Index)).build(OpOffset), nil
	case ir.InstCall:
		callee, ok := e.funcIdx[k.Callee]
		if !ok {
			return Instruction{}, errors.Errorf("call to unreachable function %s", e.m.Functions[k.Callee].Name)
		}
		b.word(callee)
		for _, a := range k.Args {
			b.word(uint32(a))
		}
		return b.build(OpCall), nil
	case ir.InstPhi:
		for _, in := range k.Incoming {
			b.word(uint32(in.Block), uint32(in.Value))
		}
		return b.build(OpPhi), nil
	case ir.InstLaneSeq:
		return b.build(OpLaneSeq), nil
	case ir.InstExtractLane:
		return b.word(uint32(k.Vector), uint32(k.Lane)).build(OpExtractLane), nil
	}
	return Instruction{}, errors.Errorf("unknown instruction %T", inst.Kind)
}

func termInst(t ir.Terminator) Instruction {
	b := new(instructionBuilder)
	switch t := t.(type) {
	case ir.TermBranch:
		return b.word(uint32(t.Target)).build(OpBranch)
	case ir.TermCondBranch:
		return b.word(uint32(t.Cond), uint32(t.Then), uint32(t.Else)).build(OpCondBranch)
	case ir.TermReturn:
		return b.word(uint32(t.Value)).build(OpReturn)
	default:
		return b.build(OpUnreachable)
	}
}

// annotations keeps the annotations whose function operands were emitted.
func (e *emitter) annotations() {
next:
	for _, a := range e.m.Annotations {
		b := new(instructionBuilder).word(uint32(len(a.Operands))).str(a.Name)
		for _, op := range a.Operands {
			switch op := op.(type) {
			case ir.MDFunction:
				idx, ok := e.funcIdx[op.Function]
				if !ok {
					continue next
				}
				b.word(tagFunction, idx)
			case ir.MDInt:
				b.word(tagInt).u64(uint64(op.Value))
			case ir.MDString:
				b.word(tagString).str(op.Value)
			}
		}
		e.w.add(b.build(OpAnnotation))
	}
}
