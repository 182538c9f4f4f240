package ir

import (
	"fmt"
	"io"
	"strings"
)

// TypeString renders a type for diagnostics and dumps.
func TypeString(m *Module, t TypeHandle) string {
	if int(t) >= len(m.Types) {
		return fmt.Sprintf("type(%d)", t)
	}
	switch inner := m.Types[t].Inner.(type) {
	case VoidType:
		return "void"
	case ScalarType:
		return ScalarName(inner)
	case PointerType:
		return fmt.Sprintf("ptr<%s, %s>", inner.Space, TypeString(m, inner.Base))
	case ArrayType:
		return fmt.Sprintf("[%d x %s]", inner.Length, TypeString(m, inner.Base))
	case ImageType:
		return fmt.Sprintf("image%dd", inner.Dim)
	case SamplerType:
		return "sampler"
	default:
		return "?"
	}
}

// Print writes a textual dump of the module.
func Print(w io.Writer, m *Module) error {
	p := &printer{m: m}
	p.module()
	_, err := io.WriteString(w, p.sb.String())
	return err
}

// String returns the textual dump of the module.
func (m *Module) String() string {
	p := &printer{m: m}
	p.module()
	return p.sb.String()
}

// PrintFunction returns the textual dump of one function.
func PrintFunction(m *Module, fn *Function) string {
	p := &printer{m: m}
	p.function(fn)
	return p.sb.String()
}

type printer struct {
	m  *Module
	sb strings.Builder
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(&p.sb, format, args...)
}

func (p *printer) module() {
	m := p.m
	p.printf("module %q\n", m.Name)
	if m.Triple != "" {
		p.printf("target triple = %q\n", m.Triple)
	}
	if m.DataLayout != "" {
		p.printf("target layout = %q\n", m.DataLayout)
	}
	for i, g := range m.Globals {
		p.printf("@%d %s = %s %s", i, g.Name, g.Space, TypeString(m, g.Type))
		if g.Init != nil {
			p.printf(" init %x", g.Init)
		}
		p.printf("\n")
	}
	for _, a := range m.Annotations {
		p.printf("!%s(", a.Name)
		for i, op := range a.Operands {
			if i > 0 {
				p.printf(", ")
			}
			switch op := op.(type) {
			case MDFunction:
				p.printf("@%s", m.Functions[op.Function].Name)
			case MDInt:
				p.printf("%d", op.Value)
			case MDString:
				p.printf("%q", op.Value)
			}
		}
		p.printf(")\n")
	}
	for i := range m.Functions {
		p.printf("\n")
		p.function(&m.Functions[i])
	}
}

func (p *printer) function(fn *Function) {
	m := p.m
	if fn.IsDeclaration() {
		p.printf("declare ")
	}
	p.printf("%s @%s(", fn.Kind, fn.Name)
	for i, param := range fn.Params {
		if i > 0 {
			p.printf(", ")
		}
		p.printf("%s %s", TypeString(m, param.Type), param.Name)
	}
	p.printf(") -> %s", TypeString(m, fn.Result))
	if fn.Attrs.Pure {
		p.printf(" pure")
	}
	if fn.Attrs.Convergent {
		p.printf(" convergent")
	}
	if fn.IsDeclaration() {
		p.printf("\n")
		return
	}
	p.printf(" {\n")
	for i, l := range fn.Locals {
		p.printf("  $%d %s: %s\n", i, l.Name, TypeString(m, l.Type))
	}
	for b := range fn.Blocks {
		block := &fn.Blocks[b]
		p.printf("bb%d:", b)
		if block.Label != "" {
			p.printf(" ; %s", block.Label)
		}
		p.printf("\n")
		for _, inst := range block.Insts {
			p.printf("  ")
			p.inst(fn, inst)
			p.printf("\n")
		}
		p.printf("  ")
		p.term(block.Term)
		p.printf("\n")
	}
	p.printf("}\n")
}

func (p *printer) inst(fn *Function, inst Inst) {
	if inst.Dest != NoValue {
		v := fn.Values[inst.Dest]
		ty := TypeString(p.m, v.Type)
		if v.Width() > 1 {
			ty = fmt.Sprintf("<%d x %s>", v.Width(), ty)
		}
		p.printf("%%%d: %s = ", inst.Dest, ty)
	}
	switch k := inst.Kind.(type) {
	case InstConst:
		p.printf("const %#x", k.Bits)
	case InstParam:
		p.printf("param %d", k.Index)
	case InstLocalAddr:
		p.printf("local $%d", k.Local)
	case InstGlobalAddr:
		p.printf("global @%s", p.m.Globals[k.Global].Name)
	case InstBinary:
		p.printf("%s %%%d, %%%d", k.Op, k.Left, k.Right)
	case InstUnary:
		p.printf("%s %%%d", k.Op, k.Operand)
	case InstCompare:
		p.printf("cmp %s %%%d, %%%d", k.Op, k.Left, k.Right)
	case InstConvert:
		p.printf("convert %%%d", k.Operand)
	case InstSelect:
		p.printf("select %%%d, %%%d, %%%d", k.Cond, k.Accept, k.Reject)
	case InstLoad:
		p.printf("load %%%d", k.Pointer)
	case InstStore:
		p.printf("store %%%d, %%%d", k.Pointer, k.Value)
	case InstOffset:
		p.printf("offset %%%d, %%%d", k.Base, k.Index)
	case InstCall:
		p.printf("call @%s(", p.m.Functions[k.Callee].Name)
		for i, a := range k.Args {
			if i > 0 {
				p.printf(", ")
			}
			p.printf("%%%d", a)
		}
		p.printf(")")
	case InstPhi:
		p.printf("phi")
		for i, in := range k.Incoming {
			if i > 0 {
				p.printf(",")
			}
			p.printf(" [bb%d: %%%d]", in.Block, in.Value)
		}
	case InstLaneSeq:
		p.printf("laneseq")
	case InstExtractLane:
		p.printf("extract %%%d, %d", k.Vector, k.Lane)
	default:
		p.printf("<invalid>")
	}
}

func (p *printer) term(t Terminator) {
	switch t := t.(type) {
	case TermBranch:
		p.printf("br bb%d", t.Target)
	case TermCondBranch:
		p.printf("br %%%d, bb%d, bb%d", t.Cond, t.Then, t.Else)
	case TermReturn:
		if t.Value == NoValue {
			p.printf("ret")
		} else {
			p.printf("ret %%%d", t.Value)
		}
	case TermUnreachable:
		p.printf("unreachable")
	default:
		p.printf("<no terminator>")
	}
}
