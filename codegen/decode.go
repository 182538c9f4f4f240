package codegen

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/gogpu/kernelc/ir"
)

// Header is the fixed prefix of an object.
type Header struct {
	Magic, Version uint32
	Functions      uint32
	Types          uint32
}

// Parse splits an object into its header and instructions.
func Parse(data []byte) (Header, []Instruction, error) {
	var h Header
	if len(data)%4 != 0 {
		return h, nil, errors.Errorf("object length %d is not a multiple of 4", len(data))
	}
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	if len(words) < headerWords {
		return h, nil, errors.New("object too short")
	}
	h = Header{Magic: words[0], Version: words[1], Functions: words[2], Types: words[3]}
	if h.Magic != Magic {
		return h, nil, errors.Errorf("bad magic %#08x", h.Magic)
	}
	if h.Version != Version {
		return h, nil, errors.Errorf("unsupported object version %d", h.Version)
	}

	var out []Instruction
	for pos := headerWords; pos < len(words); {
		count := int(words[pos] >> 16)
		if count == 0 || pos+count > len(words) {
			return h, nil, errors.Errorf("truncated instruction at word %d", pos)
		}
		out = append(out, Instruction{Opcode: OpCode(words[pos]), Words: words[pos+1 : pos+count]})
		pos += count
	}
	return h, out, nil
}

// operands reads instruction operands. The first error sticks; reads past
// the end yield zero.
type operands struct {
	op    OpCode
	words []uint32
	pos   int
	err   error
}

func (o *operands) word() uint32 {
	if o.pos >= len(o.words) {
		if o.err == nil {
			o.err = errors.Errorf("%s: missing operand %d", o.op, o.pos)
		}
		return 0
	}
	o.pos++
	return o.words[o.pos-1]
}

func (o *operands) u64() uint64 {
	lo := o.word()
	return uint64(lo) | uint64(o.word())<<32
}

func (o *operands) more() bool { return o.pos < len(o.words) }

func (o *operands) str() string {
	var buf []byte
	for o.more() {
		w := o.word()
		for i := range 4 {
			c := byte(w >> (8 * i))
			if c == 0 {
				return string(buf)
			}
			buf = append(buf, c)
		}
	}
	if o.err == nil {
		o.err = errors.Errorf("%s: unterminated string", o.op)
	}
	return string(buf)
}

func (o *operands) bytes() []byte {
	n := int(o.word())
	if n == 0 {
		return nil
	}
	if (n+3)/4 > len(o.words)-o.pos {
		if o.err == nil {
			o.err = errors.Errorf("%s: blob of %d bytes overruns the instruction", o.op, n)
		}
		return nil
	}
	var buf bytes.Buffer
	for buf.Len() < n {
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], o.word())
		buf.Write(w[:])
	}
	return buf.Bytes()[:n]
}

// Decode reads an object back into a module. The entry function is
// function 0.
func Decode(data []byte) (*ir.Module, error) {
	h, insts, err := Parse(data)
	if err != nil {
		return nil, err
	}
	d := &decoder{m: &ir.Module{}}
	for _, in := range insts {
		o := &operands{op: in.Opcode, words: in.Words}
		if err := d.inst(in.Opcode, o); err != nil {
			return nil, err
		}
		if o.err != nil {
			return nil, o.err
		}
	}
	if d.fn != nil {
		return nil, errors.Errorf("function %s has no end", d.fn.Name)
	}
	if uint32(len(d.m.Functions)) != h.Functions || uint32(len(d.m.Types)) != h.Types {
		return nil, errors.Errorf("header announces %d function(s) and %d type(s), found %d and %d",
			h.Functions, h.Types, len(d.m.Functions), len(d.m.Types))
	}
	if err := ir.Check(d.m); err != nil {
		return nil, errors.WithMessage(err, "decoded object is invalid")
	}
	return d.m, nil
}

type decoder struct {
	m  *ir.Module
	fn *ir.Function
}

func (d *decoder) inst(op OpCode, o *operands) error {
	if op >= OpConst || op == OpParam || op == OpLocal || op == OpValue || op == OpBlock || op == OpFunctionEnd {
		if d.fn == nil {
			return errors.Errorf("%s outside a function", op)
		}
	}
	switch op {
	case OpModule:
		d.m.Name, d.m.Triple, d.m.DataLayout = o.str(), o.str(), o.str()
	case OpTypeVoid:
		d.m.Types = append(d.m.Types, ir.Type{Name: o.str(), Inner: ir.VoidType{}})
	case OpTypeScalar:
		inner := ir.ScalarType{Kind: ir.ScalarKind(o.word()), Width: uint8(o.word())}
		d.m.Types = append(d.m.Types, ir.Type{Name: o.str(), Inner: inner})
	case OpTypePointer:
		inner := ir.PointerType{Base: ir.TypeHandle(o.word()), Space: ir.AddressSpace(o.word())}
		d.m.Types = append(d.m.Types, ir.Type{Name: o.str(), Inner: inner})
	case OpTypeArray:
		inner := ir.ArrayType{Base: ir.TypeHandle(o.word()), Length: o.word()}
		d.m.Types = append(d.m.Types, ir.Type{Name: o.str(), Inner: inner})
	case OpTypeImage:
		inner := ir.ImageType{Dim: ir.ImageDim(o.word())}
		d.m.Types = append(d.m.Types, ir.Type{Name: o.str(), Inner: inner})
	case OpTypeSampler:
		d.m.Types = append(d.m.Types, ir.Type{Name: o.str(), Inner: ir.SamplerType{}})
	case OpGlobal:
		g := ir.GlobalVariable{Space: ir.AddressSpace(o.word()), Type: ir.TypeHandle(o.word())}
		g.Name = o.str()
		g.Init = o.bytes()
		d.m.Globals = append(d.m.Globals, g)
	case OpFunction:
		if d.fn != nil {
			return errors.Errorf("function inside function %s", d.fn.Name)
		}
		kind, result, flags := ir.FunctionKind(o.word()), ir.TypeHandle(o.word()), o.word()
		h := d.m.AddFunction(ir.Function{
			Kind:   kind,
			Result: result,
			Name:   o.str(),
			Attrs:  ir.FunctionAttrs{Pure: flags&flagPure != 0, Convergent: flags&flagConvergent != 0},
		})
		d.fn = &d.m.Functions[h]
	case OpParam:
		t := ir.TypeHandle(o.word())
		d.fn.Params = append(d.fn.Params, ir.Param{Type: t, Name: o.str()})
	case OpLocal:
		t := ir.TypeHandle(o.word())
		d.fn.Locals = append(d.fn.Locals, ir.LocalVariable{Type: t, Name: o.str()})
	case OpValue:
		t, lanes := ir.TypeHandle(o.word()), uint8(o.word())
		d.fn.Values = append(d.fn.Values, ir.Value{Type: t, Lanes: lanes, Name: o.str()})
	case OpBlock:
		d.fn.NewBlock(o.str())
	case OpFunctionEnd:
		d.fn = nil
	case OpAnnotation:
		n := int(o.word())
		a := ir.Annotation{Name: o.str()}
		for range n {
			switch tag := o.word(); tag {
			case tagFunction:
				a.Operands = append(a.Operands, ir.MDFunction{Function: ir.FunctionHandle(o.word())})
			case tagInt:
				a.Operands = append(a.Operands, ir.MDInt{Value: int64(o.u64())})
			case tagString:
				a.Operands = append(a.Operands, ir.MDString{Value: o.str()})
			default:
				return errors.Errorf("annotation %s: bad operand tag %d", a.Name, tag)
			}
		}
		d.m.Annotations = append(d.m.Annotations, a)
	default:
		return d.body(op, o)
	}
	return nil
}

// body decodes instructions and terminators into the last block.
func (d *decoder) body(op OpCode, o *operands) error {
	if len(d.fn.Blocks) == 0 {
		return errors.Errorf("%s before the first block of %s", op, d.fn.Name)
	}
	blk := &d.fn.Blocks[len(d.fn.Blocks)-1]
	if op >= OpBranch {
		var t ir.Terminator
		switch op {
		case OpBranch:
			t = ir.TermBranch{Target: ir.BlockID(o.word())}
		case OpCondBranch:
			t = ir.TermCondBranch{Cond: ir.ValueID(o.word()), Then: ir.BlockID(o.word()), Else: ir.BlockID(o.word())}
		case OpReturn:
			t = ir.TermReturn{Value: ir.ValueID(o.word())}
		case OpUnreachable:
			t = ir.TermUnreachable{}
		default:
			return errors.Errorf("unknown opcode %s", op)
		}
		blk.Term = t
		return nil
	}

	dest := ir.ValueID(o.word())
	v := func() ir.ValueID { return ir.ValueID(o.word()) }
	var k ir.InstKind
	switch op {
	case OpConst:
		k = ir.InstConst{Bits: o.u64()}
	case OpParamRead:
		k = ir.InstParam{Index: o.word()}
	case OpLocalAddr:
		k = ir.InstLocalAddr{Local: o.word()}
	case OpGlobalAddr:
		k = ir.InstGlobalAddr{Global: ir.GlobalHandle(o.word())}
	case OpBinary:
		k = ir.InstBinary{Op: ir.BinaryOp(o.word()), Left: v(), Right: v()}
	case OpUnary:
		k = ir.InstUnary{Op: ir.UnaryOp(o.word()), Operand: v()}
	case OpCompare:
		k = ir.InstCompare{Op: ir.CompareOp(o.word()), Left: v(), Right: v()}
	case OpConvert:
		k = ir.InstConvert{Operand: v()}
	case OpSelect:
		k = ir.InstSelect{Cond: v(), Accept: v(), Reject: v()}
	case OpLoad:
		k = ir.InstLoad{Pointer: v()}
	case OpStore:
		k = ir.InstStore{Pointer: v(), Value: v()}
	case OpOffset:
		k = ir.InstOffset{Base: v(), Index: v()}
	case OpCall:
		call := ir.InstCall{Callee: ir.FunctionHandle(o.word())}
		for o.more() {
			call.Args = append(call.Args, v())
		}
		k = call
	case OpPhi:
		var phi ir.InstPhi
		for o.more() {
			phi.Incoming = append(phi.Incoming, ir.PhiIncoming{Block: ir.BlockID(o.word()), Value: v()})
		}
		k = phi
	case OpLaneSeq:
		k = ir.InstLaneSeq{}
	case OpExtractLane:
		k = ir.InstExtractLane{Vector: v(), Lane: uint8(o.word())}
	default:
		return errors.Errorf("unknown opcode %s", op)
	}
	blk.Insts = append(blk.Insts, ir.Inst{Dest: dest, Kind: k})
	return nil
}
