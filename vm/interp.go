package vm

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gogpu/kernelc/ir"
)

// maxDepth bounds the call depth of one invocation.
const maxDepth = 256

// machine is the state of one invocation: the region table and, in the
// reference interpreter, the work-item it runs.
type machine struct {
	p       *Program
	mem     memory
	globals []uint64
	wi      *workItem
	depth   int
}

// newMachine sets up globals. Globals found in groupShared use those bytes;
// the rest get fresh bytes unless the program shares them.
func (p *Program) newMachine(groupShared map[ir.GlobalHandle][]byte) *machine {
	mc := &machine{p: p, mem: newMemory(), globals: make([]uint64, len(p.mod.Globals))}
	for i, g := range p.mod.Globals {
		h := ir.GlobalHandle(i)
		switch data, ok := groupShared[h]; {
		case ok:
			mc.globals[i] = mc.mem.add(g.Name, data, false)
		case p.shared[i] != nil:
			mc.globals[i] = mc.mem.add(g.Name, p.shared[i], g.Space == ir.SpaceConstant)
		default:
			mc.globals[i] = mc.mem.add(g.Name, p.globalImage(h), false)
		}
	}
	return mc
}

// bind converts the first n arguments of fn. Local arguments found in
// locals reuse those bytes.
func (mc *machine) bind(fn *ir.Function, args []Arg, n int, locals map[int][]byte) ([][]uint64, error) {
	if len(args) != n {
		return nil, errors.Errorf("%d argument(s) given, %d expected", len(args), n)
	}
	out := make([][]uint64, 0, len(fn.Params))
	for i, a := range args {
		t := mc.p.types[fn.Params[i].Type]
		name := fn.Params[i].Name
		switch a := a.(type) {
		case *Buffer:
			if !t.pointer {
				return nil, errors.Errorf("argument %d (%s) is not a pointer, got a buffer", i, name)
			}
			out = append(out, []uint64{mc.mem.add(name, a.data, false)})
		case Local:
			if !t.pointer {
				return nil, errors.Errorf("argument %d (%s) is not a pointer, got local memory", i, name)
			}
			data, ok := locals[i]
			if !ok {
				data = make([]byte, a)
			}
			out = append(out, []uint64{mc.mem.add(name, data, false)})
		case Scalar:
			if t.pointer || t.scalar.Width == 0 {
				return nil, errors.Errorf("argument %d (%s) does not take a scalar", i, name)
			}
			out = append(out, []uint64{ir.Mask(t.scalar, uint64(a))})
		default:
			return nil, errors.Errorf("argument %d (%s): unsupported argument %T", i, name, a)
		}
	}
	return out, nil
}

// run executes body, turning traps into errors.
func (mc *machine) run(name string, body func()) error {
	if err := exceptions.TryCatch[error](body); err != nil {
		return errors.WithMessagef(err, "%s trapped", name)
	}
	return nil
}

func lane(v []uint64, l int) uint64 {
	if len(v) == 1 {
		return v[0]
	}
	return v[l]
}

// call runs function h. A call with vector arguments runs the callee once
// per lane.
func (mc *machine) call(h ir.FunctionHandle, args [][]uint64) []uint64 {
	lanes := 1
	for _, a := range args {
		lanes = max(lanes, len(a))
	}
	if lanes > 1 {
		var out []uint64
		scalar := make([][]uint64, len(args))
		for l := range lanes {
			for i, a := range args {
				scalar[i] = []uint64{lane(a, l)}
			}
			if r := mc.call(h, scalar); r != nil {
				out = append(out, r[0])
			}
		}
		return out
	}

	fn := &mc.p.mod.Functions[h]
	if fn.IsDeclaration() {
		return mc.builtin(fn, args)
	}
	if mc.depth++; mc.depth > maxDepth {
		trap("call depth exceeds %d in %s", maxDepth, fn.Name)
	}
	mark := len(mc.mem.regions)
	defer func() {
		mc.mem.regions = mc.mem.regions[:mark]
		mc.depth--
	}()

	fi := &mc.p.frames[h]
	f := &frame{
		fn:   fn,
		fi:   fi,
		args: args,
		regs: make([][]uint64, len(fn.Values)),
		base: mc.mem.add(fn.Name+" frame", make([]byte, fi.size), false),
	}
	prev, cur := ir.BlockID(0), ir.BlockID(0)
	for {
		blk := &fn.Blocks[cur]
		mc.phis(f, blk, prev)
		for _, inst := range blk.Insts {
			if _, ok := inst.Kind.(ir.InstPhi); ok {
				continue
			}
			mc.exec(f, inst)
		}
		switch t := blk.Term.(type) {
		case ir.TermBranch:
			prev, cur = cur, t.Target
		case ir.TermCondBranch:
			if f.regs[t.Cond][0] != 0 {
				prev, cur = cur, t.Then
			} else {
				prev, cur = cur, t.Else
			}
		case ir.TermReturn:
			if t.Value == ir.NoValue {
				return nil
			}
			return f.regs[t.Value]
		default:
			trap("reached unreachable code in %s block %s", fn.Name, blk.Label)
		}
	}
}

type frame struct {
	fn   *ir.Function
	fi   *frameInfo
	args [][]uint64
	regs [][]uint64
	base uint64
}

// phis assigns the leading phis of blk at once, reading the values that
// flow in from prev.
func (mc *machine) phis(f *frame, blk *ir.Block, prev ir.BlockID) {
	var dests []ir.ValueID
	var vals [][]uint64
	for _, inst := range blk.Insts {
		phi, ok := inst.Kind.(ir.InstPhi)
		if !ok {
			break
		}
		found := false
		for _, in := range phi.Incoming {
			if in.Block == prev {
				dests, vals = append(dests, inst.Dest), append(vals, f.regs[in.Value])
				found = true
				break
			}
		}
		if !found {
			trap("phi in %s block %s has no value for bb%d", f.fn.Name, blk.Label, prev)
		}
	}
	for i, d := range dests {
		f.regs[d] = vals[i]
	}
}

func (mc *machine) exec(f *frame, inst ir.Inst) {
	fn, p := f.fn, mc.p
	width := func() int {
		if inst.Dest == ir.NoValue {
			return 1
		}
		return fn.Values[inst.Dest].Width()
	}
	typeOf := func(v ir.ValueID) *typeInfo { return &p.types[fn.Values[v].Type] }
	each := func(n int, op func(l int) uint64) []uint64 {
		out := make([]uint64, n)
		for l := range out {
			out[l] = op(l)
		}
		return out
	}
	set := func(v []uint64) { f.regs[inst.Dest] = v }

	switch k := inst.Kind.(type) {
	case ir.InstConst:
		set([]uint64{k.Bits})
	case ir.InstParam:
		if int(k.Index) >= len(f.args) {
			trap("%s reads missing parameter %d", fn.Name, k.Index)
		}
		set(f.args[k.Index])
	case ir.InstLocalAddr:
		set([]uint64{f.base + uint64(f.fi.offsets[k.Local])})
	case ir.InstGlobalAddr:
		set([]uint64{mc.globals[k.Global]})
	case ir.InstBinary:
		s := typeOf(inst.Dest).scalar
		a, b := f.regs[k.Left], f.regs[k.Right]
		set(each(width(), func(l int) uint64 {
			r, err := ir.EvalBinary(s, k.Op, lane(a, l), lane(b, l))
			if err != nil {
				trap("%s: %v", fn.Name, err)
			}
			return r
		}))
	case ir.InstUnary:
		s := typeOf(inst.Dest).scalar
		a := f.regs[k.Operand]
		set(each(width(), func(l int) uint64 { return ir.EvalUnary(s, k.Op, lane(a, l)) }))
	case ir.InstCompare:
		s := typeOf(k.Left).scalar
		a, b := f.regs[k.Left], f.regs[k.Right]
		set(each(width(), func(l int) uint64 {
			if ir.EvalCompare(s, k.Op, lane(a, l), lane(b, l)) {
				return 1
			}
			return 0
		}))
	case ir.InstConvert:
		from, to := typeOf(k.Operand), typeOf(inst.Dest)
		a := f.regs[k.Operand]
		if from.pointer && to.pointer {
			set(a)
			return
		}
		set(each(width(), func(l int) uint64 { return ir.EvalConvert(from.scalar, to.scalar, lane(a, l)) }))
	case ir.InstSelect:
		c, a, b := f.regs[k.Cond], f.regs[k.Accept], f.regs[k.Reject]
		set(each(width(), func(l int) uint64 {
			if lane(c, l) != 0 {
				return lane(a, l)
			}
			return lane(b, l)
		}))
	case ir.InstLoad:
		pt := typeOf(k.Pointer)
		elem := &p.types[pt.pointee]
		ptr := f.regs[k.Pointer]
		set(each(width(), func(l int) uint64 { return ir.Mask(elem.scalar, mc.mem.load(lane(ptr, l), elem.size)) }))
	case ir.InstStore:
		pt := typeOf(k.Pointer)
		size := p.types[pt.pointee].size
		ptr, v := f.regs[k.Pointer], f.regs[k.Value]
		for l := range max(len(ptr), len(v)) {
			mc.mem.store(lane(ptr, l), size, lane(v, l))
		}
	case ir.InstOffset:
		bt, it := typeOf(k.Base), typeOf(k.Index)
		stride := int64(p.types[bt.pointee].alloc)
		base, idx := f.regs[k.Base], f.regs[k.Index]
		set(each(width(), func(l int) uint64 {
			i := int64(lane(idx, l))
			if it.scalar.Kind == ir.ScalarSint {
				i = ir.SignExtend(it.scalar, lane(idx, l))
			}
			return lane(base, l) + uint64(i*stride)
		}))
	case ir.InstCall:
		args := make([][]uint64, len(k.Args))
		for i, a := range k.Args {
			args[i] = f.regs[a]
		}
		r := mc.call(k.Callee, args)
		if inst.Dest != ir.NoValue {
			set(r)
		}
	case ir.InstLaneSeq:
		set(each(width(), func(l int) uint64 { return uint64(l) }))
	case ir.InstExtractLane:
		set([]uint64{lane(f.regs[k.Vector], int(k.Lane))})
	default:
		trap("%s: cannot execute %T", fn.Name, inst.Kind)
	}
}
