package workgroup

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/builtins"
	"github.com/gogpu/kernelc/ir"
)

// region is the code between a barrier and the barriers it reaches.
type region struct {
	barrier int // index into generator.barriers
	blocks  []ir.BlockID
	exits   []int
	vector  bool
	init    ir.BlockID // first block of the loop nest in the output
}

// workItem holds the coordinates of the work-item a region copy runs for.
// x and idx are vector registers in vector copies.
type workItem struct {
	x, y, z ir.ValueID
	idx     ir.ValueID
}

type emitter struct {
	*generator
	b *ir.Builder

	nArgs  uint32
	locals map[ir.GlobalHandle]uint32 // automatic local -> index
	slots  []uint32                   // prep slot -> per-work-item array

	lx, ly, lz, next uint32

	ctxType ir.TypeHandle
	ctx     ir.ValueID
	sizes   [3]ir.ValueID

	regions []*region
	byBlock map[ir.BlockID]int // barrier block -> barrier index
	ret     ir.BlockID
}

// emit replaces the scratch function with the work-group function.
func (g *generator) emit() error {
	e := &emitter{
		generator: g,
		locals:    map[ir.GlobalHandle]uint32{},
		byBlock:   map[ir.BlockID]int{},
	}
	for i, b := range g.barriers {
		e.byBlock[b] = i
	}
	if err := e.discover(); err != nil {
		return err
	}
	e.signature()
	e.entry()
	for _, r := range e.regions {
		if r != nil && len(r.blocks) > 0 {
			e.emitRegion(r)
		}
	}
	e.annotate()
	return nil
}

// discover collects the blocks and exit barriers of each region reachable
// from the entry barrier.
func (e *emitter) discover() error {
	f := e.prep
	e.regions = make([]*region, len(e.barriers))
	work := []int{0}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		if e.regions[i] != nil || e.barriers[i] == e.exit {
			continue
		}
		r := &region{barrier: i}
		e.regions[i] = r
		seen := map[ir.BlockID]bool{}
		var walk func(b ir.BlockID)
		walk = func(b ir.BlockID) {
			if bi, ok := e.byBlock[b]; ok {
				if !slices.Contains(r.exits, bi) {
					r.exits = append(r.exits, bi)
					work = append(work, bi)
				}
				return
			}
			if seen[b] {
				return
			}
			seen[b] = true
			r.blocks = append(r.blocks, b)
			for _, s := range ir.Successors(f.Blocks[b].Term) {
				walk(s)
			}
		}
		walk(f.Blocks[e.barriers[i]].Term.(ir.TermBranch).Target)
		slices.Sort(r.blocks)
		if len(r.blocks) > 0 {
			e.regionCount++
		}
	}
	if e.regions[0] == nil {
		return errors.New("kernel has no entry barrier")
	}
	return nil
}

// signature resets the function to the work-group signature: the kernel
// arguments, one pointer per automatic local and the context.
func (e *emitter) signature() {
	g := e.generator
	f := g.prep
	e.nArgs = uint32(len(f.Params))
	params := slices.Clone(f.Params)
	for j, l := range g.d.Locals {
		e.locals[l.Global] = uint32(j)
		params = append(params, ir.Param{
			Name: l.Name,
			Type: g.types.Pointer(g.m.Globals[l.Global].Type, ir.SpaceLocal),
		})
	}
	e.ctxType = g.types.Pointer(g.types.Scalar(ir.ScalarUint, 8), ir.SpaceGlobal)
	params = append(params, ir.Param{Name: "ctx", Type: e.ctxType})

	g.m.Functions[g.wg] = ir.Function{
		Name:   f.Name,
		Kind:   ir.FuncWorkGroup,
		Params: params,
		Result: g.types.Void(),
	}
	e.b = ir.NewBuilder(g.m, g.types, g.wg)
	w := e.b.Func()
	for _, l := range f.Locals {
		e.slots = append(e.slots, w.NewLocal(l.Name, g.types.Array(l.Type, g.capacity)))
	}
	e.lx = w.NewLocal("lx", g.sizeT)
	e.ly = w.NewLocal("ly", g.sizeT)
	e.lz = w.NewLocal("lz", g.sizeT)
	e.next = w.NewLocal("next", g.u32)
}

// entry reads the context and the local size, then jumps to the first
// region.
func (e *emitter) entry() {
	b := e.b
	e.ctx = b.Emit(e.ctxType, ir.InstParam{Index: uint32(len(b.Func().Params) - 1)})
	u64 := e.types.Scalar(ir.ScalarUint, 8)
	for d := range 3 {
		if e.size[0] != 0 {
			e.sizes[d] = b.Const(e.sizeT, uint64(e.size[d]))
			continue
		}
		p := b.Emit(e.ctxType, ir.InstOffset{Base: e.ctx, Index: b.Const(e.sizeT, uint64(CtxLocalSize+d))})
		v := b.Emit(u64, ir.InstLoad{Pointer: p})
		if e.sizeT != u64 {
			v = b.Emit(e.sizeT, ir.InstConvert{Operand: v})
		}
		e.sizes[d] = v
	}
	entry := b.Block

	e.ret = b.NewBlock("ret")
	b.SetBlock(e.ret)
	b.Return(ir.NoValue)
	for _, r := range e.regions {
		if r != nil && len(r.blocks) > 0 {
			r.init = b.NewBlock(fmt.Sprintf("r%d", r.barrier))
		}
	}
	b.SetBlock(entry)
	b.Branch(e.target(0))
}

// target returns the block that continues execution after barrier i.
func (e *emitter) target(i int) ir.BlockID {
	for range e.barriers {
		if e.barriers[i] == e.exit {
			return e.ret
		}
		r := e.regions[i]
		if len(r.blocks) > 0 {
			return r.init
		}
		i = r.exits[0]
	}
	return e.ret
}

func (e *emitter) load(slot uint32) ir.ValueID {
	return e.b.Load(e.b.LocalAddr(slot))
}

func (e *emitter) store(slot uint32, v ir.ValueID) {
	e.b.Store(e.b.LocalAddr(slot), v)
}

func (e *emitter) add(a, c ir.ValueID) ir.ValueID {
	t := e.b.Func().Values[a].Type
	return e.widen(e.b.Emit(t, ir.InstBinary{Op: ir.BinAdd, Left: a, Right: c}), a, c)
}

func (e *emitter) mul(a, c ir.ValueID) ir.ValueID {
	t := e.b.Func().Values[a].Type
	return e.widen(e.b.Emit(t, ir.InstBinary{Op: ir.BinMul, Left: a, Right: c}), a, c)
}

func (e *emitter) compare(op ir.CompareOp, a, c ir.ValueID) ir.ValueID {
	return e.b.Emit(e.types.Bool(), ir.InstCompare{Op: op, Left: a, Right: c})
}

// widen gives v the widest lane count of the operands.
func (e *emitter) widen(v ir.ValueID, operands ...ir.ValueID) ir.ValueID {
	vals := e.b.Func().Values
	lanes := 1
	for _, op := range operands {
		lanes = max(lanes, vals[op].Width())
	}
	vals[v].Lanes = uint8(lanes)
	return v
}

// vectorizable reports whether every branch of r is uniform and every call
// is free of side effects, so that lanes can run in lock step.
func (e *emitter) vectorizable(r *region) bool {
	if e.opts.VectorWidth < 2 || (e.size[0] != 0 && int(e.size[0]) < e.opts.VectorWidth) {
		return false
	}
	for _, b := range r.blocks {
		blk := &e.prep.Blocks[b]
		if cb, ok := blk.Term.(ir.TermCondBranch); ok && e.uni.varying(cb.Cond) {
			return false
		}
		for _, inst := range blk.Insts {
			if call, ok := inst.Kind.(ir.InstCall); ok && !e.m.Functions[call.Callee].Attrs.Pure {
				return false
			}
		}
	}
	return true
}

// emitRegion emits the loop nest of r:
//
//	for z { for y { [vector x loop] scalar x loop } }
//
// followed by the dispatch on next.
func (e *emitter) emitRegion(r *region) {
	b := e.b
	name := fmt.Sprintf("r%d", r.barrier)
	zh, yi, yh := b.NewBlock(name+".z"), b.NewBlock(name+".y.init"), b.NewBlock(name+".y")
	xi, xh, xb := b.NewBlock(name+".x.init"), b.NewBlock(name+".x"), b.NewBlock(name+".x.body")
	xn, yn, zn, done := b.NewBlock(name+".x.next"), b.NewBlock(name+".y.next"), b.NewBlock(name+".z.next"), b.NewBlock(name+".done")
	zero, one := func() ir.ValueID { return b.Const(e.sizeT, 0) }, func() ir.ValueID { return b.Const(e.sizeT, 1) }

	b.SetBlock(r.init)
	e.store(e.lz, zero())
	b.Branch(zh)

	b.SetBlock(zh)
	b.CondBranch(e.compare(ir.CmpLt, e.load(e.lz), e.sizes[2]), yi, done)

	b.SetBlock(yi)
	e.store(e.ly, zero())
	b.Branch(yh)

	b.SetBlock(yh)
	b.CondBranch(e.compare(ir.CmpLt, e.load(e.ly), e.sizes[1]), xi, zn)

	b.SetBlock(xi)
	e.store(e.lx, zero())

	r.vector = e.vectorizable(r)
	if r.vector {
		e.vectorized++
		width := uint64(e.opts.VectorWidth)
		vh, vb, vn := b.NewBlock(name+".vx"), b.NewBlock(name+".vx.body"), b.NewBlock(name+".vx.next")
		b.Branch(vh)

		b.SetBlock(vh)
		end := e.add(e.load(e.lx), b.Const(e.sizeT, width))
		b.CondBranch(e.compare(ir.CmpLe, end, e.sizes[0]), vb, xh)

		b.SetBlock(vb)
		lane := b.Emit(e.sizeT, ir.InstLaneSeq{})
		b.Func().Values[lane].Lanes = uint8(width)
		wi := e.coordinates(e.add(e.load(e.lx), lane))
		b.Branch(e.copyRegion(r, wi, vn))

		b.SetBlock(vn)
		e.store(e.lx, e.add(e.load(e.lx), b.Const(e.sizeT, width)))
		b.Branch(vh)
		klog.V(2).Infof("%s: region %s vectorized by %d", e.prep.Name, name, width)
	} else {
		b.Branch(xh)
	}

	b.SetBlock(xh)
	b.CondBranch(e.compare(ir.CmpLt, e.load(e.lx), e.sizes[0]), xb, yn)

	b.SetBlock(xb)
	wi := e.coordinates(e.load(e.lx))
	b.Branch(e.copyRegion(r, wi, xn))

	b.SetBlock(xn)
	e.store(e.lx, e.add(e.load(e.lx), one()))
	b.Branch(xh)

	b.SetBlock(yn)
	e.store(e.ly, e.add(e.load(e.ly), one()))
	b.Branch(yh)

	b.SetBlock(zn)
	e.store(e.lz, e.add(e.load(e.lz), one()))
	b.Branch(zh)

	b.SetBlock(done)
	e.dispatch(r)
}

// coordinates loads y and z and computes the flat work-item index
// (z*sy + y)*sx + x.
func (e *emitter) coordinates(x ir.ValueID) workItem {
	y, z := e.load(e.ly), e.load(e.lz)
	idx := e.add(e.mul(e.add(e.mul(z, e.sizes[1]), y), e.sizes[0]), x)
	return workItem{x: x, y: y, z: z, idx: idx}
}

// dispatch jumps to the region following the barrier the work-items
// stopped at.
func (e *emitter) dispatch(r *region) {
	b := e.b
	switch len(r.exits) {
	case 0:
		b.Func().Blocks[b.Block].Term = ir.TermUnreachable{}
		return
	case 1:
		b.Branch(e.target(r.exits[0]))
		return
	}
	next := e.load(e.next)
	for i, ex := range r.exits {
		if i == len(r.exits)-1 {
			b.Branch(e.target(ex))
			return
		}
		miss := b.NewBlock(fmt.Sprintf("r%d.dispatch", r.barrier))
		b.CondBranch(e.compare(ir.CmpEq, next, b.Const(e.u32, uint64(ex))), e.target(ex), miss)
		b.SetBlock(miss)
	}
}

// copyRegion copies the blocks of r for the work-item wi. Edges to a
// barrier record the barrier in next and continue at cont. It returns the
// copy of the region's first block with the insertion point unchanged.
func (e *emitter) copyRegion(r *region, wi workItem, cont ir.BlockID) ir.BlockID {
	b := e.b
	f := e.prep
	defer b.SetBlock(b.Block)
	blocks := map[ir.BlockID]ir.BlockID{}
	for _, pb := range r.blocks {
		blocks[pb] = b.NewBlock(f.Blocks[pb].Label)
	}
	stubs := map[int]ir.BlockID{}
	for _, ex := range r.exits {
		stub := b.NewBlock("to." + f.Blocks[e.barriers[ex]].Label)
		b.SetBlock(stub)
		if len(r.exits) > 1 {
			e.store(e.next, b.Const(e.u32, uint64(ex)))
		}
		b.Branch(cont)
		stubs[ex] = stub
	}
	mapBlock := func(t ir.BlockID) ir.BlockID {
		if bi, ok := e.byBlock[t]; ok {
			return stubs[bi]
		}
		return blocks[t]
	}

	for _, pb := range r.blocks {
		b.SetBlock(blocks[pb])
		values := map[ir.ValueID]ir.ValueID{}
		for _, inst := range f.Blocks[pb].Insts {
			e.copyInst(inst, values, wi)
		}
		mapValue := func(v ir.ValueID) ir.ValueID {
			nv := values[v]
			if b.Func().Values[nv].Width() > 1 {
				nv = b.Emit(b.Func().Values[nv].Type, ir.InstExtractLane{Vector: nv})
			}
			return nv
		}
		term := ir.MapTerm(f.Blocks[pb].Term, mapValue, mapBlock)
		b.Func().Blocks[b.Block].Term = term
	}
	return mapBlock(f.Blocks[e.barriers[r.barrier]].Term.(ir.TermBranch).Target)
}

func (e *emitter) copyInst(inst ir.Inst, values map[ir.ValueID]ir.ValueID, wi workItem) {
	b := e.b
	f := e.prep
	mapValue := func(v ir.ValueID) ir.ValueID { return values[v] }

	switch k := inst.Kind.(type) {
	case ir.InstLocalAddr:
		t := f.Values[inst.Dest].Type
		arr := b.LocalAddr(e.slots[k.Local])
		base := b.Emit(t, ir.InstConvert{Operand: arr})
		values[inst.Dest] = e.widen(b.Emit(t, ir.InstOffset{Base: base, Index: wi.idx}), wi.idx)
		return
	case ir.InstGlobalAddr:
		if j, ok := e.locals[k.Global]; ok {
			values[inst.Dest] = b.Emit(f.Values[inst.Dest].Type, ir.InstParam{Index: e.nArgs + j})
			return
		}
	case ir.InstCall:
		if v, ok := e.workItemQuery(k, values, wi); ok {
			values[inst.Dest] = v
			return
		}
	}

	kind := ir.MapOperands(inst.Kind, mapValue)
	if inst.Dest == ir.NoValue {
		b.EmitVoid(kind)
		return
	}
	v := b.Emit(f.Values[inst.Dest].Type, kind)
	b.Func().Values[v].Name = f.Values[inst.Dest].Name
	values[inst.Dest] = e.widen(v, ir.Operands(kind)...)
}

// workItemQuery rewrites a work-item builtin in terms of the loop
// coordinates and the context.
func (e *emitter) workItemQuery(call ir.InstCall, values map[ir.ValueID]ir.ValueID, wi workItem) (ir.ValueID, bool) {
	in, ok := builtins.Lookup(e.m.Functions[call.Callee].Name)
	if !ok || in.Class != builtins.ClassWorkItem {
		return ir.NoValue, false
	}
	b := e.b
	var dim ir.ValueID
	if len(call.Args) > 0 {
		dim = values[call.Args[0]]
	}
	word := func(w uint64) ir.ValueID { return b.Const(e.u32, w) }
	size := func(v uint64) ir.ValueID { return b.Const(e.sizeT, v) }
	helperCall := func(name string, args ...ir.ValueID) ir.ValueID {
		return e.widen(b.Call(e.helper(name), args...), args...)
	}

	switch in.Name {
	case "get_local_id":
		return helperCall(builtins.HelperSelectDim, dim, wi.x, wi.y, wi.z, size(0)), true
	case "get_global_id":
		base := helperCall(builtins.HelperGroupBase, e.ctx, dim)
		return e.add(base, helperCall(builtins.HelperSelectDim, dim, wi.x, wi.y, wi.z, size(0))), true
	case "get_local_size":
		return helperCall(builtins.HelperSelectDim, dim, e.sizes[0], e.sizes[1], e.sizes[2], size(1)), true
	case "get_group_id":
		return helperCall(builtins.HelperContextField, e.ctx, word(CtxGroupID), dim, size(0)), true
	case "get_global_offset":
		return helperCall(builtins.HelperContextField, e.ctx, word(CtxGlobalOffset), dim, size(0)), true
	case "get_num_groups":
		return helperCall(builtins.HelperContextField, e.ctx, word(CtxNumGroups), dim, size(1)), true
	case "get_global_size":
		return helperCall(builtins.HelperGlobalSize, e.ctx, dim), true
	case "get_work_dim":
		v := helperCall(builtins.HelperContextField, e.ctx, word(CtxWorkDim), word(0), size(1))
		return b.Emit(e.u32, ir.InstConvert{Operand: v}), true
	}
	return ir.NoValue, false
}

// helper declares a generator helper; linking the support module defines
// it.
func (e *emitter) helper(name string) ir.FunctionHandle {
	if h, ok := e.m.FunctionByName(name); ok {
		return h
	}
	param := func(n string, t ir.TypeHandle) ir.Param { return ir.Param{Name: n, Type: t} }
	var params []ir.Param
	switch name {
	case builtins.HelperContextField:
		params = []ir.Param{param("ctx", e.ctxType), param("base", e.u32), param("dim", e.u32), param("dflt", e.sizeT)}
	case builtins.HelperGroupBase, builtins.HelperGlobalSize:
		params = []ir.Param{param("ctx", e.ctxType), param("dim", e.u32)}
	case builtins.HelperSelectDim:
		params = []ir.Param{param("dim", e.u32), param("x", e.sizeT), param("y", e.sizeT), param("z", e.sizeT), param("dflt", e.sizeT)}
	}
	return e.m.AddFunction(ir.Function{
		Name:   name,
		Params: params,
		Result: e.sizeT,
		Attrs:  ir.FunctionAttrs{Pure: true},
	})
}

// annotate records the shape of the work-group function.
func (e *emitter) annotate() {
	md := func(v int64) ir.MetadataOperand { return ir.MDInt{Value: v} }
	e.m.Annotations = append(e.m.Annotations, ir.Annotation{
		Name: ir.AnnotationWorkGroup,
		Operands: []ir.MetadataOperand{
			ir.MDFunction{Function: e.wg},
			md(int64(e.nArgs)),
			md(int64(len(e.d.Locals))),
			md(int64(e.capacity)),
			md(int64(e.size[0])), md(int64(e.size[1])), md(int64(e.size[2])),
		},
	})
}
