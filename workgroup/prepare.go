package workgroup

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/builtins"
	"github.com/gogpu/kernelc/cfg"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/kernel"
	"github.com/gogpu/kernelc/link"
)

// memFenceLocal is the flags operand of implicit barriers.
const memFenceLocal = 1

// noBlock marks a missing exit barrier: the kernel never returns.
const noBlock = ^ir.BlockID(0)

// prepare builds g.prep: the kernel with helpers inlined, no phis, every
// barrier alone in its block, implicit barriers added and registers that
// cross blocks moved into private slots.
func (g *generator) prepare() error {
	scratch := g.m.Functions[g.d.Function].Clone()
	scratch.Name = kernel.WorkGroupName(g.d.Name)
	scratch.Kind = ir.FuncWorkGroup
	if _, taken := g.m.FunctionByName(scratch.Name); taken {
		return errors.Errorf("symbol %s is already defined", scratch.Name)
	}
	g.wg = g.m.AddFunction(*scratch)
	if err := g.flatten(); err != nil {
		return err
	}
	g.prep = g.m.Functions[g.wg].Clone()

	b, _ := builtins.Find("barrier")
	g.barrier = builtins.Declare(g.m, g.types, builtins.Instance{Builtin: b}, g.sizeTScalar)

	g.phisToSlots()
	g.isolateBarriers()
	g.addImplicitBarriers()
	g.splitBarrierLoops()
	cfg.Prune(g.prep)
	g.demoteRegisters()
	g.collectBarriers()
	klog.V(2).Infof("%s: prepared %d block(s), %d slot(s), %d barrier(s)",
		g.prep.Name, len(g.prep.Blocks), len(g.prep.Locals), len(g.barriers))
	return nil
}

// flatten inlines every defined callee into the scratch function. Calls that
// remain afterwards are recursive or undefined.
func (g *generator) flatten() error {
	if _, err := link.InlineAll(g.m, g.wg, nil); err != nil {
		return errors.WithMessage(err, "inlining")
	}
	for _, blk := range g.m.Functions[g.wg].Blocks {
		for _, inst := range blk.Insts {
			call, ok := inst.Kind.(ir.InstCall)
			if !ok {
				continue
			}
			callee := &g.m.Functions[call.Callee]
			switch {
			case !callee.IsDeclaration():
				return errors.Errorf("unsupported construct: recursive call to %s", callee.Name)
			case builtins.IsHelper(callee.Name):
			default:
				if _, known := builtins.Lookup(callee.Name); !known {
					return errors.Errorf("unsupported construct: call to undefined function %s", callee.Name)
				}
			}
		}
	}
	return nil
}

func (g *generator) privatePtr(t ir.TypeHandle) ir.TypeHandle {
	return g.types.Pointer(t, ir.SpacePrivate)
}

// phisToSlots replaces each phi by a private slot written at the end of
// every predecessor and read where the phi was.
func (g *generator) phisToSlots() {
	f := g.prep
	type pending struct {
		pred  ir.BlockID
		insts []ir.Inst
	}
	var stores []pending
	for b := range f.Blocks {
		var head []ir.Inst
		rest := f.Blocks[b].Insts
		for len(rest) > 0 {
			phi, ok := rest[0].Kind.(ir.InstPhi)
			if !ok {
				break
			}
			dest := rest[0].Dest
			t := f.Values[dest].Type
			slot := f.NewLocal(fmt.Sprintf("phi%d", dest), t)
			for _, in := range phi.Incoming {
				addr := f.NewValue(g.privatePtr(t), "")
				stores = append(stores, pending{pred: in.Block, insts: []ir.Inst{
					{Dest: addr, Kind: ir.InstLocalAddr{Local: slot}},
					{Dest: ir.NoValue, Kind: ir.InstStore{Pointer: addr, Value: in.Value}},
				}})
			}
			addr := f.NewValue(g.privatePtr(t), "")
			head = append(head,
				ir.Inst{Dest: addr, Kind: ir.InstLocalAddr{Local: slot}},
				ir.Inst{Dest: dest, Kind: ir.InstLoad{Pointer: addr}})
			rest = rest[1:]
		}
		if head != nil {
			f.Blocks[b].Insts = append(head, rest...)
		}
	}
	for _, s := range stores {
		f.Blocks[s.pred].Insts = append(f.Blocks[s.pred].Insts, s.insts...)
	}
}

// barrierBlock returns a block holding only a barrier call.
func (g *generator) barrierBlock(label string, term ir.Terminator) ir.Block {
	f := g.prep
	flags := f.NewValue(g.u32, "")
	return ir.Block{
		Label: label,
		Insts: []ir.Inst{
			{Dest: flags, Kind: ir.InstConst{Bits: memFenceLocal}},
			{Dest: ir.NoValue, Kind: ir.InstCall{Callee: g.barrier, Args: []ir.ValueID{flags}}},
		},
		Term: term,
	}
}

// isolateBarriers splits blocks so that each barrier call ends up in a block
// of its own.
func (g *generator) isolateBarriers() {
	f := g.prep
	isolated := map[ir.BlockID]bool{}
	for b := 0; b < len(f.Blocks); b++ {
		if isolated[ir.BlockID(b)] {
			continue
		}
		for i, inst := range f.Blocks[b].Insts {
			if !g.isBarrierCall(inst) {
				continue
			}
			label := f.Blocks[b].Label
			rest := ir.Block{
				Label: label + ".after",
				Insts: slices.Clone(f.Blocks[b].Insts[i+1:]),
				Term:  f.Blocks[b].Term,
			}
			restID := ir.BlockID(len(f.Blocks))
			barID := restID + 1
			f.Blocks = append(f.Blocks, rest, g.barrierBlock(label+".barrier", ir.TermBranch{Target: restID}))
			isolated[barID] = true
			f.Blocks[b].Insts = f.Blocks[b].Insts[:i]
			f.Blocks[b].Term = ir.TermBranch{Target: barID}
			break
		}
	}
}

// addImplicitBarriers puts a barrier block at the entry and routes every
// return through a single exit barrier.
func (g *generator) addImplicitBarriers() {
	f := g.prep
	body := ir.BlockID(len(f.Blocks))
	f.Blocks = append(f.Blocks, f.Blocks[0])
	f.Blocks[body].Label = "entry.body"
	exit := ir.BlockID(len(f.Blocks))
	for b := range f.Blocks {
		if _, ok := f.Blocks[b].Term.(ir.TermReturn); ok {
			f.Blocks[b].Term = ir.TermBranch{Target: exit}
			continue
		}
		f.Blocks[b].Term = ir.MapTerm(f.Blocks[b].Term, nil, func(t ir.BlockID) ir.BlockID {
			if t == 0 {
				return body
			}
			return t
		})
	}
	f.Blocks[0] = g.barrierBlock("barrier.entry", ir.TermBranch{Target: body})
	f.Blocks = append(f.Blocks, g.barrierBlock("barrier.exit", ir.TermReturn{Value: ir.NoValue}))
}

func (g *generator) isBarrierBlock(b ir.BlockID) bool {
	for _, inst := range g.prep.Blocks[b].Insts {
		if g.isBarrierCall(inst) {
			return true
		}
	}
	return false
}

// splitBarrierLoops puts barriers on the entry and back edges of every loop
// that contains a barrier, so that no region spans an iteration boundary.
func (g *generator) splitBarrierLoops() {
	f := g.prep
	gr := cfg.New(f)
	var edges []cfg.Edge
	seen := map[cfg.Edge]bool{}
	for _, l := range gr.Loops(gr.Dominators()) {
		hasBarrier := false
		for b := range f.Blocks {
			if l.Contains(ir.BlockID(b)) && g.isBarrierBlock(ir.BlockID(b)) {
				hasBarrier = true
				break
			}
		}
		if !hasBarrier {
			continue
		}
		for _, e := range append(l.EntryEdges(gr), l.BackEdges()...) {
			if seen[e] || g.isBarrierBlock(e.From) || g.isBarrierBlock(e.To) {
				continue
			}
			seen[e] = true
			edges = append(edges, e)
		}
	}
	for _, e := range edges {
		bar := ir.BlockID(len(f.Blocks))
		f.Blocks = append(f.Blocks, g.barrierBlock(f.Blocks[e.To].Label+".loop.barrier", ir.TermBranch{Target: e.To}))
		f.Blocks[e.From].Term = ir.MapTerm(f.Blocks[e.From].Term, nil, func(t ir.BlockID) ir.BlockID {
			if t == e.To {
				return bar
			}
			return t
		})
	}
}

// demoteRegisters stores every register that is live into another block in
// a private slot right after its definition and reloads it at the start of
// each block that reads it. Afterwards no register crosses a block boundary,
// so blocks can be copied freely.
func (g *generator) demoteRegisters() {
	f := g.prep
	live := cfg.ComputeLiveness(cfg.New(f))
	cross := cfg.NewValueSet(len(f.Values))
	for b := range f.Blocks {
		cross.Union(live.In[b])
	}
	slots := map[ir.ValueID]uint32{}
	for _, v := range cross.Values() {
		slots[v] = f.NewLocal(fmt.Sprintf("reg%d", v), f.Values[v].Type)
	}
	if len(slots) == 0 {
		return
	}

	for b := range f.Blocks {
		blk := &f.Blocks[b]
		remap := map[ir.ValueID]ir.ValueID{}
		var out []ir.Inst
		reload := func(v ir.ValueID) ir.ValueID {
			if r, ok := remap[v]; ok {
				return r
			}
			slot, ok := slots[v]
			if !ok || !live.In[b].Has(v) {
				return v
			}
			t := f.Values[v].Type
			addr := f.NewValue(g.privatePtr(t), "")
			ld := f.NewValue(t, f.Values[v].Name)
			out = append(out,
				ir.Inst{Dest: addr, Kind: ir.InstLocalAddr{Local: slot}},
				ir.Inst{Dest: ld, Kind: ir.InstLoad{Pointer: addr}})
			remap[v] = ld
			return ld
		}
		// Reloads go first; they only read slots written in other blocks.
		for _, inst := range blk.Insts {
			for _, op := range ir.Operands(inst.Kind) {
				reload(op)
			}
		}
		for _, op := range ir.TermOperands(blk.Term) {
			reload(op)
		}
		for _, inst := range blk.Insts {
			inst.Kind = ir.MapOperands(inst.Kind, reload)
			out = append(out, inst)
			if slot, ok := slots[inst.Dest]; ok && inst.Dest != ir.NoValue {
				addr := f.NewValue(g.privatePtr(f.Values[inst.Dest].Type), "")
				out = append(out,
					ir.Inst{Dest: addr, Kind: ir.InstLocalAddr{Local: slot}},
					ir.Inst{Dest: ir.NoValue, Kind: ir.InstStore{Pointer: addr, Value: inst.Dest}})
			}
		}
		blk.Term = ir.MapTerm(blk.Term, reload, nil)
		blk.Insts = out
	}
}

// collectBarriers records the barrier blocks, entry first and exit last.
func (g *generator) collectBarriers() {
	g.barriers = g.barriers[:0]
	g.exit = noBlock
	for b := range g.prep.Blocks {
		id := ir.BlockID(b)
		if !g.isBarrierBlock(id) {
			continue
		}
		if _, ret := g.prep.Blocks[b].Term.(ir.TermReturn); ret {
			g.exit = id
			continue
		}
		g.barriers = append(g.barriers, id)
	}
	if g.exit != noBlock {
		g.barriers = append(g.barriers, g.exit)
	}
}
