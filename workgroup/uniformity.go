package workgroup

import (
	"github.com/pkg/errors"

	"github.com/gogpu/kernelc/builtins"
	"github.com/gogpu/kernelc/cfg"
	"github.com/gogpu/kernelc/ir"
)

// Pointer provenance of a register.
const (
	provNone    = -1 // not a private address
	provUnknown = -2 // some private slot, which one is not known
)

// uniformity classifies registers, private slots and branches of the
// prepared kernel as uniform (equal for all work-items of a group) or
// varying. Work-item ids and atomic results seed varying values; values
// flow through registers and slots, and a slot written under a varying
// branch becomes varying.
type uniformity struct {
	values []bool // varying registers
	slots  []bool // varying slots
	// divergent marks blocks that run under a varying branch.
	divergent []bool
}

func (u *uniformity) varying(v ir.ValueID) bool { return u.values[v] }

// analyze runs the uniformity analysis and rejects barriers that not every
// work-item reaches.
func (g *generator) analyze() error {
	f := g.prep
	u := &uniformity{
		values:    make([]bool, len(f.Values)),
		slots:     make([]bool, len(f.Locals)),
		divergent: make([]bool, len(f.Blocks)),
	}
	g.uni = u

	prov := g.provenance()
	escaped := make([]bool, len(f.Locals))
	for _, blk := range f.Blocks {
		for _, inst := range blk.Insts {
			for _, op := range escapingOperands(inst.Kind) {
				if s := prov[op]; s >= 0 {
					escaped[s] = true
				}
			}
		}
	}
	markSlot := func(p int) bool {
		changed := false
		switch {
		case p >= 0:
			changed = !u.slots[p]
			u.slots[p] = true
		case p == provUnknown:
			for s, esc := range escaped {
				if esc && !u.slots[s] {
					u.slots[s] = true
					changed = true
				}
			}
		}
		return changed
	}
	slotVarying := func(p int) bool {
		switch {
		case p >= 0:
			return u.slots[p]
		case p == provUnknown:
			for s, esc := range escaped {
				if esc && u.slots[s] {
					return true
				}
			}
		}
		return false
	}

	gr := cfg.New(f)
	deps := gr.ControlDependence(gr.PostDominators())

	for changed := true; changed; {
		changed = false
		for b, blk := range f.Blocks {
			if !u.divergent[b] {
				for _, c := range deps[b] {
					if u.divergent[c] || g.branchVarying(c) {
						u.divergent[b] = true
						changed = true
						break
					}
				}
			}
			for _, inst := range blk.Insts {
				if st, ok := inst.Kind.(ir.InstStore); ok {
					if u.divergent[b] || u.values[st.Value] || u.values[st.Pointer] {
						if markSlot(prov[st.Pointer]) {
							changed = true
						}
					}
					continue
				}
				if inst.Dest == ir.NoValue || u.values[inst.Dest] {
					continue
				}
				if g.defVarying(inst, prov, slotVarying) {
					u.values[inst.Dest] = true
					changed = true
				}
			}
		}
	}

	for _, bar := range g.barriers {
		if u.divergent[bar] {
			return errors.Errorf("barrier in block %q is under divergent control flow", f.Blocks[bar].Label)
		}
	}
	return nil
}

// branchVarying reports whether block b ends in a branch on a varying
// condition.
func (g *generator) branchVarying(b ir.BlockID) bool {
	cb, ok := g.prep.Blocks[b].Term.(ir.TermCondBranch)
	return ok && g.uni.values[cb.Cond]
}

func (g *generator) defVarying(inst ir.Inst, prov []int, slotVarying func(int) bool) bool {
	u := g.uni
	switch k := inst.Kind.(type) {
	case ir.InstCall:
		if bi, ok := builtins.Lookup(g.m.Functions[k.Callee].Name); ok {
			switch {
			case bi.Class == builtins.ClassAtomic:
				return true
			case bi.Name == "get_local_id" || bi.Name == "get_global_id":
				return true
			}
		}
	case ir.InstLoad:
		if u.values[k.Pointer] || slotVarying(prov[k.Pointer]) {
			return true
		}
		return false
	}
	for _, op := range ir.Operands(inst.Kind) {
		if u.values[op] {
			return true
		}
	}
	return false
}

// provenance maps each register holding a private address to the slot it
// points into.
func (g *generator) provenance() []int {
	f := g.prep
	prov := make([]int, len(f.Values))
	for i := range prov {
		prov[i] = provNone
		if p, ok := g.m.Pointer(f.Values[i].Type); ok && p.Space == ir.SpacePrivate {
			prov[i] = provUnknown
		}
	}
	// Definitions precede uses within a block and no register crosses a
	// block, so one pass in block order suffices.
	for _, blk := range f.Blocks {
		for _, inst := range blk.Insts {
			switch k := inst.Kind.(type) {
			case ir.InstLocalAddr:
				prov[inst.Dest] = int(k.Local)
			case ir.InstOffset:
				prov[inst.Dest] = prov[k.Base]
			case ir.InstConvert:
				if prov[k.Operand] >= 0 {
					prov[inst.Dest] = prov[k.Operand]
				}
			}
		}
	}
	return prov
}

// escapingOperands returns the operands whose address is stored or passed
// on rather than only dereferenced.
func escapingOperands(k ir.InstKind) []ir.ValueID {
	switch k := k.(type) {
	case ir.InstStore:
		return []ir.ValueID{k.Value}
	case ir.InstCall:
		return k.Args
	case ir.InstSelect:
		return []ir.ValueID{k.Accept, k.Reject}
	}
	return nil
}
