package cfg

import (
	"math/bits"

	"github.com/gogpu/kernelc/ir"
)

// ValueSet is a dense set of registers.
type ValueSet []uint64

// NewValueSet returns an empty set able to hold n registers.
func NewValueSet(n int) ValueSet {
	return make(ValueSet, (n+63)/64)
}

// Has reports membership.
func (s ValueSet) Has(v ir.ValueID) bool {
	return int(v/64) < len(s) && s[v/64]&(1<<(v%64)) != 0
}

// Add inserts v.
func (s ValueSet) Add(v ir.ValueID) { s[v/64] |= 1 << (v % 64) }

// Remove deletes v.
func (s ValueSet) Remove(v ir.ValueID) { s[v/64] &^= 1 << (v % 64) }

// Union adds all of o and reports whether s changed.
func (s ValueSet) Union(o ValueSet) bool {
	changed := false
	for i := range s {
		n := s[i] | o[i]
		if n != s[i] {
			s[i] = n
			changed = true
		}
	}
	return changed
}

// Values returns the members in increasing order.
func (s ValueSet) Values() []ir.ValueID {
	var out []ir.ValueID
	for i, w := range s {
		for w != 0 {
			t := bits.TrailingZeros64(w)
			out = append(out, ir.ValueID(i*64+t))
			w &^= 1 << t
		}
	}
	return out
}

// Liveness holds the registers live on entry to and exit from each block.
type Liveness struct {
	In, Out []ValueSet
}

// ComputeLiveness runs backward data-flow over the graph. A phi operand is
// live out of the corresponding predecessor, not live into the phi's block.
func ComputeLiveness(g *Graph) *Liveness {
	fn := g.Fn
	n := len(fn.Values)
	live := &Liveness{In: make([]ValueSet, g.Len()), Out: make([]ValueSet, g.Len())}
	use := make([]ValueSet, g.Len())
	def := make([]ValueSet, g.Len())
	phiOut := make([]ValueSet, g.Len())
	for b := range fn.Blocks {
		live.In[b] = NewValueSet(n)
		live.Out[b] = NewValueSet(n)
		use[b] = NewValueSet(n)
		def[b] = NewValueSet(n)
		phiOut[b] = NewValueSet(n)
	}
	for b := range fn.Blocks {
		block := &fn.Blocks[b]
		for _, inst := range block.Insts {
			if phi, ok := inst.Kind.(ir.InstPhi); ok {
				for _, in := range phi.Incoming {
					phiOut[in.Block].Add(in.Value)
				}
			} else {
				for _, op := range ir.Operands(inst.Kind) {
					if !def[b].Has(op) {
						use[b].Add(op)
					}
				}
			}
			if inst.Dest != ir.NoValue {
				def[b].Add(inst.Dest)
			}
		}
		for _, op := range ir.TermOperands(block.Term) {
			if !def[b].Has(op) {
				use[b].Add(op)
			}
		}
	}

	order := g.ReversePostOrder()
	for changed := true; changed; {
		changed = false
		for i := len(order) - 1; i >= 0; i-- {
			b := order[i]
			out := live.Out[b]
			out.Union(phiOut[b])
			for _, s := range g.Succs[b] {
				out.Union(live.In[s])
			}
			in := NewValueSet(n)
			copy(in, out)
			for j := range in {
				in[j] &^= def[b][j]
				in[j] |= use[b][j]
			}
			if live.In[b].Union(in) {
				changed = true
			}
		}
	}
	return live
}
