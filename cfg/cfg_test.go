package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/ir"
)

// shape builds a function whose blocks branch as described by succs. Blocks
// with two successors branch on %0, a bool constant defined in the entry.
func shape(succs [][]ir.BlockID) *ir.Function {
	fn := &ir.Function{Values: []ir.Value{{Type: 0}}}
	for range succs {
		fn.NewBlock("")
	}
	fn.Blocks[0].Insts = []ir.Inst{{Dest: 0, Kind: ir.InstConst{Bits: 1}}}
	for b, s := range succs {
		switch len(s) {
		case 0:
			fn.Blocks[b].Term = ir.TermReturn{Value: ir.NoValue}
		case 1:
			fn.Blocks[b].Term = ir.TermBranch{Target: s[0]}
		default:
			fn.Blocks[b].Term = ir.TermCondBranch{Cond: 0, Then: s[0], Else: s[1]}
		}
	}
	return fn
}

func TestDominators_Diamond(t *testing.T) {
	// 0 -> 1, 2 -> 3
	g := New(shape([][]ir.BlockID{{1, 2}, {3}, {3}, {}}))
	dom := g.Dominators()
	for b := ir.BlockID(1); b < 4; b++ {
		idom, ok := dom.IDom(b)
		require.True(t, ok)
		assert.Equal(t, ir.BlockID(0), idom)
	}
	assert.True(t, dom.Dominates(0, 3))
	assert.False(t, dom.Dominates(1, 3))

	pdom := g.PostDominators()
	assert.True(t, pdom.Dominates(3, 0))
	assert.True(t, pdom.Dominates(3, 1))
	assert.False(t, pdom.Dominates(1, 0))

	deps := g.ControlDependence(pdom)
	assert.Equal(t, []ir.BlockID{0}, deps[1])
	assert.Equal(t, []ir.BlockID{0}, deps[2])
	assert.Empty(t, deps[3])
}

func TestLoops(t *testing.T) {
	// 0 -> 1 (header) -> 2 (body) -> 1, 1 -> 3 (exit); body self-loop on 2 via 4
	g := New(shape([][]ir.BlockID{{1}, {2, 3}, {4}, {}, {2, 1}}))
	loops := g.Loops(g.Dominators())
	require.Len(t, loops, 2)

	outer := loops[0]
	assert.Equal(t, ir.BlockID(1), outer.Header)
	assert.True(t, outer.Contains(2))
	assert.True(t, outer.Contains(4))
	assert.False(t, outer.Contains(3))
	assert.Equal(t, []Edge{{From: 0, To: 1}}, outer.EntryEdges(g))
	assert.Equal(t, []Edge{{From: 4, To: 1}}, outer.BackEdges())
	assert.Equal(t, []Edge{{From: 1, To: 3}}, outer.ExitEdges(g))

	inner := loops[1]
	assert.Equal(t, ir.BlockID(2), inner.Header)
	assert.False(t, inner.Contains(1))

	// The loop body depends on the header's exit test.
	deps := g.ControlDependence(g.PostDominators())
	assert.Contains(t, deps[2], ir.BlockID(1))
}

func TestLiveness(t *testing.T) {
	fn := shape([][]ir.BlockID{{1, 2}, {3}, {3}, {}})
	// %1 defined in the entry, used in block 3.
	fn.Values = append(fn.Values, ir.Value{Type: 0})
	fn.Blocks[0].Insts = append(fn.Blocks[0].Insts, ir.Inst{Dest: 1, Kind: ir.InstConst{Bits: 2}})
	fn.Blocks[3].Term = ir.TermReturn{Value: 1}

	live := ComputeLiveness(New(fn))
	assert.True(t, live.In[1].Has(1))
	assert.True(t, live.In[3].Has(1))
	assert.False(t, live.In[0].Has(1))
	assert.Equal(t, []ir.ValueID{1}, live.Out[0].Values())
}

func TestRecursiveFunctions(t *testing.T) {
	call := func(callee ir.FunctionHandle) ir.Block {
		return ir.Block{
			Insts: []ir.Inst{{Dest: ir.NoValue, Kind: ir.InstCall{Callee: callee}}},
			Term:  ir.TermReturn{Value: ir.NoValue},
		}
	}
	m := &ir.Module{Functions: []ir.Function{
		{Name: "a", Blocks: []ir.Block{call(1)}},
		{Name: "b", Blocks: []ir.Block{call(0)}},
		{Name: "c", Blocks: []ir.Block{call(2)}},
		{Name: "d", Blocks: []ir.Block{call(0)}},
	}}
	got := RecursiveFunctions(m)
	assert.ElementsMatch(t, []ir.FunctionHandle{0, 1, 2}, got)

	reach := ReachableFunctions(m, 3)
	assert.Equal(t, []bool{true, true, false, true}, reach)
}
