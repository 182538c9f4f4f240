// Package cfg implements graph algorithms over IR functions: predecessor
// maps, dominator and post-dominator trees, natural loops, control
// dependence and register liveness.
//
// Dominance is computed with gonum's Lengauer-Tarjan implementation over a
// gonum directed graph mirroring the block graph. Post-dominance runs the
// same algorithm on the reversed graph rooted at a virtual exit node that
// every returning block flows into.
package cfg

import (
	"slices"

	"gonum.org/v1/gonum/graph/flow"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/gogpu/kernelc/ir"
)

// Graph is the block graph of one function. It is a snapshot: it must be
// rebuilt after the function's terminators change.
type Graph struct {
	Fn    *ir.Function
	Succs [][]ir.BlockID
	Preds [][]ir.BlockID
}

// New builds the block graph of fn.
func New(fn *ir.Function) *Graph {
	n := len(fn.Blocks)
	g := &Graph{
		Fn:    fn,
		Succs: make([][]ir.BlockID, n),
		Preds: make([][]ir.BlockID, n),
	}
	for b := range fn.Blocks {
		for _, s := range ir.Successors(fn.Blocks[b].Term) {
			g.Succs[b] = append(g.Succs[b], s)
			if !slices.Contains(g.Preds[s], ir.BlockID(b)) {
				g.Preds[s] = append(g.Preds[s], ir.BlockID(b))
			}
		}
	}
	return g
}

// Len returns the number of blocks.
func (g *Graph) Len() int { return len(g.Succs) }

// Reachable marks the blocks reachable from the entry block.
func (g *Graph) Reachable() []bool {
	seen := make([]bool, g.Len())
	if g.Len() == 0 {
		return seen
	}
	stack := []ir.BlockID{0}
	seen[0] = true
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range g.Succs[b] {
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	return seen
}

// ReversePostOrder returns the reachable blocks in reverse post-order.
func (g *Graph) ReversePostOrder() []ir.BlockID {
	if g.Len() == 0 {
		return nil
	}
	seen := make([]bool, g.Len())
	var post []ir.BlockID
	var visit func(b ir.BlockID)
	visit = func(b ir.BlockID) {
		seen[b] = true
		for _, s := range g.Succs[b] {
			if !seen[s] {
				visit(s)
			}
		}
		post = append(post, b)
	}
	visit(0)
	slices.Reverse(post)
	return post
}

// Exits returns the blocks without successors.
func (g *Graph) Exits() []ir.BlockID {
	var out []ir.BlockID
	for b, succs := range g.Succs {
		if len(succs) == 0 {
			out = append(out, ir.BlockID(b))
		}
	}
	return out
}

// DomTree is a dominator or post-dominator tree.
type DomTree struct {
	// idom[b] is the immediate dominator of b, or -1 for the root, for
	// blocks whose immediate post-dominator is the virtual exit, and for
	// unreachable blocks.
	idom []int32
	// inTree marks blocks the tree covers.
	inTree []bool
}

// IDom returns the immediate dominator of b.
func (t *DomTree) IDom(b ir.BlockID) (ir.BlockID, bool) {
	if t.idom[b] < 0 {
		return 0, false
	}
	return ir.BlockID(t.idom[b]), true
}

// Covers reports whether b is part of the tree.
func (t *DomTree) Covers(b ir.BlockID) bool { return t.inTree[b] }

// Dominates reports whether a dominates b. Every block dominates itself.
func (t *DomTree) Dominates(a, b ir.BlockID) bool {
	if !t.inTree[a] || !t.inTree[b] {
		return false
	}
	for {
		if a == b {
			return true
		}
		p := t.idom[b]
		if p < 0 {
			return false
		}
		b = ir.BlockID(p)
	}
}

// Dominators computes the dominator tree rooted at the entry block.
func (g *Graph) Dominators() *DomTree {
	dg := simple.NewDirectedGraph()
	for b := 0; b < g.Len(); b++ {
		dg.AddNode(simple.Node(b))
	}
	for b, succs := range g.Succs {
		for _, s := range succs {
			if int(s) != b {
				dg.SetEdge(simple.Edge{F: simple.Node(b), T: simple.Node(s)})
			}
		}
	}
	return g.tree(flow.Dominators(simple.Node(0), dg), g.Len(), g.Reachable())
}

// PostDominators computes the post-dominator tree. Blocks that cannot reach
// an exit are not covered.
func (g *Graph) PostDominators() *DomTree {
	exit := g.Len()
	dg := simple.NewDirectedGraph()
	for b := 0; b <= exit; b++ {
		dg.AddNode(simple.Node(b))
	}
	for b, succs := range g.Succs {
		for _, s := range succs {
			if int(s) != b {
				dg.SetEdge(simple.Edge{F: simple.Node(s), T: simple.Node(b)})
			}
		}
	}
	for _, e := range g.Exits() {
		dg.SetEdge(simple.Edge{F: simple.Node(exit), T: simple.Node(e)})
	}

	covered := make([]bool, g.Len())
	stack := []int{exit}
	seen := make([]bool, exit+1)
	seen[exit] = true
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		var preds []ir.BlockID
		if b == exit {
			preds = g.Exits()
		} else {
			covered[b] = true
			preds = g.Preds[b]
		}
		for _, p := range preds {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, int(p))
			}
		}
	}
	return g.tree(flow.Dominators(simple.Node(exit), dg), g.Len(), covered)
}

func (g *Graph) tree(dt flow.DominatorTree, n int, covered []bool) *DomTree {
	t := &DomTree{idom: make([]int32, n), inTree: covered}
	for b := 0; b < n; b++ {
		t.idom[b] = -1
		if !covered[b] {
			continue
		}
		if d := dt.DominatorOf(int64(b)); d != nil && d.ID() < int64(n) {
			t.idom[b] = int32(d.ID())
		}
	}
	return t
}
