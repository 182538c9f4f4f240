package cfg

import (
	"slices"

	"github.com/gogpu/kernelc/ir"
)

// Loop is a natural loop. Loops sharing a header are merged.
type Loop struct {
	Header  ir.BlockID
	Latches []ir.BlockID
	Blocks  []bool // indexed by block
}

// Contains reports whether b belongs to the loop.
func (l *Loop) Contains(b ir.BlockID) bool {
	return int(b) < len(l.Blocks) && l.Blocks[b]
}

// Edge is a control-flow edge.
type Edge struct {
	From, To ir.BlockID
}

// EntryEdges returns the edges entering the header from outside the loop.
func (l *Loop) EntryEdges(g *Graph) []Edge {
	var out []Edge
	for _, p := range g.Preds[l.Header] {
		if !l.Contains(p) {
			out = append(out, Edge{From: p, To: l.Header})
		}
	}
	return out
}

// BackEdges returns the latch to header edges.
func (l *Loop) BackEdges() []Edge {
	out := make([]Edge, len(l.Latches))
	for i, latch := range l.Latches {
		out[i] = Edge{From: latch, To: l.Header}
	}
	return out
}

// ExitEdges returns the edges leaving the loop.
func (l *Loop) ExitEdges(g *Graph) []Edge {
	var out []Edge
	for b, in := range l.Blocks {
		if !in {
			continue
		}
		for _, s := range g.Succs[b] {
			if !l.Contains(s) {
				out = append(out, Edge{From: ir.BlockID(b), To: s})
			}
		}
	}
	return out
}

// Loops finds the natural loops of the graph, outermost first.
func (g *Graph) Loops(dom *DomTree) []*Loop {
	byHeader := map[ir.BlockID]*Loop{}
	var order []ir.BlockID
	for _, b := range g.ReversePostOrder() {
		for _, s := range g.Succs[b] {
			if !dom.Dominates(s, b) {
				continue
			}
			l, ok := byHeader[s]
			if !ok {
				l = &Loop{Header: s, Blocks: make([]bool, g.Len())}
				l.Blocks[s] = true
				byHeader[s] = l
				order = append(order, s)
			}
			l.Latches = append(l.Latches, b)
			g.fillLoop(l, b)
		}
	}
	loops := make([]*Loop, 0, len(order))
	for _, h := range order {
		loops = append(loops, byHeader[h])
	}
	slices.SortStableFunc(loops, func(a, b *Loop) int {
		return count(b.Blocks) - count(a.Blocks)
	})
	return loops
}

func (g *Graph) fillLoop(l *Loop, latch ir.BlockID) {
	stack := []ir.BlockID{latch}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if l.Blocks[b] {
			continue
		}
		l.Blocks[b] = true
		stack = append(stack, g.Preds[b]...)
	}
}

func count(set []bool) int {
	n := 0
	for _, in := range set {
		if in {
			n++
		}
	}
	return n
}

// ControlDependence returns, per block, the branch blocks it is control
// dependent on.
func (g *Graph) ControlDependence(pdom *DomTree) [][]ir.BlockID {
	deps := make([][]ir.BlockID, g.Len())
	for a, succs := range g.Succs {
		if len(succs) < 2 {
			continue
		}
		stop := int32(-1)
		if ip, ok := pdom.IDom(ir.BlockID(a)); ok {
			stop = int32(ip)
		}
		for _, s := range succs {
			runner := int32(s)
			for runner >= 0 && runner != stop {
				if !slices.Contains(deps[runner], ir.BlockID(a)) {
					deps[runner] = append(deps[runner], ir.BlockID(a))
				}
				if !pdom.Covers(ir.BlockID(runner)) {
					break
				}
				next, ok := pdom.IDom(ir.BlockID(runner))
				if !ok {
					break
				}
				runner = int32(next)
			}
		}
	}
	return deps
}
