package cfg

import (
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/gogpu/kernelc/ir"
)

// Callees returns the functions called directly by fn, without duplicates.
func Callees(fn *ir.Function) []ir.FunctionHandle {
	seen := map[ir.FunctionHandle]bool{}
	var out []ir.FunctionHandle
	for _, block := range fn.Blocks {
		for _, inst := range block.Insts {
			if call, ok := inst.Kind.(ir.InstCall); ok && !seen[call.Callee] {
				seen[call.Callee] = true
				out = append(out, call.Callee)
			}
		}
	}
	return out
}

// ReachableFunctions marks the functions reachable from roots through calls,
// including the roots.
func ReachableFunctions(m *ir.Module, roots ...ir.FunctionHandle) []bool {
	seen := make([]bool, len(m.Functions))
	stack := append([]ir.FunctionHandle(nil), roots...)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[f] {
			continue
		}
		seen[f] = true
		stack = append(stack, Callees(&m.Functions[f])...)
	}
	return seen
}

// RecursiveFunctions returns the functions that take part in a call cycle,
// direct or indirect.
func RecursiveFunctions(m *ir.Module) []ir.FunctionHandle {
	g := simple.NewDirectedGraph()
	self := map[ir.FunctionHandle]bool{}
	for f := range m.Functions {
		g.AddNode(simple.Node(f))
	}
	for f := range m.Functions {
		for _, c := range Callees(&m.Functions[f]) {
			if int(c) == f {
				self[c] = true
				continue
			}
			g.SetEdge(simple.Edge{F: simple.Node(f), T: simple.Node(c)})
		}
	}
	var out []ir.FunctionHandle
	for _, scc := range topo.TarjanSCC(g) {
		if len(scc) > 1 {
			for _, n := range scc {
				out = append(out, ir.FunctionHandle(n.ID()))
			}
			continue
		}
		if f := ir.FunctionHandle(scc[0].ID()); self[f] {
			out = append(out, f)
		}
	}
	return out
}
