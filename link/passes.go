package link

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/cfg"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
)

// Pass is one module transformation. Roots name the functions that must
// survive; everything else may be removed once nothing reaches it.
type Pass struct {
	Name string
	Run  func(m *ir.Module, roots []ir.FunctionHandle) error
}

// The standard passes.
var (
	Inline      = Pass{Name: "inline", Run: inlinePass}
	ConstFold   = Pass{Name: "constfold", Run: constFoldPass}
	SimplifyCFG = Pass{Name: "simplifycfg", Run: simplifyCFGPass}
	DCE         = Pass{Name: "dce", Run: dcePass}
	GlobalDCE   = Pass{Name: "globaldce", Run: globalDCEPass}
)

// DefaultPasses is the pipeline run on linked work-group functions.
func DefaultPasses() []Pass {
	return []Pass{Inline, ConstFold, SimplifyCFG, DCE, GlobalDCE}
}

// Optimize runs passes over m in order, validating the module after each.
// A nil pass list runs DefaultPasses. A pass producing invalid IR is a link
// error naming the pass.
func Optimize(m *ir.Module, roots []string, passes ...Pass) error {
	if passes == nil {
		passes = DefaultPasses()
	}
	for _, p := range passes {
		handles := make([]ir.FunctionHandle, len(roots))
		for i, name := range roots {
			h, ok := m.FunctionByName(name)
			if !ok {
				return diag.Errorf(diag.KindLink, "optimize: root %q not found", name)
			}
			handles[i] = h
		}
		if err := p.Run(m, handles); err != nil {
			return diag.New(diag.KindLink, errors.WithMessagef(err, "pass %s", p.Name))
		}
		if err := ir.Check(m); err != nil {
			return diag.New(diag.KindLink, errors.WithMessagef(err, "pass %s produced invalid IR", p.Name))
		}
		klog.V(3).Infof("pass %s done: %d function(s)", p.Name, len(m.Functions))
	}
	return nil
}

// inlinePass expands every call with scalar arguments in the roots. Calls
// with vector arguments run the callee once per lane and are kept.
func inlinePass(m *ir.Module, roots []ir.FunctionHandle) error {
	for _, r := range roots {
		fn := r
		_, err := InlineAll(m, fn, func(_ ir.FunctionHandle, call ir.InstCall) bool {
			for _, a := range call.Args {
				if m.Functions[fn].Values[a].Width() > 1 {
					return false
				}
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func definedFunctions(m *ir.Module) []*ir.Function {
	var out []*ir.Function
	for i := range m.Functions {
		if !m.Functions[i].IsDeclaration() {
			out = append(out, &m.Functions[i])
		}
	}
	return out
}

// constFoldPass evaluates instructions whose operands are all constants,
// resolves selects and single-valued phis, and turns branches on constants
// into jumps.
func constFoldPass(m *ir.Module, _ []ir.FunctionHandle) error {
	for _, fn := range definedFunctions(m) {
		foldFunction(m, fn)
	}
	return nil
}

func foldFunction(m *ir.Module, fn *ir.Function) {
	consts := map[ir.ValueID]uint64{}
	subst := map[ir.ValueID]ir.ValueID{}
	resolve := func(v ir.ValueID) ir.ValueID {
		for {
			r, ok := subst[v]
			if !ok {
				return v
			}
			v = r
		}
	}
	scalar := func(v ir.ValueID) (ir.ScalarType, bool) {
		return m.Scalar(fn.Values[v].Type)
	}

	for changed := true; changed; {
		changed = false
		for b := range fn.Blocks {
			for i, inst := range fn.Blocks[b].Insts {
				if inst.Dest == ir.NoValue {
					continue
				}
				if _, done := consts[inst.Dest]; done {
					continue
				}
				if _, done := subst[inst.Dest]; done {
					continue
				}
				kind := ir.MapOperands(inst.Kind, resolve)
				c := func(v ir.ValueID) (uint64, bool) {
					bits, ok := consts[v]
					return bits, ok
				}
				var (
					bits   uint64
					folded bool
				)
				switch k := kind.(type) {
				case ir.InstConst:
					bits, folded = k.Bits, true
				case ir.InstBinary:
					a, okA := c(k.Left)
					bb, okB := c(k.Right)
					s, isScalar := scalar(k.Left)
					if okA && okB && isScalar {
						r, err := ir.EvalBinary(s, k.Op, a, bb)
						bits, folded = r, err == nil
					}
				case ir.InstUnary:
					a, ok := c(k.Operand)
					s, isScalar := scalar(k.Operand)
					if ok && isScalar {
						bits, folded = ir.EvalUnary(s, k.Op, a), true
					}
				case ir.InstCompare:
					a, okA := c(k.Left)
					bb, okB := c(k.Right)
					s, isScalar := scalar(k.Left)
					if okA && okB && isScalar {
						bits, folded = boolBits(ir.EvalCompare(s, k.Op, a, bb)), true
					}
				case ir.InstConvert:
					a, ok := c(k.Operand)
					from, okFrom := scalar(k.Operand)
					to, okTo := scalar(inst.Dest)
					if ok && okFrom && okTo {
						bits, folded = ir.EvalConvert(from, to, a), true
					}
				case ir.InstSelect:
					if cond, ok := c(k.Cond); ok {
						pick := k.Reject
						if cond != 0 {
							pick = k.Accept
						}
						subst[inst.Dest] = pick
						changed = true
					}
				case ir.InstPhi:
					if v, ok := samePhiValue(k, inst.Dest); ok {
						subst[inst.Dest] = v
						changed = true
					}
				}
				if folded && fn.Values[inst.Dest].Width() == 1 {
					consts[inst.Dest] = bits
					fn.Blocks[b].Insts[i].Kind = ir.InstConst{Bits: bits}
					changed = true
				}
			}
		}
	}

	for b := range fn.Blocks {
		blk := &fn.Blocks[b]
		for i, inst := range blk.Insts {
			if _, gone := subst[inst.Dest]; gone && inst.Dest != ir.NoValue {
				// Left for dce; the operands are rewritten below.
				continue
			}
			blk.Insts[i].Kind = ir.MapOperands(inst.Kind, resolve)
		}
		blk.Term = ir.MapTerm(blk.Term, resolve, nil)
		cb, ok := blk.Term.(ir.TermCondBranch)
		if !ok {
			continue
		}
		cond, known := consts[cb.Cond]
		if !known {
			continue
		}
		keep, drop := cb.Else, cb.Then
		if cond != 0 {
			keep, drop = cb.Then, cb.Else
		}
		blk.Term = ir.TermBranch{Target: keep}
		if drop != keep {
			dropPhiInputs(fn, drop, ir.BlockID(b))
		}
	}
}

// samePhiValue reports the single value a phi merges, ignoring inputs that
// are the phi itself.
func samePhiValue(phi ir.InstPhi, self ir.ValueID) (ir.ValueID, bool) {
	v := ir.NoValue
	for _, in := range phi.Incoming {
		if in.Value == self || in.Value == v {
			continue
		}
		if v != ir.NoValue {
			return 0, false
		}
		v = in.Value
	}
	return v, v != ir.NoValue
}

// dropPhiInputs removes the inputs of phis in block s that arrive from pred.
func dropPhiInputs(fn *ir.Function, s, pred ir.BlockID) {
	for j, inst := range fn.Blocks[s].Insts {
		phi, ok := inst.Kind.(ir.InstPhi)
		if !ok {
			break
		}
		var in []ir.PhiIncoming
		for _, p := range phi.Incoming {
			if p.Block != pred {
				in = append(in, p)
			}
		}
		if len(in) == 0 {
			// s is now unreachable; simplifycfg deletes it.
			continue
		}
		fn.Blocks[s].Insts[j].Kind = ir.InstPhi{Incoming: in}
	}
}

func boolBits(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// simplifyCFGPass removes unreachable blocks and merges each block into its
// predecessor when that predecessor jumps to nothing else.
func simplifyCFGPass(m *ir.Module, _ []ir.FunctionHandle) error {
	for _, fn := range definedFunctions(m) {
		for {
			cfg.Prune(fn)
			if !mergeOne(fn) {
				break
			}
		}
		cfg.Prune(fn)
	}
	return nil
}

// mergeOne merges the first block that has a single predecessor ending in an
// unconditional jump to it. It reports whether anything changed.
func mergeOne(fn *ir.Function) bool {
	g := cfg.New(fn)
	for s := 1; s < len(fn.Blocks); s++ {
		if len(g.Preds[s]) != 1 {
			continue
		}
		p := g.Preds[s][0]
		br, ok := fn.Blocks[p].Term.(ir.TermBranch)
		if !ok || p == ir.BlockID(s) || br.Target != ir.BlockID(s) {
			continue
		}
		subst := map[ir.ValueID]ir.ValueID{}
		var moved []ir.Inst
		for _, inst := range fn.Blocks[s].Insts {
			if phi, isPhi := inst.Kind.(ir.InstPhi); isPhi && len(phi.Incoming) > 0 {
				subst[inst.Dest] = phi.Incoming[0].Value
				continue
			}
			moved = append(moved, inst)
		}
		fn.Blocks[p].Insts = append(fn.Blocks[p].Insts, moved...)
		fn.Blocks[p].Term = fn.Blocks[s].Term
		fn.Blocks[s] = ir.Block{Label: fn.Blocks[s].Label, Term: ir.TermUnreachable{}}
		for _, succ := range ir.Successors(fn.Blocks[p].Term) {
			retargetPhis(fn, succ, ir.BlockID(s), p)
		}
		if len(subst) > 0 {
			substitute(fn, subst)
		}
		return true
	}
	return false
}

func substitute(fn *ir.Function, subst map[ir.ValueID]ir.ValueID) {
	f := func(v ir.ValueID) ir.ValueID {
		for {
			r, ok := subst[v]
			if !ok {
				return v
			}
			v = r
		}
	}
	for b := range fn.Blocks {
		blk := &fn.Blocks[b]
		for i := range blk.Insts {
			blk.Insts[i].Kind = ir.MapOperands(blk.Insts[i].Kind, f)
		}
		blk.Term = ir.MapTerm(blk.Term, f, nil)
	}
}

// dcePass deletes instructions whose results are unused and that have no
// side effects.
func dcePass(m *ir.Module, _ []ir.FunctionHandle) error {
	for _, fn := range definedFunctions(m) {
		for removeDead(m, fn) > 0 {
		}
	}
	return nil
}

func removeDead(m *ir.Module, fn *ir.Function) int {
	used := make([]bool, len(fn.Values))
	for _, blk := range fn.Blocks {
		for _, inst := range blk.Insts {
			for _, op := range ir.Operands(inst.Kind) {
				used[op] = true
			}
		}
		for _, op := range ir.TermOperands(blk.Term) {
			used[op] = true
		}
	}
	removed := 0
	for b := range fn.Blocks {
		blk := &fn.Blocks[b]
		blk.Insts = slices.DeleteFunc(blk.Insts, func(inst ir.Inst) bool {
			dead := inst.Dest != ir.NoValue && !used[inst.Dest] && !m.HasSideEffects(inst.Kind)
			if dead {
				removed++
			}
			return dead
		})
	}
	return removed
}

// globalDCEPass removes functions the roots do not reach and globals no
// remaining function refers to. Annotations on removed functions go too.
func globalDCEPass(m *ir.Module, roots []ir.FunctionHandle) error {
	live := cfg.ReachableFunctions(m, roots...)
	fmap := make([]ir.FunctionHandle, len(m.Functions))
	var functions []ir.Function
	for i := range m.Functions {
		if live[i] {
			fmap[i] = ir.FunctionHandle(len(functions))
			functions = append(functions, m.Functions[i])
		}
	}

	usedGlobals := make([]bool, len(m.Globals))
	for f := range functions {
		for _, blk := range functions[f].Blocks {
			for _, inst := range blk.Insts {
				if ga, ok := inst.Kind.(ir.InstGlobalAddr); ok {
					usedGlobals[ga.Global] = true
				}
			}
		}
	}
	gmap := make([]ir.GlobalHandle, len(m.Globals))
	var globals []ir.GlobalVariable
	for i, g := range m.Globals {
		if usedGlobals[i] {
			gmap[i] = ir.GlobalHandle(len(globals))
			globals = append(globals, g)
		}
	}

	for f := range functions {
		for b := range functions[f].Blocks {
			insts := functions[f].Blocks[b].Insts
			for i, inst := range insts {
				switch k := inst.Kind.(type) {
				case ir.InstCall:
					k.Callee = fmap[k.Callee]
					insts[i].Kind = k
				case ir.InstGlobalAddr:
					insts[i].Kind = ir.InstGlobalAddr{Global: gmap[k.Global]}
				}
			}
		}
	}

	var annotations []ir.Annotation
	for _, a := range m.Annotations {
		keep := true
		ops := slices.Clone(a.Operands)
		for j, op := range ops {
			if ref, ok := op.(ir.MDFunction); ok {
				if !live[ref.Function] {
					keep = false
					break
				}
				ops[j] = ir.MDFunction{Function: fmap[ref.Function]}
			}
		}
		if keep {
			annotations = append(annotations, ir.Annotation{Name: a.Name, Operands: ops})
		}
	}

	klog.V(3).Infof("globaldce: kept %d/%d function(s), %d/%d global(s)",
		len(functions), len(m.Functions), len(globals), len(m.Globals))
	m.Functions = functions
	m.Globals = globals
	m.Annotations = annotations
	return nil
}
