package link

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/gogpu/kernelc/cfg"
	"github.com/gogpu/kernelc/ir"
)

// maxInlines bounds the number of call sites expanded into one function.
const maxInlines = 1 << 14

// InlineCall replaces the call at instruction i of block b in fn with a copy
// of the callee's body. The block is split after the call; the callee's
// returns branch to the continuation, where a phi collects the result.
func InlineCall(m *ir.Module, fn ir.FunctionHandle, b ir.BlockID, i int) error {
	call := m.Functions[fn].Blocks[b].Insts[i]
	k, ok := call.Kind.(ir.InstCall)
	if !ok {
		return errors.Errorf("instruction %d of block %d is not a call", i, b)
	}
	if k.Callee == fn {
		return errors.Errorf("cannot inline %s into itself", m.Functions[fn].Name)
	}
	callee := m.Functions[k.Callee].Clone()
	if callee.IsDeclaration() {
		return errors.Errorf("cannot inline declaration %s", callee.Name)
	}
	caller := &m.Functions[fn]

	cont := caller.NewBlock(caller.Blocks[b].Label + ".cont")
	caller.Blocks[cont].Insts = slices.Clone(caller.Blocks[b].Insts[i+1:])
	caller.Blocks[cont].Term = caller.Blocks[b].Term
	caller.Blocks[b].Insts = caller.Blocks[b].Insts[:i]
	for _, s := range ir.Successors(caller.Blocks[cont].Term) {
		retargetPhis(caller, s, b, cont)
	}

	params := map[ir.ValueID]ir.ValueID{}
	for _, blk := range callee.Blocks {
		for _, inst := range blk.Insts {
			if p, ok := inst.Kind.(ir.InstParam); ok {
				params[inst.Dest] = k.Args[p.Index]
			}
		}
	}
	valueBase := ir.ValueID(len(caller.Values))
	localBase := uint32(len(caller.Locals))
	blockBase := ir.BlockID(len(caller.Blocks))
	fv := func(v ir.ValueID) ir.ValueID {
		if a, ok := params[v]; ok {
			return a
		}
		return valueBase + v
	}
	fb := func(id ir.BlockID) ir.BlockID { return blockBase + id }

	caller.Values = append(caller.Values, callee.Values...)
	for _, l := range callee.Locals {
		caller.Locals = append(caller.Locals, ir.LocalVariable{Name: callee.Name + "." + l.Name, Type: l.Type})
	}

	var returns []ir.PhiIncoming
	for cb, blk := range callee.Blocks {
		out := ir.Block{Label: callee.Name + "." + blk.Label}
		for _, inst := range blk.Insts {
			var kind ir.InstKind
			switch ik := inst.Kind.(type) {
			case ir.InstParam:
				continue
			case ir.InstLocalAddr:
				kind = ir.InstLocalAddr{Local: ik.Local + localBase}
			case ir.InstPhi:
				in := make([]ir.PhiIncoming, len(ik.Incoming))
				for j, p := range ik.Incoming {
					in[j] = ir.PhiIncoming{Block: fb(p.Block), Value: fv(p.Value)}
				}
				kind = ir.InstPhi{Incoming: in}
			default:
				kind = ir.MapOperands(inst.Kind, fv)
			}
			dest := inst.Dest
			if dest != ir.NoValue {
				dest = fv(dest)
			}
			out.Insts = append(out.Insts, ir.Inst{Dest: dest, Kind: kind})
		}
		if ret, ok := blk.Term.(ir.TermReturn); ok {
			if ret.Value != ir.NoValue {
				returns = append(returns, ir.PhiIncoming{Block: fb(ir.BlockID(cb)), Value: fv(ret.Value)})
			}
			out.Term = ir.TermBranch{Target: cont}
		} else {
			out.Term = ir.MapTerm(blk.Term, fv, fb)
		}
		caller.Blocks = append(caller.Blocks, out)
	}
	caller.Blocks[b].Term = ir.TermBranch{Target: blockBase}

	if call.Dest != ir.NoValue {
		var result ir.Inst
		if len(returns) == 0 {
			result = ir.Inst{Dest: call.Dest, Kind: ir.InstConst{}}
		} else {
			result = ir.Inst{Dest: call.Dest, Kind: ir.InstPhi{Incoming: returns}}
		}
		caller.Blocks[cont].Insts = slices.Insert(caller.Blocks[cont].Insts, 0, result)
	}
	return nil
}

// retargetPhis rewrites phi inputs of block s that arrive from old so that
// they arrive from repl.
func retargetPhis(fn *ir.Function, s, old, repl ir.BlockID) {
	for j, inst := range fn.Blocks[s].Insts {
		phi, ok := inst.Kind.(ir.InstPhi)
		if !ok {
			break
		}
		in := slices.Clone(phi.Incoming)
		for n := range in {
			if in[n].Block == old {
				in[n].Block = repl
			}
		}
		fn.Blocks[s].Insts[j].Kind = ir.InstPhi{Incoming: in}
	}
}

// InlineAll expands, in fn, every call to a defined function for which want
// returns true, including calls exposed by earlier expansions. Recursive
// callees are never expanded. It returns the number of call sites expanded.
func InlineAll(m *ir.Module, fn ir.FunctionHandle, want func(callee ir.FunctionHandle, call ir.InstCall) bool) (int, error) {
	recursive := map[ir.FunctionHandle]bool{}
	for _, f := range cfg.RecursiveFunctions(m) {
		recursive[f] = true
	}
	n := 0
	for b := 0; b < len(m.Functions[fn].Blocks); b++ {
		for i := 0; i < len(m.Functions[fn].Blocks[b].Insts); i++ {
			call, ok := m.Functions[fn].Blocks[b].Insts[i].Kind.(ir.InstCall)
			if !ok || call.Callee == fn || recursive[call.Callee] || m.Functions[call.Callee].IsDeclaration() {
				continue
			}
			if want != nil && !want(call.Callee, call) {
				continue
			}
			if n == maxInlines {
				return n, errors.Errorf("%s: more than %d call sites to inline", m.Functions[fn].Name, maxInlines)
			}
			if err := InlineCall(m, fn, ir.BlockID(b), i); err != nil {
				return n, err
			}
			n++
			// The rest of block b moved to the continuation block.
			break
		}
	}
	return n, nil
}
