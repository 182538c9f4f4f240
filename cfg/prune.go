package cfg

import "github.com/gogpu/kernelc/ir"

// Prune removes the blocks unreachable from the entry block and renumbers
// the rest, keeping their order. Phi inputs from removed blocks are dropped.
// It returns the number of blocks removed.
func Prune(fn *ir.Function) int {
	if len(fn.Blocks) == 0 {
		return 0
	}
	live := New(fn).Reachable()
	remap := make([]ir.BlockID, len(fn.Blocks))
	kept := fn.Blocks[:0:0]
	for b, ok := range live {
		if ok {
			remap[b] = ir.BlockID(len(kept))
			kept = append(kept, fn.Blocks[b])
		}
	}
	removed := len(fn.Blocks) - len(kept)
	if removed == 0 {
		return 0
	}
	for i := range kept {
		blk := &kept[i]
		blk.Term = ir.MapTerm(blk.Term, nil, func(b ir.BlockID) ir.BlockID { return remap[b] })
		for j := range blk.Insts {
			phi, ok := blk.Insts[j].Kind.(ir.InstPhi)
			if !ok {
				continue
			}
			var in []ir.PhiIncoming
			for _, p := range phi.Incoming {
				if live[p.Block] {
					in = append(in, ir.PhiIncoming{Block: remap[p.Block], Value: p.Value})
				}
			}
			blk.Insts[j].Kind = ir.InstPhi{Incoming: in}
		}
	}
	fn.Blocks = kept
	return removed
}
