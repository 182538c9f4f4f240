package vm

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/ir"
)

// Reference runs kernel directly from a linked module: one goroutine per
// work-item, meeting at barriers. Work-groups run one after another.
// Results of the generated work-group code should match it.
func Reference(ctx context.Context, m *ir.Module, kernel string, args []Arg, nd NDRange) error {
	p, err := newProgram(m)
	if err != nil {
		return err
	}
	h, ok := m.FunctionByName(kernel)
	if !ok || m.Functions[h].Kind != ir.FuncKernel {
		return errors.Errorf("no kernel named %q", kernel)
	}
	nd, err = nd.normalize()
	if err != nil {
		return err
	}
	ids := nd.groups()
	klog.V(1).Infof("reference run of %s: %d group(s) of %v", kernel, len(ids), nd.LocalSize)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.referenceGroup(h, args, nd, id); err != nil {
			return errors.WithMessagef(err, "group %v", id)
		}
	}
	return nil
}

func (p *Program) referenceGroup(h ir.FunctionHandle, args []Arg, nd NDRange, id [3]uint64) error {
	fn := &p.mod.Functions[h]

	// Local memory lives as long as the group.
	shared := map[ir.GlobalHandle][]byte{}
	for i, g := range p.mod.Globals {
		if g.Space == ir.SpaceLocal {
			shared[ir.GlobalHandle(i)] = p.globalImage(ir.GlobalHandle(i))
		}
	}
	locals := map[int][]byte{}
	for i, a := range args {
		if l, ok := a.(Local); ok {
			locals[i] = make([]byte, l)
		}
	}

	n := nd.LocalSize[0] * nd.LocalSize[1] * nd.LocalSize[2]
	bar := newCyclicBarrier(int(n))
	var g errgroup.Group
	for z := range nd.LocalSize[2] {
		for y := range nd.LocalSize[1] {
			for x := range nd.LocalSize[0] {
				wi := &workItem{nd: nd, group: id, local: [3]uint64{x, y, z}, bar: bar}
				g.Go(func() error {
					mc := p.newMachine(shared)
					mc.wi = wi
					params, err := mc.bind(fn, args, len(fn.Params), locals)
					if err == nil {
						err = mc.run(fn.Name, func() { mc.call(h, params) })
					}
					if err != nil {
						bar.abort()
						return errors.WithMessagef(err, "work-item %v", wi.local)
					}
					bar.leave()
					return nil
				})
			}
		}
	}
	return g.Wait()
}

// workItem answers work-item queries in the reference interpreter.
type workItem struct {
	nd    NDRange
	group [3]uint64
	local [3]uint64
	bar   *cyclicBarrier
}

func (wi *workItem) query(name string, dim uint64) uint64 {
	if name == "get_work_dim" {
		return uint64(wi.nd.WorkDim)
	}
	if dim >= 3 {
		switch name {
		case "get_global_size", "get_local_size", "get_num_groups":
			return 1
		}
		return 0
	}
	nd := wi.nd
	switch name {
	case "get_global_size":
		return nd.GlobalSize[dim]
	case "get_global_id":
		return nd.GlobalOffset[dim] + wi.group[dim]*nd.LocalSize[dim] + wi.local[dim]
	case "get_local_size":
		return nd.LocalSize[dim]
	case "get_local_id":
		return wi.local[dim]
	case "get_num_groups":
		return nd.NumGroups()[dim]
	case "get_group_id":
		return wi.group[dim]
	case "get_global_offset":
		return nd.GlobalOffset[dim]
	}
	trap("unknown work-item query %s", name)
	return 0
}

func (wi *workItem) barrier() {
	if err := wi.bar.wait(); err != nil {
		trap("%v", err)
	}
}
