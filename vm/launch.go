package vm

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// NDRange is the index space of a launch. Dimensions at or above WorkDim
// are ignored and read as size 1.
type NDRange struct {
	WorkDim      uint32
	GlobalOffset [3]uint64
	GlobalSize   [3]uint64
	LocalSize    [3]uint64
}

// Range1D returns a one-dimensional range.
func Range1D(global, local uint64) NDRange {
	return NDRange{WorkDim: 1, GlobalSize: [3]uint64{global}, LocalSize: [3]uint64{local}}
}

func (nd NDRange) normalize() (NDRange, error) {
	if nd.WorkDim < 1 || nd.WorkDim > 3 {
		return nd, errors.Errorf("work dimension %d is not in 1..3", nd.WorkDim)
	}
	for d := nd.WorkDim; d < 3; d++ {
		nd.GlobalOffset[d], nd.GlobalSize[d], nd.LocalSize[d] = 0, 1, 1
	}
	for d := range nd.WorkDim {
		if nd.LocalSize[d] == 0 || nd.GlobalSize[d]%nd.LocalSize[d] != 0 {
			return nd, errors.Errorf("global size %v is not a multiple of local size %v", nd.GlobalSize, nd.LocalSize)
		}
	}
	return nd, nil
}

// NumGroups returns the number of groups per dimension.
func (nd NDRange) NumGroups() [3]uint64 {
	var out [3]uint64
	for d := range out {
		out[d] = 1
		if nd.LocalSize[d] != 0 {
			out[d] = nd.GlobalSize[d] / nd.LocalSize[d]
		}
	}
	return out
}

// groups lists the group ids of nd, x fastest.
func (nd NDRange) groups() [][3]uint64 {
	n := nd.NumGroups()
	var out [][3]uint64
	for z := range n[2] {
		for y := range n[1] {
			for x := range n[0] {
				out = append(out, [3]uint64{x, y, z})
			}
		}
	}
	return out
}

// Launch runs every work-group of nd with at most parallelism groups at
// once; zero means one per CPU. The first failing group cancels the rest.
func Launch(ctx context.Context, p *Program, kernel string, args []Arg, nd NDRange, parallelism int) error {
	wg, err := p.WorkGroup(kernel)
	if err != nil {
		return err
	}
	nd, err = nd.normalize()
	if err != nil {
		return err
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	ids := nd.groups()
	klog.V(1).Infof("launching %s: %d group(s) of %v, parallelism %d", wg.Name(), len(ids), nd.LocalSize, parallelism)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return wg.Invoke(args, Group{ID: id, Range: nd})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
