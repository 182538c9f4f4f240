// Package workgroup turns a kernel, written for one work-item, into a
// work-group function that runs every work-item of a group sequentially.
//
// The kernel is first flattened and normalized: helpers are inlined, phis
// become private slots, barriers get blocks of their own and implicit
// barriers are added at entry, at exit and around loops that contain a
// barrier. The code between consecutive barriers forms a region. Each region
// is replicated inside a z/y/x loop nest over the work-items, with private
// state moved into per-work-item arrays, and a dispatch chain sequences the
// regions.
package workgroup

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/builtins"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/kernel"
	"github.com/gogpu/kernelc/target"
)

// Context words of the execution-context parameter.
const (
	CtxGroupID      = 0
	CtxLocalSize    = 3
	CtxGlobalOffset = 6
	CtxNumGroups    = 9
	CtxWorkDim      = 12
	// CtxWords is the length of the context in 64-bit words.
	CtxWords = 13
)

// Options configure generation.
type Options struct {
	// LocalSize specializes the loops to a fixed size when all three
	// dimensions are non-zero. It must agree with a required size.
	LocalSize [3]uint32
	// MaxWorkGroupSize caps the work-group size. Unspecialized functions
	// size their per-work-item storage for this many work-items.
	MaxWorkGroupSize uint32
	// VectorWidth enables vectorized x loops when greater than one.
	VectorWidth int
	// Layout is the target data layout.
	Layout *target.DataLayout
}

// Result is a module holding the generated work-group function.
type Result struct {
	// Module is a copy of the input module with the function added.
	Module   *ir.Module
	Function ir.FunctionHandle
	Name     string
	// LocalSize is the specialized size, zero when unspecialized.
	LocalSize [3]uint32
	// Capacity is the number of work-items per-work-item storage holds.
	Capacity uint32
	// Regions counts the replicated regions, Vectorized those that also
	// got a vector loop.
	Regions    int
	Vectorized int
	Log        diag.Log
}

// Generate builds the work-group function of the kernel d describes. The
// input module is not modified.
func Generate(m *ir.Module, d *kernel.Descriptor, opts Options) (*Result, error) {
	if opts.Layout == nil {
		return nil, diag.ForKernel(diag.KindConfig, d.Name, errors.New("no data layout"))
	}
	size, err := localSize(d, opts)
	if err != nil {
		return nil, diag.ForKernel(diag.KindRestructure, d.Name, err)
	}
	capacity := size[0] * size[1] * size[2]
	if size[0] == 0 {
		capacity = opts.MaxWorkGroupSize
	}

	out := m.Clone()
	g := &generator{
		m:        out,
		types:    ir.NewTypeRegistry(out),
		d:        d,
		opts:     opts,
		size:     size,
		capacity: capacity,
	}
	g.sizeT = g.types.Scalar(ir.ScalarUint, opts.Layout.SizeTWidth())
	g.sizeTScalar = ir.ScalarType{Kind: ir.ScalarUint, Width: opts.Layout.SizeTWidth()}
	g.u32 = g.types.Scalar(ir.ScalarUint, 4)

	if err := g.prepare(); err != nil {
		return nil, diag.ForKernel(diag.KindRestructure, d.Name, err)
	}
	if err := g.analyze(); err != nil {
		return nil, diag.ForKernel(diag.KindRestructure, d.Name, err)
	}
	if err := g.emit(); err != nil {
		return nil, diag.ForKernel(diag.KindRestructure, d.Name, err)
	}
	if err := ir.Check(out); err != nil {
		return nil, diag.ForKernel(diag.KindRestructure, d.Name, errors.WithMessage(err, "generated function is invalid"))
	}

	res := &Result{
		Module:     out,
		Function:   g.wg,
		Name:       kernel.WorkGroupName(d.Name),
		LocalSize:  size,
		Capacity:   capacity,
		Regions:    g.regionCount,
		Vectorized: g.vectorized,
		Log:        g.log,
	}
	res.Log.Notef("workgroup", "%s: %d region(s), %d vectorized, capacity %d",
		res.Name, res.Regions, res.Vectorized, capacity)
	klog.V(1).Infof("generated %s: %d region(s), %d vectorized, capacity %d",
		res.Name, res.Regions, res.Vectorized, capacity)
	return res, nil
}

// localSize resolves the specialized size and checks it against the cap.
func localSize(d *kernel.Descriptor, opts Options) ([3]uint32, error) {
	var size [3]uint32
	requested := opts.LocalSize[0] != 0 && opts.LocalSize[1] != 0 && opts.LocalSize[2] != 0
	switch {
	case d.Specialized() && requested && d.ReqdWorkGroupSize != opts.LocalSize:
		return size, errors.Errorf("local size %v does not match the required size %v", opts.LocalSize, d.ReqdWorkGroupSize)
	case d.Specialized():
		size = d.ReqdWorkGroupSize
	case requested:
		size = opts.LocalSize
	}
	if opts.MaxWorkGroupSize == 0 {
		return size, errors.New("no maximum work-group size")
	}
	if n := uint64(size[0]) * uint64(size[1]) * uint64(size[2]); n > uint64(opts.MaxWorkGroupSize) {
		return size, errors.Errorf("work-group size %dx%dx%d exceeds the maximum of %d",
			size[0], size[1], size[2], opts.MaxWorkGroupSize)
	}
	return size, nil
}

// generator carries the state of one Generate call.
type generator struct {
	m     *ir.Module
	types *ir.TypeRegistry
	d     *kernel.Descriptor
	opts  Options
	log   diag.Log

	size     [3]uint32
	capacity uint32

	sizeT       ir.TypeHandle
	sizeTScalar ir.ScalarType
	u32         ir.TypeHandle

	// prep is the flattened, normalized copy of the kernel.
	prep    *ir.Function
	barrier ir.FunctionHandle
	// barriers lists the barrier blocks of prep; entry first, exit last.
	barriers []ir.BlockID
	exit     ir.BlockID

	uni *uniformity

	wg          ir.FunctionHandle
	regionCount int
	vectorized  int
}

// isBarrierCall reports whether inst calls a barrier builtin.
func (g *generator) isBarrierCall(inst ir.Inst) bool {
	call, ok := inst.Kind.(ir.InstCall)
	if !ok {
		return false
	}
	bi, ok := builtins.Lookup(g.m.Functions[call.Callee].Name)
	return ok && bi.Class == builtins.ClassBarrier
}
