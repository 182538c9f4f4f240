// Package vm executes object code: it loads a work-group object and runs
// work-groups of an NDRange, sequentially or concurrently. A reference
// interpreter runs the original kernel function one goroutine per
// work-item, meeting at barriers, to check the generated code against.
package vm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gogpu/kernelc/codegen"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/kernel"
	"github.com/gogpu/kernelc/target"
)

// Program is loaded code. It is immutable and safe for concurrent use.
type Program struct {
	mod    *ir.Module
	layout *target.DataLayout
	types  []typeInfo
	frames []frameInfo
	// shared holds the bytes of constant and global-space globals; nil for
	// globals each machine allocates itself.
	shared [][]byte

	// atomics serializes atomic builtins across every machine.
	atomics sync.Mutex
}

type typeInfo struct {
	scalar  ir.ScalarType // pointers read as u64
	pointer bool
	size    uint32 // store size
	alloc   uint32
	pointee ir.TypeHandle
}

type frameInfo struct {
	offsets []uint32
	size    uint32
}

var u64 = ir.ScalarType{Kind: ir.ScalarUint, Width: 8}

// Load reads an object written by codegen.Emit.
func Load(data []byte) (*Program, error) {
	m, err := codegen.Decode(data)
	if err != nil {
		return nil, errors.WithMessage(err, "loading object")
	}
	return newProgram(m)
}

func newProgram(m *ir.Module) (*Program, error) {
	dl := m.DataLayout
	if dl == "" {
		dl = target.DefaultLayout
	}
	layout, err := target.ParseDataLayout(dl)
	if err != nil {
		return nil, err
	}
	if layout.PointerSize(ir.SpaceGlobal) != 8 || layout.PointerSize(ir.SpacePrivate) != 8 {
		return nil, errors.New("only layouts with 64-bit pointers can be executed")
	}
	p := &Program{mod: m, layout: layout}

	p.types = make([]typeInfo, len(m.Types))
	for i, t := range m.Types {
		h := ir.TypeHandle(i)
		info := typeInfo{size: layout.StoreSize(m, h), alloc: layout.AllocSize(m, h)}
		switch in := t.Inner.(type) {
		case ir.ScalarType:
			info.scalar = in
		case ir.PointerType:
			info.scalar, info.pointer, info.pointee = u64, true, in.Base
		}
		p.types[i] = info
	}

	p.frames = make([]frameInfo, len(m.Functions))
	for i := range m.Functions {
		var fi frameInfo
		for _, l := range m.Functions[i].Locals {
			align := max(layout.ABIAlign(m, l.Type), 1)
			fi.size = (fi.size + align - 1) / align * align
			fi.offsets = append(fi.offsets, fi.size)
			fi.size += layout.AllocSize(m, l.Type)
		}
		p.frames[i] = fi
	}

	p.shared = make([][]byte, len(m.Globals))
	for i, g := range m.Globals {
		if g.Space == ir.SpaceConstant || g.Space == ir.SpaceGlobal {
			p.shared[i] = p.globalImage(ir.GlobalHandle(i))
		}
	}
	return p, nil
}

// globalImage returns fresh initialized bytes for a global.
func (p *Program) globalImage(g ir.GlobalHandle) []byte {
	gv := &p.mod.Globals[g]
	data := make([]byte, max(p.types[gv.Type].alloc, uint32(len(gv.Init))))
	copy(data, gv.Init)
	return data
}

// Module returns the loaded module. Callers must not modify it.
func (p *Program) Module() *ir.Module { return p.mod }

// WorkGroup is an executable work-group function.
type WorkGroup struct {
	p         *Program
	fn        ir.FunctionHandle
	name      string
	numArgs   int
	numLocals int
	capacity  uint64
	localSize [3]uint64
}

// WorkGroup returns the work-group function of the named kernel. Both the
// kernel name and the work-group function name are accepted.
func (p *Program) WorkGroup(name string) (*WorkGroup, error) {
	for _, want := range []string{name, kernel.WorkGroupName(name)} {
		for _, a := range p.mod.Annotations {
			if a.Name != ir.AnnotationWorkGroup || len(a.Operands) != 7 {
				continue
			}
			fn, ok := a.Operands[0].(ir.MDFunction)
			if !ok || p.mod.Functions[fn.Function].Name != want {
				continue
			}
			var ints [6]int64
			for i := range ints {
				v, ok := a.Operands[i+1].(ir.MDInt)
				if !ok {
					return nil, errors.Errorf("malformed %s annotation for %s", ir.AnnotationWorkGroup, want)
				}
				ints[i] = v.Value
			}
			return &WorkGroup{
				p:         p,
				fn:        fn.Function,
				name:      want,
				numArgs:   int(ints[0]),
				numLocals: int(ints[1]),
				capacity:  uint64(ints[2]),
				localSize: [3]uint64{uint64(ints[3]), uint64(ints[4]), uint64(ints[5])},
			}, nil
		}
	}
	return nil, errors.Errorf("no work-group function for %q", name)
}

// Name returns the work-group function name.
func (w *WorkGroup) Name() string { return w.name }

// LocalSize returns the size the function was specialized to, zero when
// it accepts any size up to its capacity.
func (w *WorkGroup) LocalSize() [3]uint64 { return w.localSize }

// Group selects one work-group of an NDRange.
type Group struct {
	ID    [3]uint64
	Range NDRange
}

// Invoke runs one work-group. args are the kernel arguments; automatic
// locals and the context are supplied by Invoke. It may be called from
// many goroutines at once.
func (w *WorkGroup) Invoke(args []Arg, group Group) error {
	nd, err := group.Range.normalize()
	if err != nil {
		return err
	}
	if w.localSize[0] != 0 && nd.LocalSize != w.localSize {
		return errors.Errorf("%s is specialized to local size %v, got %v", w.name, w.localSize, nd.LocalSize)
	}
	if n := nd.LocalSize[0] * nd.LocalSize[1] * nd.LocalSize[2]; n > w.capacity {
		return errors.Errorf("local size %v exceeds the capacity %d of %s", nd.LocalSize, w.capacity, w.name)
	}
	groups := nd.NumGroups()
	for d := range 3 {
		if group.ID[d] >= groups[d] {
			return errors.Errorf("group %v is outside the %v groups of the range", group.ID, groups)
		}
	}

	fn := &w.p.mod.Functions[w.fn]
	mc := w.p.newMachine(nil)
	params, err := mc.bind(fn, args, w.numArgs, nil)
	if err != nil {
		return errors.WithMessage(err, w.name)
	}
	for j := range w.numLocals {
		pt := w.p.types[fn.Params[w.numArgs+j].Type]
		size := w.p.types[pt.pointee].alloc
		params = append(params, []uint64{mc.mem.add(fn.Params[w.numArgs+j].Name, make([]byte, size), false)})
	}
	params = append(params, []uint64{mc.mem.add("context", contextWords(nd, group.ID), true)})

	return mc.run(w.name, func() { mc.call(w.fn, params) })
}

// contextWords encodes the execution context of a group.
func contextWords(nd NDRange, id [3]uint64) []byte {
	groups := nd.NumGroups()
	var words []uint64
	words = append(words, id[:]...)
	words = append(words, nd.LocalSize[:]...)
	words = append(words, nd.GlobalOffset[:]...)
	words = append(words, groups[:]...)
	words = append(words, uint64(nd.WorkDim))
	out := make([]byte, 8*len(words))
	for i, w := range words {
		putBits(out[8*i:], 8, w)
	}
	return out
}
