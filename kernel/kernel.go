// Package kernel extracts the host-visible signature of a compiled kernel:
// how each argument must be bound, which work-group local buffers the front
// end lifted out of the kernel body, and the required work-group size.
package kernel

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/target"
)

// ArgKind is the binding class of a kernel argument.
type ArgKind uint8

const (
	ArgValue ArgKind = iota
	ArgPointer
	ArgLocal
	ArgImage
	ArgSampler
)

var argKindNames = [...]string{"value", "pointer", "local", "image", "sampler"}

func (k ArgKind) String() string { return argKindNames[k] }

// Arg describes one formal kernel parameter. Exactly one of the
// classification flags holds for pointers, images and samplers; plain values
// have none set.
type Arg struct {
	Name string
	Type string

	IsPointer bool // __global or __constant pointer
	IsLocal   bool // __local pointer; the host passes a size, not a buffer
	IsImage   bool
	IsSampler bool

	// Space is the pointee address space of pointer arguments.
	Space ir.AddressSpace
	// Size is the store size of value arguments and zero otherwise.
	Size uint32
}

// Kind returns the binding class of the argument.
func (a Arg) Kind() ArgKind {
	switch {
	case a.IsImage:
		return ArgImage
	case a.IsSampler:
		return ArgSampler
	case a.IsLocal:
		return ArgLocal
	case a.IsPointer:
		return ArgPointer
	default:
		return ArgValue
	}
}

// Local is an automatic local: a __local variable declared inside the kernel
// body and lifted to a module global. Locals follow the declared arguments
// in slot order.
type Local struct {
	Name   string
	Global ir.GlobalHandle
	Size   uint32
}

// Descriptor is the metadata of one kernel. It is immutable once Extract
// returns it.
type Descriptor struct {
	Name     string
	Function ir.FunctionHandle
	Args     []Arg
	Locals   []Local
	// ReqdWorkGroupSize is zero in every dimension without a requirement.
	ReqdWorkGroupSize [3]uint32
}

// NumSlots returns the number of argument slots the host binds: declared
// arguments followed by automatic locals.
func (d *Descriptor) NumSlots() int {
	return len(d.Args) + len(d.Locals)
}

// Specialized reports whether all three required dimensions are set.
func (d *Descriptor) Specialized() bool {
	r := d.ReqdWorkGroupSize
	return r[0] != 0 && r[1] != 0 && r[2] != 0
}

// LocalMemSize returns the total size of the automatic locals.
func (d *Descriptor) LocalMemSize() uint64 {
	var n uint64
	for _, l := range d.Locals {
		n += uint64(l.Size)
	}
	return n
}

// Kernels returns the names of the kernel functions defined in m, in module
// order.
func Kernels(m *ir.Module) []string {
	var names []string
	for i := range m.Functions {
		fn := &m.Functions[i]
		if fn.Kind == ir.FuncKernel && !fn.IsDeclaration() {
			names = append(names, fn.Name)
		}
	}
	return names
}

// Extract builds the descriptor of the kernel called name. A missing kernel
// or an argument that cannot be classified is a metadata error. A malformed
// size annotation leaves the size unconstrained and adds a warning.
func Extract(m *ir.Module, name string, layout *target.DataLayout) (*Descriptor, diag.Log, error) {
	var log diag.Log
	h, ok := m.FunctionByName(name)
	if !ok {
		return nil, nil, diag.ForKernel(diag.KindMetadata, name, errors.New("kernel not found in module"))
	}
	fn := &m.Functions[h]
	if fn.Kind != ir.FuncKernel || fn.IsDeclaration() {
		return nil, nil, diag.ForKernel(diag.KindMetadata, name, errors.New("not a kernel entry point"))
	}

	d := &Descriptor{Name: name, Function: h}
	for i, p := range fn.Params {
		arg, err := classify(m, p, layout)
		if err != nil {
			return nil, nil, diag.ForKernel(diag.KindMetadata, name, errors.WithMessagef(err, "argument %d", i))
		}
		d.Args = append(d.Args, arg)
	}

	prefix := name + "."
	for i, g := range m.Globals {
		if g.Space != ir.SpaceLocal || !strings.HasPrefix(g.Name, prefix) {
			continue
		}
		d.Locals = append(d.Locals, Local{
			Name:   strings.TrimPrefix(g.Name, prefix),
			Global: ir.GlobalHandle(i),
			Size:   layout.AllocSize(m, g.Type),
		})
	}

	d.ReqdWorkGroupSize = reqdWorkGroupSize(m, h, &log)
	klog.V(2).Infof("kernel %s: %d arg(s), %d automatic local(s), reqd size %v",
		name, len(d.Args), len(d.Locals), d.ReqdWorkGroupSize)
	return d, log, nil
}

func classify(m *ir.Module, p ir.Param, layout *target.DataLayout) (Arg, error) {
	arg := Arg{Name: p.Name, Type: ir.TypeString(m, p.Type)}
	switch inner := m.Types[p.Type].Inner.(type) {
	case ir.ImageType:
		arg.IsImage = true
	case ir.SamplerType:
		arg.IsSampler = true
	case ir.PointerType:
		arg.Space = inner.Space
		switch inner.Space {
		case ir.SpaceGlobal, ir.SpaceConstant:
			arg.IsPointer = true
		case ir.SpaceLocal:
			arg.IsLocal = true
		default:
			return arg, errors.Errorf("pointer parameter %q in the %s address space", p.Name, inner.Space)
		}
	case ir.ScalarType:
		arg.Size = layout.StoreSize(m, p.Type)
	default:
		return arg, errors.Errorf("parameter %q has unsupported type %s", p.Name, arg.Type)
	}
	return arg, nil
}

// reqdWorkGroupSize reads the kernel.reqd_work_group_size annotation of fn.
func reqdWorkGroupSize(m *ir.Module, fn ir.FunctionHandle, log *diag.Log) [3]uint32 {
	var size [3]uint32
	for _, ann := range m.Annotations {
		if ann.Name != ir.AnnotationReqdWorkGroupSize || len(ann.Operands) == 0 {
			continue
		}
		if ref, ok := ann.Operands[0].(ir.MDFunction); !ok || ref.Function != fn {
			continue
		}
		var got [3]uint32
		valid := len(ann.Operands) == 4
		for i := 0; valid && i < 3; i++ {
			v, isInt := ann.Operands[i+1].(ir.MDInt)
			if !isInt || v.Value < 0 || v.Value > 1<<31 {
				valid = false
				break
			}
			got[i] = uint32(v.Value)
		}
		if !valid {
			log.Warnf("kernel", "malformed %s annotation for %s; treating size as unconstrained",
				ir.AnnotationReqdWorkGroupSize, m.Functions[fn].Name)
			return [3]uint32{}
		}
		size = got
	}
	return size
}
