// Package kernelc compiles OpenCL C kernels into work-group functions a CPU
// can run.
//
// A build takes one program source through four stages for every device:
//   - clc compiles the source to IR with the device's build switches placed
//     before the user's options
//   - kernel extracts each kernel's argument and local-memory metadata
//   - workgroup turns each single-work-item kernel into a function that
//     runs a whole work-group, splitting it at barriers
//   - link resolves support routines and optimizes; codegen emits object code
//
// Every artifact is written below a per-build storage root:
//
//	tc, err := kernelc.Init(kernelc.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tc.Close()
//	prog, err := tc.Build(ctx, clc.Source{Name: "vadd.cl", Text: src}, "-DN=4")
//	...
//	p, err := prog.Builds[0].Kernel("vadd").Program()
//	err = vm.Launch(ctx, p, "vadd", args, vm.Range1D(1024, 64), 0)
package kernelc

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/codegen"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/kernel"
	"github.com/gogpu/kernelc/link"
	"github.com/gogpu/kernelc/storage"
	"github.com/gogpu/kernelc/target"
	"github.com/gogpu/kernelc/vm"
	"github.com/gogpu/kernelc/workgroup"
)

// Config configures a toolchain.
type Config struct {
	// Devices to build for. Defaults to the host device.
	Devices []*target.Device

	// StorageDir is where build roots are created. Defaults to the system
	// temporary directory.
	StorageDir string

	// LocalSize specializes every kernel to a fixed work-group size when all
	// three dimensions are non-zero.
	LocalSize [3]uint32

	// Method is the work-item loop lowering, target.MethodLoops or
	// target.MethodLoopVec. Empty reads KERNELC_WORK_GROUP_METHOD.
	Method string

	// KeepStorage keeps the build root on Close.
	KeepStorage bool
}

// Toolchain builds programs for a fixed set of devices. It is safe for
// concurrent use.
type Toolchain struct {
	cfg   Config
	store *storage.Store
	// support holds the support library of each configured device.
	support map[string]*ir.Module
}

// Init validates the devices, compiles their support libraries and creates
// a fresh storage root. Support compilation is process-wide: it happens once
// per data layout, and later Init calls for the same layouts reuse it.
func Init(cfg Config) (*Toolchain, error) {
	if len(cfg.Devices) == 0 {
		cfg.Devices = []*target.Device{target.Host()}
	}
	seen := map[string]bool{}
	for _, dev := range cfg.Devices {
		if err := dev.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "device %s", dev.Name)
		}
		if seen[dev.Name] {
			return nil, diag.Errorf(diag.KindConfig, "device %q listed twice", dev.Name)
		}
		seen[dev.Name] = true
	}
	if cfg.Method == "" {
		cfg.Method = target.WorkGroupMethod()
	}
	if cfg.Method != target.MethodLoops && cfg.Method != target.MethodLoopVec {
		return nil, diag.Errorf(diag.KindConfig, "unknown work-group method %q", cfg.Method)
	}
	support := make(map[string]*ir.Module, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		m, err := link.Support(dev.Target)
		if err != nil {
			return nil, errors.WithMessagef(err, "device %s", dev.Name)
		}
		support[dev.Name] = m
	}
	store, err := storage.New(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	if cfg.KeepStorage {
		store.Keep()
	}
	return &Toolchain{cfg: cfg, store: store, support: support}, nil
}

// supportFor returns the support library of dev. Devices outside the
// configuration go through the process-wide cache.
func (tc *Toolchain) supportFor(dev *target.Device) (*ir.Module, error) {
	if m, ok := tc.support[dev.Name]; ok && tc.deviceConfigured(dev) {
		return m, nil
	}
	return link.Support(dev.Target)
}

func (tc *Toolchain) deviceConfigured(dev *target.Device) bool {
	for _, d := range tc.cfg.Devices {
		if d == dev {
			return true
		}
	}
	return false
}

// Root returns the storage root of the toolchain.
func (tc *Toolchain) Root() string { return tc.store.Root() }

// Close releases the storage root.
func (tc *Toolchain) Close() error { return tc.store.Close() }

// Program is the result of building one source for every device.
type Program struct {
	Builds []*DeviceBuild
}

// Device returns the build for the named device, nil if absent.
func (p *Program) Device(name string) *DeviceBuild {
	for _, b := range p.Builds {
		if b.Device.Name == name {
			return b
		}
	}
	return nil
}

// DeviceBuild holds the artifacts of one device.
type DeviceBuild struct {
	Device *target.Device
	// Module is the compiled and linked program module.
	Module  *ir.Module
	Options *clc.Options
	Log     diag.Log
	Kernels []*Kernel
	Dir     *storage.Dir
}

// Kernel returns the named kernel, nil if absent.
func (b *DeviceBuild) Kernel(name string) *Kernel {
	for _, k := range b.Kernels {
		if k.Descriptor.Name == name {
			return k
		}
	}
	return nil
}

// Kernel holds the artifacts of one kernel.
type Kernel struct {
	Descriptor *kernel.Descriptor
	// Object is the encoded work-group function, also written to
	// Dir/parallel.kco.
	Object     []byte
	Function   string
	LocalSize  [3]uint32
	Capacity   uint32
	Regions    int
	Vectorized int
	Log        diag.Log
	Dir        *storage.Dir
}

// Program loads the kernel's object code for execution.
func (k *Kernel) Program() (*vm.Program, error) {
	return vm.Load(k.Object)
}

// Build compiles src for every device at once. The first failing device
// cancels the others.
func (tc *Toolchain) Build(ctx context.Context, src clc.Source, options string) (*Program, error) {
	prog := &Program{Builds: make([]*DeviceBuild, len(tc.cfg.Devices))}
	g, gctx := errgroup.WithContext(ctx)
	for i, dev := range tc.cfg.Devices {
		g.Go(func() error {
			b, err := tc.BuildDevice(gctx, dev, src, options)
			if err != nil {
				return errors.WithMessagef(err, "device %s", dev.Name)
			}
			prog.Builds[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prog, nil
}

// BuildDevice compiles src for one device and builds every kernel in it.
func (tc *Toolchain) BuildDevice(ctx context.Context, dev *target.Device, src clc.Source, options string) (*DeviceBuild, error) {
	klog.V(1).Infof("building %s for device %s", src.Name, dev.Name)
	res, err := clc.Compile(src, dev.Target, joinOptions(dev.BuildOptions, options))
	if err != nil {
		return nil, err
	}
	support, err := tc.supportFor(dev)
	if err != nil {
		return nil, err
	}
	m := res.Module
	if err := link.Link(m, support); err != nil {
		return nil, err
	}
	dir, err := tc.store.Device(dev.Name)
	if err != nil {
		return nil, err
	}
	if err := dir.WriteWith(storage.ProgramFile, func(w io.Writer) error { return ir.Encode(w, m) }); err != nil {
		return nil, err
	}

	b := &DeviceBuild{Device: dev, Module: m, Options: res.Options, Log: res.Log, Dir: dir}
	for _, name := range kernel.Kernels(m) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k, err := tc.buildKernel(dev, m, support, name)
		if err != nil {
			return nil, diag.ForKernel(diag.KindUnknown, name, err)
		}
		b.Log.Append(k.Log)
		b.Kernels = append(b.Kernels, k)
	}
	klog.V(1).Infof("built %d kernel(s) for device %s in %s", len(b.Kernels), dev.Name, dir.Path())
	return b, nil
}

func (tc *Toolchain) buildKernel(dev *target.Device, m, support *ir.Module, name string) (*Kernel, error) {
	layout, err := dev.Layout()
	if err != nil {
		return nil, err
	}
	dir, err := tc.store.Kernel(dev.Name, name)
	if err != nil {
		return nil, err
	}
	if err := dir.WriteWith(storage.KernelFile, func(w io.Writer) error { return ir.Encode(w, m) }); err != nil {
		return nil, err
	}

	d, log, err := kernel.Extract(m, name, layout)
	if err != nil {
		return nil, err
	}
	// The descriptor source only serves external launchers.
	if err := dir.WriteWith(kernel.ObjectFileName, func(w io.Writer) error { return kernel.WriteKernelObject(w, d) }); err != nil {
		klog.Warningf("kernel %s: %v", name, err)
		log.Warnf("kernel", "descriptor source not written: %v", err)
	}

	opts := workgroup.Options{
		LocalSize:        tc.cfg.LocalSize,
		MaxWorkGroupSize: dev.EffectiveMaxWorkGroupSize(),
		Layout:           layout,
	}
	if tc.cfg.Method == target.MethodLoopVec {
		opts.VectorWidth = dev.PreferredVectorWidth
	}
	res, err := workgroup.Generate(m, d, opts)
	if err != nil {
		return nil, err
	}
	log.Append(res.Log)
	if err := link.Link(res.Module, support); err != nil {
		return nil, err
	}
	if err := link.Optimize(res.Module, []string{res.Name}); err != nil {
		return nil, err
	}
	h, ok := res.Module.FunctionByName(res.Name)
	if !ok {
		return nil, diag.Errorf(diag.KindLink, "optimizer removed %s", res.Name)
	}
	obj, err := codegen.Emit(res.Module, h)
	if err != nil {
		return nil, err
	}
	if err := dir.WriteFile(codegen.FileName, obj); err != nil {
		return nil, err
	}
	return &Kernel{
		Descriptor: d,
		Object:     obj,
		Function:   res.Name,
		LocalSize:  res.LocalSize,
		Capacity:   res.Capacity,
		Regions:    res.Regions,
		Vectorized: res.Vectorized,
		Log:        log,
		Dir:        dir,
	}, nil
}

// joinOptions places the device switches before the user options.
func joinOptions(device, user string) string {
	return strings.TrimSpace(device + " " + user)
}
