package kernelc

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/codegen"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/kernel"
	"github.com/gogpu/kernelc/link"
	"github.com/gogpu/kernelc/storage"
	"github.com/gogpu/kernelc/target"
	"github.com/gogpu/kernelc/vm"
)

const program = `
#ifndef SCALE
#error SCALE must be defined
#endif

float twice(float v) { return v * SCALE; }

__kernel void scale(__global float *p) {
	size_t i = get_global_id(0);
	p[i] = twice(p[i]);
}

__kernel void sum(__global const int *in, __global int *out, __local int *tmp) {
	size_t l = get_local_id(0);
	tmp[l] = in[get_global_id(0)];
	barrier(CLK_LOCAL_MEM_FENCE);
	if (l == 0) {
		int s = 0;
		for (size_t j = 0; j < get_local_size(0); j++)
			s += tmp[j];
		out[get_group_id(0)] = s;
	}
}`

func newToolchain(t *testing.T, cfg Config) *Toolchain {
	t.Helper()
	if cfg.StorageDir == "" {
		cfg.StorageDir = t.TempDir()
	}
	tc, err := Init(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tc.Close() })
	return tc
}

func TestBuild_Artifacts(t *testing.T) {
	tc := newToolchain(t, Config{Method: target.MethodLoops})
	prog, err := tc.Build(context.Background(), clc.Source{Name: "k.cl", Text: program}, "-DSCALE=2")
	require.NoError(t, err)
	require.Len(t, prog.Builds, 1)

	b := prog.Device("host")
	require.NotNil(t, b)
	require.Len(t, b.Kernels, 2)
	assert.FileExists(t, b.Dir.File(storage.ProgramFile))

	for _, name := range []string{"scale", "sum"} {
		k := b.Kernel(name)
		require.NotNil(t, k, name)
		assert.Equal(t, kernel.WorkGroupName(name), k.Function)
		for _, f := range []string{storage.KernelFile, kernel.ObjectFileName, codegen.FileName} {
			assert.FileExists(t, k.Dir.File(f))
		}
		obj := must.M1(os.ReadFile(k.Dir.File(codegen.FileName)))
		assert.Equal(t, k.Object, obj)

		kir := must.M1(os.ReadFile(k.Dir.File(storage.KernelFile)))
		m, err := ir.Decode(bytes.NewReader(kir))
		require.NoError(t, err)
		_, ok := m.FunctionByName(name)
		assert.True(t, ok)
	}
	assert.Equal(t, 2, b.Kernel("sum").Regions)
	assert.Zero(t, b.Kernel("scale").Vectorized)

	src := string(must.M1(os.ReadFile(b.Kernel("sum").Dir.File(kernel.ObjectFileName))))
	assert.Contains(t, src, "_sum_workgroup_fast")
	assert.Contains(t, src, "3, /* num_args */")
}

func TestBuild_Run(t *testing.T) {
	tc := newToolchain(t, Config{Method: target.MethodLoopVec})
	prog, err := tc.Build(context.Background(), clc.Source{Name: "k.cl", Text: program}, "-DSCALE=3")
	require.NoError(t, err)
	b := prog.Builds[0]
	assert.Equal(t, 1, b.Kernel("scale").Vectorized)

	p, err := b.Kernel("scale").Program()
	require.NoError(t, err)
	buf := vm.BufferOf([]float32{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, vm.Launch(context.Background(), p, "scale", []vm.Arg{buf}, vm.Range1D(8, 8), 0))
	assert.Equal(t, []float32{3, 6, 9, 12, 15, 18, 21, 24}, vm.Values[float32](buf))

	p, err = b.Kernel("sum").Program()
	require.NoError(t, err)
	in := make([]int32, 32)
	for i := range in {
		in[i] = int32(i)
	}
	out := vm.NewBuffer(4 * 4)
	require.NoError(t, vm.Launch(context.Background(), p, "sum", []vm.Arg{vm.BufferOf(in), out, vm.Local(8 * 4)}, vm.Range1D(32, 8), 0))
	assert.Equal(t, []int32{28, 92, 156, 220}, vm.Values[int32](out))
}

func TestBuild_DeviceOptionsComeFirst(t *testing.T) {
	dev := target.Host()
	dev.Name = "scaled"
	dev.BuildOptions = "-DSCALE=5"
	tc := newToolchain(t, Config{Devices: []*target.Device{target.Host(), dev}})

	// The user option undefines the device macro for both devices.
	_, err := tc.Build(context.Background(), clc.Source{Name: "k.cl", Text: program}, "-USCALE")
	require.Error(t, err)
	assert.Equal(t, diag.KindSource, diag.KindOf(err))

	prog, err := tc.Build(context.Background(), clc.Source{Name: "k.cl", Text: program}, "-DSCALE=2")
	require.NoError(t, err)
	require.Len(t, prog.Builds, 2)
	assert.NotNil(t, prog.Device("scaled"))
	assert.Nil(t, prog.Device("missing"))
}

func TestBuild_Errors(t *testing.T) {
	tc := newToolchain(t, Config{})
	for _, tc2 := range []struct {
		name    string
		src     string
		options string
		kind    diag.Kind
	}{
		{"bad option", program, "-fno-such-thing", diag.KindBuildOptions},
		{"source", "__kernel void k( {", "", diag.KindSource},
		{"divergent barrier", `
__kernel void k(__global int *p) {
	if (get_local_id(0) == 0)
		barrier(CLK_LOCAL_MEM_FENCE);
}`, "", diag.KindRestructure},
	} {
		t.Run(tc2.name, func(t *testing.T) {
			_, err := tc.Build(context.Background(), clc.Source{Name: "k.cl", Text: tc2.src}, tc2.options)
			require.Error(t, err)
			assert.Equal(t, tc2.kind, diag.KindOf(err))
		})
	}
}

func TestBuild_MaxWorkGroupSizeOverride(t *testing.T) {
	t.Setenv(target.EnvMaxWorkGroupSize, "16")
	tc := newToolchain(t, Config{})
	prog, err := tc.Build(context.Background(), clc.Source{Name: "k.cl", Text: program}, "-DSCALE=1")
	require.NoError(t, err)
	assert.Equal(t, uint32(16), prog.Builds[0].Kernel("scale").Capacity)

	tc = newToolchain(t, Config{LocalSize: [3]uint32{32, 1, 1}})
	_, err = tc.Build(context.Background(), clc.Source{Name: "k.cl", Text: program}, "-DSCALE=1")
	require.Error(t, err)
	assert.Equal(t, diag.KindRestructure, diag.KindOf(err))
}

func TestInit_Config(t *testing.T) {
	_, err := Init(Config{Method: "unrolled", StorageDir: t.TempDir()})
	assert.Equal(t, diag.KindConfig, diag.KindOf(err))

	_, err = Init(Config{Devices: []*target.Device{target.Host(), target.Host()}, StorageDir: t.TempDir()})
	assert.Equal(t, diag.KindConfig, diag.KindOf(err))

	dev := target.Host()
	dev.DataLayout = ""
	_, err = Init(Config{Devices: []*target.Device{dev}, StorageDir: t.TempDir()})
	assert.Equal(t, diag.KindConfig, diag.KindOf(err))

	t.Setenv(target.EnvWorkGroupMethod, target.MethodLoopVec)
	tc := newToolchain(t, Config{})
	assert.Equal(t, target.MethodLoopVec, tc.cfg.Method)
	root := tc.Root()
	require.NoError(t, tc.Close())
	assert.NoDirExists(t, root)
}

func TestInit_SupportCompiledOnce(t *testing.T) {
	small := target.Host()
	small.Name = "small"
	small.DataLayout = target.DefaultLayout + "-i64:32"

	first := newToolchain(t, Config{Devices: []*target.Device{target.Host(), small}})
	second := newToolchain(t, Config{Devices: []*target.Device{target.Host()}})
	assert.NotEqual(t, first.Root(), second.Root())

	host := must.M1(link.Support(target.Host().Target))
	assert.Same(t, host, first.support["host"])
	assert.Same(t, host, second.support["host"])
	assert.NotSame(t, host, first.support["small"])
	assert.Same(t, must.M1(link.Support(small.Target)), first.support["small"])

	m, err := first.supportFor(first.cfg.Devices[1])
	require.NoError(t, err)
	assert.Same(t, first.support["small"], m)
}
