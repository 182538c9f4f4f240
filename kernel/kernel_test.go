package kernel

import (
	"bytes"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/target"
)

var (
	testTarget = target.Target{Triple: "x86_64-unknown-linux", DataLayout: target.DefaultLayout}
	testLayout = target.MustParseDataLayout(target.DefaultLayout)
)

func compile(t *testing.T, src string) *ir.Module {
	t.Helper()
	return must.M1(clc.Compile(clc.Source{Name: "k.cl", Text: src}, testTarget, "")).Module
}

func TestExtract_ArgumentClassification(t *testing.T) {
	m := compile(t, `
__kernel void k(__global float *g, __local int *l, image2d_t img, int n, sampler_t s, __constant float *c) {}
`)
	d, log, err := Extract(m, "k", testLayout)
	require.NoError(t, err)
	assert.Empty(t, log)
	require.Len(t, d.Args, 6)

	kinds := make([]ArgKind, len(d.Args))
	for i, a := range d.Args {
		kinds[i] = a.Kind()
	}
	assert.Equal(t, []ArgKind{ArgPointer, ArgLocal, ArgImage, ArgValue, ArgSampler, ArgPointer}, kinds)

	assert.True(t, d.Args[0].IsPointer)
	assert.False(t, d.Args[0].IsLocal)
	assert.True(t, d.Args[1].IsLocal)
	assert.False(t, d.Args[1].IsPointer)
	assert.False(t, d.Args[2].IsPointer)
	assert.Equal(t, uint32(4), d.Args[3].Size)
	assert.Equal(t, ir.SpaceConstant, d.Args[5].Space)
	assert.Equal(t, 6, d.NumSlots())
	assert.False(t, d.Specialized())
}

func TestExtract_AutomaticLocals(t *testing.T) {
	m := compile(t, `
__kernel void a(__global float *out) {
	__local float tile[64];
	__local double pair[2];
	tile[0] = 1.0f;
	pair[0] = 2.0;
	out[0] = tile[0] + (float)pair[0];
}
__kernel void b(__global float *out) {
	__local char scratch[3];
	scratch[0] = 1;
	out[0] = scratch[0];
}
`)
	d, _, err := Extract(m, "a", testLayout)
	require.NoError(t, err)
	require.Len(t, d.Locals, 2)
	assert.Equal(t, "tile", d.Locals[0].Name)
	assert.Equal(t, uint32(256), d.Locals[0].Size)
	assert.Equal(t, "pair", d.Locals[1].Name)
	assert.Equal(t, uint32(16), d.Locals[1].Size)
	assert.Equal(t, 3, d.NumSlots())
	assert.Equal(t, uint64(272), d.LocalMemSize())

	d, _, err = Extract(m, "b", testLayout)
	require.NoError(t, err)
	require.Len(t, d.Locals, 1)
	assert.Equal(t, uint32(3), d.Locals[0].Size)
}

func TestExtract_ReqdWorkGroupSize(t *testing.T) {
	m := compile(t, `
__kernel __attribute__((reqd_work_group_size(16, 2, 1))) void k(__global int *p) { p[0] = 0; }
__kernel void free_size(__global int *p) { p[0] = 0; }
`)
	d, log, err := Extract(m, "k", testLayout)
	require.NoError(t, err)
	assert.Empty(t, log)
	assert.Equal(t, [3]uint32{16, 2, 1}, d.ReqdWorkGroupSize)
	assert.True(t, d.Specialized())

	d, _, err = Extract(m, "free_size", testLayout)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{}, d.ReqdWorkGroupSize)
}

func TestExtract_MalformedAnnotation(t *testing.T) {
	m := compile(t, `__kernel void k(__global int *p) { p[0] = 0; }`)
	h, _ := m.FunctionByName("k")
	m.Annotations = append(m.Annotations, ir.Annotation{
		Name:     ir.AnnotationReqdWorkGroupSize,
		Operands: []ir.MetadataOperand{ir.MDFunction{Function: h}, ir.MDInt{Value: 8}, ir.MDString{Value: "non-constant"}},
	})
	d, log, err := Extract(m, "k", testLayout)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{}, d.ReqdWorkGroupSize)
	require.Len(t, log.Warnings(), 1)
	assert.Contains(t, log[0].Message, "malformed")
}

func TestExtract_Errors(t *testing.T) {
	m := compile(t, `
void helper(__global int *p) { p[0] = 1; }
__kernel void k(__global int *p) { helper(p); }
`)
	_, _, err := Extract(m, "missing", testLayout)
	assert.Equal(t, diag.KindMetadata, diag.KindOf(err))

	_, _, err = Extract(m, "helper", testLayout)
	assert.Equal(t, diag.KindMetadata, diag.KindOf(err))

	// A private pointer parameter cannot come from the front end, so build
	// one by hand.
	types := ir.NewTypeRegistry(m)
	h, _ := m.FunctionByName("k")
	m.Functions[h].Params[0].Type = types.Pointer(types.Scalar(ir.ScalarSint, 4), ir.SpacePrivate)
	_, _, err = Extract(m, "k", testLayout)
	require.Error(t, err)
	assert.Equal(t, diag.KindMetadata, diag.KindOf(err))
	assert.Contains(t, err.Error(), "private")
}

func TestKernels(t *testing.T) {
	m := compile(t, `
__kernel void first(__global int *p) { p[0] = 0; }
int helper(int x) { return x; }
__kernel void second(__global int *p) { p[0] = helper(1); }
`)
	assert.Equal(t, []string{"first", "second"}, Kernels(m))
}

func TestWriteKernelObject(t *testing.T) {
	d := &Descriptor{
		Name:   "vadd",
		Args:   []Arg{{Name: "a", IsPointer: true}, {Name: "tmp", IsLocal: true}, {Name: "n"}},
		Locals: []Local{{Name: "tile", Size: 256}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteKernelObject(&buf, d))
	out := buf.String()
	assert.Contains(t, out, "void _vadd_workgroup(void **args, struct kernelc_context *);")
	assert.Contains(t, out, "void _vadd_workgroup_fast(void **args, struct kernelc_context *);")
	assert.Contains(t, out, `"vadd", /* name */`)
	assert.Contains(t, out, "3, /* num_args */")
	assert.Contains(t, out, "1, /* num_locals */")
	assert.Contains(t, out, "1 /* pointer a */, 2 /* local tmp */, 0 /* value n */")
}
