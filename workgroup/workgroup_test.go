package workgroup

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/builtins"
	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/kernel"
	"github.com/gogpu/kernelc/target"
)

var (
	testTarget = target.Target{Triple: "x86_64-unknown-linux", DataLayout: target.DefaultLayout}
	testLayout = target.MustParseDataLayout(target.DefaultLayout)
)

func generate(t *testing.T, src, name string, opts Options) (*Result, error) {
	t.Helper()
	m := must.M1(clc.Compile(clc.Source{Name: "k.cl", Text: src}, testTarget, "")).Module
	d, _, err := kernel.Extract(m, name, testLayout)
	require.NoError(t, err)
	if opts.Layout == nil {
		opts.Layout = testLayout
	}
	if opts.MaxWorkGroupSize == 0 {
		opts.MaxWorkGroupSize = 256
	}
	return Generate(m, d, opts)
}

func calls(m *ir.Module, fn *ir.Function) map[string]int {
	out := map[string]int{}
	for _, b := range fn.Blocks {
		for _, in := range b.Insts {
			if c, ok := in.Kind.(ir.InstCall); ok {
				out[m.Functions[c.Callee].Name]++
			}
		}
	}
	return out
}

const vectorAdd = `
__kernel void add(__global const float *a, __global const float *b, __global float *c) {
	size_t i = get_global_id(0);
	c[i] = a[i] + b[i];
}`

func TestGenerate_SingleRegion(t *testing.T) {
	res, err := generate(t, vectorAdd, "add", Options{})
	require.NoError(t, err)
	require.NoError(t, ir.Check(res.Module))

	assert.Equal(t, "_add_workgroup", res.Name)
	assert.Equal(t, 1, res.Regions)
	assert.Zero(t, res.Vectorized)
	assert.Equal(t, uint32(256), res.Capacity)

	fn := &res.Module.Functions[res.Function]
	assert.Equal(t, ir.FuncWorkGroup, fn.Kind)
	require.Len(t, fn.Params, 4)
	assert.Equal(t, "ctx", fn.Params[3].Name)
	assert.True(t, res.Module.IsVoid(fn.Result))

	got := calls(res.Module, fn)
	assert.Zero(t, got["_cl_get_global_id"])
	assert.Zero(t, got["_cl_barrier"])
	assert.Equal(t, 1, got[builtins.HelperGroupBase])
	assert.Equal(t, 1, got[builtins.HelperSelectDim])

	// The kernel itself is left alone.
	h, ok := res.Module.FunctionByName("add")
	require.True(t, ok)
	assert.Equal(t, ir.FuncKernel, res.Module.Functions[h].Kind)
}

func TestGenerate_Annotation(t *testing.T) {
	src := `__kernel __attribute__((reqd_work_group_size(4, 2, 1))) void k(__global int *p) {
	__local int tmp[8];
	tmp[get_local_id(0)] = 1;
	p[0] = tmp[0];
}`
	res, err := generate(t, src, "k", Options{})
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{4, 2, 1}, res.LocalSize)
	assert.Equal(t, uint32(8), res.Capacity)

	var ann *ir.Annotation
	for i := range res.Module.Annotations {
		if res.Module.Annotations[i].Name == ir.AnnotationWorkGroup {
			ann = &res.Module.Annotations[i]
		}
	}
	require.NotNil(t, ann)
	assert.Equal(t, []ir.MetadataOperand{
		ir.MDFunction{Function: res.Function},
		ir.MDInt{Value: 1}, ir.MDInt{Value: 1}, ir.MDInt{Value: 8},
		ir.MDInt{Value: 4}, ir.MDInt{Value: 2}, ir.MDInt{Value: 1},
	}, ann.Operands)

	fn := &res.Module.Functions[res.Function]
	require.Len(t, fn.Params, 3)
	assert.Equal(t, "tmp", fn.Params[1].Name)
	p, ok := res.Module.Pointer(fn.Params[1].Type)
	require.True(t, ok)
	assert.Equal(t, ir.SpaceLocal, p.Space)
	for _, b := range fn.Blocks {
		for _, in := range b.Insts {
			_, isGlobal := in.Kind.(ir.InstGlobalAddr)
			assert.False(t, isGlobal, "automatic locals are reached through parameters")
		}
	}
}

func TestGenerate_BarrierSplitsRegions(t *testing.T) {
	src := `
__kernel void reverse(__global int *data) {
	__local int tmp[64];
	size_t l = get_local_id(0);
	size_t n = get_local_size(0);
	tmp[l] = data[get_global_id(0)];
	barrier(CLK_LOCAL_MEM_FENCE);
	data[get_global_id(0)] = tmp[n - 1 - l];
}`
	res, err := generate(t, src, "reverse", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Regions)
	assert.Zero(t, calls(res.Module, &res.Module.Functions[res.Function])["_cl_barrier"])
}

func TestGenerate_BarrierInLoop(t *testing.T) {
	src := `
__kernel void reduce(__global float *data, __local float *scratch) {
	size_t l = get_local_id(0);
	scratch[l] = data[get_global_id(0)];
	for (size_t s = get_local_size(0) / 2; s > 0; s /= 2) {
		barrier(CLK_LOCAL_MEM_FENCE);
		if (l < s)
			scratch[l] += scratch[l + s];
	}
	if (l == 0)
		data[get_group_id(0)] = scratch[0];
}`
	res, err := generate(t, src, "reduce", Options{})
	require.NoError(t, err)
	require.NoError(t, ir.Check(res.Module))
	assert.GreaterOrEqual(t, res.Regions, 3)
}

func TestGenerate_UniformBarrierBranch(t *testing.T) {
	src := `
__kernel void k(__global int *p, int n) {
	if (n > 0)
		barrier(CLK_LOCAL_MEM_FENCE);
	p[get_global_id(0)] = n;
}`
	_, err := generate(t, src, "k", Options{})
	require.NoError(t, err)
}

func TestGenerate_Vectorize(t *testing.T) {
	res, err := generate(t, vectorAdd, "add", Options{VectorWidth: 4})
	require.NoError(t, err)
	require.NoError(t, ir.Check(res.Module))
	assert.Equal(t, 1, res.Vectorized)

	fn := &res.Module.Functions[res.Function]
	var seq, vectors int
	for _, b := range fn.Blocks {
		for _, in := range b.Insts {
			if _, ok := in.Kind.(ir.InstLaneSeq); ok {
				seq++
			}
			if in.Dest != ir.NoValue && fn.Values[in.Dest].Width() == 4 {
				vectors++
			}
		}
	}
	assert.Equal(t, 1, seq)
	assert.Greater(t, vectors, 1)

	// A branch on the work-item id keeps the scalar loop only.
	src := `
__kernel void k(__global int *p) {
	if (get_local_id(0) % 2)
		p[get_global_id(0)] = 1;
}`
	res, err = generate(t, src, "k", Options{VectorWidth: 4})
	require.NoError(t, err)
	assert.Zero(t, res.Vectorized)
}

func TestGenerate_Errors(t *testing.T) {
	for _, tc := range []struct {
		name, src string
		opts      Options
		kind      diag.Kind
		want      string
	}{
		{
			name: "divergent barrier",
			src: `__kernel void k(__global int *p) {
	if (get_local_id(0) < 4)
		barrier(CLK_LOCAL_MEM_FENCE);
	p[0] = 1;
}`,
			kind: diag.KindRestructure,
			want: "divergent",
		},
		{
			name: "barrier after varying load",
			src: `__kernel void k(__global int *p) {
	int v = p[get_global_id(0)];
	if (v)
		barrier(CLK_LOCAL_MEM_FENCE);
}`,
			kind: diag.KindRestructure,
			want: "divergent",
		},
		{
			name: "size exceeds maximum",
			src:  `__kernel __attribute__((reqd_work_group_size(64, 8, 1))) void k(__global int *p) { p[0] = 1; }`,
			kind: diag.KindRestructure,
			want: "exceeds the maximum",
		},
		{
			name: "size mismatch",
			src:  `__kernel __attribute__((reqd_work_group_size(4, 1, 1))) void k(__global int *p) { p[0] = 1; }`,
			opts: Options{LocalSize: [3]uint32{8, 1, 1}},
			kind: diag.KindRestructure,
			want: "does not match",
		},
		{
			name: "recursion",
			src: `int fact(int n) { return n <= 1 ? 1 : n * fact(n - 1); }
__kernel void k(__global int *p) { p[0] = fact(p[1]); }`,
			kind: diag.KindRestructure,
			want: "unsupported construct",
		},
		{
			name: "undefined function",
			src: `int helper(int n);
__kernel void k(__global int *p) { p[0] = helper(p[1]); }`,
			kind: diag.KindRestructure,
			want: "undefined function helper",
		},
		{
			name: "no layout",
			src:  vectorAdd,
			kind: diag.KindConfig,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := must.M1(clc.Compile(clc.Source{Name: "k.cl", Text: tc.src}, testTarget, "")).Module
			name := kernel.Kernels(m)[0]
			d, _, err := kernel.Extract(m, name, testLayout)
			require.NoError(t, err)
			opts := tc.opts
			opts.MaxWorkGroupSize = 256
			if tc.kind != diag.KindConfig {
				opts.Layout = testLayout
			}
			_, err = Generate(m, d, opts)
			require.Error(t, err)
			assert.Equal(t, tc.kind, diag.KindOf(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestGenerate_InputUntouched(t *testing.T) {
	m := must.M1(clc.Compile(clc.Source{Name: "k.cl", Text: vectorAdd}, testTarget, "")).Module
	before := len(m.Functions)
	d, _, err := kernel.Extract(m, "add", testLayout)
	require.NoError(t, err)
	_, err = Generate(m, d, Options{Layout: testLayout, MaxWorkGroupSize: 64})
	require.NoError(t, err)
	assert.Len(t, m.Functions, before)
	_, ok := m.FunctionByName("_add_workgroup")
	assert.False(t, ok)
}
