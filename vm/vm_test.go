package vm

import (
	"context"
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/codegen"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/kernel"
	"github.com/gogpu/kernelc/link"
	"github.com/gogpu/kernelc/target"
	"github.com/gogpu/kernelc/workgroup"
)

var (
	testTarget = target.Target{Triple: "x86_64-unknown-linux", DataLayout: target.DefaultLayout}
	testLayout = target.MustParseDataLayout(target.DefaultLayout)
)

// build compiles src and returns the linked kernel module and the loaded
// work-group object of name.
func build(t *testing.T, src, name string, width int) (*ir.Module, *Program) {
	t.Helper()
	support := must.M1(link.Support(testTarget))
	m := must.M1(clc.Compile(clc.Source{Name: "k.cl", Text: src}, testTarget, "")).Module
	require.NoError(t, link.Link(m, support))
	d, _, err := kernel.Extract(m, name, testLayout)
	require.NoError(t, err)
	res, err := workgroup.Generate(m, d, workgroup.Options{MaxWorkGroupSize: 256, VectorWidth: width, Layout: testLayout})
	require.NoError(t, err)
	require.NoError(t, link.Link(res.Module, support))
	require.NoError(t, link.Optimize(res.Module, []string{res.Name}))
	h, ok := res.Module.FunctionByName(res.Name)
	require.True(t, ok)
	obj, err := codegen.Emit(res.Module, h)
	require.NoError(t, err)
	p, err := Load(obj)
	require.NoError(t, err)
	return m, p
}

func asFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func sequence(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) * 0.25
	}
	return out
}

const saxpy = `
__constant float bias[3] = {0.5f, 1.5f, 2.5f};
__kernel void saxpy(__global float *y, __global const float *x, float a) {
	size_t i = get_global_id(0);
	y[i] = a * x[i] + y[i] + bias[i % 3];
}`

func TestLaunch_Saxpy(t *testing.T) {
	const n = 96
	for _, width := range []int{1, 4} {
		m, p := build(t, saxpy, "saxpy", width)
		x := BufferOf(sequence(n))
		y1, y2 := BufferOf(sequence(n)), BufferOf(sequence(n))
		nd := Range1D(n, 16)

		require.NoError(t, Launch(context.Background(), p, "saxpy", []Arg{y1, x, ScalarOf(float32(2))}, nd, 4))
		require.NoError(t, Reference(context.Background(), m, "saxpy", []Arg{y2, x, ScalarOf(float32(2))}, nd))

		got := Values[float32](y1)
		assert.True(t, floats.EqualApprox(asFloat64(Values[float32](y2)), asFloat64(got), 1e-6), "width %d", width)
		assert.InDelta(t, 3*0.25*5+2.5, got[5], 1e-6)
	}
}

func TestLaunch_BarrierReverse(t *testing.T) {
	src := `
__kernel void reverse(__global int *data) {
	__local int tmp[64];
	size_t l = get_local_id(0);
	size_t n = get_local_size(0);
	tmp[l] = data[get_global_id(0)];
	barrier(CLK_LOCAL_MEM_FENCE);
	data[get_global_id(0)] = tmp[n - 1 - l];
}`
	in := make([]int32, 64)
	for i := range in {
		in[i] = int32(i)
	}
	for _, width := range []int{1, 4} {
		m, p := build(t, src, "reverse", width)
		got, want := BufferOf(in), BufferOf(in)
		nd := Range1D(64, 16)
		require.NoError(t, Launch(context.Background(), p, "reverse", []Arg{got}, nd, 0))
		require.NoError(t, Reference(context.Background(), m, "reverse", []Arg{want}, nd))
		assert.Equal(t, Values[int32](want), Values[int32](got))
		assert.Equal(t, int32(15), Values[int32](got)[0])
		assert.Equal(t, int32(16), Values[int32](got)[31])
	}
}

func TestLaunch_Reduction(t *testing.T) {
	src := `
__kernel void reduce(__global const float *in, __global float *out, __local float *scratch) {
	size_t l = get_local_id(0);
	scratch[l] = in[get_global_id(0)];
	for (size_t s = get_local_size(0) / 2; s > 0; s /= 2) {
		barrier(CLK_LOCAL_MEM_FENCE);
		if (l < s)
			scratch[l] += scratch[l + s];
	}
	if (l == 0)
		out[get_group_id(0)] = scratch[0];
}`
	m, p := build(t, src, "reduce", 1)
	in := BufferOf(sequence(128))
	got, want := NewBuffer(4*4), NewBuffer(4*4)
	nd := Range1D(128, 32)
	require.NoError(t, Launch(context.Background(), p, "reduce", []Arg{in, got, Local(32 * 4)}, nd, 2))
	require.NoError(t, Reference(context.Background(), m, "reduce", []Arg{in, want, Local(32 * 4)}, nd))

	sums := asFloat64(Values[float32](got))
	assert.True(t, floats.EqualApprox(asFloat64(Values[float32](want)), sums, 1e-4))
	assert.InDelta(t, floats.Sum(asFloat64(sequence(128))), floats.Sum(sums), 1e-3)
}

func TestLaunch_TwoDimensions(t *testing.T) {
	src := `
__kernel void transpose(__global const int *in, __global int *out, uint w, uint h) {
	size_t x = get_global_id(0);
	size_t y = get_global_id(1);
	out[x * h + y] = in[y * w + x] + (int)get_work_dim();
}`
	const w, h = 8, 4
	in := make([]int32, w*h)
	for i := range in {
		in[i] = int32(i)
	}
	nd := NDRange{WorkDim: 2, GlobalSize: [3]uint64{w, h}, LocalSize: [3]uint64{4, 2}}
	for _, width := range []int{1, 4} {
		m, p := build(t, src, "transpose", width)
		got, want := NewBuffer(4*w*h), NewBuffer(4*w*h)
		args := func(out *Buffer) []Arg {
			return []Arg{BufferOf(in), out, ScalarOf(uint32(w)), ScalarOf(uint32(h))}
		}
		require.NoError(t, Launch(context.Background(), p, "transpose", args(got), nd, 0))
		require.NoError(t, Reference(context.Background(), m, "transpose", args(want), nd))
		assert.Equal(t, Values[int32](want), Values[int32](got))
		// in[1*w+2] lands at out[2*h+1], plus the work dimension.
		assert.Equal(t, int32(w+2+2), Values[int32](got)[2*h+1])
	}
}

func TestLaunch_GlobalOffset(t *testing.T) {
	src := `
__kernel void ids(__global uint *out) {
	size_t i = get_global_id(0);
	out[i - get_global_offset(0)] = (uint)(i * 10 + get_group_id(0));
}`
	m, p := build(t, src, "ids", 1)
	nd := NDRange{WorkDim: 1, GlobalOffset: [3]uint64{5}, GlobalSize: [3]uint64{8}, LocalSize: [3]uint64{4}}
	got, want := NewBuffer(32), NewBuffer(32)
	require.NoError(t, Launch(context.Background(), p, "ids", []Arg{got}, nd, 0))
	require.NoError(t, Reference(context.Background(), m, "ids", []Arg{want}, nd))
	assert.Equal(t, Values[uint32](want), Values[uint32](got))
	assert.Equal(t, []uint32{50, 60, 70, 80, 91, 101, 111, 121}, Values[uint32](got))
}

func TestLaunch_Specialized(t *testing.T) {
	src := `
__attribute__((reqd_work_group_size(8, 1, 1)))
__kernel void scale(__global float *p) {
	p[get_global_id(0)] *= (float)get_local_size(0);
}`
	for _, width := range []int{1, 4} {
		m, p := build(t, src, "scale", width)
		wg := must.M1(p.WorkGroup("scale"))
		assert.Equal(t, [3]uint64{8, 1, 1}, wg.LocalSize())

		got, want := BufferOf(sequence(32)), BufferOf(sequence(32))
		require.NoError(t, Launch(context.Background(), p, "scale", []Arg{got}, Range1D(32, 8), 0))
		require.NoError(t, Reference(context.Background(), m, "scale", []Arg{want}, Range1D(32, 8)))
		assert.Equal(t, Values[float32](want), Values[float32](got))

		err := Launch(context.Background(), p, "scale", []Arg{got}, Range1D(32, 4), 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "specialized")
	}
}

func TestLaunch_Atomics(t *testing.T) {
	src := `
__kernel void total(__global int *sum, __global const int *v) {
	atomic_add(sum, v[get_global_id(0)]);
	atomic_inc(sum + 1);
}`
	m, p := build(t, src, "total", 1)
	v := make([]int32, 256)
	var want int32
	for i := range v {
		v[i] = int32(i%7) - 2
		want += v[i]
	}
	for _, run := range []func(*Buffer) error{
		func(sum *Buffer) error {
			return Launch(context.Background(), p, "total", []Arg{sum, BufferOf(v)}, Range1D(256, 16), 8)
		},
		func(sum *Buffer) error {
			return Reference(context.Background(), m, "total", []Arg{sum, BufferOf(v)}, Range1D(256, 16))
		},
	} {
		sum := NewBuffer(8)
		require.NoError(t, run(sum))
		assert.Equal(t, []int32{want, 256}, Values[int32](sum))
	}
}

func TestLaunch_SizeofAndPointerDifference(t *testing.T) {
	src := `
__kernel void sizes(__global long *out, __global short *p) {
	out[0] = sizeof(double);
	out[1] = sizeof(short) * 3;
	out[2] = &p[5] - &p[1];
	out[3] = p - (p + 7);
}`
	m, p := build(t, src, "sizes", 1)
	for _, run := range []func(*Buffer) error{
		func(out *Buffer) error {
			return Launch(context.Background(), p, "sizes", []Arg{out, NewBuffer(16)}, Range1D(1, 1), 0)
		},
		func(out *Buffer) error {
			return Reference(context.Background(), m, "sizes", []Arg{out, NewBuffer(16)}, Range1D(1, 1))
		},
	} {
		out := NewBuffer(32)
		require.NoError(t, run(out))
		assert.Equal(t, []int64{8, 6, 4, -7}, Values[int64](out))
	}
}

func TestLaunch_Traps(t *testing.T) {
	src := `
__kernel void oob(__global int *p) {
	p[get_global_id(0) + 100] = 1;
}`
	m, p := build(t, src, "oob", 1)
	err := Launch(context.Background(), p, "oob", []Arg{NewBuffer(64)}, Range1D(16, 4), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of bounds")

	err = Reference(context.Background(), m, "oob", []Arg{NewBuffer(64)}, Range1D(16, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of bounds")
}

func TestLaunch_ArgumentErrors(t *testing.T) {
	_, p := build(t, saxpy, "saxpy", 1)
	buf := NewBuffer(64)
	for _, tc := range []struct {
		name string
		args []Arg
		want string
	}{
		{"count", []Arg{buf}, "argument(s) given"},
		{"buffer for scalar", []Arg{buf, buf, buf}, "not a pointer"},
		{"scalar for buffer", []Arg{buf, ScalarOf(1), ScalarOf(float32(1))}, "does not take a scalar"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := Launch(context.Background(), p, "saxpy", tc.args, Range1D(16, 4), 0)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err := p.WorkGroup("missing")
	assert.Error(t, err)
}

func TestLaunch_RangeErrors(t *testing.T) {
	_, p := build(t, saxpy, "saxpy", 1)
	args := []Arg{NewBuffer(64), NewBuffer(64), ScalarOf(float32(1))}
	for _, nd := range []NDRange{
		{WorkDim: 0},
		{WorkDim: 4},
		Range1D(10, 4),
		Range1D(16, 0),
		Range1D(1024, 512),
	} {
		assert.Error(t, Launch(context.Background(), p, "saxpy", args, nd, 0), "%+v", nd)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Launch(ctx, p, "saxpy", args, Range1D(16, 4), 0), context.Canceled)
}

func TestInvoke_GroupOutsideRange(t *testing.T) {
	_, p := build(t, saxpy, "saxpy", 1)
	wg := must.M1(p.WorkGroup("_saxpy_workgroup"))
	assert.Equal(t, "_saxpy_workgroup", wg.Name())
	args := []Arg{NewBuffer(64), NewBuffer(64), ScalarOf(float32(1))}
	require.NoError(t, wg.Invoke(args, Group{ID: [3]uint64{3}, Range: Range1D(16, 4)}))
	assert.Error(t, wg.Invoke(args, Group{ID: [3]uint64{4}, Range: Range1D(16, 4)}))
}

func TestContextWords(t *testing.T) {
	nd := must.M1(NDRange{WorkDim: 2, GlobalOffset: [3]uint64{1, 2}, GlobalSize: [3]uint64{8, 6}, LocalSize: [3]uint64{4, 3}}.normalize())
	data := contextWords(nd, [3]uint64{1, 0, 0})
	require.Len(t, data, workgroup.CtxWords*8)
	word := func(i int) uint64 { return getBits(data[8*i:], 8) }
	assert.Equal(t, uint64(1), word(workgroup.CtxGroupID))
	assert.Equal(t, uint64(3), word(workgroup.CtxLocalSize+1))
	assert.Equal(t, uint64(1), word(workgroup.CtxLocalSize+2))
	assert.Equal(t, uint64(2), word(workgroup.CtxGlobalOffset+1))
	assert.Equal(t, uint64(2), word(workgroup.CtxNumGroups+1))
	assert.Equal(t, uint64(2), word(workgroup.CtxWorkDim))
}

func TestBuffers(t *testing.T) {
	b := BufferOf([]int16{-1, 2, -3})
	assert.Equal(t, 6, b.Len())
	assert.Equal(t, []int16{-1, 2, -3}, Values[int16](b))

	h := HalfBufferOf([]float32{1, 0.5, -2})
	assert.Equal(t, 6, h.Len())
	assert.Equal(t, []float32{1, 0.5, -2}, HalfValues(h))

	assert.Equal(t, Scalar(0x3f800000), ScalarOf(float32(1)))
}

func TestHalfConversions(t *testing.T) {
	src := `
__kernel void widen(__global const half *in, __global float *out, __global half *back) {
	size_t i = get_global_id(0);
	out[i] = vload_half(i, in) * 2.0f;
	vstore_half(out[i], i, back);
}`
	m, p := build(t, src, "widen", 1)
	in := []float32{1, 0.25, -3, 8}
	got, back := NewBuffer(16), NewBuffer(8)
	require.NoError(t, Launch(context.Background(), p, "widen", []Arg{HalfBufferOf(in), got, back}, Range1D(4, 2), 0))
	assert.Equal(t, []float32{2, 0.5, -6, 16}, Values[float32](got))
	assert.Equal(t, []float32{2, 0.5, -6, 16}, HalfValues(back))

	want := NewBuffer(16)
	require.NoError(t, Reference(context.Background(), m, "widen", []Arg{HalfBufferOf(in), want, NewBuffer(8)}, Range1D(4, 2)))
	assert.Equal(t, Values[float32](want), Values[float32](got))
}

func TestCyclicBarrier(t *testing.T) {
	b := newCyclicBarrier(3)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.wait()
		}()
	}
	// The last party leaving releases the two waiting ones.
	b.leave()
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])

	b = newCyclicBarrier(2)
	done := make(chan error)
	go func() { done <- b.wait() }()
	b.abort()
	assert.ErrorIs(t, <-done, errBarrierBroken)
	assert.ErrorIs(t, b.wait(), errBarrierBroken)
}
