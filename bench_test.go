package kernelc

import (
	"context"
	"runtime"
	"testing"

	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/target"
	"github.com/gogpu/kernelc/vm"
)

// ---------------------------------------------------------------------------
// Kernel sources at different complexity levels
// ---------------------------------------------------------------------------

// kernelVectorAdd has no barrier: one region.
const kernelVectorAdd = `
__kernel void vadd(__global const float *a, __global const float *b, __global float *c) {
	size_t i = get_global_id(0);
	c[i] = a[i] + b[i];
}
`

// kernelStencil reads neighbours staged through local memory.
const kernelStencil = `
__kernel void stencil(__global const float *in, __global float *out) {
	__local float tile[66];
	size_t l = get_local_id(0);
	size_t g = get_global_id(0);
	size_t n = get_global_size(0);
	tile[l + 1] = in[g];
	if (l == 0)
		tile[0] = g > 0 ? in[g - 1] : 0.0f;
	if (l == get_local_size(0) - 1)
		tile[l + 2] = g + 1 < n ? in[g + 1] : 0.0f;
	barrier(CLK_LOCAL_MEM_FENCE);
	out[g] = 0.25f * tile[l] + 0.5f * tile[l + 1] + 0.25f * tile[l + 2];
}
`

// kernelReduce halves the active work-items at each barrier.
const kernelReduce = `
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
}
`

type kernelCase struct {
	name   string
	kernel string
	source string
}

var kernelsByComplexity = []kernelCase{
	{"vector_add", "vadd", kernelVectorAdd},
	{"stencil", "stencil", kernelStencil},
	{"reduce", "reduce", kernelReduce},
}

// ---------------------------------------------------------------------------
// End-to-end build benchmarks
// ---------------------------------------------------------------------------

// BenchmarkBuild benchmarks the full pipeline, artifacts included, for each
// kernel with scalar and vectorized work-item loops.
func BenchmarkBuild(b *testing.B) {
	for _, method := range []string{target.MethodLoops, target.MethodLoopVec} {
		tc, err := Init(Config{Method: method, StorageDir: b.TempDir()})
		if err != nil {
			b.Fatalf("init failed: %v", err)
		}
		for _, kc := range kernelsByComplexity {
			b.Run(method+"/"+kc.name, func(b *testing.B) {
				b.ReportAllocs()
				b.SetBytes(int64(len(kc.source)))
				b.ResetTimer()

				var prog *Program
				for i := 0; i < b.N; i++ {
					prog, err = tc.Build(context.Background(), clc.Source{Name: kc.name + ".cl", Text: kc.source}, "")
					if err != nil {
						b.Fatalf("build failed: %v", err)
					}
				}
				runtime.KeepAlive(prog)
			})
		}
		tc.Close()
	}
}

// ---------------------------------------------------------------------------
// Execution benchmarks
// ---------------------------------------------------------------------------

// BenchmarkLaunch measures executing the generated work-group code over a
// 4096 work-item range.
func BenchmarkLaunch(b *testing.B) {
	const n, local = 4096, 64
	tc, err := Init(Config{Method: target.MethodLoopVec, StorageDir: b.TempDir()})
	if err != nil {
		b.Fatalf("init failed: %v", err)
	}
	defer tc.Close()

	in := make([]float32, n)
	for i := range in {
		in[i] = float32(i%17) * 0.5
	}
	argsFor := map[string][]vm.Arg{
		"vadd":    {vm.BufferOf(in), vm.BufferOf(in), vm.NewBuffer(4 * n)},
		"stencil": {vm.BufferOf(in), vm.NewBuffer(4 * n)},
		"reduce":  {vm.BufferOf(in), vm.NewBuffer(4 * n / local), vm.Local(4 * local)},
	}
	for _, kc := range kernelsByComplexity {
		prog, err := tc.Build(context.Background(), clc.Source{Name: kc.name + ".cl", Text: kc.source}, "")
		if err != nil {
			b.Fatalf("build failed: %v", err)
		}
		p, err := prog.Builds[0].Kernel(kc.kernel).Program()
		if err != nil {
			b.Fatalf("load failed: %v", err)
		}
		b.Run(kc.name, func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := vm.Launch(context.Background(), p, kc.kernel, argsFor[kc.kernel], vm.Range1D(n, local), 0); err != nil {
					b.Fatalf("launch failed: %v", err)
				}
			}
		})
	}
}
