package link

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/builtins"
	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/target"
)

var testTarget = target.Target{Triple: "x86_64-unknown-linux", DataLayout: target.DefaultLayout}

func compile(t *testing.T, src string) *ir.Module {
	t.Helper()
	return must.M1(clc.Compile(clc.Source{Name: "k.cl", Text: src}, testTarget, "")).Module
}

func countCalls(fn *ir.Function) int {
	n := 0
	for _, b := range fn.Blocks {
		for _, in := range b.Insts {
			if _, ok := in.Kind.(ir.InstCall); ok {
				n++
			}
		}
	}
	return n
}

func TestSupport_DefinesEverySupportOverload(t *testing.T) {
	sup, err := Support(testTarget)
	require.NoError(t, err)

	for _, name := range builtins.Names() {
		b, _ := builtins.Find(name)
		if b.Class != builtins.ClassSupport {
			continue
		}
		for _, elem := range b.Types.Elements() {
			sym := builtins.Instance{Builtin: b, Elem: elem}.Symbol()
			h, ok := sup.FunctionByName(sym)
			if assert.True(t, ok, sym) {
				assert.False(t, sup.Functions[h].IsDeclaration(), sym)
			}
		}
	}
	for _, helper := range []string{builtins.HelperContextField, builtins.HelperGroupBase, builtins.HelperGlobalSize, builtins.HelperSelectDim} {
		_, ok := sup.FunctionByName(helper)
		assert.True(t, ok, helper)
	}

	again, err := Support(testTarget)
	require.NoError(t, err)
	assert.Same(t, sup, again)
}

func TestLink_ResolvesSupportBuiltins(t *testing.T) {
	m := compile(t, `
__kernel void k(__global float *p, __global int *q) {
	size_t i = get_global_id(0);
	p[i] = clamp(p[i], 0.0f, 1.0f) + rsqrt(p[i]);
	q[i] = abs(q[i]);
}`)
	require.NoError(t, Link(m, must.M1(Support(testTarget))))

	for _, sym := range []string{"_cl_clamp_f32", "_cl_rsqrt_f32", "_cl_abs_i32"} {
		h, ok := m.FunctionByName(sym)
		require.True(t, ok, sym)
		assert.False(t, m.Functions[h].IsDeclaration(), sym)
		assert.True(t, m.Functions[h].Attrs.Pure, sym)
	}
	// rsqrt pulls in the native square root it is written with.
	h, ok := m.FunctionByName("_cl_sqrt_f32")
	require.True(t, ok)
	assert.True(t, m.Functions[h].IsDeclaration())

	h, _ = m.FunctionByName("_cl_get_global_id")
	assert.True(t, m.Functions[h].IsDeclaration())
	assert.Empty(t, Unresolved(m))
}

func TestLink_Unresolved(t *testing.T) {
	m := compile(t, `__kernel void k(__global int *p) { p[0] = 1; }`)
	types := ir.NewTypeRegistry(m)
	m.AddFunction(ir.Function{Name: "mystery", Result: types.Void()})

	err := Link(m, must.M1(Support(testTarget)))
	require.Error(t, err)
	assert.Equal(t, diag.KindLink, diag.KindOf(err))
	assert.Contains(t, err.Error(), "mystery")
}

func TestLink_ConflictingSignature(t *testing.T) {
	m := compile(t, `__kernel void k(__global int *p) { p[0] = 1; }`)
	types := ir.NewTypeRegistry(m)
	m.AddFunction(ir.Function{Name: "_cl_min_i32", Result: types.Scalar(ir.ScalarSint, 4)})

	err := Link(m, must.M1(Support(testTarget)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting")
}

func TestOptimize_InlinesAndRemovesDeadFunctions(t *testing.T) {
	m := compile(t, `
float twice(float x) { return x * 2.0f; }
float unused(float x) { return x; }
__kernel void k(__global float *p) { p[0] = max(twice(p[0]), p[1]); }
`)
	require.NoError(t, Link(m, must.M1(Support(testTarget))))
	require.NoError(t, Optimize(m, []string{"k"}))

	h, ok := m.FunctionByName("k")
	require.True(t, ok)
	assert.Zero(t, countCalls(&m.Functions[h]))
	for _, gone := range []string{"twice", "unused", "_cl_max_f32"} {
		_, ok := m.FunctionByName(gone)
		assert.False(t, ok, gone)
	}
}

func TestOptimize_UnknownRoot(t *testing.T) {
	m := compile(t, `__kernel void k(__global int *p) { p[0] = 1; }`)
	err := Optimize(m, []string{"nope"})
	assert.Equal(t, diag.KindLink, diag.KindOf(err))
}

// constModule builds
//
//	i32 f() { if (true) return 2 + 3; else return 7; }
func constModule() *ir.Module {
	m := &ir.Module{Name: "fold"}
	types := ir.NewTypeRegistry(m)
	i32 := types.Scalar(ir.ScalarSint, 4)
	h := m.AddFunction(ir.Function{Name: "f", Result: i32})
	b := ir.NewBuilder(m, types, h)
	then, els := b.NewBlock("then"), b.NewBlock("else")
	b.CondBranch(b.Const(types.Bool(), 1), then, els)
	b.SetBlock(then)
	b.Return(b.Emit(i32, ir.InstBinary{Op: ir.BinAdd, Left: b.Const(i32, 2), Right: b.Const(i32, 3)}))
	b.SetBlock(els)
	b.Return(b.Const(i32, 7))
	return m
}

func TestOptimize_ConstFoldAndSimplify(t *testing.T) {
	m := constModule()
	require.NoError(t, Optimize(m, []string{"f"}, ConstFold, SimplifyCFG, DCE))

	fn := &m.Functions[0]
	require.Len(t, fn.Blocks, 1)
	require.Len(t, fn.Blocks[0].Insts, 1)
	assert.Equal(t, ir.InstConst{Bits: 5}, fn.Blocks[0].Insts[0].Kind)
	ret, ok := fn.Blocks[0].Term.(ir.TermReturn)
	require.True(t, ok)
	assert.Equal(t, fn.Blocks[0].Insts[0].Dest, ret.Value)
}

func TestOptimize_KeepsDivisionByZero(t *testing.T) {
	m := &ir.Module{Name: "div"}
	types := ir.NewTypeRegistry(m)
	i32 := types.Scalar(ir.ScalarSint, 4)
	h := m.AddFunction(ir.Function{Name: "f", Result: i32})
	b := ir.NewBuilder(m, types, h)
	b.Return(b.Emit(i32, ir.InstBinary{Op: ir.BinDiv, Left: b.Const(i32, 1), Right: b.Const(i32, 0)}))

	require.NoError(t, Optimize(m, []string{"f"}, ConstFold, DCE))
	_, isDiv := m.Functions[0].Blocks[0].Insts[2].Kind.(ir.InstBinary)
	assert.True(t, isDiv)
}

func TestInlineCall_ResultPhi(t *testing.T) {
	m := compile(t, `
int pick(int a, int b) { if (a > b) return a; return b; }
__kernel void k(__global int *p) { p[0] = pick(p[1], p[2]); }
`)
	kh, _ := m.FunctionByName("k")
	n, err := InlineAll(m, kh, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, ir.Check(m))

	var phis int
	for _, b := range m.Functions[kh].Blocks {
		for _, in := range b.Insts {
			if phi, ok := in.Kind.(ir.InstPhi); ok {
				phis++
				assert.Len(t, phi.Incoming, 2)
			}
		}
	}
	assert.Equal(t, 1, phis)
	assert.Zero(t, countCalls(&m.Functions[kh]))
}
