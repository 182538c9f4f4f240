package clc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/target"
)

var testTarget = target.Target{Triple: "x86_64-unknown-linux", DataLayout: target.DefaultLayout}

func compile(t *testing.T, src, options string) *Result {
	t.Helper()
	res, err := Compile(Source{Name: "test.cl", Text: src}, testTarget, options)
	if err != nil {
		var errs SourceErrors
		if errors.As(err, &errs) {
			t.Fatalf("compile failed:\n%s", errs.FormatAll())
		}
		t.Fatalf("compile failed: %v", err)
	}
	return res
}

func compileErr(t *testing.T, src, options string) error {
	t.Helper()
	_, err := Compile(Source{Name: "test.cl", Text: src}, testTarget, options)
	require.Error(t, err)
	return err
}

func function(t *testing.T, m *ir.Module, name string) *ir.Function {
	t.Helper()
	h, ok := m.FunctionByName(name)
	require.True(t, ok, "function %q not found", name)
	return &m.Functions[h]
}

const vecAdd = `
__kernel void vadd(__global const float *a, __global const float *b, __global float *c) {
	size_t i = get_global_id(0);
	c[i] = a[i] + b[i];
}
`

func TestCompile_VectorAdd(t *testing.T) {
	res := compile(t, vecAdd, "")
	m := res.Module
	fn := function(t, m, "vadd")
	assert.Equal(t, ir.FuncKernel, fn.Kind)
	require.Len(t, fn.Params, 3)

	p, ok := m.Pointer(fn.Params[0].Type)
	require.True(t, ok)
	assert.Equal(t, ir.SpaceGlobal, p.Space)

	gid := function(t, m, "_cl_get_global_id")
	assert.True(t, gid.IsDeclaration())
	assert.True(t, gid.Attrs.Pure)
	assert.Empty(t, res.Log)
}

func TestCompile_HelpersSurvive(t *testing.T) {
	src := `
inline float twice(float x) { return x * 2.0f; }
static int unused_helper(int x) { return x; }
__kernel void k(__global float *out) { out[0] = twice(out[0]); }
`
	m := compile(t, src, "").Module
	function(t, m, "twice")
	function(t, m, "unused_helper")
}

func TestCompile_AutomaticLocal(t *testing.T) {
	src := `
__kernel void reduce(__global float *out) {
	__local float tile[64];
	tile[get_local_id(0)] = 1.0f;
	barrier(CLK_LOCAL_MEM_FENCE);
	out[get_group_id(0)] = tile[0];
}
`
	m := compile(t, src, "").Module
	h, ok := m.GlobalByName("reduce.tile")
	require.True(t, ok)
	g := m.Globals[h]
	assert.Equal(t, ir.SpaceLocal, g.Space)
	arr, ok := m.Types[g.Type].Inner.(ir.ArrayType)
	require.True(t, ok)
	assert.Equal(t, uint32(64), arr.Length)

	barrier := function(t, m, "_cl_barrier")
	assert.True(t, barrier.Attrs.Convergent)
}

func TestCompile_ReqdWorkGroupSize(t *testing.T) {
	src := `__kernel __attribute__((reqd_work_group_size(8, 4, 1))) void k(__global int *p) { p[0] = 1; }`
	m := compile(t, src, "").Module
	require.Len(t, m.Annotations, 1)
	ann := m.Annotations[0]
	assert.Equal(t, ir.AnnotationReqdWorkGroupSize, ann.Name)
	require.Len(t, ann.Operands, 4)
	assert.Equal(t, ir.MDInt{Value: 8}, ann.Operands[1])
	assert.Equal(t, ir.MDInt{Value: 4}, ann.Operands[2])
	assert.Equal(t, ir.MDInt{Value: 1}, ann.Operands[3])
}

func TestCompile_ConstantTable(t *testing.T) {
	src := `
__constant int table[] = {1, 2, 3};
__kernel void k(__global int *out) { out[0] = table[2]; }
`
	m := compile(t, src, "").Module
	h, ok := m.GlobalByName("table")
	require.True(t, ok)
	assert.Equal(t, ir.SpaceConstant, m.Globals[h].Space)
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}, m.Globals[h].Init)
}

func TestCompile_ControlFlow(t *testing.T) {
	src := `
int pick(int a, int b) { return a > b ? a : b; }
__kernel void k(__global int *out, int n) {
	int acc = 0;
	for (int i = 0; i < n; i++) {
		if (i % 2 == 0 && i != 4)
			continue;
		acc += pick(i, 3);
		if (acc > 100) break;
	}
	int j = 0;
	while (j < 3) j++;
	do { j--; } while (j > 0 || acc < 0);
	out[0] = acc + j;
}
`
	m := compile(t, src, "").Module
	pick := function(t, m, "pick")
	var phis int
	for _, b := range pick.Blocks {
		for _, in := range b.Insts {
			if _, ok := in.Kind.(ir.InstPhi); ok {
				phis++
			}
		}
	}
	assert.Equal(t, 1, phis)
}

func TestCompile_DefinesAndConditionals(t *testing.T) {
	src := `
#ifdef USE_TWO
#define FACTOR 2
#else
#define FACTOR 3
#endif
#if FACTOR > 2 && defined(__ENDIAN_LITTLE__)
#error factor too large
#endif
__kernel void k(__global int *out) { out[0] = FACTOR; }
`
	compile(t, src, "-DUSE_TWO")
	err := compileErr(t, src, "")
	assert.True(t, diag.Is(err, diag.KindSource))
	assert.Contains(t, err.Error(), "factor too large")
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"undeclared", `__kernel void k(__global int *p) { p[0] = x; }`, "undeclared identifier"},
		{"implicit call", `__kernel void k(__global int *p) { p[0] = frob(1); }`, "implicit declaration"},
		{"function-like macro", "#define SQ(x) ((x)*(x))\n__kernel void k() {}", "function-like macro"},
		{"kernel result", `__kernel int k() { return 0; }`, "must return void"},
		{"break outside loop", `__kernel void k() { break; }`, "not within a loop"},
		{"local in helper", `void h() { __local int x; }`, "only be declared in a kernel"},
		{"global variable", `int counter;`, "__constant address space"},
		{"struct", `struct s { int a; };`, "struct"},
		{"switch", `__kernel void k(int a) { switch (a) {} }`, "switch"},
		{"address space cast", `__kernel void k(__global int *p, __local int *l) { p = l; }`, "address space"},
		{"constant store", `__constant int c = 1; __kernel void k() { c = 2; }`, "__constant"},
		{"half value", `__kernel void k(__global half *p) { p[0] = p[1]; }`, "vload_half"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := compileErr(t, tt.src, "")
			assert.Equal(t, diag.KindSource, diag.KindOf(err))
			var errs SourceErrors
			require.True(t, errors.As(err, &errs))
			assert.Contains(t, errs.FormatAll(), tt.msg)
		})
	}
}

func TestCompile_Warnings(t *testing.T) {
	src := `__kernel void k(__global int *p) { int unused; p[0] = 1; }`
	res := compile(t, src, "")
	require.Len(t, res.Log.Warnings(), 1)
	assert.Contains(t, res.Log[0].Message, `unused variable "unused"`)

	res = compile(t, src, "-w")
	assert.Empty(t, res.Log)

	err := compileErr(t, src, "-Werror")
	assert.True(t, diag.Is(err, diag.KindSource))
}

func TestCompile_BadOptions(t *testing.T) {
	err := compileErr(t, vecAdd, "-fno-such-flag")
	assert.Equal(t, diag.KindBuildOptions, diag.KindOf(err))
}

func TestCompile_MissingTriple(t *testing.T) {
	_, err := Compile(Source{Text: vecAdd}, target.Target{DataLayout: target.DefaultLayout}, "")
	require.Error(t, err)
	assert.Equal(t, diag.KindConfig, diag.KindOf(err))
}

func TestCompile_Include(t *testing.T) {
	src := `#include "common.h"
__kernel void k(__global int *p) { p[0] = SCALE; }`
	res, err := Compile(Source{
		Name:     "main.cl",
		Text:     src,
		Includes: map[string]string{"common.h": "#define SCALE 7\n"},
	}, testTarget, "")
	require.NoError(t, err)
	function(t, res.Module, "k")
}

func TestCompile_IncludeChain(t *testing.T) {
	includes := map[string]string{
		"outer.h": "#define SCALE 1\n#include \"inner.h\"\n",
		"inner.h": "\n#error stop here\n",
		"helper.h": "int h() {\n\treturn missing;\n}\n",
	}

	err := compileErr(t, "#include \"outer.h\"\n__kernel void k() {}\n", "")
	assert.Contains(t, err.Error(), "not found")

	_, err = Compile(Source{Name: "main.cl", Text: "#include \"outer.h\"\n__kernel void k() {}\n", Includes: includes}, testTarget, "")
	var errs SourceErrors
	require.True(t, errors.As(err, &errs))
	require.Len(t, errs, 1)
	e := errs[0]
	assert.Equal(t, "inner.h", e.Span.Source)
	assert.Equal(t, 2, e.Span.Start.Line)
	assert.Equal(t, "#error stop here", e.Line)
	assert.Equal(t, []Location{{File: "outer.h", Line: 2}, {File: "main.cl", Line: 1}}, e.IncludedFrom)
	assert.Contains(t, e.Error(), "(included from outer.h:2)")
	assert.Contains(t, errs.FormatAll(),
		"In file included from outer.h:2:\n                 from main.cl:1:\nerror: #error stop here\n  --> inner.h:2:")

	_, err = Compile(Source{Name: "main.cl", Text: "\n#include \"helper.h\"\n__kernel void k() {}\n", Includes: includes}, testTarget, "")
	errs = nil
	require.True(t, errors.As(err, &errs))
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "undeclared identifier")
	assert.Equal(t, "helper.h", errs[0].Span.Source)
	assert.Equal(t, "\treturn missing;", errs[0].Line)
	assert.Equal(t, []Location{{File: "main.cl", Line: 2}}, errs[0].IncludedFrom)
}

func TestFiles(t *testing.T) {
	var none *Files
	assert.Empty(t, none.Line("a.cl", 1))
	assert.Empty(t, none.IncludeChain("a.cl"))

	fs := newFiles()
	fs.add("a.cl", "one\r\ntwo\nthree", nil)
	fs.add("b.h", "x\n", &Token{File: "a.cl", Line: 3})
	fs.add("b.h", "x\n", &Token{File: "c.h", Line: 9})
	assert.Equal(t, "one", fs.Line("a.cl", 1))
	assert.Equal(t, "three", fs.Line("a.cl", 3))
	assert.Empty(t, fs.Line("a.cl", 4))
	assert.Empty(t, fs.Line("a.cl", 0))
	assert.Equal(t, []Location{{File: "a.cl", Line: 3}}, fs.IncludeChain("b.h"))
	assert.Empty(t, fs.IncludeChain("a.cl"))

	e := fs.errorf(Span{Start: Position{Line: 1, Column: 1}, Source: "b.h"}, "bad %s", "thing")
	assert.Equal(t, "b.h:1:1: bad thing (included from a.cl:3)", e.Error())
	assert.Equal(t, "x", e.Line)
}
