package codegen

import (
	"encoding/binary"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/diag"
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

// workGroupModule runs the pipeline up to code generation.
func workGroupModule(t *testing.T, src, name string, width int) (*ir.Module, ir.FunctionHandle) {
	t.Helper()
	support := must.M1(link.Support(testTarget))
	m := must.M1(clc.Compile(clc.Source{Name: "k.cl", Text: src}, testTarget, "")).Module
	require.NoError(t, link.Link(m, support))
	d, _, err := kernel.Extract(m, name, testLayout)
	require.NoError(t, err)
	res, err := workgroup.Generate(m, d, workgroup.Options{MaxWorkGroupSize: 64, VectorWidth: width, Layout: testLayout})
	require.NoError(t, err)
	require.NoError(t, link.Link(res.Module, support))
	require.NoError(t, link.Optimize(res.Module, []string{res.Name}))
	h, ok := res.Module.FunctionByName(res.Name)
	require.True(t, ok)
	return res.Module, h
}

const saxpy = `
__constant float bias[3] = {0.5f, 1.5f, 2.5f};
__kernel void saxpy(__global float *y, __global const float *x, float a) {
	size_t i = get_global_id(0);
	y[i] = a * x[i] + y[i] + bias[i % 3];
}`

func TestEmitDecode_RoundTrip(t *testing.T) {
	for _, width := range []int{1, 4} {
		m, h := workGroupModule(t, saxpy, "saxpy", width)
		obj, err := Emit(m, h)
		require.NoError(t, err)

		back, err := Decode(obj)
		require.NoError(t, err)
		require.NotEmpty(t, back.Functions)
		assert.Equal(t, "_saxpy_workgroup", back.Functions[0].Name)
		assert.Equal(t, ir.PrintFunction(m, &m.Functions[h]), ir.PrintFunction(back, &back.Functions[0]))
		assert.Equal(t, m.Triple, back.Triple)
		assert.Equal(t, m.DataLayout, back.DataLayout)

		g, ok := back.GlobalByName("bias")
		require.True(t, ok)
		assert.Len(t, back.Globals[g].Init, 12)

		var found bool
		for _, a := range back.Annotations {
			if a.Name == ir.AnnotationWorkGroup {
				found = true
				assert.Equal(t, ir.MDFunction{Function: 0}, a.Operands[0])
			}
		}
		assert.True(t, found)
	}
}

func TestEmit_OnlyReachableCode(t *testing.T) {
	m, h := workGroupModule(t, saxpy, "saxpy", 1)
	obj := must.M1(Emit(m, h))
	back := must.M1(Decode(obj))
	for _, f := range back.Functions {
		assert.NotEqual(t, "saxpy", f.Name)
	}
	hdr, insts, err := Parse(obj)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(back.Functions)), hdr.Functions)
	assert.Equal(t, OpModule, insts[0].Opcode)
}

func TestEmit_Declaration(t *testing.T) {
	m := &ir.Module{Name: "decl"}
	types := ir.NewTypeRegistry(m)
	h := m.AddFunction(ir.Function{Name: "ext", Result: types.Void()})
	_, err := Emit(m, h)
	require.Error(t, err)
	assert.Equal(t, diag.KindLink, diag.KindOf(err))
}

func TestEmitDecode_OddSizedBlob(t *testing.T) {
	m := &ir.Module{Name: "blob"}
	types := ir.NewTypeRegistry(m)
	u8 := types.Scalar(ir.ScalarUint, 1)
	m.Globals = append(m.Globals, ir.GlobalVariable{
		Name: "table", Space: ir.SpaceConstant, Type: types.Array(u8, 5), Init: []byte{1, 2, 3, 4, 5},
	})
	h := m.AddFunction(ir.Function{Name: "f", Result: u8})
	b := ir.NewBuilder(m, types, h)
	p := b.Emit(types.Pointer(types.Array(u8, 5), ir.SpaceConstant), ir.InstGlobalAddr{Global: 0})
	q := b.Emit(types.Pointer(u8, ir.SpaceConstant), ir.InstConvert{Operand: p})
	b.Return(b.Load(q))

	back := must.M1(Decode(must.M1(Emit(m, h))))
	require.Len(t, back.Globals, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, back.Globals[0].Init)
	assert.Equal(t, m.String(), back.String())
}

func TestParse_Errors(t *testing.T) {
	good := func() []byte {
		m, h := workGroupModule(t, saxpy, "saxpy", 1)
		return must.M1(Emit(m, h))
	}()

	for _, tc := range []struct {
		name string
		data []byte
		want string
	}{
		{"odd length", good[:len(good)-1], "multiple of 4"},
		{"short", good[:8], "too short"},
		{"truncated", good[:len(good)-4], "truncated"},
		{"magic", append([]byte{0, 0, 0, 0}, good[4:]...), "bad magic"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	bad := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(bad[4:], 99)
	_, err := Decode(bad)
	assert.ErrorContains(t, err, "unsupported object version")
}

func TestOpCode_String(t *testing.T) {
	assert.Equal(t, "OpCall", OpCall.String())
	assert.Equal(t, "OpCondBranch", OpCondBranch.String())
	assert.Equal(t, "Op(999)", OpCode(999).String())
}
