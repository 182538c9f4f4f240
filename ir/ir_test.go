package ir

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAddOne builds a helper "add_one(i32) -> i32" and a kernel that stores
// add_one(7) through its global pointer argument.
func buildAddOne(t *testing.T) *Module {
	t.Helper()
	m := &Module{Name: "test"}
	types := NewTypeRegistry(m)
	i32 := types.Scalar(ScalarSint, 4)
	void := types.Void()
	gptr := types.Pointer(i32, SpaceGlobal)

	helper := m.AddFunction(Function{
		Name:   "add_one",
		Params: []Param{{Name: "x", Type: i32}},
		Result: i32,
	})
	b := NewBuilder(m, types, helper)
	x := b.Emit(i32, InstParam{Index: 0})
	one := b.Const(i32, 1)
	sum := b.Emit(i32, InstBinary{Op: BinAdd, Left: x, Right: one})
	b.Return(sum)

	k := m.AddFunction(Function{
		Name:   "k",
		Kind:   FuncKernel,
		Params: []Param{{Name: "out", Type: gptr}},
		Result: void,
	})
	b = NewBuilder(m, types, k)
	out := b.Emit(gptr, InstParam{Index: 0})
	seven := b.Const(i32, 7)
	r := b.Call(helper, seven)
	b.Store(out, r)
	b.Return(NoValue)
	return m
}

func TestTypeRegistry_Deduplication(t *testing.T) {
	m := &Module{}
	r := NewTypeRegistry(m)

	a := r.Scalar(ScalarFloat, 4)
	b := r.GetOrCreate("float", ScalarType{Kind: ScalarFloat, Width: 4})
	assert.Equal(t, a, b)

	p1 := r.Pointer(a, SpaceGlobal)
	p2 := r.Pointer(a, SpaceLocal)
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, p1, r.Pointer(a, SpaceGlobal))

	arr := r.Array(a, 64)
	assert.Equal(t, arr, r.Array(a, 64))
	assert.NotEqual(t, arr, r.Array(a, 32))
	assert.Equal(t, 5, r.Count())

	// A registry over an existing module sees its types.
	r2 := NewTypeRegistry(m)
	assert.Equal(t, p2, r2.Pointer(a, SpaceLocal))
	assert.Equal(t, 5, r2.Count())
}

func TestValidate_WellFormed(t *testing.T) {
	m := buildAddOne(t)
	errs, err := Validate(m)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.NoError(t, Check(m))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Module)
		want   string
	}{
		{
			name: "missing terminator",
			mutate: func(m *Module) {
				m.Functions[0].Blocks[0].Term = nil
			},
			want: "no terminator",
		},
		{
			name: "undefined operand",
			mutate: func(m *Module) {
				m.Functions[0].Blocks[0].Insts[2].Kind = InstBinary{Op: BinAdd, Left: 0, Right: 99}
			},
			want: "not defined",
		},
		{
			name: "argument count",
			mutate: func(m *Module) {
				fn := &m.Functions[1]
				for i, inst := range fn.Blocks[0].Insts {
					if call, ok := inst.Kind.(InstCall); ok {
						call.Args = nil
						fn.Blocks[0].Insts[i].Kind = call
					}
				}
			},
			want: "with 0 arguments, want 1",
		},
		{
			name: "void returns value",
			mutate: func(m *Module) {
				m.Functions[1].Blocks[0].Term = TermReturn{Value: 0}
			},
			want: "void function returns a value",
		},
		{
			name: "private global",
			mutate: func(m *Module) {
				m.Globals = append(m.Globals, GlobalVariable{Name: "g", Space: SpacePrivate})
			},
			want: "cannot be private",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := buildAddOne(t)
			tt.mutate(m)
			err := Check(m)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	m := buildAddOne(t)
	m.Globals = append(m.Globals, GlobalVariable{Name: "k.tile", Space: SpaceLocal, Type: 0})
	m.Annotations = append(m.Annotations, Annotation{
		Name:     AnnotationReqdWorkGroupSize,
		Operands: []MetadataOperand{MDFunction{Function: 1}, MDInt{Value: 8}, MDInt{Value: 1}, MDInt{Value: 1}},
	})

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.String(), got.String())
	assert.NoError(t, Check(got))
}

func TestClone_Independent(t *testing.T) {
	m := buildAddOne(t)
	c := m.Clone()
	c.Functions[1].Blocks[0].Insts[2].Kind.(InstCall).Args[0] = 0
	c.Functions[0].Name = "renamed"

	assert.Equal(t, "add_one", m.Functions[0].Name)
	call := m.Functions[1].Blocks[0].Insts[2].Kind.(InstCall)
	assert.Equal(t, ValueID(1), call.Args[0])
}

func TestPrint(t *testing.T) {
	m := buildAddOne(t)
	text := m.String()
	assert.Contains(t, text, "kernel @k(ptr<global, i32> out) -> void {")
	assert.Contains(t, text, "call @add_one(%1)")
	assert.Contains(t, text, "ret %2")
}

func TestSuccessorsAndOperands(t *testing.T) {
	assert.Equal(t, []BlockID{1, 2}, Successors(TermCondBranch{Cond: 0, Then: 1, Else: 2}))
	assert.Equal(t, []BlockID{3}, Successors(TermCondBranch{Cond: 0, Then: 3, Else: 3}))
	assert.Nil(t, Successors(TermReturn{Value: NoValue}))

	k := MapOperands(InstStore{Pointer: 1, Value: 2}, func(v ValueID) ValueID { return v + 10 })
	assert.Equal(t, InstStore{Pointer: 11, Value: 12}, k)
	assert.Equal(t, []ValueID{11, 12}, Operands(k))
}
