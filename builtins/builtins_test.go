package builtins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/ir"
)

func TestSymbolLookup(t *testing.T) {
	tests := []struct {
		name   string
		elem   ir.ScalarType
		space  ir.AddressSpace
		symbol string
	}{
		{"sqrt", f32, 0, "_cl_sqrt_f32"},
		{"clamp", i64, 0, "_cl_clamp_i64"},
		{"get_global_id", ir.ScalarType{}, 0, "_cl_get_global_id"},
		{"barrier", ir.ScalarType{}, 0, "_cl_barrier"},
		{"atomic_add", u32, ir.SpaceLocal, "_cl_atomic_add_local_u32"},
		{"vload_half", ir.ScalarType{}, ir.SpaceGlobal, "_cl_vload_half_global"},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			b, ok := Find(tt.name)
			require.True(t, ok)
			in := Instance{Builtin: b, Elem: tt.elem, Space: tt.space}
			assert.Equal(t, tt.symbol, in.Symbol())

			got, ok := Lookup(tt.symbol)
			require.True(t, ok)
			assert.Equal(t, tt.name, got.Name)
			assert.Equal(t, tt.elem, got.Elem)
		})
	}

	_, ok := Lookup("_cl_sqrt_i32")
	assert.False(t, ok, "sqrt has no integer overload")
}

func TestDeclare(t *testing.T) {
	m := &ir.Module{}
	types := ir.NewTypeRegistry(m)
	sizeT := ir.ScalarType{Kind: ir.ScalarUint, Width: 8}

	b, _ := Find("atomic_cmpxchg")
	h := Declare(m, types, Instance{Builtin: b, Elem: i32, Space: ir.SpaceGlobal}, sizeT)
	fn := m.Functions[h]
	assert.Equal(t, "_cl_atomic_cmpxchg_global_i32", fn.Name)
	assert.True(t, fn.IsDeclaration())
	assert.False(t, fn.Attrs.Pure)
	require.Len(t, fn.Params, 3)
	assert.Equal(t, "ptr<global, i32>", ir.TypeString(m, fn.Params[0].Type))
	assert.Equal(t, "i32", ir.TypeString(m, fn.Result))

	// Declaring twice reuses the function.
	assert.Equal(t, h, Declare(m, types, Instance{Builtin: b, Elem: i32, Space: ir.SpaceGlobal}, sizeT))

	q, _ := Find("get_local_id")
	h = Declare(m, types, Instance{Builtin: q}, sizeT)
	assert.Equal(t, "u64", ir.TypeString(m, m.Functions[h].Result))
	assert.True(t, m.Functions[h].Attrs.Pure)

	bar, _ := Find("barrier")
	h = Declare(m, types, Instance{Builtin: bar}, sizeT)
	assert.True(t, m.Functions[h].Attrs.Convergent)
	assert.NoError(t, ir.Check(m))
}

func TestClasses(t *testing.T) {
	assert.True(t, IsSupport("_cl_mad_f32"))
	assert.False(t, IsSupport("_cl_sqrt_f32"))
	assert.True(t, IsHelper(HelperGroupBase))
	assert.Contains(t, Names(), "get_group_id")
}
