package ir

import (
	"strconv"
)

// TypeRegistry deduplicates the type table of a module. Every pass that
// creates types goes through a registry so that structurally identical types
// share one handle.
type TypeRegistry struct {
	module  *Module
	typeMap map[string]TypeHandle
	keyBuf  []byte // reusable buffer for building type keys
}

// NewTypeRegistry indexes the existing types of m. New types are appended
// to m.Types.
func NewTypeRegistry(m *Module) *TypeRegistry {
	r := &TypeRegistry{
		module:  m,
		typeMap: make(map[string]TypeHandle, len(m.Types)+16),
		keyBuf:  make([]byte, 0, 64),
	}
	for i, t := range m.Types {
		key := r.normalizeType(t.Inner)
		if _, exists := r.typeMap[key]; !exists {
			r.typeMap[key] = TypeHandle(i)
		}
	}
	return r
}

// GetOrCreate returns an existing handle for the type if it exists,
// or creates a new one if it's unique.
func (r *TypeRegistry) GetOrCreate(name string, inner TypeInner) TypeHandle {
	key := r.normalizeType(inner)
	if handle, exists := r.typeMap[key]; exists {
		return handle
	}
	handle := TypeHandle(len(r.module.Types))
	r.module.Types = append(r.module.Types, Type{Name: name, Inner: inner})
	r.typeMap[key] = handle
	return handle
}

// Void returns the void type.
func (r *TypeRegistry) Void() TypeHandle {
	return r.GetOrCreate("void", VoidType{})
}

// Scalar returns a scalar type with its conventional name.
func (r *TypeRegistry) Scalar(kind ScalarKind, width uint8) TypeHandle {
	return r.GetOrCreate(ScalarName(ScalarType{Kind: kind, Width: width}), ScalarType{Kind: kind, Width: width})
}

// Bool returns the boolean type.
func (r *TypeRegistry) Bool() TypeHandle {
	return r.Scalar(ScalarBool, 1)
}

// Pointer returns a pointer to base in the given space.
func (r *TypeRegistry) Pointer(base TypeHandle, space AddressSpace) TypeHandle {
	return r.GetOrCreate("", PointerType{Base: base, Space: space})
}

// Array returns a fixed-length array of base.
func (r *TypeRegistry) Array(base TypeHandle, length uint32) TypeHandle {
	return r.GetOrCreate("", ArrayType{Base: base, Length: length})
}

// Count returns the number of types in the module.
func (r *TypeRegistry) Count() int {
	return len(r.module.Types)
}

// normalizeType creates a unique key for a type based on its structure.
// Two structurally identical types will produce the same key.
func (r *TypeRegistry) normalizeType(inner TypeInner) string {
	b := r.keyBuf[:0]

	switch t := inner.(type) {
	case VoidType:
		return "void"

	case ScalarType:
		b = append(b, "scalar:"...)
		b = strconv.AppendInt(b, int64(t.Kind), 10)
		b = append(b, ':')
		b = strconv.AppendUint(b, uint64(t.Width), 10)

	case PointerType:
		b = append(b, "ptr:"...)
		b = strconv.AppendUint(b, uint64(t.Base), 10)
		b = append(b, ':')
		b = strconv.AppendUint(b, uint64(t.Space), 10)

	case ArrayType:
		b = append(b, "array:"...)
		b = strconv.AppendUint(b, uint64(t.Base), 10)
		b = append(b, ':')
		b = strconv.AppendUint(b, uint64(t.Length), 10)

	case ImageType:
		b = append(b, "image:"...)
		b = strconv.AppendUint(b, uint64(t.Dim), 10)

	case SamplerType:
		return "sampler"

	default:
		return "unknown"
	}
	r.keyBuf = b
	return string(b)
}

// ScalarName returns the IR spelling of a scalar type, such as i32 or f64.
func ScalarName(s ScalarType) string {
	if s.Kind == ScalarBool {
		return "bool"
	}
	return s.Kind.String() + strconv.Itoa(int(s.Width)*8)
}
