package clc

import (
	"github.com/gogpu/kernelc/ir"
)

var scalarTypes = map[string]ir.ScalarType{
	"bool":   {Kind: ir.ScalarBool, Width: 1},
	"char":   {Kind: ir.ScalarSint, Width: 1},
	"uchar":  {Kind: ir.ScalarUint, Width: 1},
	"short":  {Kind: ir.ScalarSint, Width: 2},
	"ushort": {Kind: ir.ScalarUint, Width: 2},
	"int":    {Kind: ir.ScalarSint, Width: 4},
	"uint":   {Kind: ir.ScalarUint, Width: 4},
	"long":   {Kind: ir.ScalarSint, Width: 8},
	"ulong":  {Kind: ir.ScalarUint, Width: 8},
	"half":   {Kind: ir.ScalarFloat, Width: 2},
	"float":  {Kind: ir.ScalarFloat, Width: 4},
	"double": {Kind: ir.ScalarFloat, Width: 8},
}

var (
	typeVoid   = BasicType{Name: "void"}
	typeBool   = BasicType{Name: "bool"}
	typeInt    = BasicType{Name: "int"}
	typeUint   = BasicType{Name: "uint"}
	typeFloat  = BasicType{Name: "float"}
	typeDouble = BasicType{Name: "double"}
)

// basicOf returns the canonical source type of a scalar.
func basicOf(s ir.ScalarType) BasicType {
	if s.Kind == ir.ScalarBool {
		return typeBool
	}
	for name, t := range scalarTypes {
		if t == s {
			return BasicType{Name: name}
		}
	}
	return typeInt
}

func scalarOf(t CType) (ir.ScalarType, bool) {
	b, ok := t.(BasicType)
	if !ok {
		return ir.ScalarType{}, false
	}
	s, ok := scalarTypes[b.Name]
	return s, ok
}

func isVoid(t CType) bool {
	b, ok := t.(BasicType)
	return ok && b.Name == "void"
}

func isPointer(t CType) bool {
	_, ok := t.(PointerTo)
	return ok
}

func isArithmetic(t CType) bool {
	s, ok := scalarOf(t)
	return ok && !(s.Kind == ir.ScalarFloat && s.Width == 2)
}

func isInteger(t CType) bool {
	s, ok := scalarOf(t)
	return ok && s.Kind != ir.ScalarFloat
}

func isFloat(t CType) bool {
	s, ok := scalarOf(t)
	return ok && s.Kind == ir.ScalarFloat
}

func isHalf(t CType) bool {
	s, ok := scalarOf(t)
	return ok && s.Kind == ir.ScalarFloat && s.Width == 2
}

// sameType compares two resolved types structurally.
func sameType(a, b CType) bool {
	switch a := a.(type) {
	case BasicType:
		b, ok := b.(BasicType)
		return ok && a.Name == b.Name
	case PointerTo:
		b, ok := b.(PointerTo)
		return ok && a.Space == b.Space && sameType(a.Elem, b.Elem)
	case ArrayOf:
		b, ok := b.(ArrayOf)
		return ok && a.Count == b.Count && sameType(a.Elem, b.Elem)
	}
	return false
}

// promote applies the integer promotions.
func promote(s ir.ScalarType) ir.ScalarType {
	if s.Kind != ir.ScalarFloat && (s.Width < 4 || s.Kind == ir.ScalarBool) {
		return scalarTypes["int"]
	}
	return s
}

// usualArithmetic returns the common type of a binary arithmetic operation.
func usualArithmetic(a, b ir.ScalarType) ir.ScalarType {
	switch {
	case a.Kind == ir.ScalarFloat && b.Kind == ir.ScalarFloat:
		if b.Width > a.Width {
			return b
		}
		return a
	case a.Kind == ir.ScalarFloat:
		return a
	case b.Kind == ir.ScalarFloat:
		return b
	}
	a, b = promote(a), promote(b)
	if a == b {
		return a
	}
	if a.Kind == b.Kind {
		if b.Width > a.Width {
			return b
		}
		return a
	}
	u, s := a, b
	if a.Kind == ir.ScalarSint {
		u, s = b, a
	}
	if u.Width >= s.Width {
		return u
	}
	return s
}

func typeString(t CType) string {
	switch t := t.(type) {
	case BasicType:
		return t.Name
	case PointerTo:
		if t.Space == ir.SpacePrivate {
			return typeString(t.Elem) + " *"
		}
		return "__" + t.Space.String() + " " + typeString(t.Elem) + " *"
	case ArrayOf:
		return typeString(t.Elem) + "[]"
	}
	return "?"
}
