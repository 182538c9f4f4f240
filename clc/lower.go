package clc

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gogpu/kernelc/cfg"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/target"
)

// Lowerer converts a translation unit into an IR module. Lowering is -O0
// style: every variable and parameter lives in a private slot and is read
// and written through loads and stores. Only &&, || and ?: produce phis.
type Lowerer struct {
	module *ir.Module
	types  *ir.TypeRegistry
	layout *target.DataLayout
	opts   *Options
	files  *Files

	functions map[string]*funcInfo
	globals   map[string]*variable

	// Current function context
	fn       *funcInfo
	b        *ir.Builder
	scopes   []map[string]*variable
	declared []*variable
	loops    []loopTargets

	errors   SourceErrors
	warnings diag.Log
}

type funcInfo struct {
	decl   *FunctionDecl
	handle ir.FunctionHandle
	result CType
	params []CType
}

type variable struct {
	name     string
	t        CType
	space    ir.AddressSpace
	local    uint32
	global   ir.GlobalHandle
	isGlobal bool
	used     bool
	span     Span
}

type loopTargets struct {
	brk, cont ir.BlockID
}

// operand is an rvalue: a register and its source type.
type operand struct {
	id ir.ValueID
	t  CType
}

// place is an lvalue: the address of an object of type t in space.
type place struct {
	addr  ir.ValueID
	t     CType
	space ir.AddressSpace
}

func newLowerer(m *ir.Module, layout *target.DataLayout, opts *Options, files *Files) *Lowerer {
	return &Lowerer{
		module:    m,
		types:     ir.NewTypeRegistry(m),
		layout:    layout,
		opts:      opts,
		files:     files,
		functions: map[string]*funcInfo{},
		globals:   map[string]*variable{},
	}
}

// Lower lowers unit into l.module. Errors are accumulated in l.errors.
func (l *Lowerer) Lower(unit *TranslationUnit) {
	for _, g := range unit.Globals {
		v, err := l.lowerGlobalVar(g, g.Name)
		if err != nil {
			l.addError(err.Error(), g.Span)
			continue
		}
		l.globals[g.Name] = v
	}
	for _, f := range unit.Functions {
		if err := l.declareFunction(f); err != nil {
			l.addError(err.Error(), f.Span)
		}
	}
	for _, f := range unit.Functions {
		if f.Body == nil {
			continue
		}
		if info := l.functions[f.Name]; info != nil && info.decl == f {
			l.lowerFunction(info)
		}
	}
}

func (l *Lowerer) addError(message string, span Span) {
	l.errors.Add(l.files.errorf(span, "%s", message))
}

func (l *Lowerer) warnf(span Span, format string, args ...any) {
	l.warnings = append(l.warnings, diag.Diagnostic{
		Severity: diag.SeverityWarning,
		Stage:    "clc",
		Message:  fmt.Sprintf(format, args...),
		File:     span.Source,
		Line:     span.Start.Line,
		Column:   span.Start.Column,
	})
}

// Types

// resolveType canonicalizes target-dependent type names and evaluates array
// lengths.
func (l *Lowerer) resolveType(t CType) (CType, error) {
	switch t := t.(type) {
	case BasicType:
		wide := l.layout.SizeTWidth() == 8
		switch t.Name {
		case "size_t", "uintptr_t":
			if wide {
				return BasicType{Name: "ulong"}, nil
			}
			return typeUint, nil
		case "ptrdiff_t", "intptr_t":
			if wide {
				return BasicType{Name: "long"}, nil
			}
			return typeInt, nil
		}
		return t, nil
	case PointerTo:
		elem, err := l.resolveType(t.Elem)
		if err != nil {
			return nil, err
		}
		if _, isArr := elem.(ArrayOf); isArr {
			return nil, errors.New("pointers to arrays are not supported")
		}
		return PointerTo{Elem: elem, Space: t.Space}, nil
	case ArrayOf:
		elem, err := l.resolveType(t.Elem)
		if err != nil {
			return nil, err
		}
		if isVoid(elem) {
			return nil, errors.New("array of void")
		}
		out := ArrayOf{Elem: elem}
		if t.Len != nil {
			n, err := l.constEval(t.Len)
			if err != nil {
				return nil, errors.WithMessage(err, "array size")
			}
			if n.isFloat || n.i <= 0 || n.i > 1<<24 {
				return nil, errors.Errorf("invalid array size %v", n.int())
			}
			out.Count = uint32(n.i)
		}
		return out, nil
	}
	return nil, errors.New("unknown type")
}

func (l *Lowerer) sizeType() CType {
	if l.layout.SizeTWidth() == 8 {
		return BasicType{Name: "ulong"}
	}
	return typeUint
}

func (l *Lowerer) ptrdiffType() CType {
	if l.layout.SizeTWidth() == 8 {
		return BasicType{Name: "long"}
	}
	return typeInt
}

// irType maps a resolved source type to an IR type.
func (l *Lowerer) irType(t CType) ir.TypeHandle {
	switch t := t.(type) {
	case BasicType:
		if s, ok := scalarTypes[t.Name]; ok {
			return l.types.Scalar(s.Kind, s.Width)
		}
		switch t.Name {
		case "image2d_t":
			return l.types.GetOrCreate("image2d_t", ir.ImageType{Dim: ir.Dim2D})
		case "image3d_t":
			return l.types.GetOrCreate("image3d_t", ir.ImageType{Dim: ir.Dim3D})
		case "sampler_t":
			return l.types.GetOrCreate("sampler_t", ir.SamplerType{})
		}
		return l.types.Void()
	case PointerTo:
		return l.types.Pointer(l.irType(t.Elem), t.Space)
	case ArrayOf:
		return l.types.Array(l.irType(t.Elem), t.Count)
	}
	return l.types.Void()
}

// Program scope

// lowerGlobalVar lowers a program-scope variable, or a function-scope
// __constant variable lifted to program scope under name.
func (l *Lowerer) lowerGlobalVar(v *VarDecl, name string) (*variable, error) {
	if !v.SpaceExplicit || v.Space != ir.SpaceConstant {
		return nil, errors.Errorf("program scope variable %q must be declared in the __constant address space", v.Name)
	}
	if _, dup := l.module.GlobalByName(name); dup {
		return nil, errors.Errorf("redefinition of %q", v.Name)
	}
	t, err := l.resolveType(v.Type)
	if err != nil {
		return nil, err
	}
	if arr, ok := t.(ArrayOf); ok && arr.Count == 0 {
		list, isList := v.Init.(*InitList)
		if !isList {
			return nil, errors.Errorf("array %q has no size", v.Name)
		}
		arr.Count = uint32(len(list.Elems))
		t = arr
	}
	if _, ok := t.(PointerTo); ok {
		return nil, errors.Errorf("program scope pointer %q is not supported", v.Name)
	}
	var init []byte
	if v.Init != nil {
		size := l.layout.AllocSize(l.module, l.irType(t))
		init = make([]byte, size)
		if err := l.encodeInit(init, t, v.Init); err != nil {
			return nil, errors.WithMessagef(err, "initializer of %q", v.Name)
		}
	}
	l.module.Globals = append(l.module.Globals, ir.GlobalVariable{
		Name:  name,
		Space: ir.SpaceConstant,
		Type:  l.irType(t),
		Init:  init,
	})
	return &variable{
		name:     v.Name,
		t:        t,
		space:    ir.SpaceConstant,
		global:   ir.GlobalHandle(len(l.module.Globals) - 1),
		isGlobal: true,
		used:     true,
		span:     v.Span,
	}, nil
}

// encodeInit writes the constant initializer e for an object of type t into
// buf, little-endian.
func (l *Lowerer) encodeInit(buf []byte, t CType, e Expr) error {
	if arr, ok := t.(ArrayOf); ok {
		list, isList := e.(*InitList)
		if !isList {
			return errors.New("array initializer must be a braced list")
		}
		if len(list.Elems) > int(arr.Count) {
			return errors.New("excess elements in array initializer")
		}
		stride := int(l.layout.AllocSize(l.module, l.irType(arr.Elem)))
		for i, elem := range list.Elems {
			if err := l.encodeInit(buf[i*stride:(i+1)*stride], arr.Elem, elem); err != nil {
				return err
			}
		}
		return nil
	}
	if list, ok := e.(*InitList); ok {
		if len(list.Elems) != 1 {
			return errors.New("scalar initializer must have one element")
		}
		e = list.Elems[0]
	}
	s, ok := scalarOf(t)
	if !ok {
		return errors.Errorf("cannot initialize %s", typeString(t))
	}
	v, err := l.constEval(e)
	if err != nil {
		return err
	}
	bits := constBits(v, s)
	switch s.Width {
	case 1:
		buf[0] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(bits))
	case 8:
		binary.LittleEndian.PutUint64(buf, bits)
	}
	return nil
}

func halfBits(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// declareFunction creates or checks the IR function for a definition or
// prototype. Later declarations must agree with earlier ones.
func (l *Lowerer) declareFunction(f *FunctionDecl) error {
	result, err := l.resolveType(f.Result)
	if err != nil {
		return err
	}
	if _, isArr := result.(ArrayOf); isArr {
		return errors.Errorf("function %q returns an array", f.Name)
	}
	params := make([]CType, len(f.Params))
	for i, p := range f.Params {
		if params[i], err = l.resolveType(p.Type); err != nil {
			return errors.WithMessagef(err, "parameter %d of %q", i+1, f.Name)
		}
		if isVoid(params[i]) {
			return errors.Errorf("parameter %d of %q has void type", i+1, f.Name)
		}
		if isHalf(params[i]) {
			return errors.Errorf("parameter %d of %q: half is only supported as a pointee", i+1, f.Name)
		}
	}
	if f.Kernel && !isVoid(result) {
		return errors.Errorf("kernel %q must return void", f.Name)
	}

	if prev, ok := l.functions[f.Name]; ok {
		if len(prev.params) != len(params) || !sameType(prev.result, result) {
			return errors.Errorf("conflicting types for %q", f.Name)
		}
		for i := range params {
			if !sameType(prev.params[i], params[i]) {
				return errors.Errorf("conflicting types for %q", f.Name)
			}
		}
		if f.Body != nil {
			if prev.decl.Body != nil {
				return errors.Errorf("redefinition of %q", f.Name)
			}
			prev.decl = f
		}
		if f.Kernel {
			l.module.Functions[prev.handle].Kind = ir.FuncKernel
		}
		return nil
	}

	fn := ir.Function{Name: f.Name, Kind: ir.FuncHelper, Result: l.irType(result)}
	if f.Kernel {
		fn.Kind = ir.FuncKernel
	}
	for i, p := range f.Params {
		fn.Params = append(fn.Params, ir.Param{Name: p.Name, Type: l.irType(params[i])})
	}
	l.functions[f.Name] = &funcInfo{
		decl:   f,
		handle: l.module.AddFunction(fn),
		result: result,
		params: params,
	}
	return nil
}

// Functions

func (l *Lowerer) lowerFunction(info *funcInfo) {
	f := info.decl
	l.fn = info
	l.b = ir.NewBuilder(l.module, l.types, info.handle)
	l.scopes = []map[string]*variable{{}}
	l.declared = nil
	l.loops = nil

	for i, p := range f.Params {
		pt := info.params[i]
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		slot := l.b.Func().NewLocal(name, l.irType(pt))
		v := l.b.Emit(l.irType(pt), ir.InstParam{Index: uint32(i)})
		l.b.Store(l.b.LocalAddr(slot), v)
		if p.Name != "" {
			l.scopes[0][p.Name] = &variable{name: p.Name, t: pt, local: slot, used: true, span: p.Span}
		}
	}

	if f.Kernel {
		l.kernelAttributes(f)
	} else if len(f.Attributes) > 0 {
		for _, a := range f.Attributes {
			l.warnf(a.Span, "ignoring attribute %q", a.Name)
		}
	}

	l.block(f.Body, false)

	if !l.b.Terminated() {
		fallthroughBlock := l.b.Block
		if isVoid(info.result) {
			l.b.Return(ir.NoValue)
		} else {
			l.b.Return(l.zero(info.result))
			if cfg.New(l.b.Func()).Reachable()[fallthroughBlock] {
				l.warnf(f.Span, "control reaches end of non-void function %q", f.Name)
			}
		}
	}
	cfg.Prune(l.b.Func())

	for _, v := range l.declared {
		if !v.used {
			l.warnf(v.span, "unused variable %q", v.name)
		}
	}
	l.fn, l.b = nil, nil
}

// kernelAttributes records reqd_work_group_size as an annotation and warns
// about every other attribute.
func (l *Lowerer) kernelAttributes(f *FunctionDecl) {
	for _, a := range f.Attributes {
		if a.Name != "reqd_work_group_size" {
			l.warnf(a.Span, "ignoring attribute %q", a.Name)
			continue
		}
		ann := ir.Annotation{
			Name:     ir.AnnotationReqdWorkGroupSize,
			Operands: []ir.MetadataOperand{ir.MDFunction{Function: l.fn.handle}},
		}
		for _, arg := range a.Args {
			v, err := l.constEval(arg)
			if err != nil || v.isFloat {
				ann.Operands = append(ann.Operands, ir.MDString{Value: "non-constant"})
				continue
			}
			ann.Operands = append(ann.Operands, ir.MDInt{Value: v.i})
		}
		l.module.Annotations = append(l.module.Annotations, ann)
	}
}

// Scopes

func (l *Lowerer) pushScope() {
	l.scopes = append(l.scopes, map[string]*variable{})
}

func (l *Lowerer) popScope() {
	l.scopes = l.scopes[:len(l.scopes)-1]
}

func (l *Lowerer) lookup(name string) *variable {
	for i := len(l.scopes) - 1; i >= 0; i-- {
		if v, ok := l.scopes[i][name]; ok {
			return v
		}
	}
	return l.globals[name]
}

func (l *Lowerer) declare(v *variable) error {
	scope := l.scopes[len(l.scopes)-1]
	if _, dup := scope[v.name]; dup {
		return errors.Errorf("redefinition of %q", v.name)
	}
	scope[v.name] = v
	return nil
}
