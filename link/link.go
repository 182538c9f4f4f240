// Package link resolves the builtin and helper declarations of a compiled
// kernel against the support library and cleans the result up with a small
// pass pipeline.
//
// The support library is kernel-language source embedded in the binary. It
// is compiled once per data layout and cached; Link copies the definitions a
// module needs, together with everything they call, into that module.
package link

import (
	_ "embed"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/builtins"
	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/target"
)

//go:embed support.cl
var supportSource string

// SupportName is the source name of the embedded support library.
const SupportName = "support.cl"

var supportCache sync.Map // data layout string -> *supportEntry

type supportEntry struct {
	once sync.Once
	m    *ir.Module
	err  error
}

// Support returns the support library compiled for tgt. The module is
// shared; callers must not modify it.
func Support(tgt target.Target) (*ir.Module, error) {
	v, _ := supportCache.LoadOrStore(tgt.DataLayout, &supportEntry{})
	e := v.(*supportEntry)
	e.once.Do(func() {
		res, err := clc.Compile(clc.Source{Name: SupportName, Text: supportSource}, tgt, "-w")
		if err != nil {
			e.err = diag.New(diag.KindLink, errors.WithMessage(err, "compiling support library"))
			return
		}
		e.m = res.Module
		klog.V(2).Infof("compiled support library for %q: %d function(s)", tgt.DataLayout, len(e.m.Functions))
	})
	return e.m, e.err
}

// Link resolves every declaration of dst that the support module defines.
// Definitions are copied along with the functions and globals they refer to.
// Declarations of builtins the runtime provides stay declarations; any other
// unresolved declaration is a link error.
func Link(dst, support *ir.Module) error {
	l := &linker{
		dst:       dst,
		src:       support,
		types:     ir.NewTypeRegistry(dst),
		typeMap:   map[ir.TypeHandle]ir.TypeHandle{},
		globalMap: map[ir.GlobalHandle]ir.GlobalHandle{},
	}
	for h := 0; h < len(dst.Functions); h++ {
		if !dst.Functions[h].IsDeclaration() {
			continue
		}
		if err := l.resolve(ir.FunctionHandle(h)); err != nil {
			return diag.New(diag.KindLink, err)
		}
	}
	if missing := Unresolved(dst); len(missing) > 0 {
		return diag.Errorf(diag.KindLink, "undefined symbol(s): %s", strings.Join(missing, ", "))
	}
	if err := ir.Check(dst); err != nil {
		return diag.New(diag.KindLink, errors.WithMessage(err, "linked module is invalid"))
	}
	klog.V(2).Infof("linked %s: %d function(s) resolved", dst.Name, l.resolved)
	return nil
}

// Unresolved returns the sorted names of declarations in m that neither the
// runtime nor a definition provides.
func Unresolved(m *ir.Module) []string {
	var out []string
	for i := range m.Functions {
		fn := &m.Functions[i]
		if !fn.IsDeclaration() {
			continue
		}
		if inst, ok := builtins.Lookup(fn.Name); ok && inst.Class != builtins.ClassSupport {
			continue
		}
		out = append(out, fn.Name)
	}
	sort.Strings(out)
	return out
}

type linker struct {
	dst, src  *ir.Module
	types     *ir.TypeRegistry
	typeMap   map[ir.TypeHandle]ir.TypeHandle
	globalMap map[ir.GlobalHandle]ir.GlobalHandle
	resolved  int
}

// resolve replaces declaration h of dst with the support definition of the
// same name, if there is one.
func (l *linker) resolve(h ir.FunctionHandle) error {
	decl := &l.dst.Functions[h]
	sh, ok := l.src.FunctionByName(decl.Name)
	if !ok || l.src.Functions[sh].IsDeclaration() {
		return nil
	}
	def := l.src.Functions[sh].Clone()
	if len(def.Params) != len(decl.Params) || l.importType(def.Result) != decl.Result {
		return errors.Errorf("conflicting signature for %s", decl.Name)
	}
	for i, p := range def.Params {
		if l.importType(p.Type) != decl.Params[i].Type {
			return errors.Errorf("conflicting type for parameter %d of %s", i, decl.Name)
		}
	}

	for i := range def.Locals {
		def.Locals[i].Type = l.importType(def.Locals[i].Type)
	}
	for i := range def.Values {
		def.Values[i].Type = l.importType(def.Values[i].Type)
	}
	for b := range def.Blocks {
		for i, inst := range def.Blocks[b].Insts {
			switch k := inst.Kind.(type) {
			case ir.InstGlobalAddr:
				def.Blocks[b].Insts[i].Kind = ir.InstGlobalAddr{Global: l.importGlobal(k.Global)}
			case ir.InstCall:
				k.Callee = l.importCallee(k.Callee)
				def.Blocks[b].Insts[i].Kind = k
			}
		}
	}

	decl = &l.dst.Functions[h]
	decl.Locals = def.Locals
	decl.Values = def.Values
	decl.Blocks = def.Blocks
	decl.Attrs.Pure = decl.Attrs.Pure || def.Attrs.Pure
	l.resolved++
	return nil
}

// importCallee returns the dst handle of support function sh, adding a
// declaration that Link resolves later when dst has none.
func (l *linker) importCallee(sh ir.FunctionHandle) ir.FunctionHandle {
	src := &l.src.Functions[sh]
	if h, ok := l.dst.FunctionByName(src.Name); ok {
		return h
	}
	fn := ir.Function{Name: src.Name, Kind: ir.FuncHelper, Result: l.importType(src.Result), Attrs: src.Attrs}
	for _, p := range src.Params {
		fn.Params = append(fn.Params, ir.Param{Name: p.Name, Type: l.importType(p.Type)})
	}
	if inst, ok := builtins.Lookup(src.Name); ok {
		fn.Attrs.Pure = inst.Pure()
	}
	return l.dst.AddFunction(fn)
}

func (l *linker) importGlobal(sg ir.GlobalHandle) ir.GlobalHandle {
	if h, ok := l.globalMap[sg]; ok {
		return h
	}
	g := l.src.Globals[sg]
	name := SupportName + "." + g.Name
	h, ok := l.dst.GlobalByName(name)
	if !ok {
		g.Name = name
		g.Type = l.importType(g.Type)
		l.dst.Globals = append(l.dst.Globals, g)
		h = ir.GlobalHandle(len(l.dst.Globals) - 1)
	}
	l.globalMap[sg] = h
	return h
}

func (l *linker) importType(t ir.TypeHandle) ir.TypeHandle {
	if h, ok := l.typeMap[t]; ok {
		return h
	}
	var h ir.TypeHandle
	st := l.src.Types[t]
	switch inner := st.Inner.(type) {
	case ir.PointerType:
		h = l.types.Pointer(l.importType(inner.Base), inner.Space)
	case ir.ArrayType:
		h = l.types.Array(l.importType(inner.Base), inner.Length)
	default:
		h = l.types.GetOrCreate(st.Name, inner)
	}
	l.typeMap[t] = h
	return h
}
