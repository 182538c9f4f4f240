package ir

import "slices"

// Clone returns a deep copy of the module.
func (m *Module) Clone() *Module {
	out := &Module{
		Name:        m.Name,
		Triple:      m.Triple,
		DataLayout:  m.DataLayout,
		Types:       slices.Clone(m.Types),
		Globals:     make([]GlobalVariable, len(m.Globals)),
		Functions:   make([]Function, len(m.Functions)),
		Annotations: make([]Annotation, len(m.Annotations)),
	}
	for i, g := range m.Globals {
		g.Init = slices.Clone(g.Init)
		out.Globals[i] = g
	}
	for i := range m.Functions {
		out.Functions[i] = *m.Functions[i].Clone()
	}
	for i, a := range m.Annotations {
		out.Annotations[i] = Annotation{Name: a.Name, Operands: slices.Clone(a.Operands)}
	}
	return out
}

// Clone returns a deep copy of the function.
func (f *Function) Clone() *Function {
	out := *f
	out.Params = slices.Clone(f.Params)
	out.Locals = slices.Clone(f.Locals)
	out.Values = slices.Clone(f.Values)
	out.Blocks = make([]Block, len(f.Blocks))
	for b, block := range f.Blocks {
		insts := make([]Inst, len(block.Insts))
		for i, inst := range block.Insts {
			insts[i] = Inst{Dest: inst.Dest, Kind: cloneKind(inst.Kind)}
		}
		out.Blocks[b] = Block{Label: block.Label, Insts: insts, Term: block.Term}
	}
	if f.Blocks == nil {
		out.Blocks = nil
	}
	return &out
}

func cloneKind(k InstKind) InstKind {
	switch k := k.(type) {
	case InstCall:
		return InstCall{Callee: k.Callee, Args: slices.Clone(k.Args)}
	case InstPhi:
		return InstPhi{Incoming: slices.Clone(k.Incoming)}
	default:
		return k
	}
}
