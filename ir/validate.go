package ir

import (
	"fmt"
	"strings"
)

// ValidationError represents a validation error.
type ValidationError struct {
	Message string
	// Optional context
	Function string
	Block    int
	Inst     int
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Function != "" {
		if e.Block >= 0 && e.Inst >= 0 {
			return fmt.Sprintf("in function %s, block %d, instruction %d: %s", e.Function, e.Block, e.Inst, e.Message)
		}
		if e.Block >= 0 {
			return fmt.Sprintf("in function %s, block %d: %s", e.Function, e.Block, e.Message)
		}
		return fmt.Sprintf("in function %s: %s", e.Function, e.Message)
	}
	return e.Message
}

// ValidationErrors is the list returned by Check.
type ValidationErrors []ValidationError

func (l ValidationErrors) Error() string {
	msgs := make([]string, 0, len(l))
	for _, e := range l {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validator validates IR modules.
type Validator struct {
	module *Module
	errors []ValidationError

	fn      *Function
	block   int
	inst    int
	defined []bool
}

// Validate checks the IR module for correctness.
// Returns validation errors if any, or nil if module is valid.
func Validate(module *Module) ([]ValidationError, error) {
	if module == nil {
		return nil, fmt.Errorf("module is nil")
	}
	v := &Validator{module: module, block: -1, inst: -1}
	v.ValidateModule()
	if len(v.errors) > 0 {
		return v.errors, nil
	}
	return nil, nil
}

// Check is Validate folded into a single error.
func Check(module *Module) error {
	errs, err := Validate(module)
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return ValidationErrors(errs)
	}
	return nil
}

// ValidateModule runs all checks.
func (v *Validator) ValidateModule() {
	v.validateTypes()
	v.validateGlobals()
	for i := range v.module.Functions {
		v.validateFunction(&v.module.Functions[i])
	}
	v.validateAnnotations()
}

func (v *Validator) validateTypes() {
	for i, t := range v.module.Types {
		switch inner := t.Inner.(type) {
		case VoidType, ImageType, SamplerType:
		case ScalarType:
			switch {
			case inner.Kind == ScalarBool && inner.Width != 1:
				v.addError(fmt.Sprintf("type %d: bool must have width 1", i))
			case inner.Kind == ScalarFloat && inner.Width != 2 && inner.Width != 4 && inner.Width != 8:
				v.addError(fmt.Sprintf("type %d: invalid float width %d", i, inner.Width))
			case inner.Width != 1 && inner.Width != 2 && inner.Width != 4 && inner.Width != 8:
				v.addError(fmt.Sprintf("type %d: invalid scalar width %d", i, inner.Width))
			}
		case PointerType:
			if !v.isValidTypeHandle(inner.Base) {
				v.addError(fmt.Sprintf("type %d: pointer base %d out of range", i, inner.Base))
			}
		case ArrayType:
			if !v.isValidTypeHandle(inner.Base) {
				v.addError(fmt.Sprintf("type %d: array base %d out of range", i, inner.Base))
			} else if inner.Length == 0 {
				v.addError(fmt.Sprintf("type %d: zero-length array", i))
			}
		case nil:
			v.addError(fmt.Sprintf("type %d has no variant", i))
		}
	}
}

func (v *Validator) validateGlobals() {
	for _, g := range v.module.Globals {
		if !v.isValidTypeHandle(g.Type) {
			v.addError(fmt.Sprintf("global %s: type %d out of range", g.Name, g.Type))
		}
		if g.Space == SpacePrivate {
			v.addError(fmt.Sprintf("global %s: program-scope variables cannot be private", g.Name))
		}
	}
}

func (v *Validator) validateFunction(fn *Function) {
	v.fn = fn
	v.block, v.inst = -1, -1
	defer func() { v.fn = nil }()

	if !v.isValidTypeHandle(fn.Result) {
		v.addErrorInFunction("result type out of range")
		return
	}
	for i, p := range fn.Params {
		if !v.isValidTypeHandle(p.Type) {
			v.addErrorInFunction(fmt.Sprintf("parameter %d type out of range", i))
		}
	}
	for i, l := range fn.Locals {
		if !v.isValidTypeHandle(l.Type) {
			v.addErrorInFunction(fmt.Sprintf("local %d type out of range", i))
		}
	}
	for i, val := range fn.Values {
		if !v.isValidTypeHandle(val.Type) {
			v.addErrorInFunction(fmt.Sprintf("value %%%d type out of range", i))
		}
	}
	if fn.IsDeclaration() {
		return
	}

	v.defined = make([]bool, len(fn.Values))
	for b := range fn.Blocks {
		for i, inst := range fn.Blocks[b].Insts {
			if inst.Dest == NoValue {
				continue
			}
			if int(inst.Dest) >= len(fn.Values) {
				v.block, v.inst = b, i
				v.addErrorInFunction(fmt.Sprintf("destination %%%d out of range", inst.Dest))
				continue
			}
			if v.defined[inst.Dest] {
				v.block, v.inst = b, i
				v.addErrorInFunction(fmt.Sprintf("value %%%d defined twice", inst.Dest))
			}
			v.defined[inst.Dest] = true
		}
	}

	for b := range fn.Blocks {
		v.block = b
		v.validateBlock(&fn.Blocks[b])
	}
}

func (v *Validator) validateBlock(block *Block) {
	seenNonPhi := false
	for i := range block.Insts {
		v.inst = i
		inst := &block.Insts[i]
		if _, ok := inst.Kind.(InstPhi); ok {
			if seenNonPhi {
				v.addErrorInFunction("phi after a non-phi instruction")
			}
		} else {
			seenNonPhi = true
		}
		v.validateInst(inst)
	}
	v.inst = -1
	v.validateTerminator(block.Term)
}

func (v *Validator) validateInst(inst *Inst) {
	fn := v.fn
	for _, op := range Operands(inst.Kind) {
		if !v.isUsableValue(op) {
			v.addErrorInFunction(fmt.Sprintf("operand %%%d is not defined", op))
			return
		}
	}

	switch k := inst.Kind.(type) {
	case InstConst, InstLaneSeq:
		v.requireDest(inst)
	case InstParam:
		v.requireDest(inst)
		if int(k.Index) >= len(fn.Params) {
			v.addErrorInFunction(fmt.Sprintf("parameter %d out of range", k.Index))
		}
	case InstLocalAddr:
		v.requireDest(inst)
		if int(k.Local) >= len(fn.Locals) {
			v.addErrorInFunction(fmt.Sprintf("local %d out of range", k.Local))
		}
	case InstGlobalAddr:
		v.requireDest(inst)
		if int(k.Global) >= len(v.module.Globals) {
			v.addErrorInFunction(fmt.Sprintf("global %d out of range", k.Global))
		}
	case InstBinary:
		v.requireDest(inst)
		if fn.Values[k.Left].Type != fn.Values[k.Right].Type {
			v.addErrorInFunction(fmt.Sprintf("%s operands have different types", k.Op))
		}
	case InstUnary, InstConvert, InstExtractLane:
		v.requireDest(inst)
	case InstCompare:
		v.requireDest(inst)
		if fn.Values[k.Left].Type != fn.Values[k.Right].Type {
			v.addErrorInFunction(fmt.Sprintf("compare %s operands have different types", k.Op))
		}
		v.requireBool(inst.Dest, "compare result")
	case InstSelect:
		v.requireDest(inst)
		v.requireBool(k.Cond, "select condition")
	case InstLoad:
		v.requireDest(inst)
		v.requirePointer(k.Pointer, "load address")
	case InstStore:
		if inst.Dest != NoValue {
			v.addErrorInFunction("store has a destination")
		}
		v.requirePointer(k.Pointer, "store address")
	case InstOffset:
		v.requireDest(inst)
		v.requirePointer(k.Base, "offset base")
	case InstCall:
		if int(k.Callee) >= len(v.module.Functions) {
			v.addErrorInFunction(fmt.Sprintf("callee %d out of range", k.Callee))
			return
		}
		callee := &v.module.Functions[k.Callee]
		if len(k.Args) != len(callee.Params) {
			v.addErrorInFunction(fmt.Sprintf("call to %s with %d arguments, want %d", callee.Name, len(k.Args), len(callee.Params)))
		}
		if inst.Dest != NoValue && v.module.IsVoid(callee.Result) {
			v.addErrorInFunction(fmt.Sprintf("void call to %s has a destination", callee.Name))
		}
	case InstPhi:
		v.requireDest(inst)
		if len(k.Incoming) == 0 {
			v.addErrorInFunction("phi without incoming values")
		}
		for _, in := range k.Incoming {
			if int(in.Block) >= len(fn.Blocks) {
				v.addErrorInFunction(fmt.Sprintf("phi predecessor %d out of range", in.Block))
			}
		}
	case nil:
		v.addErrorInFunction("instruction has no variant")
	}
}

func (v *Validator) validateTerminator(t Terminator) {
	fn := v.fn
	if t == nil {
		v.addErrorInFunction("block has no terminator")
		return
	}
	for _, succ := range Successors(t) {
		if int(succ) >= len(fn.Blocks) {
			v.addErrorInFunction(fmt.Sprintf("branch target %d out of range", succ))
		}
	}
	switch t := t.(type) {
	case TermCondBranch:
		if !v.isUsableValue(t.Cond) {
			v.addErrorInFunction(fmt.Sprintf("condition %%%d is not defined", t.Cond))
			return
		}
		v.requireBool(t.Cond, "branch condition")
	case TermReturn:
		void := v.module.IsVoid(fn.Result)
		switch {
		case void && t.Value != NoValue:
			v.addErrorInFunction("void function returns a value")
		case !void && t.Value == NoValue:
			v.addErrorInFunction("missing return value")
		case !void && !v.isUsableValue(t.Value):
			v.addErrorInFunction(fmt.Sprintf("return value %%%d is not defined", t.Value))
		}
	}
}

func (v *Validator) validateAnnotations() {
	for _, a := range v.module.Annotations {
		for _, op := range a.Operands {
			if f, ok := op.(MDFunction); ok && int(f.Function) >= len(v.module.Functions) {
				v.addError(fmt.Sprintf("annotation %s refers to function %d out of range", a.Name, f.Function))
			}
		}
	}
}

func (v *Validator) requireDest(inst *Inst) {
	if inst.Dest == NoValue {
		v.addErrorInFunction("instruction has no destination")
	}
}

func (v *Validator) requireBool(id ValueID, what string) {
	if id == NoValue {
		return
	}
	s, ok := v.module.Scalar(v.fn.Values[id].Type)
	if !ok || s.Kind != ScalarBool {
		v.addErrorInFunction(what + " is not a bool")
	}
}

func (v *Validator) requirePointer(id ValueID, what string) {
	if _, ok := v.module.Pointer(v.fn.Values[id].Type); !ok {
		v.addErrorInFunction(what + " is not a pointer")
	}
}

func (v *Validator) isValidTypeHandle(handle TypeHandle) bool {
	return int(handle) < len(v.module.Types)
}

func (v *Validator) isUsableValue(id ValueID) bool {
	return int(id) < len(v.fn.Values) && v.defined[id]
}

func (v *Validator) addError(msg string) {
	v.errors = append(v.errors, ValidationError{Message: msg, Block: -1, Inst: -1})
}

func (v *Validator) addErrorInFunction(msg string) {
	v.errors = append(v.errors, ValidationError{
		Message:  msg,
		Function: v.fn.Name,
		Block:    v.block,
		Inst:     v.inst,
	})
}
