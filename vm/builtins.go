package vm

import (
	"math"

	"github.com/x448/float16"

	"github.com/gogpu/kernelc/builtins"
	"github.com/gogpu/kernelc/ir"
)

var unaryMath = map[string]func(float64) float64{
	"sqrt": math.Sqrt, "cbrt": math.Cbrt,
	"sin": math.Sin, "cos": math.Cos, "tan": math.Tan,
	"asin": math.Asin, "acos": math.Acos, "atan": math.Atan,
	"sinh": math.Sinh, "cosh": math.Cosh, "tanh": math.Tanh,
	"exp": math.Exp, "exp2": math.Exp2,
	"log": math.Log, "log2": math.Log2, "log10": math.Log10,
	"fabs": math.Abs, "floor": math.Floor, "ceil": math.Ceil,
	"rint": math.RoundToEven, "round": math.Round, "trunc": math.Trunc,
}

var binaryMath = map[string]func(float64, float64) float64{
	"pow": math.Pow, "fmod": math.Mod, "atan2": math.Atan2,
	"fmin": fmin, "fmax": fmax, "copysign": math.Copysign,
}

// fmin and fmax return the other operand when one is NaN.
func fmin(x, y float64) float64 {
	switch {
	case math.IsNaN(x):
		return y
	case math.IsNaN(y):
		return x
	}
	return math.Min(x, y)
}

func fmax(x, y float64) float64 {
	switch {
	case math.IsNaN(x):
		return y
	case math.IsNaN(y):
		return x
	}
	return math.Max(x, y)
}

// builtin executes a call to a declaration. Arguments are scalar.
func (mc *machine) builtin(fn *ir.Function, args [][]uint64) []uint64 {
	in, ok := builtins.Lookup(fn.Name)
	if !ok {
		trap("call to undefined function %s", fn.Name)
	}
	arg := func(i int) uint64 { return args[i][0] }
	switch in.Class {
	case builtins.ClassWorkItem:
		if mc.wi == nil {
			trap("%s is only available to the reference interpreter", in.Name)
		}
		var dim uint64
		if len(args) > 0 {
			dim = arg(0)
		}
		return []uint64{mc.wi.query(in.Name, dim)}
	case builtins.ClassBarrier:
		if mc.wi == nil {
			trap("barrier outside the reference interpreter")
		}
		mc.wi.barrier()
		return nil
	case builtins.ClassAtomic:
		return []uint64{mc.atomic(in, args)}
	case builtins.ClassSupport:
		trap("support builtin %s is not linked", fn.Name)
	}

	switch in.Shape {
	case builtins.ShapeFence:
		return nil
	case builtins.ShapeVloadHalf:
		h := mc.mem.load(arg(1)+2*arg(0), 2)
		return []uint64{uint64(math.Float32bits(float16.Frombits(uint16(h)).Float32()))}
	case builtins.ShapeVstoreHalf:
		f := math.Float32frombits(uint32(arg(0)))
		mc.mem.store(arg(2)+2*arg(1), 2, uint64(float16.Fromfloat32(f).Bits()))
		return nil
	case builtins.ShapeUnary:
		if op, ok := unaryMath[in.Name]; ok {
			return []uint64{ir.FloatBits(in.Elem, op(ir.FloatValue(in.Elem, arg(0))))}
		}
	case builtins.ShapeBinary:
		if op, ok := binaryMath[in.Name]; ok {
			return []uint64{ir.FloatBits(in.Elem, op(ir.FloatValue(in.Elem, arg(0)), ir.FloatValue(in.Elem, arg(1))))}
		}
	}
	trap("builtin %s is not executable", fn.Name)
	return nil
}

// atomic performs a read-modify-write and returns the old value.
func (mc *machine) atomic(in builtins.Instance, args [][]uint64) uint64 {
	s := in.Elem
	p := args[0][0]
	mc.p.atomics.Lock()
	defer mc.p.atomics.Unlock()

	old := mc.mem.load(p, uint32(s.Width))
	var v uint64
	if len(args) > 1 {
		v = args[1][0]
	}
	var next uint64
	switch in.Name {
	case "atomic_add":
		next = old + v
	case "atomic_sub":
		next = old - v
	case "atomic_xchg":
		next = v
	case "atomic_min":
		next = old
		if ir.EvalCompare(s, ir.CmpLt, v, old) {
			next = v
		}
	case "atomic_max":
		next = old
		if ir.EvalCompare(s, ir.CmpGt, v, old) {
			next = v
		}
	case "atomic_and":
		next = old & v
	case "atomic_or":
		next = old | v
	case "atomic_xor":
		next = old ^ v
	case "atomic_inc":
		next = old + 1
	case "atomic_dec":
		next = old - 1
	case "atomic_cmpxchg":
		next = old
		if old == v {
			next = args[2][0]
		}
	default:
		trap("unknown atomic %s", in.Name)
	}
	mc.mem.store(p, uint32(s.Width), ir.Mask(s, next))
	return old
}
