package ir

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Scalar evaluation shared by constant folding and the interpreter. Values
// travel as bit patterns zero-extended to 64 bits.

// ErrDivideByZero is returned for integer division or remainder by zero.
var ErrDivideByZero = errors.New("integer division by zero")

// Mask truncates bits to the width of s.
func Mask(s ScalarType, bits uint64) uint64 {
	if s.Kind == ScalarBool {
		if bits != 0 {
			return 1
		}
		return 0
	}
	if s.Width >= 8 {
		return bits
	}
	return bits & (1<<(uint(s.Width)*8) - 1)
}

// SignExtend interprets bits as a signed integer of the width of s.
func SignExtend(s ScalarType, bits uint64) int64 {
	shift := 64 - uint(s.Width)*8
	return int64(bits<<shift) >> shift
}

// FloatValue decodes a float bit pattern of the width of s.
func FloatValue(s ScalarType, bits uint64) float64 {
	switch s.Width {
	case 2:
		return float64(float16.Frombits(uint16(bits)).Float32())
	case 4:
		return float64(math.Float32frombits(uint32(bits)))
	default:
		return math.Float64frombits(bits)
	}
}

// FloatBits encodes f as a float of the width of s.
func FloatBits(s ScalarType, f float64) uint64 {
	switch s.Width {
	case 2:
		return uint64(float16.Fromfloat32(float32(f)).Bits())
	case 4:
		return uint64(math.Float32bits(float32(f)))
	default:
		return math.Float64bits(f)
	}
}

func binaryInt[T constraints.Integer](op BinaryOp, a, b uint64, bits uint) (uint64, error) {
	x, y := T(a), T(b)
	var r T
	switch op {
	case BinAdd:
		r = x + y
	case BinSub:
		r = x - y
	case BinMul:
		r = x * y
	case BinDiv:
		if y == 0 {
			return 0, ErrDivideByZero
		}
		r = x / y
	case BinRem:
		if y == 0 {
			return 0, ErrDivideByZero
		}
		r = x % y
	case BinAnd:
		r = x & y
	case BinOr:
		r = x | y
	case BinXor:
		r = x ^ y
	case BinShl:
		r = x << (uint64(y) & uint64(bits-1))
	case BinShr:
		r = x >> (uint64(y) & uint64(bits-1))
	default:
		return 0, errors.Errorf("unknown operator %d", op)
	}
	return uint64(r), nil
}

func binaryFloat[T constraints.Float](op BinaryOp, x, y T) (T, error) {
	switch op {
	case BinAdd:
		return x + y, nil
	case BinSub:
		return x - y, nil
	case BinMul:
		return x * y, nil
	case BinDiv:
		return x / y, nil
	case BinRem:
		return T(math.Mod(float64(x), float64(y))), nil
	}
	return 0, errors.Errorf("%s is not defined on floats", op)
}

// EvalBinary applies op to two operands of type s.
func EvalBinary(s ScalarType, op BinaryOp, a, b uint64) (uint64, error) {
	bits := uint(s.Width) * 8
	var (
		r   uint64
		err error
	)
	switch s.Kind {
	case ScalarFloat:
		switch s.Width {
		case 4:
			var f float32
			f, err = binaryFloat(op, math.Float32frombits(uint32(a)), math.Float32frombits(uint32(b)))
			r = uint64(math.Float32bits(f))
		case 8:
			var f float64
			f, err = binaryFloat(op, math.Float64frombits(a), math.Float64frombits(b))
			r = math.Float64bits(f)
		default:
			err = errors.Errorf("arithmetic on %s", ScalarName(s))
		}
	case ScalarSint:
		switch s.Width {
		case 1:
			r, err = binaryInt[int8](op, a, b, bits)
		case 2:
			r, err = binaryInt[int16](op, a, b, bits)
		case 4:
			r, err = binaryInt[int32](op, a, b, bits)
		default:
			r, err = binaryInt[int64](op, a, b, bits)
		}
	case ScalarBool:
		r, err = binaryInt[uint8](op, a, b, 8)
	default:
		switch s.Width {
		case 1:
			r, err = binaryInt[uint8](op, a, b, bits)
		case 2:
			r, err = binaryInt[uint16](op, a, b, bits)
		case 4:
			r, err = binaryInt[uint32](op, a, b, bits)
		default:
			r, err = binaryInt[uint64](op, a, b, bits)
		}
	}
	if err != nil {
		return 0, err
	}
	return Mask(s, r), nil
}

// EvalUnary applies op to an operand of type s.
func EvalUnary(s ScalarType, op UnaryOp, a uint64) uint64 {
	switch op {
	case UnaryLogicalNot:
		if a == 0 {
			return 1
		}
		return 0
	case UnaryNot:
		return Mask(s, ^a)
	}
	if s.Kind == ScalarFloat {
		return FloatBits(s, -FloatValue(s, a))
	}
	return Mask(s, -a)
}

func compare[T constraints.Ordered](op CompareOp, x, y T) bool {
	switch op {
	case CmpEq:
		return x == y
	case CmpNe:
		return x != y
	case CmpLt:
		return x < y
	case CmpLe:
		return x <= y
	case CmpGt:
		return x > y
	default:
		return x >= y
	}
}

// EvalCompare compares two operands of type s. Pointers compare as unsigned
// integers.
func EvalCompare(s ScalarType, op CompareOp, a, b uint64) bool {
	switch s.Kind {
	case ScalarFloat:
		return compare(op, FloatValue(s, a), FloatValue(s, b))
	case ScalarSint:
		return compare(op, SignExtend(s, a), SignExtend(s, b))
	default:
		return compare(op, a, b)
	}
}

// EvalConvert converts a value of type from to type to.
func EvalConvert(from, to ScalarType, a uint64) uint64 {
	if to.Kind == ScalarBool {
		if from.Kind == ScalarFloat {
			return Mask(to, boolBits(FloatValue(from, a) != 0))
		}
		return Mask(to, a)
	}
	switch {
	case from.Kind == ScalarFloat && to.Kind == ScalarFloat:
		return FloatBits(to, FloatValue(from, a))
	case from.Kind == ScalarFloat:
		f := FloatValue(from, a)
		if to.Kind == ScalarSint || f < 0 {
			return Mask(to, uint64(int64(f)))
		}
		return Mask(to, uint64(f))
	case to.Kind == ScalarFloat:
		if from.Kind == ScalarSint {
			return FloatBits(to, float64(SignExtend(from, a)))
		}
		return FloatBits(to, float64(a))
	case from.Kind == ScalarSint:
		return Mask(to, uint64(SignExtend(from, a)))
	default:
		return Mask(to, a)
	}
}

func boolBits(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
