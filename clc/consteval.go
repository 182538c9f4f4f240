package clc

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gogpu/kernelc/ir"
)

// constValue is the result of evaluating an integer constant expression or
// a floating constant initializer.
type constValue struct {
	isFloat bool
	i       int64
	f       float64
}

func (c constValue) int() int64 {
	if c.isFloat {
		return int64(c.f)
	}
	return c.i
}

func (c constValue) float() float64 {
	if c.isFloat {
		return c.f
	}
	return float64(c.i)
}

func (c constValue) truth() bool {
	if c.isFloat {
		return c.f != 0
	}
	return c.i != 0
}

func boolConst(b bool) constValue {
	if b {
		return constValue{i: 1}
	}
	return constValue{}
}

// constEval evaluates e at compile time.
func (l *Lowerer) constEval(e Expr) (constValue, error) {
	switch e := e.(type) {
	case *Literal:
		switch e.Kind {
		case TokenIntLiteral:
			v, _, err := parseIntLiteral(e.Value)
			return constValue{i: int64(v)}, err
		case TokenFloatLiteral:
			v, _, err := parseFloatLiteral(e.Value, l.opts.SinglePrecisionConstant)
			return constValue{isFloat: true, f: v}, err
		case TokenCharLiteral:
			v, err := parseCharLiteral(e.Value)
			return constValue{i: v}, err
		case TokenTrue:
			return constValue{i: 1}, nil
		case TokenFalse:
			return constValue{}, nil
		}
	case *UnaryExpr:
		v, err := l.constEval(e.Operand)
		if err != nil {
			return v, err
		}
		switch e.Op {
		case TokenMinus:
			if v.isFloat {
				return constValue{isFloat: true, f: -v.f}, nil
			}
			return constValue{i: -v.i}, nil
		case TokenPlus:
			return v, nil
		case TokenTilde:
			if v.isFloat {
				return v, errors.New("invalid operand to ~ in constant expression")
			}
			return constValue{i: ^v.i}, nil
		case TokenBang:
			return boolConst(!v.truth()), nil
		}
	case *BinaryExpr:
		return l.constBinary(e)
	case *CondExpr:
		c, err := l.constEval(e.Cond)
		if err != nil {
			return c, err
		}
		if c.truth() {
			return l.constEval(e.Then)
		}
		return l.constEval(e.Else)
	case *CastExpr:
		v, err := l.constEval(e.Expr)
		if err != nil {
			return v, err
		}
		t, err := l.resolveType(e.Type)
		if err != nil {
			return v, err
		}
		s, ok := scalarOf(t)
		if !ok {
			return v, errors.Errorf("cast to %s in constant expression", typeString(t))
		}
		return truncateConst(v, s), nil
	case *SizeofExpr:
		t, err := l.resolveType(e.Type)
		if err != nil {
			return constValue{}, err
		}
		return constValue{i: int64(l.layout.AllocSize(l.module, l.irType(t)))}, nil
	case *Ident:
		return constValue{}, errors.Errorf("%q is not a constant", e.Name)
	}
	return constValue{}, errors.New("expression is not a compile-time constant")
}

func (l *Lowerer) constBinary(e *BinaryExpr) (constValue, error) {
	a, err := l.constEval(e.Left)
	if err != nil {
		return a, err
	}
	b, err := l.constEval(e.Right)
	if err != nil {
		return b, err
	}
	switch e.Op {
	case TokenAmpAmp:
		return boolConst(a.truth() && b.truth()), nil
	case TokenPipePipe:
		return boolConst(a.truth() || b.truth()), nil
	}
	if a.isFloat || b.isFloat {
		x, y := a.float(), b.float()
		switch e.Op {
		case TokenPlus:
			return constValue{isFloat: true, f: x + y}, nil
		case TokenMinus:
			return constValue{isFloat: true, f: x - y}, nil
		case TokenStar:
			return constValue{isFloat: true, f: x * y}, nil
		case TokenSlash:
			return constValue{isFloat: true, f: x / y}, nil
		case TokenEqualEqual:
			return boolConst(x == y), nil
		case TokenBangEqual:
			return boolConst(x != y), nil
		case TokenLess:
			return boolConst(x < y), nil
		case TokenGreater:
			return boolConst(x > y), nil
		case TokenLessEqual:
			return boolConst(x <= y), nil
		case TokenGreaterEqual:
			return boolConst(x >= y), nil
		}
		return constValue{}, errors.Errorf("invalid operands to %s in constant expression", e.Op)
	}
	x, y := a.i, b.i
	switch e.Op {
	case TokenPlus:
		return constValue{i: x + y}, nil
	case TokenMinus:
		return constValue{i: x - y}, nil
	case TokenStar:
		return constValue{i: x * y}, nil
	case TokenSlash, TokenPercent:
		if y == 0 {
			return constValue{}, errors.New("division by zero in constant expression")
		}
		if e.Op == TokenSlash {
			return constValue{i: x / y}, nil
		}
		return constValue{i: x % y}, nil
	case TokenAmpersand:
		return constValue{i: x & y}, nil
	case TokenPipe:
		return constValue{i: x | y}, nil
	case TokenCaret:
		return constValue{i: x ^ y}, nil
	case TokenLessLess:
		return constValue{i: x << uint64(y)}, nil
	case TokenGreaterGreater:
		return constValue{i: x >> uint64(y)}, nil
	case TokenEqualEqual:
		return boolConst(x == y), nil
	case TokenBangEqual:
		return boolConst(x != y), nil
	case TokenLess:
		return boolConst(x < y), nil
	case TokenGreater:
		return boolConst(x > y), nil
	case TokenLessEqual:
		return boolConst(x <= y), nil
	case TokenGreaterEqual:
		return boolConst(x >= y), nil
	}
	return constValue{}, errors.Errorf("invalid operator %s in constant expression", e.Op)
}

// truncateConst converts v to the scalar type s.
func truncateConst(v constValue, s ir.ScalarType) constValue {
	switch s.Kind {
	case ir.ScalarFloat:
		f := v.float()
		if s.Width == 4 {
			f = float64(float32(f))
		}
		return constValue{isFloat: true, f: f}
	case ir.ScalarBool:
		return boolConst(v.truth())
	}
	i := v.int()
	shift := 64 - uint(s.Width)*8
	if shift == 0 {
		return constValue{i: i}
	}
	if s.Kind == ir.ScalarSint {
		return constValue{i: i << shift >> shift}
	}
	return constValue{i: int64(uint64(i) << shift >> shift)}
}

// constBits returns the little-endian bit pattern of v stored as s.
func constBits(v constValue, s ir.ScalarType) uint64 {
	if s.Kind == ir.ScalarFloat {
		switch s.Width {
		case 2:
			return uint64(halfBits(float32(v.float())))
		case 4:
			return uint64(math.Float32bits(float32(v.float())))
		default:
			return math.Float64bits(v.float())
		}
	}
	bits := uint64(truncateConst(v, s).i)
	if s.Width < 8 {
		bits &= 1<<(uint(s.Width)*8) - 1
	}
	return bits
}
