package clc

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseIntLiteral returns the value of an integer literal and the name of
// its type, following the C rules for suffixes and radix.
func parseIntLiteral(lexeme string) (uint64, string, error) {
	digits := strings.TrimRight(lexeme, "uUlL")
	suffix := strings.ToLower(lexeme[len(digits):])
	unsigned := strings.Contains(suffix, "u")
	long := strings.Contains(suffix, "l")

	base := 10
	switch {
	case strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X"):
		base, digits = 16, digits[2:]
	case len(digits) > 1 && digits[0] == '0':
		base, digits = 8, digits[1:]
	}
	v, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return 0, "", errors.Errorf("invalid integer literal %q", lexeme)
	}

	fitsInt := v <= math.MaxInt32
	fitsUint := v <= math.MaxUint32
	fitsLong := v <= math.MaxInt64
	switch {
	case unsigned && !long && fitsUint:
		return v, "uint", nil
	case unsigned:
		return v, "ulong", nil
	case !long && fitsInt:
		return v, "int", nil
	case !long && base != 10 && fitsUint:
		return v, "uint", nil
	case fitsLong:
		return v, "long", nil
	default:
		return v, "ulong", nil
	}
}

// parseFloatLiteral returns the value of a floating literal and its type.
// Unsuffixed literals are double unless singlePrecision is set.
func parseFloatLiteral(lexeme string, singlePrecision bool) (float64, string, error) {
	typ := "double"
	if singlePrecision {
		typ = "float"
	}
	text := lexeme
	switch lexeme[len(lexeme)-1] {
	case 'f', 'F':
		typ, text = "float", lexeme[:len(lexeme)-1]
	case 'h', 'H':
		return 0, "", errors.Errorf("half literal %q is not supported", lexeme)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		var numErr *strconv.NumError
		if !errors.As(err, &numErr) || numErr.Err != strconv.ErrRange {
			return 0, "", errors.Errorf("invalid floating literal %q", lexeme)
		}
	}
	return v, typ, nil
}

var charEscapes = map[byte]int64{
	'n': '\n', 't': '\t', 'r': '\r', '0': 0, '\\': '\\', '\'': '\'', '"': '"',
	'a': '\a', 'b': '\b', 'f': '\f', 'v': '\v', '?': '?',
}

// parseCharLiteral returns the value of a character literal such as 'a' or
// '\n'.
func parseCharLiteral(lexeme string) (int64, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(lexeme, "'"), "'")
	switch {
	case len(body) == 1:
		return int64(body[0]), nil
	case len(body) >= 2 && body[0] == '\\':
		if v, ok := charEscapes[body[1]]; ok && len(body) == 2 {
			return v, nil
		}
		if body[1] == 'x' {
			v, err := strconv.ParseUint(body[2:], 16, 8)
			if err == nil {
				return int64(v), nil
			}
		}
		if v, err := strconv.ParseUint(body[1:], 8, 8); err == nil {
			return int64(v), nil
		}
	}
	return 0, errors.Errorf("invalid character literal %s", lexeme)
}
