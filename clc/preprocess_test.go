package clc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelc/diag"
)

func preprocess(t *testing.T, src string, defines map[string]string) ([]string, *preprocessor) {
	t.Helper()
	pp := newPreprocessor(nil, nil)
	for k, v := range defines {
		pp.define(k, v)
	}
	pp.file("t.cl", src)
	lexemes := make([]string, len(pp.out))
	for i, tok := range pp.out {
		lexemes[i] = tok.Lexeme
	}
	return lexemes, pp
}

func TestPreprocess_ObjectMacros(t *testing.T) {
	out, pp := preprocess(t, "#define N 4\n#define M (N * 2)\nint x = M;\n", nil)
	require.False(t, pp.errs.HasErrors())
	assert.Equal(t, "int x = ( 4 * 2 ) ;", strings.Join(out, " "))
}

func TestPreprocess_SelfReference(t *testing.T) {
	out, pp := preprocess(t, "#define foo foo + 1\nfoo\n", nil)
	require.False(t, pp.errs.HasErrors())
	assert.Equal(t, "foo + 1", strings.Join(out, " "))
}

func TestPreprocess_Conditionals(t *testing.T) {
	src := `
#if defined(A) && B >= 2
yes
#elif B == 1
one
#else
no
#endif
`
	tests := []struct {
		defines map[string]string
		want    string
	}{
		{map[string]string{"A": "1", "B": "3"}, "yes"},
		{map[string]string{"B": "1"}, "one"},
		{map[string]string{"B": "0"}, "no"},
		{nil, "no"},
	}
	for _, tt := range tests {
		out, pp := preprocess(t, src, tt.defines)
		require.False(t, pp.errs.HasErrors())
		assert.Equal(t, tt.want, strings.Join(out, " "))
	}
}

func TestPreprocess_Undef(t *testing.T) {
	out, _ := preprocess(t, "#define X 1\n#undef X\n#ifdef X\nbad\n#endif\nX\n", nil)
	assert.Equal(t, []string{"X"}, out)
}

func TestPreprocess_LineContinuationAndComments(t *testing.T) {
	out, pp := preprocess(t, "#define LONG 1 + \\\n 2 /* comment */\nLONG // trailing\n", nil)
	require.False(t, pp.errs.HasErrors())
	assert.Equal(t, "1 + 2", strings.Join(out, " "))
}

func TestPreprocess_Errors(t *testing.T) {
	tests := []struct {
		src string
		msg string
	}{
		{"#if 1\n", "unterminated"},
		{"#endif\n", "#endif without #if"},
		{"#define F(x) x\n", "function-like macro"},
		{"#include \"missing.h\"\n", "not found"},
		{"#bogus\n", "invalid preprocessing directive"},
		{"#if 1 / 0\n#endif\n", "division"},
	}
	for _, tt := range tests {
		_, pp := preprocess(t, tt.src, nil)
		require.True(t, pp.errs.HasErrors(), tt.src)
		assert.Contains(t, pp.errs.FormatAll(), tt.msg, tt.src)
	}
}

func TestPreprocess_PragmaWarns(t *testing.T) {
	_, pp := preprocess(t, "#pragma OPENCL EXTENSION cl_khr_fp64 : enable\n#pragma unroll\n", nil)
	require.Len(t, pp.warns, 1)
	assert.Equal(t, diag.SeverityWarning, pp.warns[0].Severity)
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions(`-D A -DB=2 -D 'C=x y' -U A -I inc -Iother -cl-fast-relaxed-math -cl-std=CL1.1 -Werror`)
	require.NoError(t, err)
	assert.Equal(t, []Define{
		{Name: "A", Value: "1"},
		{Name: "B", Value: "2"},
		{Name: "C", Value: "x y"},
		{Name: "A", Undef: true},
	}, o.Defines)
	assert.Equal(t, []string{"inc", "other"}, o.IncludeDirs)
	assert.True(t, o.FastRelaxedMath)
	assert.True(t, o.WarningsAsErrors)
	assert.Equal(t, 110, o.LanguageVersion())

	for _, bad := range []string{"-O3", "-D", "-D1x", "-cl-std=CL3.0", `-D "unterminated`} {
		_, err := ParseOptions(bad)
		require.Error(t, err, bad)
		assert.Equal(t, diag.KindBuildOptions, diag.KindOf(err), bad)
	}
}

func TestParseIntLiteral(t *testing.T) {
	tests := []struct {
		lexeme string
		value  uint64
		typ    string
	}{
		{"10", 10, "int"},
		{"0x10u", 16, "uint"},
		{"017", 15, "int"},
		{"3000000000", 3000000000, "long"},
		{"0xffffffff", 0xffffffff, "uint"},
		{"1UL", 1, "ulong"},
		{"5l", 5, "long"},
	}
	for _, tt := range tests {
		v, typ, err := parseIntLiteral(tt.lexeme)
		require.NoError(t, err, tt.lexeme)
		assert.Equal(t, tt.value, v, tt.lexeme)
		assert.Equal(t, tt.typ, typ, tt.lexeme)
	}
}

func TestParseFloatAndCharLiterals(t *testing.T) {
	v, typ, err := parseFloatLiteral("1.5f", false)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
	assert.Equal(t, "float", typ)

	_, typ, err = parseFloatLiteral("2.0", false)
	require.NoError(t, err)
	assert.Equal(t, "double", typ)

	_, typ, _ = parseFloatLiteral("2.0", true)
	assert.Equal(t, "float", typ)

	_, _, err = parseFloatLiteral("1.0h", false)
	assert.Error(t, err)

	for lexeme, want := range map[string]int64{`'a'`: 'a', `'\n'`: '\n', `'\x41'`: 0x41, `'\101'`: 0101} {
		got, err := parseCharLiteral(lexeme)
		require.NoError(t, err, lexeme)
		assert.Equal(t, want, got, lexeme)
	}
}
