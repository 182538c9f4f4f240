package clc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gogpu/kernelc/diag"
)

const maxIncludeDepth = 64

// preprocessor expands directives and object-like macros, producing the
// token stream the parser consumes.
type preprocessor struct {
	macros      map[string][]Token
	includeDirs []string
	includes    map[string]string // in-memory files consulted before the include dirs
	files       *Files

	out   []Token
	errs  SourceErrors
	warns diag.Log
	depth int
}

type condFrame struct {
	active       bool // the current branch is being emitted
	taken        bool // some branch of the group was emitted
	parentActive bool
	sawElse      bool
	start        Token
}

func newPreprocessor(includeDirs []string, includes map[string]string) *preprocessor {
	return &preprocessor{
		macros:      map[string][]Token{},
		includeDirs: includeDirs,
		includes:    includes,
		files:       newFiles(),
	}
}

// define installs an object-like macro whose body is the given text.
func (pp *preprocessor) define(name, value string) {
	body := newLineLexer(value, "<command line>", 1).Tokenize()
	pp.macros[name] = body[:len(body)-1]
}

func (pp *preprocessor) undef(name string) {
	delete(pp.macros, name)
}

func (pp *preprocessor) errorf(tok Token, format string, args ...any) {
	pp.errs.Add(pp.files.errorf(tok.span(), format, args...))
}

func (pp *preprocessor) warnf(tok Token, format string, args ...any) {
	d := diag.Diagnostic{Severity: diag.SeverityWarning, Stage: "clc", File: tok.File, Line: tok.Line, Column: tok.Column}
	d.Message = fmt.Sprintf(format, args...)
	pp.warns = append(pp.warns, d)
}

// logicalLine is one source line after comment removal and line splicing.
type logicalLine struct {
	text string
	line int
}

// file preprocesses one source file and appends its tokens to pp.out.
func (pp *preprocessor) file(name, text string) {
	pp.files.add(name, text, nil)
	var conds []condFrame
	active := func() bool {
		return len(conds) == 0 || conds[len(conds)-1].active
	}

	for _, ll := range splitLines(stripComments(text)) {
		toks := newLineLexer(ll.text, name, ll.line).Tokenize()
		toks = toks[:len(toks)-1]
		if len(toks) == 0 {
			continue
		}
		if toks[0].Kind != TokenHash {
			if active() {
				pp.out = append(pp.out, pp.expand(toks, nil)...)
			}
			continue
		}
		if len(toks) == 1 {
			continue
		}

		dir := toks[1]
		args := toks[2:]
		switch dir.Lexeme {
		case "ifdef", "ifndef":
			f := condFrame{parentActive: active(), start: dir}
			if len(args) == 0 || args[0].Kind != TokenIdent {
				pp.errorf(dir, "macro name missing in #%s", dir.Lexeme)
			} else {
				_, defined := pp.macros[args[0].Lexeme]
				f.active = f.parentActive && defined == (dir.Lexeme == "ifdef")
			}
			f.taken = f.active
			conds = append(conds, f)
		case "if":
			f := condFrame{parentActive: active(), start: dir}
			if f.parentActive {
				f.active = pp.evalCondition(dir, args)
			}
			f.taken = f.active
			conds = append(conds, f)
		case "elif":
			if len(conds) == 0 || conds[len(conds)-1].sawElse {
				pp.errorf(dir, "#elif without #if")
				continue
			}
			f := &conds[len(conds)-1]
			if f.taken || !f.parentActive {
				f.active = false
			} else {
				f.active = pp.evalCondition(dir, args)
				f.taken = f.active
			}
		case "else":
			if len(conds) == 0 || conds[len(conds)-1].sawElse {
				pp.errorf(dir, "#else without #if")
				continue
			}
			f := &conds[len(conds)-1]
			f.sawElse = true
			f.active = f.parentActive && !f.taken
			f.taken = true
		case "endif":
			if len(conds) == 0 {
				pp.errorf(dir, "#endif without #if")
				continue
			}
			conds = conds[:len(conds)-1]
		default:
			if active() {
				pp.directive(dir, args)
			}
		}
	}
	for _, f := range conds {
		pp.errorf(f.start, "unterminated #%s", f.start.Lexeme)
	}
}

func (pp *preprocessor) directive(dir Token, args []Token) {
	switch dir.Lexeme {
	case "define":
		if len(args) == 0 || args[0].Kind != TokenIdent {
			pp.errorf(dir, "macro name missing in #define")
			return
		}
		name := args[0]
		if len(args) > 1 && args[1].Kind == TokenLeftParen &&
			args[1].Line == name.Line && args[1].Column == name.Column+len(name.Lexeme) {
			pp.errorf(name, "function-like macro %q is not supported", name.Lexeme)
			return
		}
		pp.macros[name.Lexeme] = append([]Token(nil), args[1:]...)
	case "undef":
		if len(args) == 0 || args[0].Kind != TokenIdent {
			pp.errorf(dir, "macro name missing in #undef")
			return
		}
		pp.undef(args[0].Lexeme)
	case "include":
		pp.include(dir, args)
	case "pragma":
		if len(args) > 0 && args[0].Lexeme == "OPENCL" {
			return
		}
		pp.warnf(dir, "ignoring #pragma %s", joinTokens(args))
	case "error":
		pp.errorf(dir, "#error %s", joinTokens(args))
	case "warning":
		pp.warnf(dir, "#warning %s", joinTokens(args))
	case "line":
	default:
		pp.errorf(dir, "invalid preprocessing directive #%s", dir.Lexeme)
	}
}

func (pp *preprocessor) include(dir Token, args []Token) {
	var name string
	switch {
	case len(args) == 1 && args[0].Kind == TokenStringLiteral:
		name = args[0].Lexeme[1 : len(args[0].Lexeme)-1]
	case len(args) >= 3 && args[0].Kind == TokenLess && args[len(args)-1].Kind == TokenGreater:
		name = joinTokensTight(args[1 : len(args)-1])
	default:
		pp.errorf(dir, "#include expects \"FILENAME\"")
		return
	}
	if pp.depth >= maxIncludeDepth {
		pp.errorf(dir, "#include nested too deeply")
		return
	}
	text, path, ok := pp.lookup(name, dir.File)
	if !ok {
		pp.errorf(dir, "file %q not found", name)
		return
	}
	pp.files.add(path, text, &dir)
	pp.depth++
	pp.file(path, text)
	pp.depth--
}

func (pp *preprocessor) lookup(name, from string) (text, path string, ok bool) {
	if text, ok := pp.includes[name]; ok {
		return text, name, true
	}
	dirs := pp.includeDirs
	if from != "" {
		dirs = append([]string{filepath.Dir(from)}, dirs...)
	}
	for _, d := range dirs {
		p := filepath.Join(d, name)
		data, err := os.ReadFile(p)
		if err == nil {
			return string(data), p, true
		}
	}
	return "", "", false
}

// expand replaces object-like macros. Macros in hide are not expanded again,
// which stops self-referential definitions.
func (pp *preprocessor) expand(toks []Token, hide map[string]bool) []Token {
	out := make([]Token, 0, len(toks))
	for _, t := range toks {
		if t.Kind != TokenIdent || hide[t.Lexeme] {
			out = append(out, t)
			continue
		}
		switch t.Lexeme {
		case "__LINE__":
			out = append(out, Token{Kind: TokenIntLiteral, Lexeme: strconv.Itoa(t.Line), File: t.File, Line: t.Line, Column: t.Column})
			continue
		case "__FILE__":
			out = append(out, Token{Kind: TokenStringLiteral, Lexeme: strconv.Quote(t.File), File: t.File, Line: t.Line, Column: t.Column})
			continue
		}
		body, ok := pp.macros[t.Lexeme]
		if !ok {
			out = append(out, t)
			continue
		}
		placed := make([]Token, len(body))
		for i, b := range body {
			b.File, b.Line, b.Column = t.File, t.Line, t.Column
			placed[i] = b
		}
		inner := make(map[string]bool, len(hide)+1)
		for k := range hide {
			inner[k] = true
		}
		inner[t.Lexeme] = true
		out = append(out, pp.expand(placed, inner)...)
	}
	return out
}

// evalCondition evaluates the controlling expression of #if or #elif.
func (pp *preprocessor) evalCondition(dir Token, args []Token) bool {
	var resolved []Token
	for i := 0; i < len(args); i++ {
		t := args[i]
		if t.Kind != TokenIdent || t.Lexeme != "defined" {
			resolved = append(resolved, t)
			continue
		}
		var name Token
		switch {
		case i+1 < len(args) && args[i+1].Kind == TokenIdent:
			name = args[i+1]
			i++
		case i+3 < len(args) && args[i+1].Kind == TokenLeftParen && args[i+2].Kind == TokenIdent && args[i+3].Kind == TokenRightParen:
			name = args[i+2]
			i += 3
		default:
			pp.errorf(t, "operator \"defined\" requires an identifier")
			return false
		}
		v := "0"
		if _, ok := pp.macros[name.Lexeme]; ok {
			v = "1"
		}
		resolved = append(resolved, Token{Kind: TokenIntLiteral, Lexeme: v, File: t.File, Line: t.Line, Column: t.Column})
	}
	expanded := pp.expand(resolved, nil)
	if len(expanded) == 0 {
		pp.errorf(dir, "#%s with no expression", dir.Lexeme)
		return false
	}
	ev := &condEvaluator{toks: expanded}
	v, err := ev.ternary()
	if err == nil && ev.pos < len(ev.toks) {
		err = &SourceError{Message: "missing binary operator before " + ev.toks[ev.pos].Lexeme, Span: ev.toks[ev.pos].span()}
	}
	if err != nil {
		pp.errs.Add(pp.files.annotate(err))
		return false
	}
	return v != 0
}

// condEvaluator evaluates preprocessor integer expressions. Identifiers
// left after macro expansion evaluate to zero.
type condEvaluator struct {
	toks []Token
	pos  int
}

func (e *condEvaluator) peek() TokenKind {
	if e.pos < len(e.toks) {
		return e.toks[e.pos].Kind
	}
	return TokenEOF
}

func (e *condEvaluator) fail(msg string) *SourceError {
	var tok Token
	if e.pos < len(e.toks) {
		tok = e.toks[e.pos]
	} else if len(e.toks) > 0 {
		tok = e.toks[len(e.toks)-1]
	}
	return &SourceError{Message: msg, Span: tok.span()}
}

func (e *condEvaluator) ternary() (int64, *SourceError) {
	c, err := e.binary(0)
	if err != nil {
		return 0, err
	}
	if e.peek() != TokenQuestion {
		return c, nil
	}
	e.pos++
	a, err := e.ternary()
	if err != nil {
		return 0, err
	}
	if e.peek() != TokenColon {
		return 0, e.fail("expected ':' in preprocessor expression")
	}
	e.pos++
	b, err := e.ternary()
	if err != nil {
		return 0, err
	}
	if c != 0 {
		return a, nil
	}
	return b, nil
}

var condPrecedence = map[TokenKind]int{
	TokenPipePipe: 1, TokenAmpAmp: 2, TokenPipe: 3, TokenCaret: 4, TokenAmpersand: 5,
	TokenEqualEqual: 6, TokenBangEqual: 6,
	TokenLess: 7, TokenGreater: 7, TokenLessEqual: 7, TokenGreaterEqual: 7,
	TokenLessLess: 8, TokenGreaterGreater: 8,
	TokenPlus: 9, TokenMinus: 9,
	TokenStar: 10, TokenSlash: 10, TokenPercent: 10,
}

func (e *condEvaluator) binary(minPrec int) (int64, *SourceError) {
	left, err := e.unary()
	if err != nil {
		return 0, err
	}
	for {
		op := e.peek()
		prec, ok := condPrecedence[op]
		if !ok || prec <= minPrec {
			return left, nil
		}
		e.pos++
		right, err := e.binary(prec)
		if err != nil {
			return 0, err
		}
		switch op {
		case TokenPipePipe:
			left = b2i(left != 0 || right != 0)
		case TokenAmpAmp:
			left = b2i(left != 0 && right != 0)
		case TokenPipe:
			left |= right
		case TokenCaret:
			left ^= right
		case TokenAmpersand:
			left &= right
		case TokenEqualEqual:
			left = b2i(left == right)
		case TokenBangEqual:
			left = b2i(left != right)
		case TokenLess:
			left = b2i(left < right)
		case TokenGreater:
			left = b2i(left > right)
		case TokenLessEqual:
			left = b2i(left <= right)
		case TokenGreaterEqual:
			left = b2i(left >= right)
		case TokenLessLess:
			left <<= uint64(right)
		case TokenGreaterGreater:
			left >>= uint64(right)
		case TokenPlus:
			left += right
		case TokenMinus:
			left -= right
		case TokenStar:
			left *= right
		case TokenSlash, TokenPercent:
			if right == 0 {
				return 0, e.fail("division by zero in preprocessor expression")
			}
			if op == TokenSlash {
				left /= right
			} else {
				left %= right
			}
		}
	}
}

func (e *condEvaluator) unary() (int64, *SourceError) {
	switch e.peek() {
	case TokenMinus:
		e.pos++
		v, err := e.unary()
		return -v, err
	case TokenPlus:
		e.pos++
		return e.unary()
	case TokenBang:
		e.pos++
		v, err := e.unary()
		return b2i(v == 0), err
	case TokenTilde:
		e.pos++
		v, err := e.unary()
		return ^v, err
	case TokenLeftParen:
		e.pos++
		v, err := e.ternary()
		if err != nil {
			return 0, err
		}
		if e.peek() != TokenRightParen {
			return 0, e.fail("expected ')' in preprocessor expression")
		}
		e.pos++
		return v, nil
	case TokenIntLiteral:
		tok := e.toks[e.pos]
		e.pos++
		v, _, err := parseIntLiteral(tok.Lexeme)
		if err != nil {
			return 0, &SourceError{Message: err.Error(), Span: tok.span()}
		}
		return int64(v), nil
	case TokenCharLiteral:
		tok := e.toks[e.pos]
		e.pos++
		v, err := parseCharLiteral(tok.Lexeme)
		if err != nil {
			return 0, &SourceError{Message: err.Error(), Span: tok.span()}
		}
		return v, nil
	case TokenIdent, TokenTrue, TokenFalse:
		tok := e.toks[e.pos]
		e.pos++
		if tok.Kind == TokenTrue {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, e.fail("invalid token in preprocessor expression")
	}
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// stripComments replaces comments with spaces, keeping newlines so that line
// numbers survive.
func stripComments(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\'':
			sb.WriteByte(c)
			for i++; i < len(s) && s[i] != c && s[i] != '\n'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					sb.WriteByte(s[i])
					i++
				}
				sb.WriteByte(s[i])
			}
			if i < len(s) {
				sb.WriteByte(s[i])
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				sb.WriteByte('\n')
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			sb.WriteByte(' ')
			for i += 2; i < len(s) && !(s[i] == '*' && i+1 < len(s) && s[i+1] == '/'); i++ {
				if s[i] == '\n' {
					sb.WriteByte('\n')
				}
			}
			i++
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// splitLines splits text into logical lines, joining backslash-newline
// continuations onto the line they start on.
func splitLines(s string) []logicalLine {
	raw := strings.Split(s, "\n")
	out := make([]logicalLine, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		start := i
		text := strings.TrimSuffix(raw[i], "\r")
		for strings.HasSuffix(text, "\\") && i+1 < len(raw) {
			i++
			text = text[:len(text)-1] + strings.TrimSuffix(raw[i], "\r")
		}
		out = append(out, logicalLine{text: text, line: start + 1})
	}
	return out
}

func joinTokens(toks []Token) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = t.Lexeme
	}
	return strings.Join(parts, " ")
}

func joinTokensTight(toks []Token) string {
	var sb strings.Builder
	for _, t := range toks {
		sb.WriteString(t.Lexeme)
	}
	return sb.String()
}
