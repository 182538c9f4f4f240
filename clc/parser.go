package clc

import (
	"fmt"

	"github.com/gogpu/kernelc/ir"
)

// Parser parses preprocessed tokens into a TranslationUnit.
type Parser struct {
	tokens  []Token
	current int
	errors  SourceErrors
	files   *Files
}

// NewParser creates a parser over a token stream terminated by TokenEOF.
// files supplies error context and may be nil.
func NewParser(tokens []Token, files *Files) *Parser {
	if len(tokens) == 0 || tokens[len(tokens)-1].Kind != TokenEOF {
		tokens = append(tokens, Token{Kind: TokenEOF})
	}
	return &Parser{tokens: tokens, files: files}
}

// Parse parses the whole token stream. Errors are reported as SourceErrors;
// the parser resynchronizes after each one, so several may be returned.
func (p *Parser) Parse() (*TranslationUnit, error) {
	unit := &TranslationUnit{}
	for !p.isAtEnd() {
		if p.match(TokenSemicolon) {
			continue
		}
		if err := p.externalDecl(unit); err != nil {
			p.errors.Add(err)
			p.synchronize()
		}
	}
	if p.errors.HasErrors() {
		return unit, p.errors
	}
	return unit, nil
}

func (p *Parser) errorAt(tok Token, format string, args ...any) *SourceError {
	return p.files.errorf(tok.span(), format, args...)
}

// Declaration specifiers

var specSpaces = map[string]ir.AddressSpace{
	"__global": ir.SpaceGlobal, "global": ir.SpaceGlobal,
	"__local": ir.SpaceLocal, "local": ir.SpaceLocal,
	"__constant": ir.SpaceConstant, "constant": ir.SpaceConstant,
	"__private": ir.SpacePrivate, "private": ir.SpacePrivate,
}

var specIgnored = map[string]bool{
	"volatile": true, "restrict": true, "__restrict": true, "static": true, "extern": true,
	"inline": true, "__inline": true,
	"__read_only": true, "read_only": true, "__write_only": true, "write_only": true,
	"__read_write": true, "read_write": true,
}

var specBaseTypes = map[string]bool{
	"void": true, "bool": true, "char": true, "int": true, "float": true, "double": true, "half": true,
	"uchar": true, "ushort": true, "uint": true, "ulong": true,
	"size_t": true, "ptrdiff_t": true, "intptr_t": true, "uintptr_t": true,
	"image2d_t": true, "image3d_t": true, "sampler_t": true,
}

func isSpecWord(s string) bool {
	if _, ok := specSpaces[s]; ok {
		return true
	}
	switch s {
	case "__kernel", "kernel", "const", "__const", "signed", "unsigned", "short", "long", "__attribute__":
		return true
	}
	return specIgnored[s] || specBaseTypes[s]
}

type declSpec struct {
	base     string
	signed   bool
	unsigned bool
	shorts   int
	longs    int
	space    ir.AddressSpace
	hasSpace bool
	isConst  bool
	kernel   bool
	attrs    []Attribute
	start    Token
}

func (p *Parser) isTypeStart(tok Token) bool {
	return tok.Kind == TokenIdent && isSpecWord(tok.Lexeme)
}

// declSpecifiers parses qualifiers and the base type. It returns nil when
// the next token does not start a declaration.
func (p *Parser) declSpecifiers() (*declSpec, *SourceError) {
	if !p.isTypeStart(p.peek()) {
		return nil, nil
	}
	spec := &declSpec{start: p.peek()}
	for p.check(TokenIdent) && isSpecWord(p.peek().Lexeme) {
		tok := p.advance()
		word := tok.Lexeme
		if space, ok := specSpaces[word]; ok {
			spec.space, spec.hasSpace = space, true
			continue
		}
		switch word {
		case "__kernel", "kernel":
			spec.kernel = true
		case "const", "__const":
			spec.isConst = true
		case "signed":
			spec.signed = true
		case "unsigned":
			spec.unsigned = true
		case "short":
			spec.shorts++
		case "long":
			spec.longs++
		case "__attribute__":
			attrs, err := p.attributeList()
			if err != nil {
				return nil, err
			}
			spec.attrs = append(spec.attrs, attrs...)
		default:
			if specIgnored[word] {
				continue
			}
			if spec.base != "" {
				return nil, p.errorAt(tok, "two or more data types in declaration specifiers")
			}
			spec.base = word
		}
	}
	return spec, nil
}

// baseType resolves the specifier words into a canonical basic type.
func (p *Parser) baseType(spec *declSpec) (CType, *SourceError) {
	modified := spec.signed || spec.unsigned || spec.shorts > 0 || spec.longs > 0
	name := spec.base
	switch {
	case name == "" && !modified:
		return nil, p.errorAt(spec.start, "type specifier missing")
	case name == "" || name == "int":
		switch {
		case spec.shorts > 0:
			name = "short"
		case spec.longs > 0:
			name = "long"
		default:
			name = "int"
		}
		if spec.unsigned {
			name = "u" + name
		}
	case name == "char":
		if spec.shorts > 0 || spec.longs > 0 {
			return nil, p.errorAt(spec.start, "invalid type modifier for char")
		}
		if spec.unsigned {
			name = "uchar"
		}
	case modified:
		return nil, p.errorAt(spec.start, "type modifier not allowed with %s", name)
	}
	return BasicType{Name: name}, nil
}

// attributeList parses the ((...)) following __attribute__.
func (p *Parser) attributeList() ([]Attribute, *SourceError) {
	if err := p.expectErr(TokenLeftParen); err != nil {
		return nil, err
	}
	if err := p.expectErr(TokenLeftParen); err != nil {
		return nil, err
	}
	var attrs []Attribute
	for !p.check(TokenRightParen) && !p.isAtEnd() {
		if !p.check(TokenIdent) {
			return nil, p.errorAt(p.peek(), "expected attribute name, got %s", p.peek().Kind)
		}
		name := p.advance()
		attr := Attribute{Name: name.Lexeme, Span: name.span()}
		if p.match(TokenLeftParen) {
			for !p.check(TokenRightParen) && !p.isAtEnd() {
				arg, err := p.assignment()
				if err != nil {
					return nil, err
				}
				attr.Args = append(attr.Args, arg)
				if !p.match(TokenComma) {
					break
				}
			}
			if err := p.expectErr(TokenRightParen); err != nil {
				return nil, err
			}
		}
		attrs = append(attrs, attr)
		if !p.match(TokenComma) {
			break
		}
	}
	if err := p.expectErr(TokenRightParen); err != nil {
		return nil, err
	}
	if err := p.expectErr(TokenRightParen); err != nil {
		return nil, err
	}
	return attrs, nil
}

// declarator parses pointer stars, the declared name and array suffixes.
// With abstract set the name is optional and returned empty when absent.
func (p *Parser) declarator(spec *declSpec, base CType, abstract bool) (Token, CType, *SourceError) {
	t := base
	pointers := 0
	for p.match(TokenStar) {
		space := ir.SpacePrivate
		if pointers == 0 && spec.hasSpace {
			space = spec.space
		}
		t = PointerTo{Elem: t, Space: space}
		pointers++
		for p.check(TokenIdent) && (p.peek().Lexeme == "const" || specIgnored[p.peek().Lexeme]) {
			p.advance()
		}
	}

	var name Token
	if p.check(TokenIdent) && !isSpecWord(p.peek().Lexeme) {
		name = p.advance()
	} else if !abstract {
		return name, nil, p.errorAt(p.peek(), "expected identifier, got %s", describe(p.peek()))
	}

	var dims []Expr
	for p.match(TokenLeftBracket) {
		var n Expr
		if !p.check(TokenRightBracket) {
			var err *SourceError
			if n, err = p.conditional(); err != nil {
				return name, nil, err
			}
		}
		if err := p.expectErr(TokenRightBracket); err != nil {
			return name, nil, err
		}
		dims = append(dims, n)
	}
	for i := len(dims) - 1; i >= 0; i-- {
		t = ArrayOf{Elem: t, Len: dims[i]}
	}
	return name, t, nil
}

// externalDecl parses a function or a program-scope variable declaration.
func (p *Parser) externalDecl(unit *TranslationUnit) *SourceError {
	switch p.peek().Kind {
	case TokenStruct, TokenTypedef:
		return p.errorAt(p.peek(), "%s declarations are not supported", p.peek().Lexeme)
	}
	spec, err := p.declSpecifiers()
	if err != nil {
		return err
	}
	if spec == nil {
		return p.errorAt(p.peek(), "expected declaration, got %s", describe(p.peek()))
	}
	base, err := p.baseType(spec)
	if err != nil {
		return err
	}
	name, t, err := p.declarator(spec, base, false)
	if err != nil {
		return err
	}
	if p.check(TokenLeftParen) {
		fn, err := p.functionDecl(spec, name, t)
		if err != nil {
			return err
		}
		unit.Functions = append(unit.Functions, fn)
		return nil
	}
	vars, err := p.initDeclarators(spec, base, name, t)
	if err != nil {
		return err
	}
	unit.Globals = append(unit.Globals, vars...)
	return nil
}

func (p *Parser) functionDecl(spec *declSpec, name Token, result CType) (*FunctionDecl, *SourceError) {
	fn := &FunctionDecl{
		Name:       name.Lexeme,
		Result:     result,
		Kernel:     spec.kernel,
		Attributes: spec.attrs,
		Span:       name.span(),
	}
	p.advance() // (
	if p.check(TokenIdent) && p.peek().Lexeme == "void" && p.peekAt(1).Kind == TokenRightParen {
		p.advance()
	}
	for !p.check(TokenRightParen) && !p.isAtEnd() {
		param, err := p.parameter()
		if err != nil {
			return nil, err
		}
		fn.Params = append(fn.Params, param)
		if !p.match(TokenComma) {
			break
		}
	}
	if err := p.expectErr(TokenRightParen); err != nil {
		return nil, err
	}
	for p.check(TokenIdent) && p.peek().Lexeme == "__attribute__" {
		p.advance()
		attrs, err := p.attributeList()
		if err != nil {
			return nil, err
		}
		fn.Attributes = append(fn.Attributes, attrs...)
	}
	if p.match(TokenSemicolon) {
		return fn, nil
	}
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	fn.Body = body
	return fn, nil
}

func (p *Parser) parameter() (*Param, *SourceError) {
	start := p.peek()
	spec, err := p.declSpecifiers()
	if err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, p.errorAt(start, "expected parameter type, got %s", describe(start))
	}
	base, err := p.baseType(spec)
	if err != nil {
		return nil, err
	}
	name, t, err := p.declarator(spec, base, true)
	if err != nil {
		return nil, err
	}
	// Array parameters decay to pointers.
	if arr, ok := t.(ArrayOf); ok {
		space := ir.SpacePrivate
		if spec.hasSpace {
			space = spec.space
		}
		t = PointerTo{Elem: arr.Elem, Space: space}
	}
	span := start.span()
	if name.Kind == TokenIdent {
		span = name.span()
	}
	return &Param{Name: name.Lexeme, Type: t, Span: span}, nil
}

// initDeclarators parses the rest of a declaration whose first declarator
// has been read.
func (p *Parser) initDeclarators(spec *declSpec, base CType, name Token, t CType) ([]*VarDecl, *SourceError) {
	var vars []*VarDecl
	for {
		v := &VarDecl{Name: name.Lexeme, Type: t, Const: spec.isConst, Span: name.span()}
		if _, isPtr := t.(PointerTo); !isPtr {
			v.Space, v.SpaceExplicit = spec.space, spec.hasSpace
		}
		if p.match(TokenEqual) {
			init, err := p.initializer()
			if err != nil {
				return nil, err
			}
			v.Init = init
		}
		vars = append(vars, v)
		if !p.match(TokenComma) {
			break
		}
		var err *SourceError
		if name, t, err = p.declarator(spec, base, false); err != nil {
			return nil, err
		}
	}
	if err := p.expectErr(TokenSemicolon); err != nil {
		return nil, err
	}
	return vars, nil
}

func (p *Parser) initializer() (Expr, *SourceError) {
	if !p.check(TokenLeftBrace) {
		return p.assignment()
	}
	open := p.advance()
	list := &InitList{Span: open.span()}
	for !p.check(TokenRightBrace) && !p.isAtEnd() {
		elem, err := p.initializer()
		if err != nil {
			return nil, err
		}
		list.Elems = append(list.Elems, elem)
		if !p.match(TokenComma) {
			break
		}
	}
	if err := p.expectErr(TokenRightBrace); err != nil {
		return nil, err
	}
	return list, nil
}

// typeName parses a type in a cast or sizeof.
func (p *Parser) typeName() (CType, *SourceError) {
	spec, err := p.declSpecifiers()
	if err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, p.errorAt(p.peek(), "expected type name, got %s", describe(p.peek()))
	}
	base, err := p.baseType(spec)
	if err != nil {
		return nil, err
	}
	name, t, err := p.declarator(spec, base, true)
	if err != nil {
		return nil, err
	}
	if name.Kind == TokenIdent {
		return nil, p.errorAt(name, "unexpected identifier %q in type name", name.Lexeme)
	}
	return t, nil
}

// Statements

func (p *Parser) block() (*BlockStmt, *SourceError) {
	open := p.peek()
	if err := p.expectErr(TokenLeftBrace); err != nil {
		return nil, err
	}
	blk := &BlockStmt{Span: open.span()}
	for !p.check(TokenRightBrace) && !p.isAtEnd() {
		stmt, err := p.statement()
		if err != nil {
			p.errors.Add(err)
			p.synchronize()
			continue
		}
		blk.Stmts = append(blk.Stmts, stmt)
	}
	if err := p.expectErr(TokenRightBrace); err != nil {
		return nil, err
	}
	return blk, nil
}

func (p *Parser) statement() (Stmt, *SourceError) {
	tok := p.peek()
	switch tok.Kind {
	case TokenLeftBrace:
		return p.block()
	case TokenSemicolon:
		p.advance()
		return &EmptyStmt{Span: tok.span()}, nil
	case TokenIf:
		return p.ifStmt()
	case TokenFor:
		return p.forStmt()
	case TokenWhile:
		return p.whileStmt()
	case TokenDo:
		return p.doWhileStmt()
	case TokenBreak:
		p.advance()
		return &BreakStmt{Span: tok.span()}, p.expectErr(TokenSemicolon)
	case TokenContinue:
		p.advance()
		return &ContinueStmt{Span: tok.span()}, p.expectErr(TokenSemicolon)
	case TokenReturn:
		return p.returnStmt()
	case TokenSwitch, TokenGoto, TokenStruct, TokenTypedef:
		return nil, p.errorAt(tok, "%s is not supported", tok.Lexeme)
	}
	if p.isTypeStart(tok) {
		return p.declStmt()
	}
	e, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.expectErr(TokenSemicolon); err != nil {
		return nil, err
	}
	return &ExprStmt{Expr: e, Span: tok.span()}, nil
}

func (p *Parser) declStmt() (*DeclStmt, *SourceError) {
	start := p.peek()
	spec, err := p.declSpecifiers()
	if err != nil {
		return nil, err
	}
	base, err := p.baseType(spec)
	if err != nil {
		return nil, err
	}
	name, t, err := p.declarator(spec, base, false)
	if err != nil {
		return nil, err
	}
	vars, err := p.initDeclarators(spec, base, name, t)
	if err != nil {
		return nil, err
	}
	return &DeclStmt{Vars: vars, Span: start.span()}, nil
}

func (p *Parser) parenExpr() (Expr, *SourceError) {
	if err := p.expectErr(TokenLeftParen); err != nil {
		return nil, err
	}
	e, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.expectErr(TokenRightParen); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *Parser) ifStmt() (*IfStmt, *SourceError) {
	tok := p.advance()
	cond, err := p.parenExpr()
	if err != nil {
		return nil, err
	}
	then, err := p.statement()
	if err != nil {
		return nil, err
	}
	s := &IfStmt{Cond: cond, Then: then, Span: tok.span()}
	if p.match(TokenElse) {
		if s.Else, err = p.statement(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (p *Parser) forStmt() (*ForStmt, *SourceError) {
	tok := p.advance()
	if err := p.expectErr(TokenLeftParen); err != nil {
		return nil, err
	}
	s := &ForStmt{Span: tok.span()}
	var err *SourceError
	switch {
	case p.match(TokenSemicolon):
	case p.isTypeStart(p.peek()):
		if s.Init, err = p.declStmt(); err != nil {
			return nil, err
		}
	default:
		start := p.peek()
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		s.Init = &ExprStmt{Expr: e, Span: start.span()}
		if err := p.expectErr(TokenSemicolon); err != nil {
			return nil, err
		}
	}
	if !p.check(TokenSemicolon) {
		if s.Cond, err = p.expression(); err != nil {
			return nil, err
		}
	}
	if err := p.expectErr(TokenSemicolon); err != nil {
		return nil, err
	}
	if !p.check(TokenRightParen) {
		if s.Post, err = p.expression(); err != nil {
			return nil, err
		}
	}
	if err := p.expectErr(TokenRightParen); err != nil {
		return nil, err
	}
	if s.Body, err = p.statement(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Parser) whileStmt() (*WhileStmt, *SourceError) {
	tok := p.advance()
	cond, err := p.parenExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.statement()
	if err != nil {
		return nil, err
	}
	return &WhileStmt{Cond: cond, Body: body, Span: tok.span()}, nil
}

func (p *Parser) doWhileStmt() (*DoWhileStmt, *SourceError) {
	tok := p.advance()
	body, err := p.statement()
	if err != nil {
		return nil, err
	}
	if err := p.expectErr(TokenWhile); err != nil {
		return nil, err
	}
	cond, err := p.parenExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectErr(TokenSemicolon); err != nil {
		return nil, err
	}
	return &DoWhileStmt{Body: body, Cond: cond, Span: tok.span()}, nil
}

func (p *Parser) returnStmt() (*ReturnStmt, *SourceError) {
	tok := p.advance()
	s := &ReturnStmt{Span: tok.span()}
	if !p.check(TokenSemicolon) {
		var err *SourceError
		if s.Value, err = p.expression(); err != nil {
			return nil, err
		}
	}
	return s, p.expectErr(TokenSemicolon)
}

// Expressions

func (p *Parser) expression() (Expr, *SourceError) {
	e, err := p.assignment()
	if err != nil {
		return nil, err
	}
	if p.check(TokenComma) {
		return nil, p.errorAt(p.peek(), "the comma operator is not supported")
	}
	return e, nil
}

// assignment parses = and compound assignments, right associative.
func (p *Parser) assignment() (Expr, *SourceError) {
	left, err := p.conditional()
	if err != nil {
		return nil, err
	}
	if p.isAssignOp(p.peek().Kind) {
		op := p.advance()
		value, err := p.assignment()
		if err != nil {
			return nil, err
		}
		return &AssignExpr{Op: op.Kind, Target: left, Value: value, Span: op.span()}, nil
	}
	return left, nil
}

func (p *Parser) conditional() (Expr, *SourceError) {
	cond, err := p.logicalOr()
	if err != nil {
		return nil, err
	}
	if !p.check(TokenQuestion) {
		return cond, nil
	}
	q := p.advance()
	then, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.expectErr(TokenColon); err != nil {
		return nil, err
	}
	els, err := p.conditional()
	if err != nil {
		return nil, err
	}
	return &CondExpr{Cond: cond, Then: then, Else: els, Span: q.span()}, nil
}

// binaryLevel parses a left-associative chain of the given operators.
func (p *Parser) binaryLevel(next func() (Expr, *SourceError), ops ...TokenKind) (Expr, *SourceError) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		matched := false
		for _, op := range ops {
			if p.check(op) {
				matched = true
				break
			}
		}
		if !matched {
			return left, nil
		}
		op := p.advance()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op.Kind, Left: left, Right: right, Span: op.span()}
	}
}

func (p *Parser) logicalOr() (Expr, *SourceError) {
	return p.binaryLevel(p.logicalAnd, TokenPipePipe)
}

func (p *Parser) logicalAnd() (Expr, *SourceError) {
	return p.binaryLevel(p.bitwiseOr, TokenAmpAmp)
}

func (p *Parser) bitwiseOr() (Expr, *SourceError) {
	return p.binaryLevel(p.bitwiseXor, TokenPipe)
}

func (p *Parser) bitwiseXor() (Expr, *SourceError) {
	return p.binaryLevel(p.bitwiseAnd, TokenCaret)
}

func (p *Parser) bitwiseAnd() (Expr, *SourceError) {
	return p.binaryLevel(p.equality, TokenAmpersand)
}

func (p *Parser) equality() (Expr, *SourceError) {
	return p.binaryLevel(p.comparison, TokenEqualEqual, TokenBangEqual)
}

func (p *Parser) comparison() (Expr, *SourceError) {
	return p.binaryLevel(p.shift, TokenLess, TokenGreater, TokenLessEqual, TokenGreaterEqual)
}

func (p *Parser) shift() (Expr, *SourceError) {
	return p.binaryLevel(p.additive, TokenLessLess, TokenGreaterGreater)
}

func (p *Parser) additive() (Expr, *SourceError) {
	return p.binaryLevel(p.multiplicative, TokenPlus, TokenMinus)
}

func (p *Parser) multiplicative() (Expr, *SourceError) {
	return p.binaryLevel(p.unary, TokenStar, TokenSlash, TokenPercent)
}

// unary parses prefix operators, casts and sizeof.
func (p *Parser) unary() (Expr, *SourceError) {
	tok := p.peek()
	switch tok.Kind {
	case TokenMinus, TokenPlus, TokenBang, TokenTilde, TokenAmpersand, TokenStar:
		p.advance()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: tok.Kind, Operand: operand, Span: tok.span()}, nil
	case TokenPlusPlus, TokenMinusMinus:
		p.advance()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &IncDecExpr{Op: tok.Kind, Operand: operand, Span: tok.span()}, nil
	case TokenSizeof:
		p.advance()
		if !p.check(TokenLeftParen) || !p.isTypeStart(p.peekAt(1)) {
			return nil, p.errorAt(tok, "sizeof is only supported on type names")
		}
		p.advance()
		t, err := p.typeName()
		if err != nil {
			return nil, err
		}
		if err := p.expectErr(TokenRightParen); err != nil {
			return nil, err
		}
		return &SizeofExpr{Type: t, Span: tok.span()}, nil
	case TokenLeftParen:
		if p.isTypeStart(p.peekAt(1)) {
			p.advance()
			t, err := p.typeName()
			if err != nil {
				return nil, err
			}
			if err := p.expectErr(TokenRightParen); err != nil {
				return nil, err
			}
			operand, err := p.unary()
			if err != nil {
				return nil, err
			}
			return &CastExpr{Type: t, Expr: operand, Span: tok.span()}, nil
		}
	}
	return p.postfix()
}

// postfix parses calls, indexing and postfix ++/--.
func (p *Parser) postfix() (Expr, *SourceError) {
	expr, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch {
		case p.match(TokenLeftParen):
			ident, ok := expr.(*Ident)
			if !ok {
				return nil, p.errorAt(tok, "called object is not a function name")
			}
			call := &CallExpr{Func: ident, Span: ident.Span}
			for !p.check(TokenRightParen) && !p.isAtEnd() {
				arg, err := p.assignment()
				if err != nil {
					return nil, err
				}
				call.Args = append(call.Args, arg)
				if !p.match(TokenComma) {
					break
				}
			}
			if err := p.expectErr(TokenRightParen); err != nil {
				return nil, err
			}
			expr = call
		case p.match(TokenLeftBracket):
			index, err := p.expression()
			if err != nil {
				return nil, err
			}
			if err := p.expectErr(TokenRightBracket); err != nil {
				return nil, err
			}
			expr = &IndexExpr{Expr: expr, Index: index, Span: tok.span()}
		case p.match(TokenPlusPlus), p.match(TokenMinusMinus):
			expr = &IncDecExpr{Op: tok.Kind, Operand: expr, Postfix: true, Span: tok.span()}
		case p.check(TokenDot), p.check(TokenArrow):
			return nil, p.errorAt(tok, "member access is not supported")
		default:
			return expr, nil
		}
	}
}

func (p *Parser) primary() (Expr, *SourceError) {
	tok := p.peek()
	switch tok.Kind {
	case TokenIntLiteral, TokenFloatLiteral, TokenCharLiteral, TokenTrue, TokenFalse:
		p.advance()
		return &Literal{Kind: tok.Kind, Value: tok.Lexeme, Span: tok.span()}, nil
	case TokenIdent:
		p.advance()
		return &Ident{Name: tok.Lexeme, Span: tok.span()}, nil
	case TokenLeftParen:
		p.advance()
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		if err := p.expectErr(TokenRightParen); err != nil {
			return nil, err
		}
		return e, nil
	case TokenStringLiteral:
		return nil, p.errorAt(tok, "string literals are not supported")
	default:
		return nil, p.errorAt(tok, "unexpected %s in expression", describe(tok))
	}
}

// Helper methods

func (p *Parser) advance() Token {
	if !p.isAtEnd() {
		p.current++
	}
	return p.previous()
}

func (p *Parser) peek() Token {
	return p.tokens[p.current]
}

func (p *Parser) peekAt(n int) Token {
	if p.current+n >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.current+n]
}

func (p *Parser) previous() Token {
	return p.tokens[p.current-1]
}

func (p *Parser) isAtEnd() bool {
	return p.peek().Kind == TokenEOF
}

func (p *Parser) check(kind TokenKind) bool {
	if p.isAtEnd() {
		return false
	}
	return p.peek().Kind == kind
}

func (p *Parser) match(kind TokenKind) bool {
	if p.check(kind) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expectErr(kind TokenKind) *SourceError {
	if p.check(kind) {
		p.advance()
		return nil
	}
	return p.errorAt(p.peek(), "expected %s, got %s", kind, describe(p.peek()))
}

// synchronize skips to the end of the current statement or declaration.
func (p *Parser) synchronize() {
	depth := 0
	for !p.isAtEnd() {
		switch p.advance().Kind {
		case TokenSemicolon:
			if depth <= 0 {
				return
			}
		case TokenLeftBrace:
			depth++
		case TokenRightBrace:
			depth--
			if depth <= 0 {
				return
			}
		}
	}
}

func (p *Parser) isAssignOp(kind TokenKind) bool {
	switch kind {
	case TokenEqual, TokenPlusEqual, TokenMinusEqual, TokenStarEqual,
		TokenSlashEqual, TokenPercentEqual, TokenAmpEqual, TokenPipeEqual,
		TokenCaretEqual, TokenLessLessEqual, TokenGreaterGreaterEqual:
		return true
	}
	return false
}

func describe(tok Token) string {
	switch tok.Kind {
	case TokenEOF:
		return "end of file"
	case TokenIdent, TokenIntLiteral, TokenFloatLiteral, TokenError:
		return fmt.Sprintf("%q", tok.Lexeme)
	default:
		return tok.Kind.String()
	}
}
