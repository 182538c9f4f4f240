package clc

import "github.com/gogpu/kernelc/ir"

// TranslationUnit is a parsed, preprocessed source file.
type TranslationUnit struct {
	Functions []*FunctionDecl
	Globals   []*VarDecl
}

// Node is the base interface for all AST nodes.
type Node interface {
	Pos() Span
}

// Stmt is the interface for statements.
type Stmt interface {
	Node
	stmtNode()
}

// Expr is the interface for expressions.
type Expr interface {
	Node
	exprNode()
}

// CType is a source-level type.
type CType interface {
	ctype()
}

// BasicType is a named scalar, void or opaque type. Name is canonical:
// "unsigned int" is spelled "uint".
type BasicType struct {
	Name string
}

// PointerTo is a pointer whose pointee lives in Space.
type PointerTo struct {
	Elem  CType
	Space ir.AddressSpace
}

// ArrayOf is a fixed-length array. Len is nil for "[]", whose length comes
// from the initializer.
type ArrayOf struct {
	Elem CType
	Len  Expr
	// Count is the evaluated length, filled in during lowering.
	Count uint32
}

func (BasicType) ctype() {}
func (PointerTo) ctype() {}
func (ArrayOf) ctype()   {}

// Attribute is one entry of an __attribute__((...)) list.
type Attribute struct {
	Name string
	Args []Expr
	Span Span
}

// FunctionDecl is a function definition or prototype.
type FunctionDecl struct {
	Name       string
	Result     CType
	Params     []*Param
	Body       *BlockStmt // nil for prototypes
	Kernel     bool
	Attributes []Attribute
	Span       Span
}

// Param is a formal parameter. Prototypes may omit the name.
type Param struct {
	Name string
	Type CType
	Span Span
}

// VarDecl declares one variable at program or block scope.
type VarDecl struct {
	Name  string
	Type  CType
	Space ir.AddressSpace
	// SpaceExplicit is set when an address-space qualifier applied to the
	// variable itself rather than to a pointee.
	SpaceExplicit bool
	Const         bool
	Init          Expr
	Span          Span
}

func (v *VarDecl) Pos() Span { return v.Span }

// BlockStmt is a braced statement list.
type BlockStmt struct {
	Stmts []Stmt
	Span  Span
}

// DeclStmt declares one or more block-scope variables.
type DeclStmt struct {
	Vars []*VarDecl
	Span Span
}

// ExprStmt evaluates an expression for its side effects.
type ExprStmt struct {
	Expr Expr
	Span Span
}

// IfStmt is if/else. Else may be nil.
type IfStmt struct {
	Cond Expr
	Then Stmt
	Else Stmt
	Span Span
}

// ForStmt is a for loop. Any of Init, Cond and Post may be nil.
type ForStmt struct {
	Init Stmt
	Cond Expr
	Post Expr
	Body Stmt
	Span Span
}

// WhileStmt is a while loop.
type WhileStmt struct {
	Cond Expr
	Body Stmt
	Span Span
}

// DoWhileStmt is a do/while loop.
type DoWhileStmt struct {
	Body Stmt
	Cond Expr
	Span Span
}

type BreakStmt struct{ Span Span }

type ContinueStmt struct{ Span Span }

// ReturnStmt returns from a function. Value is nil in void functions.
type ReturnStmt struct {
	Value Expr
	Span  Span
}

type EmptyStmt struct{ Span Span }

func (s *BlockStmt) Pos() Span    { return s.Span }
func (s *DeclStmt) Pos() Span     { return s.Span }
func (s *ExprStmt) Pos() Span     { return s.Span }
func (s *IfStmt) Pos() Span       { return s.Span }
func (s *ForStmt) Pos() Span      { return s.Span }
func (s *WhileStmt) Pos() Span    { return s.Span }
func (s *DoWhileStmt) Pos() Span  { return s.Span }
func (s *BreakStmt) Pos() Span    { return s.Span }
func (s *ContinueStmt) Pos() Span { return s.Span }
func (s *ReturnStmt) Pos() Span   { return s.Span }
func (s *EmptyStmt) Pos() Span    { return s.Span }

func (*BlockStmt) stmtNode()    {}
func (*DeclStmt) stmtNode()     {}
func (*ExprStmt) stmtNode()     {}
func (*IfStmt) stmtNode()       {}
func (*ForStmt) stmtNode()      {}
func (*WhileStmt) stmtNode()    {}
func (*DoWhileStmt) stmtNode()  {}
func (*BreakStmt) stmtNode()    {}
func (*ContinueStmt) stmtNode() {}
func (*ReturnStmt) stmtNode()   {}
func (*EmptyStmt) stmtNode()    {}

// Literal is a numeric, character or boolean literal.
type Literal struct {
	Kind  TokenKind
	Value string
	Span  Span
}

// Ident names a variable or function.
type Ident struct {
	Name string
	Span Span
}

// BinaryExpr applies a binary operator, including && and ||.
type BinaryExpr struct {
	Op    TokenKind
	Left  Expr
	Right Expr
	Span  Span
}

// AssignExpr is = or a compound assignment.
type AssignExpr struct {
	Op     TokenKind
	Target Expr
	Value  Expr
	Span   Span
}

// UnaryExpr is -x, +x, !x, ~x, &x or *x.
type UnaryExpr struct {
	Op      TokenKind
	Operand Expr
	Span    Span
}

// IncDecExpr is ++ or -- in prefix or postfix position.
type IncDecExpr struct {
	Op      TokenKind
	Operand Expr
	Postfix bool
	Span    Span
}

// CondExpr is c ? a : b.
type CondExpr struct {
	Cond Expr
	Then Expr
	Else Expr
	Span Span
}

// CallExpr calls a function or builtin by name.
type CallExpr struct {
	Func *Ident
	Args []Expr
	Span Span
}

// IndexExpr is a[i].
type IndexExpr struct {
	Expr  Expr
	Index Expr
	Span  Span
}

// CastExpr is (T)x.
type CastExpr struct {
	Type CType
	Expr Expr
	Span Span
}

// SizeofExpr is sizeof(T).
type SizeofExpr struct {
	Type CType
	Span Span
}

// InitList is a braced initializer.
type InitList struct {
	Elems []Expr
	Span  Span
}

func (e *Literal) Pos() Span    { return e.Span }
func (e *Ident) Pos() Span      { return e.Span }
func (e *BinaryExpr) Pos() Span { return e.Span }
func (e *AssignExpr) Pos() Span { return e.Span }
func (e *UnaryExpr) Pos() Span  { return e.Span }
func (e *IncDecExpr) Pos() Span { return e.Span }
func (e *CondExpr) Pos() Span   { return e.Span }
func (e *CallExpr) Pos() Span   { return e.Span }
func (e *IndexExpr) Pos() Span  { return e.Span }
func (e *CastExpr) Pos() Span   { return e.Span }
func (e *SizeofExpr) Pos() Span { return e.Span }
func (e *InitList) Pos() Span   { return e.Span }

func (*Literal) exprNode()    {}
func (*Ident) exprNode()      {}
func (*BinaryExpr) exprNode() {}
func (*AssignExpr) exprNode() {}
func (*UnaryExpr) exprNode()  {}
func (*IncDecExpr) exprNode() {}
func (*CondExpr) exprNode()   {}
func (*CallExpr) exprNode()   {}
func (*IndexExpr) exprNode()  {}
func (*CastExpr) exprNode()   {}
func (*SizeofExpr) exprNode() {}
func (*InitList) exprNode()   {}
