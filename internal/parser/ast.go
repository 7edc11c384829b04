package parser

import "shadowthirst/internal/plane"

type Expr interface {
	Accept(visitor ExprVisitor) interface{}
}

type ExprVisitor interface {
	VisitLiteralExpr(expr *Literal) interface{}
	VisitVariableExpr(expr *Variable) interface{}
	VisitBinaryExpr(expr *Binary) interface{}
	VisitUnaryExpr(expr *Unary) interface{}
	VisitCallExpr(expr *CallExpr) interface{}
	VisitMemberExpr(expr *MemberExpr) interface{}
}

// Literal expression: 42, 3.14, "text", true
type Literal struct {
	Value interface{}
}

func (l *Literal) Accept(visitor ExprVisitor) interface{} {
	return visitor.VisitLiteralExpr(l)
}

// Variable expression: x
type Variable struct {
	Name string
}

func (v *Variable) Accept(visitor ExprVisitor) interface{} {
	return visitor.VisitVariableExpr(v)
}

// Binary expression: a + b
type Binary struct {
	Left     Expr
	Operator string
	Right    Expr
}

func (b *Binary) Accept(visitor ExprVisitor) interface{} {
	return visitor.VisitBinaryExpr(b)
}

// Unary expression: !x, -x
type Unary struct {
	Operator string
	Operand  Expr
}

func (u *Unary) Accept(visitor ExprVisitor) interface{} {
	return visitor.VisitUnaryExpr(u)
}

// Call expression: callee(args...)
type CallExpr struct {
	Callee string
	Args   []Expr
}

func (c *CallExpr) Accept(visitor ExprVisitor) interface{} {
	return visitor.VisitCallExpr(c)
}

// Member access: object.name
type MemberExpr struct {
	Object Expr
	Name   string
}

func (m *MemberExpr) Accept(visitor ExprVisitor) interface{} {
	return visitor.VisitMemberExpr(m)
}

type Stmt interface {
	Accept(visitor StmtVisitor) interface{}
}

type StmtVisitor interface {
	VisitDeclStmt(stmt *DeclStmt) interface{}
	VisitAssignStmt(stmt *AssignStmt) interface{}
	VisitPourStmt(stmt *PourStmt) interface{}
	VisitSipStmt(stmt *SipStmt) interface{}
	VisitReturnStmt(stmt *ReturnStmt) interface{}
	VisitIfStmt(stmt *IfStmt) interface{}
	VisitExpressionStmt(stmt *ExpressionStmt) interface{}
}

// Variable declaration: drink x: Canonical<Integer> = expr
type DeclStmt struct {
	Name string
	Type *TypeAnnotation
	Init Expr
	Line int
}

func (d *DeclStmt) Accept(visitor StmtVisitor) interface{} {
	return visitor.VisitDeclStmt(d)
}

// Assignment: x = expr
type AssignStmt struct {
	Name  string
	Value Expr
	Line  int
}

func (a *AssignStmt) Accept(visitor StmtVisitor) interface{} {
	return visitor.VisitAssignStmt(a)
}

// Output: pour expr
type PourStmt struct {
	Expr Expr
	Line int
}

func (p *PourStmt) Accept(visitor StmtVisitor) interface{} {
	return visitor.VisitPourStmt(p)
}

// Input: sip x
type SipStmt struct {
	Name string
	Line int
}

func (s *SipStmt) Accept(visitor StmtVisitor) interface{} {
	return visitor.VisitSipStmt(s)
}

type ReturnStmt struct {
	Value Expr
	Line  int
}

func (r *ReturnStmt) Accept(visitor StmtVisitor) interface{} {
	return visitor.VisitReturnStmt(r)
}

type IfStmt struct {
	Cond Expr
	Then []Stmt
	Else []Stmt
	Line int
}

func (i *IfStmt) Accept(visitor StmtVisitor) interface{} {
	return visitor.VisitIfStmt(i)
}

type ExpressionStmt struct {
	Expr Expr
}

func (e *ExpressionStmt) Accept(visitor StmtVisitor) interface{} {
	return visitor.VisitExpressionStmt(e)
}

// TypeAnnotation is a base type name with an optional plane qualifier
// and type parameters: Canonical<Integer>, Map<String, Float>.
type TypeAnnotation struct {
	Name      string
	Qualifier plane.Qualifier
	Params    []*TypeAnnotation
}

type Param struct {
	Name string
	Type *TypeAnnotation
	Line int
}

// FunctionDecl is a full dual-plane function declaration.
type FunctionDecl struct {
	Name       string
	Params     []Param
	ReturnType *TypeAnnotation

	Primary    []Stmt
	Shadow     []Stmt // nil when no shadow block
	ActivateIf Expr   // nil when no activation predicate
	Invariants []Expr

	Divergence plane.DivergencePolicy
	Mutation   plane.Boundary

	Line   int
	Column int
}

// HasShadow reports whether the function declares a shadow block.
func (f *FunctionDecl) HasShadow() bool { return f.Shadow != nil }

// HasInvariants reports whether the function declares invariants.
func (f *FunctionDecl) HasInvariants() bool { return len(f.Invariants) > 0 }

type Program struct {
	Functions []*FunctionDecl
}

// Function returns the named function, or nil.
func (p *Program) Function(name string) *FunctionDecl {
	for _, f := range p.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}
