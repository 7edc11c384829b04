package parser

import (
	"fmt"
	"strconv"

	"shadowthirst/internal/lexer"
	"shadowthirst/internal/plane"
)

// ParseError is a fatal grammar violation with source position. The
// parser does not attempt recovery: the first error aborts compilation
// and no partial AST is returned.
type ParseError struct {
	Message string
	Line    int
	Column  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s at line %d, column %d", e.Message, e.Line, e.Column)
}

type Parser struct {
	tokens  []lexer.Token
	current int
}

func NewParser(tokens []lexer.Token) *Parser {
	return &Parser{tokens: tokens}
}

// Parse builds the program AST. Only function declarations are legal
// at the top level.
func (p *Parser) Parse() (prog *Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			if pe, ok := r.(*ParseError); ok {
				prog, err = nil, pe
				return
			}
			panic(r)
		}
	}()

	prog = &Program{}
	for !p.isAtEnd() {
		if p.check(lexer.TokenFn) {
			prog.Functions = append(prog.Functions, p.function())
		} else {
			p.fail("expected function declaration", p.peek())
		}
	}
	return prog, nil
}

func (p *Parser) function() *FunctionDecl {
	start := p.consume(lexer.TokenFn, "expected 'fn'")
	name := p.consume(lexer.TokenIdent, "expected function name")

	p.consume(lexer.TokenLParen, "expected '(' after function name")
	params := p.parameterList()
	p.consume(lexer.TokenRParen, "expected ')' after parameters")

	fn := &FunctionDecl{
		Name:   name.Lexeme,
		Params: params,
		Line:   start.Line,
		Column: start.Column,
	}

	if p.match(lexer.TokenArrow) {
		fn.ReturnType = p.typeAnnotation()
	}

	p.consume(lexer.TokenLBrace, "expected '{' to start function body")

	for !p.check(lexer.TokenRBrace) && !p.isAtEnd() {
		switch {
		case p.check(lexer.TokenPrimary):
			if fn.Primary != nil {
				p.fail("duplicate primary block", p.peek())
			}
			fn.Primary = p.planeBlock(lexer.TokenPrimary)
		case p.check(lexer.TokenShadow):
			if fn.Shadow != nil {
				p.fail("duplicate shadow block", p.peek())
			}
			fn.Shadow = p.planeBlock(lexer.TokenShadow)
		case p.check(lexer.TokenInvariant):
			if fn.Invariants != nil {
				p.fail("duplicate invariant block", p.peek())
			}
			fn.Invariants = p.invariantBlock()
		case p.match(lexer.TokenActivateIf):
			if fn.ActivateIf != nil {
				p.fail("duplicate activate_if clause", p.previous())
			}
			fn.ActivateIf = p.expression()
		case p.check(lexer.TokenDivergence):
			if fn.Divergence.Kind != plane.PolicyNone {
				p.fail("duplicate divergence clause", p.peek())
			}
			fn.Divergence = p.divergencePolicy()
		case p.check(lexer.TokenMutation):
			if fn.Mutation != plane.BoundaryNone {
				p.fail("duplicate mutation clause", p.peek())
			}
			fn.Mutation = p.mutationBoundary()
		default:
			p.fail(fmt.Sprintf("unexpected token %s in function body", p.peek().Type), p.peek())
		}
	}

	p.consume(lexer.TokenRBrace, "expected '}' to end function body")

	if fn.Primary == nil {
		p.fail(fmt.Sprintf("function %q has no primary block", fn.Name), start)
	}
	return fn
}

func (p *Parser) parameterList() []Param {
	var params []Param
	if p.check(lexer.TokenRParen) {
		return params
	}
	for {
		name := p.consume(lexer.TokenIdent, "expected parameter name")
		param := Param{Name: name.Lexeme, Line: name.Line}
		if p.match(lexer.TokenColon) {
			param.Type = p.typeAnnotation()
		}
		params = append(params, param)
		if !p.match(lexer.TokenComma) {
			break
		}
	}
	return params
}

func (p *Parser) typeAnnotation() *TypeAnnotation {
	qualifier := plane.QualNone
	switch {
	case p.match(lexer.TokenQualCanonical):
		qualifier = plane.QualCanonical
	case p.match(lexer.TokenQualShadow):
		qualifier = plane.QualShadow
	case p.match(lexer.TokenQualEphemeral):
		qualifier = plane.QualEphemeral
	case p.match(lexer.TokenQualDual):
		qualifier = plane.QualDual
	}

	// A bare qualifier (Canonical<Integer>) still needs the base type;
	// a qualifier followed by '<' wraps it.
	if qualifier != plane.QualNone {
		if p.match(lexer.TokenLT) {
			inner := p.typeAnnotation()
			p.consume(lexer.TokenGT, "expected '>' after type parameter")
			inner.Qualifier = qualifier
			return inner
		}
		// Qualifier used as the type itself (e.g. parameter: Canonical).
		return &TypeAnnotation{Name: "Any", Qualifier: qualifier}
	}

	name := p.consume(lexer.TokenTypeIdent, "expected type name")
	ann := &TypeAnnotation{Name: name.Lexeme}
	if p.match(lexer.TokenLT) {
		for {
			ann.Params = append(ann.Params, p.typeAnnotation())
			if !p.match(lexer.TokenComma) {
				break
			}
		}
		p.consume(lexer.TokenGT, "expected '>' after type parameters")
	}
	return ann
}

func (p *Parser) planeBlock(kw lexer.TokenType) []Stmt {
	p.consume(kw, "expected block keyword")
	p.consume(lexer.TokenLBrace, "expected '{' after block keyword")
	stmts := p.blockStatements()
	p.consume(lexer.TokenRBrace, "expected '}' to end block")
	if stmts == nil {
		stmts = []Stmt{}
	}
	return stmts
}

func (p *Parser) invariantBlock() []Expr {
	p.consume(lexer.TokenInvariant, "expected 'invariant'")
	p.consume(lexer.TokenLBrace, "expected '{' after 'invariant'")

	var conditions []Expr
	for !p.check(lexer.TokenRBrace) && !p.isAtEnd() {
		conditions = append(conditions, p.expression())
		// Conditions may optionally be joined with &&.
		p.match(lexer.TokenAnd)
	}
	p.consume(lexer.TokenRBrace, "expected '}' to end invariant block")
	if conditions == nil {
		conditions = []Expr{}
	}
	return conditions
}

func (p *Parser) divergencePolicy() plane.DivergencePolicy {
	p.consume(lexer.TokenDivergence, "expected 'divergence'")

	switch {
	case p.match(lexer.TokenRequireIdentical):
		return plane.DivergencePolicy{Kind: plane.PolicyRequireIdentical}
	case p.match(lexer.TokenAllowEpsilon):
		p.consume(lexer.TokenLParen, "expected '(' after 'allow_epsilon'")
		tok := p.advance()
		if tok.Type != lexer.TokenFloat && tok.Type != lexer.TokenInt {
			p.fail("expected numeric epsilon value", tok)
		}
		eps, err := strconv.ParseFloat(tok.Lexeme, 64)
		if err != nil {
			p.fail("invalid epsilon value", tok)
		}
		p.consume(lexer.TokenRParen, "expected ')' after epsilon value")
		return plane.DivergencePolicy{Kind: plane.PolicyAllowEpsilon, Epsilon: eps}
	case p.match(lexer.TokenLogDivergence):
		return plane.DivergencePolicy{Kind: plane.PolicyLogDivergence}
	case p.match(lexer.TokenQuarantineOnDiverge):
		return plane.DivergencePolicy{Kind: plane.PolicyQuarantineOnDiverge}
	case p.match(lexer.TokenFailPrimary):
		return plane.DivergencePolicy{Kind: plane.PolicyFailPrimary}
	}
	p.fail("expected divergence policy", p.peek())
	return plane.DivergencePolicy{}
}

func (p *Parser) mutationBoundary() plane.Boundary {
	p.consume(lexer.TokenMutation, "expected 'mutation'")

	switch {
	case p.match(lexer.TokenReadOnly):
		return plane.BoundaryReadOnly
	case p.match(lexer.TokenEphemeralOnly):
		return plane.BoundaryEphemeralOnly
	case p.match(lexer.TokenShadowStateOnly):
		return plane.BoundaryShadowStateOnly
	case p.match(lexer.TokenValidatedCanonical):
		return plane.BoundaryValidatedCanonical
	case p.match(lexer.TokenEmergencyOverride):
		return plane.BoundaryEmergencyOverride
	}
	p.fail("expected mutation boundary", p.peek())
	return plane.BoundaryNone
}

func (p *Parser) blockStatements() []Stmt {
	var stmts []Stmt
	for !p.check(lexer.TokenRBrace) && !p.isAtEnd() {
		stmts = append(stmts, p.statement())
	}
	return stmts
}

func (p *Parser) statement() Stmt {
	if p.check(lexer.TokenDrink) {
		return p.declStatement()
	}
	if p.match(lexer.TokenPour) {
		tok := p.previous()
		return &PourStmt{Expr: p.expression(), Line: tok.Line}
	}
	if p.match(lexer.TokenSip) {
		tok := p.previous()
		name := p.consume(lexer.TokenIdent, "expected variable name after 'sip'")
		return &SipStmt{Name: name.Lexeme, Line: tok.Line}
	}
	if p.match(lexer.TokenReturn) {
		tok := p.previous()
		var value Expr
		if !p.check(lexer.TokenRBrace) && !p.isAtEnd() {
			value = p.expression()
		}
		return &ReturnStmt{Value: value, Line: tok.Line}
	}
	if p.match(lexer.TokenIf) {
		return p.ifStatement()
	}

	// Assignment needs one token of lookahead past the identifier.
	if p.check(lexer.TokenIdent) {
		saved := p.current
		name := p.advance()
		if p.match(lexer.TokenEqual) {
			return &AssignStmt{Name: name.Lexeme, Value: p.expression(), Line: name.Line}
		}
		p.current = saved
	}

	return &ExpressionStmt{Expr: p.expression()}
}

func (p *Parser) declStatement() Stmt {
	p.consume(lexer.TokenDrink, "expected 'drink'")
	name := p.consume(lexer.TokenIdent, "expected variable name")

	decl := &DeclStmt{Name: name.Lexeme, Line: name.Line}
	if p.match(lexer.TokenColon) {
		decl.Type = p.typeAnnotation()
	}
	if p.match(lexer.TokenEqual) {
		decl.Init = p.expression()
	}
	return decl
}

func (p *Parser) ifStatement() Stmt {
	tok := p.previous()
	cond := p.expression()
	p.consume(lexer.TokenLBrace, "expected '{' before if body")
	then := p.blockStatements()
	p.consume(lexer.TokenRBrace, "expected '}' after if body")

	var elseBranch []Stmt
	if p.match(lexer.TokenElse) {
		if p.match(lexer.TokenIf) {
			elseBranch = []Stmt{p.ifStatement()}
		} else {
			p.consume(lexer.TokenLBrace, "expected '{' before else body")
			elseBranch = p.blockStatements()
			p.consume(lexer.TokenRBrace, "expected '}' after else body")
		}
	}
	return &IfStmt{Cond: cond, Then: then, Else: elseBranch, Line: tok.Line}
}

// Expression parsing, lowest precedence first.

func (p *Parser) expression() Expr {
	return p.logicalOr()
}

func (p *Parser) logicalOr() Expr {
	left := p.logicalAnd()
	for p.match(lexer.TokenOr) {
		left = &Binary{Left: left, Operator: "||", Right: p.logicalAnd()}
	}
	return left
}

func (p *Parser) logicalAnd() Expr {
	left := p.equality()
	for p.match(lexer.TokenAnd) {
		left = &Binary{Left: left, Operator: "&&", Right: p.equality()}
	}
	return left
}

func (p *Parser) equality() Expr {
	left := p.comparison()
	for p.match(lexer.TokenDoubleEqual, lexer.TokenNotEqual) {
		op := p.previous().Lexeme
		left = &Binary{Left: left, Operator: op, Right: p.comparison()}
	}
	return left
}

func (p *Parser) comparison() Expr {
	left := p.addition()
	for p.match(lexer.TokenLT, lexer.TokenLE, lexer.TokenGT, lexer.TokenGE) {
		op := p.previous().Lexeme
		left = &Binary{Left: left, Operator: op, Right: p.addition()}
	}
	return left
}

func (p *Parser) addition() Expr {
	left := p.multiplication()
	for p.match(lexer.TokenPlus, lexer.TokenMinus) {
		op := p.previous().Lexeme
		left = &Binary{Left: left, Operator: op, Right: p.multiplication()}
	}
	return left
}

func (p *Parser) multiplication() Expr {
	left := p.unary()
	for p.match(lexer.TokenStar, lexer.TokenSlash) {
		op := p.previous().Lexeme
		left = &Binary{Left: left, Operator: op, Right: p.unary()}
	}
	return left
}

func (p *Parser) unary() Expr {
	if p.match(lexer.TokenNot, lexer.TokenMinus) {
		op := p.previous().Lexeme
		return &Unary{Operator: op, Operand: p.unary()}
	}
	return p.postfix()
}

func (p *Parser) postfix() Expr {
	expr := p.primaryExpr()
	for {
		if p.match(lexer.TokenDot) {
			name := p.consume(lexer.TokenIdent, "expected member name after '.'")
			expr = &MemberExpr{Object: expr, Name: name.Lexeme}
			continue
		}
		if p.match(lexer.TokenLParen) {
			v, ok := expr.(*Variable)
			if !ok {
				p.fail("invalid call target", p.previous())
			}
			args := p.argumentList()
			p.consume(lexer.TokenRParen, "expected ')' after arguments")
			expr = &CallExpr{Callee: v.Name, Args: args}
			continue
		}
		break
	}
	return expr
}

func (p *Parser) argumentList() []Expr {
	var args []Expr
	if p.check(lexer.TokenRParen) {
		return args
	}
	for {
		args = append(args, p.expression())
		if !p.match(lexer.TokenComma) {
			break
		}
	}
	return args
}

func (p *Parser) primaryExpr() Expr {
	if p.match(lexer.TokenInt) {
		n, err := strconv.ParseInt(p.previous().Lexeme, 10, 64)
		if err != nil {
			p.fail("invalid integer literal", p.previous())
		}
		return &Literal{Value: n}
	}
	if p.match(lexer.TokenFloat) {
		f, err := strconv.ParseFloat(p.previous().Lexeme, 64)
		if err != nil {
			p.fail("invalid float literal", p.previous())
		}
		return &Literal{Value: f}
	}
	if p.match(lexer.TokenString) {
		return &Literal{Value: p.previous().Lexeme}
	}
	if p.match(lexer.TokenTrue) {
		return &Literal{Value: true}
	}
	if p.match(lexer.TokenFalse) {
		return &Literal{Value: false}
	}
	if p.match(lexer.TokenIdent) {
		return &Variable{Name: p.previous().Lexeme}
	}
	// Invariant conditions compare the two plane results by name.
	if p.match(lexer.TokenPrimary) {
		return &Variable{Name: "primary"}
	}
	if p.match(lexer.TokenShadow) {
		return &Variable{Name: "shadow"}
	}
	if p.match(lexer.TokenLParen) {
		expr := p.expression()
		p.consume(lexer.TokenRParen, "expected ')' after expression")
		return expr
	}

	p.fail(fmt.Sprintf("unexpected token %s", p.peek().Type), p.peek())
	return nil
}

// Helpers.

func (p *Parser) match(types ...lexer.TokenType) bool {
	for _, tt := range types {
		if p.check(tt) {
			p.advance()
			return true
		}
	}
	return false
}

func (p *Parser) check(tt lexer.TokenType) bool {
	if p.isAtEnd() {
		return false
	}
	return p.peek().Type == tt
}

func (p *Parser) advance() lexer.Token {
	if !p.isAtEnd() {
		p.current++
	}
	return p.previous()
}

func (p *Parser) isAtEnd() bool {
	return p.peek().Type == lexer.TokenEOF
}

func (p *Parser) peek() lexer.Token {
	return p.tokens[p.current]
}

func (p *Parser) previous() lexer.Token {
	return p.tokens[p.current-1]
}

func (p *Parser) consume(tt lexer.TokenType, message string) lexer.Token {
	if p.check(tt) {
		return p.advance()
	}
	p.fail(message, p.peek())
	return lexer.Token{}
}

func (p *Parser) fail(message string, tok lexer.Token) {
	panic(&ParseError{Message: message, Line: tok.Line, Column: tok.Column})
}

// Parse tokenizes nothing; it consumes an already-scanned token stream.
func Parse(tokens []lexer.Token) (*Program, error) {
	return NewParser(tokens).Parse()
}
