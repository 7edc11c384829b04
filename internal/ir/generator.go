package ir

import (
	"fmt"

	"shadowthirst/internal/parser"
	"shadowthirst/internal/plane"
)

// Generator lowers a parsed program into dual-plane IR. Generation is
// total: the parser guarantees the AST shape, so an unknown node or
// operator here is a bug and panics.
type Generator struct {
	builder *Builder
	program *Program

	// Block list the current plane's blocks are appended to.
	blocks *[]*BasicBlock
}

func NewGenerator() *Generator {
	return &Generator{builder: NewBuilder()}
}

// Generate lowers every function in the program.
func Generate(prog *parser.Program) *Program {
	return NewGenerator().Generate(prog)
}

func (g *Generator) Generate(prog *parser.Program) *Program {
	g.program = NewProgram()
	for _, fn := range prog.Functions {
		g.program.Functions = append(g.program.Functions, g.lowerFunction(fn))
	}
	return g.program
}

func (g *Generator) lowerFunction(decl *parser.FunctionDecl) *Function {
	returnType := ""
	if decl.ReturnType != nil {
		returnType = decl.ReturnType.Name
	}
	fn := g.builder.NewFunction(decl.Name, returnType)
	fn.HasShadow = decl.HasShadow()
	fn.HasInvariants = decl.HasInvariants()
	fn.Divergence = decl.Divergence
	fn.Mutation = decl.Mutation

	for _, p := range decl.Params {
		qualifier := plane.QualCanonical
		typeName := ""
		if p.Type != nil {
			typeName = p.Type.Name
			if p.Type.Qualifier != plane.QualNone {
				qualifier = p.Type.Qualifier
			}
		}
		g.builder.AddVariable(p.Name, qualifier, typeName, true)
	}

	// Primary plane. A validated_canonical function enters through
	// the constitutional gate before any of its writes run.
	g.builder.SetPlane(plane.Primary)
	g.blocks = &fn.PrimaryBlocks
	g.startBlock(plane.Primary)
	if decl.Mutation == plane.BoundaryValidatedCanonical {
		g.builder.Emit(OpValidateAndCommit)
	}
	for _, stmt := range decl.Primary {
		stmt.Accept(g)
	}

	// Shadow plane: the activation predicate lowers into its own block
	// list and runs ahead of the shadow body.
	if decl.HasShadow() {
		g.builder.SetPlane(plane.Shadow)

		g.blocks = &fn.ActivationBlocks
		g.startBlock(plane.Shadow)
		if decl.ActivateIf != nil {
			decl.ActivateIf.Accept(g)
		} else {
			g.builder.Emit(OpPush, true)
		}
		g.builder.Emit(OpActivateShadow)

		g.blocks = &fn.ShadowBlocks
		g.startBlock(plane.Shadow)
		for _, stmt := range decl.Shadow {
			stmt.Accept(g)
		}
	}

	// Invariant plane: one condition per CHECK_INVARIANT.
	if decl.HasInvariants() {
		g.builder.SetPlane(plane.Invariant)
		g.blocks = &fn.InvariantBlocks
		g.startBlock(plane.Invariant)
		for i, cond := range decl.Invariants {
			cond.Accept(g)
			g.builder.Emit(OpCheckInvariant, int64(i))
		}
	}

	return fn
}

func (g *Generator) startBlock(pl plane.Plane) *BasicBlock {
	block := g.builder.NewBlock(pl)
	*g.blocks = append(*g.blocks, block)
	return block
}

// qualifierFor resolves the declared qualifier of a variable, applying
// the plane default when the declaration carries none: primary-plane
// locals default to ephemeral, shadow-plane locals to shadow.
func (g *Generator) qualifierFor(ann *parser.TypeAnnotation) plane.Qualifier {
	if ann != nil && ann.Qualifier != plane.QualNone {
		return ann.Qualifier
	}
	if g.builder.CurrentPlane == plane.Shadow {
		return plane.QualShadow
	}
	return plane.QualEphemeral
}

// declareIfUnknown registers a variable on first write so every
// STORE_VAR can carry its qualifier.
func (g *Generator) declareIfUnknown(name string, ann *parser.TypeAnnotation) plane.Qualifier {
	if v, ok := g.builder.Function.Lookup(name); ok {
		return v.Qualifier
	}
	qualifier := g.qualifierFor(ann)
	typeName := ""
	if ann != nil {
		typeName = ann.Name
	}
	g.builder.AddVariable(name, qualifier, typeName, false)
	return qualifier
}

// Statement lowering.

func (g *Generator) VisitDeclStmt(stmt *parser.DeclStmt) interface{} {
	qualifier := g.declareIfUnknown(stmt.Name, stmt.Type)
	if stmt.Init != nil {
		stmt.Init.Accept(g)
	} else {
		g.builder.EmitAt(OpPush, stmt.Line, 0, nil)
	}
	g.builder.EmitAt(OpStoreVar, stmt.Line, 0, stmt.Name, string(qualifier))
	return nil
}

func (g *Generator) VisitAssignStmt(stmt *parser.AssignStmt) interface{} {
	qualifier := g.declareIfUnknown(stmt.Name, nil)
	stmt.Value.Accept(g)
	g.builder.EmitAt(OpStoreVar, stmt.Line, 0, stmt.Name, string(qualifier))
	return nil
}

func (g *Generator) VisitPourStmt(stmt *parser.PourStmt) interface{} {
	stmt.Expr.Accept(g)
	g.builder.EmitAt(OpOutput, stmt.Line, 0)
	return nil
}

func (g *Generator) VisitSipStmt(stmt *parser.SipStmt) interface{} {
	qualifier := g.declareIfUnknown(stmt.Name, nil)
	g.builder.EmitAt(OpInput, stmt.Line, 0)
	g.builder.EmitAt(OpStoreVar, stmt.Line, 0, stmt.Name, string(qualifier))
	return nil
}

func (g *Generator) VisitReturnStmt(stmt *parser.ReturnStmt) interface{} {
	if stmt.Value != nil {
		stmt.Value.Accept(g)
	} else {
		g.builder.EmitAt(OpPush, stmt.Line, 0, nil)
	}
	g.builder.EmitAt(OpReturn, stmt.Line, 0)
	return nil
}

// VisitIfStmt lowers a conditional into then/else/merge basic blocks.
// Jump operands are block IDs; the bytecode generator rewrites them to
// instruction indices when it flattens the block list.
func (g *Generator) VisitIfStmt(stmt *parser.IfStmt) interface{} {
	pl := g.builder.CurrentPlane

	stmt.Cond.Accept(g)
	condBlock := g.builder.CurrentBlock

	thenBlock := g.startBlock(pl)
	for _, s := range stmt.Then {
		s.Accept(g)
	}
	thenEnd := g.builder.CurrentBlock

	var elseBlock, elseEnd *BasicBlock
	if stmt.Else != nil {
		elseBlock = g.startBlock(pl)
		for _, s := range stmt.Else {
			s.Accept(g)
		}
		elseEnd = g.builder.CurrentBlock
	}

	mergeBlock := g.startBlock(pl)

	jumpTarget := mergeBlock.ID
	if elseBlock != nil {
		jumpTarget = elseBlock.ID
	}
	condBlock.Instructions = append(condBlock.Instructions, Instruction{
		Op: OpJumpIfFalse, Plane: pl, Operands: []interface{}{int64(jumpTarget)}, Line: stmt.Line,
	})
	condBlock.Successors = append(condBlock.Successors, thenBlock.ID, jumpTarget)

	thenEnd.Instructions = append(thenEnd.Instructions, Instruction{
		Op: OpJump, Plane: pl, Operands: []interface{}{int64(mergeBlock.ID)}, Line: stmt.Line,
	})
	thenEnd.Successors = append(thenEnd.Successors, mergeBlock.ID)

	if elseEnd != nil {
		elseEnd.Instructions = append(elseEnd.Instructions, Instruction{
			Op: OpJump, Plane: pl, Operands: []interface{}{int64(mergeBlock.ID)}, Line: stmt.Line,
		})
		elseEnd.Successors = append(elseEnd.Successors, mergeBlock.ID)
	}

	mergeBlock.Predecessors = append(mergeBlock.Predecessors, thenEnd.ID)
	if elseEnd != nil {
		mergeBlock.Predecessors = append(mergeBlock.Predecessors, elseEnd.ID)
	}
	return nil
}

func (g *Generator) VisitExpressionStmt(stmt *parser.ExpressionStmt) interface{} {
	stmt.Expr.Accept(g)
	g.builder.Emit(OpPop)
	return nil
}

// Expression lowering.

func (g *Generator) VisitLiteralExpr(expr *parser.Literal) interface{} {
	g.builder.Emit(OpLoadConst, expr.Value)
	return nil
}

func (g *Generator) VisitVariableExpr(expr *parser.Variable) interface{} {
	if idx := g.builder.Function.ParamIndex(expr.Name); idx >= 0 {
		// The name rides along so the VM can resolve a reassigned
		// parameter through locals first, the way LOAD_VAR does.
		g.builder.Emit(OpLoadParam, int64(idx), expr.Name)
	} else {
		g.builder.Emit(OpLoadVar, expr.Name)
	}
	return nil
}

var binaryOps = map[string]Opcode{
	"+":  OpAdd,
	"-":  OpSub,
	"*":  OpMul,
	"/":  OpDiv,
	"&&": OpAnd,
	"||": OpOr,
	"==": OpEq,
	"!=": OpNe,
	"<":  OpLt,
	"<=": OpLe,
	">":  OpGt,
	">=": OpGe,
}

func (g *Generator) VisitBinaryExpr(expr *parser.Binary) interface{} {
	expr.Left.Accept(g)
	expr.Right.Accept(g)
	op, ok := binaryOps[expr.Operator]
	if !ok {
		panic(fmt.Sprintf("ir: unknown binary operator %q", expr.Operator))
	}
	g.builder.Emit(op)
	return nil
}

func (g *Generator) VisitUnaryExpr(expr *parser.Unary) interface{} {
	expr.Operand.Accept(g)
	switch expr.Operator {
	case "-":
		g.builder.Emit(OpNeg)
	case "!":
		g.builder.Emit(OpNot)
	default:
		panic(fmt.Sprintf("ir: unknown unary operator %q", expr.Operator))
	}
	return nil
}

// Sealed sources are builtins, not user functions. They lower to
// dedicated opcodes so the determinism analyzer can tell them apart
// from ordinary calls.
var sealedBuiltins = map[string]Opcode{
	"sealed_read":   OpSealedRead,
	"sealed_random": OpSealedRandom,
	"sealed_clock":  OpSealedClock,
	"now":           OpClockRead,
}

func (g *Generator) VisitCallExpr(expr *parser.CallExpr) interface{} {
	for _, arg := range expr.Args {
		arg.Accept(g)
	}
	if op, ok := sealedBuiltins[expr.Callee]; ok {
		g.builder.Emit(op)
		return nil
	}
	g.builder.Emit(OpCall, expr.Callee, int64(len(expr.Args)))
	return nil
}

// Member access flattens to a dotted variable load; invariant contexts
// bind names like primary and shadow directly, so chains off anything
// but a plain variable are unsupported.
func (g *Generator) VisitMemberExpr(expr *parser.MemberExpr) interface{} {
	base, ok := expr.Object.(*parser.Variable)
	if !ok {
		panic("ir: member access requires a variable base")
	}
	g.builder.Emit(OpLoadVar, base.Name+"."+expr.Name)
	return nil
}
