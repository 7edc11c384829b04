package ir

import (
	"fmt"
	"strings"

	"shadowthirst/internal/plane"
)

// Opcode is the closed set of IR instruction opcodes.
type Opcode byte

const (
	// Stack operations
	OpPush Opcode = iota
	OpPop
	OpDup
	OpSwap

	// Memory operations
	OpLoadVar
	OpStoreVar
	OpLoadConst
	OpLoadParam

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg

	// Logic
	OpAnd
	OpOr
	OpNot

	// Comparison
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	// Control flow
	OpJump
	OpJumpIfFalse
	OpReturn
	OpCall

	// I/O
	OpOutput
	OpInput

	// Sealed sources
	OpSealedRead
	OpSealedRandom
	OpSealedClock
	OpClockRead

	// Shadow operations
	OpActivateShadow
	OpCheckInvariant
	OpRecordDivergence
	OpCommitPrimary
	OpQuarantine

	// Constitutional operations
	OpValidateAndCommit
	OpSealAudit
)

var opcodeNames = map[Opcode]string{
	OpPush:              "PUSH",
	OpPop:               "POP",
	OpDup:               "DUP",
	OpSwap:              "SWAP",
	OpLoadVar:           "LOAD_VAR",
	OpStoreVar:          "STORE_VAR",
	OpLoadConst:         "LOAD_CONST",
	OpLoadParam:         "LOAD_PARAM",
	OpAdd:               "ADD",
	OpSub:               "SUB",
	OpMul:               "MUL",
	OpDiv:               "DIV",
	OpNeg:               "NEG",
	OpAnd:               "AND",
	OpOr:                "OR",
	OpNot:               "NOT",
	OpEq:                "EQ",
	OpNe:                "NE",
	OpLt:                "LT",
	OpLe:                "LE",
	OpGt:                "GT",
	OpGe:                "GE",
	OpJump:              "JUMP",
	OpJumpIfFalse:       "JUMP_IF_FALSE",
	OpReturn:            "RETURN",
	OpCall:              "CALL",
	OpOutput:            "OUTPUT",
	OpInput:             "INPUT",
	OpSealedRead:        "SEALED_READ",
	OpSealedRandom:      "SEALED_RANDOM",
	OpSealedClock:       "SEALED_CLOCK",
	OpClockRead:         "CLOCK_READ",
	OpActivateShadow:    "ACTIVATE_SHADOW",
	OpCheckInvariant:    "CHECK_INVARIANT",
	OpRecordDivergence:  "RECORD_DIVERGENCE",
	OpCommitPrimary:     "COMMIT_PRIMARY",
	OpQuarantine:        "QUARANTINE",
	OpValidateAndCommit: "VALIDATE_AND_COMMIT",
	OpSealAudit:         "SEAL_AUDIT",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", byte(op))
}

// HasSideEffects reports whether instances of this opcode must survive
// dead-code elimination.
func (op Opcode) HasSideEffects() bool {
	switch op {
	case OpStoreVar, OpOutput, OpInput, OpCall, OpReturn,
		OpCommitPrimary, OpQuarantine,
		OpSealedRead, OpSealedRandom, OpSealedClock, OpClockRead:
		return true
	}
	return false
}

// Instruction is a single plane-tagged IR instruction.
type Instruction struct {
	Op       Opcode
	Plane    plane.Plane
	Operands []interface{}
	Line     int
	Column   int
}

func (i Instruction) String() string {
	parts := make([]string, len(i.Operands))
	for k, op := range i.Operands {
		parts[k] = fmt.Sprintf("%v", op)
	}
	return fmt.Sprintf("[%s] %s %s", i.Plane, i.Op, strings.Join(parts, ", "))
}

// BasicBlock is a jump-free instruction sequence. Blocks carry
// explicit successor edges forming the per-plane control flow graph.
type BasicBlock struct {
	ID           int
	Plane        plane.Plane
	Instructions []Instruction
	Predecessors []int
	Successors   []int
}

// Variable is a named slot with its memory-plane qualifier.
type Variable struct {
	Name      string
	Qualifier plane.Qualifier
	TypeName  string
	IsParam   bool
}

// Function holds the three per-plane block lists plus the activation
// predicate blocks and all shadow configuration.
type Function struct {
	Name       string
	Params     []Variable
	ReturnType string

	PrimaryBlocks    []*BasicBlock
	ShadowBlocks     []*BasicBlock
	InvariantBlocks  []*BasicBlock
	ActivationBlocks []*BasicBlock

	Variables []Variable

	HasShadow     bool
	HasInvariants bool

	Divergence plane.DivergencePolicy
	Mutation   plane.Boundary

	ShadowCPUQuotaMS    float64
	ShadowMemoryQuotaMB float64
}

// AllBlocks returns every basic block across all planes.
func (f *Function) AllBlocks() []*BasicBlock {
	blocks := make([]*BasicBlock, 0,
		len(f.PrimaryBlocks)+len(f.ShadowBlocks)+len(f.InvariantBlocks)+len(f.ActivationBlocks))
	blocks = append(blocks, f.PrimaryBlocks...)
	blocks = append(blocks, f.ShadowBlocks...)
	blocks = append(blocks, f.InvariantBlocks...)
	blocks = append(blocks, f.ActivationBlocks...)
	return blocks
}

// Lookup finds a variable or parameter by name.
func (f *Function) Lookup(name string) (Variable, bool) {
	for _, v := range f.Variables {
		if v.Name == name {
			return v, true
		}
	}
	for _, p := range f.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Variable{}, false
}

// ParamIndex returns the positional index of a parameter, or -1.
func (f *Function) ParamIndex(name string) int {
	for i, p := range f.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Program is a complete IR program.
type Program struct {
	Functions []*Function

	EnableShadowExecution         bool
	EnableAuditSealing            bool
	EnableConstitutionalValidation bool
}

func NewProgram() *Program {
	return &Program{
		EnableShadowExecution:          true,
		EnableAuditSealing:             true,
		EnableConstitutionalValidation: true,
	}
}

// Function returns the named function or nil.
func (p *Program) Function(name string) *Function {
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// Builder constructs IR functions block by block. The current plane
// tags every emitted instruction unless overridden.
type Builder struct {
	Function     *Function
	CurrentBlock *BasicBlock
	CurrentPlane plane.Plane

	blockCounter int
	tempCounter  int
}

func NewBuilder() *Builder {
	return &Builder{CurrentPlane: plane.Primary}
}

func (b *Builder) NewFunction(name, returnType string) *Function {
	fn := &Function{
		Name:                name,
		ReturnType:          returnType,
		ShadowCPUQuotaMS:    1000.0,
		ShadowMemoryQuotaMB: 256.0,
	}
	b.Function = fn
	return fn
}

func (b *Builder) NewBlock(pl plane.Plane) *BasicBlock {
	block := &BasicBlock{ID: b.blockCounter, Plane: pl}
	b.blockCounter++
	b.CurrentBlock = block
	return block
}

func (b *Builder) SetPlane(pl plane.Plane) {
	b.CurrentPlane = pl
}

// Emit appends an instruction to the current block on the current plane.
func (b *Builder) Emit(op Opcode, operands ...interface{}) Instruction {
	return b.EmitAt(op, 0, 0, operands...)
}

// EmitAt is Emit with a source position attached.
func (b *Builder) EmitAt(op Opcode, line, column int, operands ...interface{}) Instruction {
	inst := Instruction{
		Op:       op,
		Plane:    b.CurrentPlane,
		Operands: operands,
		Line:     line,
		Column:   column,
	}
	if b.CurrentBlock != nil {
		b.CurrentBlock.Instructions = append(b.CurrentBlock.Instructions, inst)
	}
	return inst
}

func (b *Builder) NewTemp() string {
	name := fmt.Sprintf("$t%d", b.tempCounter)
	b.tempCounter++
	return name
}

// AddVariable registers a local or parameter on the current function.
func (b *Builder) AddVariable(name string, qualifier plane.Qualifier, typeName string, isParam bool) Variable {
	v := Variable{Name: name, Qualifier: qualifier, TypeName: typeName, IsParam: isParam}
	if b.Function != nil {
		if isParam {
			b.Function.Params = append(b.Function.Params, v)
		} else {
			b.Function.Variables = append(b.Function.Variables, v)
		}
	}
	return v
}
