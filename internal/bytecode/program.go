package bytecode

import (
	"fmt"
	"strings"

	"shadowthirst/internal/plane"
)

// Instruction is a single executable bytecode instruction. Operands
// are one of: int64, float64, string, bool, nil. The codec rejects
// anything else.
type Instruction struct {
	Op       Opcode
	Plane    plane.Plane
	Operands []interface{}
}

func (i Instruction) String() string {
	parts := make([]string, len(i.Operands))
	for k, op := range i.Operands {
		parts[k] = fmt.Sprintf("%v", op)
	}
	return strings.TrimSpace(fmt.Sprintf("[%s] %-20s %s", i.Plane, i.Op, strings.Join(parts, ", ")))
}

// Function holds the flattened instruction streams of one function.
// The shadow stream begins with the activation predicate and its
// ACTIVATE_SHADOW terminator.
type Function struct {
	Name       string
	ParamCount int
	LocalCount int

	HasShadow     bool
	HasInvariants bool

	Divergence plane.DivergencePolicy
	Mutation   plane.Boundary

	Primary   []Instruction
	Shadow    []Instruction
	Invariant []Instruction
}

// Program is a complete loadable bytecode program.
type Program struct {
	Functions []Function
	Constants []interface{}

	EnableShadowExecution bool
	EnableAuditSealing    bool
}

// Function returns the named function, or nil.
func (p *Program) Function(name string) *Function {
	for i := range p.Functions {
		if p.Functions[i].Name == name {
			return &p.Functions[i]
		}
	}
	return nil
}

// Constant resolves a pool index. Out-of-range indexes indicate a
// corrupted program.
func (p *Program) Constant(index int) (interface{}, error) {
	if index < 0 || index >= len(p.Constants) {
		return nil, fmt.Errorf("constant index %d out of range (pool size %d)", index, len(p.Constants))
	}
	return p.Constants[index], nil
}
