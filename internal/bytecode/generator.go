package bytecode

import (
	"fmt"

	"shadowthirst/internal/ir"
)

// GeneratorError is a fatal lowering failure. An IR opcode without a
// bytecode mapping is always an error, never silently skipped.
type GeneratorError struct {
	Message  string
	Function string
}

func (e *GeneratorError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("bytecode generator: %s in function %q", e.Message, e.Function)
	}
	return fmt.Sprintf("bytecode generator: %s", e.Message)
}

var opcodeMap = map[ir.Opcode]Opcode{
	ir.OpPush:              OpPush,
	ir.OpPop:               OpPop,
	ir.OpDup:               OpDup,
	ir.OpSwap:              OpSwap,
	ir.OpLoadVar:           OpLoadVar,
	ir.OpStoreVar:          OpStoreVar,
	ir.OpLoadConst:         OpLoadConst,
	ir.OpLoadParam:         OpLoadParam,
	ir.OpAdd:               OpAdd,
	ir.OpSub:               OpSub,
	ir.OpMul:               OpMul,
	ir.OpDiv:               OpDiv,
	ir.OpNeg:               OpNeg,
	ir.OpAnd:               OpAnd,
	ir.OpOr:                OpOr,
	ir.OpNot:               OpNot,
	ir.OpEq:                OpEq,
	ir.OpNe:                OpNe,
	ir.OpLt:                OpLt,
	ir.OpLe:                OpLe,
	ir.OpGt:                OpGt,
	ir.OpGe:                OpGe,
	ir.OpJump:              OpJump,
	ir.OpJumpIfFalse:       OpJumpIfFalse,
	ir.OpReturn:            OpReturn,
	ir.OpCall:              OpCall,
	ir.OpOutput:            OpOutput,
	ir.OpInput:             OpInput,
	ir.OpSealedRead:        OpSealedRead,
	ir.OpSealedRandom:      OpSealedRandom,
	ir.OpSealedClock:       OpSealedClock,
	ir.OpClockRead:         OpClockRead,
	ir.OpActivateShadow:    OpActivateShadow,
	ir.OpCheckInvariant:    OpCheckInvariant,
	ir.OpRecordDivergence:  OpRecordDivergence,
	ir.OpCommitPrimary:     OpCommitPrimary,
	ir.OpQuarantine:        OpQuarantine,
	ir.OpValidateAndCommit: OpValidateAndCommit,
	ir.OpSealAudit:         OpSealAudit,
}

// Generator lowers IR to executable bytecode: blocks are flattened
// per plane, jump targets are rewritten from block IDs to instruction
// indices, and literal constants are interned into the pool.
type Generator struct {
	constants []interface{}
	interned  map[interface{}]int64
}

func NewGenerator() *Generator {
	return &Generator{interned: map[interface{}]int64{}}
}

// Generate lowers a whole IR program.
func Generate(prog *ir.Program) (*Program, error) {
	return NewGenerator().Generate(prog)
}

func (g *Generator) Generate(prog *ir.Program) (*Program, error) {
	out := &Program{
		EnableShadowExecution: prog.EnableShadowExecution,
		EnableAuditSealing:    prog.EnableAuditSealing,
	}
	for _, fn := range prog.Functions {
		lowered, err := g.generateFunction(fn)
		if err != nil {
			return nil, err
		}
		out.Functions = append(out.Functions, lowered)
	}
	out.Constants = g.constants
	return out, nil
}

func (g *Generator) generateFunction(fn *ir.Function) (Function, error) {
	out := Function{
		Name:          fn.Name,
		ParamCount:    len(fn.Params),
		LocalCount:    len(fn.Variables),
		HasShadow:     fn.HasShadow,
		HasInvariants: fn.HasInvariants,
		Divergence:    fn.Divergence,
		Mutation:      fn.Mutation,
	}

	var err error
	if out.Primary, err = g.flatten(fn.Name, fn.PrimaryBlocks); err != nil {
		return out, err
	}
	// The activation predicate runs ahead of the shadow body in the
	// same stream.
	shadowBlocks := append([]*ir.BasicBlock{}, fn.ActivationBlocks...)
	shadowBlocks = append(shadowBlocks, fn.ShadowBlocks...)
	if out.Shadow, err = g.flatten(fn.Name, shadowBlocks); err != nil {
		return out, err
	}
	if out.Invariant, err = g.flatten(fn.Name, fn.InvariantBlocks); err != nil {
		return out, err
	}
	return out, nil
}

func (g *Generator) flatten(fnName string, blocks []*ir.BasicBlock) ([]Instruction, error) {
	// First pass: instruction index of each block's head.
	blockStart := map[int]int64{}
	index := int64(0)
	for _, block := range blocks {
		blockStart[block.ID] = index
		index += int64(len(block.Instructions))
	}

	var out []Instruction
	for _, block := range blocks {
		for _, inst := range block.Instructions {
			op, ok := opcodeMap[inst.Op]
			if !ok {
				return nil, &GeneratorError{
					Message:  fmt.Sprintf("no bytecode mapping for IR opcode %s", inst.Op),
					Function: fnName,
				}
			}

			var operands []interface{}
			if len(inst.Operands) > 0 {
				operands = make([]interface{}, len(inst.Operands))
				copy(operands, inst.Operands)
			}

			switch inst.Op {
			case ir.OpJump, ir.OpJumpIfFalse:
				blockID, isInt := operands[0].(int64)
				if !isInt {
					return nil, &GeneratorError{
						Message:  fmt.Sprintf("%s target is not a block id: %v", inst.Op, operands[0]),
						Function: fnName,
					}
				}
				target, found := blockStart[int(blockID)]
				if !found {
					return nil, &GeneratorError{
						Message:  fmt.Sprintf("%s targets unknown block %d", inst.Op, blockID),
						Function: fnName,
					}
				}
				operands[0] = target
			case ir.OpLoadConst:
				operands[0] = g.intern(operands[0])
			}

			out = append(out, Instruction{Op: op, Plane: inst.Plane, Operands: operands})
		}
	}
	return out, nil
}

func (g *Generator) intern(value interface{}) int64 {
	if idx, ok := g.interned[value]; ok {
		return idx
	}
	idx := int64(len(g.constants))
	g.constants = append(g.constants, value)
	g.interned[value] = idx
	return idx
}
