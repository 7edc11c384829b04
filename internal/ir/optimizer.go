package ir

// Optimizer runs IR passes that must preserve dual-plane semantics:
// nothing may move across a plane boundary and the constitutional
// opcodes are never removed.

// EliminateDeadCode drops instructions that can have no effect on any
// plane's result. The pass is conservative: side-effecting opcodes,
// shadow control opcodes, and anything feeding the stack are kept, so
// today only instructions after an unconditional block exit go away.
func EliminateDeadCode(fn *Function) {
	for _, block := range fn.AllBlocks() {
		live := block.Instructions[:0]
		terminated := false
		for _, inst := range block.Instructions {
			if terminated {
				continue
			}
			live = append(live, inst)
			if inst.Op == OpReturn || inst.Op == OpJump {
				terminated = true
			}
		}
		block.Instructions = live
	}
}

// InstructionCount sums instructions over a block list. Used by the
// resource estimator.
func InstructionCount(blocks []*BasicBlock) int {
	total := 0
	for _, b := range blocks {
		total += len(b.Instructions)
	}
	return total
}
