package ir

import (
	"testing"

	"shadowthirst/internal/lexer"
	"shadowthirst/internal/parser"
	"shadowthirst/internal/plane"
)

func lower(t *testing.T, source string) *Program {
	t.Helper()
	tokens, err := lexer.Tokenize(source)
	if err != nil {
		t.Fatalf("tokenize failed: %v", err)
	}
	ast, err := parser.Parse(tokens)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return Generate(ast)
}

func flatten(blocks []*BasicBlock) []Instruction {
	var out []Instruction
	for _, b := range blocks {
		out = append(out, b.Instructions...)
	}
	return out
}

func TestLowerSimpleFunction(t *testing.T) {
	prog := lower(t, `
		fn add(a: Integer, b: Integer) -> Integer {
			primary {
				return a + b
			}
		}
	`)
	fn := prog.Function("add")
	if fn == nil {
		t.Fatal("function 'add' not found in IR")
	}
	if fn.HasShadow {
		t.Error("function should not have shadow")
	}
	if len(fn.Params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(fn.Params))
	}

	insts := flatten(fn.PrimaryBlocks)
	want := []Opcode{OpLoadParam, OpLoadParam, OpAdd, OpReturn}
	if len(insts) != len(want) {
		t.Fatalf("expected %d instructions, got %d: %v", len(want), len(insts), insts)
	}
	for i, op := range want {
		if insts[i].Op != op {
			t.Errorf("instruction %d: expected %s, got %s", i, op, insts[i].Op)
		}
	}
	if insts[0].Operands[0] != int64(0) || insts[1].Operands[0] != int64(1) {
		t.Errorf("expected positional param loads, got %v / %v", insts[0].Operands, insts[1].Operands)
	}
	for _, inst := range insts {
		if inst.Plane != plane.Primary {
			t.Errorf("primary instruction tagged %s", inst.Plane)
		}
	}
}

func TestLowerDualPlane(t *testing.T) {
	prog := lower(t, `
		fn transfer(amount: Float) -> Float {
			primary {
				return amount - 1.0
			}
			shadow {
				return amount - 2.0
			}
			activate_if amount > 100.0
			invariant {
				amount > 0.0
			}
			divergence allow_epsilon(0.5)
			mutation read_only
		}
	`)
	fn := prog.Function("transfer")
	if !fn.HasShadow || !fn.HasInvariants {
		t.Fatalf("expected shadow and invariants, got %v/%v", fn.HasShadow, fn.HasInvariants)
	}
	if fn.Divergence.Kind != plane.PolicyAllowEpsilon || fn.Divergence.Epsilon != 0.5 {
		t.Errorf("unexpected divergence policy: %+v", fn.Divergence)
	}
	if fn.Mutation != plane.BoundaryReadOnly {
		t.Errorf("unexpected mutation boundary: %s", fn.Mutation)
	}

	act := flatten(fn.ActivationBlocks)
	if len(act) == 0 || act[len(act)-1].Op != OpActivateShadow {
		t.Fatalf("activation stream must end in ACTIVATE_SHADOW, got %v", act)
	}
	if act[0].Op != OpLoadParam {
		t.Errorf("predicate should reference the parameter, got %s", act[0].Op)
	}
	for _, inst := range act {
		if inst.Plane != plane.Shadow {
			t.Errorf("activation instruction tagged %s", inst.Plane)
		}
	}

	inv := flatten(fn.InvariantBlocks)
	if inv[len(inv)-1].Op != OpCheckInvariant {
		t.Errorf("invariant stream must end in CHECK_INVARIANT, got %v", inv)
	}
	for _, inst := range inv {
		if inst.Plane != plane.Invariant {
			t.Errorf("invariant instruction tagged %s", inst.Plane)
		}
	}
}

func TestImplicitActivation(t *testing.T) {
	prog := lower(t, `
		fn f(x: Integer) -> Integer {
			primary { return x }
			shadow { return x }
		}
	`)
	act := flatten(prog.Function("f").ActivationBlocks)
	if len(act) != 2 || act[0].Op != OpPush || act[0].Operands[0] != true || act[1].Op != OpActivateShadow {
		t.Errorf("expected PUSH true; ACTIVATE_SHADOW, got %v", act)
	}
}

func TestLowerConditional(t *testing.T) {
	prog := lower(t, `
		fn f(x: Integer) -> Integer {
			primary {
				if x > 0 {
					return 1
				} else {
					return 2
				}
			}
		}
	`)
	fn := prog.Function("f")
	// entry + then + else + merge
	if len(fn.PrimaryBlocks) != 4 {
		t.Fatalf("expected 4 primary blocks, got %d", len(fn.PrimaryBlocks))
	}
	entry := fn.PrimaryBlocks[0]
	last := entry.Instructions[len(entry.Instructions)-1]
	if last.Op != OpJumpIfFalse {
		t.Fatalf("entry block must end in JUMP_IF_FALSE, got %s", last.Op)
	}
	elseID := fn.PrimaryBlocks[2].ID
	if last.Operands[0] != int64(elseID) {
		t.Errorf("JUMP_IF_FALSE should target else block %d, got %v", elseID, last.Operands[0])
	}
	if len(entry.Successors) != 2 {
		t.Errorf("entry block should have 2 successors, got %v", entry.Successors)
	}
}

func TestSealedBuiltins(t *testing.T) {
	prog := lower(t, `
		fn f() -> Integer {
			primary {
				drink a = sealed_read("rate")
				drink b = sealed_random()
				drink c = sealed_clock()
				drink d = now()
				return a
			}
		}
	`)
	insts := flatten(prog.Function("f").PrimaryBlocks)
	var seen []Opcode
	for _, inst := range insts {
		switch inst.Op {
		case OpSealedRead, OpSealedRandom, OpSealedClock, OpClockRead:
			seen = append(seen, inst.Op)
		case OpCall:
			t.Errorf("sealed builtin lowered to CALL: %v", inst)
		}
	}
	want := []Opcode{OpSealedRead, OpSealedRandom, OpSealedClock, OpClockRead}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("sealed opcode %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestStoreCarriesQualifier(t *testing.T) {
	prog := lower(t, `
		fn f(x: Canonical<Integer>) {
			primary {
				drink a: Ephemeral<Integer> = 1
			}
			shadow {
				drink b = 2
			}
		}
	`)
	fn := prog.Function("f")
	primary := flatten(fn.PrimaryBlocks)
	var store *Instruction
	for i := range primary {
		if primary[i].Op == OpStoreVar {
			store = &primary[i]
		}
	}
	if store == nil {
		t.Fatal("no STORE_VAR in primary stream")
	}
	if store.Operands[0] != "a" || store.Operands[1] != string(plane.QualEphemeral) {
		t.Errorf("unexpected store operands: %v", store.Operands)
	}

	shadow := flatten(fn.ShadowBlocks)
	for _, inst := range shadow {
		if inst.Op == OpStoreVar && inst.Operands[1] != string(plane.QualShadow) {
			t.Errorf("unqualified shadow local should default to shadow, got %v", inst.Operands)
		}
	}
}

func TestCallLowering(t *testing.T) {
	prog := lower(t, `
		fn helper(x: Integer) -> Integer {
			primary { return x }
		}
		fn main() -> Integer {
			primary {
				return helper(42)
			}
		}
	`)
	insts := flatten(prog.Function("main").PrimaryBlocks)
	var call *Instruction
	for i := range insts {
		if insts[i].Op == OpCall {
			call = &insts[i]
		}
	}
	if call == nil {
		t.Fatal("no CALL instruction")
	}
	if call.Operands[0] != "helper" || call.Operands[1] != int64(1) {
		t.Errorf("unexpected CALL operands: %v", call.Operands)
	}
}

func TestDeadCodeElimination(t *testing.T) {
	prog := lower(t, `
		fn f() -> Integer {
			primary {
				return 1
				pour 999
			}
		}
	`)
	fn := prog.Function("f")
	EliminateDeadCode(fn)
	insts := flatten(fn.PrimaryBlocks)
	for _, inst := range insts {
		if inst.Op == OpOutput {
			t.Error("OUTPUT after RETURN survived dead-code elimination")
		}
	}
	if insts[len(insts)-1].Op != OpReturn {
		t.Errorf("stream should end in RETURN, got %s", insts[len(insts)-1].Op)
	}
}
