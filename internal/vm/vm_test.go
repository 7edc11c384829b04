package vm

import (
	"math"
	"strings"
	"testing"

	"shadowthirst/internal/bytecode"
	"shadowthirst/internal/ir"
	"shadowthirst/internal/lexer"
	"shadowthirst/internal/parser"
	"shadowthirst/internal/sealed"
)

func compileSource(t *testing.T, source string) *bytecode.Program {
	t.Helper()
	tokens, err := lexer.NewScanner(source).ScanTokens()
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	ast, err := parser.Parse(tokens)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	prog, err := bytecode.Generate(ir.Generate(ast))
	if err != nil {
		t.Fatalf("bytecode error: %v", err)
	}
	return prog
}

func newTestVM(t *testing.T, source string, opts Options) *VM {
	t.Helper()
	return New(compileSource(t, source), opts)
}

func TestArithmetic(t *testing.T) {
	source := `
fn calc(a: Integer, b: Integer) -> Integer {
    primary {
        return a * b + 2
    }
}
`
	machine := newTestVM(t, source, Options{})

	tests := []struct {
		a, b int64
		want int64
	}{
		{6, 7, 44},
		{0, 9, 2},
		{-3, 4, -10},
	}
	for _, tt := range tests {
		frame, err := machine.Execute("calc", tt.a, tt.b)
		if err != nil {
			t.Fatalf("Execute(%d, %d): %v", tt.a, tt.b, err)
		}
		if frame.PrimaryFault != nil {
			t.Fatalf("unexpected fault: %v", frame.PrimaryFault)
		}
		if got := frame.Primary.ReturnValue; got != tt.want {
			t.Errorf("calc(%d, %d) = %v, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestStringConcatenation(t *testing.T) {
	source := `
fn greet(name: String) -> String {
    primary {
        return "hello, " + name
    }
}
`
	machine := newTestVM(t, source, Options{})
	frame, err := machine.Execute("greet", "world")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := frame.Primary.ReturnValue; got != "hello, world" {
		t.Errorf("greet = %v, want %q", got, "hello, world")
	}
}

func TestConditional(t *testing.T) {
	source := `
fn classify(n: Integer) -> String {
    primary {
        if n > 0 {
            return "positive"
        } else {
            if n == 0 {
                return "zero"
            } else {
                return "negative"
            }
        }
    }
}
`
	machine := newTestVM(t, source, Options{})

	tests := []struct {
		n    int64
		want string
	}{
		{5, "positive"},
		{0, "zero"},
		{-5, "negative"},
	}
	for _, tt := range tests {
		frame, err := machine.Execute("classify", tt.n)
		if err != nil {
			t.Fatalf("Execute(%d): %v", tt.n, err)
		}
		if got := frame.Primary.ReturnValue; got != tt.want {
			t.Errorf("classify(%d) = %v, want %q", tt.n, got, tt.want)
		}
	}
}

func TestParameterReassignment(t *testing.T) {
	source := `
fn clamp(n: Integer) -> Integer {
    primary {
        if n > 10 {
            n = 10
        }
        return n
    }
}
`
	machine := newTestVM(t, source, Options{})

	tests := []struct {
		n, want int64
	}{
		{50, 10},
		{10, 10},
		{3, 3},
	}
	for _, tt := range tests {
		frame, err := machine.Execute("clamp", tt.n)
		if err != nil {
			t.Fatalf("Execute(%d): %v", tt.n, err)
		}
		if frame.PrimaryFault != nil {
			t.Fatalf("unexpected fault: %v", frame.PrimaryFault)
		}
		if got := frame.Primary.ReturnValue; got != tt.want {
			t.Errorf("clamp(%d) = %v, want %d", tt.n, got, tt.want)
		}
	}
}

func TestDivisionByZeroFault(t *testing.T) {
	source := `
fn halve(n: Integer, d: Integer) -> Float {
    primary {
        return n / d
    }
}
`
	machine := newTestVM(t, source, Options{})
	frame, err := machine.Execute("halve", int64(10), int64(0))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.PrimaryFault == nil {
		t.Fatal("expected a primary fault on division by zero")
	}
	if !frame.DivergenceDetected {
		t.Error("a fault must force detected divergence")
	}
	if !math.IsInf(frame.DivergenceMagnitude, 1) {
		t.Errorf("fault magnitude = %v, want +Inf", frame.DivergenceMagnitude)
	}
	if machine.Stats().Faults.Load() != 1 {
		t.Errorf("Faults = %d, want 1", machine.Stats().Faults.Load())
	}
}

func TestDualPlaneAgreement(t *testing.T) {
	source := `
fn double(n: Integer) -> Integer {
    primary {
        return n * 2
    }
    shadow {
        return n + n
    }
    invariant {
        primary == shadow
    }
    divergence require_identical
}
`
	machine := newTestVM(t, source, Options{EnableShadow: true})
	frame, err := machine.Execute("double", int64(21))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !frame.ShadowActivated {
		t.Fatal("shadow should activate by default")
	}
	if frame.DivergenceDetected {
		t.Errorf("agreeing planes reported divergence %v", frame.DivergenceMagnitude)
	}
	if frame.DivergenceMagnitude != 0 {
		t.Errorf("magnitude = %v, want 0", frame.DivergenceMagnitude)
	}
	if len(frame.InvariantResults) != 1 || !frame.InvariantResults[0] {
		t.Errorf("InvariantResults = %v, want [true]", frame.InvariantResults)
	}
	if !frame.InvariantsPassed() {
		t.Error("invariants should pass")
	}
}

func TestDualPlaneDivergence(t *testing.T) {
	source := `
fn drift(n: Integer) -> Integer {
    primary {
        return 42
    }
    shadow {
        return 100
    }
    divergence require_identical
}
`
	machine := newTestVM(t, source, Options{EnableShadow: true})
	frame, err := machine.Execute("drift", int64(0))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !frame.DivergenceDetected {
		t.Fatal("expected divergence between 42 and 100")
	}
	want := 58.0 / 100.0
	if math.Abs(frame.DivergenceMagnitude-want) > 1e-9 {
		t.Errorf("magnitude = %v, want %v", frame.DivergenceMagnitude, want)
	}
	if machine.Stats().Divergences.Load() != 1 {
		t.Errorf("Divergences = %d, want 1", machine.Stats().Divergences.Load())
	}
}

func TestKindMismatchDiverges(t *testing.T) {
	source := `
fn mixed() -> Integer {
    primary {
        return 1
    }
    shadow {
        return "one"
    }
}
`
	machine := newTestVM(t, source, Options{EnableShadow: true})
	frame, err := machine.Execute("mixed")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.DivergenceMagnitude != 1 {
		t.Errorf("magnitude = %v, want 1 for kind mismatch", frame.DivergenceMagnitude)
	}
}

func TestActivationPredicate(t *testing.T) {
	source := `
fn watched(n: Integer) -> Integer {
    primary {
        return n * 3
    }
    shadow {
        return n * 4
    }
    activate_if n > 10
}
`
	machine := newTestVM(t, source, Options{EnableShadow: true})

	frame, err := machine.Execute("watched", int64(5))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.ShadowActivated {
		t.Error("predicate 5 > 10 should not activate the shadow")
	}
	if frame.DivergenceDetected {
		t.Error("inactive shadow must not report divergence")
	}

	frame, err = machine.Execute("watched", int64(20))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !frame.ShadowActivated {
		t.Error("predicate 20 > 10 should activate the shadow")
	}
	if !frame.DivergenceDetected {
		t.Error("60 vs 80 should diverge")
	}
}

func TestShadowDisabled(t *testing.T) {
	source := `
fn quiet(n: Integer) -> Integer {
    primary {
        return n
    }
    shadow {
        return n + 1
    }
}
`
	machine := newTestVM(t, source, Options{EnableShadow: false})
	frame, err := machine.Execute("quiet", int64(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.Shadow != nil {
		t.Error("shadow context should not exist when shadow execution is off")
	}
	if frame.DivergenceDetected {
		t.Error("no shadow means no divergence")
	}
}

func TestShadowCanonicalWriteFaults(t *testing.T) {
	source := `
fn leaky(balance: Canonical<Integer>) -> Integer {
    primary {
        return balance
    }
    shadow {
        balance = 0
        return balance
    }
}
`
	machine := newTestVM(t, source, Options{EnableShadow: true})
	frame, err := machine.Execute("leaky", int64(100))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.ShadowFault == nil {
		t.Fatal("shadow write to a canonical variable must fault")
	}
	if !strings.Contains(frame.ShadowFault.Error(), "plane-safety") {
		t.Errorf("fault = %v, want a plane-safety fault", frame.ShadowFault)
	}
	if frame.PrimaryFault != nil {
		t.Errorf("primary must be unaffected, got fault %v", frame.PrimaryFault)
	}
	if got := frame.Primary.ReturnValue; got != int64(100) {
		t.Errorf("primary result = %v, want 100", got)
	}
}

func TestShadowReadsPrimarySnapshot(t *testing.T) {
	source := `
fn snapshot(n: Integer) -> Integer {
    primary {
        drink base = n * 10
        return base
    }
    shadow {
        return base + 1
    }
}
`
	machine := newTestVM(t, source, Options{EnableShadow: true})
	frame, err := machine.Execute("snapshot", int64(3))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.ShadowFault != nil {
		t.Fatalf("shadow fault: %v", frame.ShadowFault)
	}
	if got := frame.Shadow.ReturnValue; got != int64(31) {
		t.Errorf("shadow result = %v, want 31", got)
	}
}

func TestInvariantFailure(t *testing.T) {
	source := `
fn suspect(n: Integer) -> Integer {
    primary {
        return n
    }
    invariant {
        primary > 100
    }
}
`
	machine := newTestVM(t, source, Options{})
	frame, err := machine.Execute("suspect", int64(5))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.InvariantsPassed() {
		t.Error("invariant 5 > 100 should fail")
	}
	if len(frame.InvariantResults) != 1 || frame.InvariantResults[0] {
		t.Errorf("InvariantResults = %v, want [false]", frame.InvariantResults)
	}
}

func TestFunctionCalls(t *testing.T) {
	source := `
fn square(n: Integer) -> Integer {
    primary {
        return n * n
    }
}

fn sum_of_squares(a: Integer, b: Integer) -> Integer {
    primary {
        return square(a) + square(b)
    }
}
`
	machine := newTestVM(t, source, Options{})
	frame, err := machine.Execute("sum_of_squares", int64(3), int64(4))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.PrimaryFault != nil {
		t.Fatalf("fault: %v", frame.PrimaryFault)
	}
	if got := frame.Primary.ReturnValue; got != int64(25) {
		t.Errorf("sum_of_squares(3, 4) = %v, want 25", got)
	}
}

func TestCallDepthLimit(t *testing.T) {
	source := `
fn forever(n: Integer) -> Integer {
    primary {
        return forever(n)
    }
}
`
	machine := newTestVM(t, source, Options{MaxCallDepth: 8})
	frame, err := machine.Execute("forever", int64(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.PrimaryFault == nil {
		t.Fatal("unbounded recursion must fault")
	}
	if !strings.Contains(frame.PrimaryFault.Error(), "depth limit") {
		t.Errorf("fault = %v, want depth limit", frame.PrimaryFault)
	}
}

func TestStepLimit(t *testing.T) {
	// A hand-built loop: JUMP 0 forever.
	prog := &bytecode.Program{
		Functions: []bytecode.Function{{
			Name: "spin",
			Primary: []bytecode.Instruction{
				{Op: bytecode.OpNop},
				{Op: bytecode.OpJump, Operands: []interface{}{int64(0)}},
			},
		}},
	}
	machine := New(prog, Options{StepLimit: 50})
	frame, err := machine.Execute("spin")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.PrimaryFault == nil {
		t.Fatal("infinite loop must hit the step limit")
	}
	if !strings.Contains(frame.PrimaryFault.Error(), "step limit") {
		t.Errorf("fault = %v, want step limit", frame.PrimaryFault)
	}
}

func TestSealedSources(t *testing.T) {
	source := `
fn audit_read() -> Integer {
    primary {
        return sealed_read("limit")
    }
    shadow {
        return sealed_read("limit")
    }
}
`
	cfg := sealed.Config{
		Seed:  "audit-read",
		Reads: map[string]interface{}{"limit": int64(250)},
	}
	ctx, err := sealed.NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	machine := newTestVM(t, source, Options{EnableShadow: true, Sealed: ctx})
	frame, err := machine.Execute("audit_read")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.Faulted() {
		t.Fatalf("fault: primary=%v shadow=%v", frame.PrimaryFault, frame.ShadowFault)
	}
	if got := frame.Primary.ReturnValue; got != int64(250) {
		t.Errorf("primary = %v, want 250", got)
	}
	if frame.DivergenceDetected {
		t.Error("both planes read the same sealed value, no divergence expected")
	}
}

func TestSealedOpcodesFaultWithoutContext(t *testing.T) {
	source := `
fn unsealed() -> Float {
    primary {
        return sealed_random()
    }
}
`
	machine := newTestVM(t, source, Options{})
	frame, err := machine.Execute("unsealed")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.PrimaryFault == nil {
		t.Fatal("sealed opcode without a context must fault")
	}
}

func TestWallClockConfinedToPrimary(t *testing.T) {
	source := `
fn timed() -> Integer {
    primary {
        return now()
    }
    shadow {
        return now()
    }
}
`
	machine := newTestVM(t, source, Options{EnableShadow: true})
	frame, err := machine.Execute("timed")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if frame.PrimaryFault != nil {
		t.Errorf("primary clock read faulted: %v", frame.PrimaryFault)
	}
	if frame.ShadowFault == nil {
		t.Error("shadow clock read must fault")
	}
}

func TestPourRecordsOutputs(t *testing.T) {
	source := `
fn announce(n: Integer) -> Integer {
    primary {
        pour n
        pour n * 2
        return n
    }
}
`
	var buf strings.Builder
	machine := newTestVM(t, source, Options{Output: &buf})
	frame, err := machine.Execute("announce", int64(4))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(frame.Primary.Outputs) != 2 {
		t.Fatalf("Outputs = %v, want 2 entries", frame.Primary.Outputs)
	}
	if frame.Primary.Outputs[0] != int64(4) || frame.Primary.Outputs[1] != int64(8) {
		t.Errorf("Outputs = %v, want [4 8]", frame.Primary.Outputs)
	}
	if !strings.Contains(buf.String(), "8") {
		t.Errorf("writer output = %q, want it to contain 8", buf.String())
	}
}

func TestTracedReplayIsStable(t *testing.T) {
	source := `
fn roll(n: Integer) -> Float {
    primary {
        return sealed_random() * n
    }
}
`
	prog := compileSource(t, source)

	run := func() string {
		t.Helper()
		ctx, err := sealed.NewContext(sealed.Config{Seed: "replay"})
		if err != nil {
			t.Fatalf("NewContext: %v", err)
		}
		trace := sealed.NewTrace()
		machine := New(prog, Options{Sealed: ctx})
		frame, err := machine.ExecuteTraced("roll", trace, int64(6))
		if err != nil {
			t.Fatalf("ExecuteTraced: %v", err)
		}
		if frame.Faulted() {
			t.Fatalf("fault: %v", frame.PrimaryFault)
		}
		if trace.Len() == 0 {
			t.Fatal("trace recorded no steps")
		}
		return trace.Seal()
	}

	if first, second := run(), run(); first != second {
		t.Errorf("replay hashes differ: %s vs %s", first, second)
	}
}

func TestUnknownFunction(t *testing.T) {
	machine := New(&bytecode.Program{}, Options{})
	if _, err := machine.Execute("missing"); err == nil {
		t.Fatal("expected an error for an unknown function")
	}
}

func TestArityMismatch(t *testing.T) {
	source := `
fn pair(a: Integer, b: Integer) -> Integer {
    primary {
        return a + b
    }
}
`
	machine := newTestVM(t, source, Options{})
	if _, err := machine.Execute("pair", int64(1)); err == nil {
		t.Fatal("expected an arity error")
	}
}

func TestStatsAccumulate(t *testing.T) {
	source := `
fn tick(n: Integer) -> Integer {
    primary {
        return n + 1
    }
}
`
	machine := newTestVM(t, source, Options{})
	for i := 0; i < 3; i++ {
		if _, err := machine.Execute("tick", int64(i)); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if machine.Stats().TotalInstructions.Load() == 0 {
		t.Error("instruction counter never moved")
	}
}
