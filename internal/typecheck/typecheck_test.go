package typecheck

import (
	"testing"

	"shadowthirst/internal/lexer"
	"shadowthirst/internal/parser"

	"shadowthirst/internal/ir"
)

func TestSubtypeLattice(t *testing.T) {
	cases := []struct {
		name string
		sub  AnnotatedType
		sup  AnnotatedType
		want bool
	}{
		{"reflexive", AnnotatedType{TypeInt, AnnotationPrimary, nil}, AnnotatedType{TypeInt, AnnotationPrimary, nil}, true},
		{"dual below primary", AnnotatedType{TypeInt, AnnotationDual, nil}, AnnotatedType{TypeInt, AnnotationPrimary, nil}, true},
		{"dual below shadow", AnnotatedType{TypeInt, AnnotationDual, nil}, AnnotatedType{TypeInt, AnnotationShadow, nil}, true},
		{"invariant below shadow", AnnotatedType{TypeBool, AnnotationInvariant, nil}, AnnotatedType{TypeBool, AnnotationShadow, nil}, true},
		{"shadow not below primary", AnnotatedType{TypeInt, AnnotationShadow, nil}, AnnotatedType{TypeInt, AnnotationPrimary, nil}, false},
		{"base mismatch", AnnotatedType{TypeInt, AnnotationDual, nil}, AnnotatedType{TypeFloat, AnnotationPrimary, nil}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sub.SubtypeOf(tc.sup); got != tc.want {
				t.Errorf("%s <= %s: got %v, want %v", tc.sub, tc.sup, got, tc.want)
			}
		})
	}
}

func TestCanonicalWriteInShadowContext(t *testing.T) {
	c := NewChecker()
	c.EnterContext(AnnotationShadow)

	ok := c.CheckWrite("balance", AnnotationPrimary, AnnotatedType{Base: TypeFloat, Plane: AnnotationShadow}, 5, 1)
	if ok {
		t.Fatal("canonical write from shadow context must be rejected")
	}
	if c.IsSound() {
		t.Error("checker should not be sound after a violation")
	}
	v := c.Violations()[0]
	if v.Rule != "T-WRITE-CANONICAL" {
		t.Errorf("expected T-WRITE-CANONICAL violation, got %s", v.Rule)
	}
	if v.Line != 5 {
		t.Errorf("expected line 5, got %d", v.Line)
	}
}

func TestCanonicalWriteInPrimaryContext(t *testing.T) {
	c := NewChecker()
	ok := c.CheckWrite("balance", AnnotationPrimary, AnnotatedType{Base: TypeFloat, Plane: AnnotationPrimary}, 0, 0)
	if !ok || !c.IsSound() {
		t.Errorf("primary-context canonical write must pass: ok=%v violations=%v", ok, c.Violations())
	}
}

func TestInvariantContextIsPure(t *testing.T) {
	c := NewChecker()
	c.EnterContext(AnnotationInvariant)
	if c.CheckWrite("x", AnnotationShadow, AnnotatedType{Base: TypeInt, Plane: AnnotationInvariant}, 0, 0) {
		t.Fatal("any write in invariant context must be rejected")
	}
	if c.Violations()[0].Rule != "T-INVARIANT-PURE" {
		t.Errorf("expected T-INVARIANT-PURE, got %s", c.Violations()[0].Rule)
	}
}

func TestDualValueWritableEverywhere(t *testing.T) {
	c := NewChecker()
	dual := AnnotatedType{Base: TypeInt, Plane: AnnotationDual}
	if !c.CheckWrite("a", AnnotationPrimary, dual, 0, 0) {
		t.Error("dual value should be writable to a primary target")
	}
	c.EnterContext(AnnotationShadow)
	if !c.CheckWrite("b", AnnotationShadow, dual, 0, 0) {
		t.Error("dual value should be writable to a shadow target")
	}
}

func TestPromoteRequiresCommit(t *testing.T) {
	c := NewChecker()
	shadowVal := AnnotatedType{Base: TypeFloat, Plane: AnnotationShadow}

	if c.CheckPromote(shadowVal, false, 0, 0) {
		t.Fatal("promotion without commit completion must be rejected")
	}
	if c.Violations()[0].Rule != "T-PROMOTE" {
		t.Errorf("expected T-PROMOTE, got %s", c.Violations()[0].Rule)
	}

	c.Reset()
	if !c.CheckPromote(shadowVal, true, 0, 0) {
		t.Error("promotion after commit completion must pass")
	}
	if !c.CheckPromote(AnnotatedType{Base: TypeInt, Plane: AnnotationPrimary}, false, 0, 0) {
		t.Error("promoting a non-shadow value is a no-op")
	}
}

func TestReportTheorem(t *testing.T) {
	c := NewChecker()
	r := c.Report()
	if !r.Sound || len(r.Violations) != 0 {
		t.Errorf("fresh checker should report sound: %+v", r)
	}

	c.EnterContext(AnnotationShadow)
	c.CheckWrite("x", AnnotationPrimary, AnnotatedType{Base: TypeAny, Plane: AnnotationShadow}, 0, 0)
	r = c.Report()
	if r.Sound {
		t.Error("report should be unsound after a violation")
	}
}

func lowerProgram(t *testing.T, source string) *ir.Program {
	t.Helper()
	tokens, err := lexer.Tokenize(source)
	if err != nil {
		t.Fatalf("tokenize failed: %v", err)
	}
	ast, err := parser.Parse(tokens)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return ir.Generate(ast)
}

func TestCheckProgramFlagsShadowCanonicalWrite(t *testing.T) {
	prog := lowerProgram(t, `
		fn f(x: Integer) {
			primary {
				drink total: Canonical<Integer> = x
			}
			shadow {
				total = x + 1
			}
		}
	`)
	report := CheckProgram(prog)
	if report.Sound {
		t.Fatal("shadow write to a canonical local must be unsound")
	}
	found := false
	for _, v := range report.Violations {
		if v.Rule == "T-WRITE-CANONICAL" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a T-WRITE-CANONICAL violation, got %+v", report.Violations)
	}
}

func TestCheckProgramAcceptsIsolatedPlanes(t *testing.T) {
	prog := lowerProgram(t, `
		fn f(x: Integer) -> Integer {
			primary {
				drink total: Canonical<Integer> = x
				return total
			}
			shadow {
				drink estimate = x * 2
				return estimate
			}
		}
	`)
	report := CheckProgram(prog)
	if !report.Sound {
		t.Errorf("isolated planes must be sound, got %+v", report.Violations)
	}
}
