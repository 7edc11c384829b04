// Package typecheck implements the plane-annotated type system. Every
// value carries a base type and the plane it lives on; the checker
// rejects programs where a shadow-plane value could reach a canonical
// write. The same checker backs the static pass and the VM's runtime
// enforcement.
package typecheck

import (
	"fmt"

	"shadowthirst/internal/ir"
	"shadowthirst/internal/plane"
)

// Annotation is the plane half of an annotated type.
type Annotation string

const (
	AnnotationPrimary   Annotation = "primary"
	AnnotationShadow    Annotation = "shadow"
	AnnotationInvariant Annotation = "invariant"
	AnnotationDual      Annotation = "dual"
)

// BaseType is the structural half of an annotated type.
type BaseType string

const (
	TypeInt      BaseType = "Int"
	TypeFloat    BaseType = "Float"
	TypeBool     BaseType = "Bool"
	TypeString   BaseType = "String"
	TypeVoid     BaseType = "Void"
	TypeArray    BaseType = "Array"
	TypeMap      BaseType = "Map"
	TypeFunction BaseType = "Function"
	TypeAny      BaseType = "Any"
)

// AnnotatedType is T@P: a value of base type T living on plane P.
type AnnotatedType struct {
	Base   BaseType
	Plane  Annotation
	Params []BaseType
}

func (t AnnotatedType) String() string {
	if len(t.Params) == 0 {
		return fmt.Sprintf("%s@%s", t.Base, t.Plane)
	}
	params := ""
	for i, p := range t.Params {
		if i > 0 {
			params += ", "
		}
		params += string(p)
	}
	return fmt.Sprintf("%s<%s>@%s", t.Base, params, t.Plane)
}

// WritableToCanonical reports whether this type may flow into a
// canonical write.
func (t AnnotatedType) WritableToCanonical() bool {
	return t.Plane == AnnotationPrimary
}

// SubtypeOf implements the plane subtype lattice: reflexive, Dual
// below everything, Invariant below Shadow.
func (t AnnotatedType) SubtypeOf(other AnnotatedType) bool {
	if t.Base != other.Base {
		return false
	}
	if t.Plane == other.Plane {
		return true
	}
	if t.Plane == AnnotationDual {
		return true
	}
	if t.Plane == AnnotationInvariant && other.Plane == AnnotationShadow {
		return true
	}
	return false
}

// Rule is a declarative typing rule, carried as data so reports can
// name exactly what was violated.
type Rule struct {
	Name         string
	ContextPlane Annotation // empty = any context
	InputTypes   []AnnotatedType
	OutputType   AnnotatedType
	Precondition string
	Description  string
}

// Rules is the closed rule set of the type system.
var Rules = []Rule{
	{
		Name:        "T-READ-CANONICAL",
		InputTypes:  []AnnotatedType{{Base: TypeString, Plane: AnnotationDual}},
		OutputType:  AnnotatedType{Base: TypeAny, Plane: AnnotationShadow},
		Description: "Read from the canonical snapshot. The result is shadow-typed in shadow context.",
	},
	{
		Name:         "T-WRITE-CANONICAL",
		ContextPlane: AnnotationPrimary,
		InputTypes: []AnnotatedType{
			{Base: TypeString, Plane: AnnotationPrimary},
			{Base: TypeAny, Plane: AnnotationPrimary},
		},
		OutputType:   AnnotatedType{Base: TypeVoid, Plane: AnnotationPrimary},
		Precondition: "context plane is primary",
		Description:  "Write to canonical state. Forbidden in shadow context.",
	},
	{
		Name:         "T-WRITE-SHADOW",
		ContextPlane: AnnotationShadow,
		InputTypes: []AnnotatedType{
			{Base: TypeString, Plane: AnnotationShadow},
			{Base: TypeAny, Plane: AnnotationShadow},
		},
		OutputType:  AnnotatedType{Base: TypeVoid, Plane: AnnotationShadow},
		Description: "Write to shadow-local state. Permitted in shadow context.",
	},
	{
		Name:         "T-PROMOTE",
		ContextPlane: AnnotationPrimary,
		InputTypes:   []AnnotatedType{{Base: TypeAny, Plane: AnnotationShadow}},
		OutputType:   AnnotatedType{Base: TypeAny, Plane: AnnotationPrimary},
		Precondition: "commit protocol completed",
		Description:  "Promote a shadow value to primary. Requires commit protocol completion.",
	},
	{
		Name:         "T-INVARIANT-PURE",
		ContextPlane: AnnotationInvariant,
		InputTypes:   []AnnotatedType{{Base: TypeAny, Plane: AnnotationDual}},
		OutputType:   AnnotatedType{Base: TypeBool, Plane: AnnotationInvariant},
		Precondition: "no writes to any plane",
		Description:  "Invariant evaluation must be pure.",
	},
}

// Violation records a failed type check with source position.
type Violation struct {
	Rule          string
	Line          int
	Column        int
	Expression    string
	ExpectedPlane Annotation
	ActualPlane   Annotation
	Message       string
}

// Report summarizes a checking run.
type Report struct {
	Sound      bool
	Violations []Violation
	Theorem    string
}

// Checker enforces plane safety over a sequence of write and promote
// operations. A fresh checker starts in the primary context.
type Checker struct {
	violations []Violation
	context    Annotation
}

func NewChecker() *Checker {
	return &Checker{context: AnnotationPrimary}
}

// EnterContext switches the execution context the following checks run
// under.
func (c *Checker) EnterContext(pl Annotation) {
	c.context = pl
}

// CheckWrite verifies a write of value to a target on targetPlane is
// legal in the current context. It records a violation and returns
// false otherwise.
func (c *Checker) CheckWrite(target string, targetPlane Annotation, value AnnotatedType, line, column int) bool {
	if targetPlane == AnnotationPrimary && c.context == AnnotationShadow {
		c.violations = append(c.violations, Violation{
			Rule:          "T-WRITE-CANONICAL",
			Line:          line,
			Column:        column,
			Expression:    fmt.Sprintf("write(%s, ...)", target),
			ExpectedPlane: AnnotationPrimary,
			ActualPlane:   AnnotationShadow,
			Message: fmt.Sprintf(
				"canonical write to %q in shadow context: the shadow plane cannot mutate canonical state", target),
		})
		return false
	}

	if c.context == AnnotationInvariant {
		c.violations = append(c.violations, Violation{
			Rule:          "T-INVARIANT-PURE",
			Line:          line,
			Column:        column,
			Expression:    fmt.Sprintf("write(%s, ...)", target),
			ExpectedPlane: AnnotationInvariant,
			ActualPlane:   targetPlane,
			Message:       fmt.Sprintf("write to %q in invariant context: invariant evaluation must be pure", target),
		})
		return false
	}

	if !value.SubtypeOf(AnnotatedType{Base: value.Base, Plane: targetPlane}) {
		c.violations = append(c.violations, Violation{
			Rule:          "T-SUBTYPE",
			Line:          line,
			Column:        column,
			Expression:    fmt.Sprintf("write(%s, %s)", target, value),
			ExpectedPlane: targetPlane,
			ActualPlane:   value.Plane,
			Message: fmt.Sprintf("%s is not a subtype of the %s target plane", value, targetPlane),
		})
		return false
	}

	return true
}

// CheckPromote verifies a shadow-to-primary promotion. Promotion of a
// non-shadow value is a no-op. This path is reachable only from the
// runtime: the language has no promote syntax, so the static pass can
// never admit one.
func (c *Checker) CheckPromote(value AnnotatedType, commitCompleted bool, line, column int) bool {
	if value.Plane != AnnotationShadow {
		return true
	}
	if !commitCompleted {
		c.violations = append(c.violations, Violation{
			Rule:          "T-PROMOTE",
			Line:          line,
			Column:        column,
			Expression:    fmt.Sprintf("promote(%s)", value),
			ExpectedPlane: AnnotationPrimary,
			ActualPlane:   AnnotationShadow,
			Message:       "cannot promote a shadow value to primary before the commit protocol completes",
		})
		return false
	}
	return true
}

// IsSound reports whether every check so far passed.
func (c *Checker) IsSound() bool {
	return len(c.violations) == 0
}

// Violations returns a copy of the recorded violations.
func (c *Checker) Violations() []Violation {
	out := make([]Violation, len(c.violations))
	copy(out, c.violations)
	return out
}

func (c *Checker) Report() Report {
	theorem := "holds: well-typed programs cannot produce canonical writes from the shadow plane"
	if !c.IsSound() {
		theorem = "violated: the program may mutate canonical state from the shadow plane"
	}
	return Report{
		Sound:      c.IsSound(),
		Violations: c.Violations(),
		Theorem:    theorem,
	}
}

func (c *Checker) Reset() {
	c.violations = nil
	c.context = AnnotationPrimary
}

// AnnotationForQualifier maps a memory-plane qualifier to the plane a
// write to that variable targets. Ephemeral locals belong to whatever
// plane executes the write, so they take the context plane.
func AnnotationForQualifier(q plane.Qualifier, context Annotation) Annotation {
	switch q {
	case plane.QualCanonical:
		return AnnotationPrimary
	case plane.QualShadow:
		return AnnotationShadow
	case plane.QualDual:
		return AnnotationDual
	default:
		return context
	}
}

// CheckFunction runs the plane-safety pass over one IR function. Each
// plane's blocks are walked in its own context; every STORE_VAR is
// checked against the declared qualifier of its target.
func (c *Checker) CheckFunction(fn *ir.Function) {
	c.checkBlocks(fn, fn.PrimaryBlocks, AnnotationPrimary)
	c.checkBlocks(fn, fn.ActivationBlocks, AnnotationShadow)
	c.checkBlocks(fn, fn.ShadowBlocks, AnnotationShadow)
	c.checkBlocks(fn, fn.InvariantBlocks, AnnotationInvariant)
}

func (c *Checker) checkBlocks(fn *ir.Function, blocks []*ir.BasicBlock, context Annotation) {
	c.EnterContext(context)
	for _, block := range blocks {
		for _, inst := range block.Instructions {
			if inst.Op != ir.OpStoreVar || len(inst.Operands) < 2 {
				continue
			}
			name, _ := inst.Operands[0].(string)
			qualifier, _ := inst.Operands[1].(string)
			targetPlane := AnnotationForQualifier(plane.Qualifier(qualifier), context)
			value := AnnotatedType{Base: TypeAny, Plane: context}
			c.CheckWrite(name, targetPlane, value, inst.Line, inst.Column)
		}
	}
}

// CheckProgram checks every function and returns the combined report.
func CheckProgram(prog *ir.Program) Report {
	checker := NewChecker()
	for _, fn := range prog.Functions {
		checker.CheckFunction(fn)
	}
	return checker.Report()
}
