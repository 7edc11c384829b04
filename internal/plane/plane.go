// Package plane defines the closed enumerations shared by every stage
// of the pipeline: execution planes, memory qualifiers, divergence
// policies and mutation boundaries.
package plane

import "fmt"

// Plane identifies which execution plane an instruction belongs to.
type Plane byte

const (
	Primary   Plane = 0x01
	Shadow    Plane = 0x02
	Invariant Plane = 0x03
)

func (p Plane) String() string {
	switch p {
	case Primary:
		return "primary"
	case Shadow:
		return "shadow"
	case Invariant:
		return "invariant"
	}
	return fmt.Sprintf("plane(%d)", byte(p))
}

// Valid reports whether p is one of the three defined planes.
func (p Plane) Valid() bool {
	return p == Primary || p == Shadow || p == Invariant
}

// Qualifier is the declared memory plane of a variable or parameter.
type Qualifier string

const (
	QualNone      Qualifier = ""
	QualCanonical Qualifier = "canonical"
	QualShadow    Qualifier = "shadow"
	QualEphemeral Qualifier = "ephemeral"
	QualDual      Qualifier = "dual"
)

// PolicyKind enumerates divergence policies.
type PolicyKind string

const (
	PolicyNone                PolicyKind = ""
	PolicyRequireIdentical    PolicyKind = "require_identical"
	PolicyAllowEpsilon        PolicyKind = "allow_epsilon"
	PolicyLogDivergence       PolicyKind = "log_divergence"
	PolicyQuarantineOnDiverge PolicyKind = "quarantine_on_diverge"
	PolicyFailPrimary         PolicyKind = "fail_primary"
)

// DivergencePolicy is a policy kind plus its epsilon threshold, which
// is meaningful only for allow_epsilon.
type DivergencePolicy struct {
	Kind    PolicyKind
	Epsilon float64
}

func (p DivergencePolicy) String() string {
	if p.Kind == PolicyAllowEpsilon {
		return fmt.Sprintf("%s(%g)", string(p.Kind), p.Epsilon)
	}
	return string(p.Kind)
}

// ParsePolicyKind maps a stored policy string back to its kind.
func ParsePolicyKind(s string) (PolicyKind, error) {
	switch PolicyKind(s) {
	case PolicyNone, PolicyRequireIdentical, PolicyAllowEpsilon,
		PolicyLogDivergence, PolicyQuarantineOnDiverge, PolicyFailPrimary:
		return PolicyKind(s), nil
	}
	return PolicyNone, fmt.Errorf("unknown divergence policy %q", s)
}

// Boundary enumerates mutation boundaries.
type Boundary string

const (
	BoundaryNone               Boundary = ""
	BoundaryReadOnly           Boundary = "read_only"
	BoundaryEphemeralOnly      Boundary = "ephemeral_only"
	BoundaryShadowStateOnly    Boundary = "shadow_state_only"
	BoundaryValidatedCanonical Boundary = "validated_canonical"
	BoundaryEmergencyOverride  Boundary = "emergency_override"
)

// ParseBoundary maps a stored boundary string back to its value.
func ParseBoundary(s string) (Boundary, error) {
	switch Boundary(s) {
	case BoundaryNone, BoundaryReadOnly, BoundaryEphemeralOnly,
		BoundaryShadowStateOnly, BoundaryValidatedCanonical, BoundaryEmergencyOverride:
		return Boundary(s), nil
	}
	return BoundaryNone, fmt.Errorf("unknown mutation boundary %q", s)
}
