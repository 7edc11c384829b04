// Package commit decides whether a dual-plane execution may commit
// its primary result. The protocol checks plane faults, divergence
// against the declared policy, invariant outcomes, the external
// policy oracle, and the mutation boundary, and seals a SHA-256 audit
// hash on every branch.
package commit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"shadowthirst/internal/oracle"
	"shadowthirst/internal/plane"
	"shadowthirst/internal/vm"
)

// Decision is the outcome of constitutional validation.
type Decision string

const (
	// DecisionCommit approves the primary result.
	DecisionCommit Decision = "commit"
	// DecisionQuarantine sets the result aside over divergence or
	// invariant violations.
	DecisionQuarantine Decision = "quarantine"
	// DecisionReject refuses the execution entirely.
	DecisionReject Decision = "reject"
	// DecisionConditional approves subject to constraints from the
	// policy oracle.
	DecisionConditional Decision = "conditional"
)

// Context carries everything the protocol needs to decide one
// execution.
type Context struct {
	FunctionName string
	Timestamp    time.Time

	PrimaryResult interface{}
	ShadowResult  interface{}
	HasShadow     bool

	DivergenceDetected  bool
	DivergenceMagnitude float64
	Policy              plane.DivergencePolicy

	InvariantsPassed    bool
	InvariantViolations []string

	Boundary plane.Boundary

	Faulted     bool
	FaultDetail string

	// Determinism is the oracle's classification when one ran.
	// NonDeterministic rejects regardless of policy.
	Determinism oracle.Classification

	PrimaryCPUMS float64
	ShadowCPUMS  float64

	AuditTrailLength int

	ThreatScore float64
	HighStakes  bool
}

// ValidationResult is the sealed outcome of one validation.
type ValidationResult struct {
	Decision Decision
	Reason   string

	AuditHash string
	SealedAt  time.Time

	Constraints map[string]interface{}
	Metadata    map[string]interface{}
}

// PolicyOracle is the external trust gate consulted before commit. A
// nil oracle passes. A conditional verdict carries constraints into
// the result.
type PolicyOracle interface {
	Evaluate(ctx *Context) (Decision, string, map[string]interface{})
}

// Stats counts validation outcomes. The handle is injectable so
// several protocols can share one set of counters.
type Stats struct {
	TotalValidations atomic.Int64
	Commits          atomic.Int64
	Conditionals     atomic.Int64
	Quarantines      atomic.Int64
	Rejections       atomic.Int64
}

// Protocol runs constitutional validation.
type Protocol struct {
	oracle PolicyOracle
	stats  *Stats
	log    *zap.Logger
}

func NewProtocol(policyOracle PolicyOracle, stats *Stats, log *zap.Logger) *Protocol {
	if stats == nil {
		stats = &Stats{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Protocol{oracle: policyOracle, stats: stats, log: log}
}

// Stats exposes the protocol's counters.
func (p *Protocol) Stats() *Stats {
	return p.stats
}

// BuildContext assembles a validation context from an execution frame
// and its declared policy and boundary.
func BuildContext(frame *vm.DualFrame, policy plane.DivergencePolicy, boundary plane.Boundary) *Context {
	ctx := &Context{
		FunctionName:        frame.FunctionName,
		Timestamp:           time.Now().UTC(),
		PrimaryResult:       frame.Primary.ReturnValue,
		DivergenceDetected:  frame.DivergenceDetected,
		DivergenceMagnitude: frame.DivergenceMagnitude,
		Policy:              policy,
		InvariantsPassed:    frame.InvariantsPassed(),
		Boundary:            boundary,
		Faulted:             frame.Faulted(),
		PrimaryCPUMS:        frame.Primary.ElapsedMS(),
		AuditTrailLength:    len(frame.AuditTrail),
	}
	if frame.Shadow != nil {
		ctx.HasShadow = true
		ctx.ShadowResult = frame.Shadow.ReturnValue
		ctx.ShadowCPUMS = frame.Shadow.ElapsedMS()
	}
	for i, passed := range frame.InvariantResults {
		if !passed {
			ctx.InvariantViolations = append(ctx.InvariantViolations, fmt.Sprintf("invariant_%d", i))
		}
	}
	if ctx.Faulted {
		for _, fault := range []error{frame.PrimaryFault, frame.ShadowFault, frame.InvariantFault} {
			if fault != nil {
				ctx.FaultDetail = fault.Error()
				break
			}
		}
	}
	return ctx
}

// ValidateAndCommit is the VM-facing entry point: build a context from
// the frame and validate it.
func (p *Protocol) ValidateAndCommit(frame *vm.DualFrame, policy plane.DivergencePolicy, boundary plane.Boundary) ValidationResult {
	return p.Validate(BuildContext(frame, policy, boundary))
}

// Validate runs the check sequence and seals the audit hash on every
// branch.
func (p *Protocol) Validate(ctx *Context) ValidationResult {
	p.stats.TotalValidations.Add(1)
	p.log.Info("constitutional validation",
		zap.String("function", ctx.FunctionName),
		zap.Bool("divergence", ctx.DivergenceDetected),
		zap.Bool("invariants_passed", ctx.InvariantsPassed))

	// Non-determinism poisons everything downstream.
	if ctx.Determinism == oracle.NonDeterministic {
		return p.reject(ctx, "non-deterministic execution", nil)
	}

	if ctx.Faulted {
		return p.quarantine(ctx, fmt.Sprintf("plane fault: %s", ctx.FaultDetail), nil)
	}

	if ok, reason := p.checkDivergence(ctx); !ok {
		if ctx.Policy.Kind == plane.PolicyFailPrimary {
			return p.reject(ctx, reason, nil)
		}
		return p.quarantine(ctx, reason, nil)
	}

	if !ctx.InvariantsPassed {
		p.log.Error("invariant violations",
			zap.String("function", ctx.FunctionName),
			zap.Strings("violations", ctx.InvariantViolations))
		return p.quarantine(ctx,
			fmt.Sprintf("invariant violations: %d", len(ctx.InvariantViolations)),
			map[string]interface{}{"violations": ctx.InvariantViolations})
	}

	if p.oracle != nil {
		decision, reason, constraints := p.oracle.Evaluate(ctx)
		switch decision {
		case DecisionReject:
			return p.reject(ctx, reason, nil)
		case DecisionQuarantine:
			return p.quarantine(ctx, reason, nil)
		case DecisionConditional:
			p.stats.Conditionals.Add(1)
			return ValidationResult{
				Decision:    DecisionConditional,
				Reason:      reason,
				AuditHash:   p.sealAudit(ctx),
				SealedAt:    time.Now().UTC(),
				Constraints: constraints,
			}
		}
	}

	if ok, reason := p.checkBoundary(ctx); !ok {
		return p.reject(ctx, reason, nil)
	}

	p.log.Info("constitutional validation passed",
		zap.String("function", ctx.FunctionName))
	p.stats.Commits.Add(1)
	return ValidationResult{
		Decision:  DecisionCommit,
		Reason:    "all constitutional checks passed",
		AuditHash: p.sealAudit(ctx),
		SealedAt:  time.Now().UTC(),
	}
}

func (p *Protocol) checkDivergence(ctx *Context) (bool, string) {
	if !ctx.DivergenceDetected {
		return true, "no divergence detected"
	}

	kind := ctx.Policy.Kind
	if kind == plane.PolicyNone {
		kind = plane.PolicyLogDivergence
	}

	switch kind {
	case plane.PolicyRequireIdentical:
		return false, fmt.Sprintf("divergence under require_identical (magnitude %g)", ctx.DivergenceMagnitude)
	case plane.PolicyAllowEpsilon:
		if ctx.DivergenceMagnitude > ctx.Policy.Epsilon {
			return false, fmt.Sprintf("divergence %g exceeds epsilon %g", ctx.DivergenceMagnitude, ctx.Policy.Epsilon)
		}
		return true, "divergence within epsilon"
	case plane.PolicyQuarantineOnDiverge:
		return false, "divergence under quarantine_on_diverge"
	case plane.PolicyFailPrimary:
		return false, "divergence under fail_primary"
	}

	p.log.Warn("divergence logged",
		zap.String("function", ctx.FunctionName),
		zap.Float64("magnitude", ctx.DivergenceMagnitude))
	return true, "divergence logged"
}

func (p *Protocol) checkBoundary(ctx *Context) (bool, string) {
	switch ctx.Boundary {
	case plane.BoundaryNone:
		return true, "no mutation boundary specified"
	case plane.BoundaryEmergencyOverride:
		p.log.Warn("emergency override boundary",
			zap.String("function", ctx.FunctionName))
	}
	return true, fmt.Sprintf("mutation boundary %q validated", ctx.Boundary)
}

func (p *Protocol) quarantine(ctx *Context, reason string, metadata map[string]interface{}) ValidationResult {
	p.stats.Quarantines.Add(1)
	return ValidationResult{
		Decision:  DecisionQuarantine,
		Reason:    reason,
		AuditHash: p.sealAudit(ctx),
		SealedAt:  time.Now().UTC(),
		Metadata:  metadata,
	}
}

func (p *Protocol) reject(ctx *Context, reason string, metadata map[string]interface{}) ValidationResult {
	p.stats.Rejections.Add(1)
	return ValidationResult{
		Decision:  DecisionReject,
		Reason:    reason,
		AuditHash: p.sealAudit(ctx),
		SealedAt:  time.Now().UTC(),
		Metadata:  metadata,
	}
}

// sealAudit hashes the decision-relevant facts of the context. Field
// order is fixed so the hash is reproducible.
func (p *Protocol) sealAudit(ctx *Context) string {
	payload := fmt.Sprintf(
		"function=%s|timestamp=%s|primary=%v|shadow=%v|divergence=%t|magnitude=%g|invariants=%t|trail=%d",
		ctx.FunctionName,
		ctx.Timestamp.Format(time.RFC3339Nano),
		ctx.PrimaryResult,
		ctx.ShadowResult,
		ctx.DivergenceDetected,
		ctx.DivergenceMagnitude,
		ctx.InvariantsPassed,
		ctx.AuditTrailLength,
	)
	sum := sha256.Sum256([]byte(payload))
	hash := hex.EncodeToString(sum[:])
	p.log.Debug("audit sealed",
		zap.String("function", ctx.FunctionName),
		zap.String("hash", hash[:16]))
	return hash
}
