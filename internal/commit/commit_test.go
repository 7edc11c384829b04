package commit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadowthirst/internal/oracle"
	"shadowthirst/internal/plane"
	"shadowthirst/internal/vm"
)

func cleanContext() *Context {
	return &Context{
		FunctionName:     "transfer",
		PrimaryResult:    int64(42),
		InvariantsPassed: true,
	}
}

func TestDivergencePolicyMatrix(t *testing.T) {
	tests := []struct {
		name      string
		policy    plane.DivergencePolicy
		magnitude float64
		detected  bool
		want      Decision
	}{
		{
			name:     "no divergence commits",
			policy:   plane.DivergencePolicy{Kind: plane.PolicyRequireIdentical},
			detected: false,
			want:     DecisionCommit,
		},
		{
			name:      "require_identical quarantines any divergence",
			policy:    plane.DivergencePolicy{Kind: plane.PolicyRequireIdentical},
			detected:  true,
			magnitude: 0.001,
			want:      DecisionQuarantine,
		},
		{
			name:      "allow_epsilon passes within threshold",
			policy:    plane.DivergencePolicy{Kind: plane.PolicyAllowEpsilon, Epsilon: 0.01},
			detected:  true,
			magnitude: 0.005,
			want:      DecisionCommit,
		},
		{
			name:      "allow_epsilon quarantines beyond threshold",
			policy:    plane.DivergencePolicy{Kind: plane.PolicyAllowEpsilon, Epsilon: 0.01},
			detected:  true,
			magnitude: 0.02,
			want:      DecisionQuarantine,
		},
		{
			name:      "log_divergence always passes",
			policy:    plane.DivergencePolicy{Kind: plane.PolicyLogDivergence},
			detected:  true,
			magnitude: 0.9,
			want:      DecisionCommit,
		},
		{
			name:      "quarantine_on_diverge quarantines",
			policy:    plane.DivergencePolicy{Kind: plane.PolicyQuarantineOnDiverge},
			detected:  true,
			magnitude: 0.1,
			want:      DecisionQuarantine,
		},
		{
			name:      "fail_primary rejects",
			policy:    plane.DivergencePolicy{Kind: plane.PolicyFailPrimary},
			detected:  true,
			magnitude: 0.1,
			want:      DecisionReject,
		},
		{
			name:      "unspecified policy defaults to logging",
			policy:    plane.DivergencePolicy{},
			detected:  true,
			magnitude: 0.5,
			want:      DecisionCommit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProtocol(nil, nil, nil)
			ctx := cleanContext()
			ctx.DivergenceDetected = tt.detected
			ctx.DivergenceMagnitude = tt.magnitude
			ctx.Policy = tt.policy

			result := p.Validate(ctx)
			assert.Equal(t, tt.want, result.Decision, result.Reason)
			assert.Len(t, result.AuditHash, 64, "every branch must seal an audit hash")
			assert.False(t, result.SealedAt.IsZero())
		})
	}
}

func TestInvariantFailureForcesQuarantine(t *testing.T) {
	p := NewProtocol(nil, nil, nil)

	ctx := cleanContext()
	ctx.InvariantsPassed = false
	ctx.InvariantViolations = []string{"invariant_0", "invariant_2"}

	result := p.Validate(ctx)
	require.Equal(t, DecisionQuarantine, result.Decision)
	assert.Contains(t, result.Reason, "invariant violations: 2")
	assert.Equal(t, []string{"invariant_0", "invariant_2"}, result.Metadata["violations"])
}

func TestPlaneFaultQuarantines(t *testing.T) {
	p := NewProtocol(nil, nil, nil)

	ctx := cleanContext()
	ctx.Faulted = true
	ctx.FaultDetail = "division by zero"

	result := p.Validate(ctx)
	require.Equal(t, DecisionQuarantine, result.Decision)
	assert.Contains(t, result.Reason, "division by zero")
}

func TestNonDeterminismRejectsRegardlessOfPolicy(t *testing.T) {
	p := NewProtocol(nil, nil, nil)

	ctx := cleanContext()
	ctx.Policy = plane.DivergencePolicy{Kind: plane.PolicyLogDivergence}
	ctx.Determinism = oracle.NonDeterministic

	result := p.Validate(ctx)
	require.Equal(t, DecisionReject, result.Decision)
	assert.Contains(t, result.Reason, "non-deterministic")
}

type stubOracle struct {
	decision    Decision
	reason      string
	constraints map[string]interface{}
}

func (s *stubOracle) Evaluate(*Context) (Decision, string, map[string]interface{}) {
	return s.decision, s.reason, s.constraints
}

func TestPolicyOracleReject(t *testing.T) {
	p := NewProtocol(&stubOracle{decision: DecisionReject, reason: "threat score too high"}, nil, nil)

	result := p.Validate(cleanContext())
	require.Equal(t, DecisionReject, result.Decision)
	assert.Equal(t, "threat score too high", result.Reason)
	assert.Equal(t, int64(1), p.Stats().Rejections.Load())
}

func TestPolicyOracleConditional(t *testing.T) {
	constraints := map[string]interface{}{"max_retries": int64(1)}
	p := NewProtocol(&stubOracle{
		decision:    DecisionConditional,
		reason:      "approved with constraints",
		constraints: constraints,
	}, nil, nil)

	result := p.Validate(cleanContext())
	require.Equal(t, DecisionConditional, result.Decision)
	assert.Equal(t, constraints, result.Constraints)
	assert.Len(t, result.AuditHash, 64)
	assert.Equal(t, int64(1), p.Stats().Conditionals.Load())
	assert.Equal(t, int64(0), p.Stats().Commits.Load(), "conditional must not count as a commit")
}

func TestPolicyOracleCommitFallsThrough(t *testing.T) {
	p := NewProtocol(&stubOracle{decision: DecisionCommit, reason: "trusted"}, nil, nil)

	result := p.Validate(cleanContext())
	assert.Equal(t, DecisionCommit, result.Decision)
}

func TestEmergencyOverridePassesBoundary(t *testing.T) {
	p := NewProtocol(nil, nil, nil)

	ctx := cleanContext()
	ctx.Boundary = plane.BoundaryEmergencyOverride

	result := p.Validate(ctx)
	assert.Equal(t, DecisionCommit, result.Decision)
}

func TestStatsAccumulate(t *testing.T) {
	stats := &Stats{}
	p := NewProtocol(nil, stats, nil)

	p.Validate(cleanContext())

	diverged := cleanContext()
	diverged.DivergenceDetected = true
	diverged.Policy = plane.DivergencePolicy{Kind: plane.PolicyRequireIdentical}
	p.Validate(diverged)

	rejected := cleanContext()
	rejected.Determinism = oracle.NonDeterministic
	p.Validate(rejected)

	assert.Equal(t, int64(3), stats.TotalValidations.Load())
	assert.Equal(t, int64(1), stats.Commits.Load())
	assert.Equal(t, int64(1), stats.Quarantines.Load())
	assert.Equal(t, int64(1), stats.Rejections.Load())
}

func TestAuditHashReflectsContext(t *testing.T) {
	p := NewProtocol(nil, nil, nil)

	first := p.Validate(cleanContext())

	changed := cleanContext()
	changed.PrimaryResult = int64(43)
	second := p.Validate(changed)

	assert.NotEqual(t, first.AuditHash, second.AuditHash)
}

func TestBuildContextFromFrame(t *testing.T) {
	frame := vm.NewDualFrame("transfer", []vm.Value{int64(100)})
	frame.Primary.ReturnValue = int64(95)
	frame.Shadow = vm.NewExecContext("transfer", plane.Shadow, []vm.Value{int64(100)})
	frame.Shadow.ReturnValue = int64(95)
	frame.ShadowActivated = true
	frame.InvariantResults = []bool{true, false}

	policy := plane.DivergencePolicy{Kind: plane.PolicyAllowEpsilon, Epsilon: 0.01}
	ctx := BuildContext(frame, policy, plane.BoundaryReadOnly)

	assert.Equal(t, "transfer", ctx.FunctionName)
	assert.Equal(t, int64(95), ctx.PrimaryResult)
	assert.True(t, ctx.HasShadow)
	assert.Equal(t, int64(95), ctx.ShadowResult)
	assert.False(t, ctx.InvariantsPassed)
	assert.Equal(t, []string{"invariant_1"}, ctx.InvariantViolations)
	assert.Equal(t, plane.BoundaryReadOnly, ctx.Boundary)
	assert.False(t, ctx.Timestamp.IsZero())
}
