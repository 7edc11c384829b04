package analysis

import (
	"fmt"

	"shadowthirst/internal/ir"
	"shadowthirst/internal/plane"
	"shadowthirst/internal/typecheck"
)

// PlaneIsolationAnalyzer verifies the shadow plane never mutates
// canonical state, including through calls: a shadow call into a
// function whose primary body performs a canonical write is flagged
// too.
type PlaneIsolationAnalyzer struct{}

func (a *PlaneIsolationAnalyzer) Name() string { return "PlaneIsolationAnalyzer" }

func (a *PlaneIsolationAnalyzer) Analyze(prog *ir.Program) []Finding {
	var findings []Finding
	for _, fn := range prog.Functions {
		findings = append(findings, a.analyzeFunction(prog, fn)...)
	}
	return findings
}

func (a *PlaneIsolationAnalyzer) analyzeFunction(prog *ir.Program, fn *ir.Function) []Finding {
	var findings []Finding
	for _, block := range fn.ShadowBlocks {
		for i, inst := range block.Instructions {
			switch inst.Op {
			case ir.OpStoreVar:
				if len(inst.Operands) < 2 {
					continue
				}
				qualifier, _ := inst.Operands[1].(string)
				if plane.Qualifier(qualifier) == plane.QualCanonical {
					name, _ := inst.Operands[0].(string)
					findings = append(findings, Finding{
						Analyzer: a.Name(),
						Severity: SeverityCritical,
						Message:  fmt.Sprintf("shadow plane attempts to mutate canonical variable %q", name),
						Function: fn.Name,
						BlockID:  block.ID,
						Index:    i,
					})
				}
			case ir.OpCall:
				callee, _ := inst.Operands[0].(string)
				if target := prog.Function(callee); target != nil {
					if writer := canonicalWriter(prog, target, map[string]bool{fn.Name: true}); writer != "" {
						findings = append(findings, Finding{
							Analyzer: a.Name(),
							Severity: SeverityCritical,
							Message: fmt.Sprintf(
								"shadow plane calls %q, which writes canonical variable %q", callee, writer),
							Function: fn.Name,
							BlockID:  block.ID,
							Index:    i,
						})
					}
				}
			}
		}
	}
	return findings
}

// canonicalWriter walks the call graph from fn's primary stream and
// returns the name of the first canonical variable written, or "".
func canonicalWriter(prog *ir.Program, fn *ir.Function, visited map[string]bool) string {
	if visited[fn.Name] {
		return ""
	}
	visited[fn.Name] = true

	for _, block := range fn.PrimaryBlocks {
		for _, inst := range block.Instructions {
			switch inst.Op {
			case ir.OpStoreVar:
				if len(inst.Operands) < 2 {
					continue
				}
				if qualifier, _ := inst.Operands[1].(string); plane.Qualifier(qualifier) == plane.QualCanonical {
					name, _ := inst.Operands[0].(string)
					return name
				}
			case ir.OpCall:
				callee, _ := inst.Operands[0].(string)
				if target := prog.Function(callee); target != nil {
					if name := canonicalWriter(prog, target, visited); name != "" {
						return name
					}
				}
			}
		}
	}
	return ""
}

// DeterminismAnalyzer verifies shadow and invariant execution is
// replayable. Sealed opcodes pass; live I/O and wall-clock reads do
// not, nor do calls into functions that perform them.
type DeterminismAnalyzer struct{}

func (a *DeterminismAnalyzer) Name() string { return "DeterminismAnalyzer" }

func nonDeterministic(op ir.Opcode) bool {
	switch op {
	case ir.OpInput, ir.OpOutput, ir.OpClockRead:
		return true
	}
	return false
}

func (a *DeterminismAnalyzer) Analyze(prog *ir.Program) []Finding {
	var findings []Finding
	for _, fn := range prog.Functions {
		blocks := append([]*ir.BasicBlock{}, fn.ShadowBlocks...)
		blocks = append(blocks, fn.InvariantBlocks...)
		blocks = append(blocks, fn.ActivationBlocks...)
		for _, block := range blocks {
			for i, inst := range block.Instructions {
				if nonDeterministic(inst.Op) {
					findings = append(findings, Finding{
						Analyzer: a.Name(),
						Severity: SeverityError,
						Message:  fmt.Sprintf("non-deterministic operation in shadow/invariant plane: %s", inst.Op),
						Function: fn.Name,
						BlockID:  block.ID,
						Index:    i,
					})
				}
				if inst.Op == ir.OpCall {
					callee, _ := inst.Operands[0].(string)
					if target := prog.Function(callee); target != nil {
						if op, found := impureCallee(prog, target, map[string]bool{}); found {
							findings = append(findings, Finding{
								Analyzer: a.Name(),
								Severity: SeverityError,
								Message: fmt.Sprintf(
									"shadow/invariant plane calls %q, which performs %s", callee, op),
								Function: fn.Name,
								BlockID:  block.ID,
								Index:    i,
							})
						}
					}
				}
			}
		}
	}
	return findings
}

func impureCallee(prog *ir.Program, fn *ir.Function, visited map[string]bool) (ir.Opcode, bool) {
	if visited[fn.Name] {
		return 0, false
	}
	visited[fn.Name] = true

	for _, block := range fn.PrimaryBlocks {
		for _, inst := range block.Instructions {
			if nonDeterministic(inst.Op) {
				return inst.Op, true
			}
			if inst.Op == ir.OpCall {
				callee, _ := inst.Operands[0].(string)
				if target := prog.Function(callee); target != nil {
					if op, found := impureCallee(prog, target, visited); found {
						return op, true
					}
				}
			}
		}
	}
	return 0, false
}

// PrivilegeEscalationAnalyzer verifies mutation boundaries are
// honored: a validated_canonical function must route its canonical
// writes through VALIDATE_AND_COMMIT.
type PrivilegeEscalationAnalyzer struct{}

func (a *PrivilegeEscalationAnalyzer) Name() string { return "PrivilegeEscalationAnalyzer" }

func (a *PrivilegeEscalationAnalyzer) Analyze(prog *ir.Program) []Finding {
	var findings []Finding
	for _, fn := range prog.Functions {
		if fn.Mutation != plane.BoundaryValidatedCanonical {
			continue
		}
		hasValidation := false
		for _, block := range fn.PrimaryBlocks {
			for _, inst := range block.Instructions {
				if inst.Op == ir.OpValidateAndCommit {
					hasValidation = true
				}
			}
		}
		if !hasValidation {
			findings = append(findings, Finding{
				Analyzer: a.Name(),
				Severity: SeverityError,
				Message:  "function declares validated_canonical but never executes VALIDATE_AND_COMMIT",
				Function: fn.Name,
			})
		}
	}
	return findings
}

// ResourceEstimator bounds shadow CPU and memory by instruction and
// variable counting. Estimates are informational; only quota breaches
// warn, and neither blocks compilation alone.
type ResourceEstimator struct{}

func (a *ResourceEstimator) Name() string { return "ResourceEstimator" }

const (
	instructionsPerMS = 100.0
	mbPerVariable     = 0.001
)

func (a *ResourceEstimator) Analyze(prog *ir.Program) []Finding {
	var findings []Finding
	for _, fn := range prog.Functions {
		primaryCount := ir.InstructionCount(fn.PrimaryBlocks)
		shadowCount := ir.InstructionCount(fn.ShadowBlocks)
		estimatedCPU := float64(shadowCount) / instructionsPerMS
		estimatedMem := float64(len(fn.Variables)) * mbPerVariable

		findings = append(findings, Finding{
			Analyzer: a.Name(),
			Severity: SeverityInfo,
			Message: fmt.Sprintf("estimated shadow cost: %.2fms CPU, %.3fMB memory", estimatedCPU, estimatedMem),
			Function: fn.Name,
			Metadata: map[string]interface{}{
				"primary_instructions": primaryCount,
				"shadow_instructions":  shadowCount,
				"estimated_cpu_ms":     estimatedCPU,
				"estimated_memory_mb":  estimatedMem,
			},
		})

		if estimatedCPU > fn.ShadowCPUQuotaMS {
			findings = append(findings, Finding{
				Analyzer: a.Name(),
				Severity: SeverityWarning,
				Message: fmt.Sprintf("estimated shadow CPU (%.2fms) exceeds quota (%.0fms)",
					estimatedCPU, fn.ShadowCPUQuotaMS),
				Function: fn.Name,
			})
		}
		if estimatedMem > fn.ShadowMemoryQuotaMB {
			findings = append(findings, Finding{
				Analyzer: a.Name(),
				Severity: SeverityWarning,
				Message: fmt.Sprintf("estimated memory (%.2fMB) exceeds quota (%.0fMB)",
					estimatedMem, fn.ShadowMemoryQuotaMB),
				Function: fn.Name,
			})
		}
	}
	return findings
}

// DivergenceRiskEstimator flags structural asymmetry between the two
// planes and shadow blocks that lack a divergence policy.
type DivergenceRiskEstimator struct{}

func (a *DivergenceRiskEstimator) Name() string { return "DivergenceRiskEstimator" }

func (a *DivergenceRiskEstimator) Analyze(prog *ir.Program) []Finding {
	var findings []Finding
	for _, fn := range prog.Functions {
		if !fn.HasShadow {
			continue
		}
		primaryCount := ir.InstructionCount(fn.PrimaryBlocks)
		shadowCount := ir.InstructionCount(fn.ShadowBlocks)

		if shadowCount > 0 {
			diff := float64(primaryCount - shadowCount)
			if diff < 0 {
				diff = -diff
			}
			ratio := diff / float64(shadowCount)
			if ratio > 0.5 {
				findings = append(findings, Finding{
					Analyzer: a.Name(),
					Severity: SeverityInfo,
					Message: fmt.Sprintf(
						"primary and shadow differ significantly in complexity (%.0f%% difference)", ratio*100),
					Function: fn.Name,
					Metadata: map[string]interface{}{
						"primary_instructions": primaryCount,
						"shadow_instructions":  shadowCount,
						"difference_ratio":     ratio,
					},
				})
			}
		}

		if fn.Divergence.Kind == plane.PolicyNone {
			findings = append(findings, Finding{
				Analyzer: a.Name(),
				Severity: SeverityWarning,
				Message:  "function has shadow execution but no divergence policy",
				Function: fn.Name,
			})
		}
	}
	return findings
}

// SoundnessAnalyzer surfaces plane-safety type violations as error
// findings.
type SoundnessAnalyzer struct{}

func (a *SoundnessAnalyzer) Name() string { return "SoundnessAnalyzer" }

func (a *SoundnessAnalyzer) Analyze(prog *ir.Program) []Finding {
	report := typecheck.CheckProgram(prog)
	var findings []Finding
	for _, v := range report.Violations {
		findings = append(findings, Finding{
			Analyzer: a.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("%s: %s", v.Rule, v.Message),
		})
	}
	return findings
}
