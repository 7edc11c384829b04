// Package analysis runs the static analyzer battery over dual-plane
// IR. Compilation fails on any error or critical finding; warnings
// fail only in strict mode.
package analysis

import (
	"fmt"

	"go.uber.org/zap"

	"shadowthirst/internal/ir"
)

// Severity level of a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a finding at this severity fails
// compilation outright.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Finding is a single analyzer result.
type Finding struct {
	Analyzer string
	Severity Severity
	Message  string
	Function string
	BlockID  int
	Index    int
	Metadata map[string]interface{}
}

func (f Finding) String() string {
	location := ""
	if f.Function != "" {
		location = fmt.Sprintf(" in %s", f.Function)
	}
	return fmt.Sprintf("[%s] %s: %s%s", f.Severity, f.Analyzer, f.Message, location)
}

// Report collects findings across the whole battery.
type Report struct {
	Findings []Finding
	Passed   bool
}

func NewReport() *Report {
	return &Report{Passed: true}
}

func (r *Report) Add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity.Blocking() {
		r.Passed = false
	}
}

// Errors returns the error and critical findings.
func (r *Report) Errors() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity.Blocking() {
			out = append(out, f)
		}
	}
	return out
}

// Warnings returns the warning findings.
func (r *Report) Warnings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityWarning {
			out = append(out, f)
		}
	}
	return out
}

// Analyzer is one pass of the battery.
type Analyzer interface {
	Name() string
	Analyze(prog *ir.Program) []Finding
}

// Engine runs the full battery in a fixed order.
type Engine struct {
	analyzers []Analyzer
	log       *zap.Logger
}

func NewEngine(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		analyzers: []Analyzer{
			&PlaneIsolationAnalyzer{},
			&DeterminismAnalyzer{},
			&PrivilegeEscalationAnalyzer{},
			&ResourceEstimator{},
			&DivergenceRiskEstimator{},
			&SoundnessAnalyzer{},
		},
		log: log,
	}
}

// Run executes every analyzer and returns the combined report.
func (e *Engine) Run(prog *ir.Program) *Report {
	report := NewReport()
	for _, a := range e.analyzers {
		findings := a.Analyze(prog)
		for _, f := range findings {
			report.Add(f)
		}
		e.log.Debug("analyzer finished",
			zap.String("analyzer", a.Name()),
			zap.Int("findings", len(findings)))
	}
	e.log.Info("static analysis complete",
		zap.Int("findings", len(report.Findings)),
		zap.Int("errors", len(report.Errors())),
		zap.Int("warnings", len(report.Warnings())),
		zap.Bool("passed", report.Passed))
	return report
}

// Analyze runs the battery with a nop logger.
func Analyze(prog *ir.Program) *Report {
	return NewEngine(nil).Run(prog)
}
