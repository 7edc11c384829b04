// Package compiler drives the full pipeline: scan, parse, lower to
// IR, run static analysis, and generate bytecode.
package compiler

import (
	"go.uber.org/zap"

	"shadowthirst/internal/analysis"
	"shadowthirst/internal/bytecode"
	"shadowthirst/internal/ir"
	"shadowthirst/internal/lexer"
	"shadowthirst/internal/parser"
)

// Options configure one compilation.
type Options struct {
	// StrictMode fails compilation on analyzer warnings, not just
	// errors.
	StrictMode bool
	// EnableOptimizations runs dead-code elimination over the IR.
	EnableOptimizations bool
	// DisableShadow compiles with shadow execution switched off.
	DisableShadow bool
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Result carries every intermediate artifact of a compilation so
// tooling can inspect whichever stage it needs.
type Result struct {
	Tokens []lexer.Token
	AST    *parser.Program
	IR     *ir.Program
	Report *analysis.Report

	Program *bytecode.Program

	Errors   []string
	Warnings []string
	Success  bool
}

// Compile runs the pipeline over source. Lex and parse errors abort
// immediately; analysis errors (and, in strict mode, warnings) fail
// the compilation before bytecode generation.
func Compile(source string, opts Options) *Result {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	result := &Result{}

	tokens, err := lexer.NewScanner(source).ScanTokens()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		log.Error("scan failed", zap.Error(err))
		return result
	}
	result.Tokens = tokens

	ast, err := parser.Parse(tokens)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		log.Error("parse failed", zap.Error(err))
		return result
	}
	result.AST = ast
	log.Debug("parsed program", zap.Int("functions", len(ast.Functions)))

	program := ir.Generate(ast)
	if opts.DisableShadow {
		program.EnableShadowExecution = false
	}
	if opts.EnableOptimizations {
		for _, fn := range program.Functions {
			ir.EliminateDeadCode(fn)
		}
	}
	result.IR = program

	report := analysis.NewEngine(log).Run(program)
	result.Report = report
	for _, f := range report.Errors() {
		result.Errors = append(result.Errors, f.String())
	}
	for _, f := range report.Warnings() {
		result.Warnings = append(result.Warnings, f.String())
	}
	if len(report.Errors()) > 0 || (opts.StrictMode && len(report.Warnings()) > 0) {
		log.Error("static analysis failed",
			zap.Int("errors", len(report.Errors())),
			zap.Int("warnings", len(report.Warnings())),
			zap.Bool("strict", opts.StrictMode))
		return result
	}

	compiled, err := bytecode.Generate(program)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		log.Error("bytecode generation failed", zap.Error(err))
		return result
	}
	result.Program = compiled
	result.Success = true

	log.Info("compilation succeeded",
		zap.Int("functions", len(compiled.Functions)),
		zap.Int("constants", len(compiled.Constants)),
		zap.Int("warnings", len(result.Warnings)))
	return result
}
