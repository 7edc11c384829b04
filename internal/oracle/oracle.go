// Package oracle classifies a function's determinism by executing it
// twice under identical sealed conditions and comparing the replay
// traces.
package oracle

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"shadowthirst/internal/bytecode"
	"shadowthirst/internal/sealed"
	"shadowthirst/internal/vm"
)

// Classification is the determinism verdict for one function.
type Classification string

const (
	// FullyDeterministic means both runs produced identical replay
	// hashes, so every step matched.
	FullyDeterministic Classification = "fully_deterministic"
	// EpsilonDeterministic means the runs took the same number of
	// steps but some step differed, typically a floating-point wobble.
	EpsilonDeterministic Classification = "epsilon_deterministic"
	// NonDeterministic means the runs took different paths entirely.
	NonDeterministic Classification = "non_deterministic"
)

// Verdict is the outcome of a double-execution check.
type Verdict struct {
	Classification Classification

	FirstHash  string
	SecondHash string

	FirstSteps  int
	SecondSteps int

	FirstResult  vm.Value
	SecondResult vm.Value
}

// Oracle runs double-execution determinism checks over one program.
type Oracle struct {
	program *bytecode.Program
	opts    vm.Options
	log     *zap.Logger
}

// New builds an oracle. The options' Sealed context is ignored; each
// run gets a fresh context built from the config passed to Verify.
func New(program *bytecode.Program, opts vm.Options) *Oracle {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Oracle{program: program, opts: opts, log: log}
}

// Verify executes the function twice under sealed contexts built from
// the same config and classifies the determinism of the result.
func (o *Oracle) Verify(functionName string, cfg sealed.Config, args ...vm.Value) (*Verdict, error) {
	firstHash, firstSteps, firstResult, err := o.run(functionName, cfg, args)
	if err != nil {
		return nil, errors.Wrap(err, "first run")
	}
	secondHash, secondSteps, secondResult, err := o.run(functionName, cfg, args)
	if err != nil {
		return nil, errors.Wrap(err, "second run")
	}

	verdict := &Verdict{
		FirstHash:    firstHash,
		SecondHash:   secondHash,
		FirstSteps:   firstSteps,
		SecondSteps:  secondSteps,
		FirstResult:  firstResult,
		SecondResult: secondResult,
	}
	verdict.Classification = classify(firstHash, secondHash, firstSteps, secondSteps)

	o.log.Info("determinism verdict",
		zap.String("function", functionName),
		zap.String("classification", string(verdict.Classification)),
		zap.Int("first_steps", firstSteps),
		zap.Int("second_steps", secondSteps))

	return verdict, nil
}

func classify(firstHash, secondHash string, firstSteps, secondSteps int) Classification {
	switch {
	case firstHash == secondHash:
		return FullyDeterministic
	case firstSteps == secondSteps:
		return EpsilonDeterministic
	default:
		return NonDeterministic
	}
}

func (o *Oracle) run(functionName string, cfg sealed.Config, args []vm.Value) (string, int, vm.Value, error) {
	ctx, err := sealed.NewContext(cfg)
	if err != nil {
		return "", 0, nil, err
	}

	opts := o.opts
	opts.Sealed = ctx
	opts.Logger = o.log

	trace := sealed.NewTrace()
	machine := vm.New(o.program, opts)
	frame, err := machine.ExecuteTraced(functionName, trace, args...)
	if err != nil {
		return "", 0, nil, err
	}
	return trace.Seal(), trace.Len(), frame.Primary.ReturnValue, nil
}
