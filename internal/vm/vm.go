// Package vm executes dual-plane bytecode. Each invocation runs the
// state machine START, RUN_PRIMARY, CHECK_ACTIVATION, RUN_SHADOW,
// CHECK_INVARIANTS, DONE over a fresh frame; the VM itself holds only
// the loaded program and aggregate counters and is safe for
// concurrent Execute calls.
package vm

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"shadowthirst/internal/bytecode"
	"shadowthirst/internal/plane"
	"shadowthirst/internal/sealed"
)

// Stats aggregates execution counters across invocations.
type Stats struct {
	TotalInstructions atomic.Int64
	ShadowActivations atomic.Int64
	InvariantChecks   atomic.Int64
	Divergences       atomic.Int64
	Faults            atomic.Int64
}

const (
	defaultStepLimit    = 100_000
	defaultMaxCallDepth = 64
)

// Options configure a VM instance.
type Options struct {
	// EnableShadow runs shadow streams; the program's own shadow flag
	// must also be set.
	EnableShadow bool
	// EnableAudit records audit events on frames.
	EnableAudit bool
	// StepLimit bounds each plane's instruction count per invocation.
	StepLimit int
	// MaxCallDepth bounds nested CALLs.
	MaxCallDepth int
	// Sealed services sealed opcodes and INPUT. Without it those
	// opcodes fault.
	Sealed *sealed.Context
	// Output receives OUTPUT values in addition to the frame record.
	Output io.Writer
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// VM executes a loaded program.
type VM struct {
	program *bytecode.Program
	opts    Options
	log     *zap.Logger
	stats   Stats
}

func New(program *bytecode.Program, opts Options) *VM {
	if opts.StepLimit <= 0 {
		opts.StepLimit = defaultStepLimit
	}
	if opts.MaxCallDepth <= 0 {
		opts.MaxCallDepth = defaultMaxCallDepth
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &VM{program: program, opts: opts, log: log}
}

// Stats exposes the aggregate counters.
func (v *VM) Stats() *Stats {
	return &v.stats
}

// Execute runs one dual-plane invocation. Runtime errors are captured
// as plane faults on the returned frame; only an unknown function is
// an error.
func (v *VM) Execute(functionName string, args ...Value) (*DualFrame, error) {
	return v.ExecuteTraced(functionName, nil, args...)
}

// ExecuteTraced is Execute with every executed step recorded on the
// trace for replay comparison.
func (v *VM) ExecuteTraced(functionName string, tracer *sealed.Trace, args ...Value) (*DualFrame, error) {
	fn := v.program.Function(functionName)
	if fn == nil {
		return nil, errors.Errorf("vm: undefined function %q", functionName)
	}
	if len(args) != fn.ParamCount {
		return nil, errors.Errorf("vm: function %q takes %d arguments, got %d",
			functionName, fn.ParamCount, len(args))
	}

	frame := NewDualFrame(functionName, args)
	v.log.Debug("executing function",
		zap.String("function", functionName),
		zap.String("frame_id", frame.ID.String()),
		zap.Bool("has_shadow", fn.HasShadow))

	// RUN_PRIMARY
	if err := v.runStream(fn.Primary, frame.Primary, plane.Primary, frame, tracer, 0); err != nil {
		frame.PrimaryFault = err
		v.stats.Faults.Add(1)
		v.log.Error("primary plane faulted",
			zap.String("function", functionName), zap.Error(err))
	}

	// CHECK_ACTIVATION and RUN_SHADOW. The shadow stream opens with
	// the activation predicate; errNotActivated halts it before the
	// body without a fault.
	if v.shadowEnabled(fn) {
		shadowCtx := NewExecContext(functionName, plane.Shadow, copyValues(args))
		shadowCtx.Snapshot = copyLocals(frame.Primary.Locals)
		frame.Shadow = shadowCtx

		err := v.runStream(fn.Shadow, shadowCtx, plane.Shadow, frame, tracer, 0)
		switch {
		case err == errNotActivated:
			v.log.Debug("shadow not activated", zap.String("function", functionName))
		case err != nil:
			frame.ShadowFault = err
			v.stats.Faults.Add(1)
			v.log.Error("shadow plane faulted",
				zap.String("function", functionName), zap.Error(err))
		}
	}

	// CHECK_INVARIANTS: a fresh pure context seeded with both planes'
	// locals and the two results bound as primary and shadow.
	if fn.HasInvariants {
		invCtx := NewExecContext(functionName, plane.Invariant, nil)
		for k, val := range frame.Primary.Locals {
			invCtx.Locals[k] = val
		}
		if frame.Shadow != nil {
			for k, val := range frame.Shadow.Locals {
				invCtx.Locals[k] = val
			}
		}
		invCtx.Params = copyValues(frame.Primary.Params)
		invCtx.Locals["primary"] = frame.Primary.ReturnValue
		if frame.Shadow != nil {
			invCtx.Locals["shadow"] = frame.Shadow.ReturnValue
		}

		if err := v.runStream(fn.Invariant, invCtx, plane.Invariant, frame, tracer, 0); err != nil {
			frame.InvariantFault = err
			v.stats.Faults.Add(1)
			v.log.Error("invariant plane faulted",
				zap.String("function", functionName), zap.Error(err))
		}
	}

	v.resolveDivergence(frame)

	if v.opts.EnableAudit && v.program.EnableAuditSealing {
		frame.RecordAudit("execution", map[string]interface{}{
			"shadow_activated":     frame.ShadowActivated,
			"divergence_detected":  frame.DivergenceDetected,
			"divergence_magnitude": frame.DivergenceMagnitude,
			"invariants_passed":    frame.InvariantsPassed(),
			"faulted":              frame.Faulted(),
		})
	}

	return frame, nil
}

func (v *VM) shadowEnabled(fn *bytecode.Function) bool {
	return v.opts.EnableShadow && v.program.EnableShadowExecution && fn.HasShadow
}

// resolveDivergence computes the frame's divergence after both planes
// have run. Faults dominate: any fault forces detected divergence
// with infinite magnitude.
func (v *VM) resolveDivergence(frame *DualFrame) {
	if frame.Faulted() {
		frame.DivergenceDetected = true
		frame.DivergenceMagnitude = infinity
		v.stats.Divergences.Add(1)
		return
	}
	if frame.Shadow == nil || !frame.ShadowActivated {
		return
	}

	magnitude := divergenceMagnitude(frame.Primary.ReturnValue, frame.Shadow.ReturnValue)
	frame.DivergenceMagnitude = magnitude
	if magnitude > 0 {
		frame.DivergenceDetected = true
		v.stats.Divergences.Add(1)
		v.log.Warn("divergence detected",
			zap.String("function", frame.FunctionName),
			zap.Any("primary", frame.Primary.ReturnValue),
			zap.Any("shadow", frame.Shadow.ReturnValue),
			zap.Float64("magnitude", magnitude))
	}
}

// errNotActivated halts a shadow stream whose activation predicate
// evaluated false. It never escapes ExecuteTraced.
var errNotActivated = errors.New("shadow not activated")

func (v *VM) runStream(
	insts []bytecode.Instruction,
	ctx *ExecContext,
	effective plane.Plane,
	frame *DualFrame,
	tracer *sealed.Trace,
	depth int,
) error {
	for pc := 0; pc < len(insts); pc++ {
		ctx.Steps++
		if ctx.Steps > v.opts.StepLimit {
			return errors.Errorf("step limit exceeded (%d instructions)", v.opts.StepLimit)
		}
		v.stats.TotalInstructions.Add(1)

		inst := insts[pc]
		jump, err := v.step(inst, ctx, effective, frame, tracer, depth)
		if err != nil {
			return err
		}

		if tracer != nil {
			result, _ := ctx.Peek()
			tracer.Append(inst.Op.String(), inst.Operands, result)
		}

		if ctx.HasReturned {
			return nil
		}
		if jump >= 0 {
			pc = jump - 1
		}
	}
	return nil
}

// step executes one instruction. It returns the jump target, or -1 to
// continue sequentially.
func (v *VM) step(
	inst bytecode.Instruction,
	ctx *ExecContext,
	effective plane.Plane,
	frame *DualFrame,
	tracer *sealed.Trace,
	depth int,
) (int, error) {
	const next = -1

	switch inst.Op {
	case bytecode.OpNop, bytecode.OpHalt:
		return next, nil

	case bytecode.OpPush:
		ctx.Push(operand(inst, 0))
		return next, nil

	case bytecode.OpPop:
		_, err := ctx.Pop()
		return next, err

	case bytecode.OpDup:
		top, ok := ctx.Peek()
		if !ok {
			return next, errors.New("DUP on empty stack")
		}
		ctx.Push(top)
		return next, nil

	case bytecode.OpSwap:
		b, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		a, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		ctx.Push(b)
		ctx.Push(a)
		return next, nil

	case bytecode.OpLoadConst:
		idx, _ := operand(inst, 0).(int64)
		value, err := v.program.Constant(int(idx))
		if err != nil {
			return next, err
		}
		ctx.Push(value)
		return next, nil

	case bytecode.OpLoadVar:
		name, _ := operand(inst, 0).(string)
		value, err := ctx.LoadVar(name)
		if err != nil {
			return next, err
		}
		ctx.Push(value)
		return next, nil

	case bytecode.OpLoadParam:
		idx, _ := operand(inst, 0).(int64)
		if idx < 0 || int(idx) >= len(ctx.Params) {
			return next, errors.Errorf("parameter index %d out of range", idx)
		}
		// Locals shadow parameters, so a reassigned parameter reads
		// its stored value rather than the original argument.
		if name, ok := operand(inst, 1).(string); ok {
			if value, exists := ctx.Locals[name]; exists {
				ctx.Push(value)
				return next, nil
			}
		}
		ctx.Push(ctx.Params[idx])
		return next, nil

	case bytecode.OpStoreVar:
		name, _ := operand(inst, 0).(string)
		qualifier := plane.Qualifier(fmt.Sprintf("%v", operand(inst, 1)))
		if effective == plane.Shadow && qualifier == plane.QualCanonical {
			return next, errors.Errorf("plane-safety fault: shadow write to canonical variable %q", name)
		}
		if effective == plane.Invariant {
			return next, errors.Errorf("purity fault: write to %q during invariant evaluation", name)
		}
		value, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		ctx.StoreVar(name, value)
		return next, nil

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul:
		right, left, err := v.popPair(ctx)
		if err != nil {
			return next, err
		}
		result, err := binaryArith(arithSymbol(inst.Op), left, right)
		if err != nil {
			return next, err
		}
		ctx.Push(result)
		return next, nil

	case bytecode.OpDiv:
		right, left, err := v.popPair(ctx)
		if err != nil {
			return next, err
		}
		result, err := divide(left, right)
		if err != nil {
			return next, err
		}
		ctx.Push(result)
		return next, nil

	case bytecode.OpNeg:
		value, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		result, err := negate(value)
		if err != nil {
			return next, err
		}
		ctx.Push(result)
		return next, nil

	case bytecode.OpAnd, bytecode.OpOr:
		right, left, err := v.popPair(ctx)
		if err != nil {
			return next, err
		}
		if inst.Op == bytecode.OpAnd {
			ctx.Push(Truthy(left) && Truthy(right))
		} else {
			ctx.Push(Truthy(left) || Truthy(right))
		}
		return next, nil

	case bytecode.OpNot:
		value, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		ctx.Push(!Truthy(value))
		return next, nil

	case bytecode.OpEq, bytecode.OpNe:
		right, left, err := v.popPair(ctx)
		if err != nil {
			return next, err
		}
		equal := ValuesEqual(left, right)
		if inst.Op == bytecode.OpNe {
			equal = !equal
		}
		ctx.Push(equal)
		return next, nil

	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		right, left, err := v.popPair(ctx)
		if err != nil {
			return next, err
		}
		result, err := compare(compareSymbol(inst.Op), left, right)
		if err != nil {
			return next, err
		}
		ctx.Push(result)
		return next, nil

	case bytecode.OpJump:
		target, _ := operand(inst, 0).(int64)
		return int(target), nil

	case bytecode.OpJumpIfFalse:
		cond, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		if !Truthy(cond) {
			target, _ := operand(inst, 0).(int64)
			return int(target), nil
		}
		return next, nil

	case bytecode.OpReturn:
		if value, ok := ctx.Peek(); ok {
			ctx.ReturnValue = value
			ctx.Stack = ctx.Stack[:len(ctx.Stack)-1]
		}
		ctx.HasReturned = true
		return next, nil

	case bytecode.OpCall:
		return next, v.call(inst, ctx, effective, frame, tracer, depth)

	case bytecode.OpOutput:
		value, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		ctx.Outputs = append(ctx.Outputs, value)
		if v.opts.Output != nil {
			fmt.Fprintln(v.opts.Output, value)
		}
		return next, nil

	case bytecode.OpInput:
		if v.opts.Sealed == nil {
			return next, errors.New("INPUT requires a sealed context")
		}
		value, err := v.opts.Sealed.NextInput()
		if err != nil {
			return next, err
		}
		ctx.Push(value)
		return next, nil

	case bytecode.OpSealedRead:
		if v.opts.Sealed == nil {
			return next, errors.New("SEALED_READ requires a sealed context")
		}
		key, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		keyStr, ok := key.(string)
		if !ok {
			return next, errors.Errorf("SEALED_READ key must be a string, got %T", key)
		}
		value, err := v.opts.Sealed.Read(keyStr)
		if err != nil {
			return next, err
		}
		ctx.Push(value)
		return next, nil

	case bytecode.OpSealedRandom:
		if v.opts.Sealed == nil {
			return next, errors.New("SEALED_RANDOM requires a sealed context")
		}
		ctx.Push(v.opts.Sealed.Random())
		return next, nil

	case bytecode.OpSealedClock:
		if v.opts.Sealed == nil {
			return next, errors.New("SEALED_CLOCK requires a sealed context")
		}
		ctx.Push(v.opts.Sealed.Clock())
		return next, nil

	case bytecode.OpClockRead:
		if effective != plane.Primary {
			return next, errors.New("wall-clock read outside the primary plane")
		}
		ctx.Push(time.Now().UnixNano())
		return next, nil

	case bytecode.OpActivateShadow:
		cond, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		if !Truthy(cond) {
			return next, errNotActivated
		}
		frame.ShadowActivated = true
		v.stats.ShadowActivations.Add(1)
		return next, nil

	case bytecode.OpCheckInvariant:
		cond, err := ctx.Pop()
		if err != nil {
			return next, err
		}
		frame.InvariantResults = append(frame.InvariantResults, Truthy(cond))
		v.stats.InvariantChecks.Add(1)
		return next, nil

	case bytecode.OpRecordDivergence:
		if v.opts.EnableAudit {
			frame.RecordAudit("record_divergence", map[string]interface{}{
				"magnitude": frame.DivergenceMagnitude,
			})
		}
		return next, nil

	case bytecode.OpCommitPrimary:
		if v.opts.EnableAudit {
			frame.RecordAudit("commit_primary", nil)
		}
		return next, nil

	case bytecode.OpQuarantine:
		if v.opts.EnableAudit {
			frame.RecordAudit("quarantine", nil)
		}
		return next, nil

	case bytecode.OpValidateAndCommit:
		if v.opts.EnableAudit {
			frame.RecordAudit("validate_and_commit", nil)
		}
		return next, nil

	case bytecode.OpSealAudit:
		if v.opts.EnableAudit {
			frame.RecordAudit("seal", map[string]interface{}{
				"instruction_count": ctx.Steps,
			})
		}
		return next, nil
	}

	return next, errors.Errorf("unhandled opcode %s", inst.Op)
}

// call executes the callee's primary stream in a fresh context that
// inherits the caller's plane, so plane safety is enforced through
// the call.
func (v *VM) call(
	inst bytecode.Instruction,
	ctx *ExecContext,
	effective plane.Plane,
	frame *DualFrame,
	tracer *sealed.Trace,
	depth int,
) error {
	if depth >= v.opts.MaxCallDepth {
		return errors.Errorf("call depth limit exceeded (%d)", v.opts.MaxCallDepth)
	}

	name, _ := operand(inst, 0).(string)
	argc, _ := operand(inst, 1).(int64)

	callee := v.program.Function(name)
	if callee == nil {
		return errors.Errorf("undefined function %q", name)
	}
	if int(argc) != callee.ParamCount {
		return errors.Errorf("function %q takes %d arguments, got %d", name, callee.ParamCount, argc)
	}

	args := make([]Value, argc)
	for i := int(argc) - 1; i >= 0; i-- {
		value, err := ctx.Pop()
		if err != nil {
			return err
		}
		args[i] = value
	}

	calleeCtx := NewExecContext(name, effective, args)
	calleeCtx.Snapshot = ctx.Snapshot
	if err := v.runStream(callee.Primary, calleeCtx, effective, frame, tracer, depth+1); err != nil {
		return errors.Wrapf(err, "in call to %q", name)
	}
	ctx.Push(calleeCtx.ReturnValue)
	return nil
}

func (v *VM) popPair(ctx *ExecContext) (right, left Value, err error) {
	right, err = ctx.Pop()
	if err != nil {
		return nil, nil, err
	}
	left, err = ctx.Pop()
	return right, left, err
}

func operand(inst bytecode.Instruction, i int) interface{} {
	if i >= len(inst.Operands) {
		return nil
	}
	return inst.Operands[i]
}

func arithSymbol(op bytecode.Opcode) string {
	switch op {
	case bytecode.OpAdd:
		return "+"
	case bytecode.OpSub:
		return "-"
	default:
		return "*"
	}
}

func compareSymbol(op bytecode.Opcode) string {
	switch op {
	case bytecode.OpLt:
		return "<"
	case bytecode.OpLe:
		return "<="
	case bytecode.OpGt:
		return ">"
	default:
		return ">="
	}
}

func copyValues(in []Value) []Value {
	out := make([]Value, len(in))
	copy(out, in)
	return out
}

func copyLocals(in map[string]Value) map[string]Value {
	out := make(map[string]Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
