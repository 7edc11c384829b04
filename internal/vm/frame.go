package vm

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"shadowthirst/internal/plane"
)

// ExecContext is the mutable state of one plane's execution: stack,
// locals, parameters, and the return slot.
type ExecContext struct {
	FunctionName string
	Plane        plane.Plane

	Stack  []Value
	Locals map[string]Value
	Params []Value

	// Snapshot is the read-only view of primary locals a shadow
	// context reads through when a name is not shadow-local.
	Snapshot map[string]Value

	ReturnValue Value
	HasReturned bool

	Outputs []Value

	Start time.Time
	Steps int
}

func NewExecContext(functionName string, pl plane.Plane, params []Value) *ExecContext {
	return &ExecContext{
		FunctionName: functionName,
		Plane:        pl,
		Locals:       map[string]Value{},
		Params:       params,
		Start:        time.Now(),
	}
}

func (c *ExecContext) Push(v Value) {
	c.Stack = append(c.Stack, v)
}

func (c *ExecContext) Pop() (Value, error) {
	if len(c.Stack) == 0 {
		return nil, fmt.Errorf("stack underflow")
	}
	v := c.Stack[len(c.Stack)-1]
	c.Stack = c.Stack[:len(c.Stack)-1]
	return v, nil
}

func (c *ExecContext) Peek() (Value, bool) {
	if len(c.Stack) == 0 {
		return nil, false
	}
	return c.Stack[len(c.Stack)-1], true
}

// LoadVar resolves a name against locals, then the canonical snapshot.
func (c *ExecContext) LoadVar(name string) (Value, error) {
	if v, ok := c.Locals[name]; ok {
		return v, nil
	}
	if c.Snapshot != nil {
		if v, ok := c.Snapshot[name]; ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("undefined variable %q", name)
}

// StoreVar always writes to this context's locals; the snapshot is
// never written through.
func (c *ExecContext) StoreVar(name string, v Value) {
	c.Locals[name] = v
}

func (c *ExecContext) ElapsedMS() float64 {
	return float64(time.Since(c.Start)) / float64(time.Millisecond)
}

// AuditEvent is one entry of a frame's audit trail.
type AuditEvent struct {
	Time     time.Time
	Event    string
	Function string
	Data     map[string]interface{}
}

// DualFrame holds the complete state of one dual-plane invocation.
// Every Execute call allocates a fresh frame, so the VM itself stays
// safe for concurrent use.
type DualFrame struct {
	ID           uuid.UUID
	FunctionName string

	Primary *ExecContext
	Shadow  *ExecContext

	// ShadowActivated is true once the activation predicate passed.
	ShadowActivated bool

	InvariantResults []bool

	DivergenceDetected  bool
	DivergenceMagnitude float64

	PrimaryFault   error
	ShadowFault    error
	InvariantFault error

	AuditTrail []AuditEvent
}

func NewDualFrame(functionName string, args []Value) *DualFrame {
	return &DualFrame{
		ID:           uuid.New(),
		FunctionName: functionName,
		Primary:      NewExecContext(functionName, plane.Primary, args),
	}
}

// Faulted reports whether any plane faulted.
func (f *DualFrame) Faulted() bool {
	return f.PrimaryFault != nil || f.ShadowFault != nil || f.InvariantFault != nil
}

// InvariantsPassed is true when every checked invariant held. A frame
// with no invariants passes vacuously.
func (f *DualFrame) InvariantsPassed() bool {
	for _, ok := range f.InvariantResults {
		if !ok {
			return false
		}
	}
	return true
}

func (f *DualFrame) RecordAudit(event string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	f.AuditTrail = append(f.AuditTrail, AuditEvent{
		Time:     time.Now(),
		Event:    event,
		Function: f.FunctionName,
		Data:     data,
	})
}
