package sealed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Step is one executed instruction in a trace. StateHash chains over
// the previous step, so two traces with equal final hashes executed
// the same steps in the same order with the same results.
type Step struct {
	Index     int           `cbor:"index"`
	Op        string        `cbor:"op"`
	Operands  []interface{} `cbor:"operands"`
	Result    interface{}   `cbor:"result"`
	StateHash string        `cbor:"-"`
}

// Trace records an execution for replay comparison.
type Trace struct {
	mu sync.Mutex

	ID     uuid.UUID
	Steps  []Step
	sealed bool
	chain  [32]byte
}

func NewTrace() *Trace {
	return &Trace{ID: uuid.New()}
}

// Append records a step and extends the hash chain. Appending to a
// sealed trace is a programming error and panics.
func (t *Trace) Append(op string, operands []interface{}, result interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		panic("sealed: append to sealed trace")
	}

	step := Step{
		Index:    len(t.Steps),
		Op:       op,
		Operands: operands,
		Result:   result,
	}

	encoded, err := canonicalEnc.Marshal(step)
	if err != nil {
		// Step payloads are VM values, all CBOR-encodable; anything
		// else is a bug.
		panic(fmt.Sprintf("sealed: encode trace step: %v", err))
	}

	h := sha256.New()
	h.Write(t.chain[:])
	h.Write(encoded)
	copy(t.chain[:], h.Sum(nil))

	step.StateHash = hex.EncodeToString(t.chain[:])
	t.Steps = append(t.Steps, step)
}

// Seal closes the trace and returns the replay hash.
func (t *Trace) Seal() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	return hex.EncodeToString(t.chain[:])
}

// Len returns the number of recorded steps.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Steps)
}
