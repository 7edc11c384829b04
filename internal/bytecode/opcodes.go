package bytecode

import "fmt"

// Opcode is a bytecode instruction opcode. Byte values are part of the
// binary format and must never be reassigned.
type Opcode byte

const (
	OpNop Opcode = 0x00

	// Stack operations
	OpPush Opcode = 0x01
	OpPop  Opcode = 0x02
	OpDup  Opcode = 0x03
	OpSwap Opcode = 0x04

	// Memory operations
	OpLoadVar   Opcode = 0x10
	OpStoreVar  Opcode = 0x11
	OpLoadConst Opcode = 0x12
	OpLoadParam Opcode = 0x13

	// Arithmetic
	OpAdd Opcode = 0x20
	OpSub Opcode = 0x21
	OpMul Opcode = 0x22
	OpDiv Opcode = 0x23
	OpNeg Opcode = 0x24

	// Logical
	OpAnd Opcode = 0x30
	OpOr  Opcode = 0x31
	OpNot Opcode = 0x32

	// Comparison
	OpEq Opcode = 0x40
	OpNe Opcode = 0x41
	OpLt Opcode = 0x42
	OpLe Opcode = 0x43
	OpGt Opcode = 0x44
	OpGe Opcode = 0x45

	// Control flow
	OpJump        Opcode = 0x50
	OpJumpIfFalse Opcode = 0x51
	OpReturn      Opcode = 0x52
	OpCall        Opcode = 0x53

	// I/O
	OpOutput Opcode = 0x60
	OpInput  Opcode = 0x61

	// Sealed sources
	OpSealedRead   Opcode = 0x62
	OpSealedRandom Opcode = 0x63
	OpSealedClock  Opcode = 0x64
	OpClockRead    Opcode = 0x65

	// Shadow operations
	OpActivateShadow   Opcode = 0x70
	OpCheckInvariant   Opcode = 0x71
	OpRecordDivergence Opcode = 0x72
	OpCommitPrimary    Opcode = 0x73
	OpQuarantine       Opcode = 0x74

	// Constitutional operations
	OpValidateAndCommit Opcode = 0x80
	OpSealAudit         Opcode = 0x81

	OpHalt Opcode = 0xFF
)

var opcodeNames = map[Opcode]string{
	OpNop:               "NOP",
	OpPush:              "PUSH",
	OpPop:               "POP",
	OpDup:               "DUP",
	OpSwap:              "SWAP",
	OpLoadVar:           "LOAD_VAR",
	OpStoreVar:          "STORE_VAR",
	OpLoadConst:         "LOAD_CONST",
	OpLoadParam:         "LOAD_PARAM",
	OpAdd:               "ADD",
	OpSub:               "SUB",
	OpMul:               "MUL",
	OpDiv:               "DIV",
	OpNeg:               "NEG",
	OpAnd:               "AND",
	OpOr:                "OR",
	OpNot:               "NOT",
	OpEq:                "EQ",
	OpNe:                "NE",
	OpLt:                "LT",
	OpLe:                "LE",
	OpGt:                "GT",
	OpGe:                "GE",
	OpJump:              "JUMP",
	OpJumpIfFalse:       "JUMP_IF_FALSE",
	OpReturn:            "RETURN",
	OpCall:              "CALL",
	OpOutput:            "OUTPUT",
	OpInput:             "INPUT",
	OpSealedRead:        "SEALED_READ",
	OpSealedRandom:      "SEALED_RANDOM",
	OpSealedClock:       "SEALED_CLOCK",
	OpClockRead:         "CLOCK_READ",
	OpActivateShadow:    "ACTIVATE_SHADOW",
	OpCheckInvariant:    "CHECK_INVARIANT",
	OpRecordDivergence:  "RECORD_DIVERGENCE",
	OpCommitPrimary:     "COMMIT_PRIMARY",
	OpQuarantine:        "QUARANTINE",
	OpValidateAndCommit: "VALIDATE_AND_COMMIT",
	OpSealAudit:         "SEAL_AUDIT",
	OpHalt:              "HALT",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(0x%02X)", byte(op))
}

// Valid reports whether the byte names a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeNames[op]
	return ok
}
