package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"shadowthirst/internal/plane"
)

// Binary layout:
//
//	"SHAD" | version uint16 | flags byte
//	constants: count uint16, entries tag+value
//	functions: count uint16, per-function records
//
// Every value (constant or operand) is tagged so decoding is exact:
// a decoded program re-encodes byte-identically.
const (
	magic   = "SHAD"
	version = 0x0100

	flagShadowExecution = 0x01
	flagAuditSealing    = 0x02

	tagInt    = 0x01
	tagFloat  = 0x02
	tagString = 0x03
	tagBool   = 0x04
	tagNull   = 0x05
)

// CodecError reports a malformed program with the offending offset.
type CodecError struct {
	Message string
	Offset  int
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("bytecode codec: %s at offset %d", e.Message, e.Offset)
}

// Encode serializes the program.
func Encode(prog *Program) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(magic)
	writeUint16(&buf, version)

	flags := byte(0)
	if prog.EnableShadowExecution {
		flags |= flagShadowExecution
	}
	if prog.EnableAuditSealing {
		flags |= flagAuditSealing
	}
	buf.WriteByte(flags)

	if len(prog.Constants) > math.MaxUint16 {
		return nil, &CodecError{Message: "constant pool too large", Offset: buf.Len()}
	}
	writeUint16(&buf, uint16(len(prog.Constants)))
	for _, c := range prog.Constants {
		if err := writeValue(&buf, c); err != nil {
			return nil, err
		}
	}

	if len(prog.Functions) > math.MaxUint16 {
		return nil, &CodecError{Message: "too many functions", Offset: buf.Len()}
	}
	writeUint16(&buf, uint16(len(prog.Functions)))
	for i := range prog.Functions {
		if err := encodeFunction(&buf, &prog.Functions[i]); err != nil {
			return nil, errors.Wrapf(err, "function %q", prog.Functions[i].Name)
		}
	}

	return buf.Bytes(), nil
}

func encodeFunction(buf *bytes.Buffer, fn *Function) error {
	if err := writeString(buf, fn.Name); err != nil {
		return err
	}
	if fn.ParamCount < 0 || fn.ParamCount > math.MaxUint8 {
		return &CodecError{Message: fmt.Sprintf("parameter count %d exceeds 8-bit encoding", fn.ParamCount), Offset: buf.Len()}
	}
	if fn.LocalCount < 0 || fn.LocalCount > math.MaxUint8 {
		return &CodecError{Message: fmt.Sprintf("local count %d exceeds 8-bit encoding", fn.LocalCount), Offset: buf.Len()}
	}
	buf.WriteByte(byte(fn.ParamCount))
	buf.WriteByte(byte(fn.LocalCount))
	writeBool(buf, fn.HasShadow)
	writeBool(buf, fn.HasInvariants)

	if err := writeString(buf, string(fn.Divergence.Kind)); err != nil {
		return err
	}
	var eps [8]byte
	binary.BigEndian.PutUint64(eps[:], math.Float64bits(fn.Divergence.Epsilon))
	buf.Write(eps[:])
	if err := writeString(buf, string(fn.Mutation)); err != nil {
		return err
	}

	for _, stream := range [][]Instruction{fn.Primary, fn.Shadow, fn.Invariant} {
		if len(stream) > math.MaxUint16 {
			return &CodecError{Message: "instruction stream too large", Offset: buf.Len()}
		}
		writeUint16(buf, uint16(len(stream)))
		for _, inst := range stream {
			if err := encodeInstruction(buf, inst); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeInstruction(buf *bytes.Buffer, inst Instruction) error {
	if !inst.Op.Valid() {
		return &CodecError{Message: fmt.Sprintf("unknown opcode 0x%02X", byte(inst.Op)), Offset: buf.Len()}
	}
	if !inst.Plane.Valid() {
		return &CodecError{Message: fmt.Sprintf("invalid plane tag 0x%02X", byte(inst.Plane)), Offset: buf.Len()}
	}
	buf.WriteByte(byte(inst.Op))
	buf.WriteByte(byte(inst.Plane))
	if len(inst.Operands) > math.MaxUint8 {
		return &CodecError{Message: "too many operands", Offset: buf.Len()}
	}
	buf.WriteByte(byte(len(inst.Operands)))
	for _, op := range inst.Operands {
		if err := writeValue(buf, op); err != nil {
			return err
		}
	}
	return nil
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case int64:
		if val > math.MaxInt32 || val < math.MinInt32 {
			return &CodecError{Message: fmt.Sprintf("integer %d exceeds 32-bit encoding range", val), Offset: buf.Len()}
		}
		buf.WriteByte(tagInt)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(val)))
		buf.Write(b[:])
	case float64:
		buf.WriteByte(tagFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(val))
		buf.Write(b[:])
	case string:
		buf.WriteByte(tagString)
		if err := writeString(buf, val); err != nil {
			return err
		}
	case bool:
		buf.WriteByte(tagBool)
		writeBool(buf, val)
	case nil:
		buf.WriteByte(tagNull)
	default:
		return &CodecError{Message: fmt.Sprintf("unsupported operand type %T", v), Offset: buf.Len()}
	}
	return nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return &CodecError{Message: fmt.Sprintf("string length %d exceeds 16-bit prefix", len(s)), Offset: buf.Len()}
	}
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

// Decode parses a serialized program. A decoded program re-encodes to
// the identical byte sequence.
func Decode(data []byte) (*Program, error) {
	r := &reader{data: data}

	if string(r.take(4)) != magic {
		return nil, &CodecError{Message: "bad magic", Offset: 0}
	}
	if v := r.uint16(); v != version {
		return nil, &CodecError{Message: fmt.Sprintf("unsupported version 0x%04X", v), Offset: 4}
	}

	flags := r.byte()
	prog := &Program{
		EnableShadowExecution: flags&flagShadowExecution != 0,
		EnableAuditSealing:    flags&flagAuditSealing != 0,
	}

	constCount := int(r.uint16())
	for i := 0; i < constCount; i++ {
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		prog.Constants = append(prog.Constants, v)
	}

	fnCount := int(r.uint16())
	for i := 0; i < fnCount; i++ {
		fn, err := decodeFunction(r)
		if err != nil {
			return nil, errors.Wrapf(err, "function %d", i)
		}
		prog.Functions = append(prog.Functions, fn)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(data) {
		return nil, &CodecError{Message: "trailing bytes after program", Offset: r.pos}
	}
	return prog, nil
}

func decodeFunction(r *reader) (Function, error) {
	fn := Function{
		Name:          r.string(),
		ParamCount:    int(r.byte()),
		LocalCount:    int(r.byte()),
		HasShadow:     r.byte() != 0,
		HasInvariants: r.byte() != 0,
	}

	fn.Divergence.Kind = plane.PolicyKind(r.string())
	fn.Divergence.Epsilon = math.Float64frombits(binary.BigEndian.Uint64(r.take(8)))
	fn.Mutation = plane.Boundary(r.string())

	for _, stream := range []*[]Instruction{&fn.Primary, &fn.Shadow, &fn.Invariant} {
		count := int(r.uint16())
		for i := 0; i < count; i++ {
			inst, err := decodeInstruction(r)
			if err != nil {
				return fn, err
			}
			*stream = append(*stream, inst)
		}
	}
	return fn, r.err
}

func decodeInstruction(r *reader) (Instruction, error) {
	inst := Instruction{
		Op:    Opcode(r.byte()),
		Plane: plane.Plane(r.byte()),
	}
	if r.err == nil && !inst.Op.Valid() {
		return inst, &CodecError{Message: fmt.Sprintf("unknown opcode 0x%02X", byte(inst.Op)), Offset: r.pos - 2}
	}
	if r.err == nil && !inst.Plane.Valid() {
		return inst, &CodecError{Message: fmt.Sprintf("invalid plane tag 0x%02X", byte(inst.Plane)), Offset: r.pos - 1}
	}

	count := int(r.byte())
	for i := 0; i < count; i++ {
		v, err := r.value()
		if err != nil {
			return inst, err
		}
		inst.Operands = append(inst.Operands, v)
	}
	return inst, r.err
}

// reader tracks position and the first error; subsequent reads after
// an error return zero values so callers can check once.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(msg string) {
	if r.err == nil {
		r.err = &CodecError{Message: msg, Offset: r.pos}
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil || r.pos+n > len(r.data) {
		r.fail("unexpected end of data")
		return make([]byte, n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) byte() byte {
	return r.take(1)[0]
}

func (r *reader) uint16() uint16 {
	return binary.BigEndian.Uint16(r.take(2))
}

func (r *reader) string() string {
	n := int(r.uint16())
	return string(r.take(n))
}

func (r *reader) value() (interface{}, error) {
	tag := r.byte()
	if r.err != nil {
		return nil, r.err
	}
	switch tag {
	case tagInt:
		return int64(int32(binary.BigEndian.Uint32(r.take(4)))), r.err
	case tagFloat:
		return math.Float64frombits(binary.BigEndian.Uint64(r.take(8))), r.err
	case tagString:
		return r.string(), r.err
	case tagBool:
		return r.byte() != 0, r.err
	case tagNull:
		return nil, r.err
	default:
		return nil, &CodecError{Message: fmt.Sprintf("unknown value tag 0x%02X", tag), Offset: r.pos - 1}
	}
}
