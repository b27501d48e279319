// Package packet implements the delimited textual packet format spoken on
// wonderland sockets.
//
// A packet body is a decimal operation identifier followed by up to four
// string fields, all joined by the reserved Delimiter byte (0x01):
//
//	<op> 0x01 <a1> 0x01 <a2> 0x01 <a3> 0x01 <a4>
//
// Empty fields are omitted when compiling. The delimiter is the only
// framing inside a packet; message boundaries on the socket are framed
// separately by package ipc. Fields must never contain the delimiter:
// Compile rejects them, and if one arrives on the wire Decode either
// fails with MALFORMED_PACKET (field count out of shape) or yields an
// extra positional field.
package packet

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/wonderland/bridge/pkg/types"
)

// Delimiter separates the operation identifier and fields of a packet
const Delimiter byte = 0x01

// MaxFields is the largest number of fields a packet may carry
const MaxFields = 4

// Op is a packet operation identifier
type Op uint32

// Operations understood by the bridge itself. Identifiers at or above
// FirstEventOp are opaque event identifiers owned by the service.
const (
	OpHello       Op = 1  // observer handshake: ip, port
	OpAttach      Op = 2  // service handshake: wonderland id
	OpWelcome     Op = 3  // handshake reply: comm id
	OpAck         Op = 4  // generic reply: acknowledged op
	OpLimboAccept Op = 5  // ip, port
	OpLimboDeny   Op = 6  // ip, port, reason
	OpLimboQuery  Op = 7  // ip, port
	OpCommand     Op = 8  // observer command: a1..a4
	OpDirective   Op = 9  // command relayed to the service: comm id, a1..a3
	OpError       Op = 10 // code, message
	OpPing        Op = 11 // optional token
	OpTerminate   Op = 12 // service closes an observer: comm id

	FirstEventOp Op = 64
)

var opNames = map[Op]string{
	OpHello:       "hello",
	OpAttach:      "attach",
	OpWelcome:     "welcome",
	OpAck:         "ack",
	OpLimboAccept: "limbo_accept",
	OpLimboDeny:   "limbo_deny",
	OpLimboQuery:  "limbo_query",
	OpCommand:     "command",
	OpDirective:   "directive",
	OpError:       "error",
	OpPing:        "ping",
	OpTerminate:   "terminate",
}

// String returns the operation name, or "event(N)" for event identifiers
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	if o.IsEvent() {
		return fmt.Sprintf("event(%d)", uint32(o))
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

// IsEvent reports whether o is in the service-owned event range
func (o Op) IsEvent() bool {
	return o >= FirstEventOp
}

// Packet is a decoded packet
type Packet struct {
	Op     Op
	Fields []string
}

// New builds a packet value. Fields are copied.
func New(op Op, fields ...string) Packet {
	return Packet{Op: op, Fields: append([]string(nil), fields...)}
}

// Field returns field i, or "" when the packet carries fewer fields
func (p Packet) Field(i int) string {
	if i < 0 || i >= len(p.Fields) {
		return ""
	}
	return p.Fields[i]
}

// Encode compiles the packet to its wire body
func (p Packet) Encode() ([]byte, error) {
	return Compile(p.Op, p.Fields...)
}

// String returns a printable representation with the delimiter shown as '|'
func (p Packet) String() string {
	return fmt.Sprintf("%s[%s]", p.Op, strings.Join(p.Fields, "|"))
}

// Compile serializes an operation identifier and its fields into a wire
// body. Empty fields are skipped. A field containing the delimiter, or more
// than MaxFields non-empty fields, is a protocol violation.
func Compile(op Op, fields ...string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatUint(uint64(op), 10))

	n := 0
	for i, field := range fields {
		if field == "" {
			continue
		}
		if strings.IndexByte(field, Delimiter) >= 0 {
			return nil, types.NewError(types.ErrCodeMalformedPacket,
				fmt.Sprintf("field %d of %s contains the packet delimiter", i+1, op))
		}
		n++
		if n > MaxFields {
			return nil, types.NewError(types.ErrCodeMalformedPacket,
				fmt.Sprintf("%s carries more than %d fields", op, MaxFields))
		}
		buf.WriteByte(Delimiter)
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

// MustCompile is like Compile but panics on error. For use with constant fields.
func MustCompile(op Op, fields ...string) []byte {
	b, err := Compile(op, fields...)
	if err != nil {
		panic(err)
	}
	return b
}

// Shape is the inclusive range of field counts expected for an operation
type Shape struct {
	Min int
	Max int
}

// EventShape is the shape of every event operation
var EventShape = Shape{Min: 1, Max: MaxFields}

// Table is a receiving side's dispatch table. It decides which operations
// are acceptable and how many fields each must carry.
type Table struct {
	Ops map[Op]Shape
	// Events admits operations in the event range with EventShape
	Events bool
}

// ShapeOf returns the expected shape for op
func (t Table) ShapeOf(op Op) (Shape, bool) {
	if shape, ok := t.Ops[op]; ok {
		return shape, true
	}
	if t.Events && op.IsEvent() {
		return EventShape, true
	}
	return Shape{}, false
}

// Decode splits a wire body into a packet and checks it against the
// receiving side's dispatch table
func Decode(raw []byte, table Table) (Packet, error) {
	if len(raw) == 0 {
		return Packet{}, types.NewError(types.ErrCodeMalformedPacket, "empty packet")
	}

	tokens := strings.Split(string(raw), string(Delimiter))

	id, err := strconv.ParseUint(tokens[0], 10, 32)
	if err != nil {
		return Packet{}, types.WrapError(types.ErrCodeMalformedPacket,
			fmt.Sprintf("operation identifier %q is not an unsigned integer", tokens[0]), err)
	}
	op := Op(id)

	fields := tokens[1:]
	for i, field := range fields {
		if field == "" {
			return Packet{}, types.NewError(types.ErrCodeMalformedPacket,
				fmt.Sprintf("%s has an empty field at position %d", op, i+1))
		}
	}

	shape, ok := table.ShapeOf(op)
	if !ok {
		return Packet{}, types.NewError(types.ErrCodeMalformedPacket,
			fmt.Sprintf("%s is not accepted here", op))
	}
	if len(fields) < shape.Min || len(fields) > shape.Max {
		return Packet{}, types.NewError(types.ErrCodeMalformedPacket,
			fmt.Sprintf("%s expects %d..%d fields, got %d", op, shape.Min, shape.Max, len(fields)))
	}

	return Packet{Op: op, Fields: fields}, nil
}

// ErrorPacket builds the wire body of an error reply for err
func ErrorPacket(err error) []byte {
	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrCodeInternal
	}
	return MustCompile(OpError, code, Sanitize(err.Error()))
}

// Sanitize replaces delimiter bytes so free text can travel as a field
func Sanitize(s string) string {
	return strings.ReplaceAll(s, string(Delimiter), " ")
}
