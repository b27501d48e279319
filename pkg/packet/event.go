package packet

import (
	"fmt"
	"strings"

	"github.com/wonderland/bridge/pkg/types"
)

// Event is an immutable broadcast unit: an opaque numeric identifier and
// up to four string arguments. Its wire body is compiled once at
// construction so that every observer receives identical bytes.
//
// Events are compared by identity. Two events with equal contents are
// distinct queue entries.
type Event struct {
	op   Op
	args []string
	wire []byte
}

// NewEvent validates and compiles an event. At least one argument must be
// non-empty and none may contain the delimiter.
func NewEvent(op Op, args ...string) (*Event, error) {
	if len(args) > MaxFields {
		return nil, types.NewError(types.ErrCodeMalformedPacket,
			fmt.Sprintf("event %d carries %d arguments, at most %d allowed", uint32(op), len(args), MaxFields))
	}

	wire, err := Compile(op, args...)
	if err != nil {
		return nil, err
	}

	kept := make([]string, 0, len(args))
	for _, a := range args {
		if a != "" {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		return nil, types.NewError(types.ErrCodeMalformedPacket,
			fmt.Sprintf("event %d has no arguments", uint32(op)))
	}

	return &Event{op: op, args: kept, wire: wire}, nil
}

// EventFromPacket converts a decoded packet into an event with the same
// identifier and fields
func EventFromPacket(p Packet) (*Event, error) {
	return NewEvent(p.Op, p.Fields...)
}

// Op returns the event identifier
func (e *Event) Op() Op {
	return e.op
}

// Args returns a copy of the non-empty arguments in order
func (e *Event) Args() []string {
	return append([]string(nil), e.args...)
}

// Compile returns the event's wire body. The slice is shared and must not
// be modified.
func (e *Event) Compile() []byte {
	return e.wire
}

// String returns a printable representation of the event
func (e *Event) String() string {
	return fmt.Sprintf("%s[%s]", e.op, strings.Join(e.args, "|"))
}
