// Package fault defines the error taxonomy shared by every layer of the node.
// Codes are stable, comparable and travel on the bus as a single byte inside
// diagnostic frames.
package fault

import "errors"

// Code is a stable fault identifier. It implements error.
type Code string

func (c Code) Error() string { return string(c) }

const (
	// HardwareFault: an I/O expander transaction failed or timed out.
	HardwareFault Code = "hardware_fault"
	// MalformedFrame: a frame failed to decode and was dropped.
	MalformedFrame Code = "malformed_frame"
	// BusSaturated: the send queue overflowed or transmit retries ran out.
	BusSaturated Code = "bus_saturated"
	// SafetyViolation: something tried to drive both shutter legs at once.
	SafetyViolation Code = "safety_violation"
	// MovementTimeout: a shutter ran into its movement deadline.
	MovementTimeout Code = "movement_timeout"
	// NodeSilent: a node missed its heartbeats (Gate only, advisory).
	NodeSilent Code = "node_silent"

	// Unknown is returned by Of for errors that carry no Code.
	Unknown Code = "unknown"
)

// E wraps a Code with the operation that failed and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }

// Is lets errors.Is(err, fault.X) match a wrapped E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Code returns the wrapped fault code.
func (e *E) Code() Code { return e.C }

// New builds an *E.
func New(c Code, op, msg string, err error) *E {
	return &E{C: c, Op: op, Msg: msg, Err: err}
}

// Of extracts a Code from an error chain. Nil yields "".
func Of(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Unknown
}

// Diagnostic byte values carried in the action field of diagnostic frames.
const (
	ByteHardwareFault   byte = 0x01
	ByteMalformedFrame  byte = 0x02
	ByteBusSaturated    byte = 0x03
	ByteSafetyViolation byte = 0x04
	ByteMovementTimeout byte = 0x05
	ByteNodeSilent      byte = 0x06
)

var codeToByte = map[Code]byte{
	HardwareFault:   ByteHardwareFault,
	MalformedFrame:  ByteMalformedFrame,
	BusSaturated:    ByteBusSaturated,
	SafetyViolation: ByteSafetyViolation,
	MovementTimeout: ByteMovementTimeout,
	NodeSilent:      ByteNodeSilent,
}

// Byte returns the diagnostic byte for c and whether c is a known code.
func (c Code) Byte() (byte, bool) {
	b, ok := codeToByte[c]
	return b, ok
}

// FromByte maps a diagnostic byte back to its Code.
func FromByte(b byte) (Code, bool) {
	for c, v := range codeToByte {
		if v == b {
			return c, true
		}
	}
	return "", false
}
