package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/sweeney/boxctl/internal/fault"
)

// Binary sizes of an encoded frame.
const (
	Size          = 8
	SizeWithParam = 9
)

// Encode writes f in the fixed binary layout:
//
//	[type, addr, channel, action, ts0, ts1, ts2, ts3, param?]
//
// The timestamp is little-endian. Encoding never fails; validity is checked
// on the receiving side.
func Encode(f Frame) []byte {
	n := Size
	if f.HasParam {
		n = SizeWithParam
	}
	b := make([]byte, n)
	b[0] = byte(f.Type)
	b[1] = f.Addr
	b[2] = f.Channel
	b[3] = f.Action
	binary.LittleEndian.PutUint32(b[4:8], f.Timestamp)
	if f.HasParam {
		b[8] = f.Param
	}
	return b
}

// Decode parses the fixed binary layout. Any structural or range problem
// yields an error matching fault.MalformedFrame.
func Decode(b []byte) (Frame, error) {
	if len(b) != Size && len(b) != SizeWithParam {
		return Frame{}, malformed("length %d", len(b))
	}
	f := Frame{
		Type:      Type(b[0]),
		Addr:      b[1],
		Channel:   b[2],
		Action:    b[3],
		Timestamp: binary.LittleEndian.Uint32(b[4:8]),
	}
	if len(b) == SizeWithParam {
		f.Param, f.HasParam = b[8], true
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks type, address, channel and action ranges.
func (f Frame) Validate() error {
	if !f.Type.known() {
		return malformed("unknown type 0x%02x", uint8(f.Type))
	}
	if f.Addr > MaxAddress && !(f.Addr == Broadcast && f.Type == TypeCommand) {
		return malformed("address %d out of range for %s", f.Addr, f.Type)
	}
	if !f.HasParam && f.Param != 0 {
		return malformed("param set without flag")
	}

	switch f.Type {
	case TypeEvent:
		if f.Channel >= NumInputs {
			return malformed("input channel %d out of range", f.Channel)
		}
		if f.Action > 1 {
			return malformed("event level %d", f.Action)
		}
	case TypeOutputState:
		if f.Channel >= NumOutputs {
			return malformed("output channel %d out of range", f.Channel)
		}
		if f.Action > OutputUnknown {
			return malformed("output level %d", f.Action)
		}
	case TypeHeartbeat:
		if f.Channel != 0 {
			return malformed("heartbeat channel %d", f.Channel)
		}
		if f.Action != RoleController && f.Action != RoleGate {
			return malformed("heartbeat role %d", f.Action)
		}
	case TypeDiagnostic:
		if f.Channel >= NumInputs {
			return malformed("diagnostic channel %d out of range", f.Channel)
		}
		if _, ok := fault.FromByte(f.Action); !ok {
			return malformed("diagnostic code 0x%02x", f.Action)
		}
	case TypeCommand:
		return validateCommand(f)
	}
	return nil
}

func validateCommand(f Frame) error {
	a := Action(f.Action)
	switch {
	case a.IsOutput():
		if f.Channel >= NumOutputs {
			return malformed("output channel %d out of range", f.Channel)
		}
		if a == ActionPulse && (!f.HasParam || f.Param == 0) {
			return malformed("pulse without duration")
		}
	case a == ActionTriggerInput:
		if f.Channel >= NumInputs {
			return malformed("input channel %d out of range", f.Channel)
		}
		if !f.HasParam || f.Param > 1 {
			return malformed("trigger without level")
		}
	case a.IsShutter():
		if f.Channel >= MaxGroups {
			return malformed("shutter group %d out of range", f.Channel)
		}
		if a == ActionShutterGo && (!f.HasParam || f.Param > MaxPosition) {
			return malformed("shutter position missing or above %d", MaxPosition)
		}
	case a == ActionRequestStatus:
		if f.Channel != 0 {
			return malformed("status request channel %d", f.Channel)
		}
	default:
		return malformed("unknown action 0x%02x", f.Action)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fault.New(fault.MalformedFrame, "decode", fmt.Sprintf(format, args...), nil)
}
