// Package frame implements the wire format shared by the field bus and the
// host link. A Frame is a small fixed-layout container for events, commands,
// heartbeats, diagnostics and output reports, keyed by node address and
// channel id.
//
// This package is pure: no I/O, no clocks, no logging.
package frame

import "fmt"

// Type is the frame discriminant. Lower values win CAN arbitration.
type Type uint8

const (
	TypeDiagnostic  Type = 0x02
	TypeCommand     Type = 0x04
	TypeHeartbeat   Type = 0x06
	TypeEvent       Type = 0x08
	TypeOutputState Type = 0x09
)

func (t Type) String() string {
	switch t {
	case TypeDiagnostic:
		return "DIAGNOSTIC"
	case TypeCommand:
		return "COMMAND"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeEvent:
		return "EVENT"
	case TypeOutputState:
		return "OUTPUT_STATE"
	}
	return fmt.Sprintf("TYPE(0x%02x)", uint8(t))
}

func (t Type) known() bool {
	switch t {
	case TypeDiagnostic, TypeCommand, TypeHeartbeat, TypeEvent, TypeOutputState:
		return true
	}
	return false
}

// Priority reports whether frames of this type jump ahead of routine events
// in the send queue.
func (t Type) Priority() bool {
	return t == TypeDiagnostic || t == TypeCommand || t == TypeHeartbeat
}

// Addressing and channel limits.
const (
	// MaxAddress is the highest unicast node address (6-bit CAN field, 63 reserved).
	MaxAddress uint8 = 62
	// Broadcast addresses every node. Commands only.
	Broadcast uint8 = 63

	// NumInputs covers 16 digital inputs (0..15) and 16 sensor inputs (16..31).
	NumInputs = 32
	// NumOutputs is the number of relay/SSR outputs per node.
	NumOutputs = 16
	// MaxGroups is the number of shutter groups a node can host.
	MaxGroups = 8

	// MaxPosition is the fully closed shutter position.
	MaxPosition uint8 = 100
)

// Action is the command verb carried in the action byte of command frames.
type Action uint8

const (
	ActionSetLow       Action = 0x00
	ActionSetHigh      Action = 0x01
	ActionToggle       Action = 0x02
	ActionPulse        Action = 0x03 // param: duration in 100ms units
	ActionTriggerInput Action = 0x04 // param: simulated level

	ActionShutterUp   Action = 0x10
	ActionShutterDown Action = 0x11
	ActionShutterStop Action = 0x12
	ActionShutterGo   Action = 0x13 // param: target position 0..100

	ActionRequestStatus Action = 0x20
)

func (a Action) String() string {
	switch a {
	case ActionSetLow:
		return "SET_LOW"
	case ActionSetHigh:
		return "SET_HIGH"
	case ActionToggle:
		return "TOGGLE"
	case ActionPulse:
		return "PULSE"
	case ActionTriggerInput:
		return "TRIGGER_INPUT"
	case ActionShutterUp:
		return "SHUTTER_UP"
	case ActionShutterDown:
		return "SHUTTER_DOWN"
	case ActionShutterStop:
		return "SHUTTER_STOP"
	case ActionShutterGo:
		return "SHUTTER_GO"
	case ActionRequestStatus:
		return "REQUEST_STATUS"
	}
	return fmt.Sprintf("ACTION(0x%02x)", uint8(a))
}

// IsOutput reports whether the action targets an output channel.
func (a Action) IsOutput() bool {
	return a <= ActionPulse
}

// IsShutter reports whether the action targets a shutter group.
func (a Action) IsShutter() bool {
	return a >= ActionShutterUp && a <= ActionShutterGo
}

// ParseAction maps a name as printed by String back to an Action.
func ParseAction(s string) (Action, bool) {
	for _, a := range []Action{
		ActionSetLow, ActionSetHigh, ActionToggle, ActionPulse, ActionTriggerInput,
		ActionShutterUp, ActionShutterDown, ActionShutterStop, ActionShutterGo,
		ActionRequestStatus,
	} {
		if a.String() == s {
			return a, true
		}
	}
	return 0, false
}

// Output levels reported in OutputState frames.
const (
	OutputLow     uint8 = 0
	OutputHigh    uint8 = 1
	OutputUnknown uint8 = 2
)

// Role of a node, carried in heartbeats.
const (
	RoleController uint8 = 0
	RoleGate       uint8 = 1
)

// Frame is the wire-level container.
//
// Addr is the sender for every type except Command, where it is the target.
// Param is meaningful only when HasParam is set and must be zero otherwise.
type Frame struct {
	Type      Type
	Addr      uint8
	Channel   uint8
	Action    uint8
	Timestamp uint32
	Param     uint8
	HasParam  bool
}

func (f Frame) String() string {
	s := fmt.Sprintf("%s addr=%d ch=%d act=0x%02x ts=%d", f.Type, f.Addr, f.Channel, f.Action, f.Timestamp)
	if f.HasParam {
		s += fmt.Sprintf(" param=%d", f.Param)
	}
	return s
}

// Event is a debounced input transition.
type Event struct {
	Source    uint8
	Channel   uint8
	Level     bool
	Held      uint8 // on a falling edge: time spent high in 100ms units
	Timestamp uint32
}

// Frame wraps the event for transmission.
func (e Event) Frame() Frame {
	f := Frame{Type: TypeEvent, Addr: e.Source, Channel: e.Channel, Timestamp: e.Timestamp}
	if e.Level {
		f.Action = 1
	} else if e.Held > 0 {
		f.Param, f.HasParam = e.Held, true
	}
	return f
}

// Event unwraps an event frame.
func (f Frame) Event() (Event, bool) {
	if f.Type != TypeEvent {
		return Event{}, false
	}
	return Event{
		Source:    f.Addr,
		Channel:   f.Channel,
		Level:     f.Action == 1,
		Held:      f.Param,
		Timestamp: f.Timestamp,
	}, true
}

// Command asks a node to change an output, a shutter group or report status.
type Command struct {
	Target   uint8
	Channel  uint8
	Action   Action
	Param    uint8
	HasParam bool
}

// Frame wraps the command for transmission.
func (c Command) Frame(ts uint32) Frame {
	f := Frame{Type: TypeCommand, Addr: c.Target, Channel: c.Channel, Action: uint8(c.Action), Timestamp: ts}
	if c.HasParam {
		f.Param, f.HasParam = c.Param, true
	}
	return f
}

// Command unwraps a command frame.
func (f Frame) Command() (Command, bool) {
	if f.Type != TypeCommand {
		return Command{}, false
	}
	return Command{
		Target:   f.Addr,
		Channel:  f.Channel,
		Action:   Action(f.Action),
		Param:    f.Param,
		HasParam: f.HasParam,
	}, true
}

// Heartbeat builds a liveness frame. faults saturates at 255.
func Heartbeat(src, role uint8, ts uint32, faults int) Frame {
	return Frame{Type: TypeHeartbeat, Addr: src, Action: role, Timestamp: ts, Param: saturate(faults), HasParam: true}
}

// Diagnostic builds a fault report frame.
func Diagnostic(src, code, channel, detail uint8, ts uint32) Frame {
	return Frame{Type: TypeDiagnostic, Addr: src, Channel: channel, Action: code, Timestamp: ts, Param: detail, HasParam: true}
}

// OutputState builds an applied-output report.
func OutputState(src, channel, level uint8, ts uint32) Frame {
	return Frame{Type: TypeOutputState, Addr: src, Channel: channel, Action: level, Timestamp: ts}
}

func saturate(n int) uint8 {
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return uint8(n)
}
