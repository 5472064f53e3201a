// Package mqtt mirrors Gate traffic to a home-automation broker: every bus
// frame is published as JSON, and JSON commands from the broker are turned
// into bus commands.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/boxctl/internal/fault"
	"github.com/sweeney/boxctl/internal/frame"
)

// Topic layout under a configurable prefix.
const (
	TopicFrames   = "bus/frames"   // one message per bus frame
	TopicSystem   = "gate/system"  // lifecycle and heartbeat snapshots
	TopicStatus   = "gate/status"  // retained ONLINE/OFFLINE, also the will
	TopicCommands = "gate/command" // inbound JSON commands
)

// Topic joins prefix and name.
func Topic(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Publisher publishes gate traffic to the broker.
type Publisher interface {
	// PublishFrame sends one bus frame. Errors should not stop the gate.
	PublishFrame(f frame.Frame) error

	// PublishSystem sends a lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Commander delivers broker commands to handler.
type Commander interface {
	Subscribe(handler func(cmd frame.Command, id string)) error
}

// ConnectionStatus reports whether the broker connection is up.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a gate lifecycle event (STARTUP, SHUTDOWN, HEARTBEAT).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // shutdown only
	RawPayload []byte // pre-formatted JSON; FormatSystemPayload returns it as is
	Retained   bool
}

// FramePayload is the JSON envelope of a mirrored bus frame.
type FramePayload struct {
	Frame FrameJSON `json:"frame"`
}

// FrameJSON describes one frame in host-friendly terms.
type FrameJSON struct {
	Type        string `json:"type"`
	Addr        uint8  `json:"addr"`
	Channel     uint8  `json:"channel"`
	Action      uint8  `json:"action"`
	Name        string `json:"name,omitempty"`
	Param       *uint8 `json:"param,omitempty"`
	TimestampMs uint32 `json:"timestamp_ms"`
}

// FormatFrame creates the JSON payload for a bus frame.
func FormatFrame(f frame.Frame) ([]byte, error) {
	fj := FrameJSON{
		Type:        f.Type.String(),
		Addr:        f.Addr,
		Channel:     f.Channel,
		Action:      f.Action,
		Name:        actionName(f),
		TimestampMs: f.Timestamp,
	}
	if f.HasParam {
		p := f.Param
		fj.Param = &p
	}
	return json.Marshal(FramePayload{Frame: fj})
}

func actionName(f frame.Frame) string {
	switch f.Type {
	case frame.TypeCommand:
		return frame.Action(f.Action).String()
	case frame.TypeEvent:
		if f.Action == 1 {
			return "HIGH"
		}
		return "LOW"
	case frame.TypeOutputState:
		switch f.Action {
		case frame.OutputLow:
			return "LOW"
		case frame.OutputHigh:
			return "HIGH"
		}
		return "UNKNOWN"
	case frame.TypeDiagnostic:
		if c, ok := fault.FromByte(f.Action); ok {
			return string(c)
		}
		return string(fault.Unknown)
	case frame.TypeHeartbeat:
		if f.Action == frame.RoleGate {
			return "GATE"
		}
		return "CONTROLLER"
	}
	return ""
}

// CommandPayload is the JSON accepted on the command topic.
type CommandPayload struct {
	ID      string `json:"id,omitempty"`
	Target  uint8  `json:"target"`
	Channel uint8  `json:"channel"`
	Action  string `json:"action"`
	Param   *uint8 `json:"param,omitempty"`
}

// ParseCommand decodes and validates a broker command. Commands without an
// id get a fresh one so the gate log can correlate them.
func ParseCommand(data []byte) (frame.Command, string, error) {
	var p CommandPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return frame.Command{}, "", fmt.Errorf("decode command: %w", err)
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	a, ok := frame.ParseAction(p.Action)
	if !ok {
		return frame.Command{}, id, fmt.Errorf("command %s: unknown action %q", id, p.Action)
	}
	cmd := frame.Command{Target: p.Target, Channel: p.Channel, Action: a}
	if p.Param != nil {
		cmd.Param, cmd.HasParam = *p.Param, true
	}
	if err := cmd.Frame(0).Validate(); err != nil {
		return frame.Command{}, id, fmt.Errorf("command %s: %w", id, err)
	}
	return cmd, id, nil
}

// SystemPayload is used for events that carry no status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
