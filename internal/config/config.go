// Package config holds the node configuration record: identity, role, timing
// tunables, the expander and bus wiring, the shutter group map and the input
// bindings. It is loaded once at startup, validated, and passed by value
// afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/boxctl/internal/frame"
)

// Role selects what a node does on the bus.
type Role string

const (
	RoleController Role = "controller"
	RoleGate       Role = "gate"
)

// Wire returns the role byte carried in heartbeats.
func (r Role) Wire() uint8 {
	if r == RoleGate {
		return 1
	}
	return 0
}

type (
	Config struct {
		Address  int       `yaml:"address"`
		Role     Role      `yaml:"role"`
		LowPower bool      `yaml:"low_power"`
		HTTP     string    `yaml:"http"`
		Timing   Timing    `yaml:"timing"`
		Bus      Bus       `yaml:"bus"`
		Expander Expander  `yaml:"expander"`
		Wake     Wake      `yaml:"wake"`
		Gate     Gate      `yaml:"gate"`
		MQTT     MQTT      `yaml:"mqtt"`
		Shutters []Group   `yaml:"shutters"`
		Bindings []Binding `yaml:"bindings"`
	}

	Timing struct {
		Poll             time.Duration `yaml:"poll"`
		DebounceSamples  int           `yaml:"debounce_samples"`
		Heartbeat        time.Duration `yaml:"heartbeat"`
		SilentFactor     int           `yaml:"silent_factor"`
		PresenceExpiry   time.Duration `yaml:"presence_expiry"`
		ShutterMaxTravel time.Duration `yaml:"shutter_max_travel"`
		ShutterDwell     time.Duration `yaml:"shutter_dwell"`
		ShutterOvertime  time.Duration `yaml:"shutter_overtime"`
		ShortClick       time.Duration `yaml:"short_click"`
		WakeInterval     time.Duration `yaml:"wake_interval"`
		AwakeWindow      time.Duration `yaml:"awake_window"`
		InboxSize        int           `yaml:"inbox_size"`
	}

	Bus struct {
		Interface    string        `yaml:"interface"`
		RetryLimit   int           `yaml:"retry_limit"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
		QueueSize    int           `yaml:"queue_size"`
	}

	// Expander describes the three PCF8575 chips of a node.
	Expander struct {
		I2CBus     string        `yaml:"i2c_bus"`
		InputAddr  uint16        `yaml:"input_addr"`
		OutputAddr uint16        `yaml:"output_addr"`
		SensorAddr uint16        `yaml:"sensor_addr"`
		Timeout    time.Duration `yaml:"expander_timeout"`
		Retries    int           `yaml:"expander_retries"`
	}

	// Wake is the interrupt line used to leave low-power sleep. Line < 0
	// disables it and the node relies on the periodic wake alone.
	Wake struct {
		Chip string `yaml:"chip"`
		Line int    `yaml:"line"`
	}

	Gate struct {
		Serial string `yaml:"serial"`
		Baud   int    `yaml:"baud"`
	}

	MQTT struct {
		Broker string `yaml:"broker"`
		Prefix string `yaml:"prefix"`
	}

	// Group is one shutter: two output channels and the time a full run takes.
	// Travel of zero means unknown: positions are estimated over
	// Timing.ShutterMaxTravel and Up/Down run until it expires.
	Group struct {
		Up     int           `yaml:"up"`
		Down   int           `yaml:"down"`
		Travel time.Duration `yaml:"travel"`
	}

	// Binding runs a local command when an input shows a gesture. Action is
	// an action name such as "toggle" or "shutter_up"; Channel is the output
	// or shutter group it applies to.
	Binding struct {
		Input   int     `yaml:"input"`
		Trigger Trigger `yaml:"trigger"`
		Action  string  `yaml:"action"`
		Channel int     `yaml:"channel"`
		Param   int     `yaml:"param"`
	}
)

// Trigger is the input gesture a binding reacts to.
type Trigger string

const (
	TriggerActivate     Trigger = "activate"
	TriggerDeactivate   Trigger = "deactivate"
	TriggerShort        Trigger = "short"
	TriggerLong         Trigger = "long"
	TriggerLongActivate Trigger = "long_activate"
)

func (t Trigger) known() bool {
	switch t {
	case TriggerActivate, TriggerDeactivate, TriggerShort, TriggerLong, TriggerLongActivate:
		return true
	}
	return false
}

// Command returns the command the binding runs on node addr.
func (b Binding) Command(addr uint8) (frame.Command, error) {
	a, ok := frame.ParseAction(strings.ToUpper(b.Action))
	if !ok {
		return frame.Command{}, fmt.Errorf("unknown action %q", b.Action)
	}
	switch a {
	case frame.ActionTriggerInput, frame.ActionRequestStatus:
		return frame.Command{}, fmt.Errorf("action %q cannot be bound", b.Action)
	}
	if b.Channel < 0 || b.Channel > 255 || b.Param < 0 || b.Param > 255 {
		return frame.Command{}, fmt.Errorf("channel %d or param %d out of range", b.Channel, b.Param)
	}
	cmd := frame.Command{Target: addr, Channel: uint8(b.Channel), Action: a}
	if a == frame.ActionPulse || a == frame.ActionShutterGo {
		cmd.Param, cmd.HasParam = uint8(b.Param), true
	}
	if err := cmd.Frame(0).Validate(); err != nil {
		return frame.Command{}, err
	}
	return cmd, nil
}

// Default returns the record used when no file is given.
func Default() Config {
	return Config{
		Address: 1,
		Role:    RoleController,
		Timing: Timing{
			Poll:             10 * time.Millisecond,
			DebounceSamples:  4,
			Heartbeat:        5 * time.Second,
			SilentFactor:     3,
			PresenceExpiry:   60 * time.Second,
			ShutterMaxTravel: 60 * time.Second,
			ShutterDwell:     500 * time.Millisecond,
			ShutterOvertime:  2 * time.Second,
			ShortClick:       400 * time.Millisecond,
			WakeInterval:     5 * time.Second,
			AwakeWindow:      2 * time.Second,
			InboxSize:        16,
		},
		Bus: Bus{
			Interface:    "can0",
			RetryLimit:   3,
			RetryBackoff: 5 * time.Millisecond,
			QueueSize:    32,
		},
		Expander: Expander{
			I2CBus:     "",
			InputAddr:  0x20,
			OutputAddr: 0x21,
			SensorAddr: 0x22,
			Timeout:    50 * time.Millisecond,
			Retries:    2,
		},
		Wake: Wake{Chip: "gpiochip0", Line: -1},
		Gate: Gate{Serial: "/dev/ttyACM0", Baud: 115200},
		MQTT: MQTT{Prefix: "boxctl"},
	}
}

// Load reads a YAML file on top of Default. Fields absent from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first problem found in the record.
func (c Config) Validate() error {
	if c.Address < 0 || c.Address > 62 {
		return fmt.Errorf("address %d out of range 0..62", c.Address)
	}
	switch c.Role {
	case RoleController, RoleGate:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	t := c.Timing
	if t.DebounceSamples < 1 {
		return errors.New("debounce_samples must be at least 1")
	}
	if t.Poll <= 0 || t.Heartbeat <= 0 {
		return errors.New("poll and heartbeat must be positive")
	}
	if t.SilentFactor < 1 {
		return errors.New("silent_factor must be at least 1")
	}
	if t.ShutterMaxTravel <= 0 {
		return errors.New("shutter_max_travel must be positive")
	}
	if t.ShutterOvertime < 0 || t.ShortClick <= 0 {
		return errors.New("shutter_overtime must not be negative and short_click must be positive")
	}
	if t.InboxSize < 1 || c.Bus.QueueSize < 1 {
		return errors.New("inbox_size and queue_size must be at least 1")
	}
	if c.Bus.RetryLimit < 1 {
		return errors.New("retry_limit must be at least 1")
	}
	if c.LowPower && (t.WakeInterval <= 0 || t.AwakeWindow <= 0) {
		return errors.New("low power needs positive wake_interval and awake_window")
	}
	if len(c.Shutters) > 8 {
		return fmt.Errorf("%d shutter groups, at most 8", len(c.Shutters))
	}
	used := make(map[int]int)
	for i, g := range c.Shutters {
		for _, leg := range []int{g.Up, g.Down} {
			if leg < 0 || leg > 15 {
				return fmt.Errorf("shutter %d: leg %d outside outputs 0..15", i, leg)
			}
			if other, ok := used[leg]; ok {
				return fmt.Errorf("shutter %d: output %d already used by shutter %d", i, leg, other)
			}
			used[leg] = i
		}
		if g.Travel > t.ShutterMaxTravel {
			return fmt.Errorf("shutter %d: travel %v exceeds shutter_max_travel", i, g.Travel)
		}
	}
	for i, b := range c.Bindings {
		if b.Input < 0 || b.Input >= frame.NumInputs {
			return fmt.Errorf("binding %d: input %d outside 0..%d", i, b.Input, frame.NumInputs-1)
		}
		if !b.Trigger.known() {
			return fmt.Errorf("binding %d: unknown trigger %q", i, b.Trigger)
		}
		if _, err := b.Command(uint8(c.Address)); err != nil {
			return fmt.Errorf("binding %d: %w", i, err)
		}
	}
	return nil
}

// SilentAfter is how long a peer may go without a heartbeat.
func (c Config) SilentAfter() time.Duration {
	return time.Duration(c.Timing.SilentFactor) * c.Timing.Heartbeat
}
