// Package registry is the authoritative channel state of a node: committed
// input levels, commanded and actual output levels, and the in-memory shadow
// of the output port.
//
// All outputs live on one 16-bit expander port. Every change is applied to
// the shadow first and then flushed to hardware in a single port write, so
// the port never shows a partial update. Flushes are serialized by a mutex.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/boxctl/internal/expander"
	"github.com/sweeney/boxctl/internal/fault"
	"github.com/sweeney/boxctl/internal/frame"
)

// Level is a channel level as the registry knows it.
type Level uint8

const (
	Low     Level = Level(frame.OutputLow)
	High    Level = Level(frame.OutputHigh)
	Unknown Level = Level(frame.OutputUnknown)
)

func (l Level) String() string {
	switch l {
	case Low:
		return "LOW"
	case High:
		return "HIGH"
	}
	return "UNKNOWN"
}

// LevelOf converts a boolean level.
func LevelOf(b bool) Level {
	if b {
		return High
	}
	return Low
}

// Interlock is a pair of outputs that must never be high together.
type Interlock struct {
	Up, Down int
}

// Change sets one output channel.
type Change struct {
	Channel int
	Level   bool
}

type input struct {
	level Level
	since time.Time
}

type output struct {
	commanded bool
	actual    Level
	since     time.Time
}

// Registry holds the channel table. Safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	port       expander.Port
	interlocks []Interlock

	inputs  [frame.NumInputs]input
	outputs [frame.NumOutputs]output
	shadow  uint16
	changed uint16

	hwFaults int
}

// New returns a registry over p. Every input and output starts Unknown
// until Init or the first committed sample.
func New(p expander.Port, interlocks []Interlock) *Registry {
	r := &Registry{port: p, interlocks: interlocks}
	for i := range r.inputs {
		r.inputs[i].level = Unknown
	}
	for i := range r.outputs {
		r.outputs[i].actual = Unknown
	}
	return r
}

// Init drives every output low.
func (r *Registry) Init(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadow = 0
	for i := range r.outputs {
		r.outputs[i].commanded = false
	}
	return r.flush(0xFFFF, now)
}

// Sample reads the digital and sensor input ports.
func (r *Registry) Sample() (digital, sensors uint16, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if digital, err = r.port.ReadPort(expander.PortInputs); err != nil {
		r.hwFaults++
		return 0, 0, hardware("read inputs", err)
	}
	if sensors, err = r.port.ReadPort(expander.PortSensors); err != nil {
		r.hwFaults++
		return 0, 0, hardware("read sensors", err)
	}
	return digital, sensors, nil
}

// hardware tags err as a HardwareFault unless the port already did.
func hardware(msg string, err error) error {
	if fault.Of(err) == fault.HardwareFault {
		return err
	}
	return fault.New(fault.HardwareFault, "registry", msg, err)
}

// SetInput records a committed input level.
func (r *Registry) SetInput(ch int, level bool, now time.Time) {
	r.mu.Lock()
	r.inputs[ch] = input{level: LevelOf(level), since: now}
	r.mu.Unlock()
}

// Input returns the committed level of input ch and when it last changed.
func (r *Registry) Input(ch int) (Level, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.inputs[ch]
	return in.level, in.since
}

// Output returns the actual level of output ch.
func (r *Registry) Output(ch int) Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[ch].actual
}

// Commanded returns the last commanded level of output ch.
func (r *Registry) Commanded(ch int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[ch].commanded
}

// Write sets one output.
func (r *Registry) Write(ch int, level bool, now time.Time) error {
	return r.Apply([]Change{{Channel: ch, Level: level}}, now)
}

// Apply sets several outputs in one port write. A change set that would
// leave both outputs of an interlock high is refused with
// fault.SafetyViolation and nothing is written. If the port write fails the
// touched channels become Unknown and a fault.HardwareFault is returned.
func (r *Registry) Apply(changes []Change, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.shadow
	var touched uint16
	for _, c := range changes {
		if c.Channel < 0 || c.Channel >= frame.NumOutputs {
			return fmt.Errorf("registry: output %d out of range", c.Channel)
		}
		bit := uint16(1) << c.Channel
		touched |= bit
		if c.Level {
			next |= bit
		} else {
			next &^= bit
		}
	}
	for _, il := range r.interlocks {
		if next&(1<<il.Up) != 0 && next&(1<<il.Down) != 0 {
			return fault.New(fault.SafetyViolation, "registry",
				fmt.Sprintf("outputs %d and %d both high", il.Up, il.Down), nil)
		}
	}

	r.shadow = next
	for _, c := range changes {
		r.outputs[c.Channel].commanded = c.Level
	}
	return r.flush(touched, now)
}

// flush writes the shadow. Caller holds mu.
func (r *Registry) flush(touched uint16, now time.Time) error {
	err := r.port.WritePort(expander.PortOutputs, r.shadow)
	for ch := range r.outputs {
		if touched&(1<<ch) == 0 {
			continue
		}
		o := &r.outputs[ch]
		next := Unknown
		if err == nil {
			next = LevelOf(r.shadow&(1<<ch) != 0)
		}
		if next != o.actual {
			o.actual, o.since = next, now
			r.changed |= 1 << ch
		}
	}
	if err != nil {
		r.hwFaults++
		return fault.New(fault.HardwareFault, "registry", fmt.Sprintf("flush outputs %#04x", r.shadow), err)
	}
	return nil
}

// TakeChanged returns the outputs whose actual level changed since the last
// call and clears the set.
func (r *Registry) TakeChanged() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.changed
	r.changed = 0
	return m
}

// Snapshot is a copy of the channel table.
type Snapshot struct {
	Inputs    [frame.NumInputs]Level
	Outputs   [frame.NumOutputs]Level
	Commanded uint16
	HWFaults  int
}

// Snapshot copies the current table.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{Commanded: r.shadow, HWFaults: r.hwFaults}
	for i, in := range r.inputs {
		s.Inputs[i] = in.level
	}
	for i, o := range r.outputs {
		s.Outputs[i] = o.actual
	}
	return s
}

// HWFaults returns the number of failed expander transactions.
func (r *Registry) HWFaults() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hwFaults
}
