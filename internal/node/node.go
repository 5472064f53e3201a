// Package node is the control core of a box: it polls the inputs through the
// debounce filter, turns committed transitions into bus events and local
// bindings, applies inbound commands to the outputs and shutter groups, and
// reports every fault as a diagnostic frame.
//
// Poll, HandleFrame and Tick are the step functions of the control loop and
// take the current time explicitly; Run drives them from a ticker.
package node

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/boxctl/internal/config"
	"github.com/sweeney/boxctl/internal/debounce"
	"github.com/sweeney/boxctl/internal/expander"
	"github.com/sweeney/boxctl/internal/fault"
	"github.com/sweeney/boxctl/internal/frame"
	"github.com/sweeney/boxctl/internal/gpio"
	"github.com/sweeney/boxctl/internal/registry"
	"github.com/sweeney/boxctl/internal/shutter"
	"github.com/sweeney/boxctl/internal/status"
)

// pulseUnit is the time base of Pulse durations and held times.
const pulseUnit = 100 * time.Millisecond

// Sink takes outbound frames. bus.Transport implements it.
type Sink interface {
	Enqueue(f frame.Frame) bool
}

// Stats counts controller activity since start.
type Stats struct {
	Events       int
	Commands     int
	Faults       int
	InboxDropped int
}

type leg struct {
	group int
	dir   shutter.Direction
	ok    bool
}

// binding is a compiled config.Binding.
type binding struct {
	trigger config.Trigger
	cmd     frame.Command
}

// Controller owns the channel registry of one node. All exported methods are
// safe for concurrent use.
type Controller struct {
	cfg   config.Config
	addr  uint8
	role  uint8
	start time.Time
	out   Sink
	wake  gpio.WakeLine
	now   func() time.Time

	inbox chan frame.Frame

	mu        sync.Mutex
	reg       *registry.Registry
	filter    *debounce.Filter
	shutters  []*shutter.Controller
	legs      [frame.NumOutputs]leg
	pulses    [frame.NumOutputs]time.Time
	highSince [frame.NumInputs]time.Time
	trans     []debounce.Transition
	bindings  [frame.NumInputs][]binding
	longFired [frame.NumInputs]bool

	sampleFailing  bool
	releaseFailing []bool
	lastActivity  time.Time
	awake         bool
	stats         Stats
}

// New builds a controller for cfg over port. wake may be nil. start is the
// zero of frame timestamps.
func New(cfg config.Config, port expander.Port, out Sink, wake gpio.WakeLine, start time.Time) *Controller {
	var interlocks []registry.Interlock
	for _, g := range cfg.Shutters {
		interlocks = append(interlocks, registry.Interlock{Up: g.Up, Down: g.Down})
	}
	c := &Controller{
		cfg:          cfg,
		addr:         uint8(cfg.Address),
		role:         cfg.Role.Wire(),
		start:        start,
		out:          out,
		wake:         wake,
		now:          time.Now,
		inbox:        make(chan frame.Frame, max(cfg.Timing.InboxSize, 1)),
		reg:          registry.New(port, interlocks),
		filter:       debounce.New(frame.NumInputs, cfg.Timing.DebounceSamples),
		trans:        make([]debounce.Transition, 0, frame.NumInputs),
		lastActivity: start,
		awake:        true,
	}
	for i, g := range cfg.Shutters {
		sc := shutter.New(i, legPair{reg: c.reg, up: g.Up, down: g.Down}, shutter.Config{
			MaxTravel: cfg.Timing.ShutterMaxTravel,
			Travel:    g.Travel,
			Overtime:  cfg.Timing.ShutterOvertime,
			Dwell:     cfg.Timing.ShutterDwell,
		})
		c.shutters = append(c.shutters, sc)
		c.legs[g.Up] = leg{group: i, dir: shutter.Up, ok: true}
		c.legs[g.Down] = leg{group: i, dir: shutter.Down, ok: true}
	}
	c.releaseFailing = make([]bool, len(c.shutters))
	for i, b := range cfg.Bindings {
		if b.Input < 0 || b.Input >= frame.NumInputs {
			log.Printf("node: skipping binding %d: no input %d", i, b.Input)
			continue
		}
		cmd, err := b.Command(c.addr)
		if err != nil {
			log.Printf("node: skipping binding %d: %v", i, err)
			continue
		}
		c.bindings[b.Input] = append(c.bindings[b.Input], binding{trigger: b.Trigger, cmd: cmd})
	}
	return c
}

// legPair writes both legs of a group in one registry transaction.
type legPair struct {
	reg      *registry.Registry
	up, down int
}

func (l legPair) SetLegs(up, down bool, now time.Time) error {
	return l.reg.Apply([]registry.Change{{Channel: l.up, Level: up}, {Channel: l.down, Level: down}}, now)
}

// Registry exposes the channel table for inspection.
func (c *Controller) Registry() *registry.Registry { return c.reg }

// Init drives every output low and reports the resulting output states.
func (c *Controller) Init(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	c.step(now, func() {
		if err = c.reg.Init(now); err != nil {
			c.raise(err, 0, 0, now)
		}
	})
	return err
}

// Deliver queues an inbound frame for the control loop. It never blocks;
// when the inbox is full the frame is dropped and counted.
func (c *Controller) Deliver(f frame.Frame) {
	select {
	case c.inbox <- f:
	default:
		c.mu.Lock()
		c.stats.InboxDropped++
		first := c.stats.InboxDropped == 1
		c.mu.Unlock()
		if first {
			log.Printf("node: inbox full (%d frames), dropping inbound frames", cap(c.inbox))
		}
	}
}

// Poll samples both input ports once and emits an Event for every
// committed transition, in channel order. Bindings of each transition run
// right after its Event.
func (c *Controller) Poll(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	digital, sensors, err := c.reg.Sample()
	if err != nil {
		if !c.sampleFailing {
			c.sampleFailing = true
			c.raise(err, 0, 0, now)
		}
		return
	}
	if c.sampleFailing {
		c.sampleFailing = false
		log.Printf("node: input sampling recovered")
	}

	c.trans = c.filter.SampleWord(0, digital, c.trans[:0])
	c.trans = c.filter.SampleWord(16, sensors, c.trans)
	if len(c.trans) > 0 {
		c.step(now, func() {
			for _, t := range c.trans {
				c.commitInput(t.Channel, t.Level, now)
			}
		})
	}
	for ch := 0; ch < frame.NumInputs; ch++ {
		if lvl, _ := c.reg.Input(ch); lvl != registry.Unknown {
			continue
		}
		if level, known := c.filter.Level(ch); known {
			c.reg.SetInput(ch, level, now)
			if level {
				c.highSince[ch] = now
			}
		}
	}
}

// commitInput records a committed input level, emits its Event and runs
// the bindings of the edge. A release held up to Timing.ShortClick is a short
// click, anything longer a long one. Caller holds mu inside a step.
func (c *Controller) commitInput(ch int, level bool, now time.Time) {
	c.reg.SetInput(ch, level, now)
	ev := frame.Event{Source: c.addr, Channel: uint8(ch), Level: level, Timestamp: c.ts(now)}
	since := c.highSince[ch]
	if level {
		c.highSince[ch] = now
		c.longFired[ch] = false
	} else if !since.IsZero() {
		ev.Held = held(now.Sub(since))
		c.highSince[ch] = time.Time{}
	}
	c.stats.Events++
	c.lastActivity = now
	c.out.Enqueue(ev.Frame())

	if level {
		c.fire(ch, config.TriggerActivate, now)
		return
	}
	if !since.IsZero() {
		if now.Sub(since) <= c.cfg.Timing.ShortClick {
			c.fire(ch, config.TriggerShort, now)
		} else {
			c.fire(ch, config.TriggerLong, now)
		}
	}
	c.fire(ch, config.TriggerDeactivate, now)
}

// fire applies the commands bound to trigger on input ch.
func (c *Controller) fire(ch int, trigger config.Trigger, now time.Time) {
	for _, b := range c.bindings[ch] {
		if b.trigger != trigger {
			continue
		}
		if err := c.apply(b.cmd, now); err != nil {
			c.raise(err, b.cmd.Channel, uint8(b.cmd.Action), now)
		}
	}
}

// holdPending reports whether input ch is held and still owes a
// long_activate binding.
func (c *Controller) holdPending(ch int) bool {
	if c.highSince[ch].IsZero() || c.longFired[ch] {
		return false
	}
	for _, b := range c.bindings[ch] {
		if b.trigger == config.TriggerLongActivate {
			return true
		}
	}
	return false
}

func held(d time.Duration) uint8 {
	n := d / pulseUnit
	if n > 255 {
		return 255
	}
	return uint8(n)
}

// HandleFrame applies f if it is a command for this node. Other frames are
// ignored. Rejected or failed commands are reported as diagnostics.
func (c *Controller) HandleFrame(f frame.Frame, now time.Time) {
	cmd, ok := f.Command()
	if !ok || (cmd.Target != c.addr && cmd.Target != frame.Broadcast) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := f.Validate(); err != nil {
		c.raise(err, 0, 0, now)
		return
	}
	c.stats.Commands++
	c.lastActivity = now
	c.step(now, func() {
		if err := c.apply(cmd, now); err != nil {
			c.raise(err, cmd.Channel, uint8(cmd.Action), now)
		}
	})
	c.trackRelease()
}

func (c *Controller) apply(cmd frame.Command, now time.Time) error {
	ch := int(cmd.Channel)
	switch cmd.Action {
	case frame.ActionSetLow, frame.ActionSetHigh:
		c.pulses[ch] = time.Time{}
		return c.setOutput(ch, cmd.Action == frame.ActionSetHigh, now)
	case frame.ActionToggle:
		c.pulses[ch] = time.Time{}
		return c.setOutput(ch, !c.reg.Commanded(ch), now)
	case frame.ActionPulse:
		if err := c.setOutput(ch, true, now); err != nil {
			return err
		}
		c.pulses[ch] = now.Add(time.Duration(cmd.Param) * pulseUnit)
		return nil
	case frame.ActionTriggerInput:
		c.commitInput(ch, cmd.Param == 1, now)
		return nil
	case frame.ActionRequestStatus:
		c.reportStatus(now)
		return nil
	}

	if ch >= len(c.shutters) {
		return fault.New(fault.MalformedFrame, "command", fmt.Sprintf("no shutter group %d", ch), nil)
	}
	sc := c.shutters[ch]
	switch cmd.Action {
	case frame.ActionShutterUp:
		return sc.Move(shutter.Up, now)
	case frame.ActionShutterDown:
		return sc.Move(shutter.Down, now)
	case frame.ActionShutterStop:
		return sc.Stop(now)
	case frame.ActionShutterGo:
		return sc.Go(cmd.Param, now)
	}
	return fault.New(fault.MalformedFrame, "command", fmt.Sprintf("unhandled action %s", cmd.Action), nil)
}

// setOutput writes one output. Shutter legs go through their group so the
// interlock and dwell rules apply.
func (c *Controller) setOutput(ch int, on bool, now time.Time) error {
	if l := c.legs[ch]; l.ok {
		return c.shutters[l.group].Assert(l.dir, on, now)
	}
	return c.reg.Write(ch, on, now)
}

// reportStatus answers RequestStatus: a heartbeat followed by the level of
// every output.
func (c *Controller) reportStatus(now time.Time) {
	c.out.Enqueue(c.heartbeat(now))
	snap := c.reg.Snapshot()
	for ch, lvl := range snap.Outputs {
		c.out.Enqueue(frame.OutputState(c.addr, uint8(ch), uint8(lvl), c.ts(now)))
	}
}

// Tick advances the pulse, hold and shutter timers. A group that cannot
// release its legs is reported once and then retried quietly until the write
// succeeds.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step(now, func() {
		for ch := range c.highSince {
			if !c.holdPending(ch) || now.Sub(c.highSince[ch]) <= c.cfg.Timing.ShortClick {
				continue
			}
			c.longFired[ch] = true
			c.fire(ch, config.TriggerLongActivate, now)
		}
		for ch, at := range c.pulses {
			if at.IsZero() || now.Before(at) {
				continue
			}
			c.pulses[ch] = time.Time{}
			if err := c.setOutput(ch, false, now); err != nil {
				c.raise(err, uint8(ch), uint8(frame.ActionPulse), now)
			}
		}
		for g, sc := range c.shutters {
			err := sc.Tick(now)
			if err == nil || (c.releaseFailing[g] && fault.Of(err) == fault.HardwareFault) {
				continue
			}
			c.raise(err, uint8(g), 0, now)
		}
	})
	c.trackRelease()
}

// trackRelease records which groups are still waiting for their legs to be
// written low. Caller holds mu.
func (c *Controller) trackRelease() {
	for g, sc := range c.shutters {
		r := sc.Releasing()
		if c.releaseFailing[g] && !r {
			log.Printf("node: shutter %d legs released", g)
		}
		c.releaseFailing[g] = r
	}
}

// step runs fn and emits an OutputState frame for every output whose actual
// level changed. Caller holds mu.
func (c *Controller) step(now time.Time, fn func()) {
	c.reg.TakeChanged()
	fn()
	changed := c.reg.TakeChanged()
	if changed == 0 {
		return
	}
	outs := c.reg.Snapshot().Outputs
	for ch, lvl := range outs {
		if changed&(1<<ch) != 0 {
			c.out.Enqueue(frame.OutputState(c.addr, uint8(ch), uint8(lvl), c.ts(now)))
		}
	}
}

// Report raises a diagnostic that did not come from a local operation, such
// as a silent peer seen by the gate.
func (c *Controller) Report(code fault.Code, channel, detail uint8, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raise(fault.New(code, "report", "", nil), channel, detail, now)
}

// raise logs err and queues its Diagnostic frame. Caller holds mu.
func (c *Controller) raise(err error, channel, detail uint8, now time.Time) {
	c.stats.Faults++
	log.Printf("node: %v", err)
	code := fault.Of(err)
	b, ok := code.Byte()
	if !ok {
		return
	}
	if int(channel) >= frame.NumInputs {
		channel = 0
	}
	c.out.Enqueue(frame.Diagnostic(c.addr, b, channel, detail, c.ts(now)))
}

// Heartbeat builds the periodic liveness frame.
func (c *Controller) Heartbeat(now time.Time) frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat(now)
}

func (c *Controller) heartbeat(now time.Time) frame.Frame {
	return frame.Heartbeat(c.addr, c.role, c.ts(now), c.stats.Faults)
}

// Busy reports whether a shutter, pulse or long_activate hold timer is
// running.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy()
}

func (c *Controller) busy() bool {
	for ch := range c.highSince {
		if c.holdPending(ch) {
			return true
		}
	}
	for _, sc := range c.shutters {
		if sc.Busy() {
			return true
		}
	}
	for _, at := range c.pulses {
		if !at.IsZero() {
			return true
		}
	}
	return false
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Status returns the display form of the node state at now.
func (c *Controller) Status(now time.Time) status.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.reg.Snapshot()
	n := status.Node{
		Awake:    c.awake,
		Inputs:   make([]string, len(snap.Inputs)),
		Outputs:  make([]string, len(snap.Outputs)),
		Events:   c.stats.Events,
		Commands: c.stats.Commands,
		Faults:   c.stats.Faults,
		HWFaults: snap.HWFaults,
	}
	for i, l := range snap.Inputs {
		n.Inputs[i] = l.String()
	}
	for i, l := range snap.Outputs {
		n.Outputs[i] = l.String()
	}
	for _, sc := range c.shutters {
		s := sc.Snapshot(now)
		st := status.Shutter{Group: s.Group, State: s.State.String(), Position: s.Position, Target: s.Target}
		if s.Pending {
			st.Pending = "queued"
		}
		n.Shutters = append(n.Shutters, st)
	}
	return n
}

// ts converts now to a frame timestamp: milliseconds since start, wrapping
// at 32 bits.
func (c *Controller) ts(now time.Time) uint32 {
	return uint32(now.Sub(c.start) / time.Millisecond)
}
