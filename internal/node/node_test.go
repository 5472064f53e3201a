package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/boxctl/internal/config"
	"github.com/sweeney/boxctl/internal/expander"
	"github.com/sweeney/boxctl/internal/fault"
	"github.com/sweeney/boxctl/internal/frame"
	"github.com/sweeney/boxctl/internal/registry"
)

type sink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *sink) Enqueue(f frame.Frame) bool {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return true
}

func (s *sink) take() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.frames
	s.frames = nil
	return out
}

func ofType(frames []frame.Frame, t frame.Type) []frame.Frame {
	var out []frame.Frame
	for _, f := range frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func diagCodes(frames []frame.Frame) []fault.Code {
	var out []fault.Code
	for _, f := range ofType(frames, frame.TypeDiagnostic) {
		c, _ := fault.FromByte(f.Action)
		out = append(out, c)
	}
	return out
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Address = 2
	cfg.Timing.ShutterMaxTravel = 30 * time.Second
	cfg.Shutters = []config.Group{{Up: 8, Down: 9, Travel: 10 * time.Second}}
	return cfg
}

func newTestNode(t *testing.T, cfg config.Config) (*Controller, *expander.FakePort, *sink) {
	t.Helper()
	port := expander.NewFakePort()
	out := &sink{}
	c := New(cfg, port, out, nil, t0)
	if err := c.Init(t0); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := ofType(out.take(), frame.TypeOutputState); len(got) != frame.NumOutputs {
		t.Fatalf("init should report every output, got %d", len(got))
	}
	return c, port, out
}

func cmd(target, ch uint8, a frame.Action) frame.Frame {
	return frame.Command{Target: target, Channel: ch, Action: a}.Frame(0)
}

func cmdParam(target, ch uint8, a frame.Action, p uint8) frame.Frame {
	return frame.Command{Target: target, Channel: ch, Action: a, Param: p, HasParam: true}.Frame(0)
}

func TestEventAfterThresholdOnly(t *testing.T) {
	c, port, out := newTestNode(t, testConfig())
	port.Script(expander.PortInputs, 0, 0, 0, 0, 1<<3, 1<<3, 1<<3, 1<<3, 1<<3)

	now := t0
	for i := 0; i < 4; i++ {
		now = now.Add(10 * time.Millisecond)
		c.Poll(now)
	}
	if got := out.take(); len(got) != 0 {
		t.Fatalf("seeding emitted frames: %v", got)
	}
	if lvl, _ := c.Registry().Input(3); lvl != registry.Low {
		t.Errorf("seeded level: %v", lvl)
	}

	for i := 1; i <= 5; i++ {
		now = now.Add(10 * time.Millisecond)
		c.Poll(now)
		got := out.take()
		switch {
		case i == 4:
			if len(got) != 1 {
				t.Fatalf("sample %d: expected one event, got %v", i, got)
			}
			ev, ok := got[0].Event()
			if !ok || ev.Source != 2 || ev.Channel != 3 || !ev.Level {
				t.Errorf("event: %+v", got[0])
			}
			if ev.Timestamp != 80 {
				t.Errorf("timestamp: got %d, want 80", ev.Timestamp)
			}
		case len(got) != 0:
			t.Errorf("sample %d: unexpected frames %v", i, got)
		}
	}
	if lvl, _ := c.Registry().Input(3); lvl != registry.High {
		t.Errorf("committed level: %v", lvl)
	}
	if c.Stats().Events != 1 {
		t.Errorf("stats: %+v", c.Stats())
	}
}

func TestSetHighAppliesAndReports(t *testing.T) {
	c, port, out := newTestNode(t, testConfig())

	c.HandleFrame(cmd(2, 5, frame.ActionSetHigh), t0)

	if c.Registry().Output(5) != registry.High {
		t.Errorf("output 5: %v", c.Registry().Output(5))
	}
	if port.Latched(expander.PortOutputs) != 1<<5 {
		t.Errorf("port: %#04x", port.Latched(expander.PortOutputs))
	}
	got := out.take()
	if len(got) != 1 || got[0] != frame.OutputState(2, 5, frame.OutputHigh, 0) {
		t.Errorf("reports: %v", got)
	}

	// Repeating the command changes nothing and reports nothing.
	c.HandleFrame(cmd(2, 5, frame.ActionSetHigh), t0)
	if got := out.take(); len(got) != 0 {
		t.Errorf("no-op write reported: %v", got)
	}
}

func TestCommandAddressing(t *testing.T) {
	c, _, out := newTestNode(t, testConfig())

	c.HandleFrame(cmd(3, 0, frame.ActionSetHigh), t0)
	c.HandleFrame(frame.Event{Source: 2, Channel: 0, Level: true}.Frame(), t0)
	if c.Registry().Output(0) != registry.Low || len(out.take()) != 0 {
		t.Error("frames for other nodes must be ignored")
	}

	c.HandleFrame(cmd(frame.Broadcast, 0, frame.ActionSetHigh), t0)
	if c.Registry().Output(0) != registry.High {
		t.Error("broadcast command not applied")
	}
}

func TestToggleAndPulse(t *testing.T) {
	c, _, out := newTestNode(t, testConfig())

	c.HandleFrame(cmd(2, 1, frame.ActionToggle), t0)
	if c.Registry().Output(1) != registry.High {
		t.Fatal("toggle should raise a low output")
	}
	c.HandleFrame(cmd(2, 1, frame.ActionToggle), t0)
	if c.Registry().Output(1) != registry.Low {
		t.Fatal("toggle should drop a high output")
	}

	c.HandleFrame(cmdParam(2, 2, frame.ActionPulse, 3), t0)
	if c.Registry().Output(2) != registry.High || !c.Busy() {
		t.Fatal("pulse should raise the output and arm a timer")
	}
	c.Tick(t0.Add(299 * time.Millisecond))
	if c.Registry().Output(2) != registry.High {
		t.Fatal("pulse ended early")
	}
	c.Tick(t0.Add(300 * time.Millisecond))
	if c.Registry().Output(2) != registry.Low {
		t.Fatal("pulse did not end")
	}
	if c.Busy() {
		t.Error("no timer should remain")
	}
	states := ofType(out.take(), frame.TypeOutputState)
	if len(states) != 4 || states[3] != frame.OutputState(2, 2, frame.OutputLow, 300) {
		t.Errorf("output reports: %v", states)
	}
}

func TestSetLowCancelsPulse(t *testing.T) {
	c, _, _ := newTestNode(t, testConfig())
	c.HandleFrame(cmdParam(2, 2, frame.ActionPulse, 10), t0)
	c.HandleFrame(cmd(2, 2, frame.ActionSetHigh), t0.Add(100*time.Millisecond))
	c.Tick(t0.Add(2 * time.Second))
	if c.Registry().Output(2) != registry.High {
		t.Error("a later SetHigh must cancel the pulse")
	}
}

func TestTriggerInputReportsHeldTime(t *testing.T) {
	c, _, out := newTestNode(t, testConfig())

	c.HandleFrame(cmdParam(2, 4, frame.ActionTriggerInput, 1), t0)
	c.HandleFrame(cmdParam(2, 4, frame.ActionTriggerInput, 0), t0.Add(1250*time.Millisecond))

	events := ofType(out.take(), frame.TypeEvent)
	if len(events) != 2 {
		t.Fatalf("events: %v", events)
	}
	press, _ := events[0].Event()
	release, _ := events[1].Event()
	if !press.Level || press.Held != 0 {
		t.Errorf("press: %+v", press)
	}
	if release.Level || release.Held != 12 {
		t.Errorf("release: %+v", release)
	}
	if lvl, _ := c.Registry().Input(4); lvl != registry.Low {
		t.Errorf("input 4: %v", lvl)
	}
}

func TestRequestStatus(t *testing.T) {
	c, _, out := newTestNode(t, testConfig())
	c.HandleFrame(cmd(2, 7, frame.ActionSetHigh), t0)
	out.take()

	c.HandleFrame(cmd(2, 0, frame.ActionRequestStatus), t0.Add(time.Second))
	got := out.take()
	if len(got) != 1+frame.NumOutputs {
		t.Fatalf("reply: %d frames", len(got))
	}
	if got[0].Type != frame.TypeHeartbeat || got[0].Addr != 2 || got[0].Timestamp != 1000 {
		t.Errorf("heartbeat: %v", got[0])
	}
	for ch, f := range got[1:] {
		want := frame.OutputLow
		if ch == 7 {
			want = frame.OutputHigh
		}
		if f.Type != frame.TypeOutputState || int(f.Channel) != ch || f.Action != want {
			t.Errorf("output %d: %v", ch, f)
		}
	}
}

func TestShutterCommands(t *testing.T) {
	c, port, out := newTestNode(t, testConfig())

	c.HandleFrame(cmd(2, 0, frame.ActionShutterDown), t0)
	if c.Registry().Output(9) != registry.High || c.Registry().Output(8) != registry.Low {
		t.Fatalf("down leg not driven: %#04x", port.Latched(expander.PortOutputs))
	}

	c.HandleFrame(cmd(2, 0, frame.ActionShutterStop), t0.Add(time.Second))
	if c.Registry().Output(9) != registry.Low {
		t.Fatal("stop should drop the leg")
	}
	c.Tick(t0.Add(1600 * time.Millisecond)) // dwell over

	c.HandleFrame(cmdParam(2, 0, frame.ActionShutterGo, 50), t0.Add(2*time.Second))
	if c.Registry().Output(9) != registry.High {
		t.Fatal("go past the current position should run down")
	}
	c.Tick(t0.Add(6 * time.Second))
	if c.Registry().Output(9) != registry.Low {
		t.Fatal("go should stop at the target")
	}
	st := c.Status(t0.Add(6 * time.Second))
	if len(st.Shutters) != 1 || st.Shutters[0].Position != 50 {
		t.Errorf("shutter status: %+v", st.Shutters)
	}
	if codes := diagCodes(out.take()); len(codes) != 0 {
		t.Errorf("unexpected diagnostics: %v", codes)
	}
}

func TestDirectLegWriteIsInterlocked(t *testing.T) {
	c, port, out := newTestNode(t, testConfig())

	c.HandleFrame(cmd(2, 0, frame.ActionShutterDown), t0)
	out.take()

	// Raising the up leg directly while running down.
	c.HandleFrame(cmd(2, 8, frame.ActionSetHigh), t0.Add(time.Second))

	if v := port.Latched(expander.PortOutputs); v&(1<<8) != 0 && v&(1<<9) != 0 {
		t.Fatalf("both legs high: %#04x", v)
	}
	if c.Registry().Output(8) != registry.Low || c.Registry().Output(9) != registry.Low {
		t.Error("group should be forced to stop")
	}
	codes := diagCodes(out.take())
	if len(codes) != 1 || codes[0] != fault.SafetyViolation {
		t.Errorf("diagnostics: %v", codes)
	}
}

func TestShutterTimeoutReportedOnce(t *testing.T) {
	cfg := testConfig()
	// no travel time: the run can only end at the deadline
	cfg.Shutters = []config.Group{{Up: 8, Down: 9}}
	c, _, out := newTestNode(t, cfg)

	c.HandleFrame(cmd(2, 0, frame.ActionShutterUp), t0)
	out.take()
	c.Tick(t0.Add(cfg.Timing.ShutterMaxTravel))
	c.Tick(t0.Add(cfg.Timing.ShutterMaxTravel + time.Second))

	got := out.take()
	codes := diagCodes(got)
	if len(codes) != 1 || codes[0] != fault.MovementTimeout {
		t.Fatalf("diagnostics: %v", codes)
	}
	if d := ofType(got, frame.TypeDiagnostic)[0]; d.Channel != 0 {
		t.Errorf("diagnostic channel: %d", d.Channel)
	}
	if c.Registry().Output(8) != registry.Low {
		t.Error("leg still driven after timeout")
	}
}

func TestShutterEndpointRunStopsQuietly(t *testing.T) {
	cfg := testConfig()
	c, _, out := newTestNode(t, cfg)

	c.HandleFrame(cmd(2, 0, frame.ActionShutterDown), t0)
	// 10s of travel plus the overtime
	c.Tick(t0.Add(11 * time.Second))
	if c.Registry().Output(9) != registry.High {
		t.Fatal("stopped before the overtime ran out")
	}
	c.Tick(t0.Add(12 * time.Second))
	if c.Registry().Output(9) != registry.Low {
		t.Fatal("still driven after the overtime")
	}
	if codes := diagCodes(out.take()); len(codes) != 0 {
		t.Errorf("diagnostics: %v", codes)
	}
	if st := c.Status(t0.Add(13 * time.Second)); st.Shutters[0].Position != 100 {
		t.Errorf("position: %d", st.Shutters[0].Position)
	}
}

func TestStuckReleaseReportedOnce(t *testing.T) {
	c, port, out := newTestNode(t, testConfig())
	c.HandleFrame(cmd(2, 0, frame.ActionShutterUp), t0)
	out.take()

	port.WriteError = errors.New("i2c nack")
	now := t0.Add(time.Second)
	c.HandleFrame(cmd(2, 0, frame.ActionShutterStop), now)
	for i := 0; i < 100; i++ {
		now = now.Add(10 * time.Millisecond)
		c.Tick(now)
	}
	got := out.take()
	if codes := diagCodes(got); len(codes) != 1 || codes[0] != fault.HardwareFault {
		t.Fatalf("diagnostics: %v", codes)
	}
	// both legs were in the failed write
	states := ofType(got, frame.TypeOutputState)
	if len(states) != 2 {
		t.Errorf("output reports: %v", states)
	}
	for _, f := range states {
		if f.Action != frame.OutputUnknown {
			t.Errorf("leg %d reported %d", f.Channel, f.Action)
		}
	}

	port.WriteError = nil
	c.Tick(now.Add(10 * time.Millisecond))
	got = out.take()
	if codes := diagCodes(got); len(codes) != 0 {
		t.Errorf("recovery raised: %v", codes)
	}
	if c.Registry().Output(8) != registry.Low {
		t.Errorf("up leg: %v", c.Registry().Output(8))
	}

	// a later failure is a new episode
	now = now.Add(time.Second)
	c.HandleFrame(cmd(2, 0, frame.ActionShutterDown), now)
	port.WriteError = errors.New("i2c nack")
	c.HandleFrame(cmd(2, 0, frame.ActionShutterStop), now.Add(time.Second))
	c.Tick(now.Add(1100 * time.Millisecond))
	if codes := diagCodes(out.take()); len(codes) != 1 {
		t.Errorf("second episode: %v", codes)
	}
}

func TestUnknownShutterGroup(t *testing.T) {
	c, _, out := newTestNode(t, testConfig())
	c.HandleFrame(cmd(2, 3, frame.ActionShutterUp), t0)
	codes := diagCodes(out.take())
	if len(codes) != 1 || codes[0] != fault.MalformedFrame {
		t.Errorf("diagnostics: %v", codes)
	}
}

func TestWriteFailureReportsHardwareFault(t *testing.T) {
	c, port, out := newTestNode(t, testConfig())
	port.FailWrites = 1

	c.HandleFrame(cmd(2, 6, frame.ActionSetHigh), t0)

	got := out.take()
	codes := diagCodes(got)
	if len(codes) != 1 || codes[0] != fault.HardwareFault {
		t.Fatalf("diagnostics: %v", codes)
	}
	states := ofType(got, frame.TypeOutputState)
	if len(states) != 1 || states[0].Channel != 6 || states[0].Action != frame.OutputUnknown {
		t.Errorf("output reports: %v", states)
	}
	if c.Registry().Output(6) != registry.Unknown {
		t.Errorf("output 6: %v", c.Registry().Output(6))
	}

	// The heartbeat announces the fault count.
	if hb := c.Heartbeat(t0); hb.Param != 1 {
		t.Errorf("heartbeat faults: %d", hb.Param)
	}
}

func TestSampleFailureReportedOncePerEpisode(t *testing.T) {
	c, port, out := newTestNode(t, testConfig())
	port.ReadError = errors.New("i2c nack")

	for i := 0; i < 3; i++ {
		c.Poll(t0.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	if codes := diagCodes(out.take()); len(codes) != 1 || codes[0] != fault.HardwareFault {
		t.Fatalf("diagnostics: %v", codes)
	}

	port.ReadError = nil
	c.Poll(t0.Add(time.Second))
	port.ReadError = errors.New("i2c nack")
	c.Poll(t0.Add(2 * time.Second))
	if codes := diagCodes(out.take()); len(codes) != 1 {
		t.Errorf("new episode should report again: %v", codes)
	}
}

func TestReportNodeSilent(t *testing.T) {
	cfg := testConfig()
	cfg.Address = 0
	cfg.Role = config.RoleGate
	c, _, out := newTestNode(t, cfg)

	c.Report(fault.NodeSilent, 0, 5, t0)
	got := ofType(out.take(), frame.TypeDiagnostic)
	want, _ := fault.NodeSilent.Byte()
	if len(got) != 1 || got[0].Action != want || got[0].Param != 5 {
		t.Errorf("diagnostic: %v", got)
	}
	if hb := c.Heartbeat(t0); hb.Action != frame.RoleGate {
		t.Errorf("heartbeat role: %d", hb.Action)
	}
}

func TestDeliverDropsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.InboxSize = 2
	c, _, _ := newTestNode(t, cfg)
	for i := 0; i < 5; i++ {
		c.Deliver(cmd(2, 0, frame.ActionToggle))
	}
	if got := c.Stats().InboxDropped; got != 3 {
		t.Errorf("dropped: %d", got)
	}
}

func TestStatus(t *testing.T) {
	c, _, _ := newTestNode(t, testConfig())
	c.HandleFrame(cmd(2, 3, frame.ActionSetHigh), t0)

	st := c.Status(t0)
	if !st.Awake {
		t.Error("node should start awake")
	}
	if len(st.Inputs) != frame.NumInputs || st.Inputs[0] != "UNKNOWN" {
		t.Errorf("inputs: %v", st.Inputs)
	}
	if st.Outputs[3] != "HIGH" || st.Outputs[0] != "LOW" {
		t.Errorf("outputs: %v", st.Outputs)
	}
	if st.Commands != 1 {
		t.Errorf("commands: %d", st.Commands)
	}
}

func click(c *Controller, ch uint8, at time.Time, held time.Duration) {
	c.HandleFrame(cmdParam(2, ch, frame.ActionTriggerInput, 1), at)
	c.HandleFrame(cmdParam(2, ch, frame.ActionTriggerInput, 0), at.Add(held))
}

func TestBindingShortOrLong(t *testing.T) {
	tests := []struct {
		held time.Duration
		long bool
	}{
		{100 * time.Millisecond, false},
		{400 * time.Millisecond, false},
		{401 * time.Millisecond, true},
		{3 * time.Second, true},
	}
	for _, tt := range tests {
		cfg := testConfig()
		cfg.Bindings = []config.Binding{
			{Input: 4, Trigger: config.TriggerShort, Action: "toggle", Channel: 1},
			{Input: 4, Trigger: config.TriggerLong, Action: "toggle", Channel: 2},
		}
		c, _, out := newTestNode(t, cfg)

		click(c, 4, t0, tt.held)
		got := out.take()
		want := 1
		if tt.long {
			want = 2
		}
		states := ofType(got, frame.TypeOutputState)
		if len(states) != 1 || int(states[0].Channel) != want || states[0].Action != frame.OutputHigh {
			t.Errorf("held %v: output reports %v", tt.held, states)
		}
		// the release event goes out before the output it caused
		if len(got) < 3 || got[1].Type != frame.TypeEvent || got[2].Type != frame.TypeOutputState {
			t.Errorf("held %v: frame order %v", tt.held, got)
		}
		if c.Registry().Output(3-want) != registry.Low {
			t.Errorf("held %v: other binding fired", tt.held)
		}
	}
}

func TestBindingLongActivateFiresOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Bindings = []config.Binding{
		{Input: 5, Trigger: config.TriggerLongActivate, Action: "shutter_down"},
		{Input: 5, Trigger: config.TriggerDeactivate, Action: "shutter_stop"},
	}
	c, _, out := newTestNode(t, cfg)

	c.HandleFrame(cmdParam(2, 5, frame.ActionTriggerInput, 1), t0)
	c.Tick(t0.Add(200 * time.Millisecond))
	if c.Registry().Output(9) != registry.Low {
		t.Fatal("fired before the hold was long")
	}
	if !c.Busy() {
		t.Error("a pending hold should keep the node awake")
	}
	for ms := 500; ms <= 2000; ms += 100 {
		c.Tick(t0.Add(time.Duration(ms) * time.Millisecond))
	}
	if c.Registry().Output(9) != registry.High {
		t.Fatal("long hold did not start the shutter")
	}
	c.HandleFrame(cmdParam(2, 5, frame.ActionTriggerInput, 0), t0.Add(3*time.Second))
	if c.Registry().Output(9) != registry.Low {
		t.Error("release should stop the shutter")
	}

	var downs int
	got := out.take()
	for _, f := range ofType(got, frame.TypeOutputState) {
		if f.Channel == 9 && f.Action == frame.OutputHigh {
			downs++
		}
	}
	if downs != 1 {
		t.Errorf("down leg raised %d times", downs)
	}
	if codes := diagCodes(got); len(codes) != 0 {
		t.Errorf("diagnostics: %v", codes)
	}
}

func TestBindingRespectsInterlock(t *testing.T) {
	cfg := testConfig()
	cfg.Bindings = []config.Binding{
		{Input: 0, Trigger: config.TriggerActivate, Action: "set_high", Channel: 8},
	}
	c, port, out := newTestNode(t, cfg)
	c.HandleFrame(cmd(2, 0, frame.ActionShutterDown), t0)
	out.take()

	c.HandleFrame(cmdParam(2, 0, frame.ActionTriggerInput, 1), t0.Add(time.Second))
	if v := port.Latched(expander.PortOutputs); v&(1<<8) != 0 && v&(1<<9) != 0 {
		t.Fatalf("both legs high: %#04x", v)
	}
	if codes := diagCodes(out.take()); len(codes) != 1 || codes[0] != fault.SafetyViolation {
		t.Errorf("diagnostics: %v", codes)
	}
}

func TestPolledInputRunsBinding(t *testing.T) {
	cfg := testConfig()
	cfg.Bindings = []config.Binding{
		{Input: 3, Trigger: config.TriggerActivate, Action: "set_high", Channel: 6},
	}
	c, port, out := newTestNode(t, cfg)
	port.Script(expander.PortInputs, 0, 0, 0, 0, 1<<3, 1<<3, 1<<3, 1<<3)

	now := t0
	for i := 0; i < 8; i++ {
		now = now.Add(10 * time.Millisecond)
		c.Poll(now)
	}
	got := out.take()
	if len(got) != 2 || got[0].Type != frame.TypeEvent || got[1].Type != frame.TypeOutputState || got[1].Channel != 6 {
		t.Fatalf("frames: %v", got)
	}
	if c.Registry().Output(6) != registry.High {
		t.Errorf("output 6: %v", c.Registry().Output(6))
	}
}
