// Command boxctl runs one box controller node: it samples the expander
// inputs, drives the outputs and shutters, and talks to its peers over the
// bus. A node configured as the gate also bridges the bus to a host serial
// port and, optionally, mirrors bus traffic to MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sweeney/boxctl/internal/bus"
	"github.com/sweeney/boxctl/internal/config"
	"github.com/sweeney/boxctl/internal/expander"
	"github.com/sweeney/boxctl/internal/fault"
	"github.com/sweeney/boxctl/internal/frame"
	"github.com/sweeney/boxctl/internal/gate"
	"github.com/sweeney/boxctl/internal/gpio"
	"github.com/sweeney/boxctl/internal/mqtt"
	"github.com/sweeney/boxctl/internal/node"
	"github.com/sweeney/boxctl/internal/sched"
	"github.com/sweeney/boxctl/internal/status"
	"github.com/sweeney/boxctl/internal/web"
)

// hostBacklog bounds bus frames waiting for the host serial port.
const hostBacklog = 64

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults when empty)")
	address := flag.Int("address", -1, "Node address override (-1 keeps the config value)")
	role := flag.String("role", "", `Role override ("controller" or "gate")`)
	lowPower := flag.Bool("low-power", false, "Enable low-power sleep")
	httpAddr := flag.String("http", "", "HTTP status address override (\"off\" disables)")
	broker := flag.String("broker", "", "MQTT broker override, gate only (\"off\" disables)")
	printState := flag.Bool("print-state", false, "Print current state and exit")

	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	cfg = applyOverrides(cfg, overrides{
		address:     *address,
		role:        *role,
		lowPower:    *lowPower,
		lowPowerSet: set["low-power"],
		http:        *httpAddr,
		broker:      *broker,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("fatal: invalid config: %v", err)
	}

	if err := run(cfg, *printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

type overrides struct {
	address     int
	role        string
	lowPower    bool
	lowPowerSet bool
	http        string
	broker      string
}

// applyOverrides lays command line values over the loaded config.
func applyOverrides(cfg config.Config, o overrides) config.Config {
	if o.address >= 0 {
		cfg.Address = o.address
	}
	if o.role != "" {
		cfg.Role = config.Role(strings.ToLower(o.role))
	}
	if o.lowPowerSet {
		cfg.LowPower = o.lowPower
	}
	switch o.http {
	case "":
	case "off":
		cfg.HTTP = ""
	default:
		cfg.HTTP = o.http
	}
	switch o.broker {
	case "":
	case "off":
		cfg.MQTT.Broker = ""
	default:
		cfg.MQTT.Broker = o.broker
	}
	return cfg
}

func run(cfg config.Config, printState bool) error {
	raw, err := expander.OpenPCF8575(cfg.Expander.I2CBus, [expander.NumPorts]uint16{
		expander.PortInputs:  cfg.Expander.InputAddr,
		expander.PortOutputs: cfg.Expander.OutputAddr,
		expander.PortSensors: cfg.Expander.SensorAddr,
	})
	if err != nil {
		return fmt.Errorf("init expander: %w", err)
	}
	port := expander.NewGuard(raw, cfg.Expander.Timeout, cfg.Expander.Retries)
	defer port.Close()

	if printState {
		return printPorts(os.Stdout, cfg, port, time.Now())
	}

	link, err := bus.OpenSocketCAN(cfg.Bus.Interface)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	defer link.Close()

	hw := hardware{port: port, link: link}

	if cfg.Wake.Line >= 0 {
		wl, err := gpio.NewRealWakeLine(cfg.Wake.Chip, cfg.Wake.Line)
		if err != nil {
			return fmt.Errorf("init wake line: %w", err)
		}
		defer wl.Close()
		hw.wake = wl
	}

	if cfg.Role == config.RoleGate {
		sp, err := gate.OpenSerial(cfg.Gate.Serial, cfg.Gate.Baud)
		if err != nil {
			return fmt.Errorf("init host serial: %w", err)
		}
		defer sp.Close()
		hw.host = sp

		if cfg.MQTT.Broker != "" {
			pub, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.Prefix, mqtt.DefaultBufferSize)
			if err != nil {
				log.Printf("mqtt disabled: %v", err)
			} else {
				defer pub.Close()
				hw.pub = pub
			}
		}
	}

	d := newDaemon(cfg, hw, time.Now())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("started: address=%d role=%s low_power=%v bus=%s poll=%v", cfg.Address, cfg.Role, cfg.LowPower, cfg.Bus.Interface, cfg.Timing.Poll)
	err = d.runner().Run(ctx)
	log.Printf("stopped")
	return err
}

// hardware is everything the daemon talks to. host, pub and wake may be nil.
type hardware struct {
	port expander.Port
	link bus.Link
	host io.ReadWriter
	pub  mqtt.Publisher
	wake gpio.WakeLine
}

type daemon struct {
	cfg   config.Config
	start time.Time
	now   func() time.Time

	ctl       *node.Controller
	transport *bus.Transport
	tracker   *status.Tracker

	// gate role only
	host     io.ReadWriter
	presence *bus.Presence
	bridge   *gate.Bridge
	pub      mqtt.Publisher
	mirror   *mqtt.Mirror
}

func newDaemon(cfg config.Config, hw hardware, start time.Time) *daemon {
	d := &daemon{cfg: cfg, start: start, now: time.Now}

	d.transport = bus.New(hw.link, bus.Config{
		Address:      uint8(cfg.Address),
		QueueSize:    cfg.Bus.QueueSize,
		RetryLimit:   cfg.Bus.RetryLimit,
		RetryBackoff: cfg.Bus.RetryBackoff,
	}, d.clock)

	d.ctl = node.New(cfg, hw.port, d.transport, hw.wake, start)

	d.tracker = status.NewTracker(start, statusConfig(cfg))

	if cfg.Role != config.RoleGate {
		return d
	}

	d.presence = bus.NewPresence(cfg.SilentAfter(), cfg.Timing.PresenceExpiry)
	if hw.host != nil {
		d.host = hw.host
		d.bridge = gate.New(uint8(cfg.Address), hw.host, d.transport, d.ctl.Deliver, hostBacklog)
	}
	if hw.pub != nil {
		d.pub = hw.pub
		d.mirror = mqtt.NewMirror(hw.pub, mqtt.DefaultBufferSize, d.now)
	}
	// Frames this node sends are part of the bus traffic the host sees.
	d.transport.Tap = d.observe
	return d
}

// clock is the frame timestamp: milliseconds since start.
func (d *daemon) clock() uint32 {
	return uint32(d.now().Sub(d.start) / time.Millisecond)
}

// receive handles one frame read from the bus.
func (d *daemon) receive(f frame.Frame) {
	d.ctl.Deliver(f)
	if d.cfg.Role == config.RoleGate {
		d.presence.Observe(f, d.now())
		d.observe(f)
	}
}

// observe copies bus traffic to the host and the mirror.
func (d *daemon) observe(f frame.Frame) {
	if d.bridge != nil {
		d.bridge.Forward(f)
	}
	if d.mirror != nil {
		d.mirror.Forward(f)
	}
}

// hostCommand submits a command that arrived over MQTT as if the host had
// sent it on the serial port.
func (d *daemon) hostCommand(cmd frame.Command, id string) {
	f := cmd.Frame(d.clock())
	if d.bridge == nil {
		if !d.transport.Enqueue(f) {
			log.Printf("mqtt: command %s dropped, bus queue full", id)
		}
		if f.Addr == uint8(d.cfg.Address) || f.Addr == frame.Broadcast {
			d.ctl.Deliver(f)
		}
		return
	}
	if err := d.bridge.Submit(f); err != nil {
		log.Printf("mqtt: command %s: %v", id, err)
	}
}

func (d *daemon) peerSilent(addr uint8) {
	d.ctl.Report(fault.NodeSilent, 0, addr, d.now())
}

// runner registers every task the configured role needs.
func (d *daemon) runner() *sched.Runner {
	r := &sched.Runner{}
	r.Add("node", d.ctl.Run)
	r.Add("bus-tx", d.transport.RunTx)
	r.Add("bus-rx", func(ctx context.Context) error {
		return d.transport.RunRx(ctx, d.receive)
	})
	r.Add("heartbeat", func(ctx context.Context) error {
		return d.transport.RunHeartbeat(ctx, d.cfg.Timing.Heartbeat, func() frame.Frame {
			return d.ctl.Heartbeat(d.now())
		})
	})
	r.Add("status", d.runStatus)

	if d.presence != nil {
		r.Add("presence", func(ctx context.Context) error {
			return d.presence.Run(ctx, d.cfg.Timing.Heartbeat, d.now, d.peerSilent)
		})
	}
	if d.bridge != nil {
		r.Add("gate-host-rx", func(ctx context.Context) error {
			// Reads only end when the stream does.
			if c, ok := d.host.(io.Closer); ok {
				stop := context.AfterFunc(ctx, func() { c.Close() })
				defer stop()
			}
			return d.bridge.RunHostRx(ctx)
		})
		r.Add("gate-host-tx", d.bridge.RunHostTx)
	}
	if d.mirror != nil {
		if c, ok := d.pub.(mqtt.Commander); ok {
			if err := c.Subscribe(d.hostCommand); err != nil {
				log.Printf("mqtt: subscribe commands: %v", err)
			}
		}
		r.Add("mqtt", d.mirror.Run)
	}
	if d.cfg.HTTP != "" {
		srv := web.New(d.cfg.HTTP, d.tracker)
		r.Add("http", srv.Run)
	}
	return r
}

// runStatus refreshes the tracker every poll period. The gate also publishes
// a HEARTBEAT system event with the full snapshot every heartbeat period.
func (d *daemon) runStatus(ctx context.Context) error {
	refresh := time.NewTicker(d.statusEvery())
	defer refresh.Stop()
	var beat <-chan time.Time
	if d.pub != nil {
		t := time.NewTicker(d.cfg.Timing.Heartbeat)
		defer t.Stop()
		beat = t.C
	}

	d.updateStatus()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			d.updateStatus()
		case <-beat:
			d.updateStatus()
			d.publishHeartbeat("HEARTBEAT")
		}
	}
}

// statusEvery is the tracker refresh period, never faster than 100ms.
func (d *daemon) statusEvery() time.Duration {
	return max(d.cfg.Timing.Poll, 100*time.Millisecond)
}

func (d *daemon) publishHeartbeat(event string) {
	snap := d.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		RawPayload: status.FormatStatusEvent(snap, event, ""),
	}
	if err := d.pub.PublishSystem(ev); err != nil {
		log.Printf("mqtt: heartbeat publish: %v", err)
	}
}

func (d *daemon) updateStatus() {
	now := d.now()
	d.tracker.UpdateNode(d.ctl.Status(now))

	bs := d.transport.Stats()
	d.tracker.UpdateBus(status.Bus{
		Sent:      bs.Sent,
		Received:  bs.Received,
		Retries:   bs.Retries,
		QueueFull: bs.QueueFull,
		Exhausted: bs.Exhausted,
		Malformed: bs.Malformed,
		Pending:   d.transport.Pending(),
	})

	if d.cfg.Role != config.RoleGate {
		return
	}
	var g status.Gate
	if d.bridge != nil {
		gs := d.bridge.Stats()
		g = status.Gate{
			ToHost:      gs.ToHost,
			FromHost:    gs.FromHost,
			HostDropped: gs.HostDropped,
			Malformed:   gs.Malformed,
			Rejected:    gs.Rejected,
		}
	}
	if d.mirror != nil {
		g.Mirrored = d.mirror.Stats().Published
	}
	d.tracker.UpdateGate(g)
	d.tracker.SetPeers(peers(d.presence.Peers()))
	if cs, ok := d.pub.(mqtt.ConnectionStatus); ok {
		d.tracker.SetMQTTConnected(cs.IsConnected())
	}
}

func peers(in []bus.Peer) []status.Peer {
	out := make([]status.Peer, 0, len(in))
	for _, p := range in {
		role := string(config.RoleController)
		if p.Role == config.RoleGate.Wire() {
			role = string(config.RoleGate)
		}
		out = append(out, status.Peer{
			Addr:     int(p.Addr),
			Role:     role,
			Faults:   int(p.Faults),
			LastSeen: p.LastSeen,
			Silent:   p.Silent,
		})
	}
	return out
}

// printPorts reads every expander port once and writes the result as the
// status JSON document. Outputs are read back, never driven.
func printPorts(w io.Writer, cfg config.Config, p expander.Port, now time.Time) error {
	var words [expander.NumPorts]uint16
	for i := range words {
		v, err := p.ReadPort(i)
		if err != nil {
			return fmt.Errorf("read port %d: %w", i, err)
		}
		words[i] = v
	}

	n := status.Node{Awake: true}
	for ch := 0; ch < frame.NumInputs; ch++ {
		word, bit := words[expander.PortInputs], ch
		if ch >= 16 {
			word, bit = words[expander.PortSensors], ch-16
		}
		n.Inputs = append(n.Inputs, bitLevel(word, bit))
	}
	for ch := 0; ch < frame.NumOutputs; ch++ {
		n.Outputs = append(n.Outputs, bitLevel(words[expander.PortOutputs], ch))
	}

	tr := status.NewTracker(now, statusConfig(cfg))
	tr.UpdateNode(n)
	_, err := w.Write(append(status.FormatJSON(tr.Snapshot()), '\n'))
	return err
}

func bitLevel(word uint16, bit int) string {
	if word&(1<<bit) != 0 {
		return status.LevelHigh
	}
	return status.LevelLow
}

func statusConfig(cfg config.Config) status.Config {
	return status.Config{
		Address:         cfg.Address,
		Role:            string(cfg.Role),
		LowPower:        cfg.LowPower,
		PollMs:          cfg.Timing.Poll.Milliseconds(),
		DebounceSamples: cfg.Timing.DebounceSamples,
		HeartbeatMs:     cfg.Timing.Heartbeat.Milliseconds(),
		BusInterface:    cfg.Bus.Interface,
		Broker:          cfg.MQTT.Broker,
		HTTPAddr:        cfg.HTTP,
	}
}
