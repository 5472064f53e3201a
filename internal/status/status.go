// Package status provides a thread-safe status tracker for the box
// controller. It is read by the HTTP handlers, the MQTT heartbeat and
// -print-state.
package status

import (
	"sort"
	"sync"
	"time"
)

// Level strings used for inputs and outputs.
const (
	LevelLow     = "LOW"
	LevelHigh    = "HIGH"
	LevelUnknown = "UNKNOWN"
)

// Shutter is the display form of one shutter group. This is a local copy
// to avoid importing internal/shutter from status.
type Shutter struct {
	Group    int
	State    string
	Position int
	Target   int // -1 when running to an endpoint or idle
	Pending  string
}

// Peer is a node seen on the bus.
type Peer struct {
	Addr     int
	Role     string
	Faults   int
	LastSeen time.Time
	Silent   bool
}

// Node holds the state owned by the control loop.
type Node struct {
	Awake    bool
	Inputs   []string
	Outputs  []string
	Shutters []Shutter
	Events   int // input events emitted
	Commands int // commands applied
	Faults   int // faults raised
	HWFaults int // expander read/write failures
}

// Bus holds transport counters.
type Bus struct {
	Sent      int
	Received  int
	Retries   int
	QueueFull int
	Exhausted int
	Malformed int
	Pending   int
}

// Gate holds host bridge counters (gate role only).
type Gate struct {
	ToHost      int
	FromHost    int
	HostDropped int
	Malformed   int
	Rejected    int
	Mirrored    int
}

// Config contains daemon configuration for display.
type Config struct {
	Address         int
	Role            string
	LowPower        bool
	PollMs          int64
	DebounceSamples int
	HeartbeatMs     int64
	BusInterface    string
	Broker          string
	HTTPAddr        string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Node          Node
	Bus           Bus
	Gate          *Gate
	Peers         []Peer
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{StartTime: startTime, Config: cfg},
		now:  time.Now,
	}
}

// UpdateNode replaces the control loop state. Slices are copied.
func (t *Tracker) UpdateNode(n Node) {
	n.Inputs = append([]string(nil), n.Inputs...)
	n.Outputs = append([]string(nil), n.Outputs...)
	n.Shutters = append([]Shutter(nil), n.Shutters...)
	t.mu.Lock()
	t.snap.Node = n
	t.mu.Unlock()
}

// UpdateBus sets the transport counters.
func (t *Tracker) UpdateBus(b Bus) {
	t.mu.Lock()
	t.snap.Bus = b
	t.mu.Unlock()
}

// UpdateGate sets the bridge counters.
func (t *Tracker) UpdateGate(g Gate) {
	t.mu.Lock()
	t.snap.Gate = &g
	t.mu.Unlock()
}

// SetPeers replaces the peer table, ordered by address.
func (t *Tracker) SetPeers(peers []Peer) {
	p := append([]Peer(nil), peers...)
	sort.Slice(p, func(i, j int) bool { return p[i].Addr < p[j].Addr })
	t.mu.Lock()
	t.snap.Peers = p
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	if s.Gate != nil {
		g := *s.Gate
		s.Gate = &g
	}
	s.Now = t.now()
	return s
}
