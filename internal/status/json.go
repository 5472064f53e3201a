package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Address       int           `json:"address"`
	Role          string        `json:"role"`
	Awake         bool          `json:"awake"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	Inputs        []string      `json:"inputs"`
	Outputs       []string      `json:"outputs"`
	Shutters      []ShutterJSON `json:"shutters"`
	Counters      CountersJSON  `json:"counters"`
	Gate          *GateJSON     `json:"gate,omitempty"`
	Peers         []PeerJSON    `json:"peers,omitempty"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Config        ConfigJSON    `json:"config"`
}

// ShutterJSON is the JSON representation of a shutter group.
type ShutterJSON struct {
	Group    int    `json:"group"`
	State    string `json:"state"`
	Position int    `json:"position"`
	Target   *int   `json:"target,omitempty"`
	Pending  string `json:"pending,omitempty"`
}

// CountersJSON gathers node and bus counters.
type CountersJSON struct {
	Events       int `json:"events"`
	Commands     int `json:"commands"`
	Faults       int `json:"faults"`
	HWFaults     int `json:"hw_faults"`
	Sent         int `json:"bus_sent"`
	Received     int `json:"bus_received"`
	Retries      int `json:"bus_retries"`
	QueueFull    int `json:"bus_queue_full"`
	Exhausted    int `json:"bus_exhausted"`
	Malformed    int `json:"bus_malformed"`
	QueuedFrames int `json:"bus_pending"`
}

// GateJSON reports host bridge counters.
type GateJSON struct {
	ToHost      int `json:"to_host"`
	FromHost    int `json:"from_host"`
	HostDropped int `json:"host_dropped"`
	Malformed   int `json:"malformed"`
	Rejected    int `json:"rejected"`
	Mirrored    int `json:"mirrored"`
}

// PeerJSON is one entry of the presence table.
type PeerJSON struct {
	Addr     int    `json:"addr"`
	Role     string `json:"role"`
	Faults   int    `json:"faults"`
	LastSeen string `json:"last_seen"`
	Silent   bool   `json:"silent"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker,omitempty"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs          int64  `json:"poll_ms"`
	DebounceSamples int    `json:"debounce_samples"`
	HeartbeatMs     int64  `json:"heartbeat_ms"`
	LowPower        bool   `json:"low_power"`
	BusInterface    string `json:"bus_interface"`
	HTTPAddr        string `json:"http_addr,omitempty"`
}

func buildInner(snap Snapshot) StatusInner {
	n := snap.Node
	inner := StatusInner{
		Address:       snap.Config.Address,
		Role:          snap.Config.Role,
		Awake:         n.Awake,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Inputs:        levels(n.Inputs),
		Outputs:       levels(n.Outputs),
		Shutters:      []ShutterJSON{},
		Counters: CountersJSON{
			Events:       n.Events,
			Commands:     n.Commands,
			Faults:       n.Faults,
			HWFaults:     n.HWFaults,
			Sent:         snap.Bus.Sent,
			Received:     snap.Bus.Received,
			Retries:      snap.Bus.Retries,
			QueueFull:    snap.Bus.QueueFull,
			Exhausted:    snap.Bus.Exhausted,
			Malformed:    snap.Bus.Malformed,
			QueuedFrames: snap.Bus.Pending,
		},
		MQTT: MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			PollMs:          snap.Config.PollMs,
			DebounceSamples: snap.Config.DebounceSamples,
			HeartbeatMs:     snap.Config.HeartbeatMs,
			LowPower:        snap.Config.LowPower,
			BusInterface:    snap.Config.BusInterface,
			HTTPAddr:        snap.Config.HTTPAddr,
		},
	}
	for _, s := range n.Shutters {
		sj := ShutterJSON{Group: s.Group, State: s.State, Position: s.Position, Pending: s.Pending}
		if s.Target >= 0 {
			target := s.Target
			sj.Target = &target
		}
		inner.Shutters = append(inner.Shutters, sj)
	}
	if g := snap.Gate; g != nil {
		inner.Gate = &GateJSON{
			ToHost:      g.ToHost,
			FromHost:    g.FromHost,
			HostDropped: g.HostDropped,
			Malformed:   g.Malformed,
			Rejected:    g.Rejected,
			Mirrored:    g.Mirrored,
		}
	}
	for _, p := range snap.Peers {
		inner.Peers = append(inner.Peers, PeerJSON{
			Addr:     p.Addr,
			Role:     p.Role,
			Faults:   p.Faults,
			LastSeen: p.LastSeen.UTC().Format(time.RFC3339),
			Silent:   p.Silent,
		})
	}
	return inner
}

// levels fills empty entries with UNKNOWN so the JSON never carries "".
func levels(in []string) []string {
	out := make([]string, len(in))
	for i, l := range in {
		if l == "" {
			l = LevelUnknown
		}
		out[i] = l
	}
	return out
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
