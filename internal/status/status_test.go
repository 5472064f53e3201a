package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Address: 2, Role: "controller", PollMs: 10, HTTPAddr: ":80"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.Address != 2 || snap.Config.HTTPAddr != ":80" {
		t.Errorf("Config: %+v", snap.Config)
	}
	if snap.Gate != nil {
		t.Error("expected no gate counters initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	inputs := []string{LevelHigh, LevelLow}
	tr.UpdateNode(Node{Inputs: inputs, Events: 1})
	tr.UpdateGate(Gate{ToHost: 1})

	snap1 := tr.Snapshot()
	inputs[0] = LevelLow
	snap1.Gate.ToHost = 99
	tr.UpdateNode(Node{Inputs: []string{LevelLow}, Events: 2})

	if snap1.Node.Inputs[0] != LevelHigh || snap1.Node.Events != 1 {
		t.Errorf("snapshot should be a copy: %+v", snap1.Node)
	}
	if tr.Snapshot().Gate.ToHost != 1 {
		t.Error("gate counters shared with a snapshot")
	}
}

func TestSetPeersSorted(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.SetPeers([]Peer{{Addr: 5}, {Addr: 1}, {Addr: 3}})
	got := tr.Snapshot().Peers
	if got[0].Addr != 1 || got[1].Addr != 3 || got[2].Addr != 5 {
		t.Errorf("peers: %+v", got)
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(start, Config{})
	tr.now = func() time.Time { return start.Add(90 * time.Second) }
	if got := tr.Snapshot().Uptime(); got != 90*time.Second {
		t.Errorf("uptime: got %v", got)
	}
}

func sampleSnapshot() Snapshot {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return Snapshot{
		Node: Node{
			Awake:    true,
			Inputs:   []string{LevelHigh, "", LevelLow},
			Outputs:  []string{LevelLow, LevelUnknown},
			Shutters: []Shutter{{Group: 0, State: "MOVING_DOWN", Position: 40, Target: 70}, {Group: 1, State: "IDLE", Position: 0, Target: -1}},
			Events:   5,
			Faults:   1,
		},
		Bus:       Bus{Sent: 10, Retries: 2, Exhausted: 1},
		Gate:      &Gate{ToHost: 7, Mirrored: 7},
		Peers:     []Peer{{Addr: 2, Role: "controller", LastSeen: start.Add(time.Minute)}},
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
		Config:    Config{Address: 0, Role: "gate", PollMs: 10, DebounceSamples: 4, Broker: "tcp://hub:1883"},
	}
}

func TestFormatJSON(t *testing.T) {
	data := FormatJSON(sampleSnapshot())

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	s := parsed.Status
	if s.Role != "gate" || !s.Awake {
		t.Errorf("role/awake: %q %v", s.Role, s.Awake)
	}
	if s.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", s.UptimeSeconds)
	}
	if s.Inputs[1] != LevelUnknown {
		t.Errorf("empty input level should read UNKNOWN, got %q", s.Inputs[1])
	}
	if len(s.Shutters) != 2 || s.Shutters[0].Target == nil || *s.Shutters[0].Target != 70 || s.Shutters[1].Target != nil {
		t.Errorf("shutters: %+v", s.Shutters)
	}
	if s.Counters.Events != 5 || s.Counters.Retries != 2 || s.Counters.Exhausted != 1 {
		t.Errorf("counters: %+v", s.Counters)
	}
	if s.Gate == nil || s.Gate.ToHost != 7 {
		t.Errorf("gate: %+v", s.Gate)
	}
	if len(s.Peers) != 1 || s.Peers[0].LastSeen != "2026-01-01T00:01:00Z" {
		t.Errorf("peers: %+v", s.Peers)
	}
	if s.Event != "" || s.Reason != "" {
		t.Errorf("web format should omit event/reason, got %q/%q", s.Event, s.Reason)
	}
}

func TestFormatJSONControllerOmitsGate(t *testing.T) {
	snap := sampleSnapshot()
	snap.Gate = nil
	snap.Peers = nil

	var raw map[string]interface{}
	json.Unmarshal(FormatJSON(snap), &raw)
	status := raw["status"].(map[string]interface{})
	if _, ok := status["gate"]; ok {
		t.Error("gate should be omitted for a controller")
	}
	if _, ok := status["peers"]; ok {
		t.Error("peers should be omitted when empty")
	}
}

func TestFormatStatusEvent(t *testing.T) {
	data := FormatStatusEvent(sampleSnapshot(), "SHUTDOWN", "SIGTERM")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Event != "SHUTDOWN" || parsed.Status.Reason != "SIGTERM" {
		t.Errorf("event/reason: %q/%q", parsed.Status.Event, parsed.Status.Reason)
	}

	var raw map[string]interface{}
	json.Unmarshal(FormatStatusEvent(sampleSnapshot(), "HEARTBEAT", ""), &raw)
	if _, ok := raw["status"].(map[string]interface{})["reason"]; ok {
		t.Error("reason should be omitted when empty")
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.UpdateNode(Node{Inputs: []string{LevelHigh}, Events: i})
			tr.UpdateBus(Bus{Sent: i})
			tr.UpdateGate(Gate{ToHost: i})
			tr.SetMQTTConnected(i%2 == 0)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
