package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/boxctl/internal/status"
)

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		Address:      0,
		Role:         "gate",
		PollMs:       10,
		HeartbeatMs:  5000,
		BusInterface: "can0",
		Broker:       "tcp://192.168.1.200:1883",
		HTTPAddr:     ":80",
	}
	tr := status.NewTracker(start, cfg)
	srv := New(":0", tr)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, tr
}

func getJSON(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.UpdateNode(status.Node{
		Awake:   true,
		Inputs:  []string{status.LevelHigh, status.LevelLow},
		Outputs: []string{status.LevelUnknown},
		Events:  3,
	})
	tr.SetMQTTConnected(true)

	sj := getJSON(t, ts.URL+"/index.json")
	if sj.Status.Role != "gate" {
		t.Errorf("role: got %q", sj.Status.Role)
	}
	if len(sj.Status.Inputs) != 2 || sj.Status.Inputs[0] != status.LevelHigh {
		t.Errorf("inputs: %v", sj.Status.Inputs)
	}
	if sj.Status.Counters.Events != 3 {
		t.Errorf("events: %d", sj.Status.Counters.Events)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT connected")
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.UpdateNode(status.Node{
		Awake:    true,
		Inputs:   []string{status.LevelHigh},
		Outputs:  []string{status.LevelLow},
		Shutters: []status.Shutter{{Group: 0, State: "MOVING_UP", Position: 30, Target: -1}},
	})
	tr.UpdateGate(status.Gate{ToHost: 4})
	tr.SetPeers([]status.Peer{{Addr: 2, Role: "controller", LastSeen: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"Node 0 (gate)", "MOVING_UP at 30%", "node 2 controller", "Host out / in"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	if sj := getJSON(t, ts.URL+"/index.json"); sj.Status.Awake {
		t.Error("expected awake=false before the first update")
	}

	tr.UpdateNode(status.Node{Awake: true, Outputs: []string{status.LevelHigh}})
	tr.UpdateBus(status.Bus{Sent: 9})

	sj := getJSON(t, ts.URL+"/index.json")
	if !sj.Status.Awake {
		t.Error("expected awake=true after update")
	}
	if sj.Status.Outputs[0] != status.LevelHigh || sj.Status.Counters.Sent != 9 {
		t.Errorf("update not reflected: %+v", sj.Status)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := New(addr, status.NewTracker(time.Now(), status.Config{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/index.json")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
