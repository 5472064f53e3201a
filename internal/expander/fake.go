package expander

import (
	"fmt"
	"sync"
)

// Write records one WritePort call on a FakePort.
type Write struct {
	Port  int
	Value uint16
}

// FakePort is a test double with scripted reads and recorded writes.
// It is safe for concurrent use so it can sit behind a Guard.
type FakePort struct {
	mu sync.Mutex

	// Scripts holds per-port read values. Each ReadPort consumes the next
	// value; once exhausted the last value repeats. A port without a script
	// reads back whatever was last written to it.
	Scripts [NumPorts][]uint16
	index   [NumPorts]int
	latched [NumPorts]uint16

	// Writes contains every successful WritePort call in order.
	Writes []Write

	// ReadError, if set, is returned by ReadPort.
	ReadError error

	// WriteError, if set, is returned by WritePort.
	WriteError error

	// FailWrites makes the next n WritePort calls fail.
	FailWrites int

	// Block, if set, makes every call wait until it is closed or receives.
	Block chan struct{}

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePort creates a FakePort with no scripts.
func NewFakePort() *FakePort {
	return &FakePort{}
}

// Script replaces the read script of port.
func (f *FakePort) Script(port int, words ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Scripts[port] = words
	f.index[port] = 0
}

// ReadPort returns the next scripted word for port.
func (f *FakePort) ReadPort(port int) (uint16, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return 0, f.ReadError
	}
	if port < 0 || port >= NumPorts {
		return 0, fmt.Errorf("no such port %d", port)
	}
	s := f.Scripts[port]
	if len(s) == 0 {
		return f.latched[port], nil
	}
	v := s[f.index[port]]
	if f.index[port] < len(s)-1 {
		f.index[port]++
	}
	return v, nil
}

// WritePort records the write and latches the value.
func (f *FakePort) WritePort(port int, v uint16) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	if f.FailWrites > 0 {
		f.FailWrites--
		return fmt.Errorf("fake: write port %d failed", port)
	}
	if port < 0 || port >= NumPorts {
		return fmt.Errorf("no such port %d", port)
	}
	f.latched[port] = v
	f.Writes = append(f.Writes, Write{Port: port, Value: v})
	return nil
}

// Close marks the port as closed.
func (f *FakePort) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Latched returns the last value written to port.
func (f *FakePort) Latched(port int) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latched[port]
}

// WriteLog returns a copy of the recorded writes.
func (f *FakePort) WriteLog() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.Writes...)
}

// Reset clears scripts, writes and injected errors.
func (f *FakePort) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Scripts = [NumPorts][]uint16{}
	f.index = [NumPorts]int{}
	f.latched = [NumPorts]uint16{}
	f.Writes = nil
	f.ReadError = nil
	f.WriteError = nil
	f.FailWrites = 0
	f.Closed = false
}

func (f *FakePort) wait() {
	f.mu.Lock()
	b := f.Block
	f.mu.Unlock()
	if b != nil {
		<-b
	}
}
