package mqtt

import (
	"sync"

	"github.com/sweeney/boxctl/internal/frame"
)

// FakePublisher records published frames and system events for test
// assertions. It is safe for use from the mirror goroutine.
type FakePublisher struct {
	mu sync.Mutex

	// Frames contains all bus frames that were published.
	Frames []frame.Frame

	// Payloads contains the JSON payloads of the published frames.
	Payloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// PublishError, if set, will be returned by PublishFrame.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	handler func(frame.Command, string)
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Connected: true}
}

// PublishFrame records the frame.
func (f *FakePublisher) PublishFrame(fr frame.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatFrame(fr)
	if err != nil {
		return err
	}
	f.Frames = append(f.Frames, fr)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	f.SystemEvents = append(f.SystemEvents, event)
	return nil
}

// Subscribe stores handler for Deliver.
func (f *FakePublisher) Subscribe(handler func(cmd frame.Command, id string)) error {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return nil
}

// Deliver feeds payload through the command path as if it had arrived on
// the command topic. It returns the parse error, if any.
func (f *FakePublisher) Deliver(payload []byte) error {
	cmd, id, err := ParseCommand(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(cmd, id)
	}
	return nil
}

// Published returns a copy of the recorded frames.
func (f *FakePublisher) Published() []frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame.Frame(nil), f.Frames...)
}

// System returns a copy of the recorded system events.
func (f *FakePublisher) System() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.SystemEvents...)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Reset clears all recorded state.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Frames = nil
	f.Payloads = nil
	f.SystemEvents = nil
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Closed = false
	f.handler = nil
}
