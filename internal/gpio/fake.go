package gpio

import "sync"

// FakeWakeLine is a test double driven by Trigger.
type FakeWakeLine struct {
	mu       sync.Mutex
	wake     chan struct{}
	asserted bool

	// ReadError, if set, will be returned by Asserted().
	ReadError error

	// Closed tracks if Close was called.
	Closed bool

	// Edges counts Trigger calls, merged or not.
	Edges int
}

// NewFakeWakeLine creates an idle fake line.
func NewFakeWakeLine() *FakeWakeLine {
	return &FakeWakeLine{wake: make(chan struct{}, 1)}
}

// Trigger simulates an asserting edge and leaves the line asserted.
func (f *FakeWakeLine) Trigger() {
	f.mu.Lock()
	f.asserted = true
	f.Edges++
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Release deasserts the line without producing an edge.
func (f *FakeWakeLine) Release() {
	f.mu.Lock()
	f.asserted = false
	f.mu.Unlock()
}

// Wake returns the edge channel.
func (f *FakeWakeLine) Wake() <-chan struct{} {
	return f.wake
}

// Asserted returns the simulated level.
func (f *FakeWakeLine) Asserted() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return false, f.ReadError
	}
	return f.asserted, nil
}

// Close marks the line as closed.
func (f *FakeWakeLine) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Reset drops pending edges and clears all state.
func (f *FakeWakeLine) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.wake:
	default:
	}
	f.asserted = false
	f.Edges = 0
	f.Closed = false
	f.ReadError = nil
}
