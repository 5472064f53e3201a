package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/sweeney/boxctl/internal/frame"
)

// FakeLink is a test double that records sent frames and replays injected
// inbound frames. Safe for concurrent use.
type FakeLink struct {
	mu sync.Mutex

	// Sent contains every frame Send accepted.
	Sent []frame.Frame

	// Attempts counts every Send call, failed or not.
	Attempts int

	// FailSends makes the next n Send calls fail.
	FailSends int

	// SendError, if set, is returned by every Send call.
	SendError error

	// Closed tracks if Close was called.
	Closed bool

	inbox  chan recvItem
	done   chan struct{}
	notify chan struct{}
}

type recvItem struct {
	f   frame.Frame
	err error
}

// NewFakeLink creates a FakeLink.
func NewFakeLink() *FakeLink {
	return &FakeLink{
		inbox:  make(chan recvItem, 64),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Send records f unless a failure is scripted.
func (l *FakeLink) Send(ctx context.Context, f frame.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Closed {
		return ErrClosed
	}
	l.Attempts++
	if l.SendError != nil {
		return l.SendError
	}
	if l.FailSends > 0 {
		l.FailSends--
		return errors.New("fake: arbitration lost")
	}
	l.Sent = append(l.Sent, f)
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Recv returns the next injected frame.
func (l *FakeLink) Recv(ctx context.Context) (frame.Frame, error) {
	select {
	case it := <-l.inbox:
		return it.f, it.err
	case <-l.done:
		return frame.Frame{}, ErrClosed
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

// Inject queues a frame for Recv.
func (l *FakeLink) Inject(f frame.Frame) {
	l.inbox <- recvItem{f: f}
}

// InjectError queues an error for Recv.
func (l *FakeLink) InjectError(err error) {
	l.inbox <- recvItem{err: err}
}

// Close marks the link closed and unblocks Recv.
func (l *FakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.Closed {
		l.Closed = true
		close(l.done)
	}
	return nil
}

// SentFrames returns a copy of the frames sent so far.
func (l *FakeLink) SentFrames() []frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]frame.Frame(nil), l.Sent...)
}

// Notify fires after each successful Send.
func (l *FakeLink) Notify() <-chan struct{} {
	return l.notify
}

// Reset clears recorded frames and scripted failures.
func (l *FakeLink) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Sent = nil
	l.Attempts = 0
	l.FailSends = 0
	l.SendError = nil
}
