package mqtt

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sweeney/boxctl/internal/frame"
)

// MirrorStats counts mirror activity.
type MirrorStats struct {
	Published int
	Dropped   int // frames lost because the publisher fell behind
	Failed    int // publish errors
}

// Mirror forwards bus frames to a Publisher from its own goroutine so a
// slow broker never stalls the bus.
type Mirror struct {
	pub Publisher
	in  chan frame.Frame
	now func() time.Time

	mu    sync.Mutex
	stats MirrorStats
}

// NewMirror returns a mirror buffering up to backlog frames.
func NewMirror(pub Publisher, backlog int, now func() time.Time) *Mirror {
	if backlog < 1 {
		backlog = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Mirror{pub: pub, in: make(chan frame.Frame, backlog), now: now}
}

// Forward queues f without blocking.
func (m *Mirror) Forward(f frame.Frame) {
	select {
	case m.in <- f:
	default:
		m.mu.Lock()
		m.stats.Dropped++
		first := m.stats.Dropped == 1
		m.mu.Unlock()
		if first {
			log.Printf("mqtt: mirror backlog full, dropping frames")
		}
	}
}

// Run publishes STARTUP, then queued frames until ctx is done, then SHUTDOWN.
func (m *Mirror) Run(ctx context.Context) error {
	if err := m.pub.PublishSystem(SystemEvent{Timestamp: m.now(), Event: "STARTUP"}); err != nil {
		log.Printf("mqtt: startup event: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			if err := m.pub.PublishSystem(SystemEvent{Timestamp: m.now(), Event: "SHUTDOWN", Reason: "stopped"}); err != nil {
				log.Printf("mqtt: shutdown event: %v", err)
			}
			return nil
		case f := <-m.in:
			err := m.pub.PublishFrame(f)
			m.mu.Lock()
			if err != nil {
				m.stats.Failed++
			} else {
				m.stats.Published++
			}
			failed := m.stats.Failed
			m.mu.Unlock()
			if err != nil && failed == 1 {
				log.Printf("mqtt: publish frame: %v", err)
			}
		}
	}
}

// Stats returns a copy of the counters.
func (m *Mirror) Stats() MirrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
