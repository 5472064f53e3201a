package bus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sweeney/boxctl/internal/fault"
	"github.com/sweeney/boxctl/internal/frame"
)

// Config holds the transport tunables.
type Config struct {
	Address      uint8
	QueueSize    int
	RetryLimit   int           // total send attempts per frame
	RetryBackoff time.Duration // first backoff, doubled per retry
}

// Stats counts transport activity since start.
type Stats struct {
	Sent      int
	Received  int
	Retries   int
	QueueFull int // frames dropped because the queue was full
	Exhausted int // frames dropped after RetryLimit attempts
	Malformed int // inbound frames that failed to decode
}

// Transport owns the send queue of a node and pumps frames to and from a
// Link. Enqueue never blocks; RunTx and RunRx are meant to run as separate
// tasks.
type Transport struct {
	link  Link
	cfg   Config
	clock func() uint32

	// Tap, if set, sees every frame after it was sent. Set before RunTx.
	Tap func(frame.Frame)

	sleep func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	q        *queue
	overflow bool // a BusSaturated was raised for the current overflow episode
	stats    Stats
	wake     chan struct{}
}

// New returns a transport over link. clock supplies frame timestamps.
func New(link Link, cfg Config, clock func() uint32) *Transport {
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 1
	}
	return &Transport{
		link:  link,
		cfg:   cfg,
		clock: clock,
		sleep: sleep,
		q:     newQueue(cfg.QueueSize),
		wake:  make(chan struct{}, 1),
	}
}

// Enqueue adds f to the send queue. It reports false if a frame had to be
// dropped to make room. Every drop is counted; the first drop of an overflow
// episode also raises a BusSaturated diagnostic, which takes the report slot
// rather than a queue slot.
func (t *Transport) Enqueue(f frame.Frame) bool {
	t.mu.Lock()
	dropped, didDrop := t.q.push(f)
	if didDrop {
		t.stats.QueueFull++
		if !t.overflow {
			t.overflow = true
			log.Printf("bus: send queue full (%d frames), dropping %s", t.cfg.QueueSize, dropped.Type)
			t.q.setReport(t.saturated(dropped))
		}
	}
	t.mu.Unlock()
	t.signal()
	return !didDrop
}

// Pending returns the number of queued frames.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.q.len()
}

// Stats returns a copy of the counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// RunTx sends queued frames until ctx is done.
func (t *Transport) RunTx(ctx context.Context) error {
	for {
		f, ok := t.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-t.wake:
			}
			continue
		}
		if err := t.transmit(ctx, f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// RunRx receives frames and hands each well-formed one to deliver, in bus
// order. Malformed frames are counted and dropped.
func (t *Transport) RunRx(ctx context.Context, deliver func(frame.Frame)) error {
	for {
		f, err := t.link.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, fault.MalformedFrame) {
				t.mu.Lock()
				t.stats.Malformed++
				t.mu.Unlock()
				log.Printf("bus: dropped inbound frame: %v", err)
				continue
			}
			return err
		}
		t.mu.Lock()
		t.stats.Received++
		t.mu.Unlock()
		deliver(f)
	}
}

// RunHeartbeat queues build() immediately and then every interval.
func (t *Transport) RunHeartbeat(ctx context.Context, interval time.Duration, build func() frame.Frame) error {
	t.Enqueue(build())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Enqueue(build())
		}
	}
}

// transmit sends f with bounded retries. Only link-independent errors
// (cancellation) are returned; exhaustion is handled here.
func (t *Transport) transmit(ctx context.Context, f frame.Frame) error {
	backoff := backoffSeq(t.cfg.RetryBackoff)
	var err error
	for attempt := 1; attempt <= t.cfg.RetryLimit; attempt++ {
		if err = t.link.Send(ctx, f); err == nil {
			t.mu.Lock()
			t.stats.Sent++
			t.mu.Unlock()
			if t.Tap != nil {
				t.Tap(f)
			}
			return nil
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return err
		}
		if attempt == t.cfg.RetryLimit {
			break
		}
		t.mu.Lock()
		t.stats.Retries++
		t.mu.Unlock()
		if !t.sleep(ctx, backoff()) {
			return ctx.Err()
		}
	}

	log.Printf("bus: %s dropped after %d attempts: %v", f.Type, t.cfg.RetryLimit, err)
	t.mu.Lock()
	t.stats.Exhausted++
	// A lost saturation report is not reported again, and one waiting
	// report covers any further exhaustion.
	if !isSaturated(f) {
		t.q.setReport(t.saturated(f))
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) next() (frame.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.q.pop()
	if t.q.len() == 0 {
		t.overflow = false
	}
	return f, ok
}

func (t *Transport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) saturated(dropped frame.Frame) frame.Frame {
	b, _ := fault.BusSaturated.Byte()
	return frame.Diagnostic(t.cfg.Address, b, 0, uint8(dropped.Type), t.clock())
}

func isSaturated(f frame.Frame) bool {
	b, _ := fault.BusSaturated.Byte()
	return f.Type == frame.TypeDiagnostic && f.Action == b
}

func backoffSeq(min time.Duration) func() time.Duration {
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
