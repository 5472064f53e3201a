// Package gate bridges the field bus and a host byte stream.
//
// Every frame seen on the bus is written to the host in the stream framing
// of package frame, in the order it was seen. Every well-formed command read
// from the host is queued on the bus; commands addressed to the gate itself
// (or broadcast) are also handed to the local node. Malformed host input is
// dropped without stopping the bridge.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/sweeney/boxctl/internal/fault"
	"github.com/sweeney/boxctl/internal/frame"
)

// Enqueuer accepts frames for the bus.
type Enqueuer interface {
	Enqueue(f frame.Frame) bool
}

// Stats counts bridge activity.
type Stats struct {
	ToHost      int
	FromHost    int
	HostDropped int // bus frames lost because the host side was backed up
	Malformed   int // undecodable host frames
	Rejected    int // well-formed host frames that were not commands
}

// Bridge pumps frames between the bus and the host.
type Bridge struct {
	addr  uint8
	host  io.ReadWriter
	bus   Enqueuer
	local func(frame.Frame)

	out chan frame.Frame

	mu    sync.Mutex
	stats Stats
}

// New returns a bridge for the gate at addr. local receives commands meant
// for the gate itself; it may be nil. backlog bounds the bus->host queue.
func New(addr uint8, host io.ReadWriter, bus Enqueuer, local func(frame.Frame), backlog int) *Bridge {
	if backlog < 1 {
		backlog = 1
	}
	return &Bridge{
		addr:  addr,
		host:  host,
		bus:   bus,
		local: local,
		out:   make(chan frame.Frame, backlog),
	}
}

// Forward queues a bus frame for the host. It never blocks; when the host
// side is backed up the frame is dropped and counted.
func (b *Bridge) Forward(f frame.Frame) {
	select {
	case b.out <- f:
	default:
		b.mu.Lock()
		b.stats.HostDropped++
		first := b.stats.HostDropped == 1
		b.mu.Unlock()
		if first {
			log.Printf("gate: host backlog full, dropping bus frames")
		}
	}
}

// Submit routes a host-originated frame. Only commands are accepted.
func (b *Bridge) Submit(f frame.Frame) error {
	if err := f.Validate(); err != nil {
		b.count(func(s *Stats) { s.Malformed++ })
		return err
	}
	if f.Type != frame.TypeCommand {
		b.count(func(s *Stats) { s.Rejected++ })
		return fmt.Errorf("gate: host sent %s, only commands are accepted", f.Type)
	}
	b.count(func(s *Stats) { s.FromHost++ })
	b.bus.Enqueue(f)
	if b.local != nil && (f.Addr == b.addr || f.Addr == frame.Broadcast) {
		b.local(f)
	}
	return nil
}

// RunHostTx writes forwarded frames to the host until ctx is done or a
// write fails.
func (b *Bridge) RunHostTx(ctx context.Context) error {
	w := frame.NewStreamWriter(b.host)
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-b.out:
			if err := w.WriteFrame(f); err != nil {
				return fmt.Errorf("gate: write host: %w", err)
			}
			b.count(func(s *Stats) { s.ToHost++ })
		}
	}
}

// RunHostRx reads host frames until the stream fails. Cancel it by closing
// the host stream.
func (b *Bridge) RunHostRx(ctx context.Context) error {
	r := frame.NewStreamReader(b.host)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, fault.MalformedFrame) {
				b.count(func(s *Stats) { s.Malformed++ })
				log.Printf("gate: dropped host frame: %v", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("gate: host closed the stream")
			}
			return fmt.Errorf("gate: read host: %w", err)
		}
		if err := b.Submit(f); err != nil {
			log.Printf("gate: %v", err)
		}
	}
}

// Stats returns a copy of the counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Bridge) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}
