package bus

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/boxctl/internal/frame"
)

// Peer is one node as seen by the Gate.
type Peer struct {
	Addr     uint8
	Role     uint8
	Faults   uint8 // as last announced in a heartbeat
	LastSeen time.Time
	Silent   bool
}

// Presence tracks the last time each address was heard. A peer that stays
// quiet for longer than silentAfter is reported once as silent; a peer
// quiet for longer than expiry is forgotten. Safe for concurrent use.
type Presence struct {
	silentAfter time.Duration
	expiry      time.Duration

	mu    sync.Mutex
	peers map[uint8]*Peer
}

// NewPresence returns an empty table.
func NewPresence(silentAfter, expiry time.Duration) *Presence {
	if expiry < silentAfter {
		expiry = silentAfter
	}
	return &Presence{silentAfter: silentAfter, expiry: expiry, peers: make(map[uint8]*Peer)}
}

// Observe records f. Commands carry their target, not their sender, and are
// ignored.
func (p *Presence) Observe(f frame.Frame, now time.Time) {
	if f.Type == frame.TypeCommand {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[f.Addr]
	if !ok {
		peer = &Peer{Addr: f.Addr}
		p.peers[f.Addr] = peer
		log.Printf("bus: node %d joined", f.Addr)
	}
	if peer.Silent {
		log.Printf("bus: node %d is back after %v", f.Addr, now.Sub(peer.LastSeen).Truncate(time.Millisecond))
		peer.Silent = false
	}
	peer.LastSeen = now
	if f.Type == frame.TypeHeartbeat {
		peer.Role, peer.Faults = f.Action, f.Param
	}
}

// Check expires old entries and returns the addresses that became silent
// since the previous call, in ascending order.
func (p *Presence) Check(now time.Time) []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var silent []uint8
	for addr, peer := range p.peers {
		quiet := now.Sub(peer.LastSeen)
		if quiet > p.expiry {
			log.Printf("bus: node %d expired after %v", addr, quiet.Truncate(time.Second))
			delete(p.peers, addr)
			continue
		}
		if quiet > p.silentAfter && !peer.Silent {
			peer.Silent = true
			silent = append(silent, addr)
		}
	}
	sort.Slice(silent, func(i, j int) bool { return silent[i] < silent[j] })
	return silent
}

// Peers returns a copy of the table, ordered by address.
func (p *Presence) Peers() []Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Run calls Check every interval and hands each newly silent address to
// raise.
func (p *Presence) Run(ctx context.Context, every time.Duration, now func() time.Time, raise func(addr uint8)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, addr := range p.Check(now()) {
				log.Printf("bus: node %d silent for more than %v", addr, p.silentAfter)
				raise(addr)
			}
		}
	}
}
