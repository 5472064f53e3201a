package expander

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/boxctl/internal/fault"
)

var (
	errTimeout = errors.New("transaction timed out")
	errBusy    = errors.New("previous transaction still pending")
)

// Guard bounds every transaction on an underlying Port. A transaction that
// does not finish within the timeout fails with fault.HardwareFault; further
// transactions fail fast until the stuck one returns. Failed transactions
// are retried up to retries extra times.
type Guard struct {
	port    Port
	timeout time.Duration
	retries int

	mu      sync.Mutex
	pending bool
	errors  int
}

// NewGuard wraps p. A zero timeout disables the deadline.
func NewGuard(p Port, timeout time.Duration, retries int) *Guard {
	if retries < 0 {
		retries = 0
	}
	return &Guard{port: p, timeout: timeout, retries: retries}
}

// ReadPort implements Port.
func (g *Guard) ReadPort(port int) (uint16, error) {
	return g.do("read", port, func() (uint16, error) {
		return g.port.ReadPort(port)
	})
}

// WritePort implements Port.
func (g *Guard) WritePort(port int, v uint16) error {
	_, err := g.do("write", port, func() (uint16, error) {
		return 0, g.port.WritePort(port, v)
	})
	return err
}

// Close implements Port.
func (g *Guard) Close() error {
	return g.port.Close()
}

// Errors returns the number of failed attempts so far.
func (g *Guard) Errors() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errors
}

func (g *Guard) do(op string, port int, fn func() (uint16, error)) (uint16, error) {
	var err error
	for attempt := 0; attempt <= g.retries; attempt++ {
		var v uint16
		if v, err = g.once(fn); err == nil {
			return v, nil
		}
		g.mu.Lock()
		g.errors++
		stuck := g.pending
		g.mu.Unlock()
		if stuck {
			break
		}
	}
	return 0, fault.New(fault.HardwareFault, fmt.Sprintf("%s port %d", op, port), "", err)
}

// once runs fn with the deadline. The result of a timed-out fn is discarded.
func (g *Guard) once(fn func() (uint16, error)) (uint16, error) {
	if g.timeout <= 0 {
		return fn()
	}

	g.mu.Lock()
	if g.pending {
		g.mu.Unlock()
		return 0, errBusy
	}
	g.pending = true
	g.mu.Unlock()

	type result struct {
		v   uint16
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		g.mu.Lock()
		g.pending = false
		g.mu.Unlock()
		done <- result{v, err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		return 0, errTimeout
	}
}
