package node

import (
	"context"
	"log"
	"time"
)

// Run is the control loop: it polls on every tick, applies inbound frames
// in arrival order and, in low-power mode, sleeps between wake triggers.
// Outputs keep their last commanded level while the node sleeps.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Init(c.now()); err != nil {
		log.Printf("node: initial output write failed: %v", err)
	}

	ticker := time.NewTicker(c.cfg.Timing.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-c.inbox:
			c.HandleFrame(f, c.now())
		case <-ticker.C:
			now := c.now()
			c.Poll(now)
			c.Tick(now)
			if c.ShouldSleep(now) {
				if !c.sleep(ctx) {
					return nil
				}
				c.resume(c.now())
			}
		}
	}
}

// ShouldSleep reports whether the node may enter low-power sleep at now:
// low power is enabled, nothing happened for the awake window, no timer is
// running and no inbound frame is waiting.
func (c *Controller) ShouldSleep(now time.Time) bool {
	if !c.cfg.LowPower {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity) >= c.cfg.Timing.AwakeWindow && !c.busy() && len(c.inbox) == 0
}

// sleep blocks until the wake line fires, the wake interval passes or ctx
// is done. Inbound frames stay in the inbox meanwhile. It reports false if
// ctx ended the sleep.
func (c *Controller) sleep(ctx context.Context) bool {
	c.setAwake(false)
	var wake <-chan struct{}
	if c.wake != nil {
		wake = c.wake.Wake()
	}
	timer := time.NewTimer(c.cfg.Timing.WakeInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-wake:
		log.Printf("node: woken by wake line")
	case <-timer.C:
	}
	return true
}

// resume polls once, drains the inbox and restarts the awake window.
func (c *Controller) resume(now time.Time) {
	c.setAwake(true)
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()

	c.Poll(now)
	c.Tick(now)
	for {
		select {
		case f := <-c.inbox:
			c.HandleFrame(f, now)
		default:
			return
		}
	}
}

func (c *Controller) setAwake(awake bool) {
	c.mu.Lock()
	c.awake = awake
	c.mu.Unlock()
}
