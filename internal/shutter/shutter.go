// Package shutter drives a bidirectional motor over two output legs.
//
// A Controller is a time-injected state machine. The up and down legs are
// always written together, and the controller never asks for both to be
// active. Reversing direction always goes through Stopping and waits for the
// dwell time before the opposite leg is driven.
//
// Position is estimated from travel time: 0 is fully open (up), 100 fully
// closed (down).
package shutter

import (
	"fmt"
	"time"

	"github.com/sweeney/boxctl/internal/fault"
)

// State of a shutter group.
type State int

const (
	Idle State = iota
	MovingUp
	MovingDown
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case MovingUp:
		return "MOVING_UP"
	case MovingDown:
		return "MOVING_DOWN"
	case Stopping:
		return "STOPPING"
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Direction of travel.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "UP"
	}
	return "DOWN"
}

func (d Direction) moving() State {
	if d == Up {
		return MovingUp
	}
	return MovingDown
}

func (d Direction) endpoint() float64 {
	if d == Up {
		return 0
	}
	return 100
}

// Legs writes both legs of a group in one transaction.
type Legs interface {
	SetLegs(up, down bool, now time.Time) error
}

// Config holds the timing of one group.
type Config struct {
	// MaxTravel bounds every movement.
	MaxTravel time.Duration
	// Travel is the time a full 0..100 run takes. Zero means unknown: Up and
	// Down then run until MaxTravel expires.
	Travel time.Duration
	// Overtime extends an Up or Down run past the estimated endpoint so the
	// motor reaches its end stop.
	Overtime time.Duration
	// Dwell is the minimum pause between movements.
	Dwell time.Duration
}

type move struct {
	dir       Direction
	target    float64
	hasTarget bool
}

// Controller is the state machine of one group. Not safe for concurrent use.
type Controller struct {
	group int
	legs  Legs
	cfg   Config
	timed bool

	state    State
	position float64

	cur       move
	started   time.Time
	startPos  float64
	arrive    time.Time
	arrives   bool
	deadline  time.Time
	dwellEnd  time.Time
	pending   *move
	legsDirty bool
}

// New returns an idle controller. The position estimate starts at 0; the
// first Up or Down run to an endpoint resynchronizes it.
func New(group int, legs Legs, cfg Config) *Controller {
	timed := cfg.Travel > 0 && cfg.Travel <= cfg.MaxTravel
	if !timed {
		cfg.Travel = cfg.MaxTravel
	}
	return &Controller{group: group, legs: legs, cfg: cfg, timed: timed}
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Group returns the group id.
func (c *Controller) Group() int { return c.group }

// Position returns the estimated position at now, 0..100.
func (c *Controller) Position(now time.Time) int {
	return int(c.estimate(now) + 0.5)
}

// Pending reports whether a movement is queued behind the dwell.
func (c *Controller) Pending() bool { return c.pending != nil }

// Busy reports whether the controller needs Tick calls.
func (c *Controller) Busy() bool { return c.state != Idle }

// Move runs the shutter toward the endpoint of dir.
func (c *Controller) Move(dir Direction, now time.Time) error {
	return c.request(move{dir: dir, target: dir.endpoint()}, now)
}

// Go runs the shutter to position pos (0..100).
func (c *Controller) Go(pos uint8, now time.Time) error {
	if pos > 100 {
		pos = 100
	}
	target := float64(pos)
	cur := c.estimate(now)
	if target == cur {
		if c.moving() {
			return c.stop(now)
		}
		return nil
	}
	dir := Down
	if target < cur {
		dir = Up
	}
	return c.request(move{dir: dir, target: target, hasTarget: true}, now)
}

// Stop halts any movement and drops a queued one.
func (c *Controller) Stop(now time.Time) error {
	c.pending = nil
	if c.moving() {
		return c.stop(now)
	}
	return nil
}

// Assert handles a direct write to one leg. Raising a leg starts a move in
// its direction; lowering the active leg stops. Raising a leg while the
// other one is driven is refused with fault.SafetyViolation and the group is
// forced to Stopping.
func (c *Controller) Assert(dir Direction, on bool, now time.Time) error {
	if !on {
		if c.state == dir.moving() {
			return c.Stop(now)
		}
		return nil
	}
	if c.moving() && c.cur.dir != dir {
		c.pending = nil
		err := fault.New(fault.SafetyViolation, c.op(),
			fmt.Sprintf("%s leg raised while moving %s", dir, c.cur.dir), nil)
		if serr := c.stop(now); serr != nil {
			return fmt.Errorf("%w; stop: %v", err, serr)
		}
		return err
	}
	return c.Move(dir, now)
}

// Releasing reports whether a stop is still waiting for the legs to be
// written low.
func (c *Controller) Releasing() bool { return c.legsDirty }

// Tick advances timers. It returns a fault.MovementTimeout error when a
// movement ran into its deadline, or a fault.HardwareFault if the legs
// could not be written.
func (c *Controller) Tick(now time.Time) error {
	switch c.state {
	case MovingUp, MovingDown:
		if c.arrives && !now.Before(c.arrive) {
			err := c.stop(now)
			c.position = c.cur.target
			return err
		}
		if !now.Before(c.deadline) {
			serr := c.stop(now)
			c.position = c.cur.dir.endpoint()
			if serr != nil {
				return serr
			}
			return fault.New(fault.MovementTimeout, c.op(),
				fmt.Sprintf("%s ran %v", c.cur.dir, c.cfg.MaxTravel), nil)
		}
	case Stopping:
		if c.legsDirty {
			if err := c.setLegs(false, false, now); err != nil {
				return err
			}
		}
		if now.Before(c.dwellEnd) {
			return nil
		}
		c.state = Idle
		if p := c.pending; p != nil {
			c.pending = nil
			return c.request(*p, now)
		}
	}
	return nil
}

// NextDeadline returns when Tick next needs to run.
func (c *Controller) NextDeadline() (time.Time, bool) {
	switch c.state {
	case MovingUp, MovingDown:
		if c.arrives {
			return c.arrive, true
		}
		return c.deadline, true
	case Stopping:
		return c.dwellEnd, true
	}
	return time.Time{}, false
}

// Snapshot is a read-only view of a group.
type Snapshot struct {
	Group    int
	State    State
	Position int
	Target   int
	Pending  bool
}

// Snapshot returns the current view at now.
func (c *Controller) Snapshot(now time.Time) Snapshot {
	s := Snapshot{Group: c.group, State: c.state, Position: c.Position(now), Target: -1, Pending: c.pending != nil}
	if c.moving() {
		s.Target = int(c.cur.target + 0.5)
	}
	return s
}

func (c *Controller) request(m move, now time.Time) error {
	switch c.state {
	case Idle:
		return c.start(m, now)
	case Stopping:
		c.pending = &m
		return nil
	}
	if c.cur.dir == m.dir {
		c.retarget(m, now)
		return nil
	}
	c.pending = &m
	return c.stop(now)
}

func (c *Controller) start(m move, now time.Time) error {
	c.position = c.estimate(now)
	if m.hasTarget && m.target == c.position {
		return nil
	}
	c.cur = m
	c.started, c.startPos = now, c.position
	c.deadline = now.Add(c.cfg.MaxTravel)
	c.setArrive(now)
	c.state = m.dir.moving()
	if err := c.setLegs(m.dir == Up, m.dir == Down, now); err != nil {
		c.pending = nil
		c.enterStopping(now)
		c.setLegs(false, false, now)
		return err
	}
	return nil
}

// retarget changes the goal of a movement already running in m.dir.
func (c *Controller) retarget(m move, now time.Time) {
	c.position = c.estimate(now)
	c.started, c.startPos = now, c.position
	c.cur = m
	c.setArrive(now)
}

// setArrive computes when the current move reaches its goal. An endpoint
// run only arrives when the travel time is known; it gets Overtime on top.
func (c *Controller) setArrive(now time.Time) {
	c.arrives = c.cur.hasTarget || c.timed
	if !c.arrives {
		return
	}
	delta := c.cur.target - c.position
	if delta < 0 {
		delta = -delta
	}
	c.arrive = now.Add(time.Duration(float64(c.cfg.Travel) * delta / 100))
	if !c.cur.hasTarget {
		c.arrive = c.arrive.Add(c.cfg.Overtime)
	}
	if !c.arrive.Before(c.deadline) {
		c.arrives = false
	}
}

func (c *Controller) stop(now time.Time) error {
	c.position = c.estimate(now)
	c.enterStopping(now)
	return c.setLegs(false, false, now)
}

func (c *Controller) enterStopping(now time.Time) {
	c.state = Stopping
	c.dwellEnd = now.Add(c.cfg.Dwell)
}

func (c *Controller) setLegs(up, down bool, now time.Time) error {
	if up && down {
		return fault.New(fault.SafetyViolation, c.op(), "both legs requested", nil)
	}
	if err := c.legs.SetLegs(up, down, now); err != nil {
		if !up && !down {
			c.legsDirty = true
		}
		return err
	}
	if !up && !down {
		c.legsDirty = false
	}
	return nil
}

func (c *Controller) moving() bool {
	return c.state == MovingUp || c.state == MovingDown
}

// estimate returns the position at now without changing state.
func (c *Controller) estimate(now time.Time) float64 {
	if !c.moving() || c.cfg.Travel <= 0 {
		return c.position
	}
	moved := float64(now.Sub(c.started)) * 100 / float64(c.cfg.Travel)
	p := c.startPos
	if c.cur.dir == Up {
		p -= moved
	} else {
		p += moved
	}
	if c.cur.hasTarget {
		if (c.cur.dir == Up && p < c.cur.target) || (c.cur.dir == Down && p > c.cur.target) {
			p = c.cur.target
		}
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

func (c *Controller) op() string {
	return fmt.Sprintf("shutter %d", c.group)
}
