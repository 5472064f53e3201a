package bus

import "github.com/sweeney/boxctl/internal/frame"

// lane is a fixed-capacity FIFO of frames.
type lane struct {
	buf   []frame.Frame
	head  int // oldest item
	count int
}

func newLane(capacity int) lane {
	return lane{buf: make([]frame.Frame, capacity)}
}

func (l *lane) push(f frame.Frame) {
	l.buf[(l.head+l.count)%len(l.buf)] = f
	l.count++
}

func (l *lane) pop() (frame.Frame, bool) {
	if l.count == 0 {
		return frame.Frame{}, false
	}
	f := l.buf[l.head]
	l.buf[l.head] = frame.Frame{}
	l.head = (l.head + 1) % len(l.buf)
	l.count--
	return f, true
}

// queue is the bounded send queue of a node. Priority frames (commands,
// heartbeats, diagnostics) are always sent before routine ones. When full,
// the oldest routine frame is dropped first; a routine frame arriving at a
// queue holding only priority frames is dropped itself.
// A single report slot outside the capacity holds a pending saturation
// diagnostic, so raising one never evicts a queued frame.
// Not safe for concurrent use; the caller synchronizes.
type queue struct {
	prio     lane
	routine  lane
	capacity int

	report    frame.Frame
	hasReport bool
}

func newQueue(capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{
		prio:     newLane(capacity),
		routine:  newLane(capacity),
		capacity: capacity,
	}
}

// push adds f and returns the frame dropped to make room, if any.
func (q *queue) push(f frame.Frame) (frame.Frame, bool) {
	var dropped frame.Frame
	var didDrop bool
	if q.prio.count+q.routine.count == q.capacity {
		switch {
		case q.routine.count > 0:
			dropped, _ = q.routine.pop()
		case !f.Type.Priority():
			return f, true
		default:
			dropped, _ = q.prio.pop()
		}
		didDrop = true
	}
	if f.Type.Priority() {
		q.prio.push(f)
	} else {
		q.routine.push(f)
	}
	return dropped, didDrop
}

// setReport fills the report slot. It reports false if a report is already
// waiting there.
func (q *queue) setReport(f frame.Frame) bool {
	if q.hasReport {
		return false
	}
	q.report, q.hasReport = f, true
	return true
}

// pop returns the next frame to send. A waiting report goes first.
func (q *queue) pop() (frame.Frame, bool) {
	if q.hasReport {
		f := q.report
		q.report, q.hasReport = frame.Frame{}, false
		return f, true
	}
	if f, ok := q.prio.pop(); ok {
		return f, true
	}
	return q.routine.pop()
}

func (q *queue) len() int {
	n := q.prio.count + q.routine.count
	if q.hasReport {
		n++
	}
	return n
}
