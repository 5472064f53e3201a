// Package bus moves frames over the shared field bus: a bounded priority
// send queue with bounded retries, a receive pump, periodic heartbeats, and
// (on the Gate) a presence table of the nodes heard on the bus.
package bus

import (
	"context"
	"errors"

	"github.com/sweeney/boxctl/internal/frame"
)

// ErrClosed is returned by a Link after Close.
var ErrClosed = errors.New("bus: link closed")

// Link sends and receives single frames on the wire.
type Link interface {
	// Send transmits f once. An error means the frame did not make it onto
	// the bus (arbitration loss, no ack, controller error) and may be retried.
	Send(ctx context.Context, f frame.Frame) error

	// Recv blocks for the next frame. Errors matching fault.MalformedFrame
	// mean one frame was dropped and the link is still usable.
	Recv(ctx context.Context) (frame.Frame, error)

	// Close releases the link and unblocks Recv.
	Close() error
}
