// Package gpio watches the wake line of a low-power node.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// WakeLine reports the edges of an active-low wake input, typically the
// interrupt output of the input expander.
type WakeLine interface {
	// Wake returns a channel that receives once per asserting edge.
	// Edges that arrive while a previous one is unconsumed are merged.
	Wake() <-chan struct{}

	// Asserted reports whether the line is currently held active.
	Asserted() (bool, error)

	// Close releases GPIO resources.
	Close() error
}
