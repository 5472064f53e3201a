//go:build !linux

package gpio

import "errors"

// RealWakeLine is not available on non-Linux platforms.
type RealWakeLine struct{}

// NewRealWakeLine returns an error on non-Linux platforms.
func NewRealWakeLine(chipName string, offset int) (*RealWakeLine, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Wake never fires on non-Linux platforms.
func (w *RealWakeLine) Wake() <-chan struct{} {
	return nil
}

// Asserted is not implemented on non-Linux platforms.
func (w *RealWakeLine) Asserted() (bool, error) {
	return false, errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (w *RealWakeLine) Close() error {
	return nil
}
