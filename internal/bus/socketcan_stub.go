//go:build !linux

package bus

import (
	"context"
	"errors"

	"github.com/sweeney/boxctl/internal/frame"
)

// SocketCAN is not available on non-Linux platforms.
type SocketCAN struct{}

// OpenSocketCAN returns an error on non-Linux platforms.
func OpenSocketCAN(ifname string) (*SocketCAN, error) {
	return nil, errors.New("bus: socketcan not supported on this platform (requires Linux)")
}

// Send is not implemented on non-Linux platforms.
func (s *SocketCAN) Send(ctx context.Context, f frame.Frame) error {
	return errors.New("bus: socketcan not supported")
}

// Recv is not implemented on non-Linux platforms.
func (s *SocketCAN) Recv(ctx context.Context) (frame.Frame, error) {
	return frame.Frame{}, errors.New("bus: socketcan not supported")
}

// Close is not implemented on non-Linux platforms.
func (s *SocketCAN) Close() error {
	return nil
}
