//go:build linux

package bus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sweeney/boxctl/internal/frame"
)

// canFrameSize is sizeof(struct can_frame).
const canFrameSize = 16

// pollMs bounds each blocking read so Recv notices cancellation.
const pollMs = 100

// SocketCAN is a Link over a Linux raw CAN socket.
type SocketCAN struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// OpenSocketCAN binds a raw CAN socket to the named interface.
func OpenSocketCAN(ifname string) (*SocketCAN, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("can interface %s: %w", ifname, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("can socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", ifname, err)
	}
	return &SocketCAN{fd: fd}, nil
}

// Send writes one standard-identifier CAN frame.
func (s *SocketCAN) Send(ctx context.Context, f frame.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, data := frame.MarshalCAN(f)
	var buf [canFrameSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id))
	buf[4] = byte(len(data))
	copy(buf[8:], data)

	fd, err := s.handle()
	if err != nil {
		return err
	}
	n, err := unix.Write(fd, buf[:])
	if err != nil {
		return fmt.Errorf("can write: %w", err)
	}
	if n != canFrameSize {
		return fmt.Errorf("can write: short write %d", n)
	}
	return nil
}

// Recv waits for the next data frame. Remote, error and extended frames are
// skipped.
func (s *SocketCAN) Recv(ctx context.Context) (frame.Frame, error) {
	var buf [canFrameSize]byte
	for {
		if err := ctx.Err(); err != nil {
			return frame.Frame{}, err
		}
		fd, err := s.handle()
		if err != nil {
			return frame.Frame{}, err
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, pollMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return frame.Frame{}, fmt.Errorf("can poll: %w", err)
		}
		if n == 0 {
			continue
		}
		n, err = unix.Read(fd, buf[:])
		if err != nil {
			return frame.Frame{}, fmt.Errorf("can read: %w", err)
		}
		if n < canFrameSize {
			return frame.Frame{}, fmt.Errorf("can read: short read %d", n)
		}
		id := binary.LittleEndian.Uint32(buf[0:4])
		if id&(unix.CAN_EFF_FLAG|unix.CAN_RTR_FLAG|unix.CAN_ERR_FLAG) != 0 {
			continue
		}
		dlc := int(buf[4])
		if dlc > 8 {
			dlc = 8
		}
		return frame.UnmarshalCAN(id&unix.CAN_SFF_MASK, buf[8:8+dlc])
	}
}

// Close closes the socket.
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *SocketCAN) handle() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, ErrClosed
	}
	return s.fd, nil
}
