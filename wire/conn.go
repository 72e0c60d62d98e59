package wire

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// The kernel never hands out a partial event, so a buffer of this size
// always holds at least one whole record.
const eventBufferSize = 1024

// Conn reads events from a DRM file descriptor. It does not own the
// descriptor.
type Conn struct {
	fd  int
	buf [eventBufferSize]byte
}

func NewConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// Fd returns the descriptor that c reads from, for use with poll.
func (c *Conn) Fd() int {
	return c.fd
}

// ReadEvents performs a single read from the descriptor and decodes
// everything that it returned. If the descriptor is non-blocking and
// nothing is queued it returns no events and no error.
func (c *Conn) ReadEvents() ([]Event, error) {
	for {
		n, err := unix.Read(c.fd, c.buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}

		events, err := DecodeEvents(c.buf[:n])
		if err != nil {
			return events, fmt.Errorf("decode events: %w", err)
		}
		return events, nil
	}
}
