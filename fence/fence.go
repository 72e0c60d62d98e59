// Package fence manages sync_file descriptors that order GPU and
// display work against each other.
package fence

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Fence owns a single fence descriptor. The zero value holds nothing.
//
// A Fence must not be copied after first use. Ownership of the
// descriptor moves out through Take.
type Fence struct {
	fd  int
	set bool
}

// New returns a Fence that owns fd. A negative fd yields an empty
// Fence.
func New(fd int) Fence {
	if fd < 0 {
		return Fence{}
	}
	return Fence{fd: fd, set: true}
}

// Valid reports whether f currently holds a descriptor.
func (f *Fence) Valid() bool {
	return f.set
}

// Fd returns the held descriptor, or -1 if there is none. The Fence
// keeps ownership.
func (f *Fence) Fd() int {
	if !f.set {
		return -1
	}
	return f.fd
}

// Replace stores fd in f, closing the previously held descriptor
// first. Replacing a descriptor with itself does nothing. A negative fd
// empties f.
func (f *Fence) Replace(fd int) error {
	if f.set && (f.fd == fd) {
		return nil
	}

	var err error
	if f.set {
		err = unix.Close(f.fd)
		if err != nil {
			err = fmt.Errorf("close fence %v: %w", f.fd, err)
		}
	}

	*f = New(fd)
	return err
}

// DupInto installs a close-on-exec duplicate of src into f. The caller
// keeps ownership of src.
func (f *Fence) DupInto(src int) error {
	if src < 0 {
		return f.Replace(-1)
	}

	fd, err := unix.FcntlInt(uintptr(src), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("duplicate fence %v: %w", src, err)
	}
	return f.Replace(fd)
}

// Take transfers the held descriptor to the caller, leaving f empty.
// It returns -1 if f held nothing.
func (f *Fence) Take() int {
	fd := f.Fd()
	*f = Fence{}
	return fd
}

// Close releases the held descriptor, if any.
func (f *Fence) Close() error {
	return f.Replace(-1)
}

// Wait blocks until the fence signals or timeout elapses. It reports
// whether the fence signaled. An empty Fence counts as signaled.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	if !f.set {
		return true, nil
	}

	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll fence %v: %w", f.fd, err)
		}
		return n > 0, nil
	}
}
