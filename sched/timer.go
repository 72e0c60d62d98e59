package sched

import (
	"errors"
	"fmt"
	"time"

	"deedles.dev/kms/internal/bin"
	"golang.org/x/sys/unix"
)

// Timer is a one-shot timer that can be polled.
type Timer interface {
	// ArmAt arms the timer to expire at the absolute monotonic time at.
	// A time that has already passed expires immediately.
	ArmAt(at time.Duration) error
	Disarm() error

	// Ack consumes an expiration and reports whether there was one.
	Ack() (bool, error)

	Fd() int
	Close() error
}

// Immediately is a time that has always already passed.
const Immediately time.Duration = 1

// TimerFD is a Timer backed by a timerfd on CLOCK_MONOTONIC.
type TimerFD struct {
	fd int
}

func NewTimerFD() (*TimerFD, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("create timerfd: %w", err)
	}
	return &TimerFD{fd: fd}, nil
}

func (t *TimerFD) ArmAt(at time.Duration) error {
	// A zero value would disarm the timer instead.
	at = max(at, Immediately)

	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(int64(at))}
	err := unix.TimerfdSettime(t.fd, unix.TFD_TIMER_ABSTIME, &spec, nil)
	if err != nil {
		return fmt.Errorf("arm timer at %v: %w", at, err)
	}
	return nil
}

func (t *TimerFD) Disarm() error {
	var spec unix.ItimerSpec
	err := unix.TimerfdSettime(t.fd, 0, &spec, nil)
	if err != nil {
		return fmt.Errorf("disarm timer: %w", err)
	}
	return nil
}

func (t *TimerFD) Ack() (bool, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(t.fd, buf[:])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		case err != nil:
			return false, fmt.Errorf("read timer: %w", err)
		}
		return bin.Value[uint64](buf[:]) > 0, nil
	}
}

func (t *TimerFD) Fd() int {
	return t.fd
}

func (t *TimerFD) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

// Clock reads the current time.
type Clock interface {
	Now() (time.Duration, error)
}

// Monotonic reads CLOCK_MONOTONIC, which is the clock that completion
// timestamps use when the device supports it.
type Monotonic struct{}

func (Monotonic) Now() (time.Duration, error) {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	if err != nil {
		return 0, fmt.Errorf("read monotonic clock: %w", err)
	}
	return time.Duration(ts.Nano()), nil
}
