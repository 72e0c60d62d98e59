// Package drm is a thin layer over the kernel mode-setting ioctls for
// a single card. It speaks in raw object and property IDs; higher
// level packages give those meaning.
package drm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"deedles.dev/kms/wire"
	"github.com/NeowayLabs/drm"
	"golang.org/x/sys/unix"
)

// Device capabilities queried with GetCap.
const (
	capTimestampMonotonic = 0x6
	capAddFB2Modifiers    = 0x10
)

// Client capabilities set with SetClientCap.
const (
	clientCapUniversalPlanes = 2
	clientCapAtomic          = 3
)

// ErrNoAtomic is returned by New if the device does not support atomic
// mode setting.
var ErrNoAtomic = errors.New("device does not support atomic mode setting")

// Caps describes what a Device supports.
type Caps struct {
	DumbBuffer bool

	// MonotonicTimestamps is true if event timestamps come from
	// CLOCK_MONOTONIC.
	MonotonicTimestamps bool

	// FormatModifiers is true if framebuffers may be created with an
	// explicit layout modifier.
	FormatModifiers bool
}

// Device is an open card that has been switched into atomic mode.
type Device struct {
	file *os.File
	conn *wire.Conn
	caps Caps
}

// New prepares file for atomic mode setting. The Device takes
// ownership of file.
func New(file *os.File) (*Device, error) {
	d := Device{
		file: file,
		conn: wire.NewConn(int(file.Fd())),
	}

	err := d.setClientCap(clientCapUniversalPlanes, 1)
	if err != nil {
		return nil, fmt.Errorf("enable universal planes: %w", err)
	}
	err = d.setClientCap(clientCapAtomic, 1)
	if err != nil {
		return nil, errors.Join(ErrNoAtomic, err)
	}

	d.caps.DumbBuffer = drm.HasDumbBuffer(file)
	d.caps.MonotonicTimestamps = d.hasCap(capTimestampMonotonic)
	d.caps.FormatModifiers = d.hasCap(capAddFB2Modifiers)

	return &d, nil
}

// Open opens the card at path and prepares it with New.
func Open(path string) (*Device, error) {
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	d, err := New(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return d, nil
}

// OpenCard opens /dev/dri/card<n>.
func OpenCard(n int) (*Device, error) {
	file, err := drm.OpenCard(n)
	if err != nil {
		return nil, fmt.Errorf("open card %v: %w", n, err)
	}

	d, err := New(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return d, nil
}

// Cards lists the primary card nodes on the system in numeric order.
func Cards() ([]string, error) {
	paths, err := filepath.Glob("/dev/dri/card*")
	if err != nil {
		return nil, err
	}

	num := func(p string) int {
		n, err := strconv.ParseInt(strings.TrimPrefix(filepath.Base(p), "card"), 10, 0)
		if err != nil {
			return -1
		}
		return int(n)
	}
	paths = slices.DeleteFunc(paths, func(p string) bool { return num(p) < 0 })
	slices.SortFunc(paths, func(a, b string) int { return num(a) - num(b) })
	return paths, nil
}

func (d *Device) Close() error {
	return d.file.Close()
}

// File returns the underlying card file.
func (d *Device) File() *os.File {
	return d.file
}

// Fd returns the card descriptor. Completion events become readable on
// it.
func (d *Device) Fd() int {
	return int(d.file.Fd())
}

// Conn returns the event reader for the card.
func (d *Device) Conn() *wire.Conn {
	return d.conn
}

func (d *Device) Caps() Caps {
	return d.caps
}

func (d *Device) hasCap(c uint64) bool {
	v, err := drm.GetCap(d.file, c)
	return (err == nil) && (v != 0)
}

func (d *Device) setClientCap(c, v uint64) error {
	s := sysSetClientCap{capability: c, value: v}
	return d.ioctl(ioctlSetClientCap, unsafe.Pointer(&s))
}
