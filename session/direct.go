package session

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// From linux/kd.h and linux/vt.h.
const (
	kdSetMode   = 0x4b3a
	kdText      = 0x00
	kdGraphics  = 0x01
	kdGetKBMode = 0x4b44
	kdSetKBMode = 0x4b45
	kOff        = 0x04

	vtOpenQuery  = 0x5600
	vtActivate   = 0x5606
	vtWaitActive = 0x5607

	ttyMajor = 4
)

// Direct opens devices itself, which requires privileges. It also puts
// a VT into graphics mode so that the console does not draw over the
// display.
type Direct struct {
	log    zerolog.Logger
	vt     *os.File
	kbMode int
}

// OpenDirect sets up the given VT. See Options.TTY. Failing to set up
// the VT is logged but is not an error.
func OpenDirect(log zerolog.Logger, tty int) (*Direct, error) {
	d := Direct{log: log}
	if tty < 0 {
		return &d, nil
	}

	err := d.setupVT(tty)
	if err != nil {
		log.Warn().Err(err).Msg("VT setup failed, console may draw over the display")
		if d.vt != nil {
			d.vt.Close()
			d.vt = nil
		}
	}
	return &d, nil
}

func findVT() (path string, err error) {
	if name, err := os.Readlink("/proc/self/fd/0"); err == nil {
		var st unix.Stat_t
		if (unix.Stat(name, &st) == nil) && (unix.Major(uint64(st.Rdev)) == ttyMajor) {
			return name, nil
		}
	}

	tty0, err := os.OpenFile("/dev/tty0", os.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("open /dev/tty0: %w", err)
	}
	defer tty0.Close()

	n, err := unix.IoctlGetInt(int(tty0.Fd()), vtOpenQuery)
	if err != nil {
		return "", fmt.Errorf("find free VT: %w", err)
	}
	if n <= 0 {
		return "", errors.New("no free VT")
	}
	return fmt.Sprintf("/dev/tty%d", n), nil
}

func (d *Direct) setupVT(tty int) error {
	path := fmt.Sprintf("/dev/tty%d", tty)
	if tty == 0 {
		var err error
		path, err = findVT()
		if err != nil {
			return err
		}
	}

	vt, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open VT: %w", err)
	}
	d.vt = vt
	fd := int(vt.Fd())

	_, minor, err := fileDeviceNumber(vt)
	if err != nil {
		return err
	}
	num := int(minor)

	err = unix.IoctlSetInt(fd, vtActivate, num)
	if err != nil {
		return fmt.Errorf("activate VT %v: %w", num, err)
	}
	err = unix.IoctlSetInt(fd, vtWaitActive, num)
	if err != nil {
		return fmt.Errorf("wait for VT %v: %w", num, err)
	}

	d.kbMode, err = unix.IoctlGetInt(fd, kdGetKBMode)
	if err != nil {
		return fmt.Errorf("get keyboard mode: %w", err)
	}
	err = unix.IoctlSetInt(fd, kdSetKBMode, kOff)
	if err != nil {
		return fmt.Errorf("disable keyboard: %w", err)
	}

	err = unix.IoctlSetInt(fd, kdSetMode, kdGraphics)
	if err != nil {
		return fmt.Errorf("set graphics mode: %w", err)
	}

	d.log.Info().Int("vt", num).Msg("VT in graphics mode")
	return nil
}

func (d *Direct) TakeDevice(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %v: %w", path, err)
	}
	return file, nil
}

func (d *Direct) ReleaseDevice(file *os.File) error {
	return file.Close()
}

// Close restores the VT to text mode.
func (d *Direct) Close() error {
	if d.vt == nil {
		return nil
	}

	fd := int(d.vt.Fd())
	err := errors.Join(
		unix.IoctlSetInt(fd, kdSetKBMode, d.kbMode),
		unix.IoctlSetInt(fd, kdSetMode, kdText),
		d.vt.Close(),
	)
	d.vt = nil
	return err
}
