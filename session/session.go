// Package session obtains access to device nodes, either through a
// logind session or by opening them directly.
package session

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Session hands out device files.
type Session interface {
	TakeDevice(path string) (*os.File, error)
	ReleaseDevice(file *os.File) error
	Close() error
}

type Options struct {
	Log zerolog.Logger

	// NoLogind skips logind and opens devices directly.
	NoLogind bool

	// TTY is the VT to switch to when opening devices directly. Zero
	// means the VT that stdin is attached to, or the first free one. A
	// negative value leaves the VT alone.
	TTY int
}

// Open returns a logind session if one is available and a direct
// session otherwise.
func Open(opts Options) (Session, error) {
	if !opts.NoLogind {
		s, err := OpenLogind(opts.Log)
		if err == nil {
			return s, nil
		}
		opts.Log.Info().Err(err).Msg("logind unavailable, opening devices directly")
	}

	return OpenDirect(opts.Log, opts.TTY)
}

// deviceNumber returns the major and minor numbers of the device node
// at path.
func deviceNumber(path string) (major, minor uint32, err error) {
	var st unix.Stat_t
	err = unix.Stat(path, &st)
	if err != nil {
		return 0, 0, fmt.Errorf("stat %v: %w", path, err)
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}

func fileDeviceNumber(file *os.File) (major, minor uint32, err error) {
	var st unix.Stat_t
	err = unix.Fstat(int(file.Fd()), &st)
	if err != nil {
		return 0, 0, fmt.Errorf("stat %v: %w", file.Name(), err)
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}
