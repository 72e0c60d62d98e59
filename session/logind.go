package session

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	logindBus      = "org.freedesktop.login1"
	logindPath     = "/org/freedesktop/login1"
	managerIface   = "org.freedesktop.login1.Manager"
	sessionIface   = "org.freedesktop.login1.Session"
	propertyGetter = "org.freedesktop.DBus.Properties.Get"
)

// ErrSessionInactive is returned when the caller's logind session can
// not be used for display.
var ErrSessionInactive = errors.New("logind session is not active")

// caller is the part of dbus.BusObject used here.
type caller interface {
	Call(method string, flags dbus.Flags, args ...any) *dbus.Call
}

// Logind takes devices from systemd-logind, which lets an unprivileged
// user drive the display of the seat they are logged in on.
type Logind struct {
	log     zerolog.Logger
	conn    *dbus.Conn
	session caller
}

// OpenLogind finds the caller's session, activates it, and takes
// control of it.
func OpenLogind(log zerolog.Logger) (*Logind, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	path, err := findSession(conn.Object(logindBus, logindPath))
	if err != nil {
		conn.Close()
		return nil, err
	}

	s, err := newLogind(log, conn.Object(logindBus, path))
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func findSession(manager caller) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	if id, ok := os.LookupEnv("XDG_SESSION_ID"); ok {
		err := manager.Call(managerIface+".GetSession", 0, id).Store(&path)
		if err != nil {
			return "", fmt.Errorf("get session %q: %w", id, err)
		}
		return path, nil
	}

	err := manager.Call(managerIface+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path)
	if err != nil {
		return "", fmt.Errorf("get session of process: %w", err)
	}
	return path, nil
}

func newLogind(log zerolog.Logger, session caller) (*Logind, error) {
	var state dbus.Variant
	err := session.Call(propertyGetter, 0, sessionIface, "State").Store(&state)
	if err != nil {
		return nil, fmt.Errorf("get session state: %w", err)
	}
	if s, _ := state.Value().(string); !slices.Contains([]string{"active", "online"}, s) {
		return nil, fmt.Errorf("%w: state is %q", ErrSessionInactive, s)
	}

	err = session.Call(sessionIface+".Activate", 0).Err
	if err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}

	err = session.Call(sessionIface+".TakeControl", 0, false).Err
	if err != nil {
		return nil, fmt.Errorf("take control of session: %w", err)
	}

	log.Info().Msg("using logind session")
	return &Logind{log: log, session: session}, nil
}

func (s *Logind) TakeDevice(path string) (*os.File, error) {
	major, minor, err := deviceNumber(path)
	if err != nil {
		return nil, err
	}

	var fd dbus.UnixFD
	var paused bool
	err = s.session.Call(sessionIface+".TakeDevice", 0, major, minor).Store(&fd, &paused)
	if err != nil {
		return nil, fmt.Errorf("take device %v: %w", path, err)
	}
	if paused {
		s.log.Warn().Str("path", path).Msg("device is paused")
	}

	return os.NewFile(uintptr(fd), path), nil
}

func (s *Logind) ReleaseDevice(file *os.File) error {
	major, minor, err := fileDeviceNumber(file)
	if err != nil {
		return errors.Join(err, file.Close())
	}

	err = s.session.Call(sessionIface+".ReleaseDevice", 0, major, minor).Err
	if err != nil {
		err = fmt.Errorf("release device %v: %w", file.Name(), err)
	}
	return errors.Join(err, file.Close())
}

func (s *Logind) Close() error {
	err := s.session.Call(sessionIface+".ReleaseControl", 0).Err
	if err != nil {
		err = fmt.Errorf("release control of session: %w", err)
	}
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}
