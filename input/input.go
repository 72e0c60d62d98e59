// Package input watches evdev keyboards for the key that ends the
// program.
package input

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deedles.dev/kms/internal/bin"
	"deedles.dev/kms/internal/cq"
	"github.com/rs/zerolog"
)

// eventSize is the size of struct input_event on 64-bit platforms.
const eventSize = 24

// KeyEvent is a key press, release or repeat.
type KeyEvent struct {
	Time  time.Duration
	Key   Key
	Value int32
}

// DecodeEvent decodes one struct input_event. ok is false for events
// that are not key events.
func DecodeEvent(data []byte) (ev KeyEvent, ok bool) {
	if len(data) < eventSize {
		return ev, false
	}
	if bin.Value[uint16](data[16:]) != evKey {
		return ev, false
	}

	sec := bin.Value[int64](data[0:])
	usec := bin.Value[int64](data[8:])
	return KeyEvent{
		Time:  time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond,
		Key:   Key(bin.Value[uint16](data[18:])),
		Value: bin.Value[int32](data[20:]),
	}, true
}

// Watcher reads key events from any number of devices in the
// background. Its methods must be called from a single goroutine.
type Watcher struct {
	log     zerolog.Logger
	devices []io.ReadCloser
	q       *cq.Queue[KeyEvent]
	wg      sync.WaitGroup
	exit    bool
}

// Watch starts reading from devices. The Watcher takes ownership of
// them.
func Watch(log zerolog.Logger, devices ...io.ReadCloser) *Watcher {
	w := Watcher{
		log:     log,
		devices: devices,
		q:       cq.New[KeyEvent](),
	}
	for _, dev := range devices {
		w.wg.Add(1)
		go w.read(dev)
	}
	return &w
}

// Opener opens a device node. It is satisfied by session.Session's
// TakeDevice method.
type Opener func(path string) (*os.File, error)

// OpenKeyboards opens every evdev device that open can open and starts
// watching them. It is not an error if there are none.
func OpenKeyboards(log zerolog.Logger, open Opener) (*Watcher, error) {
	paths, err := filepath.Glob("/dev/input/event*")
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}

	var devices []io.ReadCloser
	for _, path := range paths {
		file, err := open(path)
		if err != nil {
			log.Debug().Str("path", path).Err(err).Msg("skipping input device")
			continue
		}
		devices = append(devices, file)
	}
	if len(devices) == 0 {
		log.Warn().Msg("no input devices available, escape key will not work")
	}

	return Watch(log, devices...), nil
}

func (w *Watcher) read(dev io.Reader) {
	defer w.wg.Done()

	buf := make([]byte, eventSize)
	for {
		_, err := io.ReadFull(dev, buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
				w.log.Debug().Err(err).Msg("input device read failed")
			}
			return
		}

		ev, ok := DecodeEvent(buf)
		if !ok {
			continue
		}

		if !w.q.Put(ev) {
			return
		}
	}
}

// ExitRequested reports whether escape has been pressed on any device.
// It never blocks.
func (w *Watcher) ExitRequested() bool {
	if w.exit {
		return true
	}

	for _, ev := range w.q.TryGet() {
		if (ev.Key == KeyEsc) && (ev.Value == Pressed) {
			w.log.Debug().Dur("time", ev.Time).Msg("escape pressed")
			w.exit = true
		}
	}
	return w.exit
}

// Close stops the watcher and closes its devices.
func (w *Watcher) Close() error {
	w.q.Stop()

	var errs []error
	for _, dev := range w.devices {
		errs = append(errs, dev.Close())
	}
	w.wg.Wait()
	return errors.Join(errs...)
}
