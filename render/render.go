// Package render defines how pixels get into a buffer before it is
// committed, and keeps a registry of the backends that can do so.
package render

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/drm"
	"github.com/rs/zerolog"
)

// Filler fills a buffer with the frame for the given animation
// progress, which is in the range [0, 1).
//
// When Fill returns, the buffer's content must either be resident or
// the buffer's RenderFence must be set to a fence that signals when it
// will be. If the buffer carries a valid DisplayFence, the backend must
// not write to the buffer before that fence has signaled, and it
// takes ownership of the fence.
type Filler interface {
	Fill(b *buffer.Buffer, progress float64) error
}

// Closer is implemented by backends that hold resources of their own.
type Closer interface {
	Close() error
}

// Options are passed to a Factory.
type Options struct {
	Log zerolog.Logger

	// FenceTimeout bounds how long a CPU backend waits for a buffer's
	// DisplayFence. It is normally one refresh interval.
	FenceTimeout time.Duration
}

// Factory creates a backend.
type Factory func(Options) (Filler, error)

// ErrUnknownBackend is returned by New for names that have not been
// registered.
var ErrUnknownBackend = errors.New("unknown render backend")

type entry struct {
	name     string
	priority int
	factory  Factory
}

var (
	registryMu sync.RWMutex
	backends   []entry
)

// Register registers a backend factory under the given name. Backends
// with a lower priority are preferred by Best. This is typically
// called from init functions in backend packages. Registering a name
// twice replaces the earlier entry.
func Register(name string, priority int, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	backends = slices.DeleteFunc(backends, func(e entry) bool { return e.name == name })
	backends = append(backends, entry{name: name, priority: priority, factory: factory})
	slices.SortStableFunc(backends, func(e1, e2 entry) int { return e1.priority - e2.priority })
}

// Unregister removes a backend from the registry.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()

	backends = slices.DeleteFunc(backends, func(e entry) bool { return e.name == name })
}

// Available returns the registered backend names in priority order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for _, e := range backends {
		names = append(names, e.name)
	}
	return names
}

// New creates the named backend. An empty name is the same as calling
// Best.
func New(name string, opts Options) (Filler, string, error) {
	if name == "" {
		return Best(opts)
	}

	registryMu.RLock()
	i := slices.IndexFunc(backends, func(e entry) bool { return e.name == name })
	var factory Factory
	if i >= 0 {
		factory = backends[i].factory
	}
	registryMu.RUnlock()

	if factory == nil {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}

	f, err := factory(opts)
	if err != nil {
		return nil, "", fmt.Errorf("create %v backend: %w", name, err)
	}
	return f, name, nil
}

// Best creates the first backend, in priority order, whose factory
// succeeds.
func Best(opts Options) (Filler, string, error) {
	registryMu.RLock()
	candidates := slices.Clone(backends)
	registryMu.RUnlock()

	if len(candidates) == 0 {
		return nil, "", ErrUnknownBackend
	}

	var errs []error
	for _, e := range candidates {
		f, err := e.factory(opts)
		if err != nil {
			opts.Log.Debug().Str("backend", e.name).Err(err).Msg("backend unavailable")
			errs = append(errs, fmt.Errorf("%v: %w", e.name, err))
			continue
		}
		return f, e.name, nil
	}
	return nil, "", fmt.Errorf("no usable render backend: %w", errors.Join(errs...))
}

// Close releases f if it holds resources.
func Close(f Filler) error {
	if c, ok := f.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Progress returns the position within a looping animation of length
// loop after elapsed time has passed since it started.
func Progress(elapsed, loop time.Duration) float64 {
	if loop <= 0 {
		return 0
	}
	rel := elapsed % loop
	if rel < 0 {
		rel += loop
	}
	return float64(rel) / float64(loop)
}

// FrameProgress is like Progress but counts frames instead of time.
func FrameProgress(frame, frames int) float64 {
	if frames <= 0 {
		return 0
	}
	rel := frame % frames
	if rel < 0 {
		rel += frames
	}
	return float64(rel) / float64(frames)
}

// Split returns the point at which the four quadrants of the scene meet
// for the given progress.
func Split(b *buffer.Buffer, progress float64) (x, y int) {
	return int(float64(b.Width) * progress), int(float64(b.Height) * progress)
}

// WaitDisplay waits for b's DisplayFence, if it has one, and then
// releases it. A fence that does not signal within timeout is logged
// and dropped.
func WaitDisplay(b *buffer.Buffer, timeout time.Duration, log zerolog.Logger) error {
	if !b.DisplayFence.Valid() {
		return nil
	}
	defer b.DisplayFence.Close()

	signaled, err := b.DisplayFence.Wait(timeout)
	if err != nil {
		return fmt.Errorf("wait for display fence on %v: %w", b, err)
	}
	if !signaled {
		log.Warn().Stringer("buffer", b).Dur("timeout", timeout).Msg("display fence did not signal")
	}
	return nil
}

// UnsupportedFormatError is returned by backends that cannot draw into
// buffers of a given format.
type UnsupportedFormatError struct {
	Format drm.Format
}

func (err UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported buffer format %v", err.Format)
}
