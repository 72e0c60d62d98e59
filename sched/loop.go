// Package sched drives presentation on a set of outputs: it decides
// when each output is repainted, batches the resulting commits, and
// tracks every buffer from render to scanout to release.
//
// All state is owned by the goroutine calling Run.
package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deedles.dev/kms/commit"
	"deedles.dev/kms/internal/bin"
	"deedles.dev/kms/internal/debug"
	"deedles.dev/kms/internal/ev"
	"deedles.dev/kms/internal/objstore"
	"deedles.dev/kms/internal/set"
	"deedles.dev/kms/render"
	"deedles.dev/kms/wire"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	DefaultLoop      = 4 * time.Second
	DefaultLeeway    = 5 * time.Millisecond
	DefaultTolerance = 500 * time.Microsecond
)

var (
	// ErrClock is returned by New if the current time can't be read.
	ErrClock = errors.New("clock unavailable")

	// ErrAllFailed is returned by Run once no output is left working.
	ErrAllFailed = errors.New("every output has failed")
)

// EventReader is the source of completion events. It is implemented by
// *wire.Conn.
type EventReader interface {
	Fd() int
	ReadEvents() ([]wire.Event, error)
}

// ExitRequester is asked once per iteration whether the user wants the
// loop to stop.
type ExitRequester interface {
	ExitRequested() bool
}

type Config struct {
	Filler    render.Filler
	Committer commit.Committer
	Events    EventReader
	Input     ExitRequester
	Clock     Clock
	Log       zerolog.Logger

	Animation AnimationMode

	// Loop is the length of one pass of the animation.
	Loop time.Duration

	// Leeway is how long before the predicted completion time an
	// output is repainted.
	Leeway time.Duration

	// Tolerance is how far a completion may be from its predicted time
	// before it is logged.
	Tolerance time.Duration

	// MaxFrames stops the loop once every output has submitted this
	// many frames. Zero means no limit.
	MaxFrames int
}

// Loop schedules repaints for a fixed set of outputs.
type Loop struct {
	cfg       Config
	outputs   *objstore.Store[*Output]
	inFlight  set.Set[uint32]
	after     ev.Events
	animStart time.Duration
	wake      int
}

func New(cfg Config, outputs []*Output) (*Loop, error) {
	if cfg.Clock == nil {
		cfg.Clock = Monotonic{}
	}
	if cfg.Loop <= 0 {
		cfg.Loop = DefaultLoop
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultLeeway
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}

	start, err := cfg.Clock.Now()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClock, err)
	}

	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("create wakeup eventfd: %w", err)
	}

	l := Loop{
		cfg:       cfg,
		outputs:   objstore.New[*Output](),
		inFlight:  set.New[uint32](),
		animStart: start,
		wake:      wake,
	}
	for _, o := range outputs {
		l.outputs.Add(o.Desc.CRTCID, o)
	}

	return &l, nil
}

// Output returns the output driven by the given CRTC, or nil.
func (l *Loop) Output(crtc uint32) *Output {
	o, _ := l.outputs.Get(crtc)
	return o
}

// Close releases every output and the loop itself.
func (l *Loop) Close() error {
	var errs []error
	for _, o := range l.outputs.All() {
		errs = append(errs, o.Close())
	}
	if l.wake >= 0 {
		errs = append(errs, unix.Close(l.wake))
		l.wake = -1
	}
	return errors.Join(errs...)
}

// Run repaints and presents frames until ctx is canceled, the input
// collaborator asks to exit, every output has reached MaxFrames, or
// something fails. Before returning it waits for commits that are
// still in flight to complete.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.wakeup)
	defer stop()

	for {
		if ctx.Err() != nil {
			l.cfg.Log.Info().Msg("exit requested")
			break
		}
		if l.finished() {
			break
		}

		err := l.Iterate()
		if err != nil {
			return errors.Join(err, l.drain())
		}

		if (l.cfg.Input != nil) && l.cfg.Input.ExitRequested() {
			l.cfg.Log.Info().Msg("exit requested from keyboard")
			break
		}
	}

	err := l.drain()
	if err != nil {
		return err
	}
	return l.failure()
}

// Iterate runs one pass of the loop: repaint whatever is due, submit it
// as one commit, and then block until a timer expires or events arrive.
func (l *Loop) Iterate() error {
	batch := commit.NewBatch(commit.Encoder{Log: l.cfg.Log})
	allowModeset, err := l.Repaint(batch)
	if err != nil {
		l.cfg.Log.Error().Err(err).Msg("repaint failed")
	}

	err = l.Submit(batch, allowModeset)
	if err != nil {
		return err
	}

	if (l.inFlight.Len() == 0) && l.finished() {
		return nil
	}
	return l.wait(-1)
}

// Repaint fills and encodes a new buffer for every output that needs
// it. allowModeset is true if any of them has never been committed.
// Outputs that fail are parked and reported in err as *OutputError.
func (l *Loop) Repaint(batch *commit.Batch) (allowModeset bool, err error) {
	var errs []error
	for _, o := range l.outputs.All() {
		if !o.NeedsRepaint || (o.State == Failed) || (o.Pending != nil) || l.done(o) {
			continue
		}

		err := l.repaintOutput(batch, o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		allowModeset = allowModeset || o.FirstCommit
	}
	return allowModeset, errors.Join(errs...)
}

func (l *Loop) repaintOutput(batch *commit.Batch, o *Output) error {
	b := o.Pool.FindFree()
	progress := l.cfg.Animation.progress(o, l.animStart, l.cfg.Loop)

	err := l.cfg.Filler.Fill(b, progress)
	if err != nil {
		return o.fail(fmt.Errorf("fill %v: %w", b, err))
	}

	err = batch.Add(o.Desc, b)
	if err != nil {
		return o.fail(err)
	}

	b.InUse = true
	o.Pending = b
	o.NeedsRepaint = false
	o.State = PendingCompletion
	o.Frame++
	l.inFlight.Add(o.Desc.CRTCID)

	debug.Printf("repaint %v: %v, progress %.4f, frame %v", o, b, progress, o.Frame)

	l.after.Add(func() error { return l.handoff(batch, o) })
	return nil
}

// Submit commits the batch and then hands the commit's fences to the
// buffers they belong to.
func (l *Loop) Submit(batch *commit.Batch, allowModeset bool) error {
	err := batch.Submit(l.cfg.Committer, allowModeset)
	if err != nil {
		l.after.Discard()
		return fmt.Errorf("submit commit for %v outputs: %w", batch.Len(), err)
	}

	err = l.after.Flush()
	if err != nil {
		l.cfg.Log.Warn().Err(err).Msg("fence handoff failed")
	}
	return nil
}

func (l *Loop) handoff(batch *commit.Batch, o *Output) error {
	// The kernel holds its own reference to the render fence now.
	err := o.Pending.RenderFence.Close()
	if !o.Desc.ExplicitFencing {
		return err
	}

	err = errors.Join(err, o.CommitFence.Replace(batch.OutFence(o.Desc.CRTCID)))
	if o.Displayed != nil {
		err = errors.Join(err, o.Displayed.DisplayFence.Replace(o.CommitFence.Take()))
	}
	return err
}

// HandleCompletion processes a page-flip completion event. Events for
// CRTCs that no output uses are ignored.
func (l *Loop) HandleCompletion(event wire.Event) error {
	o, ok := l.outputs.Get(event.CRTC)
	if !ok {
		debug.Printf("completion for unknown CRTC %v", event.CRTC)
		return nil
	}
	if (o.State != PendingCompletion) || (o.Pending == nil) {
		l.cfg.Log.Warn().Stringer("output", o).Stringer("state", o.State).Msg("unexpected completion")
		return nil
	}

	if !o.FirstCommit {
		drift := event.Time - o.NextPredicted
		if drift.Abs() > l.cfg.Tolerance {
			l.cfg.Log.Info().
				Stringer("output", o).
				Dur("predicted", o.NextPredicted).
				Dur("actual", event.Time).
				Dur("drift", drift).
				Msg("frame timing drift")
		}
	}

	if o.Displayed != nil {
		l.logFence(o)
		o.Pool.Release(o.Displayed)
	}
	o.Displayed = o.Pending
	o.Pending = nil
	l.inFlight.Delete(event.CRTC)

	o.LastCompletion = event.Time
	o.NextPredicted = event.Time + o.Desc.RefreshInterval
	o.FirstCommit = false
	o.State = NeedsRepaint

	at := Immediately
	if o.Desc.MonotonicTimestamps {
		at = o.NextPredicted - l.cfg.Leeway
	}
	if o.Timer == nil {
		o.NeedsRepaint = true
	} else if err := o.Timer.ArmAt(at); err != nil {
		return o.fail(err)
	}

	debug.Printf("completion on %v: seq %v at %v, next at %v", o, event.Sequence, event.Time, o.NextPredicted)
	return nil
}

func (l *Loop) logFence(o *Output) {
	if !debug.Enabled() || !o.Displayed.DisplayFence.Valid() {
		return
	}

	info, err := o.Displayed.DisplayFence.Query()
	if err != nil {
		debug.Printf("query display fence of %v: %v", o.Displayed, err)
		return
	}
	debug.Printf("%v released %v: fence %v %v at %v", o, o.Displayed, info.Name, info.Status, info.Signaled)
}

// TimerExpired handles readiness of o's repaint timer.
func (l *Loop) TimerExpired(o *Output) error {
	fired, err := o.Timer.Ack()
	if err != nil {
		return o.fail(err)
	}
	if !fired || (o.State == Failed) {
		return nil
	}

	o.NeedsRepaint = true
	err = o.Timer.Disarm()
	if err != nil {
		return o.fail(err)
	}
	return nil
}

// wait blocks for up to timeout milliseconds, or forever if timeout is
// negative, and then handles whatever became ready.
func (l *Loop) wait(timeout int) error {
	fds := []unix.PollFd{
		{Fd: int32(l.cfg.Events.Fd()), Events: unix.POLLIN},
		{Fd: int32(l.wake), Events: unix.POLLIN},
	}
	var timers []*Output
	for _, o := range l.outputs.All() {
		if (o.State == Failed) || (o.Timer == nil) {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(o.Timer.Fd()), Events: unix.POLLIN})
		timers = append(timers, o)
	}

	_, err := unix.Poll(fds, timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	if fds[1].Revents&unix.POLLIN != 0 {
		var buf [8]byte
		unix.Read(l.wake, buf[:])
	}

	for i, o := range timers {
		if fds[i+2].Revents&unix.POLLIN == 0 {
			continue
		}
		err := l.TimerExpired(o)
		if err != nil {
			l.cfg.Log.Error().Err(err).Msg("repaint timer failed")
		}
	}

	card := fds[0].Revents
	if card&unix.POLLIN != 0 {
		return l.dispatch()
	}
	if card&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return fmt.Errorf("poll device: revents %#x", card)
	}
	return nil
}

func (l *Loop) dispatch() error {
	events, err := l.cfg.Events.ReadEvents()
	if err != nil {
		return err
	}

	for _, event := range events {
		if event.Type != wire.EventFlipComplete {
			debug.Printf("ignoring %v", event)
			continue
		}
		err := l.HandleCompletion(event)
		if err != nil {
			l.cfg.Log.Error().Err(err).Msg("completion failed")
		}
	}
	return nil
}

// drain waits for every commit in flight to complete, allowing each
// wait up to twice the longest refresh interval.
func (l *Loop) drain() error {
	timeout := 1
	for _, o := range l.outputs.All() {
		timeout = max(timeout, int(2*o.Desc.RefreshInterval/time.Millisecond))
	}

	for l.inFlight.Len() > 0 {
		fds := []unix.PollFd{{Fd: int32(l.cfg.Events.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll while draining: %w", err)
		}
		if n == 0 {
			l.cfg.Log.Warn().Int("outputs", l.inFlight.Len()).Msg("gave up waiting for pending commits")
			return nil
		}

		err = l.dispatch()
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}
	return nil
}

func (l *Loop) wakeup() {
	unix.Write(l.wake, bin.Bytes[uint64](1))
}

func (l *Loop) done(o *Output) bool {
	return (l.cfg.MaxFrames > 0) && (o.Frame >= l.cfg.MaxFrames)
}

// finished reports whether no output has any work left.
func (l *Loop) finished() bool {
	for _, o := range l.outputs.All() {
		if (o.State != Failed) && !l.done(o) {
			return false
		}
	}
	return true
}

func (l *Loop) failure() error {
	var errs []error
	for _, o := range l.outputs.All() {
		if o.State != Failed {
			return nil
		}
		errs = append(errs, o.Err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
