package sched

import (
	"errors"
	"fmt"
	"time"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/device"
	"deedles.dev/kms/fence"
)

// State is the position of an output in the presentation cycle.
type State int

const (
	Uninitialized State = iota

	// AwaitingFirstCommit outputs have never been committed. Their first
	// commit is allowed to perform a full modeset.
	AwaitingFirstCommit

	// NeedsRepaint outputs have nothing in flight and are waiting for
	// their repaint timer, or have already been flagged by it.
	NeedsRepaint

	// PendingCompletion outputs have a committed buffer that has not
	// been latched by the hardware yet.
	PendingCompletion

	// Failed outputs are skipped by the loop.
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case AwaitingFirstCommit:
		return "awaiting first commit"
	case NeedsRepaint:
		return "needs repaint"
	case PendingCompletion:
		return "pending completion"
	case Failed:
		return "failed"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Output is the scheduling state of one device.Output.
type Output struct {
	Desc *device.Output
	Pool *buffer.Pool

	// Pending is the buffer committed but not yet shown, and Displayed
	// is the buffer being scanned out. Either may be nil. They are
	// never the same buffer.
	Pending   *buffer.Buffer
	Displayed *buffer.Buffer

	NeedsRepaint bool

	// LastCompletion and NextPredicted are timestamps on the clock the
	// device reports completions with.
	LastCompletion time.Duration
	NextPredicted  time.Duration

	Timer Timer

	// CommitFence is the out-fence of the latest commit. It signals when
	// the buffer that was displayed before the commit is released.
	CommitFence fence.Fence

	FirstCommit bool

	// Frame counts submitted frames.
	Frame int

	State State
	Err   error
}

// NewOutput returns an output that will be repainted and modeset on
// the first iteration of the loop.
func NewOutput(desc *device.Output, pool *buffer.Pool, timer Timer) *Output {
	return &Output{
		Desc:         desc,
		Pool:         pool,
		Timer:        timer,
		NeedsRepaint: true,
		FirstCommit:  true,
		State:        AwaitingFirstCommit,
	}
}

func (o *Output) String() string {
	return o.Desc.Name
}

// fail parks the output so that the loop no longer touches it.
func (o *Output) fail(err error) *OutputError {
	oerr := &OutputError{Output: o.Desc.Name, CRTC: o.Desc.CRTCID, Err: err}
	o.State = Failed
	o.Err = oerr
	o.NeedsRepaint = false
	if o.Timer != nil {
		o.Timer.Disarm()
	}
	return oerr
}

// Close releases the output's buffers, fence and timer.
func (o *Output) Close() error {
	var errs []error
	errs = append(errs, o.CommitFence.Close())
	if o.Timer != nil {
		errs = append(errs, o.Timer.Close())
	}
	if o.Pool != nil {
		errs = append(errs, o.Pool.Destroy())
	}
	o.Pending, o.Displayed = nil, nil
	return errors.Join(errs...)
}

// OutputError is a failure confined to a single output. The output is
// put into the Failed state and the others carry on.
type OutputError struct {
	Output string
	CRTC   uint32
	Err    error
}

func (err *OutputError) Error() string {
	return fmt.Sprintf("output %v (CRTC %v): %v", err.Output, err.CRTC, err.Err)
}

func (err *OutputError) Unwrap() error {
	return err.Err
}
