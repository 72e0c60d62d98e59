package sched_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/commit"
	"deedles.dev/kms/device"
	"deedles.dev/kms/drm"
	"deedles.dev/kms/sched"
	"deedles.dev/kms/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeAllocator struct{ fb uint32 }

func (a *fakeAllocator) Allocate(width, height uint32, format drm.Format, modifiers []uint64) (*buffer.Buffer, error) {
	a.fb++
	return &buffer.Buffer{Width: width, Height: height, Format: format, Planes: 1, FB: a.fb}, nil
}

func (a *fakeAllocator) Destroy(*buffer.Buffer) error { return nil }

type fakeTimer struct {
	armed  bool
	at     time.Duration
	fired  bool
	closed bool
}

func (t *fakeTimer) ArmAt(at time.Duration) error {
	t.armed, t.at = true, at
	return nil
}

func (t *fakeTimer) Disarm() error {
	t.armed = false
	return nil
}

func (t *fakeTimer) Ack() (bool, error) {
	fired := t.fired
	t.fired = false
	return fired, nil
}

func (t *fakeTimer) Fd() int { return -1 }

func (t *fakeTimer) Close() error {
	t.closed = true
	return nil
}

type fakeFiller struct {
	progress []float64
	fail     map[uint32]bool
}

func (f *fakeFiller) Fill(b *buffer.Buffer, progress float64) error {
	if f.fail[b.Width] {
		return errors.New("out of ink")
	}
	f.progress = append(f.progress, progress)
	return nil
}

type fakeClock struct{ now time.Duration }

func (c fakeClock) Now() (time.Duration, error) { return c.now, nil }

type fakeCommitter struct {
	flags []uint32
	objs  [][]uint32
}

func (c *fakeCommitter) Commit(req *wire.AtomicRequest, flags uint32, userData uint64) error {
	c.flags = append(c.flags, flags)
	c.objs = append(c.objs, append([]uint32(nil), req.Objects()...))
	return nil
}

func testDesc(name string, plane, crtc, conn uint32, w, h uint16, interval time.Duration) *device.Output {
	out := device.Output{
		Name:                name,
		PlaneID:             plane,
		CRTCID:              crtc,
		ConnectorID:         conn,
		Mode:                drm.ModeInfo{Hdisplay: w, Vdisplay: h},
		RefreshInterval:     interval,
		ModeBlobID:          1000 + crtc,
		MonotonicTimestamps: true,
	}
	for i := range out.Plane {
		out.Plane[i] = device.Prop{ID: uint32(100 + i)}
	}
	for i := range out.CRTC {
		out.CRTC[i] = device.Prop{ID: uint32(200 + i)}
	}
	for i := range out.Connector {
		out.Connector[i] = device.Prop{ID: uint32(300 + i)}
	}
	return &out
}

func testOutput(t *testing.T, desc *device.Output, timer sched.Timer) *sched.Output {
	pool, err := buffer.NewPool(&fakeAllocator{}, buffer.Depth, desc.Width(), desc.Height(), drm.FormatXRGB8888, nil)
	require.NoError(t, err)
	return sched.NewOutput(desc, pool, timer)
}

type harness struct {
	loop      *sched.Loop
	filler    *fakeFiller
	committer *fakeCommitter
	log       *bytes.Buffer
}

func newHarness(t *testing.T, cfg sched.Config, outputs ...*sched.Output) *harness {
	h := harness{
		filler:    &fakeFiller{fail: make(map[uint32]bool)},
		committer: &fakeCommitter{},
		log:       new(bytes.Buffer),
	}
	cfg.Filler = h.filler
	cfg.Committer = h.committer
	cfg.Log = zerolog.New(h.log)
	if cfg.Clock == nil {
		cfg.Clock = fakeClock{}
	}

	loop, err := sched.New(cfg, outputs)
	require.NoError(t, err)
	t.Cleanup(func() { loop.Close() })
	h.loop = loop
	return &h
}

// frame repaints and submits whatever is due.
func (h *harness) frame(t *testing.T) bool {
	batch := commit.NewBatch(commit.Encoder{})
	allowModeset, err := h.loop.Repaint(batch)
	require.NoError(t, err)
	require.NoError(t, h.loop.Submit(batch, allowModeset))
	return allowModeset
}

func flip(o *sched.Output, at time.Duration) wire.Event {
	return wire.Event{Type: wire.EventFlipComplete, CRTC: o.Desc.CRTCID, Time: at}
}

func checkInvariants(t *testing.T, o *sched.Output) {
	t.Helper()
	if o.Pending != nil {
		assert.NotSame(t, o.Pending, o.Displayed)
		assert.True(t, o.Pending.InUse)
	}
	if o.Displayed != nil {
		assert.True(t, o.Displayed.InUse)
	}
	assert.LessOrEqual(t, o.Pool.InUse(), 2)
}

func TestScenarioA(t *testing.T) {
	timer := new(fakeTimer)
	o := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 16600*time.Microsecond), timer)
	h := newHarness(t, sched.Config{}, o)

	h.frame(t)
	require.NoError(t, h.loop.HandleCompletion(flip(o, 1000*time.Millisecond)))

	assert.Equal(t, 1016600*time.Microsecond, o.NextPredicted)
	assert.Equal(t, 1000*time.Millisecond, o.LastCompletion)
	assert.True(t, timer.armed)
	assert.Equal(t, 1011600*time.Microsecond, timer.at)
	assert.Equal(t, sched.NeedsRepaint, o.State)
	assert.False(t, o.NeedsRepaint)
}

func TestNonMonotonicTimestampsRepaintImmediately(t *testing.T) {
	timer := new(fakeTimer)
	desc := testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 16600*time.Microsecond)
	desc.MonotonicTimestamps = false
	o := testOutput(t, desc, timer)
	h := newHarness(t, sched.Config{}, o)

	h.frame(t)
	require.NoError(t, h.loop.HandleCompletion(flip(o, 1000*time.Millisecond)))
	assert.Equal(t, 1016600*time.Microsecond, o.NextPredicted)
	assert.Equal(t, sched.Immediately, timer.at)
}

func TestBufferCycle(t *testing.T) {
	timer := new(fakeTimer)
	o := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 16*time.Millisecond), timer)
	h := newHarness(t, sched.Config{}, o)
	bufs := o.Pool.Buffers()

	h.frame(t)
	assert.Same(t, bufs[0], o.Pending)
	assert.Nil(t, o.Displayed)
	checkInvariants(t, o)

	require.NoError(t, h.loop.HandleCompletion(flip(o, 16*time.Millisecond)))
	assert.Same(t, bufs[0], o.Displayed)
	assert.Nil(t, o.Pending)

	timer.fired = true
	require.NoError(t, h.loop.TimerExpired(o))
	assert.True(t, o.NeedsRepaint)
	assert.False(t, timer.armed)

	h.frame(t)
	assert.Same(t, bufs[1], o.Pending)
	checkInvariants(t, o)

	// Two in flight, so the third is the free one.
	assert.Same(t, bufs[2], o.Pool.FindFree())

	require.NoError(t, h.loop.HandleCompletion(flip(o, 32*time.Millisecond)))
	assert.Same(t, bufs[1], o.Displayed)
	assert.False(t, bufs[0].InUse)
	assert.Same(t, bufs[0], o.Pool.FindFree())
	checkInvariants(t, o)

	for i := range 10 {
		timer.fired = true
		require.NoError(t, h.loop.TimerExpired(o))
		h.frame(t)
		checkInvariants(t, o)
		require.NoError(t, h.loop.HandleCompletion(flip(o, time.Duration(48+16*i)*time.Millisecond)))
		checkInvariants(t, o)
	}
	assert.Equal(t, 12, o.Frame)
}

func TestScenarioC(t *testing.T) {
	timer := new(fakeTimer)
	o := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 16*time.Millisecond), timer)
	h := newHarness(t, sched.Config{}, o)
	h.frame(t)

	pending := o.Pending
	require.NoError(t, h.loop.HandleCompletion(wire.Event{Type: wire.EventFlipComplete, CRTC: 99, Time: time.Second}))
	assert.Same(t, pending, o.Pending)
	assert.Nil(t, o.Displayed)
	assert.Equal(t, sched.PendingCompletion, o.State)
	assert.Zero(t, o.NextPredicted)
	assert.False(t, timer.armed)
	assert.Nil(t, h.loop.Output(99))
}

func TestScenarioD(t *testing.T) {
	timer := new(fakeTimer)
	o := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 16*time.Millisecond), timer)
	h := newHarness(t, sched.Config{}, o)

	assert.True(t, h.frame(t))
	for i := range 3 {
		require.NoError(t, h.loop.HandleCompletion(flip(o, time.Duration(i+1)*16*time.Millisecond)))
		timer.fired = true
		require.NoError(t, h.loop.TimerExpired(o))
		assert.False(t, h.frame(t))
	}

	require.Len(t, h.committer.flags, 4)
	assert.NotZero(t, h.committer.flags[0]&wire.AtomicAllowModeset)
	for _, flags := range h.committer.flags[1:] {
		assert.Zero(t, flags&wire.AtomicAllowModeset)
		assert.NotZero(t, flags&wire.AtomicNonBlock)
		assert.NotZero(t, flags&wire.PageFlipEvent)
	}
}

func TestBatchesOutputs(t *testing.T) {
	o1 := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 16*time.Millisecond), new(fakeTimer))
	o2 := testOutput(t, testDesc("DP-2", 61, 45, 78, 48, 24, 16*time.Millisecond), new(fakeTimer))
	h := newHarness(t, sched.Config{}, o1, o2)

	h.frame(t)
	require.Len(t, h.committer.objs, 1)
	assert.Equal(t, []uint32{60, 31, 77, 61, 45, 78}, h.committer.objs[0])
}

func TestDriftIsLogged(t *testing.T) {
	timer := new(fakeTimer)
	o := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 16*time.Millisecond), timer)
	h := newHarness(t, sched.Config{}, o)

	h.frame(t)
	require.NoError(t, h.loop.HandleCompletion(flip(o, 100*time.Millisecond)))
	assert.NotContains(t, h.log.String(), "drift")

	timer.fired = true
	require.NoError(t, h.loop.TimerExpired(o))
	h.frame(t)
	require.NoError(t, h.loop.HandleCompletion(flip(o, 116*time.Millisecond+100*time.Microsecond)))
	assert.NotContains(t, h.log.String(), "drift")

	timer.fired = true
	require.NoError(t, h.loop.TimerExpired(o))
	h.frame(t)
	require.NoError(t, h.loop.HandleCompletion(flip(o, 150*time.Millisecond)))
	assert.Contains(t, h.log.String(), "frame timing drift")

	// Prediction follows the actual time, not the missed one.
	assert.Equal(t, 166*time.Millisecond, o.NextPredicted)
}

func TestAbsoluteProgress(t *testing.T) {
	timer := new(fakeTimer)
	o := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 10*time.Millisecond), timer)
	h := newHarness(t, sched.Config{Clock: fakeClock{now: 500 * time.Millisecond}, Loop: time.Second}, o)

	h.frame(t)
	require.NoError(t, h.loop.HandleCompletion(flip(o, 740*time.Millisecond)))
	timer.fired = true
	require.NoError(t, h.loop.TimerExpired(o))
	h.frame(t)

	require.Len(t, h.filler.progress, 2)
	assert.Equal(t, 0.0, h.filler.progress[0])
	assert.InDelta(t, 0.25, h.filler.progress[1], 1e-9)
}

func TestFrameProgress(t *testing.T) {
	timer := new(fakeTimer)
	o := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 10*time.Millisecond), timer)
	h := newHarness(t, sched.Config{Animation: sched.Frames, Loop: 100 * time.Millisecond}, o)

	h.frame(t)
	for i := range 3 {
		// Late completions don't change frame-driven progress.
		require.NoError(t, h.loop.HandleCompletion(flip(o, time.Duration(i+1)*time.Second)))
		timer.fired = true
		require.NoError(t, h.loop.TimerExpired(o))
		h.frame(t)
	}
	assert.Equal(t, []float64{0, 0.1, 0.2, 0.3}, h.filler.progress)
}

func TestFailedOutputIsParked(t *testing.T) {
	o1 := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, 16*time.Millisecond), new(fakeTimer))
	o2 := testOutput(t, testDesc("DP-2", 61, 45, 78, 48, 24, 16*time.Millisecond), new(fakeTimer))
	h := newHarness(t, sched.Config{}, o1, o2)
	h.filler.fail[48] = true

	batch := commit.NewBatch(commit.Encoder{})
	_, err := h.loop.Repaint(batch)
	var oerr *sched.OutputError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "DP-2", oerr.Output)
	assert.Equal(t, sched.Failed, o2.State)
	assert.Equal(t, 0, o2.Pool.InUse())

	assert.Equal(t, 1, batch.Len())
	assert.Equal(t, sched.PendingCompletion, o1.State)
}

func TestAnimationModeText(t *testing.T) {
	var m sched.AnimationMode
	require.NoError(t, m.UnmarshalText([]byte("frames")))
	assert.Equal(t, sched.Frames, m)
	require.NoError(t, m.Set("absolute"))
	assert.Equal(t, sched.Absolute, m)
	assert.Error(t, m.Set("sometimes"))
	assert.Equal(t, "absolute", m.String())
}

// pipeEvents queues a completion for every CRTC in each commit and
// signals readiness through a pipe.
type pipeEvents struct {
	m     sync.Mutex
	r, w  int
	clock sched.Monotonic
	queue []wire.Event
	crtcs map[uint32]bool
	flags []uint32
}

func newPipeEvents(t *testing.T, crtcs ...uint32) *pipeEvents {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	p := pipeEvents{r: fds[0], w: fds[1], crtcs: make(map[uint32]bool)}
	for _, c := range crtcs {
		p.crtcs[c] = true
	}
	return &p
}

func (p *pipeEvents) Commit(req *wire.AtomicRequest, flags uint32, userData uint64) error {
	p.m.Lock()
	defer p.m.Unlock()

	now, err := p.clock.Now()
	if err != nil {
		return err
	}
	p.flags = append(p.flags, flags)
	for _, obj := range req.Objects() {
		if p.crtcs[obj] {
			p.queue = append(p.queue, wire.Event{Type: wire.EventFlipComplete, CRTC: obj, Time: now})
		}
	}
	_, err = unix.Write(p.w, []byte{1})
	return err
}

func (p *pipeEvents) Fd() int { return p.r }

func (p *pipeEvents) ReadEvents() ([]wire.Event, error) {
	p.m.Lock()
	defer p.m.Unlock()

	var buf [64]byte
	_, err := unix.Read(p.r, buf[:])
	if (err != nil) && !errors.Is(err, unix.EAGAIN) {
		return nil, err
	}
	events := p.queue
	p.queue = nil
	return events, nil
}

func TestRun(t *testing.T) {
	events := newPipeEvents(t, 31, 45)

	var outputs []*sched.Output
	for _, desc := range []*device.Output{
		testDesc("HDMI-A-1", 60, 31, 77, 64, 32, time.Millisecond),
		testDesc("DP-2", 61, 45, 78, 48, 24, time.Millisecond),
	} {
		timer, err := sched.NewTimerFD()
		require.NoError(t, err)
		outputs = append(outputs, testOutput(t, desc, timer))
	}

	filler := &fakeFiller{}
	loop, err := sched.New(sched.Config{
		Filler:    filler,
		Committer: events,
		Events:    events,
		Log:       zerolog.Nop(),
		MaxFrames: 5,
	}, outputs)
	require.NoError(t, err)
	defer loop.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	for _, o := range outputs {
		assert.Equal(t, 5, o.Frame)
		assert.Nil(t, o.Pending)
		assert.NotNil(t, o.Displayed)
		assert.Equal(t, 1, o.Pool.InUse())
	}
	assert.Len(t, filler.progress, 10)
	require.NotEmpty(t, events.flags)
	assert.NotZero(t, events.flags[0]&wire.AtomicAllowModeset)
	for _, flags := range events.flags[1:] {
		assert.Zero(t, flags&wire.AtomicAllowModeset)
	}
}

func TestRunCanceled(t *testing.T) {
	events := newPipeEvents(t)
	timer, err := sched.NewTimerFD()
	require.NoError(t, err)

	// The fake never completes this output's commit, so only
	// cancellation can end the loop.
	o := testOutput(t, testDesc("HDMI-A-1", 60, 31, 77, 64, 32, time.Millisecond), timer)
	loop, err := sched.New(sched.Config{
		Filler:    &fakeFiller{},
		Committer: events,
		Events:    events,
		Log:       zerolog.Nop(),
	}, []*sched.Output{o})
	require.NoError(t, err)
	defer loop.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
	assert.Equal(t, 1, o.Frame)
}
