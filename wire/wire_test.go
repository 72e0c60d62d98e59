package wire_test

import (
	"testing"
	"time"

	"deedles.dev/kms/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAtomicRequestGroupsByObject(t *testing.T) {
	r := wire.NewAtomicRequest()
	r.Add(10, 1, 100)
	r.Add(20, 2, 200)
	r.Add(10, 3, 300)
	r.Add(30, 4, 400)
	r.Add(20, 5, 500)

	a, err := r.Build()
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 20, 30}, a.Objects)
	assert.Equal(t, []uint32{2, 2, 1}, a.Counts)
	assert.Equal(t, []uint32{1, 3, 2, 5, 4}, a.Props)
	assert.Equal(t, []uint64{100, 300, 200, 500, 400}, a.Values)
	assert.Equal(t, 5, r.Len())
}

func TestAtomicRequestOverwrite(t *testing.T) {
	r := wire.NewAtomicRequest()
	r.Add(10, 1, 100)
	r.Add(10, 1, 101)

	v, ok := r.Lookup(10, 1)
	require.True(t, ok)
	assert.Equal(t, uint64(101), v)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Lookup(10, 2)
	assert.False(t, ok)
}

func TestAtomicRequestInvalid(t *testing.T) {
	r := wire.NewAtomicRequest()
	r.Add(10, 0, 1)
	r.Add(10, 1, 1)

	var perr wire.InvalidPropertyError
	require.ErrorAs(t, r.Err(), &perr)
	assert.Equal(t, uint32(10), perr.Object)
	assert.Zero(t, r.Len())

	_, err := r.Build()
	assert.Error(t, err)

	r.Reset()
	assert.NoError(t, r.Err())
}

func TestAtomicRequestMerge(t *testing.T) {
	a := wire.NewAtomicRequest()
	a.Add(1, 1, 1)

	b := wire.NewAtomicRequest()
	b.Add(2, 1, 2)
	b.Add(1, 2, 3)

	a.Merge(b)
	assert.Equal(t, []uint32{1, 2}, a.Objects())
	assert.Equal(t, 3, a.Len())

	c := wire.NewAtomicRequest()
	c.Add(0, 0, 0)
	a.Merge(c)
	assert.Error(t, a.Err())
}

func TestFixed(t *testing.T) {
	f := wire.FixedInt(1920)
	assert.Equal(t, uint32(1920<<16), uint32(f))
	assert.Equal(t, 1920, f.Int())
	assert.Zero(t, f.Frac())
	assert.Equal(t, "1920", f.String())

	h := wire.FixedFloat(2.5)
	assert.Equal(t, 2, h.Int())
	assert.Equal(t, 0x8000, h.Frac())
	assert.InDelta(t, 2.5, h.Float(), 1e-9)
	assert.Equal(t, "2+32768/65536", h.String())

	assert.Zero(t, wire.FixedFloat(-3))
}

func TestDecodeEvents(t *testing.T) {
	in := []wire.Event{
		{Type: wire.EventFlipComplete, UserData: 7, Time: 1016*time.Millisecond + 600*time.Microsecond, Sequence: 42, CRTC: 31},
		{Type: wire.EventVBlank, Time: 3 * time.Second, Sequence: 1, CRTC: 45},
		{Type: wire.EventCRTCSequence, UserData: 1, Time: 5 * time.Nanosecond, Sequence: 9},
		{Type: 0x80000000},
	}

	var buf []byte
	for _, ev := range in {
		buf = append(buf, wire.EncodeEvent(ev)...)
	}

	out, err := wire.DecodeEvents(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeEventsMalformed(t *testing.T) {
	buf := wire.EncodeEvent(wire.Event{Type: wire.EventFlipComplete, CRTC: 1})

	events, err := wire.DecodeEvents(append(buf, 1, 2, 3))
	var merr wire.MalformedEventError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, len(buf), merr.Offset)
	assert.Len(t, events, 1)

	short := append([]byte(nil), buf...)
	short[4] = 16
	_, err = wire.DecodeEvents(short[:16])
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, wire.EventFlipComplete, merr.Type)
	assert.Zero(t, merr.Offset)
}

func TestConnReadEvents(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	c := wire.NewConn(fds[0])
	events, err := c.ReadEvents()
	require.NoError(t, err)
	assert.Empty(t, events)

	ev := wire.Event{Type: wire.EventFlipComplete, CRTC: 12, Sequence: 3, Time: time.Second}
	_, err = unix.Write(fds[1], wire.EncodeEvent(ev))
	require.NoError(t, err)

	events, err = c.ReadEvents()
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{ev}, events)
}
