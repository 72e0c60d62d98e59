package commit_test

import (
	"errors"
	"image"
	"testing"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/commit"
	"deedles.dev/kms/device"
	"deedles.dev/kms/drm"
	"deedles.dev/kms/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testOutput(fencing bool) *device.Output {
	out := device.Output{
		Name:            "HDMI-A-1",
		PlaneID:         60,
		CRTCID:          31,
		ConnectorID:     77,
		Mode:            drm.ModeInfo{Hdisplay: 1920, Vdisplay: 1080},
		ModeBlobID:      500,
		ExplicitFencing: fencing,
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

func testBuffer(out *device.Output) *buffer.Buffer {
	return &buffer.Buffer{
		Width:  out.Width(),
		Height: out.Height(),
		Format: drm.FormatXRGB8888,
		Planes: 1,
		FB:     42,
	}
}

func TestEncodeOutput(t *testing.T) {
	out := testOutput(false)
	b := testBuffer(out)

	req := wire.NewAtomicRequest()
	require.NoError(t, commit.Encoder{Log: zerolog.Nop()}.EncodeOutput(req, out, b, nil))
	assert.Equal(t, []uint32{out.PlaneID, out.CRTCID, out.ConnectorID}, req.Objects())

	v, ok := req.Lookup(out.PlaneID, out.Plane[device.PlaneFBID].ID)
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)

	v, ok = req.Lookup(out.PlaneID, out.Plane[device.PlaneCRTCID].ID)
	require.True(t, ok)
	assert.Equal(t, uint64(31), v)

	v, ok = req.Lookup(out.CRTCID, out.CRTC[device.CRTCModeID].ID)
	require.True(t, ok)
	assert.Equal(t, uint64(500), v)

	v, ok = req.Lookup(out.CRTCID, out.CRTC[device.CRTCActive].ID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)

	v, ok = req.Lookup(out.ConnectorID, out.Connector[device.ConnectorCRTCID].ID)
	require.True(t, ok)
	assert.Equal(t, uint64(31), v)

	_, ok = req.Lookup(out.PlaneID, out.Plane[device.PlaneInFenceFD].ID)
	assert.False(t, ok)
	_, ok = req.Lookup(out.CRTCID, out.CRTC[device.CRTCOutFencePtr].ID)
	assert.False(t, ok)
}

func TestGeometryRoundTrip(t *testing.T) {
	modes := []image.Point{{1920, 1080}, {1280, 720}, {3840, 2160}, {1, 1}}
	for _, m := range modes {
		out := testOutput(false)
		out.Mode.Hdisplay = uint16(m.X)
		out.Mode.Vdisplay = uint16(m.Y)
		b := testBuffer(out)

		req := wire.NewAtomicRequest()
		require.NoError(t, commit.Encoder{}.EncodeOutput(req, out, b, nil))

		src, dst, err := commit.DecodeGeometry(req, out)
		require.NoError(t, err)
		assert.Equal(t, image.Rectangle{Max: m}, src)
		assert.Equal(t, image.Rectangle{Max: m}, dst)
	}
}

func TestEncodeOutputFencing(t *testing.T) {
	out := testOutput(true)
	b := testBuffer(out)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	defer unix.Close(fds[1])
	require.NoError(t, b.RenderFence.Replace(fds[0]))
	defer b.RenderFence.Close()

	var slot int32 = 99
	req := wire.NewAtomicRequest()
	require.NoError(t, commit.Encoder{}.EncodeOutput(req, out, b, &slot))
	assert.Equal(t, int32(-1), slot)

	v, ok := req.Lookup(out.PlaneID, out.Plane[device.PlaneInFenceFD].ID)
	require.True(t, ok)
	assert.Equal(t, uint64(fds[0]), v)

	_, ok = req.Lookup(out.CRTCID, out.CRTC[device.CRTCOutFencePtr].ID)
	assert.True(t, ok)
}

func TestEncodeOutputMissingProperty(t *testing.T) {
	out := testOutput(false)
	out.Plane[device.PlaneSrcW] = device.Prop{}

	req := wire.NewAtomicRequest()
	err := commit.Encoder{}.EncodeOutput(req, out, testBuffer(out), nil)

	var merr commit.MissingPropertyError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, wire.ObjectPlane, merr.Object)
	assert.Equal(t, "SRC_W", merr.Name)

	out = testOutput(false)
	out.Connector[device.ConnectorCRTCID] = device.Prop{}
	err = commit.Encoder{}.EncodeOutput(wire.NewAtomicRequest(), out, testBuffer(out), nil)
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, wire.ObjectConnector, merr.Object)
}

func TestEncodeOutputSizeMismatch(t *testing.T) {
	out := testOutput(false)
	b := testBuffer(out)
	b.Width = 1280

	err := commit.Encoder{}.EncodeOutput(wire.NewAtomicRequest(), out, b, nil)
	var serr commit.SizeMismatchError
	assert.ErrorAs(t, err, &serr)
}

type fakeCommitter struct {
	flags []uint32
	props []int
	err   error
}

func (c *fakeCommitter) Commit(req *wire.AtomicRequest, flags uint32, userData uint64) error {
	c.flags = append(c.flags, flags)
	c.props = append(c.props, req.Len())
	return c.err
}

func TestBatchSubmit(t *testing.T) {
	var c fakeCommitter

	batch := commit.NewBatch(commit.Encoder{})
	require.NoError(t, batch.Submit(&c, true))
	assert.Empty(t, c.flags, "empty batch should not be submitted")

	out1 := testOutput(false)
	out2 := testOutput(false)
	out2.PlaneID, out2.CRTCID, out2.ConnectorID = 61, 45, 78

	require.NoError(t, batch.Add(out1, testBuffer(out1)))
	require.NoError(t, batch.Add(out2, testBuffer(out2)))
	assert.Equal(t, 2, batch.Len())

	require.NoError(t, batch.Submit(&c, true))
	require.Len(t, c.flags, 1)
	assert.Equal(t, wire.AtomicNonBlock|wire.PageFlipEvent|wire.AtomicAllowModeset, c.flags[0])
	assert.Equal(t, 2*13, c.props[0])
}

func TestBatchAddFailureLeavesBatchEmpty(t *testing.T) {
	out := testOutput(false)
	out.CRTC[device.CRTCActive] = device.Prop{}

	batch := commit.NewBatch(commit.Encoder{})
	assert.Error(t, batch.Add(out, testBuffer(out)))
	assert.Zero(t, batch.Len())
	assert.Zero(t, batch.Request().Len())
}

func TestBatchOutFence(t *testing.T) {
	out := testOutput(true)
	batch := commit.NewBatch(commit.Encoder{})
	require.NoError(t, batch.Add(out, testBuffer(out)))

	c := fakeCommitter{err: errors.New("EINVAL")}
	assert.Error(t, batch.Submit(&c, false))
	assert.Equal(t, -1, batch.OutFence(out.CRTCID))
}

func TestFlags(t *testing.T) {
	assert.Equal(t, wire.AtomicNonBlock|wire.PageFlipEvent, commit.Flags(false))
	assert.NotZero(t, commit.Flags(true)&wire.AtomicAllowModeset)
	assert.Zero(t, commit.Flags(false)&wire.AtomicAllowModeset)
}
