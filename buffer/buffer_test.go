package buffer_test

import (
	"errors"
	"testing"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/drm"
	"deedles.dev/kms/shm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeAllocator struct {
	fail      int
	allocated int
	destroyed []*buffer.Buffer
}

func (a *fakeAllocator) Allocate(width, height uint32, format drm.Format, modifiers []uint64) (*buffer.Buffer, error) {
	if a.fail > 0 && a.allocated+1 == a.fail {
		return nil, errors.New("allocation failed")
	}
	a.allocated++
	return &buffer.Buffer{
		Width:  width,
		Height: height,
		Format: format,
		Planes: 1,
		FB:     uint32(100 + a.allocated),
	}, nil
}

func (a *fakeAllocator) Destroy(b *buffer.Buffer) error {
	a.destroyed = append(a.destroyed, b)
	return nil
}

func TestPoolFindFree(t *testing.T) {
	var alloc fakeAllocator
	p, err := buffer.NewPool(&alloc, buffer.Depth, 64, 32, drm.FormatXRGB8888, nil)
	require.NoError(t, err)
	require.Len(t, p.Buffers(), 3)

	bufs := p.Buffers()
	for i, b := range bufs {
		assert.Equal(t, i, b.Index())
	}

	// displayed and pending
	bufs[0].InUse = true
	bufs[1].InUse = true
	assert.Same(t, bufs[2], p.FindFree())
	assert.Equal(t, 2, p.InUse())

	// Completion: pending becomes displayed, old displayed is released.
	p.Release(bufs[0])
	assert.Same(t, bufs[0], p.FindFree())
	assert.Equal(t, 1, p.InUse())
}

func TestPoolExhausted(t *testing.T) {
	var alloc fakeAllocator
	p, err := buffer.NewPool(&alloc, buffer.Depth, 64, 32, drm.FormatXRGB8888, nil)
	require.NoError(t, err)

	for _, b := range p.Buffers() {
		b.InUse = true
	}
	assert.PanicsWithValue(t, buffer.ErrNoFreeBuffer, func() { p.FindFree() })
}

func TestPoolPartialFailure(t *testing.T) {
	alloc := fakeAllocator{fail: 3}
	p, err := buffer.NewPool(&alloc, buffer.Depth, 64, 32, drm.FormatXRGB8888, nil)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Len(t, alloc.destroyed, 2)
}

func TestPoolDestroyClosesFences(t *testing.T) {
	var alloc fakeAllocator
	p, err := buffer.NewPool(&alloc, 1, 64, 32, drm.FormatXRGB8888, nil)
	require.NoError(t, err)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	b := p.Buffers()[0]
	require.NoError(t, b.RenderFence.Replace(fds[0]))
	require.NoError(t, b.DisplayFence.Replace(fds[1]))

	require.NoError(t, p.Destroy())
	assert.Len(t, alloc.destroyed, 1)
	assert.False(t, b.RenderFence.Valid())
	assert.False(t, b.DisplayFence.Valid())

	_, err = unix.FcntlInt(uintptr(fds[0]), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF)
}

type fakeDumbDevice struct {
	caps      drm.Caps
	nextFB    uint32
	failFB    bool
	fbs       []drm.FBConfig
	removed   []uint32
	destroyed []uint32
}

func (d *fakeDumbDevice) Caps() drm.Caps { return d.caps }

func (d *fakeDumbDevice) CreateDumb(width, height, bpp uint32) (*drm.Dumb, error) {
	pitch := (width*bpp/8 + 63) &^ 63
	return &drm.Dumb{Handle: 7, Pitch: pitch, Size: uint64(pitch * height)}, nil
}

func (d *fakeDumbDevice) MapDumb(dumb *drm.Dumb) (shm.Mmap, error) {
	file, err := shm.Create("dumb", int(dumb.Size))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return shm.MapFile(file, int(dumb.Size))
}

func (d *fakeDumbDevice) DestroyDumb(handle uint32) error {
	d.destroyed = append(d.destroyed, handle)
	return nil
}

func (d *fakeDumbDevice) AddFB2(c drm.FBConfig) (uint32, error) {
	if d.failFB {
		return 0, errors.New("no")
	}
	d.fbs = append(d.fbs, c)
	d.nextFB++
	return d.nextFB, nil
}

func (d *fakeDumbDevice) RmFB(id uint32) error {
	d.removed = append(d.removed, id)
	return nil
}

func TestDumbAllocator(t *testing.T) {
	dev := fakeDumbDevice{caps: drm.Caps{FormatModifiers: true}}
	a := buffer.DumbAllocator{Device: &dev}

	b, err := a.Allocate(100, 10, drm.FormatXRGB8888, []uint64{5, drm.ModifierLinear})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), b.FB)
	assert.Equal(t, uint32(448), b.Pitches[0])
	assert.Len(t, b.Memory, 4480)
	assert.Equal(t, drm.ModifierLinear, b.Modifier)
	require.Len(t, dev.fbs, 1)
	assert.True(t, dev.fbs[0].UseModifier)
	assert.Equal(t, uint32(drm.FormatXRGB8888), dev.fbs[0].Format)

	require.NoError(t, a.Destroy(b))
	assert.Equal(t, []uint32{1}, dev.removed)
	assert.Equal(t, []uint32{7}, dev.destroyed)
	assert.Nil(t, b.Memory)
}

func TestDumbAllocatorNoLinear(t *testing.T) {
	var dev fakeDumbDevice
	a := buffer.DumbAllocator{Device: &dev}

	_, err := a.Allocate(100, 10, drm.FormatXRGB8888, []uint64{5})
	assert.ErrorIs(t, err, buffer.ErrLinearUnsupported)
}

func TestDumbAllocatorUnwinds(t *testing.T) {
	dev := fakeDumbDevice{failFB: true}
	a := buffer.DumbAllocator{Device: &dev}

	_, err := a.Allocate(100, 10, drm.FormatXRGB8888, nil)
	require.Error(t, err)
	assert.Empty(t, dev.removed)
	assert.Equal(t, []uint32{7}, dev.destroyed)
}
