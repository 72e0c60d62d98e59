package buffer

import (
	"errors"
	"fmt"
	"slices"

	"deedles.dev/kms/drm"
	"deedles.dev/kms/shm"
)

// ErrLinearUnsupported is returned by DumbAllocator when the plane
// does not accept linear buffers, which is the only layout that dumb
// buffers have.
var ErrLinearUnsupported = errors.New("plane does not support linear layout")

// DumbDevice is the part of a drm.Device needed to allocate dumb
// buffers.
type DumbDevice interface {
	Caps() drm.Caps
	CreateDumb(width, height, bpp uint32) (*drm.Dumb, error)
	MapDumb(dumb *drm.Dumb) (shm.Mmap, error)
	DestroyDumb(handle uint32) error
	AddFB2(c drm.FBConfig) (uint32, error)
	RmFB(id uint32) error
}

// DumbAllocator allocates CPU-mapped dumb buffers.
type DumbAllocator struct {
	Device DumbDevice
}

func (a DumbAllocator) Allocate(width, height uint32, format drm.Format, modifiers []uint64) (b *Buffer, err error) {
	if (len(modifiers) > 0) && !slices.Contains(modifiers, drm.ModifierLinear) {
		return nil, ErrLinearUnsupported
	}

	dumb, err := a.Device.CreateDumb(width, height, 32)
	if err != nil {
		return nil, err
	}

	b = &Buffer{
		Width:    width,
		Height:   height,
		Format:   format,
		Modifier: drm.ModifierLinear,
		Planes:   1,
		Handles:  [4]uint32{dumb.Handle},
		Pitches:  [4]uint32{dumb.Pitch},
	}
	defer func() {
		if err != nil {
			a.Destroy(b)
		}
	}()

	b.Memory, err = a.Device.MapDumb(dumb)
	if err != nil {
		return b, err
	}

	b.FB, err = a.Device.AddFB2(drm.FBConfig{
		Width:       width,
		Height:      height,
		Format:      uint32(format),
		Handles:     b.Handles,
		Pitches:     b.Pitches,
		Offsets:     b.Offsets,
		Modifier:    b.Modifier,
		UseModifier: a.Device.Caps().FormatModifiers,
	})
	if err != nil {
		return b, fmt.Errorf("add %vx%v dumb framebuffer: %w", width, height, err)
	}

	return b, nil
}

func (a DumbAllocator) Destroy(b *Buffer) error {
	var errs []error
	if b.FB != 0 {
		errs = append(errs, a.Device.RmFB(b.FB))
		b.FB = 0
	}
	if b.Memory != nil {
		errs = append(errs, b.Memory.Unmap())
		b.Memory = nil
	}
	if b.Handles[0] != 0 {
		errs = append(errs, a.Device.DestroyDumb(b.Handles[0]))
		b.Handles[0] = 0
	}
	return errors.Join(errs...)
}
