package drm

import (
	"fmt"
	"unsafe"

	"deedles.dev/kms/shm"
	"github.com/NeowayLabs/drm/mode"
)

const fbModifiers = 1 << 1

// Dumb is a CPU-mappable buffer object allocated by the kernel.
type Dumb struct {
	Handle uint32
	Pitch  uint32
	Size   uint64
}

// CreateDumb allocates a dumb buffer of the given dimensions.
func (d *Device) CreateDumb(width, height, bpp uint32) (*Dumb, error) {
	if (width > 0xFFFF) || (height > 0xFFFF) {
		return nil, fmt.Errorf("create dumb buffer: %vx%v is too large", width, height)
	}

	fb, err := mode.CreateFB(d.file, uint16(width), uint16(height), bpp)
	if err != nil {
		return nil, fmt.Errorf("create dumb buffer: %w", err)
	}

	return &Dumb{
		Handle: fb.Handle,
		Pitch:  fb.Pitch,
		Size:   fb.Size,
	}, nil
}

// MapDumb maps the dumb buffer into memory for reading and writing.
func (d *Device) MapDumb(dumb *Dumb) (shm.Mmap, error) {
	offset, err := mode.MapDumb(d.file, dumb.Handle)
	if err != nil {
		return nil, fmt.Errorf("map dumb buffer %v: %w", dumb.Handle, err)
	}

	mmap, err := shm.Map(d.Fd(), int64(offset), int(dumb.Size))
	if err != nil {
		return nil, fmt.Errorf("mmap dumb buffer %v: %w", dumb.Handle, err)
	}
	return mmap, nil
}

func (d *Device) DestroyDumb(handle uint32) error {
	err := mode.DestroyDumb(d.file, handle)
	if err != nil {
		return fmt.Errorf("destroy dumb buffer %v: %w", handle, err)
	}
	return nil
}

// FBConfig describes a framebuffer to be created from up to four
// buffer object planes.
type FBConfig struct {
	Width, Height uint32
	Format        uint32
	Handles       [4]uint32
	Pitches       [4]uint32
	Offsets       [4]uint32

	// Modifier is only passed to the kernel if UseModifier is set.
	Modifier    uint64
	UseModifier bool
}

// AddFB2 creates a framebuffer object and returns its ID.
func (d *Device) AddFB2(c FBConfig) (uint32, error) {
	req := sysFBCmd2{
		width:       c.Width,
		height:      c.Height,
		pixelFormat: c.Format,
		handles:     c.Handles,
		pitches:     c.Pitches,
		offsets:     c.Offsets,
	}
	if c.UseModifier {
		req.flags |= fbModifiers
		for i, h := range c.Handles {
			if h != 0 {
				req.modifier[i] = c.Modifier
			}
		}
	}

	err := d.ioctl(ioctlModeAddFB2, unsafe.Pointer(&req))
	if err != nil {
		return 0, fmt.Errorf("add framebuffer: %w", err)
	}
	return req.fbID, nil
}

func (d *Device) RmFB(id uint32) error {
	err := mode.RmFB(d.file, id)
	if err != nil {
		return fmt.Errorf("remove framebuffer %v: %w", id, err)
	}
	return nil
}
