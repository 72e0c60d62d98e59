// Package buffer manages the fixed set of scanout buffers that each
// output cycles through.
package buffer

import (
	"errors"
	"fmt"
	"image"

	"deedles.dev/kms/drm"
	"deedles.dev/kms/fence"
	"deedles.dev/kms/shm"
)

// Depth is the number of buffers allocated per output: one on screen,
// one queued for the next vblank and one being rendered.
const Depth = 3

// Buffer is one presentable surface.
type Buffer struct {
	Width, Height uint32
	Format        drm.Format
	Modifier      uint64

	// Planes is the number of memory planes in use, between 1 and 4.
	Planes  int
	Handles [4]uint32
	Pitches [4]uint32
	Offsets [4]uint32

	// FB is the framebuffer ID passed to the plane's FB_ID property.
	FB uint32

	// InUse is true while the buffer is pending or on screen.
	InUse bool

	// RenderFence signals when rendering into the buffer is complete.
	RenderFence fence.Fence

	// DisplayFence signals when the display has finished scanning the
	// buffer out.
	DisplayFence fence.Fence

	// Memory is a CPU mapping of the first plane, if the allocator
	// provides one.
	Memory shm.Mmap

	// Private is reserved for the allocator.
	Private any

	index int
}

// Index returns the buffer's position in its pool.
func (b *Buffer) Index() int {
	return b.index
}

func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, int(b.Width), int(b.Height))
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer %v (FB %v, %vx%v %v)", b.index, b.FB, b.Width, b.Height, b.Format)
}

// closeFences releases both fences.
func (b *Buffer) closeFences() error {
	return errors.Join(
		b.RenderFence.Close(),
		b.DisplayFence.Close(),
	)
}

// Allocator creates and destroys buffers.
type Allocator interface {
	Allocate(width, height uint32, format drm.Format, modifiers []uint64) (*Buffer, error)
	Destroy(b *Buffer) error
}
