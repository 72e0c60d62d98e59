package buffer

import (
	"errors"
	"fmt"

	"deedles.dev/kms/drm"
)

// ErrNoFreeBuffer is the panic value raised by FindFree when every
// buffer is in use. With Depth buffers and one release per completion
// this cannot happen unless the scheduler is broken.
var ErrNoFreeBuffer = errors.New("no free buffer in pool")

// Pool is the static set of buffers belonging to one output.
type Pool struct {
	alloc   Allocator
	buffers []*Buffer
}

// NewPool allocates depth buffers. If any allocation fails the buffers
// already created are destroyed and no Pool is returned.
func NewPool(alloc Allocator, depth int, width, height uint32, format drm.Format, modifiers []uint64) (p *Pool, err error) {
	p = &Pool{
		alloc:   alloc,
		buffers: make([]*Buffer, 0, depth),
	}
	defer func() {
		if err != nil {
			p.Destroy()
			p = nil
		}
	}()

	for i := range depth {
		b, err := alloc.Allocate(width, height, format, modifiers)
		if err != nil {
			return p, fmt.Errorf("allocate buffer %v of %v: %w", i, depth, err)
		}
		b.index = i
		p.buffers = append(p.buffers, b)
	}

	return p, nil
}

// Buffers returns the buffers in the pool, in allocation order.
func (p *Pool) Buffers() []*Buffer {
	return p.buffers
}

// FindFree returns the first buffer that is not in use. It panics with
// ErrNoFreeBuffer if there is none.
func (p *Pool) FindFree() *Buffer {
	for _, b := range p.buffers {
		if !b.InUse {
			return b
		}
	}

	panic(ErrNoFreeBuffer)
}

// InUse returns the number of buffers currently marked in use.
func (p *Pool) InUse() (n int) {
	for _, b := range p.buffers {
		if b.InUse {
			n++
		}
	}
	return n
}

// Release returns b to the free state.
func (p *Pool) Release(b *Buffer) {
	b.InUse = false
}

// Destroy releases every buffer's fences and then the buffers
// themselves.
func (p *Pool) Destroy() error {
	errs := make([]error, 0, 2*len(p.buffers))
	for _, b := range p.buffers {
		errs = append(errs, b.closeFences())
		errs = append(errs, p.alloc.Destroy(b))
	}
	p.buffers = nil
	return errors.Join(errs...)
}
