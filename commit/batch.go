package commit

import (
	"fmt"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/device"
	"deedles.dev/kms/wire"
)

// Committer submits atomic requests. It is implemented by *drm.Device.
type Committer interface {
	Commit(req *wire.AtomicRequest, flags uint32, userData uint64) error
}

// Flags returns the commit flags for a presentation commit.
func Flags(allowModeset bool) uint32 {
	flags := wire.AtomicNonBlock | wire.PageFlipEvent
	if allowModeset {
		flags |= wire.AtomicAllowModeset
	}
	return flags
}

// Batch collects the writes for every output being repainted in one
// loop iteration so that they can be submitted together. A Batch is
// used once and then discarded.
type Batch struct {
	Encoder Encoder

	req     *wire.AtomicRequest
	outputs []*device.Output
	fences  map[uint32]*int32
}

func NewBatch(enc Encoder) *Batch {
	return &Batch{
		Encoder: enc,
		req:     wire.NewAtomicRequest(),
		fences:  make(map[uint32]*int32),
	}
}

// Add encodes b for out. Nothing is added to the batch if encoding
// fails.
func (batch *Batch) Add(out *device.Output, b *buffer.Buffer) error {
	scratch := wire.NewAtomicRequest()

	var slot *int32
	if out.ExplicitFencing {
		slot = new(int32)
	}

	err := batch.Encoder.EncodeOutput(scratch, out, b, slot)
	if err != nil {
		return fmt.Errorf("encode %v: %w", out.Name, err)
	}

	batch.req.Merge(scratch)
	batch.outputs = append(batch.outputs, out)
	if slot != nil {
		batch.fences[out.CRTCID] = slot
	}
	return nil
}

// Len returns the number of outputs in the batch.
func (batch *Batch) Len() int {
	return len(batch.outputs)
}

// Outputs returns the outputs that have been added, in order.
func (batch *Batch) Outputs() []*device.Output {
	return batch.outputs
}

// Request returns the request built so far.
func (batch *Batch) Request() *wire.AtomicRequest {
	return batch.req
}

// Submit sends the batch as one non-blocking commit that generates a
// completion event per CRTC. An empty batch is not submitted.
func (batch *Batch) Submit(c Committer, allowModeset bool) error {
	if batch.Len() == 0 {
		return nil
	}

	err := c.Commit(batch.req, Flags(allowModeset), 0)
	if err != nil {
		batch.discardFences()
		return err
	}
	return nil
}

// OutFence returns the out-fence the kernel produced for the CRTC and
// transfers its ownership to the caller. It returns -1 if there is
// none.
func (batch *Batch) OutFence(crtc uint32) int {
	slot, ok := batch.fences[crtc]
	if !ok {
		return -1
	}
	delete(batch.fences, crtc)
	return int(*slot)
}

func (batch *Batch) discardFences() {
	for crtc := range batch.fences {
		delete(batch.fences, crtc)
	}
}
