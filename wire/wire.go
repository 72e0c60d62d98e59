// Package wire encodes and decodes the binary structures exchanged
// with the kernel display subsystem: atomic property requests going
// in, completion events coming out.
package wire

import "fmt"

// ObjectType is the kernel's tag for a mode object class.
type ObjectType uint32

const (
	ObjectCRTC      ObjectType = 0xcccccccc
	ObjectConnector ObjectType = 0xc0c0c0c0
	ObjectEncoder   ObjectType = 0xe0e0e0e0
	ObjectPlane     ObjectType = 0xeeeeeeee
	ObjectBlob      ObjectType = 0xbbbbbbbb
)

func (t ObjectType) String() string {
	switch t {
	case ObjectCRTC:
		return "CRTC"
	case ObjectConnector:
		return "connector"
	case ObjectEncoder:
		return "encoder"
	case ObjectPlane:
		return "plane"
	case ObjectBlob:
		return "blob"
	}

	return fmt.Sprintf("object(%#x)", uint32(t))
}

// Flags accepted by the atomic commit ioctl.
const (
	PageFlipEvent      uint32 = 0x01
	PageFlipAsync      uint32 = 0x02
	AtomicTestOnly     uint32 = 0x0100
	AtomicNonBlock     uint32 = 0x0200
	AtomicAllowModeset uint32 = 0x0400
)
