package drm

import (
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
)

type (
	sysGetConnector struct {
		encodersPtr   uint64
		modesPtr      uint64
		propsPtr      uint64
		propValuesPtr uint64

		countModes    uint32
		countProps    uint32
		countEncoders uint32

		encoderID       uint32
		connectorID     uint32
		connectorType   uint32
		connectorTypeID uint32

		connection        uint32
		mmWidth, mmHeight uint32
		subpixel          uint32
		pad               uint32
	}

	sysGetPlaneResources struct {
		planeIDPtr  uint64
		countPlanes uint32
	}

	sysGetPlane struct {
		planeID          uint32
		crtcID           uint32
		fbID             uint32
		possibleCrtcs    uint32
		gammaSize        uint32
		countFormatTypes uint32
		formatTypePtr    uint64
	}

	sysGetProperty struct {
		valuesPtr      uint64
		enumBlobPtr    uint64
		propID         uint32
		flags          uint32
		name           [32]byte
		countValues    uint32
		countEnumBlobs uint32
	}

	sysPropertyEnum struct {
		value uint64
		name  [32]byte
	}

	sysGetBlob struct {
		blobID uint32
		length uint32
		data   uint64
	}

	sysCreateBlob struct {
		data   uint64
		length uint32
		blobID uint32
	}

	sysDestroyBlob struct {
		blobID uint32
	}

	sysSetClientCap struct {
		capability uint64
		value      uint64
	}

	sysObjGetProperties struct {
		propsPtr      uint64
		propValuesPtr uint64
		countProps    uint32
		objID         uint32
		objType       uint32
	}

	sysAtomic struct {
		flags         uint32
		countObjs     uint32
		objsPtr       uint64
		countPropsPtr uint64
		propsPtr      uint64
		propValuesPtr uint64
		reserved      uint64
		userData      uint64
	}

	sysFBCmd2 struct {
		fbID        uint32
		width       uint32
		height      uint32
		pixelFormat uint32
		flags       uint32
		handles     [4]uint32
		pitches     [4]uint32
		offsets     [4]uint32
		modifier    [4]uint64
	}
)

var (
	ioctlSetClientCap = ioctl.NewCode(ioctl.Write,
		uint16(unsafe.Sizeof(sysSetClientCap{})), drm.IOCTLBase, 0x0D)

	ioctlModeGetConnector = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetConnector{})), drm.IOCTLBase, 0xA7)

	ioctlModeGetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetProperty{})), drm.IOCTLBase, 0xAA)

	ioctlModeGetPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetBlob{})), drm.IOCTLBase, 0xAC)

	ioctlModeGetPlaneResources = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlaneResources{})), drm.IOCTLBase, 0xB5)

	ioctlModeGetPlane = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlane{})), drm.IOCTLBase, 0xB6)

	ioctlModeAddFB2 = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysFBCmd2{})), drm.IOCTLBase, 0xB8)

	ioctlModeObjGetProperties = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjGetProperties{})), drm.IOCTLBase, 0xB9)

	ioctlModeAtomic = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysAtomic{})), drm.IOCTLBase, 0xBC)

	ioctlModeCreatePropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateBlob{})), drm.IOCTLBase, 0xBD)

	ioctlModeDestroyPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyBlob{})), drm.IOCTLBase, 0xBE)
)

func (d *Device) ioctl(code uint32, arg unsafe.Pointer) error {
	return ioctl.Do(d.file.Fd(), uintptr(code), uintptr(arg))
}
