package drm

import (
	"fmt"
	"unsafe"

	"deedles.dev/kms/wire"
	"github.com/NeowayLabs/drm/mode"
)

// ModeInfo is the kernel's description of a display mode.
type ModeInfo = mode.Info

// Connection states reported for a connector.
const (
	Connected         = 1
	Disconnected      = 2
	UnknownConnection = 3
)

// Resources lists the top-level mode objects of a card.
type Resources struct {
	CRTCs      []uint32
	Connectors []uint32
	Encoders   []uint32
}

func (d *Device) Resources() (*Resources, error) {
	res, err := mode.GetResources(d.file)
	if err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}

	return &Resources{
		CRTCs:      res.Crtcs,
		Connectors: res.Connectors,
		Encoders:   res.Encoders,
	}, nil
}

// Connector is a physical or virtual display port.
type Connector struct {
	ID         uint32
	Type       uint32
	TypeID     uint32
	Connection uint32
	EncoderID  uint32
	Encoders   []uint32
	Modes      []ModeInfo
}

// Name returns the conventional name of the connector, such as
// "HDMI-A-1".
func (c *Connector) Name() string {
	return fmt.Sprintf("%v-%v", ConnectorTypeName(c.Type), c.TypeID)
}

var connectorTypeNames = [...]string{
	"Unknown",
	"VGA",
	"DVI-I",
	"DVI-D",
	"DVI-A",
	"Composite",
	"SVIDEO",
	"LVDS",
	"Component",
	"DIN",
	"DP",
	"HDMI-A",
	"HDMI-B",
	"TV",
	"eDP",
	"Virtual",
	"DSI",
	"DPI",
	"Writeback",
	"SPI",
	"USB",
}

func ConnectorTypeName(t uint32) string {
	if int(t) >= len(connectorTypeNames) {
		return connectorTypeNames[0]
	}
	return connectorTypeNames[t]
}

func (d *Device) Connector(id uint32) (*Connector, error) {
	conn := sysGetConnector{connectorID: id}
	err := d.ioctl(ioctlModeGetConnector, unsafe.Pointer(&conn))
	if err != nil {
		return nil, fmt.Errorf("get connector %v: %w", id, err)
	}

	var (
		encoders []uint32
		modes    []ModeInfo
	)
	if conn.countEncoders > 0 {
		encoders = make([]uint32, conn.countEncoders)
		conn.encodersPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
	}
	if conn.countModes > 0 {
		modes = make([]ModeInfo, conn.countModes)
		conn.modesPtr = uint64(uintptr(unsafe.Pointer(&modes[0])))
	}
	conn.countProps = 0

	err = d.ioctl(ioctlModeGetConnector, unsafe.Pointer(&conn))
	if err != nil {
		return nil, fmt.Errorf("get connector %v: %w", id, err)
	}

	// The counts can shrink between the two calls if the connector is
	// unplugged.
	return &Connector{
		ID:         conn.connectorID,
		Type:       conn.connectorType,
		TypeID:     conn.connectorTypeID,
		Connection: conn.connection,
		EncoderID:  conn.encoderID,
		Encoders:   encoders[:min(len(encoders), int(conn.countEncoders))],
		Modes:      modes[:min(len(modes), int(conn.countModes))],
	}, nil
}

// Encoder routes a CRTC to a connector.
type Encoder struct {
	ID            uint32
	CRTCID        uint32
	PossibleCRTCs uint32
}

func (d *Device) Encoder(id uint32) (*Encoder, error) {
	enc, err := mode.GetEncoder(d.file, id)
	if err != nil {
		return nil, fmt.Errorf("get encoder %v: %w", id, err)
	}

	return &Encoder{
		ID:            enc.ID,
		CRTCID:        enc.CrtcID,
		PossibleCRTCs: enc.PossibleCrtcs,
	}, nil
}

// Plane is an image source that can be attached to a CRTC.
type Plane struct {
	ID            uint32
	CRTCID        uint32
	FBID          uint32
	PossibleCRTCs uint32
	Formats       []uint32
}

// Planes lists the IDs of every plane on the card, including primary
// and cursor planes.
func (d *Device) Planes() ([]uint32, error) {
	var res sysGetPlaneResources
	err := d.ioctl(ioctlModeGetPlaneResources, unsafe.Pointer(&res))
	if err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	if res.countPlanes == 0 {
		return nil, nil
	}

	ids := make([]uint32, res.countPlanes)
	res.planeIDPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
	err = d.ioctl(ioctlModeGetPlaneResources, unsafe.Pointer(&res))
	if err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}

	return ids[:min(len(ids), int(res.countPlanes))], nil
}

func (d *Device) Plane(id uint32) (*Plane, error) {
	p := sysGetPlane{planeID: id}
	err := d.ioctl(ioctlModeGetPlane, unsafe.Pointer(&p))
	if err != nil {
		return nil, fmt.Errorf("get plane %v: %w", id, err)
	}

	var formats []uint32
	if p.countFormatTypes > 0 {
		formats = make([]uint32, p.countFormatTypes)
		p.formatTypePtr = uint64(uintptr(unsafe.Pointer(&formats[0])))
		err = d.ioctl(ioctlModeGetPlane, unsafe.Pointer(&p))
		if err != nil {
			return nil, fmt.Errorf("get plane %v: %w", id, err)
		}
		formats = formats[:min(len(formats), int(p.countFormatTypes))]
	}

	return &Plane{
		ID:            p.planeID,
		CRTCID:        p.crtcID,
		FBID:          p.fbID,
		PossibleCRTCs: p.possibleCrtcs,
		Formats:       formats,
	}, nil
}

// Property is a named property of a mode object along with its current
// value.
type Property struct {
	ID    uint32
	Name  string
	Value uint64

	// Enums maps enum value names to values for enum properties.
	Enums map[string]uint64
}

// Properties fetches every property of the given object.
func (d *Device) Properties(obj uint32, typ wire.ObjectType) ([]Property, error) {
	req := sysObjGetProperties{objID: obj, objType: uint32(typ)}
	err := d.ioctl(ioctlModeObjGetProperties, unsafe.Pointer(&req))
	if err != nil {
		return nil, fmt.Errorf("get %v %v properties: %w", typ, obj, err)
	}
	if req.countProps == 0 {
		return nil, nil
	}

	ids := make([]uint32, req.countProps)
	values := make([]uint64, req.countProps)
	req.propsPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
	req.propValuesPtr = uint64(uintptr(unsafe.Pointer(&values[0])))
	err = d.ioctl(ioctlModeObjGetProperties, unsafe.Pointer(&req))
	if err != nil {
		return nil, fmt.Errorf("get %v %v properties: %w", typ, obj, err)
	}

	n := min(len(ids), int(req.countProps))
	props := make([]Property, 0, n)
	for i := range n {
		p, err := d.property(ids[i])
		if err != nil {
			return nil, err
		}
		p.Value = values[i]
		props = append(props, p)
	}
	return props, nil
}

func (d *Device) property(id uint32) (Property, error) {
	req := sysGetProperty{propID: id}
	err := d.ioctl(ioctlModeGetProperty, unsafe.Pointer(&req))
	if err != nil {
		return Property{}, fmt.Errorf("get property %v: %w", id, err)
	}

	p := Property{
		ID:   id,
		Name: cstring(req.name[:]),
	}
	if (req.flags&propEnum == 0) || (req.countEnumBlobs == 0) {
		return p, nil
	}

	enums := make([]sysPropertyEnum, req.countEnumBlobs)
	req.enumBlobPtr = uint64(uintptr(unsafe.Pointer(&enums[0])))
	req.countValues = 0
	err = d.ioctl(ioctlModeGetProperty, unsafe.Pointer(&req))
	if err != nil {
		return Property{}, fmt.Errorf("get property %v enums: %w", id, err)
	}

	p.Enums = make(map[string]uint64, len(enums))
	for _, e := range enums[:min(len(enums), int(req.countEnumBlobs))] {
		p.Enums[cstring(e.name[:])] = e.value
	}
	return p, nil
}

const propEnum = 1 << 3

// Blob fetches the contents of a property blob.
func (d *Device) Blob(id uint32) ([]byte, error) {
	req := sysGetBlob{blobID: id}
	err := d.ioctl(ioctlModeGetPropBlob, unsafe.Pointer(&req))
	if err != nil {
		return nil, fmt.Errorf("get blob %v: %w", id, err)
	}
	if req.length == 0 {
		return nil, nil
	}

	data := make([]byte, req.length)
	req.data = uint64(uintptr(unsafe.Pointer(&data[0])))
	err = d.ioctl(ioctlModeGetPropBlob, unsafe.Pointer(&req))
	if err != nil {
		return nil, fmt.Errorf("get blob %v: %w", id, err)
	}
	return data[:min(len(data), int(req.length))], nil
}

// CreateBlob uploads data as a new property blob and returns its ID.
func (d *Device) CreateBlob(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("create blob: empty data")
	}

	req := sysCreateBlob{
		data:   uint64(uintptr(unsafe.Pointer(&data[0]))),
		length: uint32(len(data)),
	}
	err := d.ioctl(ioctlModeCreatePropBlob, unsafe.Pointer(&req))
	if err != nil {
		return 0, fmt.Errorf("create blob: %w", err)
	}
	return req.blobID, nil
}

// CreateModeBlob uploads m as a blob suitable for a CRTC's MODE_ID
// property.
func (d *Device) CreateModeBlob(m ModeInfo) (uint32, error) {
	data := unsafe.Slice((*byte)(unsafe.Pointer(&m)), unsafe.Sizeof(m))
	return d.CreateBlob(data)
}

func (d *Device) DestroyBlob(id uint32) error {
	req := sysDestroyBlob{blobID: id}
	err := d.ioctl(ioctlModeDestroyPropBlob, unsafe.Pointer(&req))
	if err != nil {
		return fmt.Errorf("destroy blob %v: %w", id, err)
	}
	return nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// CRTC is a scanout engine.
type CRTC struct {
	ID        uint32
	FBID      uint32
	ModeValid bool
	Mode      ModeInfo
}

func (d *Device) CRTC(id uint32) (*CRTC, error) {
	crtc, err := mode.GetCrtc(d.file, id)
	if err != nil {
		return nil, fmt.Errorf("get CRTC %v: %w", id, err)
	}

	return &CRTC{
		ID:        crtc.ID,
		FBID:      crtc.BufferID,
		ModeValid: crtc.ModeValid != 0,
		Mode:      crtc.Mode,
	}, nil
}
