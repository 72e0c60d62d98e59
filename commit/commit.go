// Package commit turns the presentation decisions for a set of outputs
// into a single atomic request and submits it.
package commit

import (
	"fmt"
	"image"
	"unsafe"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/device"
	"deedles.dev/kms/wire"
	"github.com/rs/zerolog"
)

// MissingPropertyError is returned when an output lacks a property that
// is needed to present a buffer on it.
type MissingPropertyError struct {
	Object wire.ObjectType
	Name   string
}

func (err MissingPropertyError) Error() string {
	return fmt.Sprintf("%v is missing required property %v", err.Object, err.Name)
}

// SizeMismatchError is returned when a buffer does not exactly cover
// the output's mode.
type SizeMismatchError struct {
	Buffer image.Point
	Mode   image.Point
}

func (err SizeMismatchError) Error() string {
	return fmt.Sprintf("buffer size %v does not match mode size %v", err.Buffer, err.Mode)
}

// Encoder writes the properties that present a buffer on an output.
type Encoder struct {
	Log zerolog.Logger
}

// EncodeOutput adds the writes needed to show b on out to req. If the
// output uses explicit fencing, b's RenderFence is handed to the plane
// and outFence is registered to receive the commit's out-fence; it
// must stay valid until the request has been submitted.
//
// b's RenderFence remains owned by b. The caller should close it after
// the commit has been submitted, as the kernel duplicates it.
func (e Encoder) EncodeOutput(req *wire.AtomicRequest, out *device.Output, b *buffer.Buffer, outFence *int32) error {
	if (b.Width != out.Width()) || (b.Height != out.Height()) {
		return SizeMismatchError{
			Buffer: image.Pt(int(b.Width), int(b.Height)),
			Mode:   image.Pt(int(out.Width()), int(out.Height())),
		}
	}

	plane := []struct {
		prop  device.PlaneProp
		value uint64
	}{
		{device.PlaneCRTCID, uint64(out.CRTCID)},
		{device.PlaneFBID, uint64(b.FB)},
		{device.PlaneSrcX, 0},
		{device.PlaneSrcY, 0},
		{device.PlaneSrcW, uint64(wire.FixedInt(int(b.Width)))},
		{device.PlaneSrcH, uint64(wire.FixedInt(int(b.Height)))},
		{device.PlaneCRTCX, 0},
		{device.PlaneCRTCY, 0},
		{device.PlaneCRTCW, uint64(b.Width)},
		{device.PlaneCRTCH, uint64(b.Height)},
	}
	for _, w := range plane {
		p := out.Plane[w.prop]
		if !p.Valid() {
			return MissingPropertyError{Object: wire.ObjectPlane, Name: w.prop.String()}
		}
		req.Add(out.PlaneID, p.ID, w.value)
	}

	if out.ExplicitFencing && b.RenderFence.Valid() {
		req.Add(out.PlaneID, out.Plane[device.PlaneInFenceFD].ID, uint64(b.RenderFence.Fd()))
	}

	for _, prop := range []device.CRTCProp{device.CRTCModeID, device.CRTCActive} {
		if !out.CRTC[prop].Valid() {
			return MissingPropertyError{Object: wire.ObjectCRTC, Name: prop.String()}
		}
	}
	req.Add(out.CRTCID, out.CRTC[device.CRTCModeID].ID, uint64(out.ModeBlobID))
	req.Add(out.CRTCID, out.CRTC[device.CRTCActive].ID, 1)

	if out.ExplicitFencing && (outFence != nil) {
		*outFence = -1
		ptr := uint64(uintptr(unsafe.Pointer(outFence)))
		req.Add(out.CRTCID, out.CRTC[device.CRTCOutFencePtr].ID, ptr)
	}

	if !out.Connector[device.ConnectorCRTCID].Valid() {
		return MissingPropertyError{Object: wire.ObjectConnector, Name: device.ConnectorCRTCID.String()}
	}
	req.Add(out.ConnectorID, out.Connector[device.ConnectorCRTCID].ID, uint64(out.CRTCID))

	e.Log.Trace().
		Str("output", out.Name).
		Stringer("buffer", b).
		Bool("in_fence", out.ExplicitFencing && b.RenderFence.Valid()).
		Msg("encoded output")

	return req.Err()
}

// DecodeGeometry reads back the plane's source and destination
// rectangles from the writes in req.
func DecodeGeometry(req *wire.AtomicRequest, out *device.Output) (src, dst image.Rectangle, err error) {
	get := func(prop device.PlaneProp) (uint64, error) {
		v, ok := req.Lookup(out.PlaneID, out.Plane[prop].ID)
		if !ok {
			return 0, MissingPropertyError{Object: wire.ObjectPlane, Name: prop.String()}
		}
		return v, nil
	}

	var vals [8]uint64
	props := [8]device.PlaneProp{
		device.PlaneSrcX, device.PlaneSrcY, device.PlaneSrcW, device.PlaneSrcH,
		device.PlaneCRTCX, device.PlaneCRTCY, device.PlaneCRTCW, device.PlaneCRTCH,
	}
	for i, prop := range props {
		vals[i], err = get(prop)
		if err != nil {
			return src, dst, err
		}
	}

	fixed := func(v uint64) int { return wire.Fixed(v).Int() }
	src = image.Rect(0, 0, fixed(vals[2]), fixed(vals[3])).Add(image.Pt(fixed(vals[0]), fixed(vals[1])))
	dst = image.Rect(0, 0, int(int32(vals[6])), int(int32(vals[7]))).Add(image.Pt(int(int32(vals[4])), int(int32(vals[5]))))
	return src, dst, nil
}
