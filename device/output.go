// Package device discovers display pipelines on a card and describes
// each as an immutable Output.
package device

import (
	"fmt"
	"time"

	"deedles.dev/kms/drm"
	"deedles.dev/kms/edid"
	"deedles.dev/kms/wire"
	"golang.org/x/exp/maps"
)

// Output describes one plane → CRTC → connector pipeline. It is not
// modified after Probe returns it.
type Output struct {
	Name string

	PlaneID     uint32
	CRTCID      uint32
	CRTCIndex   int
	ConnectorID uint32

	Mode            drm.ModeInfo
	RefreshMilliHz  uint64
	RefreshInterval time.Duration
	ModeBlobID      uint32

	Plane     PlaneProps
	CRTC      CRTCProps
	Connector ConnectorProps

	// Modifiers lists the layout modifiers that the primary plane
	// accepts for XRGB8888. It is empty if only implicit layouts may be
	// used.
	Modifiers []uint64

	ExplicitFencing     bool
	FormatModifiers     bool
	MonotonicTimestamps bool

	EDID *edid.Info

	names map[wire.ObjectType]map[string]uint32
}

func (o *Output) Width() uint32 {
	return uint32(o.Mode.Hdisplay)
}

func (o *Output) Height() uint32 {
	return uint32(o.Mode.Vdisplay)
}

// PropertyNames returns every property name known for one of the
// output's objects, mapped to its ID.
func (o *Output) PropertyNames(typ wire.ObjectType) map[string]uint32 {
	return maps.Clone(o.names[typ])
}

func (o *Output) String() string {
	return fmt.Sprintf("%v (plane %v, CRTC %v, connector %v, %vx%v@%v.%03vHz)",
		o.Name,
		o.PlaneID,
		o.CRTCID,
		o.ConnectorID,
		o.Width(),
		o.Height(),
		o.RefreshMilliHz/1000,
		o.RefreshMilliHz%1000,
	)
}

// RefreshMilliHz computes the refresh rate of m in millihertz. The
// kernel's own vrefresh field is rounded to whole hertz and is often
// zero.
func RefreshMilliHz(m drm.ModeInfo) uint64 {
	if (m.Htotal == 0) || (m.Vtotal == 0) {
		return 0
	}

	clock := uint64(m.Clock)
	htotal := uint64(m.Htotal)
	vtotal := uint64(m.Vtotal)
	return ((clock * 1000000 / htotal) + (vtotal / 2)) / vtotal
}

// Interval converts a refresh rate in millihertz to the time between
// frames.
func Interval(mhz uint64) time.Duration {
	if mhz == 0 {
		return 0
	}
	return time.Duration(uint64(time.Second) * 1000 / mhz)
}
