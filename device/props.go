package device

import (
	"deedles.dev/kms/drm"
)

// Prop is a property resolved from its name. A zero ID means the
// object does not have the property.
type Prop struct {
	ID    uint32
	Value uint64
}

func (p Prop) Valid() bool {
	return p.ID != 0
}

type PlaneProp int

const (
	PlaneType PlaneProp = iota
	PlaneSrcX
	PlaneSrcY
	PlaneSrcW
	PlaneSrcH
	PlaneCRTCX
	PlaneCRTCY
	PlaneCRTCW
	PlaneCRTCH
	PlaneFBID
	PlaneCRTCID
	PlaneInFormats
	PlaneInFenceFD
	planePropCount
)

var planePropNames = [planePropCount]string{
	PlaneType:      "type",
	PlaneSrcX:      "SRC_X",
	PlaneSrcY:      "SRC_Y",
	PlaneSrcW:      "SRC_W",
	PlaneSrcH:      "SRC_H",
	PlaneCRTCX:     "CRTC_X",
	PlaneCRTCY:     "CRTC_Y",
	PlaneCRTCW:     "CRTC_W",
	PlaneCRTCH:     "CRTC_H",
	PlaneFBID:      "FB_ID",
	PlaneCRTCID:    "CRTC_ID",
	PlaneInFormats: "IN_FORMATS",
	PlaneInFenceFD: "IN_FENCE_FD",
}

func (p PlaneProp) String() string {
	return planePropNames[p]
}

type PlaneProps [planePropCount]Prop

type CRTCProp int

const (
	CRTCModeID CRTCProp = iota
	CRTCActive
	CRTCOutFencePtr
	crtcPropCount
)

var crtcPropNames = [crtcPropCount]string{
	CRTCModeID:      "MODE_ID",
	CRTCActive:      "ACTIVE",
	CRTCOutFencePtr: "OUT_FENCE_PTR",
}

func (p CRTCProp) String() string {
	return crtcPropNames[p]
}

type CRTCProps [crtcPropCount]Prop

type ConnectorProp int

const (
	ConnectorEDID ConnectorProp = iota
	ConnectorDPMS
	ConnectorCRTCID
	ConnectorNonDesktop
	connectorPropCount
)

var connectorPropNames = [connectorPropCount]string{
	ConnectorEDID:       "EDID",
	ConnectorDPMS:       "DPMS",
	ConnectorCRTCID:     "CRTC_ID",
	ConnectorNonDesktop: "non-desktop",
}

func (p ConnectorProp) String() string {
	return connectorPropNames[p]
}

type ConnectorProps [connectorPropCount]Prop

// Plane type enum names.
const (
	PlaneTypeOverlay = "Overlay"
	PlaneTypePrimary = "Primary"
	PlaneTypeCursor  = "Cursor"
)

// populate fills dst, which is indexed by an enum whose names are
// listed in names, from the properties reported by the kernel.
// Properties not listed are ignored.
func populate(dst []Prop, names []string, props []drm.Property) {
	for _, p := range props {
		for i, name := range names {
			if p.Name == name {
				dst[i] = Prop{ID: p.ID, Value: p.Value}
				break
			}
		}
	}
}

func byName(props []drm.Property) map[string]uint32 {
	m := make(map[string]uint32, len(props))
	for _, p := range props {
		m[p.Name] = p.ID
	}
	return m
}
