package device

import (
	"errors"
	"fmt"

	"deedles.dev/kms/drm"
	"deedles.dev/kms/edid"
	"deedles.dev/kms/internal/set"
	"deedles.dev/kms/internal/xslices"
	"deedles.dev/kms/wire"
	"github.com/rs/zerolog"
)

// ErrNoOutputs is returned by Probe if no usable output was found.
var ErrNoOutputs = errors.New("no usable outputs")

const modeTypePreferred = 1 << 3

// Card is the part of a drm.Device that Probe needs.
type Card interface {
	Caps() drm.Caps
	Resources() (*drm.Resources, error)
	Connector(id uint32) (*drm.Connector, error)
	Encoder(id uint32) (*drm.Encoder, error)
	CRTC(id uint32) (*drm.CRTC, error)
	Planes() ([]uint32, error)
	Plane(id uint32) (*drm.Plane, error)
	Properties(obj uint32, typ wire.ObjectType) ([]drm.Property, error)
	Blob(id uint32) ([]byte, error)
	CreateModeBlob(m drm.ModeInfo) (uint32, error)
	DestroyBlob(id uint32) error
}

type plane struct {
	*drm.Plane
	props   []drm.Property
	primary bool
}

type prober struct {
	card  Card
	log   zerolog.Logger
	res   *drm.Resources
	caps  drm.Caps
	crtcs set.Set[uint32]

	planes  []plane
	claimed set.Set[uint32]
}

// Probe finds every connected connector on card and builds an Output
// for each one that can be routed to a CRTC and a primary plane.
// Connectors that cannot be routed are logged and skipped. Failure to
// query the card is an error.
func Probe(card Card, log zerolog.Logger) (outputs []*Output, err error) {
	defer func() {
		if err != nil {
			for _, o := range outputs {
				o.Release(card)
			}
			outputs = nil
		}
	}()

	p := prober{
		card:    card,
		log:     log,
		caps:    card.Caps(),
		crtcs:   set.New[uint32](),
		claimed: set.New[uint32](),
	}

	p.res, err = card.Resources()
	if err != nil {
		return nil, err
	}

	err = p.loadPlanes()
	if err != nil {
		return nil, err
	}

	for _, id := range p.res.Connectors {
		o, err := p.output(id)
		if err != nil {
			return outputs, err
		}
		if o == nil {
			continue
		}

		log.Info().Stringer("output", o).Msg("found output")
		outputs = append(outputs, o)
	}

	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}
	return outputs, nil
}

func (p *prober) loadPlanes() error {
	ids, err := p.card.Planes()
	if err != nil {
		return err
	}

	for _, id := range ids {
		dp, err := p.card.Plane(id)
		if err != nil {
			return err
		}
		props, err := p.card.Properties(id, wire.ObjectPlane)
		if err != nil {
			return err
		}

		pl := plane{Plane: dp, props: props}
		for _, prop := range props {
			if prop.Name == planePropNames[PlaneType] {
				v, ok := prop.Enums[PlaneTypePrimary]
				pl.primary = ok && (prop.Value == v)
			}
		}
		p.planes = append(p.planes, pl)
	}
	return nil
}

// output builds the Output for a connector. It returns nil, nil if the
// connector is not usable.
func (p *prober) output(id uint32) (*Output, error) {
	conn, err := p.card.Connector(id)
	if err != nil {
		return nil, err
	}
	log := p.log.With().Str("connector", conn.Name()).Logger()

	if conn.Connection != drm.Connected {
		log.Debug().Msg("not connected")
		return nil, nil
	}

	connProps, err := p.card.Properties(id, wire.ObjectConnector)
	if err != nil {
		return nil, err
	}
	var cprops ConnectorProps
	populate(cprops[:], connectorPropNames[:], connProps)
	if cprops[ConnectorNonDesktop].Value != 0 {
		log.Debug().Msg("non-desktop connector")
		return nil, nil
	}

	crtcID, crtcIndex, err := p.pickCRTC(conn)
	if err != nil {
		return nil, err
	}
	if crtcID == 0 {
		log.Debug().Msg("no available CRTC")
		return nil, nil
	}

	crtc, err := p.card.CRTC(crtcID)
	if err != nil {
		return nil, err
	}
	mode, ok := pickMode(crtc, conn)
	if !ok {
		log.Debug().Msg("no usable mode")
		return nil, nil
	}

	pl := p.pickPlane(crtc, crtcIndex)
	if pl == nil {
		log.Debug().Uint32("crtc", crtcID).Msg("no available primary plane")
		return nil, nil
	}

	crtcProps, err := p.card.Properties(crtcID, wire.ObjectCRTC)
	if err != nil {
		return nil, err
	}

	o := Output{
		Name:                conn.Name(),
		PlaneID:             pl.ID,
		CRTCID:              crtcID,
		CRTCIndex:           crtcIndex,
		ConnectorID:         id,
		Mode:                mode,
		RefreshMilliHz:      RefreshMilliHz(mode),
		Connector:           cprops,
		FormatModifiers:     p.caps.FormatModifiers,
		MonotonicTimestamps: p.caps.MonotonicTimestamps,
		names: map[wire.ObjectType]map[string]uint32{
			wire.ObjectPlane:     byName(pl.props),
			wire.ObjectCRTC:      byName(crtcProps),
			wire.ObjectConnector: byName(connProps),
		},
	}
	o.RefreshInterval = Interval(o.RefreshMilliHz)
	if o.RefreshInterval == 0 {
		log.Debug().Msg("mode has no refresh rate")
		return nil, nil
	}
	populate(o.Plane[:], planePropNames[:], pl.props)
	populate(o.CRTC[:], crtcPropNames[:], crtcProps)

	o.ExplicitFencing = o.Plane[PlaneInFenceFD].Valid() && o.CRTC[CRTCOutFencePtr].Valid()
	o.Modifiers = p.modifiers(&o, log)
	o.EDID = p.edid(&o, log)

	o.ModeBlobID, err = p.card.CreateModeBlob(mode)
	if err != nil {
		return nil, fmt.Errorf("create mode blob for %v: %w", o.Name, err)
	}

	p.crtcs.Add(crtcID)
	p.claimed.Add(pl.ID)

	log.Debug().
		Uint64("mhz", o.RefreshMilliHz).
		Dur("interval", o.RefreshInterval).
		Bool("explicit_fencing", o.ExplicitFencing).
		Int("modifiers", len(o.Modifiers)).
		Msg("output routed")
	return &o, nil
}

// pickCRTC prefers the CRTC that the connector is already routed
// through and otherwise takes the first free CRTC that any of its
// encoders can drive.
func (p *prober) pickCRTC(conn *drm.Connector) (id uint32, index int, err error) {
	if conn.EncoderID != 0 {
		enc, err := p.card.Encoder(conn.EncoderID)
		if err != nil {
			return 0, 0, err
		}
		if (enc.CRTCID != 0) && !p.crtcs.Has(enc.CRTCID) {
			for i, c := range p.res.CRTCs {
				if c == enc.CRTCID {
					return c, i, nil
				}
			}
		}
	}

	for _, eid := range conn.Encoders {
		enc, err := p.card.Encoder(eid)
		if err != nil {
			return 0, 0, err
		}
		for i, c := range xslices.Masked(p.res.CRTCs, enc.PossibleCRTCs) {
			if !p.crtcs.Has(c) {
				return c, i, nil
			}
		}
	}

	return 0, 0, nil
}

// pickMode reuses the CRTC's active mode if it has one, and otherwise
// takes the connector's preferred mode.
func pickMode(crtc *drm.CRTC, conn *drm.Connector) (drm.ModeInfo, bool) {
	if crtc.ModeValid && (crtc.Mode.Hdisplay != 0) {
		return crtc.Mode, true
	}

	for _, m := range conn.Modes {
		if m.Type&modeTypePreferred != 0 {
			return m, true
		}
	}
	if len(conn.Modes) > 0 {
		return conn.Modes[0], true
	}
	return drm.ModeInfo{}, false
}

// pickPlane returns the plane currently scanning out the CRTC's
// framebuffer, or failing that any unclaimed primary plane that can
// drive the CRTC.
func (p *prober) pickPlane(crtc *drm.CRTC, index int) *plane {
	candidates := xslices.Filter(p.planes, func(pl plane) bool {
		return pl.primary && !p.claimed.Has(pl.ID) && (pl.PossibleCRTCs&(1<<index) != 0)
	})
	if len(candidates) == 0 {
		return nil
	}

	for i := range candidates {
		pl := &candidates[i]
		if (crtc.FBID != 0) && (pl.CRTCID == crtc.ID) && (pl.FBID == crtc.FBID) {
			return pl
		}
	}
	return &candidates[0]
}

func (p *prober) modifiers(o *Output, log zerolog.Logger) []uint64 {
	if !o.FormatModifiers {
		return nil
	}

	blobID := o.Plane[PlaneInFormats].Value
	if blobID == 0 {
		log.Debug().Msg("plane does not have IN_FORMATS")
		return nil
	}

	blob, err := p.card.Blob(uint32(blobID))
	if err != nil {
		log.Warn().Err(err).Msg("read IN_FORMATS")
		return nil
	}
	formats, err := drm.ParseInFormats(blob)
	if err != nil {
		log.Warn().Err(err).Msg("parse IN_FORMATS")
		return nil
	}
	return formats[drm.FormatXRGB8888]
}

func (p *prober) edid(o *Output, log zerolog.Logger) *edid.Info {
	blobID := o.Connector[ConnectorEDID].Value
	if blobID == 0 {
		return nil
	}

	blob, err := p.card.Blob(uint32(blobID))
	if err != nil {
		log.Debug().Err(err).Msg("read EDID")
		return nil
	}
	info, err := edid.Parse(blob)
	if err != nil {
		log.Debug().Err(err).Msg("parse EDID")
		return nil
	}

	log.Info().Str("pnp", info.PNPID).Str("monitor", info.MonitorName).Str("serial", info.Serial).Msg("EDID")
	return &info
}

// Release frees kernel resources created for o by Probe.
func (o *Output) Release(card Card) error {
	if o.ModeBlobID == 0 {
		return nil
	}

	err := card.DestroyBlob(o.ModeBlobID)
	o.ModeBlobID = 0
	return err
}
