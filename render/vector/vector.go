// Package vector implements a render backend that rasterizes the scene
// as filled paths and then copies the result into the buffer.
package vector

import (
	"errors"
	"fmt"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/drm"
	"deedles.dev/kms/render"
	"github.com/gogpu/gg"
)

// Name is the name the backend is registered under.
const Name = "vector"

func init() {
	render.Register(Name, 10, func(opts render.Options) (render.Filler, error) {
		return New(opts), nil
	})
}

type quad struct {
	r, g, b float64
}

// Quadrant colors, from top-left to bottom-right.
var quads = [4]quad{
	{0, 0, 0},
	{1, 0, 0},
	{0, 0, 1},
	{1, 0, 1},
}

// Filler keeps one offscreen canvas, recreated whenever the buffer
// size changes.
type Filler struct {
	opts render.Options

	pm  *gg.Pixmap
	ctx *gg.Context
}

func New(opts render.Options) *Filler {
	return &Filler{opts: opts}
}

func (f *Filler) canvas(w, h int) *gg.Context {
	if f.pm != nil && f.pm.Width() == w && f.pm.Height() == h {
		return f.ctx
	}

	if f.ctx != nil {
		f.ctx.Close()
	}
	f.pm = gg.NewPixmap(w, h)
	f.ctx = gg.NewContextForPixmap(f.pm)
	return f.ctx
}

func (f *Filler) Fill(b *buffer.Buffer, progress float64) error {
	if b.Memory == nil {
		return errors.New("buffer is not mapped")
	}
	if b.Format != drm.FormatXRGB8888 && b.Format != drm.FormatARGB8888 {
		return render.UnsupportedFormatError{Format: b.Format}
	}

	w, h := int(b.Width), int(b.Height)
	ctx := f.canvas(w, h)

	x, y := render.Split(b, progress)
	rects := [4][4]float64{
		{0, 0, float64(x), float64(y)},
		{float64(x), 0, float64(w - x), float64(y)},
		{0, float64(y), float64(x), float64(h - y)},
		{float64(x), float64(y), float64(w - x), float64(h - y)},
	}
	for i, r := range rects {
		if r[2] <= 0 || r[3] <= 0 {
			continue
		}
		ctx.SetRGB(quads[i].r, quads[i].g, quads[i].b)
		ctx.DrawRectangle(r[0], r[1], r[2], r[3])
		err := ctx.Fill()
		if err != nil {
			return fmt.Errorf("fill quadrant %v: %w", i, err)
		}
	}
	err := ctx.FlushGPU()
	if err != nil {
		return fmt.Errorf("flush canvas: %w", err)
	}

	err = render.WaitDisplay(b, f.opts.FenceTimeout, f.opts.Log)
	if err != nil {
		return err
	}

	copyPixels(b, f.pm)
	b.RenderFence.Close()
	return nil
}

// copyPixels converts the canvas's RGBA pixels into b's XRGB8888
// memory, row by row.
func copyPixels(b *buffer.Buffer, pm *gg.Pixmap) {
	src := pm.Data()
	pitch := int(b.Pitches[0])
	dst := b.Memory[b.Offsets[0]:]
	w := pm.Width()

	for y := range pm.Height() {
		srow := src[y*w*4 : (y+1)*w*4]
		drow := dst[y*pitch : y*pitch+w*4]
		for x := 0; x < len(srow); x += 4 {
			drow[x+0] = srow[x+2]
			drow[x+1] = srow[x+1]
			drow[x+2] = srow[x+0]
			drow[x+3] = 0xff
		}
	}
}

func (f *Filler) Close() error {
	if f.ctx == nil {
		return nil
	}
	err := f.ctx.Close()
	f.ctx, f.pm = nil, nil
	return err
}
