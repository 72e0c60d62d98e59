// Package software implements a CPU render backend that draws directly
// into the mapped memory of dumb buffers.
package software

import (
	"errors"
	"image"
	"image/color"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/drm"
	"deedles.dev/kms/render"
	"deedles.dev/ximage/format"
	"golang.org/x/image/colornames"
	"golang.org/x/image/draw"
)

// Name is the name the backend is registered under.
const Name = "software"

// ErrNotMapped is returned when a buffer has no CPU mapping.
var ErrNotMapped = errors.New("buffer is not mapped")

func init() {
	render.Register(Name, 0, func(opts render.Options) (render.Filler, error) {
		return New(opts), nil
	})
}

// Quadrant colors, from top-left to bottom-right.
var (
	TopLeft     color.RGBA = colornames.Black
	TopRight    color.RGBA = colornames.Red
	BottomLeft  color.RGBA = colornames.Blue
	BottomRight color.RGBA = colornames.Magenta
)

type Filler struct {
	opts render.Options
}

func New(opts render.Options) *Filler {
	return &Filler{opts: opts}
}

func (f *Filler) Fill(b *buffer.Buffer, progress float64) error {
	if b.Memory == nil {
		return ErrNotMapped
	}
	if b.Format != drm.FormatXRGB8888 && b.Format != drm.FormatARGB8888 {
		return render.UnsupportedFormatError{Format: b.Format}
	}

	err := render.WaitDisplay(b, f.opts.FenceTimeout, f.opts.Log)
	if err != nil {
		return err
	}

	img := View(b)
	Draw(img, b.Bounds(), progress)

	// Content is resident as soon as the stores above are done.
	b.RenderFence.Close()
	return nil
}

// View returns an image backed by b's mapped memory. The image may be
// wider than b if the buffer's rows are padded.
func View(b *buffer.Buffer) *format.Image {
	stride := int(b.Pitches[0]) / 4
	return &format.Image{
		Format: format.ARGB8888,
		Rect:   image.Rect(0, 0, stride, int(b.Height)),
		Pix:    b.Memory[b.Offsets[0]:],
	}
}

// Draw draws the quadrant scene for progress into the bounds r of img.
// The boundary between the quadrants moves from the top-left corner to
// the bottom-right corner as progress goes from 0 to 1.
//
// Only the first row of each band of rows is drawn through img. The
// rest are copies of it.
func Draw(img *format.Image, r image.Rectangle, progress float64) {
	split := image.Pt(
		r.Min.X+int(float64(r.Dx())*progress),
		r.Min.Y+int(float64(r.Dy())*progress),
	)

	drawRow(img, r, r.Min.Y, split.X, TopLeft, TopRight)
	if split.Y < r.Max.Y {
		drawRow(img, r, split.Y, split.X, BottomLeft, BottomRight)
	}

	for y := r.Min.Y + 1; y < r.Max.Y; y++ {
		src := r.Min.Y
		if y >= split.Y {
			if y == split.Y {
				continue
			}
			src = split.Y
		}
		copy(row(img, r, y), row(img, r, src))
	}
}

func drawRow(img draw.Image, r image.Rectangle, y, split int, left, right color.RGBA) {
	draw.Draw(img, image.Rect(r.Min.X, y, split, y+1), image.NewUniform(left), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(split, y, r.Max.X, y+1), image.NewUniform(right), image.Point{}, draw.Src)
}

func row(img *format.Image, r image.Rectangle, y int) []byte {
	stride := img.Rect.Dx() * 4
	start := (y-img.Rect.Min.Y)*stride + (r.Min.X-img.Rect.Min.X)*4
	return img.Pix[start : start+r.Dx()*4]
}
