package sched

import (
	"fmt"
	"time"

	"deedles.dev/kms/render"
)

// AnimationMode selects what drives animation progress.
type AnimationMode int

const (
	// Absolute derives progress from the predicted display time of the
	// frame. Dropped frames are skipped over and timing never drifts.
	Absolute AnimationMode = iota

	// Frames advances progress by one step per submitted frame,
	// regardless of how much time has passed.
	Frames
)

func (m AnimationMode) String() string {
	switch m {
	case Absolute:
		return "absolute"
	case Frames:
		return "frames"
	}

	return fmt.Sprintf("animation(%d)", int(m))
}

func (m *AnimationMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "absolute":
		*m = Absolute
	case "frames":
		*m = Frames
	default:
		return fmt.Errorf("unknown animation mode %q", text)
	}
	return nil
}

// Set and Type make AnimationMode usable as a command-line flag.
func (m *AnimationMode) Set(v string) error {
	return m.UnmarshalText([]byte(v))
}

func (m *AnimationMode) Type() string {
	return "mode"
}

// progress returns the animation position for the next frame of o.
func (m AnimationMode) progress(o *Output, start, loop time.Duration) float64 {
	if o.FirstCommit {
		return 0
	}

	switch m {
	case Frames:
		frames := 1
		if o.Desc.RefreshInterval > 0 {
			frames = max(int(loop/o.Desc.RefreshInterval), 1)
		}
		return render.FrameProgress(o.Frame, frames)
	default:
		return render.Progress(o.NextPredicted-start, loop)
	}
}
