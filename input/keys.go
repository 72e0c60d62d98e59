package input

// Key is a keyboard key code.
type Key uint16

// These values were pulled from linux/input-event-codes.h.
const (
	KeyEsc   Key = 1
	KeyQ     Key = 16
	KeyEnter Key = 28
	KeySpace Key = 57
)

func (k Key) String() string {
	switch k {
	case KeyEsc:
		return "esc"
	case KeyQ:
		return "q"
	case KeyEnter:
		return "enter"
	case KeySpace:
		return "space"
	}

	return "unknown"
}

// Event types.
const (
	evKey uint16 = 0x01
)

// Key event values.
const (
	Released int32 = 0
	Pressed  int32 = 1
	Repeated int32 = 2
)
