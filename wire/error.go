package wire

import (
	"fmt"
)

// InvalidPropertyError is recorded by an AtomicRequest when a write
// names a zero object or property ID. Zero IDs come from properties
// that were never found on the object.
type InvalidPropertyError struct {
	Object uint32
	Prop   uint32
}

func (err InvalidPropertyError) Error() string {
	return fmt.Sprintf("invalid property write: object %v, property %v", err.Object, err.Prop)
}

// MalformedEventError is returned when the event stream contains a
// record that cannot be decoded.
type MalformedEventError struct {
	Offset int
	Type   EventType
	Length uint32
	Reason string
}

func (err MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %v event at offset %v (length %v): %v", err.Type, err.Offset, err.Length, err.Reason)
}
