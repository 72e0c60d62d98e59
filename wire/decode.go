package wire

import (
	"fmt"
	"time"

	"deedles.dev/kms/internal/bin"
)

// EventType identifies a record read from a DRM file descriptor.
type EventType uint32

const (
	EventVBlank       EventType = 0x01
	EventFlipComplete EventType = 0x02
	EventCRTCSequence EventType = 0x03
)

func (t EventType) String() string {
	switch t {
	case EventVBlank:
		return "vblank"
	case EventFlipComplete:
		return "flip-complete"
	case EventCRTCSequence:
		return "crtc-sequence"
	}

	return fmt.Sprintf("event(%#x)", uint32(t))
}

const (
	eventHeaderSize   = 8
	vblankEventSize   = eventHeaderSize + 24
	sequenceEventSize = eventHeaderSize + 24
)

// Event is a decoded DRM event.
type Event struct {
	Type     EventType
	UserData uint64

	// Time is the completion timestamp. Its clock is CLOCK_MONOTONIC
	// if the device reports monotonic timestamps and the realtime clock
	// otherwise.
	Time     time.Duration
	Sequence uint32
	CRTC     uint32
}

func (ev Event) String() string {
	return fmt.Sprintf("%v(crtc=%v, seq=%v, time=%v, data=%#x)", ev.Type, ev.CRTC, ev.Sequence, ev.Time, ev.UserData)
}

// DecodeEvents decodes every event in buf. Events of unknown types are
// returned with only their type set.
func DecodeEvents(buf []byte) ([]Event, error) {
	var events []Event
	for off := 0; off < len(buf); {
		if len(buf)-off < eventHeaderSize {
			return events, MalformedEventError{Offset: off, Reason: "truncated header"}
		}

		typ := EventType(bin.Value[uint32](buf[off:]))
		length := bin.Value[uint32](buf[off+4:])
		if (length < eventHeaderSize) || (int(length) > len(buf)-off) {
			return events, MalformedEventError{Offset: off, Type: typ, Length: length, Reason: "bad length"}
		}

		ev, err := decodeEvent(typ, buf[off:off+int(length)])
		if err != nil {
			err := err.(MalformedEventError)
			err.Offset = off
			return events, err
		}
		events = append(events, ev)

		off += int(length)
	}
	return events, nil
}

func decodeEvent(typ EventType, data []byte) (Event, error) {
	ev := Event{Type: typ}

	switch typ {
	case EventVBlank, EventFlipComplete:
		if len(data) < vblankEventSize {
			return ev, MalformedEventError{Type: typ, Length: uint32(len(data)), Reason: "short vblank payload"}
		}
		p := data[eventHeaderSize:]
		sec := bin.Value[uint32](p[8:])
		usec := bin.Value[uint32](p[12:])

		ev.UserData = bin.Value[uint64](p)
		ev.Time = time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
		ev.Sequence = bin.Value[uint32](p[16:])
		ev.CRTC = bin.Value[uint32](p[20:])

	case EventCRTCSequence:
		if len(data) < sequenceEventSize {
			return ev, MalformedEventError{Type: typ, Length: uint32(len(data)), Reason: "short sequence payload"}
		}
		p := data[eventHeaderSize:]

		ev.UserData = bin.Value[uint64](p)
		ev.Time = time.Duration(bin.Value[int64](p[8:]))
		ev.Sequence = uint32(bin.Value[uint64](p[16:]))
	}

	return ev, nil
}

// EncodeEvent is the inverse of DecodeEvents for a single event. It is
// mostly useful for feeding synthetic events through a decoder.
func EncodeEvent(ev Event) []byte {
	var buf []byte
	switch ev.Type {
	case EventVBlank, EventFlipComplete:
		buf = make([]byte, 0, vblankEventSize)
		buf = append(buf, bin.Bytes(uint32(ev.Type))...)
		buf = append(buf, bin.Bytes(uint32(vblankEventSize))...)
		buf = append(buf, bin.Bytes(ev.UserData)...)
		buf = append(buf, bin.Bytes(uint32(ev.Time/time.Second))...)
		buf = append(buf, bin.Bytes(uint32((ev.Time%time.Second)/time.Microsecond))...)
		buf = append(buf, bin.Bytes(ev.Sequence)...)
		buf = append(buf, bin.Bytes(ev.CRTC)...)

	case EventCRTCSequence:
		buf = make([]byte, 0, sequenceEventSize)
		buf = append(buf, bin.Bytes(uint32(ev.Type))...)
		buf = append(buf, bin.Bytes(uint32(sequenceEventSize))...)
		buf = append(buf, bin.Bytes(ev.UserData)...)
		buf = append(buf, bin.Bytes(int64(ev.Time))...)
		buf = append(buf, bin.Bytes(uint64(ev.Sequence))...)

	default:
		buf = append(buf, bin.Bytes(uint32(ev.Type))...)
		buf = append(buf, bin.Bytes(uint32(eventHeaderSize))...)
	}
	return buf
}
