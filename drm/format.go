package drm

import (
	"fmt"
	"slices"

	"deedles.dev/kms/internal/bin"
)

// Format is a DRM fourcc pixel format code.
type Format uint32

func Fourcc(a, b, c, d byte) Format {
	return Format(uint32(a) | (uint32(b) << 8) | (uint32(c) << 16) | (uint32(d) << 24))
}

var (
	FormatXRGB8888 = Fourcc('X', 'R', '2', '4')
	FormatARGB8888 = Fourcc('A', 'R', '2', '4')
)

func (f Format) String() string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// Layout modifiers.
const (
	ModifierLinear  uint64 = 0
	ModifierInvalid uint64 = 0x00ffffffffffffff
)

const (
	formatBlobHeaderSize = 24
	formatModifierSize   = 24
)

// ParseInFormats decodes the contents of a plane's IN_FORMATS blob
// into the set of modifiers supported for each format.
func ParseInFormats(blob []byte) (map[Format][]uint64, error) {
	if len(blob) < formatBlobHeaderSize {
		return nil, fmt.Errorf("IN_FORMATS blob too short: %v bytes", len(blob))
	}

	version := bin.Value[uint32](blob[0:])
	countFormats := bin.Value[uint32](blob[8:])
	formatsOffset := bin.Value[uint32](blob[12:])
	countModifiers := bin.Value[uint32](blob[16:])
	modifiersOffset := bin.Value[uint32](blob[20:])
	if version != 1 {
		return nil, fmt.Errorf("unsupported IN_FORMATS blob version %v", version)
	}

	if uint64(formatsOffset)+uint64(countFormats)*4 > uint64(len(blob)) {
		return nil, fmt.Errorf("IN_FORMATS format list out of range")
	}
	if uint64(modifiersOffset)+uint64(countModifiers)*formatModifierSize > uint64(len(blob)) {
		return nil, fmt.Errorf("IN_FORMATS modifier list out of range")
	}

	formats := make([]Format, countFormats)
	for i := range formats {
		formats[i] = Format(bin.Value[uint32](blob[int(formatsOffset)+4*i:]))
	}

	r := make(map[Format][]uint64, len(formats))
	for i := range int(countModifiers) {
		m := blob[int(modifiersOffset)+formatModifierSize*i:]
		mask := bin.Value[uint64](m[0:])
		offset := bin.Value[uint32](m[8:])
		modifier := bin.Value[uint64](m[16:])

		for bit := range 64 {
			if mask&(1<<bit) == 0 {
				continue
			}
			idx := int(offset) + bit
			if idx >= len(formats) {
				break
			}
			f := formats[idx]
			if !slices.Contains(r[f], modifier) {
				r[f] = append(r[f], modifier)
			}
		}
	}
	return r, nil
}

// EncodeInFormats builds an IN_FORMATS blob. It is the inverse of
// ParseInFormats and exists for tests and fake devices.
func EncodeInFormats(mods map[Format][]uint64) []byte {
	formats := make([]Format, 0, len(mods))
	for f := range mods {
		formats = append(formats, f)
	}
	slices.Sort(formats)

	type entry struct {
		mask     uint64
		offset   uint32
		modifier uint64
	}
	var entries []entry
	for i, f := range formats {
		for _, m := range mods[f] {
			entries = append(entries, entry{mask: 1 << (i % 64), offset: uint32(i - i%64), modifier: m})
		}
	}

	formatsOffset := uint32(formatBlobHeaderSize)
	modifiersOffset := formatsOffset + uint32(4*len(formats))
	modifiersOffset = (modifiersOffset + 7) &^ 7

	var buf []byte
	buf = append(buf, bin.Bytes(uint32(1))...)
	buf = append(buf, bin.Bytes(uint32(0))...)
	buf = append(buf, bin.Bytes(uint32(len(formats)))...)
	buf = append(buf, bin.Bytes(formatsOffset)...)
	buf = append(buf, bin.Bytes(uint32(len(entries)))...)
	buf = append(buf, bin.Bytes(modifiersOffset)...)
	for _, f := range formats {
		buf = append(buf, bin.Bytes(uint32(f))...)
	}
	for len(buf) < int(modifiersOffset) {
		buf = append(buf, 0)
	}
	for _, e := range entries {
		buf = append(buf, bin.Bytes(e.mask)...)
		buf = append(buf, bin.Bytes(e.offset)...)
		buf = append(buf, bin.Bytes(uint32(0))...)
		buf = append(buf, bin.Bytes(e.modifier)...)
	}
	return buf
}
