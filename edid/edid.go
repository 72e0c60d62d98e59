// Package edid extracts identifying information from a monitor's EDID
// block.
package edid

import (
	"errors"
	"strconv"
	"strings"
)

const (
	descriptorAlphanumeric = 0xfe
	descriptorProductName  = 0xfc
	descriptorSerial       = 0xff

	offsetDataBlocks = 0x36
	offsetLastBlock  = 0x6c
	offsetPNPID      = 0x08
	offsetSerial     = 0x0c

	blockSize = 128
)

var (
	ErrShort     = errors.New("EDID shorter than one block")
	ErrBadHeader = errors.New("EDID header mismatch")
)

// Info is the subset of EDID that identifies a monitor. Fields that
// the block does not provide are empty.
type Info struct {
	PNPID       string
	MonitorName string
	Serial      string
	EISAID      string
}

func (info Info) String() string {
	var parts []string
	for _, s := range []string{info.PNPID, info.MonitorName, info.Serial} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Parse decodes the base EDID block at the start of data.
func Parse(data []byte) (Info, error) {
	if len(data) < blockSize {
		return Info{}, ErrShort
	}
	if (data[0] != 0x00) || (data[1] != 0xff) {
		return Info{}, ErrBadHeader
	}

	// Three 5-bit letters packed into two bytes, 'A' == 1.
	p0, p1 := data[offsetPNPID], data[offsetPNPID+1]
	pnp := [3]byte{
		'A' + ((p0 & 0x7c) >> 2) - 1,
		'A' + ((p0 & 0x3) << 3) + ((p1 & 0xe0) >> 5) - 1,
		'A' + (p1 & 0x1f) - 1,
	}

	info := Info{PNPID: string(pnp[:])}

	serial := uint32(data[offsetSerial]) |
		uint32(data[offsetSerial+1])<<8 |
		uint32(data[offsetSerial+2])<<16 |
		uint32(data[offsetSerial+3])<<24
	if serial > 0 {
		info.Serial = strconv.FormatUint(uint64(serial), 10)
	}

	for i := offsetDataBlocks; i <= offsetLastBlock; i += 18 {
		// Detailed timing descriptors have a non-zero pixel clock.
		if (data[i] != 0) || (data[i+2] != 0) {
			continue
		}

		switch data[i+3] {
		case descriptorProductName:
			info.MonitorName = parseString(data[i+5:])
		case descriptorSerial:
			info.Serial = parseString(data[i+5:])
		case descriptorAlphanumeric:
			info.EISAID = parseString(data[i+5:])
		}
	}

	return info, nil
}

// parseString decodes a descriptor string of at most 12 bytes. Strings
// that are mostly junk are discarded.
func parseString(data []byte) string {
	data = data[:min(len(data), 12)]

	var sb strings.Builder
	var replaced int
	for _, c := range data {
		if (c == 0) || (c == '\n') || (c == '\r') {
			break
		}
		if (c < 0x20) || (c > 0x7e) {
			c = '-'
			replaced++
		}
		sb.WriteByte(c)
	}

	if replaced > 4 {
		return ""
	}
	return sb.String()
}
