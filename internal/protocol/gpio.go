package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// MaxGPIOEntries is the most entries a GPIO payload can carry.
const MaxGPIOEntries = 32

// GPIOPayloadSize is the fixed GPIO record size: Count(4) + 32 × Entry(8).
const GPIOPayloadSize = 4 + MaxGPIOEntries*8

// GPIOEntry is one pin/value pair.
type GPIOEntry struct {
	Pin   int32
	Value int32
}

// DecodeGPIO parses a GPIO payload. The declared count is clamped to
// MaxGPIOEntries and decoding stops at the end of the payload, so a bogus
// count yields a truncated list rather than an error. A payload shorter
// than 4 bytes decodes to an empty list.
func DecodeGPIO(payload []byte) []GPIOEntry {
	if len(payload) < 4 {
		return []GPIOEntry{}
	}
	count := min(binary.LittleEndian.Uint32(payload[0:4]), MaxGPIOEntries)

	entries := make([]GPIOEntry, 0, count)
	offset := 4
	for range count {
		if offset+8 > len(payload) {
			break
		}
		entries = append(entries, GPIOEntry{
			Pin:   int32(binary.LittleEndian.Uint32(payload[offset : offset+4])),
			Value: int32(binary.LittleEndian.Uint32(payload[offset+4 : offset+8])),
		})
		offset += 8
	}
	return entries
}

// EncodeGPIO serializes up to MaxGPIOEntries entries.
func EncodeGPIO(entries []GPIOEntry) []byte {
	if len(entries) > MaxGPIOEntries {
		entries = entries[:MaxGPIOEntries]
	}
	buf := make([]byte, 4+len(entries)*8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	for i, e := range entries {
		offset := 4 + i*8
		binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(e.Pin))
		binary.LittleEndian.PutUint32(buf[offset+4:offset+8], uint32(e.Value))
	}
	return buf
}

// FormatGPIO renders entries as "[(17,1) (18,0)]".
func FormatGPIO(entries []GPIOEntry) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "(%d,%d)", e.Pin, e.Value)
	}
	b.WriteByte(']')
	return b.String()
}
