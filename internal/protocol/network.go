package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// NetworkPayloadSize is the size of a network-mode record: Mode(4) +
// Reserved(12).
const NetworkPayloadSize = 16

// NetMode is the guest's network attachment.
type NetMode uint32

const (
	NetDown NetMode = iota
	NetNAT
	NetBridge
)

func (m NetMode) String() string {
	switch m {
	case NetDown:
		return "down"
	case NetNAT:
		return "nat"
	case NetBridge:
		return "bridge"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(m))
	}
}

// ParseNetMode parses "down", "nat" or "bridge".
func ParseNetMode(s string) (NetMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "down":
		return NetDown, nil
	case "nat":
		return NetNAT, nil
	case "bridge":
		return NetBridge, nil
	}
	return NetDown, fmt.Errorf("invalid network mode %q: must be down, nat or bridge", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m NetMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *NetMode) UnmarshalText(text []byte) error {
	parsed, err := ParseNetMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// DecodeNetwork parses a network-mode payload. Payloads shorter than 4
// bytes decode to NetDown.
func DecodeNetwork(payload []byte) NetMode {
	if len(payload) < 4 {
		return NetDown
	}
	return NetMode(binary.LittleEndian.Uint32(payload[0:4]))
}

// EncodeNetwork serializes m into a full NetworkPayloadSize record.
func EncodeNetwork(m NetMode) []byte {
	buf := make([]byte, NetworkPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m))
	return buf
}
