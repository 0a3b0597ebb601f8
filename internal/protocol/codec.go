package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Packet into a byte slice for DataChannel transmission.
func Encode(pkt *Packet) []byte {
	size := HeaderSize + len(pkt.Payload)
	buf := make([]byte, size)
	buf[0] = pkt.Type
	buf[1] = byte(pkt.Role)
	binary.BigEndian.PutUint64(buf[2:10], pkt.Sequence)
	binary.BigEndian.PutUint16(buf[10:12], pkt.Fragment)
	binary.BigEndian.PutUint16(buf[12:14], pkt.Fragments)
	if len(pkt.Payload) > 0 {
		copy(buf[HeaderSize:], pkt.Payload)
	}
	return buf
}

// Decode deserializes a byte slice into a Packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	pkt := &Packet{
		Type:      data[0],
		Role:      Role(data[1]),
		Sequence:  binary.BigEndian.Uint64(data[2:10]),
		Fragment:  binary.BigEndian.Uint16(data[10:12]),
		Fragments: binary.BigEndian.Uint16(data[12:14]),
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
