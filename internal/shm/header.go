// Package shm implements the file-backed channel shared between the host and
// the guest: a fixed 64-byte header followed by a fixed-capacity payload.
//
// A channel has exactly one writer and any number of readers. There is no
// locking; readers detect fresh data through the header sequence number and
// discard anything that looks torn or malformed.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies an initialized channel.
var Magic = [4]byte{'R', 'P', 'I', 'M'}

const (
	// Version is the protocol version written by this implementation.
	Version uint16 = 1

	// HeaderSize is the fixed on-disk header size.
	// Layout: Magic(4) Version(2) HeaderSize(2) Width(4) Height(4) Stride(4)
	// PayloadSize(4) Sequence(8) TimestampUS(8) Flags(4) Reserved(20).
	HeaderSize = 64

	sequenceOffset = 24
)

// Header flags.
const (
	FlagUnavailable uint32 = 1 << 0
	FlagError       uint32 = 1 << 1
)

var (
	ErrShortHeader = errors.New("shm: incomplete header")
	ErrBadMagic    = errors.New("shm: bad magic")
	ErrVersion     = errors.New("shm: unsupported protocol version")
	ErrHeaderSize  = errors.New("shm: unexpected header size")
	ErrCapacity    = errors.New("shm: payload size exceeds channel capacity")
	ErrTornRead    = errors.New("shm: sequence changed during read")
	ErrClosed      = errors.New("shm: channel closed")
)

// Header is the decoded channel header.
type Header struct {
	Magic       [4]byte
	Version     uint16
	HeaderSize  uint16
	Width       uint32
	Height      uint32
	Stride      uint32
	PayloadSize uint32
	Sequence    uint64
	TimestampUS uint64
	Flags       uint32
}

// EncodeHeader serializes h into buf, which must be at least HeaderSize bytes.
// The reserved tail is zero-filled.
func EncodeHeader(h *Header, buf []byte) {
	_ = buf[HeaderSize-1]
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.Width)
	binary.LittleEndian.PutUint32(buf[12:16], h.Height)
	binary.LittleEndian.PutUint32(buf[16:20], h.Stride)
	binary.LittleEndian.PutUint32(buf[20:24], h.PayloadSize)
	binary.LittleEndian.PutUint64(buf[24:32], h.Sequence)
	binary.LittleEndian.PutUint64(buf[32:40], h.TimestampUS)
	binary.LittleEndian.PutUint32(buf[40:44], h.Flags)
	clear(buf[44:HeaderSize])
}

// DecodeHeader parses the first HeaderSize bytes of data. It does not
// validate the contents; see Header.Validate.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes (need %d)", ErrShortHeader, len(data), HeaderSize)
	}
	var h Header
	copy(h.Magic[:], data[0:4])
	h.Version = binary.LittleEndian.Uint16(data[4:6])
	h.HeaderSize = binary.LittleEndian.Uint16(data[6:8])
	h.Width = binary.LittleEndian.Uint32(data[8:12])
	h.Height = binary.LittleEndian.Uint32(data[12:16])
	h.Stride = binary.LittleEndian.Uint32(data[16:20])
	h.PayloadSize = binary.LittleEndian.Uint32(data[20:24])
	h.Sequence = binary.LittleEndian.Uint64(data[24:32])
	h.TimestampUS = binary.LittleEndian.Uint64(data[32:40])
	h.Flags = binary.LittleEndian.Uint32(data[40:44])
	return h, nil
}

// Validate reports whether h was written by a compatible writer.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if h.HeaderSize != HeaderSize {
		return fmt.Errorf("%w: %d", ErrHeaderSize, h.HeaderSize)
	}
	return nil
}

// HasFlag reports whether all bits of flag are set.
func (h *Header) HasFlag(flag uint32) bool {
	return h.Flags&flag == flag
}
