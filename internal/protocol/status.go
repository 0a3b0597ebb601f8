package protocol

import (
	"bytes"
	"encoding/binary"
)

// StatusPayloadSize is the size of a status record: Code(4) + Detail(4) +
// Message(248).
const StatusPayloadSize = 256

const statusMessageSize = StatusPayloadSize - 8

// StatusCode reports the host's view of the guest.
type StatusCode uint32

const (
	StatusOK StatusCode = iota
	StatusUnavailable
	StatusGuestMissing
	StatusImageMissing
	StatusShmError
	StatusGuestFailed
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusUnavailable:
		return "unavailable"
	case StatusGuestMissing:
		return "guest-missing"
	case StatusImageMissing:
		return "image-missing"
	case StatusShmError:
		return "shm-error"
	case StatusGuestFailed:
		return "guest-failed"
	}
	return "unknown"
}

// Status is the record published on the status channel.
type Status struct {
	Code    StatusCode
	Detail  uint32
	Message string
}

// EncodeStatus serializes s. The message is truncated to 247 bytes so the
// record always stays NUL-terminated.
func EncodeStatus(s Status) []byte {
	buf := make([]byte, StatusPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.Code))
	binary.LittleEndian.PutUint32(buf[4:8], s.Detail)
	msg := s.Message
	if len(msg) > statusMessageSize-1 {
		msg = msg[:statusMessageSize-1]
	}
	copy(buf[8:], msg)
	return buf
}

// DecodeStatus parses a status payload. ok is false when the payload is too
// short to hold the code and detail.
func DecodeStatus(payload []byte) (s Status, ok bool) {
	if len(payload) < 8 {
		return Status{}, false
	}
	s.Code = StatusCode(binary.LittleEndian.Uint32(payload[0:4]))
	s.Detail = binary.LittleEndian.Uint32(payload[4:8])
	msg := payload[8:]
	if i := bytes.IndexByte(msg, 0); i >= 0 {
		msg = msg[:i]
	}
	s.Message = string(msg)
	return s, true
}
