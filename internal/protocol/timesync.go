package protocol

import (
	"encoding/binary"
	"math"
)

// TimeSyncPayloadSize is the size of a time-sync record.
const TimeSyncPayloadSize = 16

// TimeSync pairs simulation time with the wall clock.
type TimeSync struct {
	SimSeconds float64
	UTCTicks   int64
}

// DecodeTimeSync parses a time-sync payload. ok is false for payloads
// shorter than 16 bytes.
func DecodeTimeSync(payload []byte) (ts TimeSync, ok bool) {
	if len(payload) < TimeSyncPayloadSize {
		return TimeSync{}, false
	}
	return TimeSync{
		SimSeconds: math.Float64frombits(binary.LittleEndian.Uint64(payload[0:8])),
		UTCTicks:   int64(binary.LittleEndian.Uint64(payload[8:16])),
	}, true
}

// EncodeTimeSync serializes ts.
func EncodeTimeSync(ts TimeSync) []byte {
	buf := make([]byte, TimeSyncPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(ts.SimSeconds))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ts.UTCTicks))
	return buf
}
