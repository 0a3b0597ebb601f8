// Package protocol defines every byte format rpibridge speaks: the payload
// records carried by shared-memory channels (GPIO, IMU, time sync, network
// mode, status) and the packets that mirror channel updates to a remote
// viewer.
package protocol

// Packet type constants.
const (
	TypeUpdate uint8 = 0x01 // Channel update (CBOR body)
	TypeClose  uint8 = 0x02 // Publisher is shutting down
)

// HeaderSize is the fixed packet header size:
// Type(1) + Role(1) + Sequence(8) + Fragment(2) + Fragments(2).
const HeaderSize = 14

// Packet is one mirror message sent over the DataChannel. An update body
// larger than one message is split into Fragments packets sharing Role and
// Sequence.
type Packet struct {
	Type      uint8  // TypeUpdate or TypeClose
	Role      Role   // Channel the update came from
	Sequence  uint64 // Channel sequence number
	Fragment  uint16 // Index of this fragment, from 0
	Fragments uint16 // Total fragments; 0 is treated as 1
	Payload   []byte // Body fragment; empty for TypeClose
}
