package mirror

import (
	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/util"
)

// MaxFragmentSize is the largest packet payload sent in one DataChannel
// message, leaving room for the packet header inside the 16 KiB that every
// SCTP implementation accepts.
const MaxFragmentSize = 16*1024 - protocol.HeaderSize

// maxFragments bounds how many fragments one update may use.
const maxFragments = 1<<16 - 1

// fragment splits body into update packets for role/seq. It returns nil
// when body needs more than maxFragments packets.
func fragment(role protocol.Role, seq uint64, body []byte) []*protocol.Packet {
	count := (len(body) + MaxFragmentSize - 1) / MaxFragmentSize
	if count == 0 {
		count = 1
	}
	if count > maxFragments {
		return nil
	}

	packets := make([]*protocol.Packet, 0, count)
	for i := range count {
		end := min((i+1)*MaxFragmentSize, len(body))
		packets = append(packets, &protocol.Packet{
			Type:      protocol.TypeUpdate,
			Role:      role,
			Sequence:  seq,
			Fragment:  uint16(i),
			Fragments: uint16(count),
			Payload:   body[i*MaxFragmentSize : end],
		})
	}
	return packets
}

// Reassembler rebuilds update bodies from fragments that may arrive out of
// order. It keeps at most one partial update per role: a fragment of a
// newer sequence discards the older partial, and fragments of a sequence
// older than the last completed one are ignored. It is goroutine-local and
// needs no locking.
type Reassembler struct {
	partial   map[protocol.Role]*partialUpdate
	completed map[protocol.Role]uint64
}

type partialUpdate struct {
	seq      uint64
	parts    [][]byte
	received int
	size     int
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		partial:   make(map[protocol.Role]*partialUpdate),
		completed: make(map[protocol.Role]uint64),
	}
}

// Feed processes one update packet. It returns the complete body once the
// last missing fragment arrives, or nil.
func (r *Reassembler) Feed(pkt *protocol.Packet) []byte {
	if done, ok := r.completed[pkt.Role]; ok && pkt.Sequence <= done {
		util.LogDebug("[%s] received fragment of old sequence %d (last %d), ignoring",
			pkt.Role, pkt.Sequence, done)
		return nil
	}

	count := int(max(pkt.Fragments, 1))
	index := int(pkt.Fragment)
	if index >= count {
		util.LogDebug("[%s] fragment %d/%d out of range, ignoring", pkt.Role, index, count)
		return nil
	}

	p := r.partial[pkt.Role]
	switch {
	case p == nil || pkt.Sequence > p.seq:
		if p != nil {
			util.LogDebug("[%s] dropping incomplete update %d (%d/%d fragments)",
				pkt.Role, p.seq, p.received, len(p.parts))
		}
		p = &partialUpdate{seq: pkt.Sequence, parts: make([][]byte, count)}
		r.partial[pkt.Role] = p
	case pkt.Sequence < p.seq:
		return nil
	case len(p.parts) != count:
		util.LogDebug("[%s] fragment count changed for update %d, ignoring", pkt.Role, pkt.Sequence)
		return nil
	}

	if p.parts[index] != nil {
		return nil
	}
	p.parts[index] = pkt.Payload
	p.received++
	p.size += len(pkt.Payload)
	if p.received < count {
		return nil
	}

	body := make([]byte, 0, p.size)
	for _, part := range p.parts {
		body = append(body, part...)
	}
	delete(r.partial, pkt.Role)
	r.completed[pkt.Role] = pkt.Sequence
	return body
}
