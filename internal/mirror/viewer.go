package mirror

import (
	"sync"

	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/util"
)

// Frame is the latest verified record the viewer holds for a role.
type Frame struct {
	Sequence uint64
	Update   Update
	Payload  []byte
}

// Viewer consumes mirror packets: it reassembles fragments, verifies
// digests and logs one line per update with the same wording the host uses.
type Viewer struct {
	reassembler *Reassembler
	logf        func(format string, args ...any)

	mu     sync.Mutex
	latest map[protocol.Role]Frame
}

// NewViewer returns a viewer logging through logf.
func NewViewer(logf func(format string, args ...any)) *Viewer {
	return &Viewer{
		reassembler: NewReassembler(),
		logf:        logf,
		latest:      make(map[protocol.Role]Frame),
	}
}

// Handle processes one packet. It reports true when the host announced the
// end of the session.
func (v *Viewer) Handle(pkt *protocol.Packet) (closed bool) {
	switch pkt.Type {
	case protocol.TypeClose:
		v.logf("Host closed the mirror")
		return true
	case protocol.TypeUpdate:
	default:
		util.LogDebug("unknown packet type %#x, ignoring", pkt.Type)
		return false
	}

	body := v.reassembler.Feed(pkt)
	if body == nil {
		return false
	}
	update, err := UnmarshalUpdate(body)
	if err != nil {
		util.LogWarning("[%s] %v", pkt.Role, err)
		return false
	}
	payload, err := update.Payload()
	if err != nil {
		util.LogWarning("[%s] update %d rejected: %v", pkt.Role, pkt.Sequence, err)
		return false
	}

	v.mu.Lock()
	v.latest[pkt.Role] = Frame{Sequence: pkt.Sequence, Update: update, Payload: payload}
	v.mu.Unlock()

	if line, ok := protocol.Describe(pkt.Role, pkt.Sequence, payload); ok {
		if pkt.Role.IsImage() {
			v.logf("%s %dx%d %s", line, update.Width, update.Height, update.Compression)
		} else {
			v.logf("%s", line)
		}
	}
	return false
}

// Latest returns the most recent verified frame for role.
func (v *Viewer) Latest(role protocol.Role) (Frame, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.latest[role]
	return f, ok
}
