package host

import (
	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/shm"
	"github.com/1ureka/rpibridge/internal/util"
)

// pollRoles are the channels the host reads. Status is written by the host
// itself and never polled.
var pollRoles = []protocol.Role{
	protocol.RoleDisplay,
	protocol.RoleCamera,
	protocol.RoleGPIO,
	protocol.RoleIMU,
	protocol.RoleTime,
	protocol.RoleNetwork,
}

// poller remembers the last sequence seen per role.
type poller struct {
	session *Session
	cursors map[protocol.Role]uint64

	anomalies uint64 // last total reported to util.Stats
}

func newPoller(s *Session) *poller {
	return &poller{session: s, cursors: make(map[protocol.Role]uint64)}
}

// advance moves role's cursor past seq without reporting an update. The
// host uses it for records it wrote itself.
func (p *poller) advance(role protocol.Role, seq uint64) {
	if seq > p.cursors[role] {
		p.cursors[role] = seq
	}
}

// update is one fresh record found by poll.
type update struct {
	role protocol.Role
	rec  shm.Record
}

// poll reads every channel once and returns the fresh records in role
// order. Read failures are passed to onError and do not stop the sweep.
func (p *poller) poll(onError func(protocol.Role, error)) []update {
	var updates []update
	for _, role := range pollRoles {
		ch := p.session.Channel(role)
		rec, ok, err := ch.ReadIfNew(p.cursors[role])
		if err != nil {
			onError(role, err)
			continue
		}
		if !ok {
			continue
		}
		p.cursors[role] = rec.Header.Sequence
		updates = append(updates, update{role: role, rec: rec})
	}

	if total := p.session.Anomalies(); total > p.anomalies {
		util.Stats.AddAnomalies(total - p.anomalies)
		util.LogDebug("discarded %d malformed or torn reads", total-p.anomalies)
		p.anomalies = total
	}
	return updates
}
