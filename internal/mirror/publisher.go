package mirror

import (
	"context"
	"sync"

	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/shm"
	"github.com/1ureka/rpibridge/internal/util"
)

// QueueSize is how many records may wait for encoding before Publish starts
// dropping them.
const QueueSize = 32

// Sink delivers encoded packets to a viewer. transport.Transport is the
// production Sink.
type Sink interface {
	Send(pkt *protocol.Packet)
}

type job struct {
	role protocol.Role
	rec  shm.Record
}

// Publisher mirrors channel records to at most one attached Sink. Publish
// never blocks: records are queued and encoded on the Run goroutine, and
// dropped when the queue is full or no viewer is attached.
type Publisher struct {
	comp  Compression
	queue chan job

	mu   sync.Mutex
	sink Sink

	// Owned by the Run goroutine.
	lastDigest map[protocol.Role][32]byte
	generation uint64
	seen       uint64
}

// NewPublisher returns a Publisher compressing image payloads with comp.
func NewPublisher(comp Compression) *Publisher {
	return &Publisher{
		comp:       comp,
		queue:      make(chan job, QueueSize),
		lastDigest: make(map[protocol.Role][32]byte),
	}
}

// Attach routes future records to sink, replacing any previous one.
func (p *Publisher) Attach(sink Sink) {
	p.mu.Lock()
	p.sink = sink
	p.generation++
	p.mu.Unlock()
}

// Detach stops mirroring to sink. It does nothing if another sink has been
// attached since.
func (p *Publisher) Detach(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink == sink {
		p.sink = nil
		p.generation++
	}
}

// Shutdown tells the attached viewer the session is over and detaches it.
func (p *Publisher) Shutdown() {
	sink, _ := p.current()
	if sink == nil {
		return
	}
	p.Detach(sink)
	sink.Send(&protocol.Packet{Type: protocol.TypeClose, Role: protocol.RoleStatus})
}

func (p *Publisher) current() (Sink, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink, p.generation
}

// Publish queues rec for role. It satisfies host.Publisher.
func (p *Publisher) Publish(role protocol.Role, rec shm.Record) {
	if sink, _ := p.current(); sink == nil {
		return
	}
	select {
	case p.queue <- job{role: role, rec: rec}:
	default:
		util.Stats.AddDropped()
	}
}

// Run encodes and sends queued records until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case j := <-p.queue:
			p.send(j)
		case <-ctx.Done():
			return
		}
	}
}

// send encodes one record. Image frames whose pixels did not change since
// the last one sent to this sink are skipped.
func (p *Publisher) send(j job) {
	sink, generation := p.current()
	if sink == nil {
		return
	}
	if generation != p.seen {
		// A new viewer gets full frames again.
		clear(p.lastDigest)
		p.seen = generation
	}

	comp := CompressionNone
	if j.role.IsImage() {
		comp = p.comp
	}
	update := NewUpdate(j.rec, comp)

	if j.role.IsImage() {
		digest := [32]byte(update.Digest)
		if last, ok := p.lastDigest[j.role]; ok && last == digest {
			return
		}
		p.lastDigest[j.role] = digest
	}

	body, err := update.Marshal()
	if err != nil {
		util.LogError("failed to encode %s update %d: %v", j.role, j.rec.Header.Sequence, err)
		return
	}
	packets := fragment(j.role, j.rec.Header.Sequence, body)
	if packets == nil {
		util.LogWarning("%s update %d is too large to mirror (%d bytes)", j.role, j.rec.Header.Sequence, len(body))
		return
	}
	for _, pkt := range packets {
		sink.Send(pkt)
	}
}
