package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/util"
)

const (
	highWaterMark = 256 * 1024 // image updates are skipped above this
	lowWaterMark  = 64 * 1024  // a waiting close packet resumes below this
	queueSize     = 64
)

// dataChannel is the part of *webrtc.DataChannel the writer uses.
type dataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
}

// writer is the single goroutine that writes mirror packets to the
// DataChannel. When the channel is congested it skips whole image updates
// (every fragment of the same role and sequence) rather than stalling the
// publisher; small updates and close packets always go out.
type writer struct {
	queue chan *protocol.Packet
	low   chan struct{}

	skipping bool
	skipRole protocol.Role
	skipSeq  uint64
}

func newWriter() *writer {
	return &writer{
		queue: make(chan *protocol.Packet, queueSize),
		low:   make(chan struct{}, 1),
	}
}

// start wires the low-water callback on dc and runs the loop until ctx is
// cancelled. Nothing is written before open is closed.
func (w *writer) start(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}) {
	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case w.low <- struct{}{}:
		default:
		}
	})
	go w.loop(ctx, dc, open)
}

func (w *writer) loop(ctx context.Context, dc dataChannel, open <-chan struct{}) {
	select {
	case <-open:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case pkt := <-w.queue:
			if !w.admit(pkt, dc.BufferedAmount()) {
				util.Stats.AddDropped()
				continue
			}
			if pkt.Type == protocol.TypeClose && dc.BufferedAmount() > highWaterMark {
				select {
				case <-w.low:
				case <-ctx.Done():
					return
				}
			}

			data := protocol.Encode(pkt)
			if err := dc.Send(data); err != nil {
				util.LogError("failed to send %s update %d: %v", pkt.Role, pkt.Sequence, err)
				return
			}
			util.Stats.AddSent(len(data))
		case <-ctx.Done():
			return
		}
	}
}

// admit decides whether pkt is written given the bytes still buffered on
// the channel. The decision for an image update is taken on its first
// fragment and applies to the rest.
func (w *writer) admit(pkt *protocol.Packet, buffered uint64) bool {
	if pkt.Type != protocol.TypeUpdate || !pkt.Role.IsImage() {
		return true
	}
	if pkt.Fragment == 0 {
		w.skipping = buffered > highWaterMark
		w.skipRole, w.skipSeq = pkt.Role, pkt.Sequence
		return !w.skipping
	}
	return !(w.skipping && pkt.Role == w.skipRole && pkt.Sequence == w.skipSeq)
}

// enqueue hands pkt to the loop. It blocks while the queue is full and
// returns without queueing once ctx is done.
func (w *writer) enqueue(ctx context.Context, pkt *protocol.Packet) {
	select {
	case w.queue <- pkt:
	case <-ctx.Done():
	}
}
