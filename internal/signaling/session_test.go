package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/1ureka/rpibridge/internal/transport"
)

// recordingConn captures what a session writes. Reads are never used: the
// tests call handle directly.
type recordingConn struct {
	mu      sync.Mutex
	written []message
}

func (c *recordingConn) ReadJSON(v any) error { return errors.New("not readable") }

func (c *recordingConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(message))
	return nil
}

func (c *recordingConn) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.written...)
}

func newTestTransport(t *testing.T) *transport.Transport {
	t.Helper()
	tr, err := transport.NewTransport(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func hostOffer(t *testing.T) string {
	t.Helper()
	offer, err := newTestTransport(t).CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	return offer.SDP
}

const loopbackCandidate = `{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`

func TestHostRejectsOffer(t *testing.T) {
	s := newSession(sideHost, newTestTransport(t), &recordingConn{})
	err := s.handle(message{Type: msgTypeOffer, SDP: hostOffer(t)})
	if !errors.Is(err, errUnexpectedOffer) {
		t.Fatalf("handle(offer) on host = %v, want errUnexpectedOffer", err)
	}
}

func TestViewerAnswersSingleOffer(t *testing.T) {
	conn := &recordingConn{}
	s := newSession(sideViewer, newTestTransport(t), conn)
	offer := hostOffer(t)

	if err := s.handle(message{Type: msgTypeOffer, SDP: offer}); err != nil {
		t.Fatalf("handle(offer): %v", err)
	}
	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].Type != msgTypeAnswer || msgs[0].SDP == "" {
		t.Fatalf("written = %+v, want one answer", msgs)
	}

	err := s.handle(message{Type: msgTypeOffer, SDP: offer})
	if !errors.Is(err, errUnexpectedOffer) {
		t.Fatalf("second offer = %v, want errUnexpectedOffer", err)
	}
	if err := s.handle(message{Type: msgTypeAnswer, SDP: offer}); !errors.Is(err, errUnexpectedAnswer) {
		t.Fatalf("answer on viewer = %v, want errUnexpectedAnswer", err)
	}
}

func TestCandidatesBeforeOfferAreHeld(t *testing.T) {
	s := newSession(sideViewer, newTestTransport(t), &recordingConn{})

	if err := s.handle(message{Type: msgTypeCandidate, Candidate: loopbackCandidate}); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if len(s.pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(s.pending))
	}

	if err := s.handle(message{Type: msgTypeOffer, SDP: hostOffer(t)}); err != nil {
		t.Fatalf("handle(offer): %v", err)
	}
	if len(s.pending) != 0 {
		t.Errorf("pending = %d after the offer, want 0", len(s.pending))
	}
}

func TestBadCandidateFailsBeforeReady(t *testing.T) {
	s := newSession(sideViewer, newTestTransport(t), &recordingConn{})
	if err := s.handle(message{Type: msgTypeCandidate, Candidate: "{"}); err == nil {
		t.Fatal("malformed candidate accepted")
	}
}
