package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rpibridge/internal/transport"
	"github.com/1ureka/rpibridge/internal/util"
)

// side is which end of the mirror a session negotiates for. The host
// always offers and the viewer always answers.
type side int

const (
	sideHost side = iota
	sideViewer
)

func (s side) String() string {
	if s == sideHost {
		return "host"
	}
	return "viewer"
}

var (
	errUnexpectedOffer  = errors.New("signaling: unexpected offer")
	errUnexpectedAnswer = errors.New("signaling: unexpected answer")
)

// wsConn is the part of *websocket.Conn a session uses.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}

// session runs one offer/answer exchange over a WebSocket. There is a
// single offer per session: a viewer that wants to renegotiate reconnects.
type session struct {
	side side
	tr   *transport.Transport
	conn wsConn

	writeMu sync.Mutex

	// Owned by the read loop.
	described bool
	pending   []webrtc.ICECandidateInit
}

func newSession(sd side, tr *transport.Transport, conn wsConn) *session {
	return &session{side: sd, tr: tr, conn: conn}
}

func (s *session) write(msg message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// offer creates the host's offer, sets it locally and sends it.
func (s *session) offer() error {
	sdp, err := s.tr.CreateOffer()
	if err != nil {
		return err
	}
	if err := s.tr.SetLocalDescription(sdp); err != nil {
		return err
	}
	return s.write(message{Type: msgTypeOffer, SDP: sdp.SDP})
}

// trickle sends a locally gathered candidate. Failures are ignored: the
// WebSocket is closed as soon as the DataChannel opens, and candidates
// gathered after that are not needed.
func (s *session) trickle(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return
	}
	if err := s.write(message{Type: msgTypeCandidate, Candidate: string(data)}); err != nil {
		util.LogDebug("dropping ICE candidate: %v", err)
	}
}

// run reads messages until the WebSocket closes or one cannot be applied.
func (s *session) run() error {
	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading WS message: %w", err)
		}
		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *session) handle(msg message) error {
	switch msg.Type {
	case msgTypeOffer:
		if s.side != sideViewer || s.described {
			return fmt.Errorf("%w on the %s side", errUnexpectedOffer, s.side)
		}
		if err := s.describe(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}
		answer, err := s.tr.CreateAnswer()
		if err != nil {
			return err
		}
		if err := s.tr.SetLocalDescription(answer); err != nil {
			return err
		}
		return s.write(message{Type: msgTypeAnswer, SDP: answer.SDP})

	case msgTypeAnswer:
		if s.side != sideHost || s.described {
			return fmt.Errorf("%w on the %s side", errUnexpectedAnswer, s.side)
		}
		return s.describe(webrtc.SDPTypeAnswer, msg.SDP)

	case msgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("parsing ICE candidate: %w", err)
		}
		if !s.described {
			s.pending = append(s.pending, init)
			return nil
		}
		return s.addCandidate(init)
	}
	util.LogDebug("ignoring signaling message %q", msg.Type)
	return nil
}

// describe applies the remote description and then any candidates that
// arrived ahead of it.
func (s *session) describe(typ webrtc.SDPType, sdp string) error {
	if err := s.tr.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return err
	}
	s.described = true
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.addCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// addCandidate applies a remote candidate. Once the DataChannel is open a
// late candidate that fails is only logged.
func (s *session) addCandidate(c webrtc.ICECandidateInit) error {
	err := s.tr.AddICECandidate(c)
	if err == nil {
		return nil
	}
	select {
	case <-s.tr.Ready():
		util.LogDebug("ignoring late ICE candidate: %v", err)
		return nil
	default:
		return err
	}
}
