package transport

import (
	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. No TURN: a viewer is expected
// to reach the host directly, usually on the same LAN.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection configured with Google STUN servers.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated mirror DataChannel (ID 0) on
// pc. It is unordered with no retransmits: a lost fragment loses only that
// update, and the next one supersedes it anyway.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	retransmits := uint16(0)
	id := uint16(0)

	return pc.CreateDataChannel("mirror", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}
