// Package signaling runs the WebSocket phase that turns a viewer connection
// into a ready mirror Transport. All WebSocket and SDP/ICE details are
// internal; callers receive a Transport whose DataChannel is open.
package signaling

import (
	"context"
	"fmt"
	"net"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rpibridge/internal/transport"
	"github.com/1ureka/rpibridge/internal/util"
)

// Listener is the host side: a PIN-gated WebSocket server that accepts one
// viewer at a time.
type Listener struct {
	srv *server
}

// Listen starts the signaling server on addr. Viewers must present pin as
// the "pin" query parameter of ws://<addr>/ws.
func Listen(addr, pin string) (*Listener, error) {
	srv := newServer(pin)
	if err := srv.start(addr); err != nil {
		return nil, err
	}
	return &Listener{srv: srv}, nil
}

// Addr returns the address the server listens on.
func (l *Listener) Addr() net.Addr {
	return l.srv.listener.Addr()
}

// Close stops the server. Transports already returned by Accept stay up.
func (l *Listener) Close() {
	l.srv.close()
}

// Accept executes the host-side signaling flow for the next viewer:
//  1. Wait for the viewer's WebSocket
//  2. Create a Transport
//  3. Send the offer and trickle ICE candidates
//  4. Wait for the DataChannel to be ready
//  5. Close the WebSocket and return the Transport
//
// The server turns other viewers away until the returned Transport is done
// or signaling fails.
func (l *Listener) Accept(ctx context.Context) (*transport.Transport, error) {
	wsConn, err := l.srv.waitForClient(ctx)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogInfo("Viewer connected from %s", wsConn.RemoteAddr())

	tr, err := transport.NewTransport(ctx)
	if err != nil {
		l.srv.release()
		return nil, fmt.Errorf("failed to create Transport: %w", err)
	}

	s, errCh := exchange(sideHost, tr, wsConn)
	if err := s.offer(); err != nil {
		tr.Close()
		l.srv.release()
		return nil, fmt.Errorf("failed to send Offer: %w", err)
	}

	if _, err := awaitReady(ctx, tr, errCh); err != nil {
		l.srv.release()
		return nil, err
	}
	go func() {
		<-tr.Done()
		l.srv.release()
	}()
	return tr, nil
}

// EstablishAsClient executes the viewer-side signaling flow:
//  1. Connect to the host's WS server
//  2. Create a Transport
//  3. Answer the host's offer and trickle ICE candidates
//  4. Wait for the DataChannel to be ready
//  5. Close the WS connection and return the Transport
func EstablishAsClient(ctx context.Context, wsURL string) (*transport.Transport, error) {
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	tr, err := transport.NewTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Transport: %w", err)
	}

	_, errCh := exchange(sideViewer, tr, wsConn)
	return awaitReady(ctx, tr, errCh)
}

// exchange wires ICE trickling and starts the session's read loop. The loop
// exits when wsConn is closed.
func exchange(sd side, tr *transport.Transport, wsConn *websocket.Conn) (*session, <-chan error) {
	s := newSession(sd, tr, wsConn)
	tr.OnICECandidate(s.trickle)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.run()
	}()
	return s, errCh
}

func awaitReady(ctx context.Context, tr *transport.Transport, errCh <-chan error) (*transport.Transport, error) {
	select {
	case <-tr.Ready():
		util.LogDebug("WebRTC DataChannel established, closing WS")
		return tr, nil

	case err := <-errCh:
		tr.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		tr.Close()
		return nil, ctx.Err()
	}
}
