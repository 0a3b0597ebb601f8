package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handoffTimeout bounds how long a claimed viewer waits for Accept.
const handoffTimeout = 5 * time.Second

// server is the host-side WebSocket endpoint viewers connect to. It stays
// up for the whole host session so a viewer can reconnect.
type server struct {
	pin      string
	listener net.Listener
	httpSrv  *http.Server
	connCh   chan *websocket.Conn

	mu       sync.Mutex
	attached bool // a viewer holds the slot, from upgrade until release
}

func newServer(pin string) *server {
	return &server{
		pin:    pin,
		connCh: make(chan *websocket.Conn),
	}
}

// start begins listening on addr ("host:0" picks a free port).
func (s *server) start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = s.httpSrv.Serve(listener)
	}()
	return nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.pin)) != 1 {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// One viewer at a time.
	if !s.claim() {
		reject(conn, "already connected")
		return
	}
	select {
	case s.connCh <- conn:
	case <-time.After(handoffTimeout):
		s.release()
		reject(conn, "host busy")
	}
}

func reject(conn *websocket.Conn, reason string) {
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	conn.Close()
}

// claim takes the viewer slot if it is free.
func (s *server) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return false
	}
	s.attached = true
	return true
}

// release frees the viewer slot.
func (s *server) release() {
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

// waitForClient blocks until a viewer connects or ctx is cancelled.
func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close stops accepting viewers.
func (s *server) close() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}

// connect dials the given WebSocket URL.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
