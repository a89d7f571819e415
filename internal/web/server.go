package web

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server accepts exactly one PIN-authenticated WebSocket client on /ws.
type server struct {
	pin      string
	listener net.Listener
	http     *http.Server
	accepted atomic.Bool
	connCh   chan *websocket.Conn
}

func newServer(pin string) *server {
	return &server{
		pin:    pin,
		connCh: make(chan *websocket.Conn, 1),
	}
}

// start begins listening on addr (":0" picks a port) and returns the bound
// address.
func (s *server) start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = s.http.Serve(listener)
	}()

	return listener.Addr(), nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if pin != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	// Only accept the first client.
	first := s.accepted.CompareAndSwap(false, true)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if first {
			s.accepted.Store(false)
		}
		return
	}

	if !first {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
		return
	}
	s.connCh <- conn
}

// waitForClient blocks until a client connects or context is cancelled.
func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close shuts down the listener, preventing new connections. Hijacked
// WebSocket connections are unaffected.
func (s *server) close() {
	if s.http != nil {
		s.http.Close()
	}
}

// generatePIN returns a random numeric PIN of the specified length.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
