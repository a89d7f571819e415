package web

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/session"
	"github.com/1ureka/reattach/internal/transport"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "wg")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.Default()
	cfg.BaseDir = filepath.Join(dir, "base")
	return cfg
}

// receivePayload waits for the next non-empty message on ch.
func receivePayload(t *testing.T, ch *session.Channel) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(ch.Fd()), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, 100); err != nil && !errors.Is(err, unix.EINTR) {
			t.Fatalf("poll: %v", err)
		}
		msg, err := ch.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if msg != nil && len(msg.Payload) > 0 {
			return msg.Payload
		}
	}
	t.Fatal("no message received")
	return nil
}

func openGateway(t *testing.T) (*session.Channel, *Gateway, <-chan error) {
	t.Helper()
	cfg := testConfig(t)
	srv, err := session.Listen(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	gw, err := Open(cfg, srv.ID, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	done := make(chan error, 1)
	go func() { done <- gw.Serve(context.Background()) }()
	return srv, gw, done
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestGatewayBridgesBothWays(t *testing.T) {
	srv, gw, done := openGateway(t)
	conn := dial(t, gw.URL())

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := string(receivePayload(t, srv)); got != "hello" {
		t.Fatalf("server received %q, want hello", got)
	}

	if _, err := srv.Send([]byte("world")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage || string(data) != "world" {
		t.Fatalf("websocket got (%d, %q), want binary world", mt, data)
	}

	conn.Close()
	if err := waitServe(t, done); err != nil {
		t.Fatalf("Serve = %v, want nil after the client leaves", err)
	}
}

func TestGatewayLargeMessage(t *testing.T) {
	srv, gw, _ := openGateway(t)
	conn := dial(t, gw.URL())

	payload := []byte(strings.Repeat("0123456789", 500))
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got []byte
	for len(got) < len(payload) {
		got = append(got, receivePayload(t, srv)...)
	}
	if string(got) != string(payload) {
		t.Fatalf("server received %d bytes that differ from the %d sent", len(got), len(payload))
	}
}

func TestGatewayWaitsForSlowSession(t *testing.T) {
	srv, gw, _ := openGateway(t)
	conn := dial(t, gw.URL())

	payload := []byte(strings.Repeat("abcdefghij", 20000))
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The session queue fills while nothing reads it.
	time.Sleep(200 * time.Millisecond)

	var got []byte
	for len(got) < len(payload) {
		got = append(got, receivePayload(t, srv)...)
	}
	if string(got) != string(payload) {
		t.Fatalf("server received %d bytes that differ from the %d sent", len(got), len(payload))
	}
}

func TestGatewayRejectsWrongPIN(t *testing.T) {
	_, gw, _ := openGateway(t)

	url := "ws://" + gw.Addr().String() + "/ws?pin=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial with a wrong PIN succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}
}

func TestGatewayAcceptsOnlyFirstClient(t *testing.T) {
	_, gw, _ := openGateway(t)
	dial(t, gw.URL())

	second := dial(t, gw.URL())
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("second client read = %v, want policy violation close", err)
	}
}

func TestGatewaySessionEnds(t *testing.T) {
	srv, gw, done := openGateway(t)
	conn := dial(t, gw.URL())

	srv.Close()
	err := waitServe(t, done)
	if !errors.Is(err, transport.ErrPeerGone) {
		t.Fatalf("Serve = %v, want ErrPeerGone", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("client read = %v, want going-away close", err)
	}
}

func TestGatewaySingleAttachment(t *testing.T) {
	cfg := testConfig(t)
	srv, err := session.Listen(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	first, err := Open(cfg, srv.ID, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer first.Close()

	if _, err := Open(cfg, srv.ID, "127.0.0.1:0", nil); !errors.Is(err, transport.ErrAddressInUse) {
		t.Fatalf("second Open = %v, want ErrAddressInUse", err)
	}
}

func TestGeneratePIN(t *testing.T) {
	pin := generatePIN(PINLength)
	if len(pin) != PINLength {
		t.Fatalf("len = %d, want %d", len(pin), PINLength)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			t.Fatalf("PIN %q has a non-digit", pin)
		}
	}
}
