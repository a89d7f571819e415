// Package web bridges a session's control channel to a single WebSocket
// client, so a browser terminal can attach to a detached command the same
// way a local terminal does.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/protocol"
	"github.com/1ureka/reattach/internal/session"
	"github.com/1ureka/reattach/internal/transport"
	"github.com/1ureka/reattach/internal/util"
)

const (
	// PINLength is the number of digits in a gateway PIN.
	PINLength = 6

	// pollInterval bounds how long a pump waits on the channel before it
	// rechecks cancellation and server liveness.
	pollInterval = 200 * time.Millisecond
)

// errDisconnected ends the pumps when the WebSocket client leaves.
var errDisconnected = errors.New("websocket client disconnected")

// Gateway holds one session's client endpoint and the WebSocket server a
// browser connects to in its place.
type Gateway struct {
	ch     *session.Channel
	srv    *server
	addr   net.Addr
	pin    string
	logger *pterm.Logger
	stats  *util.Stats
}

// Open attaches to session id as its client and starts listening for a
// WebSocket client on listen. The single-attachment rule applies: Open
// fails while another client is attached.
func Open(cfg config.Config, id, listen string, logger *pterm.Logger) (*Gateway, error) {
	if logger == nil {
		logger = util.Discard()
	}
	stats := &util.Stats{}

	ch, err := session.Dial(cfg, id, logger, stats)
	if err != nil {
		return nil, err
	}

	pin := generatePIN(PINLength)
	srv := newServer(pin)
	addr, err := srv.start(listen)
	if err != nil {
		ch.Close()
		return nil, err
	}
	logger.Info("websocket gateway listening", logger.Args("id", id, "addr", addr.String()))

	return &Gateway{ch: ch, srv: srv, addr: addr, pin: pin, logger: logger, stats: stats}, nil
}

// Addr returns the address the gateway listens on.
func (g *Gateway) Addr() net.Addr { return g.addr }

// PIN returns the PIN a client must present.
func (g *Gateway) PIN() string { return g.pin }

// URL returns the WebSocket URL for the gateway, PIN included.
func (g *Gateway) URL() string {
	return fmt.Sprintf("ws://%s/ws?pin=%s", g.addr, g.pin)
}

// Stats returns the traffic counters of the gateway's channel.
func (g *Gateway) Stats() *util.Stats { return g.stats }

// Serve waits for the WebSocket client and relays until it disconnects
// (nil), the session goes away (transport.ErrPeerGone), or ctx ends.
func (g *Gateway) Serve(ctx context.Context) error {
	conn, err := g.srv.waitForClient(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	g.logger.Info("websocket client connected", g.logger.Args("remote", conn.RemoteAddr().String()))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.pumpToChannel(egCtx, conn) })
	eg.Go(func() error { return g.pumpToSocket(egCtx, conn) })
	go func() {
		<-egCtx.Done()
		conn.Close()
	}()

	err = eg.Wait()
	switch {
	case errors.Is(err, errDisconnected):
		g.logger.Info("websocket client disconnected")
		return nil
	case errors.Is(err, transport.ErrPeerGone):
		g.logger.Info("session ended", g.logger.Args("id", g.ch.ID))
		return fmt.Errorf("session %s ended: %w", g.ch.ID, err)
	default:
		return err
	}
}

// pumpToChannel forwards WebSocket messages to the channel, resuming
// partial sends from the returned offset. A refused send is retried after
// a growing delay, since a datagram socket always polls writable.
func (g *Gateway) pumpToChannel(ctx context.Context, conn *websocket.Conn) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Millisecond
	retry.MaxInterval = pollInterval
	retry.MaxElapsedTime = 0

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", errDisconnected, err)
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		for off := 0; off < len(data); {
			end := min(off+protocol.MaxPayloadSize, len(data))
			n, err := g.ch.Send(data[off:end])
			off += n
			switch {
			case errors.Is(err, transport.ErrPeerGone):
				return sessionEnded(conn, err)
			case err != nil && !errors.Is(err, transport.ErrPeerStalled):
				return err
			}
			if n > 0 {
				retry.Reset()
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retry.NextBackOff()):
			}
		}
	}
}

// pumpToSocket forwards channel messages to the WebSocket client. Between
// messages it checks that the server endpoint is still alive.
func (g *Gateway) pumpToSocket(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := waitFd(g.ch.Fd(), unix.POLLIN, pollInterval); err != nil {
			return err
		}
		msg, err := g.ch.Receive()
		if err != nil {
			return err
		}
		if msg == nil {
			if !transport.Alive(g.ch.ServerPath) {
				return sessionEnded(conn, transport.ErrPeerGone)
			}
			continue
		}
		if len(msg.Payload) == 0 {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, msg.Payload); err != nil {
			return fmt.Errorf("%w: %v", errDisconnected, err)
		}
	}
}

// sessionEnded tells the WebSocket client the session is over and returns
// err.
func sessionEnded(conn *websocket.Conn, err error) error {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"),
		time.Now().Add(time.Second))
	return err
}

// waitFd waits up to timeout for fd to report events. A timeout is not an
// error.
func waitFd(fd int, events int16, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	_, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("poll: %w", err)
	}
	return nil
}

// Close stops listening and detaches from the session.
func (g *Gateway) Close() error {
	g.srv.close()
	return g.ch.Close()
}
