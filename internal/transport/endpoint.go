// Package transport implements the control channel transport: a
// message-oriented, segmented protocol over a connectionless unix datagram
// socket bound to a filesystem path.
package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pterm/pterm"
	"golang.org/x/sys/unix"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/protocol"
	"github.com/1ureka/reattach/internal/util"
)

// Options tunes an Endpoint. The zero value is usable.
type Options struct {
	ReassemblyTimeout time.Duration // 0 keeps partial messages forever
	Logger            *pterm.Logger // nil discards
	Stats             *util.Stats   // nil disables counting
}

// Endpoint is one side of a control channel: a datagram socket bound to
// path that sends to peerPath.
//
// Send and Receive may run concurrently with each other (one sender, one
// receiver); neither may be called concurrently with itself.
type Endpoint struct {
	fd       int
	path     string
	peerPath string
	peerAddr *unix.SockaddrUnix
	role     config.Role
	writerID uint32

	seq       atomic.Uint32 // last message id sent
	reasm     *Reassembler
	connected atomic.Bool
	recvBuf   []byte

	logger *pterm.Logger
	stats  *util.Stats

	closeOnce sync.Once
	closeErr  error
}

// Bind creates a nonblocking datagram socket bound to path that will send
// to peerPath. A stale socket file left by a dead process is replaced; one
// held by a live process fails with ErrAddressInUse. Server endpoints are
// restricted to owner-only access.
func Bind(path, peerPath string, role config.Role, opts Options) (*Endpoint, error) {
	if path == "" || peerPath == "" {
		return nil, errors.New("bind: both path and peer path are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.Discard()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create socket directory %s: %v", ErrPermission, dir, err)
	}

	if err := reclaimStale(path); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	logger.Debug("bind", logger.Args("path", path, "peer", peerPath, "role", role))
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		switch {
		case errors.Is(err, unix.EADDRINUSE):
			return nil, fmt.Errorf("%w: %s", ErrAddressInUse, path)
		case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
			return nil, fmt.Errorf("%w: bind %s: %v", ErrPermission, path, err)
		default:
			return nil, fmt.Errorf("bind %s: %w", path, err)
		}
	}

	if role == config.RoleServer {
		if err := os.Chmod(path, 0o600); err != nil {
			unix.Close(fd)
			_ = os.Remove(path)
			return nil, fmt.Errorf("%w: chmod %s: %v", ErrPermission, path, err)
		}
	}

	return &Endpoint{
		fd:       fd,
		path:     path,
		peerPath: peerPath,
		peerAddr: &unix.SockaddrUnix{Name: peerPath},
		role:     role,
		writerID: uint32(os.Getpid()),
		reasm:    NewReassembler(opts.ReassemblyTimeout),
		recvBuf:  make([]byte, protocol.MaxDatagramSize+1),
		logger:   logger,
		stats:    opts.Stats,
	}, nil
}

// reclaimStale removes a socket file at path whose owner is gone.
func reclaimStale(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrPermission, path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", ErrAddressInUse, path)
	}
	if Alive(path) {
		return fmt.Errorf("%w: %s", ErrAddressInUse, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove stale socket %s: %v", ErrPermission, path, err)
	}
	return nil
}

// Alive reports whether a live process has a datagram socket bound to path.
// Connecting an unbound datagram socket succeeds only when a receiver
// exists; a leftover file refuses the connection.
func Alive(path string) bool {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	unix.CloseOnExec(fd)
	return unix.Connect(fd, &unix.SockaddrUnix{Name: path}) == nil
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// sendStallTimeout bounds how long Send waits for a full peer queue once
// the first segment of a message has been queued.
var sendStallTimeout = 5 * time.Second

// Send transmits payload as one message, split into as many segments as
// needed. It returns the number of payload bytes handed to the socket.
//
// A message is accepted whole or not at all: if the peer queue is full
// before the first segment, Send returns 0 without an error; once the
// first segment is queued, Send waits out a full queue for the rest. A
// peer that accepts nothing for sendStallTimeout fails the message with
// ErrPeerStalled and 0. If the peer is gone the endpoint is marked
// disconnected and Send returns the count so far with ErrPeerGone.
func (e *Endpoint) Send(payload []byte) (int, error) {
	segs, err := protocol.Split(e.writerID, e.seq.Add(1), payload)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i, seg := range segs {
		data := protocol.Encode(seg)
		err := e.sendDatagram(data)
		if i > 0 && errors.Is(err, unix.EAGAIN) {
			err = e.sendQueued(data)
		}
		switch {
		case err == nil:
			sent += len(seg.Payload)
		case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENOENT):
			e.logger.Debug("peer has disconnected", e.logger.Args("peer", e.peerPath))
			e.connected.Store(false)
			return sent, fmt.Errorf("%w: %s", ErrPeerGone, e.peerPath)
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case errors.Is(err, ErrPeerStalled):
			e.logger.Warn("peer stopped reading mid-message", e.logger.Args("peer", e.peerPath, "segment", i, "total", len(segs)))
			return 0, err
		default:
			return 0, fmt.Errorf("send to %s: %w", e.peerPath, err)
		}
	}

	e.connected.Store(true)
	if e.stats != nil {
		e.stats.AddSent()
	}
	return sent, nil
}

// sendQueued retries one datagram of a message that is already partly
// queued at the peer until the peer makes room.
func (e *Endpoint) sendQueued(data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Microsecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = sendStallTimeout

	err := backoff.Retry(func() error {
		err := e.sendDatagram(data)
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("%w: %s", ErrPeerStalled, e.peerPath)
	}
	return err
}

func (e *Endpoint) sendDatagram(data []byte) error {
	for {
		err := unix.Sendto(e.fd, data, 0, e.peerAddr)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Receive reads one queued datagram without blocking. It returns a message
// when that datagram completed one, and nil when nothing was queued or the
// message is still partial. Any datagram marks the endpoint connected.
// Malformed datagrams are logged and discarded.
func (e *Endpoint) Receive() (*Message, error) {
	var n int
	for {
		var err error
		n, _, err = unix.Recvfrom(e.fd, e.recvBuf, 0)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, fmt.Errorf("receive on %s: %w", e.path, err)
	}
	e.connected.Store(true)

	if n > protocol.MaxDatagramSize {
		e.drop("oversized datagram", n)
		return nil, nil
	}
	seg, err := protocol.Decode(e.recvBuf[:n])
	if err != nil {
		e.drop(err.Error(), n)
		return nil, nil
	}

	evicted := e.reasm.Evicted()
	msg, ok := e.reasm.Add(seg)
	if count := e.reasm.Evicted() - evicted; count > 0 {
		e.logger.Warn("evicted incomplete messages", e.logger.Args("count", count))
		for range count {
			e.countDrop()
		}
	}
	if !ok {
		e.drop("segment count disagrees with earlier segments", n)
		return nil, nil
	}
	if msg != nil && e.stats != nil {
		e.stats.AddRecv()
	}
	return msg, nil
}

func (e *Endpoint) drop(reason string, size int) {
	e.logger.Warn("dropping datagram", e.logger.Args("reason", reason, "size", size))
	e.countDrop()
}

func (e *Endpoint) countDrop() {
	if e.stats != nil {
		e.stats.AddDropped()
	}
}

// ---------------------------------------------------------------------------
// Accessors & lifecycle
// ---------------------------------------------------------------------------

// Fd returns the socket descriptor for readiness polling.
func (e *Endpoint) Fd() int { return e.fd }

// Path returns the bound socket path.
func (e *Endpoint) Path() string { return e.path }

// PeerPath returns the path Send delivers to.
func (e *Endpoint) PeerPath() string { return e.peerPath }

// Role returns the role the endpoint was bound with.
func (e *Endpoint) Role() config.Role { return e.role }

// WriterID returns the id stamped on every outgoing segment.
func (e *Endpoint) WriterID() uint32 { return e.writerID }

// Connected reports whether the last send or receive succeeded.
func (e *Endpoint) Connected() bool { return e.connected.Load() }

// Close releases the socket and removes its path. Safe to call repeatedly.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = unix.Close(e.fd)
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger.Debug("remove socket failed", e.logger.Args("path", e.path, "error", err))
		}
	})
	return e.closeErr
}
