// Package relay moves bytes between a local byte stream and a control
// channel with a single readiness-driven loop. The same loop serves the
// detached pty (server role) and the reattaching terminal (client role).
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pterm/pterm"
	"golang.org/x/sys/unix"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/protocol"
	"github.com/1ureka/reattach/internal/transport"
	"github.com/1ureka/reattach/internal/util"
)

// ErrPeerGone is returned by Run when a client's server has gone away.
var ErrPeerGone = transport.ErrPeerGone

// Channel is the control channel as the loop sees it. *session.Channel
// satisfies it.
type Channel interface {
	Fd() int
	Send(payload []byte) (int, error)
	Receive() (*transport.Message, error)
	Connected() bool
	Role() config.Role
}

// Options tunes a Loop. The zero value uses config.DefaultBufferSize.
type Options struct {
	BufferSize int
	Logger     *pterm.Logger
	Stats      *util.Stats
}

// Loop relays one stream pair over one channel. Bytes read from src are
// queued for the channel; messages from the channel are queued for sink.
// Each direction is bounded by Options.BufferSize.
type Loop struct {
	src, sink int
	ch        Channel

	outbound *Buffer // src → channel
	inbound  *Buffer // channel → sink
	parked   []byte  // tail of a received message that did not fit inbound
	readBuf  []byte

	srcEOF     bool
	sinkClosed bool

	// A channel that accepted nothing is not polled for write until
	// retrySend; POLLOUT on a datagram socket ignores the peer's queue.
	retrySend   time.Time
	sendBackoff *backoff.ExponentialBackOff

	logger *pterm.Logger
	stats  *util.Stats
}

// New prepares a loop. src and sink may be the same descriptor.
func New(src, sink int, ch Channel, opts Options) *Loop {
	size := opts.BufferSize
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.Discard()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0

	return &Loop{
		src:      src,
		sink:     sink,
		ch:       ch,
		outbound: NewBuffer(size),
		inbound:  NewBuffer(size),
		readBuf:  make([]byte, size),
		logger:   logger,
		stats:    opts.Stats,

		sendBackoff: b,
	}
}

// Run is shorthand for New(src, sink, ch, opts).Run(ctx).
func Run(ctx context.Context, src, sink int, ch Channel, opts Options) error {
	return New(src, sink, ch, opts).Run(ctx)
}

// interest is what the next poll waits for.
type interest struct {
	readSrc   bool
	readCh    bool
	writeSink bool
	writeCh   bool
	retryCh   bool // write to the channel once the retry delay passes
}

func (i interest) none() bool {
	return !i.readSrc && !i.readCh && !i.writeSink && !i.writeCh && !i.retryCh
}

func (l *Loop) interest() interest {
	pending := l.ch.Connected() && !l.outbound.Empty()
	deferred := pending && time.Now().Before(l.retrySend)
	return interest{
		readSrc:   !l.srcEOF && !l.outbound.Full(),
		readCh:    len(l.parked) == 0 && !l.inbound.Full(),
		writeSink: !l.inbound.Empty(),
		writeCh:   pending && !deferred,
		retryCh:   deferred,
	}
}

// pollTimeout returns how long the next poll may block, in milliseconds.
func (l *Loop) pollTimeout(want interest) int {
	if !want.retryCh {
		return -1
	}
	d := time.Until(l.retrySend)
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// done reports a clean finish: the source is exhausted and nothing is
// left to deliver in either direction.
func (l *Loop) done() bool {
	return l.srcEOF && l.outbound.Empty() && l.inbound.Empty() && len(l.parked) == 0
}

// Run relays until the source reaches end-of-file with both directions
// drained, until a client loses its server, or until ctx is cancelled.
// A client whose server is gone returns ErrPeerGone; a server
// keeps running and resumes when a client attaches again. The descriptors'
// blocking mode is restored on return.
func (l *Loop) Run(ctx context.Context) error {
	restore, err := setNonblock(l.src, l.sink, l.ch.Fd())
	if err != nil {
		return err
	}
	defer restore()

	wake, stopWake, err := wakeOnDone(ctx)
	if err != nil {
		return err
	}
	defer stopWake()

	l.logger.Debug("relay started", l.logger.Args("role", l.ch.Role(), "buffer", l.outbound.Cap()))

	for {
		if l.done() {
			l.logger.Debug("relay finished")
			return nil
		}
		want := l.interest()
		if want.none() {
			return nil
		}

		events := make(map[int]int16, 4)
		if want.readSrc {
			events[l.src] |= unix.POLLIN
		}
		if want.writeSink {
			events[l.sink] |= unix.POLLOUT
		}
		if want.readCh {
			events[l.ch.Fd()] |= unix.POLLIN
		}
		if want.writeCh {
			events[l.ch.Fd()] |= unix.POLLOUT
		}

		fds := make([]unix.PollFd, 0, len(events)+1)
		for fd, ev := range events {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
		}
		if wake >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(wake), Events: unix.POLLIN})
		}

		if _, err := unix.Poll(fds, l.pollTimeout(want)); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		ready := make(map[int]int16, len(fds))
		for _, p := range fds {
			ready[int(p.Fd)] |= p.Revents
		}
		if wake >= 0 && ready[wake] != 0 {
			return ctx.Err()
		}
		if ready[l.ch.Fd()]&unix.POLLNVAL != 0 {
			return errors.New("control channel descriptor is closed")
		}

		const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
		const writable = unix.POLLOUT | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

		if want.readSrc && ready[l.src]&readable != 0 {
			l.readSource()
			if l.done() {
				continue
			}
		}
		if want.writeSink && ready[l.sink]&writable != 0 {
			l.writeSink()
		}
		if want.readCh && ready[l.ch.Fd()]&(unix.POLLIN|unix.POLLERR) != 0 {
			if err := l.receive(); err != nil {
				return err
			}
		}
		if want.writeCh && ready[l.ch.Fd()]&unix.POLLOUT != 0 {
			if err := l.send(); err != nil {
				return err
			}
		}
	}
}

// readSource reads from src into the outbound buffer, never more than
// it can hold. Read errors end the direction like end-of-file.
func (l *Loop) readSource() {
	space := l.outbound.Space()
	if space == 0 {
		return
	}
	n, err := unix.Read(l.src, l.readBuf[:space])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	case err != nil:
		l.logger.Debug("stream read ended", l.logger.Args("error", err))
		l.srcEOF = true
	case n == 0:
		l.logger.Debug("stream reached end of file")
		l.srcEOF = true
	default:
		l.outbound.Append(l.readBuf[:n])
		if l.stats != nil {
			l.stats.AddIn(n)
		}
	}
}

// writeSink writes as much queued inbound data as sink accepts. Once sink
// fails, inbound data is discarded for the rest of the session.
func (l *Loop) writeSink() {
	if l.sinkClosed {
		l.inbound.Reset()
		l.parked = nil
		return
	}
	n, err := unix.Write(l.sink, l.inbound.Peek(l.inbound.Len()))
	if n > 0 {
		l.inbound.Consume(n)
		if l.stats != nil {
			l.stats.AddOut(n)
		}
	}
	switch {
	case err == nil, errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
	default:
		l.logger.Warn("stream write failed, discarding inbound data", l.logger.Args("error", err))
		l.sinkClosed = true
		l.inbound.Reset()
		l.parked = nil
		return
	}
	l.unpark()
}

// unpark moves a parked message tail into the inbound buffer as space
// allows.
func (l *Loop) unpark() {
	if len(l.parked) == 0 {
		return
	}
	n := l.inbound.Append(l.parked)
	l.parked = l.parked[n:]
	if len(l.parked) == 0 {
		l.parked = nil
	}
}

// receive takes one datagram from the channel. A completed message goes to
// the inbound buffer; whatever does not fit is parked, and the channel is
// not read again until the parked bytes have moved.
func (l *Loop) receive() error {
	msg, err := l.ch.Receive()
	if err != nil {
		return err
	}
	if msg == nil || len(msg.Payload) == 0 {
		return nil
	}
	if l.sinkClosed {
		return nil
	}
	n := l.inbound.Append(msg.Payload)
	if n < len(msg.Payload) {
		l.parked = msg.Payload[n:]
	}
	return nil
}

// send hands the front of the outbound buffer to the channel as one
// message. A refused message is retried after a growing delay. A lost peer
// ends a client's loop.
func (l *Loop) send() error {
	chunk := l.outbound.Peek(protocol.MaxPayloadSize)
	n, err := l.ch.Send(chunk)
	l.outbound.Consume(n)
	if n > 0 {
		l.retrySend = time.Time{}
		l.sendBackoff.Reset()
	}
	switch {
	case err == nil, errors.Is(err, transport.ErrPeerStalled):
		if n == 0 {
			l.retrySend = time.Now().Add(l.sendBackoff.NextBackOff())
		}
	case errors.Is(err, transport.ErrPeerGone):
	default:
		l.logger.Warn("channel send failed", l.logger.Args("error", err))
	}
	if l.ch.Role() == config.RoleClient && !l.ch.Connected() {
		return ErrPeerGone
	}
	return nil
}

// setNonblock switches every distinct descriptor to nonblocking mode and
// returns a func that restores the original flags.
func setNonblock(fds ...int) (func(), error) {
	saved := make(map[int]int, len(fds))
	restore := func() {
		for fd, flags := range saved {
			_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
		}
	}
	for _, fd := range fds {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			restore()
			return nil, fmt.Errorf("get flags of fd %d: %w", fd, err)
		}
		// Descriptors can share one open file (stdin and stdout on a
		// terminal); only the one that actually changed it restores it.
		if flags&unix.O_NONBLOCK != 0 {
			continue
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			restore()
			return nil, fmt.Errorf("set nonblocking on fd %d: %w", fd, err)
		}
		saved[fd] = flags
	}
	return restore, nil
}

// wakeOnDone returns the read end of a pipe that becomes readable when ctx
// is cancelled, or -1 when ctx can never be cancelled.
func wakeOnDone(ctx context.Context) (int, func(), error) {
	if ctx.Done() == nil {
		return -1, func() {}, nil
	}
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, nil, fmt.Errorf("create wake pipe: %w", err)
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])

	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_, _ = unix.Write(p[1], []byte{0})
		case <-stop:
		}
	}()

	return p[0], func() {
		close(stop)
		<-exited
		unix.Close(p[0])
		unix.Close(p[1])
	}, nil
}
