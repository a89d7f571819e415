package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/pterm/pterm"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/relay"
	"github.com/1ureka/reattach/internal/session"
	"github.com/1ureka/reattach/internal/terminal"
	"github.com/1ureka/reattach/internal/util"
)

// statsInterval is how often a verbose relay logs its traffic.
const statsInterval = 5 * time.Second

// ServeOptions configures the relay side of a session.
type ServeOptions struct {
	Config config.Config

	// Argv is the command to run; Argv[0] is an executable path.
	Argv []string

	// Handshake receives the single setup report line and is closed once
	// it is written. May be nil.
	Handshake io.WriteCloser

	// Geometry is the terminal whose window size the pty follows. May be
	// nil.
	Geometry *os.File

	Logger *pterm.Logger
}

// Serve runs Argv on a new pty, publishes the session's server endpoint,
// reports the outcome on Handshake, and relays between the pty and
// whichever client is attached until the command's output is exhausted
// and delivered. Cancelling ctx hangs up the command. Serve returns the
// command's exit status; setup failures return an ExecError or SetupError
// after reporting them on Handshake.
func Serve(ctx context.Context, opts ServeOptions) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = util.Discard()
	}
	report := func(id string, err error) {
		if opts.Handshake == nil {
			return
		}
		if werr := writeHandshake(opts.Handshake, id, err); werr != nil {
			logger.Warn("handshake not delivered", logger.Args("error", werr))
		}
		opts.Handshake.Close()
	}

	if len(opts.Argv) == 0 {
		err := &SetupError{Op: "start command", Err: errors.New("no command given")}
		report("", err)
		return ExitFailure, err
	}

	master, tty, err := pty.Open()
	if err != nil {
		err = &SetupError{Op: "allocate pty", Err: err}
		report("", err)
		return ExitFailure, err
	}
	defer master.Close()

	if err := terminal.CopySize(master, opts.Geometry); err != nil {
		logger.Debug("initial window size not applied", logger.Args("error", err))
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
	err = cmd.Start()
	tty.Close()
	if err != nil {
		err = &ExecError{Command: opts.Argv[0], Err: err}
		logger.Error("command failed to start", logger.Args("error", err))
		report("", err)
		return ExitFailure, err
	}
	logger.Debug("command started", logger.Args("pid", cmd.Process.Pid, "argv", opts.Argv))

	stats := &util.Stats{}
	ch, err := session.Listen(opts.Config, logger, stats)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		err = &SetupError{Op: "open control channel", Err: err}
		report("", err)
		return ExitFailure, err
	}
	defer ch.Close()
	report(ch.ID, nil)
	logger.Info("session ready", logger.Args("id", ch.ID))

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Geometry != nil {
		stop := terminal.WatchSize(loopCtx, master, opts.Geometry, logger)
		defer stop()
	}
	if opts.Config.Verbose {
		util.StartStatsReporter(loopCtx, logger, stats, statsInterval)
	}

	fd := int(master.Fd())
	err = relay.Run(loopCtx, fd, fd, ch, relay.Options{
		BufferSize: opts.Config.BufferSize,
		Logger:     logger,
		Stats:      stats,
	})
	ch.Close()
	switch {
	case err == nil:
	case ctx.Err() != nil:
		logger.Info("stopping, hanging up command")
		_ = cmd.Process.Signal(syscall.SIGHUP)
	default:
		logger.Error("relay failed, hanging up command", logger.Args("error", err))
		_ = cmd.Process.Signal(syscall.SIGHUP)
	}
	master.Close()

	status := waitStatus(cmd)
	logger.Info("command exited", logger.Args("status", status))
	return status, nil
}

// waitStatus waits for cmd and returns its exit status, 128+signal for a
// command killed by a signal.
func waitStatus(cmd *exec.Cmd) int {
	_ = cmd.Wait()
	state := cmd.ProcessState
	if state == nil {
		return ExitFailure
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
