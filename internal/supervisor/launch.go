package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/terminal"
	"github.com/1ureka/reattach/internal/util"
)

// RelayCommand is the hidden subcommand a launcher re-executes itself as.
const RelayCommand = "relay"

// Descriptor numbers the relay process inherits from the launcher.
const (
	HandshakeFD = 3
	GeometryFD  = 4
)

// LaunchOptions configures Launch.
type LaunchOptions struct {
	Config config.Config

	// Command is the command line as typed; Command[0] is resolved
	// through PATH.
	Command []string

	// Stdout receives the host notification (and the id when verbose).
	Stdout io.Writer

	// Terminal is the launcher's terminal, passed to the relay process as
	// its window size source. Ignored when it is not a terminal.
	Terminal *os.File

	// TermEnv is the value of $TERM, deciding tmux wrapping.
	TermEnv string

	// Executable is the binary to re-execute; defaults to os.Executable.
	Executable string

	Logger *pterm.Logger
}

// Launch resolves the command, starts a detached relay process that runs
// it on a new pty, waits for the relay process to report, and on success
// emits the host notification. The relay process outlives the launcher.
func Launch(ctx context.Context, opts LaunchOptions) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = util.Discard()
	}
	if len(opts.Command) == 0 {
		return "", &SetupError{Op: "launch", Err: fmt.Errorf("no command given")}
	}

	path, err := exec.LookPath(opts.Command[0])
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCommandNotFound, opts.Command[0])
	}
	argv := append([]string{path}, opts.Command[1:]...)

	self := opts.Executable
	if self == "" {
		if self, err = os.Executable(); err != nil {
			return "", &SetupError{Op: "locate executable", Err: err}
		}
	}

	hsRead, hsWrite, err := os.Pipe()
	if err != nil {
		return "", &SetupError{Op: "create handshake pipe", Err: err}
	}
	defer hsRead.Close()

	args := append([]string{RelayCommand}, opts.Config.Args()...)
	args = append(args, "--handshake-fd", strconv.Itoa(HandshakeFD))
	extra := []*os.File{hsWrite}
	if opts.Terminal != nil && term.IsTerminal(int(opts.Terminal.Fd())) {
		extra = append(extra, opts.Terminal)
		args = append(args, "--geometry-fd", strconv.Itoa(GeometryFD))
	}
	args = append(args, "--")
	args = append(args, argv...)

	relayCmd := exec.Command(self, args...)
	relayCmd.ExtraFiles = extra
	logger.Debug("starting relay process", logger.Args("executable", self, "argv", argv))
	err = relayCmd.Start()
	hsWrite.Close()
	if err != nil {
		return "", &SetupError{Op: "start relay process", Err: err}
	}

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := readHandshake(hsRead, opts.Command[0])
		done <- result{id, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		_ = relayCmd.Process.Kill()
		_ = relayCmd.Wait()
		return "", ErrInterrupted
	}
	if res.err != nil {
		logger.Error("session setup failed", logger.Args("error", res.err))
		_ = relayCmd.Wait()
		return "", res.err
	}
	logger.Info("session started", logger.Args("id", res.id, "relay_pid", relayCmd.Process.Pid))
	_ = relayCmd.Process.Release()

	if opts.Stdout != nil {
		if opts.Config.Verbose {
			fmt.Fprintln(opts.Stdout, res.id)
		}
		if err := terminal.Notify(opts.Stdout, strings.Join(argv, " "), res.id, opts.TermEnv); err != nil {
			return res.id, fmt.Errorf("write host notification: %w", err)
		}
	}
	return res.id, nil
}
