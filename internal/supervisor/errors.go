// Package supervisor runs a command detached on a pseudo-terminal and lets
// terminals reattach to it later. Launch starts the relay process, Serve is
// what the relay process runs, and Attach is the reattaching side.
package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/reattach/internal/relay"
)

var (
	// ErrInterrupted reports that the user stopped the operation.
	ErrInterrupted = errors.New("interrupted")

	// ErrCommandNotFound reports a command name that PATH does not resolve.
	ErrCommandNotFound = errors.New("command not found")
)

// SetupError is a failure to prepare a session before the command runs:
// pty allocation, control channel creation, or starting the relay process.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// ExecError is a failure to execute the target command.
type ExecError struct {
	Command string
	Err     error
}

func (e *ExecError) Error() string { return fmt.Sprintf("execute %s: %v", e.Command, e.Err) }
func (e *ExecError) Unwrap() error { return e.Err }

// Exit statuses.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ExitCode maps an error from Launch or Attach to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

// peerGone reports whether err means the other side of the session left.
func peerGone(err error) bool {
	return errors.Is(err, relay.ErrPeerGone)
}
