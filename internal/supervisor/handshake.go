package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/1ureka/reattach/internal/session"
)

// The relay process reports the outcome of session setup to the launcher
// with exactly one line on the handshake pipe:
//
//	ok <id>
//	error: exec: <text>
//	error: setup: <text>
//
// EOF without a line means the relay process died before reporting.
const (
	handshakeOK    = "ok "
	handshakeError = "error: "
	kindExec       = "exec: "
	kindSetup      = "setup: "
)

func writeHandshake(w io.Writer, id string, err error) error {
	var line string
	var execErr *ExecError
	switch {
	case err == nil:
		line = handshakeOK + id
	case errors.As(err, &execErr):
		line = handshakeError + kindExec + execErr.Err.Error()
	default:
		line = handshakeError + kindSetup + err.Error()
	}
	_, werr := io.WriteString(w, line+"\n")
	return werr
}

// readHandshake reads the relay process's report. It returns the session
// id, or the ExecError or SetupError the relay process described.
func readHandshake(r io.Reader, command string) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", &SetupError{Op: "read relay handshake", Err: err}
	}
	line = strings.TrimSuffix(line, "\n")

	if id, ok := strings.CutPrefix(line, handshakeOK); ok {
		if err := session.ValidateID(id); err != nil {
			return "", &SetupError{Op: "read relay handshake", Err: err}
		}
		return id, nil
	}
	if text, ok := strings.CutPrefix(line, handshakeError); ok {
		if reason, ok := strings.CutPrefix(text, kindExec); ok {
			return "", &ExecError{Command: command, Err: errors.New(reason)}
		}
		text = strings.TrimPrefix(text, kindSetup)
		return "", &SetupError{Op: "relay process", Err: errors.New(text)}
	}
	if line == "" {
		return "", &SetupError{Op: "relay process", Err: errors.New("exited without reporting")}
	}
	return "", &SetupError{Op: "read relay handshake", Err: fmt.Errorf("unexpected line %q", line)}
}
