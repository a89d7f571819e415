package terminal

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// hostSequence is the OSC number the hosting terminal listens on.
const hostSequence = 1337

// OSC builds "ESC ] number ; payload BEL". Inside tmux, recognised by a
// TERM containing "screen", the sequence is wrapped in a tmux DCS
// passthrough with every ESC doubled.
func OSC(number int, payload, termEnv string) string {
	seq := fmt.Sprintf("\033]%d;%s\007", number, payload)
	if strings.Contains(strings.ToLower(termEnv), "screen") {
		seq = "\033Ptmux;" + strings.ReplaceAll(seq, "\033", "\033\033") + "\033\\"
	}
	return seq
}

// StartSequence is the notification telling the host terminal that cmdline
// now runs detached under session id.
func StartSequence(cmdline, id, termEnv string) string {
	b64 := base64.StdEncoding.EncodeToString([]byte(cmdline))
	return OSC(hostSequence, "wrap=a=start;cmd="+b64+";uid="+id, termEnv)
}

// Notify writes the start notification to w.
func Notify(w io.Writer, cmdline, id, termEnv string) error {
	_, err := io.WriteString(w, StartSequence(cmdline, id, termEnv))
	return err
}
