// Package terminal holds the small pieces of terminal handling the relay
// needs: raw mode, window size propagation, and the host notification
// escape sequence.
package terminal

import (
	"fmt"
	"sync"

	"golang.org/x/term"
)

// MakeRaw puts fd into raw mode and returns a func that restores the
// previous mode. When fd is not a terminal nothing changes and restore is a
// no-op. restore is safe to call more than once.
func MakeRaw(fd int) (restore func(), err error) {
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set terminal raw mode: %w", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = term.Restore(fd, old) })
	}, nil
}
