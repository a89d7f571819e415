package terminal

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/pterm/pterm"
	"golang.org/x/term"
)

// CopySize applies the window size of the terminal from to the pty master
// to. A nil or non-terminal from is ignored.
func CopySize(to, from *os.File) error {
	if from == nil || !term.IsTerminal(int(from.Fd())) {
		return nil
	}
	return pty.InheritSize(from, to)
}

// WatchSize copies from's size to to now and again on every SIGWINCH until
// ctx is done or the returned stop func is called.
func WatchSize(ctx context.Context, to, from *os.File, logger *pterm.Logger) (stop func()) {
	if err := CopySize(to, from); err != nil {
		logger.Debug("initial window size not applied", logger.Args("error", err))
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)

	ctx, cancel := context.WithCancel(ctx)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-winch:
				if err := CopySize(to, from); err != nil {
					logger.Debug("window size not applied", logger.Args("error", err))
					continue
				}
				if rows, cols, err := pty.Getsize(to); err == nil {
					logger.Debug("window resized", logger.Args("rows", rows, "cols", cols))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		signal.Stop(winch)
		cancel()
		<-exited
	}
}
