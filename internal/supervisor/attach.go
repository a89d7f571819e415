package supervisor

import (
	"context"
	"fmt"
	"os"

	"github.com/pterm/pterm"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/relay"
	"github.com/1ureka/reattach/internal/session"
	"github.com/1ureka/reattach/internal/terminal"
	"github.com/1ureka/reattach/internal/util"
)

// AttachOptions configures Attach.
type AttachOptions struct {
	Config config.Config
	ID     string

	// In and Out are the local terminal; In is put in raw mode for the
	// duration when it is a terminal.
	In, Out *os.File

	Logger *pterm.Logger
}

// Attach connects the local terminal to session ID and relays until
// input ends, the session goes away, or ctx is cancelled. The terminal
// mode is restored before Attach returns.
func Attach(ctx context.Context, opts AttachOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = util.Discard()
	}

	stats := &util.Stats{}
	ch, err := session.Dial(opts.Config, opts.ID, logger, stats)
	if err != nil {
		return err
	}
	defer ch.Close()
	logger.Info("attached", logger.Args("id", ch.ID))

	restore, err := terminal.MakeRaw(int(opts.In.Fd()))
	if err != nil {
		return &SetupError{Op: "prepare terminal", Err: err}
	}
	defer restore()

	if opts.Config.Verbose {
		statsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		util.StartStatsReporter(statsCtx, logger, stats, statsInterval)
	}

	err = relay.Run(ctx, int(opts.In.Fd()), int(opts.Out.Fd()), ch, relay.Options{
		BufferSize: opts.Config.BufferSize,
		Logger:     logger,
		Stats:      stats,
	})
	switch {
	case err == nil:
		logger.Info("detached")
		return nil
	case ctx.Err() != nil:
		logger.Info("interrupted")
		return ErrInterrupted
	case peerGone(err):
		logger.Info("session ended", logger.Args("id", ch.ID))
		return fmt.Errorf("session %s ended: %w", ch.ID, err)
	default:
		return fmt.Errorf("relay session %s: %w", ch.ID, err)
	}
}
