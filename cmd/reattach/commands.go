package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/session"
	"github.com/1ureka/reattach/internal/supervisor"
	"github.com/1ureka/reattach/internal/util"
	"github.com/1ureka/reattach/internal/web"
)

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func newRunCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run command [args...]",
		Short: "Run a command detached (same as giving it to reattach directly)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			return runLaunch(cmd.Context(), cfg, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func runLaunch(ctx context.Context, cfg config.Config, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closer, err := util.NewLogger(cfg, config.RoleServer)
	if err != nil {
		return err
	}
	defer closer.Close()

	_, err = supervisor.Launch(ctx, supervisor.LaunchOptions{
		Config:   cfg,
		Command:  args,
		Stdout:   os.Stdout,
		Terminal: os.Stdout,
		TermEnv:  os.Getenv("TERM"),
		Logger:   logger,
	})
	return err
}

// ---------------------------------------------------------------------------
// attach
// ---------------------------------------------------------------------------

func newAttachCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attach ID",
		Short: "Reattach this terminal to a running session (same as --control ID)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			return runAttach(cmd.Context(), cfg, args[0])
		},
	}
}

func runAttach(ctx context.Context, cfg config.Config, id string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	logger, closer, err := util.NewLogger(cfg, config.RoleClient)
	if err != nil {
		return err
	}
	defer closer.Close()

	return supervisor.Attach(ctx, supervisor.AttachOptions{
		Config: cfg,
		ID:     id,
		In:     os.Stdin,
		Out:    os.Stdout,
		Logger: logger,
	})
}

// ---------------------------------------------------------------------------
// list
// ---------------------------------------------------------------------------

func newListCmd(opts *globalOptions) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions in the base directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			if prune {
				removed, err := session.Prune(cfg.BaseDir)
				for _, id := range removed {
					pterm.Info.Printfln("removed stale session %s", id)
				}
				if err != nil {
					return err
				}
			}
			infos, err := session.List(cfg.BaseDir)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				pterm.Info.Println("no sessions")
				return nil
			}
			return pterm.DefaultTable.WithHasHeader().WithData(sessionTable(infos)).Render()
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "Remove sockets of sessions whose relay is gone")
	return cmd
}

func sessionTable(infos []session.Info) pterm.TableData {
	data := pterm.TableData{{"ID", "STATE", "CLIENT"}}
	for _, info := range infos {
		state := "live"
		if !info.Live {
			state = "stale"
		}
		client := "-"
		if info.Attached {
			client = "attached"
		}
		data = append(data, []string{info.ID, state, client})
	}
	return data
}

// ---------------------------------------------------------------------------
// web
// ---------------------------------------------------------------------------

func newWebCmd(opts *globalOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "web ID",
		Short: "Serve a session to one WebSocket client",
		Long: `Attach to a session as its client and bridge it to the first WebSocket
client that connects with the printed PIN. Binary WebSocket messages are
terminal input; terminal output arrives as binary messages.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			return runWeb(cmd.Context(), cfg, args[0], listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:0", "Address to listen on")
	return cmd
}

func runWeb(ctx context.Context, cfg config.Config, id, listen string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closer, err := util.NewLogger(cfg, config.RoleClient)
	if err != nil {
		return err
	}
	defer closer.Close()

	gw, err := web.Open(cfg, id, listen, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	pterm.Info.Printfln("session %s", id)
	pterm.Info.Printfln("connect to %s", gw.URL())

	if cfg.Verbose {
		util.StartStatsReporter(ctx, logger, gw.Stats(), 5*time.Second)
	}

	err = gw.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return supervisor.ErrInterrupted
	}
	return err
}

// ---------------------------------------------------------------------------
// relay (internal)
// ---------------------------------------------------------------------------

func newRelayCmd(opts *globalOptions) *cobra.Command {
	var handshakeFD, geometryFD int
	cmd := &cobra.Command{
		Use:    supervisor.RelayCommand + " -- command [args...]",
		Short:  "Run the relay side of a session (started by reattach itself)",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			return runRelay(cmd.Context(), cfg, args, handshakeFD, geometryFD)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().IntVar(&handshakeFD, "handshake-fd", -1, "Descriptor to report setup on")
	cmd.Flags().IntVar(&geometryFD, "geometry-fd", -1, "Terminal descriptor to follow the window size of")
	return cmd
}

func runRelay(ctx context.Context, cfg config.Config, argv []string, handshakeFD, geometryFD int) error {
	// The relay must outlive the terminal that launched it.
	signal.Ignore(syscall.SIGHUP, syscall.SIGINT)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	var handshake, geometry *os.File
	if handshakeFD >= 0 {
		unix.CloseOnExec(handshakeFD)
		handshake = os.NewFile(uintptr(handshakeFD), "handshake")
	}
	if geometryFD >= 0 {
		unix.CloseOnExec(geometryFD)
		geometry = os.NewFile(uintptr(geometryFD), "geometry")
		defer geometry.Close()
	}

	logger, closer, err := util.NewLogger(cfg, config.RoleServer)
	if err != nil {
		logger, closer = util.Discard(), io.NopCloser(nil)
	}
	defer closer.Close()

	opts := supervisor.ServeOptions{Config: cfg, Argv: argv, Geometry: geometry, Logger: logger}
	if handshake != nil {
		opts.Handshake = handshake
	}
	status, err := supervisor.Serve(ctx, opts)
	if err != nil {
		logger.Error("session failed", logger.Args("error", err))
	}
	if status == supervisor.ExitOK {
		return nil
	}
	return exitStatus(status)
}
