// Reattach runs a command on a pseudo-terminal that outlives the terminal
// it was started from, and lets any terminal reattach to it later.
//
//	reattach [flags] command [args...]   run command detached
//	reattach --control ID                reattach to a running session
//	reattach list                        show sessions
//	reattach web ID                      attach from a browser over WebSocket
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/1ureka/reattach/internal/config"
	"github.com/1ureka/reattach/internal/supervisor"
	"github.com/1ureka/reattach/internal/util"
)

var version = "dev"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath        string
	baseDir           string
	logFile           string
	verbose           bool
	reassemblyTimeout time.Duration
	bufferSize        int
}

// exitStatus carries a specific process exit status out of a command.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	os.Exit(exitCode(err))
}

// exitCode reports err to the user and returns the process exit status.
func exitCode(err error) int {
	var status exitStatus
	switch {
	case err == nil:
		return supervisor.ExitOK
	case errors.As(err, &status):
		return int(status)
	case errors.Is(err, supervisor.ErrInterrupted):
	default:
		util.Console().Error(err.Error())
	}
	return supervisor.ExitCode(err)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	var control string

	rootCmd := &cobra.Command{
		Use:   "reattach [flags] command [args...]",
		Short: "Run a command on a detachable terminal",
		Long: `Reattach runs a command on its own pseudo-terminal, detached from the
terminal that started it, and prints the session id in a host notification.
Any terminal can later reattach to the running command with --control ID.`,
		Example: `  # Run vim detached
  reattach vim notes.txt

  # Reattach to it
  reattach --control 3f9c2b...

  # Show running sessions
  reattach list`,
		Version:       version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			if control != "" {
				if len(args) > 0 {
					return errors.New("a command cannot be given with --control")
				}
				return runAttach(cmd.Context(), cfg, control)
			}
			if len(args) == 0 {
				return errors.New("a command is required when not using --control")
			}
			return runLaunch(cmd.Context(), cfg, args)
		},
	}
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.Flags().StringVar(&control, "control", "", "Reattach to the session with this id")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (default "+config.DefaultPath()+")")
	flags.StringVar(&opts.baseDir, "base-dir", "", "Directory holding session sockets")
	flags.StringVar(&opts.logFile, "log-file", "", "Verbose log file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Write diagnostic logs and echo the session id")
	flags.DurationVar(&opts.reassemblyTimeout, "reassembly-timeout", config.DefaultReassemblyTimeout, "Drop partial messages older than this (0 keeps them)")
	flags.IntVar(&opts.bufferSize, "buffer-size", config.DefaultBufferSize, "Relay buffer size per direction in bytes")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newAttachCmd(opts),
		newListCmd(opts),
		newWebCmd(opts),
		newRelayCmd(opts),
	)
	return rootCmd
}

// resolveConfig loads the config file and applies the flags that were set
// on the command line over it.
func resolveConfig(flags *pflag.FlagSet, opts *globalOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if flags.Changed("base-dir") {
		cfg.BaseDir = opts.baseDir
	}
	if flags.Changed("log-file") {
		cfg.LogFile = opts.logFile
	}
	if flags.Changed("verbose") {
		cfg.Verbose = opts.verbose
	}
	if flags.Changed("reassembly-timeout") {
		cfg.ReassemblyTimeout = opts.reassemblyTimeout
	}
	if flags.Changed("buffer-size") {
		cfg.BufferSize = opts.bufferSize
	}
	return cfg, cfg.Validate()
}
