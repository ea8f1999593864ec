// Package cli is the tilemux command line.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tilemux/config"
	"tilemux/debug"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Dev        bool
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "tilemux",
		Short:         "tilemux - shared memory tile pipelines",
		Long:          "Run, observe and operate pipelines of pinned tiles multiplexed over shared memory rings with credit flow control.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file, applied over TILEMUX_* environment")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.Dev, "dev", false, "console logging for humans")

	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewMonitorCommand(opts))
	cmd.AddCommand(NewSignalCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))

	return cmd
}

// load reads the config layers and applies the global flags over them.
func (o *RootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.Dev {
		cfg.Log.Development = true
	}
	return cfg, nil
}

// logger installs the process logger for cfg.
func (o *RootOptions) logger(cfg *config.Config) (*zap.Logger, func(), error) {
	log, undo, err := debug.Init(cfg.Log)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "init logging", err)
	}
	return log, undo, nil
}
