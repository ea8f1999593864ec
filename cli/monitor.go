package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tilemux/monitor"
	"tilemux/wksp"
)

// MonitorOptions are the monitor's flags.
type MonitorOptions struct {
	Wksp  string
	JSON  bool
	Serve string
}

// NewMonitorCommand joins a running workspace and reports on it.
func NewMonitorCommand(root *RootOptions) *cobra.Command {
	opts := &MonitorOptions{}

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print or serve the diagnostics of a running workspace",
		Long: `Joins a file backed workspace read only and prints one snapshot of every
cnc, fseq, mcache and context switch row in it. With --serve the snapshot is
exported on /metrics, /diag and /healthz until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if opts.Wksp == "" {
				opts.Wksp = cfg.Wksp.Path
			}
			if opts.Wksp == "" {
				return NewExitError(ExitCommandError, "monitor: --wksp is required")
			}
			log, undo, err := root.logger(cfg)
			if err != nil {
				return err
			}
			defer undo()

			w, err := wksp.Join(opts.Wksp)
			if err != nil {
				return WrapExitError(ExitCommandError, "join workspace", err)
			}
			defer w.Close()

			if opts.Serve != "" {
				ctx, stop := notifyContext(cmd.Context())
				defer stop()
				if err := monitor.NewServer(w, log).ListenAndServe(ctx, opts.Serve); err != nil {
					return WrapExitError(ExitFailure, "serve", err)
				}
				return nil
			}

			snap := monitor.Take(w)
			out := cmd.OutOrStdout()
			if opts.JSON {
				b, err := snap.JSON()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "%s\n", b)
				return err
			}
			return snap.WriteText(out)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Wksp, "wksp", "w", "", "workspace file to join (defaults to wksp.path from config)")
	f.BoolVar(&opts.JSON, "json", false, "print the snapshot as JSON")
	f.StringVar(&opts.Serve, "serve", "", "serve /metrics, /diag and /healthz on this address instead of printing")
	return cmd
}
