package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tilemux/cnc"
	"tilemux/debug"
	"tilemux/wksp"
)

// SignalOptions are the signal command's flags.
type SignalOptions struct {
	Wksp    string
	CNC     string
	Timeout time.Duration
}

// NewSignalCommand drives one tile's cnc from outside its process.
func NewSignalCommand(root *RootOptions) *cobra.Command {
	opts := &SignalOptions{}

	cmd := &cobra.Command{
		Use:   "signal <halt|ack|query>",
		Short: "Raise a command on a tile's cnc and wait for the answer",
		Long: `Joins a file backed workspace, takes the operator lock on one cnc and acts
on it:

  halt   RUN -> HALT, then wait for the tile to rewind to BOOT
  ack    FAIL -> BOOT, clearing a fault so the tile can be started again
  query  print the current signal`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"halt", "ack", "query"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if opts.Wksp == "" {
				opts.Wksp = cfg.Wksp.Path
			}
			if opts.Wksp == "" || opts.CNC == "" {
				return NewExitError(ExitCommandError, "signal: --wksp and --cnc are required")
			}
			_, undo, err := root.logger(cfg)
			if err != nil {
				return err
			}
			defer undo()

			w, err := wksp.Join(opts.Wksp)
			if err != nil {
				return WrapExitError(ExitCommandError, "join workspace", err)
			}
			defer w.Close()

			c, err := lookupCNC(w, opts.CNC)
			if err != nil {
				return WrapExitError(ExitCommandError, "lookup cnc", err)
			}
			ctx, stop := notifyContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()
			switch args[0] {
			case "query":
				fmt.Fprintf(out, "%s %s\n", opts.CNC, c.Query())
				return nil
			case "halt", "ack":
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("signal: unknown command %q", args[0]))
			}

			if err := c.Open(uint64(os.Getpid())); err != nil {
				return WrapExitError(ExitFailure, "open cnc", err)
			}
			defer c.Close()

			if args[0] == "ack" {
				if !c.CompareAndSwap(cnc.SignalFail, cnc.SignalBoot) {
					return NewExitError(ExitFailure, fmt.Sprintf("%s: not failed (%s)", opts.CNC, c.Query()))
				}
				fmt.Fprintf(out, "%s boot\n", opts.CNC)
				return nil
			}

			if !c.CompareAndSwap(cnc.SignalRun, cnc.SignalHalt) {
				return NewExitError(ExitFailure, fmt.Sprintf("%s: not running (%s)", opts.CNC, c.Query()))
			}
			s, err := c.Wait(ctx, cnc.SignalHalt, opts.Timeout)
			if err != nil {
				if errors.Is(err, cnc.ErrTimeout) {
					debug.DropMessage("SIGNAL", opts.CNC+" did not acknowledge halt")
				}
				return WrapExitError(ExitFailure, "wait", err)
			}
			fmt.Fprintf(out, "%s %s\n", opts.CNC, s)
			if s != cnc.SignalBoot {
				return NewExitError(ExitFailure, fmt.Sprintf("%s: halted into %s", opts.CNC, s))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Wksp, "wksp", "w", "", "workspace file to join (defaults to wksp.path from config)")
	f.StringVar(&opts.CNC, "cnc", "", "name of the cnc object, e.g. dedup.cnc")
	f.DurationVar(&opts.Timeout, "timeout", 5*time.Second, "how long to wait for the tile, 0 for no limit")
	return cmd
}

func lookupCNC(w *wksp.Wksp, name string) (*cnc.CNC, error) {
	e, b, err := w.Lookup(name)
	if err != nil {
		return nil, err
	}
	if e.Kind != wksp.KindCNC {
		return nil, fmt.Errorf("%s is a %s, not a cnc", name, e.Kind)
	}
	return cnc.Join(b)
}
