package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"tilemux/config"
	"tilemux/debug"
	"tilemux/monitor"
	"tilemux/pipeline"
	"tilemux/wksp"
)

// DemoOptions are the demo's flags. Set flags override the config file.
type DemoOptions struct {
	Duration  time.Duration
	Sources   int
	DupRate   float64
	Batch     int
	Wksp      string
	DB        string
	Serve     string
	JSON      bool
	FirstCore int
	Seed      uint64
}

// NewDemoCommand runs the demo topology for a fixed time.
func NewDemoCommand(root *RootOptions) *cobra.Command {
	opts := &DemoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run sources through dedup and relay into a verifying sink",
		Long: `Builds the demo topology in one workspace, runs it, halts every tile
through its cnc and prints the totals and a final snapshot.

  source 0..S-1 -> dedup -> relay -> sink (reliable) + recorder (unreliable)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			log, undo, err := root.logger(cfg)
			if err != nil {
				return err
			}
			defer undo()
			return runDemo(cmd.Context(), cmd.OutOrStdout(), cfg, opts, log)
		},
	}

	f := cmd.Flags()
	f.DurationVarP(&opts.Duration, "duration", "d", 5*time.Second, "how long to run")
	f.IntVarP(&opts.Sources, "sources", "s", 2, "number of sources")
	f.Float64Var(&opts.DupRate, "dup-rate", 0.1, "probability a source repeats its last payload")
	f.IntVar(&opts.Batch, "batch", 1, "payloads the relay packs per output fragment")
	f.StringVar(&opts.Wksp, "wksp", "", "back the workspace with this file (e.g. /dev/shm/tilemux) so monitors can join")
	f.StringVar(&opts.DB, "db", "", "record relay output to this sqlite file")
	f.StringVar(&opts.Serve, "serve", "", "serve /metrics, /diag and /healthz on this address while running")
	f.BoolVar(&opts.JSON, "json", false, "print the result as JSON")
	f.IntVar(&opts.FirstCore, "first-core", -1, "pin tiles to consecutive cores from here, -1 to float")
	f.Uint64Var(&opts.Seed, "seed", 0, "payload seed, 0 for random")
	return cmd
}

func (o *DemoOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("duration") {
		cfg.Demo.Duration = o.Duration
	}
	if f.Changed("sources") {
		cfg.Demo.Sources = o.Sources
	}
	if f.Changed("dup-rate") {
		cfg.Demo.DupRate = o.DupRate
	}
	if f.Changed("batch") {
		cfg.Demo.RelayBatch = o.Batch
	}
	if f.Changed("wksp") {
		cfg.Wksp.Path = o.Wksp
	}
	if f.Changed("db") {
		cfg.Recorder.Path = o.DB
	}
	if f.Changed("serve") {
		cfg.Monitor.Addr = o.Serve
	}
	if f.Changed("first-core") {
		cfg.Demo.FirstCore = o.FirstCore
	}
	if f.Changed("seed") {
		cfg.Demo.Seed = o.Seed
	}
}

// openWksp creates the workspace cfg asks for.
func openWksp(cfg *config.Config) (*wksp.Wksp, error) {
	if cfg.Wksp.Path == "" {
		return wksp.New(cfg.Wksp.Size)
	}
	return wksp.Create(cfg.Wksp.Path, cfg.Wksp.Size)
}

func runDemo(ctx context.Context, out io.Writer, cfg *config.Config, opts *DemoOptions, log *zap.Logger) error {
	ctx, stop := notifyContext(ctx)
	defer stop()

	w, err := openWksp(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "workspace", err)
	}
	defer w.Close()

	p, err := pipeline.Build(cfg, w, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "build pipeline", err)
	}

	if cfg.Monitor.Addr != "" {
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		srv := monitor.NewServer(w, log)
		go func() {
			if err := srv.ListenAndServe(sctx, cfg.Monitor.Addr); err != nil {
				debug.DropError("monitor server", err)
			}
		}()
	}

	report, err := p.Run(ctx, cfg.Demo.Duration)
	if err != nil {
		return WrapExitError(ExitFailure, "pipeline", err)
	}
	if err := writeDemo(out, report, monitor.Take(w), p.RunID(), opts.JSON); err != nil {
		return err
	}
	if report.Corrupt > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d corrupt payloads reached the sink", report.Corrupt))
	}
	return nil
}

// notifyContext is ctx cancelled on SIGINT or SIGTERM.
func notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func writeDemo(out io.Writer, r pipeline.Report, snap monitor.Snapshot, runID string, asJSON bool) error {
	if asJSON {
		b, err := sonnet.Marshal(struct {
			Report   pipeline.Report  `json:"report"`
			RunID    string           `json:"run_id,omitempty"`
			Snapshot monitor.Snapshot `json:"snapshot"`
		}{r, runID, snap})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", b)
		return err
	}
	fmt.Fprintf(out, "published %d (dups %d)\n", r.Published, r.Dups)
	fmt.Fprintf(out, "dedup     forwarded %d filtered %d\n", r.Forwarded, r.Filtered)
	fmt.Fprintf(out, "sink      delivered %d corrupt %d\n", r.Delivered, r.Corrupt)
	if runID != "" {
		fmt.Fprintf(out, "recorder  run %s recorded %d dropped %d overruns %d\n", runID, r.Recorded, r.Dropped, r.Overruns)
	}
	fmt.Fprintln(out)
	return snap.WriteText(out)
}
