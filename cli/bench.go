package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"

	"tilemux/pipeline"
	"tilemux/wksp"
)

// BenchOptions are the bench command's flags.
type BenchOptions struct {
	Duration time.Duration
	Runs     int
	Sources  int
	Payload  int
	Batch    int
	JSON     bool
}

// BenchResult is one timed run.
type BenchResult struct {
	Run       int     `json:"run"`
	Delivered uint64  `json:"delivered"`
	Seconds   float64 `json:"seconds"`
	FragsPerS float64 `json:"frags_per_s"`
	BytesPerS float64 `json:"bytes_per_s"`
}

// NewBenchCommand measures end to end throughput of the demo topology with
// no repeats and no recorder.
func NewBenchCommand(root *RootOptions) *cobra.Command {
	opts := &BenchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure delivered fragments per second through the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if opts.Runs < 1 || opts.Payload < 1 || opts.Payload > cfg.Mux.MTU {
				return NewExitError(ExitCommandError, fmt.Sprintf("bench: need runs >= 1 and 1 <= payload <= mtu (%d)", cfg.Mux.MTU))
			}
			cfg.Demo.Sources = opts.Sources
			cfg.Demo.DupRate = 0
			cfg.Demo.PayloadMin = opts.Payload
			cfg.Demo.PayloadMax = opts.Payload
			cfg.Demo.RelayBatch = opts.Batch
			cfg.Recorder.Path = ""
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "bench", err)
			}
			log, undo, err := root.logger(cfg)
			if err != nil {
				return err
			}
			defer undo()

			ctx, stop := notifyContext(cmd.Context())
			defer stop()

			results := make([]BenchResult, 0, opts.Runs)
			for i := 0; i < opts.Runs && ctx.Err() == nil; i++ {
				w, err := wksp.New(cfg.Wksp.Size)
				if err != nil {
					return WrapExitError(ExitCommandError, "workspace", err)
				}
				p, err := pipeline.Build(cfg, w, log)
				if err != nil {
					w.Close()
					return WrapExitError(ExitCommandError, "build pipeline", err)
				}
				start := time.Now()
				r, err := p.Run(ctx, opts.Duration)
				secs := time.Since(start).Seconds()
				w.Close()
				if err != nil {
					return WrapExitError(ExitFailure, "pipeline", err)
				}
				if r.Corrupt > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("run %d: %d corrupt payloads", i, r.Corrupt))
				}
				results = append(results, BenchResult{
					Run:       i,
					Delivered: r.Delivered,
					Seconds:   secs,
					FragsPerS: float64(r.Delivered) / secs,
					BytesPerS: float64(r.Delivered) * float64(opts.Payload) / secs,
				})
			}

			out := cmd.OutOrStdout()
			if opts.JSON {
				b, err := sonnet.Marshal(results)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "%s\n", b)
				return err
			}
			fmt.Fprintf(out, "%-4s %12s %8s %14s %14s\n", "run", "delivered", "secs", "frags/s", "MB/s")
			for _, r := range results {
				fmt.Fprintf(out, "%-4d %12d %8.2f %14.0f %14.2f\n", r.Run, r.Delivered, r.Seconds, r.FragsPerS, r.BytesPerS/1e6)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.DurationVarP(&opts.Duration, "duration", "d", 2*time.Second, "length of each run")
	f.IntVarP(&opts.Runs, "runs", "n", 3, "number of runs")
	f.IntVarP(&opts.Sources, "sources", "s", 1, "number of sources")
	f.IntVar(&opts.Payload, "payload", 64, "payload size in bytes")
	f.IntVar(&opts.Batch, "batch", 1, "payloads the relay packs per output fragment")
	f.BoolVar(&opts.JSON, "json", false, "print results as JSON")
	return cmd
}
