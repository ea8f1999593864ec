// ════════════════════════════════════════════════════════════════════════════════════════════════
// TILE MULTIPLEXER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// The mux is the run loop most tiles are built from. It merges up to InMax
// input fragment streams into one output stream, enforces credit-based flow
// control against the slowest reliable downstream consumer, survives
// producer overruns, and drives a fixed set of optional callbacks around
// every fragment.
//
// Loop shape (one OS thread, never blocks):
//  1. housekeeping, when due: one event per tick out of
//     {refresh a consumer position, publish an input position, service the cnc}
//  2. BeforeCredit hook
//  3. backpressure check: with fewer than burst credits, spin and loop
//  4. AfterCredit hook
//  5. pick a ready input, run BeforeFrag / DuringFrag / AfterFrag around one
//     fragment, publish it unless filtered or in manual-publish mode
//
// Shared memory discipline:
//   - input mcaches: read only
//   - input fseqs: written only by this loop
//   - output mcache and its sync seq: written only by this loop
//   - reliable consumer fseqs: position read only, SLOW_CNT written by this loop
//
// Termination is cooperative. The loop exits only after it observes HALT on
// its cnc at a housekeeping tick; it then flushes positions, runs the halt
// hook, and rewinds the cnc to BOOT so the same wiring can be run again.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package mux

import (
	"go.uber.org/zap"

	"tilemux/cnc"
	"tilemux/dcache"
	"tilemux/frag"
	"tilemux/fseq"
	"tilemux/mcache"
)

const (
	// InMax and OutMax bound the number of inputs and reliable outputs. An
	// input index has to fit in the ctl origin bits.
	InMax  = frag.OrigMax
	OutMax = frag.OrigMax
)

// cnc diagnostic words owned by the loop. Callback code gets the rest.
const (
	DiagInBackp  = 0 // 1 while the loop is backpressured
	DiagBackpCnt = 1 // number of transitions into backpressure
	DiagUser     = 2 // first word handed to DiagWriter
)

// Flag alters loop behavior.
type Flag uint64

const (
	// FlagManualPublish hands publication to callback code. The loop never
	// publishes on its own; Context.Publish and Context.Advance are the only
	// ways the output sequence moves.
	FlagManualPublish Flag = 1 << iota

	// FlagCopy declares that callbacks copy payloads into a region owned by
	// this tile. Config.DCache must then be set and is exposed through
	// Context.DCache.
	FlagCopy
)

// In is one input stream: the upstream producer's ring plus the position
// counter this loop publishes back to it.
type In struct {
	MCache *mcache.MCache
	FSeq   *fseq.FSeq
}

// Config wires one mux instance. It is consumed by Run and not read again
// after boot.
type Config struct {
	Name string
	CNC  *cnc.CNC

	Ins []In

	// MCache is the output ring. DCache is required with FlagCopy.
	MCache *mcache.MCache
	DCache *dcache.DCache

	// OutFSeqs are the positions of reliable consumers of MCache.
	OutFSeqs []*fseq.FSeq

	Flags Flag

	// Burst is the most fragments one input fragment may turn into. The
	// loop only consumes input while at least Burst credits remain.
	Burst uint64

	// CrMax caps outstanding credits. Zero selects the shallowest of the
	// input and output ring depths.
	CrMax uint64

	// Lazy is the housekeeping laziness target in ns. Zero or negative
	// selects tempo.LazyDefault(CrMax).
	Lazy int64

	// Seed drives housekeeping jitter. Zero draws a random seed.
	Seed uint64

	// Clock returns ns. Nil selects tempo.Now.
	Clock func() int64

	Logger *zap.Logger

	// Callbacks may implement any subset of the hook interfaces in
	// hooks.go. Unimplemented hooks are no-ops.
	Callbacks any
}

// Run boots the loop described by cfg and runs it until the cnc is
// signalled HALT. It returns nil only after a clean halt, with the cnc back
// in BOOT. A configuration problem is returned as *ConfigError before the
// cnc is touched.
func Run(cfg Config) error {
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	e.boot()
	for e.step() {
	}
	e.halt()
	return nil
}
