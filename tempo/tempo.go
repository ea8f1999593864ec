// ════════════════════════════════════════════════════════════════════════════════════════════════
// TILE TIMING
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Housekeeping in a tile loop is deliberately lazy: credit recomputation and
// command channel polling touch cache lines other cores write, so they run on
// a randomized interval instead of every iteration. The helpers here size
// that interval.
//
// Interval model:
//   - lazy:     target worst-case time between two visits of the same event
//   - eventCnt: number of distinct housekeeping events a tile rotates over
//   - asyncMin: largest power of two ≤ lazy/eventCnt (ns)
//   - reload:   uniform in [asyncMin, 2·asyncMin), drawn per housekeeping tick
//
// Randomizing the reload keeps many tiles sharing one workspace from
// synchronizing their cross-core traffic.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package tempo

import (
	"math"
	"math/rand/v2"
	"time"

	"tilemux/utils"
)

// Now returns the wallclock in nanoseconds. Wallclock (rather than the
// process-relative monotonic clock) lets compressed frag timestamps be
// compared across processes sharing a workspace.
//
//go:nosplit
func Now() int64 { return time.Now().UnixNano() }

// LazyDefault returns the default housekeeping laziness for a credit
// ceiling. A consumer needs on the order of crMax fragment times to drain a
// full window, so refreshing credits faster than that buys nothing.
func LazyDefault(crMax uint64) int64 {
	if crMax >= math.MaxInt64/9 {
		return math.MaxInt64
	}
	return 1 + int64(9*crMax)/4
}

// AsyncMin returns the largest power of two not exceeding lazy/eventCnt, or
// 0 when no positive interval satisfies the target.
func AsyncMin(lazy int64, eventCnt int) int64 {
	if lazy <= 0 || eventCnt <= 0 {
		return 0
	}
	return int64(utils.Pow2Floor(uint64(lazy) / uint64(eventCnt)))
}

// AsyncReload draws the next housekeeping delay in [asyncMin, 2·asyncMin).
// asyncMin must be a power of two as returned by AsyncMin.
//
//go:nosplit
func AsyncReload(rng *rand.Rand, asyncMin int64) int64 {
	return asyncMin + int64(rng.Uint64()&uint64(asyncMin-1))
}

// NewRand returns a deterministic generator for a tile instance.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
