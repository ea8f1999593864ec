// ════════════════════════════════════════════════════════════════════════════════════════════════
// Spin Hint - AMD64
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: tilemux
// Component: tile loop idle path
//
// Description:
//   Tile loops never sleep. When a loop is backpressured or every input is idle it spins,
//   and PAUSE keeps that spin from starving the sibling hyperthread and from flooding the
//   memory pipeline with speculative loads of the cache line it is waiting on.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

//go:build amd64 && !noasm && !nocgo && cgo

package tempo

/*
static inline void tile_pause(void) {
    __asm__ __volatile__("pause" ::: "memory");
}
*/
import "C"

// Relax emits one PAUSE. Cost is 10-140 cycles depending on the core
// generation, which is the intended backoff quantum for a busy poll.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func Relax() {
	C.tile_pause()
}
