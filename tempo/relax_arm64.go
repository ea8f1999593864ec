// ════════════════════════════════════════════════════════════════════════════════════════════════
// Spin Hint - ARM64
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: tilemux
// Component: tile loop idle path
//
// Description:
//   YIELD is the ARM64 counterpart of PAUSE: a hint that the core is in a busy-wait so
//   SMT siblings and the power manager can take the slot.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

//go:build arm64 && !noasm && !nocgo && cgo

package tempo

/*
static inline void tile_yield(void) {
    __asm__ __volatile__("yield" ::: "memory");
}
*/
import "C"

// Relax emits one YIELD.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func Relax() {
	C.tile_yield()
}
