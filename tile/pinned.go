// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ CORE-PINNED TILE RUNNER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: tilemux
// Component: Tile threading
//
// Description:
//   A tile is one single-threaded loop. Spawn gives it a goroutine locked to its own OS
//   thread, optionally pinned to a core, and records the thread id so per-thread kernel
//   statistics (context switches) can be attributed to the tile by name.
//
// Threading model:
//   - LockOSThread for the life of the body, so the tid stays meaningful
//   - sched_setaffinity on the locked thread when Core >= 0
//   - Body errors and panics are reported through the Handle, never swallowed
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package tile

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
)

// Spec names a tile and where it runs. Core < 0 leaves placement to the
// kernel.
type Spec struct {
	Name string
	Core int
}

// Info describes a running tile.
type Info struct {
	ID      uint64
	Name    string
	Core    int
	Tid     int
	Started time.Time
}

// Handle tracks a spawned tile.
type Handle struct {
	spec Spec
	done chan struct{}
	err  error
}

// Spawn starts body on a dedicated, optionally pinned OS thread.
func Spawn(spec Spec, body func() error) *Handle {
	h := &Handle{spec: spec, done: make(chan struct{})}
	spawned.Add(1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("tile %s: panic: %v", spec.Name, r)
			}
		}()

		if spec.Core >= 0 {
			if err := setAffinity(spec.Core); err != nil {
				h.err = fmt.Errorf("tile %s: pin to core %d: %w", spec.Name, spec.Core, err)
				return
			}
		}
		id := register(spec, gettid())
		defer unregister(id)
		h.err = body()
	}()
	return h
}

// Name is the tile name.
func (h *Handle) Name() string { return h.spec.Name }

// Done is closed when the body returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the body returns and reports its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

var (
	spawned atomix.Uint64

	regMu   sync.Mutex
	regNext uint64
	regLive = map[uint64]Info{}
)

func register(spec Spec, tid int) uint64 {
	regMu.Lock()
	defer regMu.Unlock()
	regNext++
	regLive[regNext] = Info{ID: regNext, Name: spec.Name, Core: spec.Core, Tid: tid, Started: time.Now()}
	return regNext
}

func unregister(id uint64) {
	regMu.Lock()
	delete(regLive, id)
	regMu.Unlock()
}

// Registry lists live tiles ordered by spawn.
func Registry() []Info {
	regMu.Lock()
	defer regMu.Unlock()
	out := make([]Info, 0, len(regLive))
	for id := uint64(1); id <= regNext; id++ {
		if info, ok := regLive[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

// Spawned counts every Spawn call in this process.
func Spawned() uint64 { return spawned.Load() }
