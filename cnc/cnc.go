// ════════════════════════════════════════════════════════════════════════════════════════════════
// TILE COMMAND CHANNEL
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Every tile owns one cnc: a small shared memory block through which an
// operator starts and stops it and through which the tile reports coarse
// health. It replaces process-global stop flags with per-tile state that an
// external process can observe and drive.
//
// Architecture overview:
//   • signal: the state cell (BOOT, RUN, HALT, FAIL, or a tile-specific value)
//   • heartbeat: last housekeeping timestamp written by the tile
//   • lock: pid of the operator session currently driving the channel
//   • app: tile-defined diagnostic words
//
// Threading model:
//   • The tile writes heartbeat and app words, and rewrites the signal when it
//     acknowledges a command
//   • One operator at a time (holding lock) raises signals
//   • Any number of monitors read everything, word by word
//
// Memory layout:
//   • line 0: magic, app word count, type, heartbeat0
//   • line 1: heartbeat, lock
//   • line 2: signal
//   • line 3+: app words
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package cnc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"

	"tilemux/wksp"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SIGNALS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Signal is the value of the state cell. Values 0-3 are generic; tiles may
// define their own above SignalUser.
type Signal uint64

const (
	SignalRun  Signal = 0
	SignalBoot Signal = 1
	SignalFail Signal = 2
	SignalHalt Signal = 3

	// SignalUser is the first value available for tile-specific signals.
	SignalUser Signal = 4
)

func (s Signal) String() string {
	switch s {
	case SignalRun:
		return "run"
	case SignalBoot:
		return "boot"
	case SignalFail:
		return "fail"
	case SignalHalt:
		return "halt"
	default:
		return fmt.Sprintf("sig(%d)", uint64(s))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LAYOUT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	Align = 128

	// AppMax bounds the diagnostic region.
	AppMax = 64

	magic = 0x636e_6300_0000_0001

	wMagic      = 0
	wAppCnt     = 1
	wType       = 2
	wHeartbeat0 = 3
	wHeartbeat  = 8
	wLock       = 9
	wSignal     = 16
	wApp        = 24
)

var (
	ErrAppCnt   = errors.New("cnc: app word count out of range")
	ErrTooSmall = errors.New("cnc: region smaller than footprint")
	ErrBadMagic = errors.New("cnc: region is not a cnc")
	ErrBusy     = errors.New("cnc: channel is held by another operator")
	ErrTimeout  = errors.New("cnc: timed out waiting for signal change")
)

// Footprint returns the size of a cnc with appCnt diagnostic words.
func Footprint(appCnt int) int {
	if appCnt < 0 || appCnt > AppMax {
		return 0
	}
	return ((wApp+appCnt)*8 + Align - 1) &^ (Align - 1)
}

// CNC is a view over a command channel.
type CNC struct {
	w   []uint64
	app App
}

// New formats b as a cnc in BOOT with the given type tag.
func New(b []byte, typ uint64, appCnt int, now int64) (*CNC, error) {
	fp := Footprint(appCnt)
	if fp == 0 {
		return nil, ErrAppCnt
	}
	if len(b) < fp {
		return nil, ErrTooSmall
	}
	c := view(wksp.Words(b[:fp]), appCnt)
	atomic.StoreUint64(&c.w[wAppCnt], uint64(appCnt))
	atomic.StoreUint64(&c.w[wType], typ)
	atomic.StoreUint64(&c.w[wHeartbeat0], uint64(now))
	atomic.StoreUint64(&c.w[wHeartbeat], uint64(now))
	atomic.StoreUint64(&c.w[wLock], 0)
	atomic.StoreUint64(&c.w[wSignal], uint64(SignalBoot))
	for i := 0; i < appCnt; i++ {
		c.app.Store(i, 0)
	}
	atomic.StoreUint64(&c.w[wMagic], magic)
	return c, nil
}

// Join attaches to a cnc formatted by New.
func Join(b []byte) (*CNC, error) {
	if len(b) < wApp*8 {
		return nil, ErrTooSmall
	}
	hdr := wksp.Words(b[:wApp*8])
	if atomic.LoadUint64(&hdr[wMagic]) != magic {
		return nil, ErrBadMagic
	}
	appCnt := int(atomic.LoadUint64(&hdr[wAppCnt]))
	fp := Footprint(appCnt)
	if fp == 0 {
		return nil, ErrAppCnt
	}
	if len(b) < fp {
		return nil, ErrTooSmall
	}
	return view(wksp.Words(b[:fp]), appCnt), nil
}

func view(w []uint64, appCnt int) *CNC {
	return &CNC{w: w, app: App{w[wApp : wApp+appCnt : wApp+appCnt]}}
}

// Type is the tag the creator chose, typically identifying the tile kind.
func (c *CNC) Type() uint64 { return atomic.LoadUint64(&c.w[wType]) }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STATE CELL AND HEARTBEAT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Query reads the current signal.
//
//go:nosplit
//go:inline
func (c *CNC) Query() Signal { return Signal(atomic.LoadUint64(&c.w[wSignal])) }

// Signal stores s into the state cell.
//
//go:nosplit
//go:inline
func (c *CNC) Signal(s Signal) { atomic.StoreUint64(&c.w[wSignal], uint64(s)) }

// CompareAndSwap replaces old with next only if the cell still holds old.
// Tiles use it to acknowledge a signal without clobbering a newer one.
func (c *CNC) CompareAndSwap(old, next Signal) bool {
	return atomic.CompareAndSwapUint64(&c.w[wSignal], uint64(old), uint64(next))
}

// Heartbeat records that the tile was alive at now.
//
//go:nosplit
//go:inline
func (c *CNC) Heartbeat(now int64) { atomic.StoreUint64(&c.w[wHeartbeat], uint64(now)) }

// HeartbeatQuery returns the last heartbeat.
func (c *CNC) HeartbeatQuery() int64 { return int64(atomic.LoadUint64(&c.w[wHeartbeat])) }

// Heartbeat0 is the heartbeat at creation, so monitors can tell a tile that
// never ran from one that stalled.
func (c *CNC) Heartbeat0() int64 { return int64(atomic.LoadUint64(&c.w[wHeartbeat0])) }

// App returns the diagnostic region.
func (c *CNC) App() App { return c.app }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// OPERATOR SESSION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Open takes the operator lock for pid. Only the lock holder should raise
// signals; the tile itself never takes the lock.
func (c *CNC) Open(pid uint64) error {
	if pid == 0 {
		return fmt.Errorf("cnc: invalid operator pid 0")
	}
	if !atomic.CompareAndSwapUint64(&c.w[wLock], 0, pid) {
		return fmt.Errorf("%w (pid %d)", ErrBusy, atomic.LoadUint64(&c.w[wLock]))
	}
	return nil
}

// Close releases the operator lock.
func (c *CNC) Close() { atomic.StoreUint64(&c.w[wLock], 0) }

// Holder returns the pid holding the operator lock, 0 when free.
func (c *CNC) Holder() uint64 { return atomic.LoadUint64(&c.w[wLock]) }

// Wait polls until the signal differs from ignore and returns it. It backs
// off between polls so an idle operator does not burn a core. A timeout of
// zero waits until ctx is done.
func (c *CNC) Wait(ctx context.Context, ignore Signal, timeout time.Duration) (Signal, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var bo iox.Backoff
	for {
		if s := c.Query(); s != ignore {
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return ignore, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ignore, ErrTimeout
		}
		bo.Wait()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DIAGNOSTIC REGION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// App is a view over diagnostic words. Every access is a single atomic word
// operation, so observers never see a torn word, but a multi-word update is
// only coherent once the writer's last store lands.
type App struct{ w []uint64 }

// Len is the number of words in the view.
func (a App) Len() int { return len(a.w) }

//go:nosplit
//go:inline
func (a App) Load(i int) uint64 { return atomic.LoadUint64(&a.w[i]) }

//go:nosplit
//go:inline
func (a App) Store(i int, v uint64) { atomic.StoreUint64(&a.w[i], v) }

// Add accumulates into word i. Single writer only.
//
//go:nosplit
//go:inline
func (a App) Add(i int, v uint64) { atomic.StoreUint64(&a.w[i], atomic.LoadUint64(&a.w[i])+v) }

// Sub returns the view starting at word off. Off past the end yields an
// empty view.
func (a App) Sub(off int) App {
	if off >= len(a.w) {
		return App{}
	}
	return App{a.w[off:]}
}
