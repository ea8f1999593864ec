// ════════════════════════════════════════════════════════════════════════════════════════════════
// FRAGMENT METADATA RING (mcache)
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Single-producer, multi-consumer ring of fragment metadata living in a
// workspace. The producer never waits for consumers: flow control is layered
// above the ring through fseq credits, and consumers that fall behind detect
// it from the slot sequence numbers and resynchronize.
//
// Memory layout (all words 8-byte aligned):
//   - line 0 (bytes   0..63):  magic, depth, seq0 (immutable after New)
//   - line 1 (bytes  64..127): sync seq, written by the producer at housekeeping
//   - slots  (bytes 128..):    depth × 32-byte records, 2 per cache line
//
// Slot word layout:
//   - [0] seq, [1] sig, [2] chunk|sz|ctl, [3] tsorig|tspub
//
// Publish protocol:
//  1. store seq-1 into slot word 0 (slot is now "in progress")
//  2. store sig, chunk|sz|ctl, ts
//  3. store seq into slot word 0
//
// All stores and loads are sequentially consistent atomics, so a reader that
// observes seq in step 3 observes every field written in step 2, and a reader
// that sees word 0 unchanged across its field loads has read an untorn record.
//
// Safety model:
//   - One producer per ring. Concurrent publishers corrupt the stream.
//   - Consumers are unbounded in number and never write to the ring.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package mcache

import (
	"errors"
	"fmt"
	"sync/atomic"

	"code.hybscloud.com/iox"

	"tilemux/frag"
	"tilemux/utils"
	"tilemux/wksp"
)

const (
	// Align is the required alignment of a ring's backing bytes.
	Align = 128

	// DepthMin is the shallowest legal ring.
	DepthMin = 2

	magic = 0x6d63_6163_6865_0001

	hdrWords  = 16
	slotWords = 4

	wMagic = 0
	wDepth = 1
	wSeq0  = 2
	wSync  = 8
)

var (
	ErrDepth    = errors.New("mcache: depth must be a power of two >= 2")
	ErrTooSmall = errors.New("mcache: region smaller than footprint")
	ErrBadMagic = errors.New("mcache: region is not an mcache")

	// ErrOverrun is matched by every *OverrunError.
	ErrOverrun = errors.New("mcache: overrun")
)

// OverrunError reports a read that was lapped by the producer. Found is the
// sequence number observed in the slot, which a consumer may resync to.
type OverrunError struct {
	Expected uint64
	Found    uint64
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("mcache: overrun reading seq %d (slot holds %d)", e.Expected, e.Found)
}

func (e *OverrunError) Unwrap() error { return ErrOverrun }

// MCache is a typed view over ring memory. The view is process-local and
// cheap; the memory it points into is shared.
type MCache struct {
	w     []uint64
	slots []uint64
	depth uint64
	mask  uint64
}

// Footprint returns the bytes needed for a ring of the given depth, or 0 for
// an illegal depth.
func Footprint(depth uint64) int {
	if depth < DepthMin || !utils.IsPow2(depth) {
		return 0
	}
	return (hdrWords + int(depth)*slotWords) * 8
}

// New formats b as an empty ring whose first publish will be seq0.
//
// Every slot is stamped with a sequence number one lap behind the sequence
// that will land there first, so no consumer sees a stale record as ready.
func New(b []byte, depth, seq0 uint64) (*MCache, error) {
	fp := Footprint(depth)
	if fp == 0 {
		return nil, ErrDepth
	}
	if len(b) < fp {
		return nil, ErrTooSmall
	}
	m := view(wksp.Words(b[:fp]), depth)
	atomic.StoreUint64(&m.w[wDepth], depth)
	atomic.StoreUint64(&m.w[wSeq0], seq0)
	atomic.StoreUint64(&m.w[wSync], seq0)
	for i := uint64(0); i < depth; i++ {
		seq := seq0 + i
		s := m.slot(seq)
		atomic.StoreUint64(&s[0], seq-depth)
		atomic.StoreUint64(&s[1], 0)
		atomic.StoreUint64(&s[2], frag.PackChunkSzCtl(0, 0, frag.CtlERR))
		atomic.StoreUint64(&s[3], 0)
	}
	atomic.StoreUint64(&m.w[wMagic], magic)
	return m, nil
}

// Join attaches to a ring formatted by New, possibly in another process.
func Join(b []byte) (*MCache, error) {
	if len(b) < hdrWords*8 {
		return nil, ErrTooSmall
	}
	hdr := wksp.Words(b[:hdrWords*8])
	if atomic.LoadUint64(&hdr[wMagic]) != magic {
		return nil, ErrBadMagic
	}
	depth := atomic.LoadUint64(&hdr[wDepth])
	fp := Footprint(depth)
	if fp == 0 {
		return nil, ErrDepth
	}
	if len(b) < fp {
		return nil, ErrTooSmall
	}
	return view(wksp.Words(b[:fp]), depth), nil
}

func view(w []uint64, depth uint64) *MCache {
	return &MCache{w: w, slots: w[hdrWords:], depth: depth, mask: depth - 1}
}

// Depth is the number of slots.
func (m *MCache) Depth() uint64 { return m.depth }

// Seq0 is the first sequence number the ring was formatted for.
func (m *MCache) Seq0() uint64 { return atomic.LoadUint64(&m.w[wSeq0]) }

// SeqQuery returns the producer's last published sync sequence: the next
// sequence number it will publish, as of its last housekeeping.
func (m *MCache) SeqQuery() uint64 { return atomic.LoadUint64(&m.w[wSync]) }

// SeqUpdate is called by the producer to advertise its position.
func (m *MCache) SeqUpdate(seq uint64) { atomic.StoreUint64(&m.w[wSync], seq) }

// LineIdx maps a sequence number to its slot index.
//
//go:nosplit
//go:inline
func (m *MCache) LineIdx(seq uint64) uint64 { return seq & m.mask }

//go:nosplit
//go:inline
func (m *MCache) slot(seq uint64) []uint64 {
	i := (seq & m.mask) * slotWords
	return m.slots[i : i+slotWords : i+slotWords]
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PRODUCER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Publish writes one record into the slot for seq.
//
//go:norace
func (m *MCache) Publish(seq, sig uint64, chunk uint32, sz, ctl uint16, tsorig, tspub uint32) {
	s := m.slot(seq)
	atomic.StoreUint64(&s[0], seq-1)
	atomic.StoreUint64(&s[1], sig)
	atomic.StoreUint64(&s[2], frag.PackChunkSzCtl(chunk, sz, ctl))
	atomic.StoreUint64(&s[3], frag.PackTs(tsorig, tspub))
	atomic.StoreUint64(&s[0], seq)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSUMER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Slot is a view of the ring slot a sequence number maps to. Each accessor is
// one atomic load; callers that read several fields must re-check Seq to
// detect a concurrent overwrite.
type Slot struct{ w []uint64 }

// Slot returns the slot view for seq.
//
//go:nosplit
//go:inline
func (m *MCache) Slot(seq uint64) Slot { return Slot{m.slot(seq)} }

//go:nosplit
//go:inline
func (s Slot) Seq() uint64 { return atomic.LoadUint64(&s.w[0]) }

//go:nosplit
//go:inline
func (s Slot) Sig() uint64 { return atomic.LoadUint64(&s.w[1]) }

// ChunkSzCtl loads and unpacks word 2.
//
//go:nosplit
//go:inline
func (s Slot) ChunkSzCtl() (chunk uint32, sz, ctl uint16) {
	return frag.UnpackChunkSzCtl(atomic.LoadUint64(&s.w[2]))
}

// Ctl loads word 2 and returns only the control bits.
//
//go:nosplit
//go:inline
func (s Slot) Ctl() uint16 { return uint16(atomic.LoadUint64(&s.w[2])) }

//go:nosplit
//go:inline
func (s Slot) Ts() (tsorig, tspub uint32) { return frag.UnpackTs(atomic.LoadUint64(&s.w[3])) }

// Read copies the record for seq into out.
//
// Returns:
//   - nil: out holds a consistent copy of the record
//   - iox.ErrWouldBlock: seq has not been published yet
//   - *OverrunError: the slot has moved past seq, or was overwritten mid-read
//
//go:norace
func (m *MCache) Read(seq uint64, out *frag.Meta) error {
	s := m.Slot(seq)
	found := s.Seq()
	if d := frag.SeqDiff(found, seq); d != 0 {
		if d < 0 {
			return iox.ErrWouldBlock
		}
		return &OverrunError{Expected: seq, Found: found}
	}
	sig := s.Sig()
	chunk, sz, ctl := s.ChunkSzCtl()
	tsorig, tspub := s.Ts()
	if again := s.Seq(); again != found {
		return &OverrunError{Expected: seq, Found: again}
	}
	*out = frag.Meta{Seq: seq, Sig: sig, Chunk: chunk, Sz: sz, Ctl: ctl, TsOrig: tsorig, TsPub: tspub}
	return nil
}
