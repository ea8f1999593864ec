// ════════════════════════════════════════════════════════════════════════════════════════════════
// FRAGMENT METADATA
// ────────────────────────────────────────────────────────────────────────────────────────────────
// A fragment is the unit of transport between tiles: a fixed 32-byte metadata
// record describing one chunk of a (possibly multi-fragment) message. Payload
// bytes never travel through the rings, only this descriptor does.
//
// Ring word layout (4 × uint64, see mcache):
//   - word 0: seq
//   - word 1: sig
//   - word 2: chunk<<32 | sz<<16 | ctl
//   - word 3: tspub<<32 | tsorig
//
// Control word layout:
//   - bits  0..12: origin (which logical producer emitted the fragment)
//   - bit  13:     SOM, start of message
//   - bit  14:     EOM, end of message
//   - bit  15:     ERR, message is corrupt and should be dropped by reassembly
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package frag

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONTROL WORD
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	// OrigMax is the number of distinct origins the ctl word can carry.
	OrigMax = 1 << 13

	origMask = OrigMax - 1

	CtlSOM uint16 = 1 << 13
	CtlEOM uint16 = 1 << 14
	CtlERR uint16 = 1 << 15
)

// Ctl packs an origin and the message boundary flags into a control word.
// Origins beyond OrigMax are truncated.
//
//go:nosplit
//go:inline
func Ctl(orig uint16, som, eom, err bool) uint16 {
	c := orig & origMask
	if som {
		c |= CtlSOM
	}
	if eom {
		c |= CtlEOM
	}
	if err {
		c |= CtlERR
	}
	return c
}

// CtlOrig extracts the origin.
//
//go:nosplit
//go:inline
func CtlOrig(ctl uint16) uint16 { return ctl & origMask }

//go:nosplit
//go:inline
func CtlSom(ctl uint16) bool { return ctl&CtlSOM != 0 }

//go:nosplit
//go:inline
func CtlEom(ctl uint16) bool { return ctl&CtlEOM != 0 }

//go:nosplit
//go:inline
func CtlErr(ctl uint16) bool { return ctl&CtlERR != 0 }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SEQUENCE ARITHMETIC
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Sequence numbers wrap at 2^64. Comparisons are done on the signed
// difference so a stream can run forever without a special case at the wrap.

// SeqDiff returns a - b as a signed distance.
//
//go:nosplit
//go:inline
func SeqDiff(a, b uint64) int64 { return int64(a - b) }

//go:nosplit
//go:inline
func SeqLt(a, b uint64) bool { return int64(a-b) < 0 }

//go:nosplit
//go:inline
func SeqLe(a, b uint64) bool { return int64(a-b) <= 0 }

//go:nosplit
//go:inline
func SeqGt(a, b uint64) bool { return int64(a-b) > 0 }

//go:nosplit
//go:inline
func SeqInc(a, n uint64) uint64 { return a + n }

//go:nosplit
//go:inline
func SeqDec(a, n uint64) uint64 { return a - n }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TIMESTAMPS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// TsComp compresses a nanosecond timestamp to the 32 bits carried in a
// fragment. The result wraps roughly every 4.3 seconds.
//
//go:nosplit
//go:inline
func TsComp(ns int64) uint32 { return uint32(ns) }

// TsDecomp expands a compressed timestamp against a reference time that is
// known to be within ±2^31 ns of the original.
//
//go:nosplit
//go:inline
func TsDecomp(ts uint32, ref int64) int64 {
	return ref + int64(int32(ts-uint32(ref)))
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// METADATA RECORD
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Meta is the decoded form of one ring slot.
type Meta struct {
	Seq    uint64 // Stream sequence number
	Sig    uint64 // Classification tag used for filtering and routing
	Chunk  uint32 // Payload offset in workspace chunks
	Sz     uint16 // Payload length in bytes
	Ctl    uint16 // Origin and message boundary flags
	TsOrig uint32 // When the source message started being produced
	TsPub  uint32 // When this fragment was last published
}

// Orig is shorthand for CtlOrig(m.Ctl).
func (m *Meta) Orig() uint16 { return CtlOrig(m.Ctl) }

// PackChunkSzCtl builds ring word 2.
//
//go:nosplit
//go:inline
func PackChunkSzCtl(chunk uint32, sz, ctl uint16) uint64 {
	return uint64(chunk)<<32 | uint64(sz)<<16 | uint64(ctl)
}

// UnpackChunkSzCtl splits ring word 2.
//
//go:nosplit
//go:inline
func UnpackChunkSzCtl(w uint64) (chunk uint32, sz, ctl uint16) {
	return uint32(w >> 32), uint16(w >> 16), uint16(w)
}

// PackTs builds ring word 3.
//
//go:nosplit
//go:inline
func PackTs(tsorig, tspub uint32) uint64 { return uint64(tspub)<<32 | uint64(tsorig) }

// UnpackTs splits ring word 3.
//
//go:nosplit
//go:inline
func UnpackTs(w uint64) (tsorig, tspub uint32) { return uint32(w), uint32(w >> 32) }
