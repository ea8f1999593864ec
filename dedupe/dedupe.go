// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: dedupe.go - fixed-footprint signature deduplication
//
// Purpose:
//   - Answers "have I accepted this fragment signature recently?" in one
//     cache line access.
//   - Direct-mapped: a colliding signature evicts the previous occupant, so a
//     miss may let a very old duplicate through but a hit is always exact.
//
// Notes:
//   - Age is measured in accepted signatures, not time. An entry older than
//     the window is treated as unseen and overwritten.
//
// ⚠️ The Deduper must not be used across multiple goroutines; it belongs to
//    the single tile thread that runs the filter.
// ─────────────────────────────────────────────────────────────────────────────

package dedupe

import (
	"errors"

	"tilemux/utils"
)

var ErrBits = errors.New("dedupe: table bits out of range [1, 30]")

// Deduper is a direct-mapped table of recently accepted signatures.
type Deduper struct {
	buf    []slot
	mask   uint64
	window uint64
	tick   uint64 // accepted signatures so far, plus one
}

// slot holds one signature; age 0 marks never used.
type slot struct {
	tag uint64
	age uint64
	_   [6]uint64 // pad to one 64-byte line
}

// New returns a table of 2^bits slots. window 0 means entries never age out.
func New(bits uint, window uint64) (*Deduper, error) {
	if bits < 1 || bits > 30 {
		return nil, ErrBits
	}
	n := uint64(1) << bits
	return &Deduper{buf: make([]slot, n), mask: n - 1, window: window, tick: 1}, nil
}

// Slots reports the table size.
func (d *Deduper) Slots() int { return len(d.buf) }

// Seen reports whether sig is a live entry without changing the table.
//
//go:inline
func (d *Deduper) Seen(sig uint64) bool {
	s := &d.buf[utils.Mix64(sig)&d.mask]
	return s.age != 0 && s.tag == sig && !d.stale(s.age)
}

// Check reports whether sig is NEW. New signatures are inserted and advance
// the age clock; duplicates leave the table untouched.
//
//go:inline
//go:registerparams
func (d *Deduper) Check(sig uint64) bool {
	s := &d.buf[utils.Mix64(sig)&d.mask]
	if s.age != 0 && s.tag == sig && !d.stale(s.age) {
		return false
	}
	s.tag, s.age = sig, d.tick
	d.tick++
	return true
}

// Reset forgets every signature.
func (d *Deduper) Reset() {
	clear(d.buf)
	d.tick = 1
}

//go:nosplit
//go:inline
func (d *Deduper) stale(age uint64) bool {
	return d.window != 0 && d.tick-age > d.window
}
