// Package fseq implements flow-control position counters.
//
// An fseq is written by exactly one party: the consumer of a link publishes
// how far it has read, and the producer polls it to size its credits. Next to
// the position sits a small diagnostic block that the same writer uses to
// expose link statistics (published, filtered and overrun counts) to
// monitors.
//
// DiagSlowCnt is the exception: the producer a consumer is throttling
// writes it, so it stays single-writer per word.
//
// Layout:
//   - line 0: magic, seq0
//   - line 1: seq
//   - line 2-3: 16 diagnostic words
package fseq

import (
	"errors"
	"sync/atomic"

	"tilemux/wksp"
)

const (
	Align     = 128
	footWords = 32

	magic = 0x6673_6571_0000_0001

	wMagic = 0
	wSeq0  = 1
	wSeq   = 8
	wDiag  = 16
)

// Diagnostic word indices.
const (
	DiagPubCnt   = iota // fragments republished downstream
	DiagPubSz           // payload bytes republished
	DiagFiltCnt         // fragments dropped by a filter hook
	DiagFiltSz          // payload bytes dropped by a filter hook
	DiagOvrnpCnt        // overruns detected while polling
	DiagOvrnrCnt        // overruns detected while reading
	DiagSlowCnt         // times this consumer was the credit bottleneck
	DiagCnt             // number of defined words
)

// DiagMax is the size of the diagnostic block.
const DiagMax = 16

var (
	ErrTooSmall = errors.New("fseq: region smaller than footprint")
	ErrBadMagic = errors.New("fseq: region is not an fseq")
)

// DiagName returns the short label used by monitors.
func DiagName(i int) string {
	switch i {
	case DiagPubCnt:
		return "pub_cnt"
	case DiagPubSz:
		return "pub_sz"
	case DiagFiltCnt:
		return "filt_cnt"
	case DiagFiltSz:
		return "filt_sz"
	case DiagOvrnpCnt:
		return "ovrnp_cnt"
	case DiagOvrnrCnt:
		return "ovrnr_cnt"
	case DiagSlowCnt:
		return "slow_cnt"
	default:
		return ""
	}
}

// FSeq is a view over a position counter.
type FSeq struct{ w []uint64 }

// Footprint is the size of an fseq in bytes.
func Footprint() int { return footWords * 8 }

// New formats b with the position set to seq0 and zeroed diagnostics.
func New(b []byte, seq0 uint64) (*FSeq, error) {
	if len(b) < Footprint() {
		return nil, ErrTooSmall
	}
	f := &FSeq{w: wksp.Words(b[:Footprint()])}
	atomic.StoreUint64(&f.w[wSeq0], seq0)
	atomic.StoreUint64(&f.w[wSeq], seq0)
	for i := 0; i < DiagMax; i++ {
		atomic.StoreUint64(&f.w[wDiag+i], 0)
	}
	atomic.StoreUint64(&f.w[wMagic], magic)
	return f, nil
}

// Join attaches to an fseq formatted by New.
func Join(b []byte) (*FSeq, error) {
	if len(b) < Footprint() {
		return nil, ErrTooSmall
	}
	f := &FSeq{w: wksp.Words(b[:Footprint()])}
	if atomic.LoadUint64(&f.w[wMagic]) != magic {
		return nil, ErrBadMagic
	}
	return f, nil
}

// Seq0 is the initial position.
func (f *FSeq) Seq0() uint64 { return atomic.LoadUint64(&f.w[wSeq0]) }

// Query returns the published position: the next sequence number the
// writer expects to consume.
//
//go:nosplit
//go:inline
func (f *FSeq) Query() uint64 { return atomic.LoadUint64(&f.w[wSeq]) }

// Update publishes a new position. Only the owning consumer may call it.
//
//go:nosplit
//go:inline
func (f *FSeq) Update(seq uint64) { atomic.StoreUint64(&f.w[wSeq], seq) }

// Diag reads diagnostic word i.
func (f *FSeq) Diag(i int) uint64 { return atomic.LoadUint64(&f.w[wDiag+i]) }

// DiagStore overwrites diagnostic word i.
func (f *FSeq) DiagStore(i int, v uint64) { atomic.StoreUint64(&f.w[wDiag+i], v) }

// DiagAdd accumulates into diagnostic word i. The block has a single writer,
// so a load/store pair is enough and avoids a locked instruction on the
// link's hot line.
func (f *FSeq) DiagAdd(i int, v uint64) {
	p := &f.w[wDiag+i]
	atomic.StoreUint64(p, atomic.LoadUint64(p)+v)
}
