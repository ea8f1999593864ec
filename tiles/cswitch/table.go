package cswitch

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"tilemux/wksp"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONTEXT SWITCH TABLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// A fixed array of per-thread rows in the workspace. The sampling tile is the
// only writer; monitors in any process read it. Writes are bracketed by a
// generation counter that is odd while a write is in progress, so readers
// retry instead of reporting a half-written table.
//
// Layout (words):
//   - 0: magic
//   - 1: row capacity
//   - 2: row count
//   - 3: generation
//   - 8..: rows of 8 words each: tid, voluntary, nonvoluntary, sampled_at,
//     name (32 bytes, zero padded)

// TableName is the directory name the demo allocates the table under.
const TableName = "cswitch"

const (
	magic = 0x6373_7769_0000_0001

	wMagic  = 0
	wRowMax = 1
	wRowCnt = 2
	wGen    = 3
	wRows   = 8

	rowWords  = 8
	nameWords = 4
	nameMax   = nameWords * 8

	readRetries = 64
)

var (
	ErrTooSmall = errors.New("cswitch: region smaller than footprint")
	ErrBadMagic = errors.New("cswitch: region is not a context switch table")
	ErrRowMax   = errors.New("cswitch: row capacity must be positive")
	ErrBusy     = errors.New("cswitch: table kept changing while read")
)

// Row is one thread's counters at SampledAt (ns).
type Row struct {
	Tid          int    `json:"tid"`
	Name         string `json:"name"`
	Voluntary    uint64 `json:"voluntary"`
	Nonvoluntary uint64 `json:"nonvoluntary"`
	SampledAt    int64  `json:"sampled_at"`
}

// Table is a view over a context switch table.
type Table struct{ w []uint64 }

// Footprint is the byte size of a table holding rowMax rows.
func Footprint(rowMax int) int { return (wRows + rowMax*rowWords) * 8 }

// NewTable formats b as an empty table.
func NewTable(b []byte, rowMax int) (*Table, error) {
	if rowMax <= 0 {
		return nil, ErrRowMax
	}
	if len(b) < Footprint(rowMax) {
		return nil, ErrTooSmall
	}
	w := wksp.Words(b[:Footprint(rowMax)])
	clear(w)
	w[wRowMax] = uint64(rowMax)
	atomic.StoreUint64(&w[wMagic], magic)
	return &Table{w: w}, nil
}

// Alloc carves a table out of w under name.
func Alloc(w *wksp.Wksp, name string, rowMax int) (*Table, error) {
	if rowMax <= 0 {
		return nil, ErrRowMax
	}
	b, err := w.Alloc(name, wksp.KindTable, 64, Footprint(rowMax))
	if err != nil {
		return nil, err
	}
	return NewTable(b, rowMax)
}

// Join attaches to a table formatted elsewhere.
func Join(b []byte) (*Table, error) {
	if len(b) < Footprint(0) {
		return nil, ErrTooSmall
	}
	w := wksp.Words(b[:len(b)&^7])
	if atomic.LoadUint64(&w[wMagic]) != magic {
		return nil, ErrBadMagic
	}
	rowMax := int(w[wRowMax])
	if rowMax <= 0 || len(b) < Footprint(rowMax) {
		return nil, ErrTooSmall
	}
	return &Table{w: w[:Footprint(rowMax)/8]}, nil
}

// RowMax is the row capacity.
func (t *Table) RowMax() int { return int(t.w[wRowMax]) }

// Store replaces the table contents. Rows past capacity are dropped and the
// number stored is returned. Single writer only.
func (t *Table) Store(rows []Row) int {
	n := min(len(rows), t.RowMax())
	gen := atomic.LoadUint64(&t.w[wGen])
	atomic.StoreUint64(&t.w[wGen], gen+1)
	for i := 0; i < n; i++ {
		r := t.w[wRows+i*rowWords : wRows+(i+1)*rowWords]
		atomic.StoreUint64(&r[0], uint64(rows[i].Tid))
		atomic.StoreUint64(&r[1], rows[i].Voluntary)
		atomic.StoreUint64(&r[2], rows[i].Nonvoluntary)
		atomic.StoreUint64(&r[3], uint64(rows[i].SampledAt))
		var name [nameMax]byte
		copy(name[:nameMax-1], rows[i].Name)
		for j := 0; j < nameWords; j++ {
			atomic.StoreUint64(&r[4+j], binary.LittleEndian.Uint64(name[j*8:]))
		}
	}
	atomic.StoreUint64(&t.w[wRowCnt], uint64(n))
	atomic.StoreUint64(&t.w[wGen], gen+2)
	return n
}

// Rows returns a consistent copy of the table.
func (t *Table) Rows() ([]Row, error) {
	for try := 0; try < readRetries; try++ {
		gen := atomic.LoadUint64(&t.w[wGen])
		if gen&1 != 0 {
			continue
		}
		n := min(int(atomic.LoadUint64(&t.w[wRowCnt])), t.RowMax())
		out := make([]Row, n)
		for i := range out {
			r := t.w[wRows+i*rowWords : wRows+(i+1)*rowWords]
			var name [nameMax]byte
			for j := 0; j < nameWords; j++ {
				binary.LittleEndian.PutUint64(name[j*8:], atomic.LoadUint64(&r[4+j]))
			}
			end := 0
			for end < nameMax && name[end] != 0 {
				end++
			}
			out[i] = Row{
				Tid:          int(atomic.LoadUint64(&r[0])),
				Voluntary:    atomic.LoadUint64(&r[1]),
				Nonvoluntary: atomic.LoadUint64(&r[2]),
				SampledAt:    int64(atomic.LoadUint64(&r[3])),
				Name:         string(name[:end]),
			}
		}
		if atomic.LoadUint64(&t.w[wGen]) == gen {
			return out, nil
		}
	}
	return nil, ErrBusy
}
