// Package dedup is a mux callback set that drops fragments whose signature
// was already accepted recently.
//
// The check is split across the pipeline: BeforeFrag rejects known
// signatures without touching the payload, and AfterFrag inserts the
// signature only once the fragment survived the overrun check, so a torn
// read never poisons the table.
package dedup

import (
	"tilemux/cnc"
	"tilemux/dedupe"
	"tilemux/frag"
	"tilemux/mux"
)

// cnc user words, relative to mux.DiagUser.
const (
	DiagDupCnt = iota
	DiagAcceptCnt
	DiagCnt
)

// Tile holds the signature table. It runs on the mux thread only.
type Tile struct {
	d *dedupe.Deduper

	// interval counters, flushed by CncDiagWrite
	dupCnt    uint64
	acceptCnt uint64

	dupTotal    uint64
	acceptTotal uint64
}

// New builds a table of 2^bits slots whose entries age out after window
// accepted signatures.
func New(bits uint, window uint64) (*Tile, error) {
	d, err := dedupe.New(bits, window)
	if err != nil {
		return nil, err
	}
	return &Tile{d: d}, nil
}

// Dups and Accepted are lifetime totals as of the last diagnostics flush.
func (t *Tile) Dups() uint64     { return t.dupTotal + t.dupCnt }
func (t *Tile) Accepted() uint64 { return t.acceptTotal + t.acceptCnt }

func (t *Tile) BeforeFrag(in int, orig uint16, seq, sig uint64) bool {
	if t.d.Seen(sig) {
		t.dupCnt++
		return true
	}
	return false
}

func (t *Tile) AfterFrag(in int, f *frag.Meta, _ *mux.Context) bool {
	if !t.d.Check(f.Sig) {
		t.dupCnt++
		return true
	}
	t.acceptCnt++
	return false
}

func (t *Tile) CncDiagWrite(app cnc.App) {
	if app.Len() < DiagCnt {
		return
	}
	app.Add(DiagDupCnt, t.dupCnt)
	app.Add(DiagAcceptCnt, t.acceptCnt)
}

func (t *Tile) CncDiagClear() {
	t.dupTotal += t.dupCnt
	t.acceptTotal += t.acceptCnt
	t.dupCnt, t.acceptCnt = 0, 0
}

// OnHalt forgets every signature so a rebooted tile starts clean.
func (t *Tile) OnHalt(*mux.Context) { t.d.Reset() }
