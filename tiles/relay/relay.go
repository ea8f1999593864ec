// ════════════════════════════════════════════════════════════════════════════════════════════════
// Payload Relay
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: tilemux
// Component: Copying mux callbacks
//
// Description:
//   Moves payloads out of upstream regions into the relay's own dcache so downstream tiles
//   never hold references into a producer's memory. The copy is speculative: DuringFrag
//   copies while the upstream slot may still be overwritten, and the mux throws the copy
//   away if it was. AfterFrag commits the copy and points the fragment at it.
//
// Modes:
//   - Batch 1: one output fragment per input, published by the mux (FlagCopy)
//   - Batch K: K input payloads concatenated into one output fragment, published here
//     through the mux context (FlagCopy | FlagManualPublish)
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package relay

import (
	"errors"

	"tilemux/cnc"
	"tilemux/dcache"
	"tilemux/frag"
	"tilemux/mux"
)

// cnc user words, relative to mux.DiagUser.
const (
	DiagCopyCnt = iota
	DiagCopySz
	DiagBadCnt
	DiagBatchCnt
	DiagCnt
)

var (
	ErrNoRegions = errors.New("relay: at least one source region required")
	ErrBatch     = errors.New("relay: batch must be positive")
	ErrNoDCache  = errors.New("relay: mux has no dcache, set FlagCopy")
)

// Config wires the relay to the regions its inputs reference.
type Config struct {
	// Regions are the payload regions upstream fragments may point into. An
	// input carrying several origins (a dedup output, say) references
	// several regions, so a chunk resolves against whichever one holds it.
	Regions []*dcache.DCache

	Batch int

	// Orig is stamped on batched fragments, which no longer belong to a
	// single upstream origin.
	Orig uint16
}

// Tile is the relay callback set.
type Tile struct {
	regions []*dcache.DCache
	batch   int
	orig    uint16

	out   *dcache.DCache
	chunk uint32

	scratch []byte
	n       int
	bad     bool

	buf       []byte
	bufCnt    int
	bufSig    uint64
	bufTsOrig uint32

	copyCnt  uint64
	copySz   uint64
	badCnt   uint64
	batchCnt uint64
	lost     uint64
}

// New validates cfg.
func New(cfg Config) (*Tile, error) {
	if len(cfg.Regions) == 0 {
		return nil, ErrNoRegions
	}
	for _, d := range cfg.Regions {
		if d == nil {
			return nil, ErrNoRegions
		}
	}
	if cfg.Batch < 1 {
		return nil, ErrBatch
	}
	return &Tile{regions: cfg.Regions, batch: cfg.Batch, orig: cfg.Orig}, nil
}

// Flags are the mux flags this callback set requires.
func (t *Tile) Flags() mux.Flag {
	if t.batch > 1 {
		return mux.FlagCopy | mux.FlagManualPublish
	}
	return mux.FlagCopy
}

// Lost counts batched payloads dropped at halt for lack of credits.
func (t *Tile) Lost() uint64 { return t.lost }

func (t *Tile) OnBoot(ctx *mux.Context) {
	t.out = ctx.DCache()
	if t.out == nil {
		panic(ErrNoDCache)
	}
	t.chunk = t.out.Chunk0()
	t.scratch = make([]byte, t.out.MTU())
	t.buf = make([]byte, 0, t.out.MTU())
}

func (t *Tile) DuringFrag(in int, sig uint64, chunk uint32, sz uint16) bool {
	// A chunk that does not resolve may just be a torn read, which the mux
	// discards as an overrun before AfterFrag. Only AfterFrag counts it.
	t.n, t.bad = 0, true
	if int(sz) > len(t.scratch) {
		return false
	}
	if src := t.resolve(chunk, int(sz)); src != nil {
		t.n, t.bad = copy(t.scratch, src), false
	}
	return false
}

func (t *Tile) resolve(chunk uint32, sz int) []byte {
	for _, d := range t.regions {
		if chunk < d.Chunk0() || chunk > d.Wmark() {
			continue
		}
		if p, err := d.Bytes(chunk, sz); err == nil {
			return p
		}
		return nil
	}
	return nil
}

func (t *Tile) AfterFrag(in int, f *frag.Meta, ctx *mux.Context) bool {
	if t.bad {
		t.badCnt++
		return true
	}
	p := t.scratch[:t.n]
	t.copyCnt++
	t.copySz += uint64(len(p))

	if t.batch == 1 {
		next, err := t.out.Write(t.chunk, p)
		if err != nil {
			t.badCnt++
			return true
		}
		f.Chunk, f.Sz = t.chunk, uint16(len(p))
		t.chunk = next
		return false
	}

	if len(t.buf)+len(p) > cap(t.buf) {
		t.flush(ctx)
	}
	if t.bufCnt == 0 {
		t.bufSig, t.bufTsOrig = f.Sig, f.TsOrig
	}
	t.buf = append(t.buf, p...)
	if t.bufCnt++; t.bufCnt == t.batch {
		t.flush(ctx)
	}
	return false
}

// flush publishes the pending batch as one fragment.
func (t *Tile) flush(ctx *mux.Context) {
	if t.bufCnt == 0 {
		return
	}
	chunk := t.chunk
	next, err := t.out.Write(chunk, t.buf)
	if err != nil {
		t.badCnt++
	} else {
		ctx.Publish(t.bufSig, chunk, uint16(len(t.buf)), frag.Ctl(t.orig, true, true, false),
			t.bufTsOrig, frag.TsComp(ctx.Now()))
		t.chunk = next
		t.batchCnt++
	}
	t.buf = t.buf[:0]
	t.bufCnt = 0
}

// OnHalt publishes a partial batch when a credit is left for it.
func (t *Tile) OnHalt(ctx *mux.Context) {
	if t.bufCnt == 0 {
		return
	}
	if ctx.CrAvail() == 0 {
		t.lost += uint64(t.bufCnt)
		t.buf, t.bufCnt = t.buf[:0], 0
		return
	}
	t.flush(ctx)
}

func (t *Tile) CncDiagWrite(app cnc.App) {
	if app.Len() < DiagCnt {
		return
	}
	app.Add(DiagCopyCnt, t.copyCnt)
	app.Add(DiagCopySz, t.copySz)
	app.Add(DiagBadCnt, t.badCnt)
	app.Add(DiagBatchCnt, t.batchCnt)
}

func (t *Tile) CncDiagClear() {
	t.copyCnt, t.copySz, t.badCnt, t.batchCnt = 0, 0, 0, 0
}
