package mux

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tilemux/cnc"
	"tilemux/dcache"
	"tilemux/frag"
	"tilemux/fseq"
	"tilemux/mcache"
	"tilemux/tempo"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ENGINE STATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// input is the loop-local state of one input stream.
type input struct {
	mcache *mcache.MCache
	fseq   *fseq.FSeq
	seq    uint64 // next sequence number expected
	idx    int    // position in Config.Ins, reported to callbacks

	// accum holds diagnostics since the last flush into fseq.
	accum [fseq.DiagCnt]uint64
}

type engine struct {
	name  string
	cnc   *cnc.CNC
	log   *zap.Logger
	warn  *rate.Limiter
	clock func() int64
	rng   *rand.Rand
	hooks hooks
	flags Flag

	ins      []input
	inCursor int

	out    *mcache.MCache
	dcache *dcache.DCache
	depth  uint64
	seq    uint64

	outFseqs []*fseq.FSeq
	outSeq   []uint64 // cached consumer positions
	outSlow  []uint64 // SLOW_CNT accumulated since last flush

	burst       uint64
	crMax       uint64
	crAvail     uint64
	crDecrement uint64

	// eventMap holds out indices [0,outCnt), the cnc event outCnt, and
	// input events outCnt+1+i.
	eventMap []int
	eventSeq int
	lazy     int64
	asyncMin int64
	then     int64

	inBackp  bool
	backpCnt uint64

	ctx  Context
	meta frag.Meta
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func newEngine(cfg Config) (*engine, error) {
	if cfg.CNC == nil {
		return nil, configErr("cnc", "required")
	}
	if n := cfg.CNC.App().Len(); n < DiagUser {
		return nil, configErr("cnc", "needs at least %d app words, has %d", DiagUser, n)
	}
	if s := cfg.CNC.Query(); s != cnc.SignalBoot {
		return nil, configErr("cnc", "must be in boot, is %s", s)
	}
	if len(cfg.Ins) > InMax {
		return nil, resourceErr("ins", "%d inputs exceeds %d", len(cfg.Ins), InMax)
	}
	if len(cfg.OutFSeqs) > OutMax {
		return nil, resourceErr("out_fseqs", "%d reliable outputs exceeds %d", len(cfg.OutFSeqs), OutMax)
	}
	if cfg.MCache == nil || cfg.MCache.Depth() == 0 {
		return nil, configErr("mcache", "output ring required")
	}
	if cfg.Flags&FlagCopy != 0 && cfg.DCache == nil {
		return nil, configErr("dcache", "required with FlagCopy")
	}
	if cfg.Burst == 0 {
		return nil, configErr("burst", "must be positive")
	}

	minDepth := cfg.MCache.Depth()
	for i, in := range cfg.Ins {
		if in.MCache == nil || in.MCache.Depth() == 0 {
			return nil, configErr("ins", "input %d has no ring", i)
		}
		if in.FSeq == nil {
			return nil, configErr("ins", "input %d has no fseq", i)
		}
		minDepth = min(minDepth, in.MCache.Depth())
	}
	for i, f := range cfg.OutFSeqs {
		if f == nil {
			return nil, configErr("out_fseqs", "reliable output %d has no fseq", i)
		}
	}

	crMax := cfg.CrMax
	if crMax == 0 {
		crMax = minDepth
	}
	if crMax < cfg.Burst || crMax > minDepth {
		return nil, configErr("cr_max", "%d not in [burst=%d, depth=%d]", crMax, cfg.Burst, minDepth)
	}

	eventCnt := len(cfg.OutFSeqs) + 1 + len(cfg.Ins)
	lazy := cfg.Lazy
	var asyncMin int64
	if lazy <= 0 {
		// The default only sets a pace, so a shallow ring shared by many
		// events falls back to housekeeping every nanosecond.
		lazy = tempo.LazyDefault(crMax)
		asyncMin = max(tempo.AsyncMin(lazy, eventCnt), 1)
	} else if asyncMin = tempo.AsyncMin(lazy, eventCnt); asyncMin == 0 {
		return nil, configErr("lazy", "%dns too small for %d housekeeping events", lazy, eventCnt)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = tempo.Now
	}
	log := cfg.Logger
	if log == nil {
		log = zap.L()
	}
	name := cfg.Name
	if name == "" {
		name = "mux"
	}

	e := &engine{
		name:     name,
		cnc:      cfg.CNC,
		log:      log.Named(name),
		warn:     rate.NewLimiter(rate.Every(time.Second), 4),
		clock:    clock,
		rng:      tempo.NewRand(seed),
		hooks:    resolveHooks(cfg.Callbacks),
		flags:    cfg.Flags,
		out:      cfg.MCache,
		dcache:   cfg.DCache,
		depth:    cfg.MCache.Depth(),
		seq:      cfg.MCache.SeqQuery(),
		outFseqs: cfg.OutFSeqs,
		outSeq:   make([]uint64, len(cfg.OutFSeqs)),
		outSlow:  make([]uint64, len(cfg.OutFSeqs)),
		burst:    cfg.Burst,
		crMax:    crMax,
		lazy:     lazy,
		asyncMin: asyncMin,
		eventMap: make([]int, eventCnt),
	}
	e.ctx.e = e

	// Inputs resume where this tile's fseq says it left off. A position
	// that has since been lapped resyncs through the overrun path.
	e.ins = make([]input, len(cfg.Ins))
	for i, in := range cfg.Ins {
		e.ins[i] = input{mcache: in.MCache, fseq: in.FSeq, seq: in.FSeq.Query(), idx: i}
	}
	for i, f := range cfg.OutFSeqs {
		e.outSeq[i] = f.Query()
	}
	if len(cfg.OutFSeqs) > 0 {
		e.crDecrement = 1
	}
	for i := range e.eventMap {
		e.eventMap[i] = i
	}
	e.refreshCredits()
	return e, nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (e *engine) boot() {
	now := e.clock()
	e.hooks.boot(&e.ctx)
	e.cnc.Heartbeat(now)
	e.then = now
	e.cnc.Signal(cnc.SignalRun)
	e.log.Info("booted",
		zap.Int("in_cnt", len(e.ins)),
		zap.Int("out_cnt", len(e.outFseqs)),
		zap.Uint64("burst", e.burst),
		zap.Uint64("cr_max", e.crMax),
		zap.Int64("lazy_ns", e.lazy),
		zap.Uint64("seq", e.seq))
}

func (e *engine) halt() {
	for i := range e.ins {
		e.flushIn(&e.ins[i])
	}
	for i := range e.outFseqs {
		e.flushOut(i)
	}
	// The halt hook may still publish and count.
	e.hooks.halt(&e.ctx)
	e.out.SeqUpdate(e.seq)
	app := e.cnc.App()
	app.Store(DiagInBackp, 0)
	app.Add(DiagBackpCnt, e.backpCnt)
	e.backpCnt = 0
	e.hooks.diagWrite(app.Sub(DiagUser))
	e.hooks.diagClear()
	e.log.Info("halted", zap.Uint64("seq", e.seq))
	e.cnc.Signal(cnc.SignalBoot)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RUN LOOP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// step runs one loop iteration and reports whether the loop should go on.
func (e *engine) step() bool {
	now := e.clock()
	if now-e.then >= 0 {
		if !e.housekeep(now) {
			return false
		}
		e.then = now + tempo.AsyncReload(e.rng, e.asyncMin)
	}

	e.hooks.beforeCredit(&e.ctx)

	if e.crAvail < e.burst {
		if !e.inBackp {
			e.inBackp = true
			e.backpCnt++
		}
		tempo.Relax()
		return true
	}
	e.inBackp = false

	e.hooks.afterCredit(&e.ctx)
	if e.crAvail < e.burst {
		return true
	}

	if in := e.pick(); in != nil {
		e.service(in)
	}
	return true
}

// pick returns the first input at or after the cursor whose expected slot
// holds a record at or past the expected sequence, and moves the cursor just
// past it. Inputs that were ready but passed over are therefore first in
// line next time, so a continuously ready input is served within len(ins)
// picks, while idle inputs cost one load each.
func (e *engine) pick() *input {
	n := len(e.ins)
	i := e.inCursor
	for k := 0; k < n; k++ {
		in := &e.ins[i]
		i++
		if i == n {
			i = 0
		}
		if frag.SeqDiff(in.mcache.Slot(in.seq).Seq(), in.seq) >= 0 {
			e.inCursor = i
			return in
		}
	}
	return nil
}

// service moves one fragment of in through the callback pipeline. Exactly
// one outcome is recorded per fragment: pre-filtered, overrun, filtered or
// published.
func (e *engine) service(in *input) {
	expected := in.seq
	slot := in.mcache.Slot(expected)

	found := slot.Seq()
	if d := frag.SeqDiff(found, expected); d != 0 {
		if d > 0 {
			// Lapped before we got here. Resync to what the producer has now.
			in.accum[fseq.DiagOvrnpCnt]++
			in.seq = found
		}
		return
	}

	sig := slot.Sig()
	orig := frag.CtlOrig(slot.Ctl())
	if slot.Seq() != found {
		// Overwritten under the header read; the next poll sees the overrun.
		return
	}

	if e.hooks.beforeFrag(in.idx, orig, found, sig) {
		in.accum[fseq.DiagFiltCnt]++
		in.seq = found + 1
		return
	}

	chunk, sz, ctl := slot.ChunkSzCtl()
	tsorig, tspub := slot.Ts()
	filter := e.hooks.duringFrag(in.idx, sig, chunk, sz)

	if again := slot.Seq(); again != found {
		// Anything read during the hook may be torn. Drop it unconditionally.
		in.accum[fseq.DiagOvrnrCnt]++
		in.seq = again
		return
	}

	m := &e.meta
	*m = frag.Meta{Seq: found, Sig: sig, Chunk: chunk, Sz: sz, Ctl: ctl, TsOrig: tsorig, TsPub: tspub}
	if !filter {
		filter = e.hooks.afterFrag(in.idx, m, &e.ctx)
	}
	in.seq = found + 1

	if filter {
		in.accum[fseq.DiagFiltCnt]++
		in.accum[fseq.DiagFiltSz] += uint64(sz)
		return
	}
	in.accum[fseq.DiagPubCnt]++
	in.accum[fseq.DiagPubSz] += uint64(m.Sz)
	if e.flags&FlagManualPublish == 0 {
		e.publish(m.Sig, m.Chunk, m.Sz, m.Ctl, m.TsOrig, frag.TsComp(e.clock()))
	}
}

// publish is the one place the output sequence advances besides
// Context.Advance.
func (e *engine) publish(sig uint64, chunk uint32, sz, ctl uint16, tsorig, tspub uint32) {
	e.out.Publish(e.seq, sig, chunk, sz, ctl, tsorig, tspub)
	e.seq++
	e.debit()
}

//go:nosplit
//go:inline
func (e *engine) debit() {
	if e.crAvail > e.crDecrement {
		e.crAvail -= e.crDecrement
	} else {
		e.crAvail = 0
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// HOUSEKEEPING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (e *engine) housekeep(now int64) bool {
	outCnt := len(e.outFseqs)
	switch ev := e.eventMap[e.eventSeq]; {
	case ev < outCnt:
		e.outSeq[ev] = e.outFseqs[ev].Query()
		e.flushOut(ev)
	case ev == outCnt:
		if !e.serviceCNC(now) {
			return false
		}
	default:
		e.flushIn(&e.ins[ev-outCnt-1])
	}

	e.eventSeq++
	if e.eventSeq == len(e.eventMap) {
		e.eventSeq = 0
		// Reorder the next round so no event is always first after a wrap.
		if n := len(e.eventMap); n > 1 {
			j := e.rng.IntN(n)
			e.eventMap[0], e.eventMap[j] = e.eventMap[j], e.eventMap[0]
		}
	}
	return true
}

func (e *engine) serviceCNC(now int64) bool {
	e.out.SeqUpdate(e.seq)
	e.cnc.Heartbeat(now)

	app := e.cnc.App()
	if e.inBackp {
		app.Store(DiagInBackp, 1)
	} else {
		app.Store(DiagInBackp, 0)
	}
	app.Add(DiagBackpCnt, e.backpCnt)
	e.backpCnt = 0
	e.hooks.diagWrite(app.Sub(DiagUser))
	e.hooks.diagClear()

	e.refreshCredits()

	if !e.command() {
		return false
	}
	e.hooks.housekeeping()
	return true
}

// refreshCredits recomputes credits from the cached consumer positions.
// Cached positions only move forward and every publish since the last
// refresh already spent its credit, so the result never undercuts the
// current balance.
func (e *engine) refreshCredits() {
	avail := e.crMax
	slowest := -1
	for i, pos := range e.outSeq {
		lag := frag.SeqDiff(e.seq, pos)
		if lag < 0 {
			lag = 0
		}
		var a uint64
		if uint64(lag) < e.crMax {
			a = e.crMax - uint64(lag)
		}
		if a < avail {
			avail, slowest = a, i
		}
	}
	e.crAvail = avail
	if slowest >= 0 && avail < e.burst {
		e.outSlow[slowest]++
	}
}

func (e *engine) flushIn(in *input) {
	in.fseq.Update(in.seq)
	for i, v := range in.accum {
		if v != 0 {
			in.fseq.DiagAdd(i, v)
			in.accum[i] = 0
		}
	}
}

func (e *engine) flushOut(i int) {
	if v := e.outSlow[i]; v != 0 {
		e.outFseqs[i].DiagAdd(fseq.DiagSlowCnt, v)
		e.outSlow[i] = 0
	}
}
