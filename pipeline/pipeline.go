// ════════════════════════════════════════════════════════════════════════════════════════════════
// Demo Pipeline
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: tilemux
// Component: Topology assembly and lifecycle
//
// Description:
//   Wires the demo topology into one workspace and drives it through the cncs the way an
//   operator would:
//
//     source 0..S-1 ──► dedup mux ──► relay mux (copy) ──► sink (reliable, verifies)
//                                                     └──► recorder (unreliable, sqlite)
//     cswitch mux (no inputs, samples every tile thread)
//
//   Every link but the recorder's is reliable, so nothing is lost between a source and the
//   sink. Sources keep their payloads in their own regions; dedup forwards references into
//   them and the relay copies them out, so a source region must outlive two rings' worth of
//   fragments.
//
// Lifecycle:
//   - Start spawns tiles downstream first and waits for each cnc to reach RUN
//   - Stop halts upstream first, letting each stage drain before its consumer stops
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"go.uber.org/zap"

	"tilemux/cnc"
	"tilemux/config"
	"tilemux/constants"
	"tilemux/dcache"
	"tilemux/frag"
	"tilemux/fseq"
	"tilemux/mcache"
	"tilemux/mux"
	"tilemux/recorder"
	"tilemux/tile"
	"tilemux/tiles/cswitch"
	"tilemux/tiles/dedup"
	"tilemux/tiles/relay"
	"tilemux/tiles/source"
	"tilemux/wksp"
)

// DrainTimeout bounds how long Stop waits for one stage to catch up.
const DrainTimeout = 5 * time.Second

var (
	ErrStarted    = errors.New("pipeline: already started")
	ErrNotStarted = errors.New("pipeline: not started")
)

// Report totals a finished run.
type Report struct {
	Published uint64 `json:"published"`
	Dups      uint64 `json:"dups"`
	Forwarded uint64 `json:"forwarded"`
	Filtered  uint64 `json:"filtered"`
	Delivered uint64 `json:"delivered"`
	Corrupt   uint64 `json:"corrupt"`
	Recorded  uint64 `json:"recorded"`
	Dropped   uint64 `json:"dropped"`
	Overruns  uint64 `json:"overruns"`
	Samples   uint64 `json:"samples"`
}

type stage struct {
	name string
	cnc  *cnc.CNC
	core int
	body func() error
	h    *tile.Handle
}

// Pipeline is a built topology. Build, then Start, then Stop once.
type Pipeline struct {
	cfg *config.Config
	w   *wksp.Wksp
	log *zap.Logger

	sources  []*source.Source
	srcRings []*mcache.MCache
	dedupIns []*fseq.FSeq
	dedup    *dedup.Tile
	dedupOut *mcache.MCache
	relayIn  *fseq.FSeq
	relayOut *mcache.MCache
	relayDC  *dcache.DCache
	relay    *relay.Tile
	sink     *tile.Consumer
	sinkFSeq *fseq.FSeq
	rec      *recorder.Recorder
	store    *recorder.Store
	cswitch  *cswitch.Tile

	corrupt atomix.Uint64

	// stages in upstream-first order
	stages  []*stage
	started bool
}

// Build allocates every shared object in w and constructs the tiles. It
// spawns nothing.
func Build(cfg *config.Config, w *wksp.Wksp, log *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{cfg: cfg, w: w, log: log.Named("pipeline")}
	b := builder{w: w}
	m := cfg.Mux
	d := cfg.Demo
	core := func(i int) int {
		if d.FirstCore < 0 {
			return -1
		}
		return d.FirstCore + i
	}
	seed := func(i int) uint64 {
		if d.Seed == 0 {
			return 0
		}
		return d.Seed + uint64(i)
	}

	// Sources, each reliable against its dedup input.
	regions := make([]*dcache.DCache, 0, d.Sources)
	ins := make([]mux.In, 0, d.Sources)
	for i := 0; i < d.Sources; i++ {
		name := fmt.Sprintf("src%d", i)
		mc := b.mcache(name+".mc", m.Depth)
		// Referenced from the source ring and the dedup ring at once.
		dc := b.dcache(name+".dc", m.MTU, 2*int(m.Depth), int(m.Burst))
		in := b.fseq(fmt.Sprintf("dedup.in%d.fseq", i))
		c := b.cnc(name+".cnc", source.DiagCnt)
		if b.err != nil {
			return nil, b.err
		}
		src, err := source.New(source.Config{
			Name:       name,
			Orig:       uint16(i),
			MCache:     mc,
			DCache:     dc,
			OutFSeqs:   []*fseq.FSeq{in},
			CrMax:      m.CrMax,
			PayloadMin: d.PayloadMin,
			PayloadMax: d.PayloadMax,
			DupRate:    d.DupRate,
			Lazy:       m.Lazy,
			Seed:       seed(i),
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		p.sources = append(p.sources, src)
		p.srcRings = append(p.srcRings, mc)
		p.dedupIns = append(p.dedupIns, in)
		regions = append(regions, dc)
		ins = append(ins, mux.In{MCache: mc, FSeq: in})
		p.stages = append(p.stages, &stage{name: name, cnc: c, core: core(i), body: func() error { return src.Run(c) }})
	}

	// Dedup: S inputs, reliable against the relay.
	p.dedupOut = b.mcache("dedup.mc", m.Depth)
	p.relayIn = b.fseq("relay.in.fseq")
	dedupCNC := b.cnc("dedup.cnc", mux.DiagUser+dedup.DiagCnt)
	if b.err != nil {
		return nil, b.err
	}
	dt, err := dedup.New(d.DedupBits, d.DedupWindow)
	if err != nil {
		return nil, err
	}
	p.dedup = dt
	dedupCfg := mux.Config{
		Name:      "dedup",
		CNC:       dedupCNC,
		Ins:       ins,
		MCache:    p.dedupOut,
		OutFSeqs:  []*fseq.FSeq{p.relayIn},
		Burst:     m.Burst,
		CrMax:     m.CrMax,
		Lazy:      m.Lazy,
		Seed:      seed(d.Sources),
		Logger:    log,
		Callbacks: dt,
	}
	p.stages = append(p.stages, &stage{name: "dedup", cnc: dedupCNC, core: core(d.Sources), body: func() error { return mux.Run(dedupCfg) }})

	// Relay: copies out of the source regions, reliable against the sink.
	p.relayOut = b.mcache("relay.mc", m.Depth)
	p.relayDC = b.dcache("relay.dc", m.MTU, int(m.Depth), int(m.Burst))
	p.sinkFSeq = b.fseq("sink.fseq")
	relayCNC := b.cnc("relay.cnc", mux.DiagUser+relay.DiagCnt)
	if b.err != nil {
		return nil, b.err
	}
	rt, err := relay.New(relay.Config{Regions: regions, Batch: d.RelayBatch, Orig: uint16(d.Sources)})
	if err != nil {
		return nil, err
	}
	p.relay = rt
	relayCfg := mux.Config{
		Name:      "relay",
		CNC:       relayCNC,
		Ins:       []mux.In{{MCache: p.dedupOut, FSeq: p.relayIn}},
		MCache:    p.relayOut,
		DCache:    p.relayDC,
		OutFSeqs:  []*fseq.FSeq{p.sinkFSeq},
		Flags:     rt.Flags(),
		Burst:     m.Burst,
		CrMax:     m.CrMax,
		Lazy:      m.Lazy,
		Seed:      seed(d.Sources + 1),
		Logger:    log,
		Callbacks: rt,
	}
	p.stages = append(p.stages, &stage{name: "relay", cnc: relayCNC, core: core(d.Sources + 1), body: func() error { return mux.Run(relayCfg) }})

	// Sink: reliable, checks every payload against its signature.
	sinkCNC := b.cnc("sink.cnc", 0)
	if b.err != nil {
		return nil, b.err
	}
	p.sink, err = tile.NewConsumer(tile.ConsumerConfig{
		Name:    "sink",
		CNC:     sinkCNC,
		MCache:  p.relayOut,
		FSeq:    p.sinkFSeq,
		Handler: p.verify,
	})
	if err != nil {
		return nil, err
	}
	p.stages = append(p.stages, &stage{name: "sink", cnc: sinkCNC, core: core(d.Sources + 2), body: func() error { return p.sink.Run(nil) }})

	// Recorder: optional, never holds the relay back.
	if cfg.Recorder.Path != "" {
		recCNC := b.cnc("recorder.cnc", 0)
		if b.err != nil {
			return nil, b.err
		}
		if p.store, err = recorder.Open(cfg.Recorder.Path); err != nil {
			return nil, err
		}
		p.rec, err = recorder.New(recorder.Config{
			Store:  p.store,
			Queue:  cfg.Recorder.Queue,
			Batch:  cfg.Recorder.Batch,
			Logger: log,
		})
		if err != nil {
			p.store.Close()
			return nil, err
		}
		cons, err := p.rec.Attach(recCNC, p.relayOut)
		if err != nil {
			p.store.Close()
			return nil, err
		}
		p.stages = append(p.stages, &stage{name: "recorder", cnc: recCNC, core: -1, body: func() error { return cons.Run(nil) }})
	}

	// Context switch sampler: skipped where procfs is unavailable.
	tab, err := cswitch.Alloc(w, cswitch.TableName, constants.CswitchMax)
	if err != nil {
		p.closeStore()
		return nil, fmt.Errorf("pipeline: %s: %w", cswitch.TableName, err)
	}
	cs, err := cswitch.New(cswitch.Config{Table: tab, Interval: cfg.Monitor.CswitchInterval, Logger: log})
	if err != nil {
		p.log.Warn("context switch sampling disabled", zap.Error(err))
	} else {
		p.cswitch = cs
		csCNC := b.cnc("cswitch.cnc", mux.DiagUser+cswitch.DiagCnt)
		csOut := b.mcache("cswitch.mc", 2)
		if b.err != nil {
			p.closeStore()
			return nil, b.err
		}
		csCfg := mux.Config{
			Name:      "cswitch",
			CNC:       csCNC,
			MCache:    csOut,
			Burst:     1,
			Lazy:      m.Lazy,
			Logger:    log,
			Callbacks: cs,
		}
		p.stages = append(p.stages, &stage{name: "cswitch", cnc: csCNC, core: -1, body: func() error { return mux.Run(csCfg) }})
	}

	p.log.Info("built",
		zap.Int("sources", d.Sources),
		zap.Uint64("depth", m.Depth),
		zap.Int("relay_batch", d.RelayBatch),
		zap.Bool("recorder", p.rec != nil),
		zap.Bool("cswitch", p.cswitch != nil),
		zap.Int("wksp_used", w.Used()))
	return p, nil
}

// verify runs on the sink thread. Batched fragments carry the signature of
// their first payload only, so only whole payloads are checked.
func (p *Pipeline) verify(m *frag.Meta) {
	b, err := p.relayDC.Bytes(m.Chunk, int(m.Sz))
	if err != nil {
		p.corrupt.Add(1)
		return
	}
	if p.cfg.Demo.RelayBatch == 1 && source.Sig(b) != m.Sig {
		p.corrupt.Add(1)
	}
}

// Start spawns every tile, downstream first, and returns once all report
// RUN. On failure the tiles already running are halted.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.started {
		return ErrStarted
	}
	p.started = true
	if p.rec != nil {
		if err := p.rec.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	for i := len(p.stages) - 1; i >= 0; i-- {
		s := p.stages[i]
		s.h = tile.Spawn(tile.Spec{Name: s.name, Core: s.core}, s.body)
		if err := waitRun(ctx, s); err != nil {
			p.log.Error("tile failed to boot", zap.String("tile", s.name), zap.Error(err))
			_, _ = p.Stop(context.Background())
			return fmt.Errorf("pipeline: start %s: %w", s.name, err)
		}
	}
	p.log.Info("running", zap.Int("tiles", len(p.stages)))
	return nil
}

func waitRun(ctx context.Context, s *stage) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.h.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	sig, err := s.cnc.Wait(ctx, cnc.SignalBoot, 0)
	if err != nil {
		select {
		case <-s.h.Done():
			if werr := s.h.Wait(); werr != nil {
				return werr
			}
			return errors.New("exited before boot")
		default:
			return err
		}
	}
	if sig != cnc.SignalRun {
		return fmt.Errorf("booted into %s", sig)
	}
	return nil
}

// Run starts the pipeline, lets it run for d or until ctx is done, and
// stops it.
func (p *Pipeline) Run(ctx context.Context, d time.Duration) (Report, error) {
	if err := p.Start(ctx); err != nil {
		return Report{}, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return p.Stop(context.Background())
}

// Stop halts every running tile upstream first. Each consumer is given up
// to DrainTimeout to catch up with its producer before it is halted, so a
// clean stop delivers everything the sources published.
func (p *Pipeline) Stop(ctx context.Context) (Report, error) {
	if !p.started {
		return Report{}, ErrNotStarted
	}
	var errs []error
	for _, s := range p.stages {
		if s.h == nil {
			continue
		}
		switch s.name {
		case "dedup":
			for i, in := range p.dedupIns {
				p.drain(ctx, "dedup", in, p.sources[i].Seq)
			}
		case "relay":
			p.drain(ctx, "relay", p.relayIn, p.dedupOut.SeqQuery)
		case "sink":
			p.drain(ctx, "sink", p.sinkFSeq, p.relayOut.SeqQuery)
		}
		if err := halt(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	if p.rec != nil {
		p.rec.Close()
	}
	p.closeStore()

	r := p.report()
	p.log.Info("stopped",
		zap.Uint64("published", r.Published),
		zap.Uint64("forwarded", r.Forwarded),
		zap.Uint64("filtered", r.Filtered),
		zap.Uint64("delivered", r.Delivered),
		zap.Uint64("corrupt", r.Corrupt))
	return r, errors.Join(errs...)
}

// drain waits until f reaches the producer position reported by target.
// Source positions are only safe to read once the source tile has returned,
// which Stop guarantees by halting upstream first.
func (p *Pipeline) drain(ctx context.Context, who string, f *fseq.FSeq, target func() uint64) {
	ctx, cancel := context.WithTimeout(ctx, DrainTimeout)
	defer cancel()
	want := target()
	var bo iox.Backoff
	for frag.SeqLt(f.Query(), want) {
		if ctx.Err() != nil {
			p.log.Warn("stage did not drain", zap.String("tile", who),
				zap.Uint64("at", f.Query()), zap.Uint64("want", want))
			return
		}
		bo.Wait()
	}
}

func halt(ctx context.Context, s *stage) error {
	select {
	case <-s.h.Done():
		return s.h.Wait()
	default:
	}
	s.cnc.Signal(cnc.SignalHalt)
	select {
	case <-s.h.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.h.Wait(); err != nil {
		return err
	}
	if sig := s.cnc.Query(); sig != cnc.SignalBoot {
		return fmt.Errorf("halted into %s", sig)
	}
	return nil
}

func (p *Pipeline) closeStore() {
	if p.store == nil {
		return
	}
	if err := p.store.Close(); err != nil {
		p.log.Warn("recorder store close", zap.Error(err))
	}
	p.store = nil
}

// report is only coherent after every tile has returned.
func (p *Pipeline) report() Report {
	var r Report
	for _, s := range p.sources {
		r.Published += s.Published()
		r.Dups += s.Dups()
	}
	r.Forwarded = p.dedup.Accepted()
	r.Filtered = p.dedup.Dups()
	r.Delivered = p.sink.Frags()
	r.Corrupt = p.corrupt.Load()
	if p.rec != nil {
		r.Recorded = p.rec.Recorded()
		r.Dropped = p.rec.Dropped()
		r.Overruns = p.rec.Overruns()
	}
	if p.cswitch != nil {
		r.Samples = p.cswitch.Samples()
	}
	return r
}

// Workspace is the workspace the pipeline was built in.
func (p *Pipeline) Workspace() *wksp.Wksp { return p.w }

// RunID is the recorder's run id, empty without a recorder.
func (p *Pipeline) RunID() string {
	if p.rec == nil {
		return ""
	}
	return p.rec.RunID()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ALLOCATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// builder allocates named objects and keeps the first error.
type builder struct {
	w   *wksp.Wksp
	err error
}

func (b *builder) alloc(name string, kind wksp.Kind, align, sz int) []byte {
	if b.err != nil {
		return nil
	}
	mem, err := b.w.Alloc(name, kind, align, sz)
	if err != nil {
		b.err = fmt.Errorf("pipeline: %s: %w", name, err)
	}
	return mem
}

func (b *builder) mcache(name string, depth uint64) *mcache.MCache {
	mem := b.alloc(name, wksp.KindMCache, mcache.Align, mcache.Footprint(depth))
	if b.err != nil {
		return nil
	}
	m, err := mcache.New(mem, depth, 0)
	b.keep(name, err)
	return m
}

func (b *builder) dcache(name string, mtu, depth, burst int) *dcache.DCache {
	mem := b.alloc(name, wksp.KindDCache, dcache.Align, dcache.Footprint(mtu, depth, burst))
	if b.err != nil {
		return nil
	}
	d, err := dcache.New(b.w, mem, mtu, depth, burst)
	b.keep(name, err)
	return d
}

func (b *builder) fseq(name string) *fseq.FSeq {
	mem := b.alloc(name, wksp.KindFSeq, fseq.Align, fseq.Footprint())
	if b.err != nil {
		return nil
	}
	f, err := fseq.New(mem, 0)
	b.keep(name, err)
	return f
}

func (b *builder) cnc(name string, appCnt int) *cnc.CNC {
	mem := b.alloc(name, wksp.KindCNC, cnc.Align, cnc.Footprint(appCnt))
	if b.err != nil {
		return nil
	}
	c, err := cnc.New(mem, 0, appCnt, time.Now().UnixNano())
	b.keep(name, err)
	return c
}

func (b *builder) keep(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("pipeline: %s: %w", name, err)
	}
}
