package mux

import (
	"fmt"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/require"

	"tilemux/cnc"
	"tilemux/dcache"
	"tilemux/frag"
	"tilemux/fseq"
	"tilemux/mcache"
	"tilemux/wksp"
)

// testLazy keeps housekeeping due on every step of fakeClock.
const testLazy = 256

type fixture struct {
	t testing.TB
	w *wksp.Wksp
	n int
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	w, err := wksp.New(4 << 20)
	require.NoError(t, err)
	return &fixture{t: t, w: w}
}

func (f *fixture) alloc(kind wksp.Kind, align, sz int) []byte {
	f.t.Helper()
	f.n++
	b, err := f.w.Alloc(fmt.Sprintf("%s%d", kind, f.n), kind, align, sz)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) mcache(depth uint64) *mcache.MCache {
	f.t.Helper()
	m, err := mcache.New(f.alloc(wksp.KindMCache, mcache.Align, mcache.Footprint(depth)), depth, 0)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) fseq(seq0 uint64) *fseq.FSeq {
	f.t.Helper()
	s, err := fseq.New(f.alloc(wksp.KindFSeq, fseq.Align, fseq.Footprint()), seq0)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) cnc() *cnc.CNC {
	f.t.Helper()
	c, err := cnc.New(f.alloc(wksp.KindCNC, cnc.Align, cnc.Footprint(8)), 1, 8, 0)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) dcache(mtu, depth int) *dcache.DCache {
	f.t.Helper()
	d, err := dcache.New(f.w, f.alloc(wksp.KindDCache, dcache.Align, dcache.Footprint(mtu, depth, 1)), mtu, depth, 1)
	require.NoError(f.t, err)
	return d
}

// producer publishes into an input ring the way an upstream tile would.
type producer struct {
	mc   *mcache.MCache
	seq  uint64
	orig uint16
}

func (f *fixture) input(depth uint64, orig uint16) (In, *producer) {
	mc := f.mcache(depth)
	return In{MCache: mc, FSeq: f.fseq(0)}, &producer{mc: mc, orig: orig}
}

func (p *producer) publish(sig uint64) {
	p.publishRaw(sig, uint32(p.seq), 64)
}

func (p *producer) publishRaw(sig uint64, chunk uint32, sz uint16) {
	p.mc.Publish(p.seq, sig, chunk, sz, frag.Ctl(p.orig, true, true, false), uint32(p.seq+1), 0)
	p.seq++
}

// fakeClock advances far enough per read that housekeeping is due on every
// step when Lazy is testLazy.
type fakeClock struct{ now int64 }

func (c *fakeClock) Now() int64 {
	c.now += 1000
	return c.now
}

func baseConfig(c *cnc.CNC, out *mcache.MCache, ins ...In) Config {
	clk := &fakeClock{}
	return Config{
		Name:   "test",
		CNC:    c,
		Ins:    ins,
		MCache: out,
		Burst:  1,
		Lazy:   testLazy,
		Seed:   1,
		Clock:  clk.Now,
	}
}

func booted(t *testing.T, cfg Config) *engine {
	t.Helper()
	e, err := newEngine(cfg)
	require.NoError(t, err)
	e.boot()
	return e
}

// stepN runs n iterations, checking the credit bounds after each one.
func stepN(t *testing.T, e *engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, e.step(), "loop halted unexpectedly at step %d", i)
		require.LessOrEqual(t, e.crAvail, e.crMax, "credit ceiling violated at step %d", i)
	}
}

// drain reads every record published on mc starting at from.
func drain(t *testing.T, mc *mcache.MCache, from uint64) []frag.Meta {
	t.Helper()
	var out []frag.Meta
	for seq := from; ; seq++ {
		var m frag.Meta
		err := mc.Read(seq, &m)
		if iox.IsWouldBlock(err) {
			return out
		}
		require.NoError(t, err, "output seq %d", seq)
		out = append(out, m)
	}
}

// recorder captures callback invocations.
type recorder struct {
	before []uint64
	during []uint64
	after  []uint64
}

func (r *recorder) BeforeFrag(in int, orig uint16, seq, sig uint64) bool {
	r.before = append(r.before, seq)
	return false
}

func (r *recorder) DuringFrag(in int, sig uint64, chunk uint32, sz uint16) bool {
	r.during = append(r.during, sig)
	return false
}

func (r *recorder) AfterFrag(in int, f *frag.Meta, mux *Context) bool {
	r.after = append(r.after, f.Sig)
	return false
}
