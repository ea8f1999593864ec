package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemux/frag"
	"tilemux/fseq"
)

// lapper overruns its own input while the loop is inside DuringFrag for a
// chosen signature.
type lapper struct {
	recorder
	p       *producer
	trigger uint64
	laps    int
}

func (l *lapper) DuringFrag(in int, sig uint64, chunk uint32, sz uint16) bool {
	l.recorder.DuringFrag(in, sig, chunk, sz)
	if sig == l.trigger {
		for i := 0; i < l.laps; i++ {
			l.p.publish(l.p.seq * 10)
		}
	}
	return false
}

func TestOverrunDuringReadIsNeverFinalized(t *testing.T) {
	f := newFixture(t)
	in, p := f.input(4, 0)
	out := f.mcache(8)
	l := &lapper{p: p, trigger: 10, laps: 4}
	cfg := baseConfig(f.cnc(), out, in)
	cfg.Callbacks = l
	e := booted(t, cfg)

	p.publish(0)
	p.publish(10)
	stepN(t, e, 20)

	// seq 1 was overwritten by seq 5 while DuringFrag held it.
	assert.Equal(t, []uint64{0, 10, 50}, l.during)
	got := drain(t, out, 0)
	sigs := make([]uint64, len(got))
	for i, m := range got {
		sigs[i] = m.Sig
	}
	assert.NotContains(t, sigs, uint64(10), "torn fragment must not be published")
	assert.NotContains(t, l.after, uint64(10), "torn fragment must not reach AfterFrag")
	assert.Equal(t, []uint64{0, 50}, sigs)
	assert.Equal(t, uint64(1), in.FSeq.Diag(fseq.DiagOvrnrCnt))
}

func TestOverrunWhilePollingResyncs(t *testing.T) {
	f := newFixture(t)
	in, p := f.input(4, 0)
	out := f.mcache(8)
	e := booted(t, baseConfig(f.cnc(), out, in))

	for k := uint64(0); k < 10; k++ {
		p.publish(k)
	}
	stepN(t, e, 20)

	got := drain(t, out, 0)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(8), got[0].Sig)
	assert.Equal(t, uint64(9), got[1].Sig)
	assert.Equal(t, uint64(1), in.FSeq.Diag(fseq.DiagOvrnpCnt))
	assert.Equal(t, uint64(10), in.FSeq.Query())
}

// rejectAll filters on the header and records whether anything past the
// header was ever requested.
type rejectAll struct {
	seen    int
	touched int
}

func (r *rejectAll) BeforeFrag(in int, orig uint16, seq, sig uint64) bool {
	r.seen++
	return true
}

func (r *rejectAll) DuringFrag(in int, sig uint64, chunk uint32, sz uint16) bool {
	r.touched++
	return false
}

func (r *rejectAll) AfterFrag(in int, f *frag.Meta, mux *Context) bool {
	r.touched++
	return false
}

func TestPreFilterNeverReadsPayload(t *testing.T) {
	f := newFixture(t)
	in, p := f.input(8, 2)
	out := f.mcache(8)
	r := &rejectAll{}
	cfg := baseConfig(f.cnc(), out, in)
	cfg.Callbacks = r
	e := booted(t, cfg)

	for k := uint64(0); k < 6; k++ {
		p.publishRaw(k, ^uint32(0), ^uint16(0)) // garbage chunk and size
	}
	stepN(t, e, 30)

	assert.Equal(t, 6, r.seen)
	assert.Zero(t, r.touched)
	assert.Empty(t, drain(t, out, 0))
	assert.Equal(t, uint64(6), in.FSeq.Diag(fseq.DiagFiltCnt))
	assert.Zero(t, in.FSeq.Diag(fseq.DiagFiltSz))
	assert.Equal(t, uint64(6), in.FSeq.Query())
}

// evenOnly filters odd signatures at the read stage and rewrites survivors.
type evenOnly struct{}

func (evenOnly) DuringFrag(in int, sig uint64, chunk uint32, sz uint16) bool { return sig%2 == 1 }

func (evenOnly) AfterFrag(in int, f *frag.Meta, mux *Context) bool {
	f.Sig += 1000
	f.Sz = 7
	return f.Sig == 1004
}

func TestReadFilterAndRewrite(t *testing.T) {
	f := newFixture(t)
	in, p := f.input(8, 0)
	out := f.mcache(8)
	cfg := baseConfig(f.cnc(), out, in)
	cfg.Callbacks = evenOnly{}
	e := booted(t, cfg)

	for k := uint64(0); k < 6; k++ {
		p.publish(k)
	}
	stepN(t, e, 30)

	got := drain(t, out, 0)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1000), got[0].Sig)
	assert.Equal(t, uint64(1002), got[1].Sig)
	assert.Equal(t, uint16(7), got[0].Sz)
	assert.Equal(t, uint64(4), in.FSeq.Diag(fseq.DiagFiltCnt))
	assert.Equal(t, uint64(2), in.FSeq.Diag(fseq.DiagPubCnt))
	assert.Equal(t, uint64(14), in.FSeq.Diag(fseq.DiagPubSz))
}

func TestNoPollingWithoutCredits(t *testing.T) {
	f := newFixture(t)
	in, p := f.input(8, 0)
	r := &recorder{}
	cfg := baseConfig(f.cnc(), f.mcache(8), in)
	cfg.OutFSeqs = []*fseq.FSeq{f.fseq(0)}
	cfg.CrMax = 2
	cfg.Callbacks = r
	e := booted(t, cfg)

	for k := uint64(0); k < 5; k++ {
		p.publish(k)
	}
	stepN(t, e, 40)
	assert.Len(t, r.before, 2, "backpressured loop must not touch inputs")
}
