package source

import (
	"context"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemux/cnc"
	"tilemux/dcache"
	"tilemux/frag"
	"tilemux/fseq"
	"tilemux/mcache"
	"tilemux/wksp"
)

type rig struct {
	w  *wksp.Wksp
	mc *mcache.MCache
	dc *dcache.DCache
	fs *fseq.FSeq
	cn *cnc.CNC
}

func newRig(t *testing.T, depth uint64) *rig {
	t.Helper()
	w, err := wksp.New(1 << 20)
	require.NoError(t, err)

	b, err := w.Alloc("src.mc", wksp.KindMCache, mcache.Align, mcache.Footprint(depth))
	require.NoError(t, err)
	mc, err := mcache.New(b, depth, 0)
	require.NoError(t, err)

	b, err = w.Alloc("src.dc", wksp.KindDCache, dcache.Align, dcache.Footprint(256, int(depth), 1))
	require.NoError(t, err)
	dc, err := dcache.New(w, b, 256, int(depth), 1)
	require.NoError(t, err)

	b, err = w.Alloc("src.fs", wksp.KindFSeq, fseq.Align, fseq.Footprint())
	require.NoError(t, err)
	fs, err := fseq.New(b, 0)
	require.NoError(t, err)

	b, err = w.Alloc("src.cnc", wksp.KindCNC, cnc.Align, cnc.Footprint(DiagCnt))
	require.NoError(t, err)
	cn, err := cnc.New(b, 1, DiagCnt, 0)
	require.NoError(t, err)

	return &rig{w: w, mc: mc, dc: dc, fs: fs, cn: cn}
}

func (r *rig) config() Config {
	return Config{
		Name:       "src",
		Orig:       3,
		MCache:     r.mc,
		DCache:     r.dc,
		PayloadMin: 8,
		PayloadMax: 200,
		Seed:       7,
	}
}

func TestPublishesVerifiablePayloads(t *testing.T) {
	r := newRig(t, 16)
	s, err := New(r.config())
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		require.NoError(t, s.Step(), "unreliable source never backpressures")
	}
	assert.Equal(t, uint64(40), s.Seq())

	// Only the last lap is still in the ring.
	for seq := uint64(24); seq < 40; seq++ {
		var m frag.Meta
		require.NoError(t, r.mc.Read(seq, &m))
		assert.Equal(t, uint16(3), m.Orig())
		assert.True(t, frag.CtlSom(m.Ctl) && frag.CtlEom(m.Ctl))
		assert.GreaterOrEqual(t, m.Sz, uint16(8))
		assert.LessOrEqual(t, m.Sz, uint16(200))
		p, err := r.dc.Bytes(m.Chunk, int(m.Sz))
		require.NoError(t, err)
		assert.Equal(t, Sig(p), m.Sig, "seq %d", seq)
	}
}

func TestDuplicatesRepeatSig(t *testing.T) {
	r := newRig(t, 8)
	cfg := r.config()
	cfg.DupRate = 1
	s, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Step())
	}
	assert.Equal(t, uint64(4), s.Dups(), "everything after the first is a repeat")

	var first frag.Meta
	require.NoError(t, r.mc.Read(0, &first))
	for seq := uint64(1); seq < 5; seq++ {
		var m frag.Meta
		require.NoError(t, r.mc.Read(seq, &m))
		assert.Equal(t, first.Sig, m.Sig)
		assert.Equal(t, first.Sz, m.Sz)
		assert.NotEqual(t, first.Chunk, m.Chunk, "each repeat gets its own payload copy")
	}
}

func TestCreditsFollowReliableConsumer(t *testing.T) {
	r := newRig(t, 8)
	cfg := r.config()
	cfg.OutFSeqs = []*fseq.FSeq{r.fs}
	cfg.CrMax = 4
	s, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Step())
	}
	err = s.Step()
	assert.True(t, iox.IsWouldBlock(err), "fifth publish must wait, got %v", err)
	assert.Equal(t, uint64(4), s.Seq())

	r.fs.Update(1)
	require.NoError(t, s.Step())
	assert.True(t, iox.IsWouldBlock(s.Step()))
	assert.Equal(t, uint64(5), s.Seq())
}

func TestRunHaltsOnSignal(t *testing.T) {
	r := newRig(t, 8)
	cfg := r.config()
	cfg.OutFSeqs = []*fseq.FSeq{r.fs}
	cfg.Lazy = 1000
	s, err := New(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(r.cn) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sig, err := r.cn.Wait(ctx, cnc.SignalBoot, 0)
	require.NoError(t, err)
	require.Equal(t, cnc.SignalRun, sig)

	// Backpressured at the reliable consumer's window.
	require.Eventually(t, func() bool {
		var m frag.Meta
		return r.mc.Read(7, &m) == nil && r.cn.App().Load(DiagBackpCnt) != 0
	}, 5*time.Second, time.Millisecond)

	r.cn.Signal(cnc.SignalHalt)
	sig, err = r.cn.Wait(ctx, cnc.SignalHalt, 0)
	require.NoError(t, err)
	assert.Equal(t, cnc.SignalBoot, sig)
	require.NoError(t, <-done)

	assert.Equal(t, uint64(8), s.Seq())
	assert.Equal(t, uint64(8), r.mc.SeqQuery())
	assert.Equal(t, uint64(8), r.cn.App().Load(DiagPubCnt))
}

func TestConfigErrors(t *testing.T) {
	r := newRig(t, 8)

	cfg := r.config()
	cfg.DCache = nil
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrNoRing)

	cfg = r.config()
	cfg.PayloadMax = 4096
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrPayload)

	cfg = r.config()
	cfg.DupRate = -0.5
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrDupRate)

	r.cn.Signal(cnc.SignalRun)
	s, err := New(r.config())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Run(r.cn), ErrNotBooted)
}
