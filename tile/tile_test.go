package tile

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemux/cnc"
	"tilemux/frag"
	"tilemux/fseq"
	"tilemux/mcache"
	"tilemux/wksp"
)

type rig struct {
	mc *mcache.MCache
	fs *fseq.FSeq
	cn *cnc.CNC
}

func newRig(t *testing.T, depth uint64) *rig {
	t.Helper()
	w, err := wksp.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	b, err := w.Alloc("ring", wksp.KindMCache, mcache.Align, mcache.Footprint(depth))
	require.NoError(t, err)
	mc, err := mcache.New(b, depth, 0)
	require.NoError(t, err)

	b, err = w.Alloc("fseq", wksp.KindFSeq, fseq.Align, fseq.Footprint())
	require.NoError(t, err)
	fs, err := fseq.New(b, 0)
	require.NoError(t, err)

	b, err = w.Alloc("cnc", wksp.KindCNC, cnc.Align, cnc.Footprint(4))
	require.NoError(t, err)
	cn, err := cnc.New(b, 2, 4, 0)
	require.NoError(t, err)
	return &rig{mc: mc, fs: fs, cn: cn}
}

func (r *rig) publish(seq uint64) {
	r.mc.Publish(seq, seq*7, 0, 0, frag.Ctl(0, true, true, false), 0, 0)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

func TestSpawnRegistersTile(t *testing.T) {
	release := make(chan struct{})
	h := Spawn(Spec{Name: "probe", Core: -1}, func() error {
		<-release
		return nil
	})
	waitFor(t, func() bool {
		for _, info := range Registry() {
			if info.Name == "probe" {
				return true
			}
		}
		return false
	})
	close(release)
	require.NoError(t, h.Wait())
	for _, info := range Registry() {
		assert.NotEqual(t, "probe", info.Name, "tile still registered after exit")
	}
	assert.Equal(t, "probe", h.Name())
	assert.GreaterOrEqual(t, Spawned(), uint64(1))
}

func TestSpawnReportsErrorsAndPanics(t *testing.T) {
	boom := errors.New("boom")
	assert.ErrorIs(t, Spawn(Spec{Name: "err", Core: -1}, func() error { return boom }).Wait(), boom)

	err := Spawn(Spec{Name: "panic", Core: -1}, func() error { panic("bad") }).Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: bad")
}

func TestNewConsumerValidates(t *testing.T) {
	r := newRig(t, 8)
	_, err := NewConsumer(ConsumerConfig{Handler: func(*frag.Meta) {}})
	assert.ErrorIs(t, err, ErrNoRing)
	_, err = NewConsumer(ConsumerConfig{MCache: r.mc})
	assert.ErrorIs(t, err, ErrNoHandler)

	r.cn.Signal(cnc.SignalRun)
	_, err = NewConsumer(ConsumerConfig{MCache: r.mc, CNC: r.cn, Handler: func(*frag.Meta) {}})
	assert.ErrorIs(t, err, ErrNotBooted)
}

func TestReliableConsumerPublishesPosition(t *testing.T) {
	r := newRig(t, 8)
	var got []uint64
	c, err := NewConsumer(ConsumerConfig{
		MCache: r.mc, FSeq: r.fs, UpdateEvery: 2,
		Handler: func(m *frag.Meta) { got = append(got, m.Sig) },
	})
	require.NoError(t, err)

	for seq := uint64(0); seq < 5; seq++ {
		r.publish(seq)
	}
	for range 5 {
		require.NoError(t, c.Poll())
	}
	assert.Equal(t, []uint64{0, 7, 14, 21, 28}, got)
	assert.Equal(t, uint64(4), r.fs.Query(), "position published every two fragments")
	assert.True(t, iox.IsWouldBlock(c.Poll()))
	assert.Equal(t, uint64(5), c.Frags())
}

func TestUnreliableConsumerResyncsOnOverrun(t *testing.T) {
	r := newRig(t, 4)
	var got []uint64
	c, err := NewConsumer(ConsumerConfig{MCache: r.mc, Handler: func(m *frag.Meta) { got = append(got, m.Seq) }})
	require.NoError(t, err)

	for seq := uint64(0); seq < 6; seq++ {
		r.publish(seq)
	}
	require.NoError(t, c.Poll(), "overrun is absorbed")
	assert.Equal(t, uint64(1), c.Overruns())
	assert.Equal(t, uint64(4), c.Seq())
	require.NoError(t, c.Poll())
	require.NoError(t, c.Poll())
	assert.Equal(t, []uint64{4, 5}, got)
}

func TestConsumerStopsOnHalt(t *testing.T) {
	r := newRig(t, 16)
	var n atomic.Uint64
	c, err := NewConsumer(ConsumerConfig{
		MCache: r.mc, FSeq: r.fs, CNC: r.cn, HotWindow: time.Millisecond, SpinBudget: 4,
		Handler: func(*frag.Meta) { n.Add(1) },
	})
	require.NoError(t, err)

	h := Spawn(Spec{Name: "sink", Core: -1}, func() error { return c.Run(nil) })
	waitFor(t, func() bool { return r.cn.Query() == cnc.SignalRun })
	for seq := uint64(0); seq < 10; seq++ {
		r.publish(seq)
	}
	waitFor(t, func() bool { return n.Load() == 10 })
	waitFor(t, func() bool { return r.fs.Query() == 10 })

	r.cn.Signal(cnc.SignalHalt)
	require.NoError(t, h.Wait())
	assert.Equal(t, cnc.SignalBoot, r.cn.Query())
	assert.Equal(t, uint64(10), r.fs.Query())
}

func TestConsumerStopChannel(t *testing.T) {
	r := newRig(t, 8)
	c, err := NewConsumer(ConsumerConfig{MCache: r.mc, Handler: func(*frag.Meta) {}})
	require.NoError(t, err)
	stop := make(chan struct{})
	h := Spawn(Spec{Name: "free", Core: -1}, func() error { return c.Run(stop) })
	close(stop)
	require.NoError(t, h.Wait())
}
