package monitor

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"tilemux/cnc"
	"tilemux/fseq"
	"tilemux/testutil"
	"tilemux/tiles/cswitch"
)

func fixture(t *testing.T) *testutil.Wksp {
	t.Helper()
	w := testutil.NewWksp(t, 1<<20)
	c := w.CNC("a.cnc", 3)
	c.App().Store(1, 7)
	c.Heartbeat(5_000_000_000)
	f := w.FSeq("a.fseq", 10)
	f.DiagAdd(fseq.DiagFiltCnt, 4)
	mc := w.MCache("a.mc", 8)
	mc.SeqUpdate(6)
	w.DCache("a.dc", 128, 4)
	tab, err := cswitch.Alloc(w.Wksp, cswitch.TableName, 4)
	require.NoError(t, err)
	tab.Store([]cswitch.Row{{Tid: 99, Name: "a", Voluntary: 5, Nonvoluntary: 6}})
	return w
}

func TestTake(t *testing.T) {
	s := Take(fixture(t).Wksp)

	require.Len(t, s.CNCs, 1)
	assert.Equal(t, "a.cnc", s.CNCs[0].Name)
	assert.Equal(t, "boot", s.CNCs[0].Signal)
	assert.Equal(t, uint64(cnc.SignalBoot), s.CNCs[0].Code)
	assert.Equal(t, int64(5_000_000_000), s.CNCs[0].Heartbeat)
	assert.Equal(t, []uint64{0, 7, 0}, s.CNCs[0].App)

	require.Len(t, s.FSeqs, 1)
	assert.Equal(t, uint64(10), s.FSeqs[0].Seq)
	assert.Equal(t, uint64(4), s.FSeqs[0].Diag["filt_cnt"])
	assert.Len(t, s.FSeqs[0].Diag, fseq.DiagCnt)

	require.Len(t, s.MCaches, 1)
	assert.Equal(t, MCache{Name: "a.mc", Depth: 8, Seq: 6}, s.MCaches[0])

	require.Len(t, s.Cswitch, 1)
	assert.Equal(t, "a", s.Cswitch[0].Name)

	require.Len(t, s.Other, 1)
	assert.Equal(t, "dcache", s.Other[0].Kind)
}

func TestJSONRoundTrip(t *testing.T) {
	s := Take(fixture(t).Wksp)
	b, err := s.JSON()
	require.NoError(t, err)

	var back Snapshot
	require.NoError(t, sonnet.Unmarshal(b, &back))
	assert.Equal(t, s.CNCs, back.CNCs)
	assert.Equal(t, s.Cswitch, back.Cswitch)
}

func TestWriteTextGolden(t *testing.T) {
	s := Snapshot{
		Path: "/dev/shm/demo",
		Size: 1 << 20,
		Used: 9216,
		CNCs: []CNC{
			{Name: "dedup.cnc", Type: 1, Signal: "run", Heartbeat: 1_700_000_000_000_000_000, App: []uint64{0, 3, 12, 4}},
			{Name: "sink.cnc", Type: 2, Signal: "boot", Code: 1, Heartbeat: 42},
		},
		FSeqs: []FSeq{{Name: "dedup.in0.fseq", Seq: 128, Diag: map[string]uint64{
			"pub_cnt": 120, "pub_sz": 7680, "filt_cnt": 8, "filt_sz": 512, "ovrnr_cnt": 1,
		}}},
		MCaches: []MCache{{Name: "dedup.mc", Depth: 1024, Seq: 120}},
		Cswitch: []cswitch.Row{{Tid: 4242, Name: "dedup", Voluntary: 3, Nonvoluntary: 17}},
		Other:   []Object{{Name: "src0.dc", Kind: "dcache", Size: 81920}},
	}
	var buf bytes.Buffer
	require.NoError(t, s.WriteText(&buf))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "snapshot", buf.Bytes())
}

func TestWriteTextEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Snapshot{Size: 4096, Used: 4096}.WriteText(&buf))
	assert.Equal(t, "wksp - size=4096 used=4096\n", buf.String())
}

func TestCollector(t *testing.T) {
	c := NewCollector(fixture(t).Wksp)
	assert.Equal(t, 1, promtest.CollectAndCount(c, "tilemux_cnc_signal"))
	assert.Equal(t, 3, promtest.CollectAndCount(c, "tilemux_cnc_app"))
	assert.Equal(t, fseq.DiagCnt, promtest.CollectAndCount(c, "tilemux_fseq_diag_total"))
	assert.Equal(t, 1, promtest.CollectAndCount(c, "tilemux_mcache_seq"))
	assert.Equal(t, 1, promtest.CollectAndCount(c, "tilemux_tile_nonvoluntary_ctxt_switches_total"))

	want := `
# HELP tilemux_mcache_seq Producer's published position.
# TYPE tilemux_mcache_seq gauge
tilemux_mcache_seq{mcache="a.mc"} 6
`
	require.NoError(t, promtest.CollectAndCompare(c, strings.NewReader(want), "tilemux_mcache_seq"))
}

func TestServer(t *testing.T) {
	w := fixture(t)
	h := NewServer(w.Wksp, nil).Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tilemux_fseq_seq{fseq="a.fseq"} 10`)

	rec = get("/diag")
	assert.Equal(t, http.StatusOK, rec.Code)
	var s Snapshot
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &s))
	assert.Len(t, s.CNCs, 1)

	rec = get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	_, b, err := w.Lookup("a.cnc")
	require.NoError(t, err)
	c, err := cnc.Join(b)
	require.NoError(t, err)
	c.Signal(cnc.SignalFail)
	rec = get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "a.cnc")
}
