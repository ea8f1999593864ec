package fseq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemux/wksp"
)

func newFSeq(t *testing.T, seq0 uint64) (*FSeq, []byte) {
	t.Helper()
	w, err := wksp.New(3 * wksp.HeaderSz)
	require.NoError(t, err)
	b, err := w.Alloc("fseq", wksp.KindFSeq, Align, Footprint())
	require.NoError(t, err)
	f, err := New(b, seq0)
	require.NoError(t, err)
	return f, b
}

func TestQueryUpdate(t *testing.T) {
	f, b := newFSeq(t, 17)
	assert.Equal(t, uint64(17), f.Seq0())
	assert.Equal(t, uint64(17), f.Query())

	f.Update(42)
	j, err := Join(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), j.Query())
	assert.Equal(t, uint64(17), j.Seq0())
}

func TestDiag(t *testing.T) {
	f, _ := newFSeq(t, 0)
	f.DiagAdd(DiagPubCnt, 3)
	f.DiagAdd(DiagPubCnt, 4)
	f.DiagStore(DiagSlowCnt, 9)
	assert.Equal(t, uint64(7), f.Diag(DiagPubCnt))
	assert.Equal(t, uint64(9), f.Diag(DiagSlowCnt))
	assert.Zero(t, f.Diag(DiagOvrnrCnt))
}

func TestDiagNames(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < DiagCnt; i++ {
		n := DiagName(i)
		assert.NotEmpty(t, n, "diag %d", i)
		assert.False(t, seen[n], "duplicate name %s", n)
		seen[n] = true
	}
	assert.Empty(t, DiagName(DiagCnt))
}

func TestJoinRejects(t *testing.T) {
	_, err := Join(make([]byte, 8))
	assert.ErrorIs(t, err, ErrTooSmall)
	_, err = Join(make([]byte, Footprint()))
	assert.ErrorIs(t, err, ErrBadMagic)
}
