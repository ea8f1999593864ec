package wksp

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocAndLookup(t *testing.T) {
	w, err := New(1 << 16)
	require.NoError(t, err)
	defer w.Close()

	a, err := w.Alloc("a", KindFSeq, 128, 100)
	require.NoError(t, err)
	assert.Len(t, a, 104)

	b, err := w.Alloc("b", KindMCache, 4096, 64)
	require.NoError(t, err)

	offA, err := w.Offset(a)
	require.NoError(t, err)
	offB, err := w.Offset(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(HeaderSz), offA)
	assert.Zero(t, offB%4096)
	assert.Greater(t, offB, offA)

	e, got, err := w.Lookup("b")
	require.NoError(t, err)
	assert.Equal(t, KindMCache, e.Kind)
	assert.Equal(t, offB, e.Off)
	got[0] = 7
	assert.Equal(t, byte(7), b[0], "lookup must alias the allocation")

	names := []string{}
	for _, e := range w.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestAllocErrors(t *testing.T) {
	w, err := New(2 * HeaderSz)
	require.NoError(t, err)

	_, err = w.Alloc("", KindRaw, 8, 8)
	assert.ErrorIs(t, err, ErrBadName)
	_, err = w.Alloc(strings.Repeat("x", NameMax+1), KindRaw, 8, 8)
	assert.ErrorIs(t, err, ErrBadName)
	_, err = w.Alloc("x", KindRaw, 12, 8)
	assert.ErrorIs(t, err, ErrBadAlign)

	_, err = w.Alloc("x", KindRaw, 8, 8)
	require.NoError(t, err)
	_, err = w.Alloc("x", KindRaw, 8, 8)
	assert.ErrorIs(t, err, ErrExists)

	_, err = w.Alloc("big", KindRaw, 8, 2*HeaderSz)
	assert.ErrorIs(t, err, ErrNoSpace)

	_, _, err = w.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectoryFull(t *testing.T) {
	w, err := New(1 << 16)
	require.NoError(t, err)
	for i := 0; i < EntryMax; i++ {
		_, err := w.Alloc(fmt.Sprintf("obj%02d", i), KindRaw, 8, 8)
		require.NoError(t, err)
	}
	_, err = w.Alloc("one-more", KindRaw, 8, 8)
	assert.ErrorIs(t, err, ErrDirFull)
}

func TestChunkAddressing(t *testing.T) {
	w, err := New(1 << 16)
	require.NoError(t, err)
	b, err := w.Alloc("payload", KindDCache, ChunkSz, 1024)
	require.NoError(t, err)

	chunk := w.Chunk(b)
	copy(b[128:], "hello")
	got, err := w.Laddr(chunk+2, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = w.Laddr(0, 8)
	assert.ErrorIs(t, err, ErrOutOfWksp, "header chunks are not payload")
	_, err = w.Laddr(^uint32(0), 8)
	assert.ErrorIs(t, err, ErrOutOfWksp)

	assert.Panics(t, func() { w.Chunk(b[1:]) })
	assert.Panics(t, func() { w.Chunk(make([]byte, 64)) })
}

func TestFileBackedJoin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wksp")
	w, err := Create(path, 1<<16)
	require.NoError(t, err)

	b, err := w.Alloc("shared", KindRaw, 8, 64)
	require.NoError(t, err)
	copy(b, "across mappings")

	j, err := Join(path)
	require.NoError(t, err)
	defer j.Close()

	_, got, err := j.Lookup("shared")
	require.NoError(t, err)
	assert.Equal(t, "across mappings", string(got[:15]))
	assert.Equal(t, w.Used(), j.Used())
	require.NoError(t, w.Close())
}

func TestJoinRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.wksp")
	w, err := Create(path, 1<<14)
	require.NoError(t, err)
	Words(w.mem[:8])[0] = 0
	require.NoError(t, w.Close())

	_, err = Join(path)
	assert.ErrorIs(t, err, ErrBadMagic)
}
