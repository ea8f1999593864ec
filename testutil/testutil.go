// Package testutil builds shared-memory fixtures for tests of tiles that run
// their own loop: a heap workspace with named objects, and helpers to boot
// and halt a tile through its cnc the way an operator would.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tilemux/cnc"
	"tilemux/dcache"
	"tilemux/fseq"
	"tilemux/mcache"
	"tilemux/wksp"
)

// Timeout bounds every wait in this package.
const Timeout = 10 * time.Second

// Wksp wraps a heap workspace and names objects sequentially.
type Wksp struct {
	*wksp.Wksp
	t testing.TB
	n int
}

// NewWksp returns a heap workspace of size bytes.
func NewWksp(t testing.TB, size int) *Wksp {
	t.Helper()
	w, err := wksp.New(size)
	require.NoError(t, err)
	return &Wksp{Wksp: w, t: t}
}

func (w *Wksp) alloc(name string, kind wksp.Kind, align, sz int) []byte {
	w.t.Helper()
	if name == "" {
		w.n++
		name = fmt.Sprintf("%s%d", kind, w.n)
	}
	b, err := w.Alloc(name, kind, align, sz)
	require.NoError(w.t, err)
	return b
}

// MCache allocates and formats a ring starting at seq 0.
func (w *Wksp) MCache(name string, depth uint64) *mcache.MCache {
	w.t.Helper()
	m, err := mcache.New(w.alloc(name, wksp.KindMCache, mcache.Align, mcache.Footprint(depth)), depth, 0)
	require.NoError(w.t, err)
	return m
}

// FSeq allocates a position counter at seq0.
func (w *Wksp) FSeq(name string, seq0 uint64) *fseq.FSeq {
	w.t.Helper()
	f, err := fseq.New(w.alloc(name, wksp.KindFSeq, fseq.Align, fseq.Footprint()), seq0)
	require.NoError(w.t, err)
	return f
}

// CNC allocates a cnc in BOOT with appCnt diagnostic words.
func (w *Wksp) CNC(name string, appCnt int) *cnc.CNC {
	w.t.Helper()
	c, err := cnc.New(w.alloc(name, wksp.KindCNC, cnc.Align, cnc.Footprint(appCnt)), 0, appCnt, time.Now().UnixNano())
	require.NoError(w.t, err)
	return c
}

// DCache allocates a payload region for depth payloads of up to mtu bytes.
func (w *Wksp) DCache(name string, mtu, depth int) *dcache.DCache {
	w.t.Helper()
	d, err := dcache.New(w.Wksp, w.alloc(name, wksp.KindDCache, dcache.Align, dcache.Footprint(mtu, depth, 1)), mtu, depth, 1)
	require.NoError(w.t, err)
	return d
}

// Go runs body on its own goroutine and returns its result channel.
func Go(body func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- body() }()
	return done
}

// WaitRun blocks until c has left BOOT and checks it reached RUN.
func WaitRun(t testing.TB, c *cnc.CNC) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	s, err := c.Wait(ctx, cnc.SignalBoot, 0)
	require.NoError(t, err)
	require.Equal(t, cnc.SignalRun, s)
}

// Halt signals HALT on c, waits for the tile to rewind it to BOOT and
// returns the tile's result from done.
func Halt(t testing.TB, c *cnc.CNC, done <-chan error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	c.Signal(cnc.SignalHalt)
	s, err := c.Wait(ctx, cnc.SignalHalt, 0)
	require.NoError(t, err)
	require.Equal(t, cnc.SignalBoot, s)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		t.Fatalf("tile did not return after halt")
		return nil
	}
}
