// Package dcache manages a payload region inside a workspace.
//
// Payloads are addressed in 64-byte chunks relative to the workspace base,
// so the chunk written into a fragment is meaningful to any tile that maps
// the same workspace. Allocation is a compact ring: each payload takes
// ceil(sz/64) chunks after the previous one, wrapping back to chunk0 once the
// write cursor passes the watermark. The region is sized so that a producer
// which only publishes with credits never overwrites a payload a reliable
// consumer can still reference.
package dcache

import (
	"errors"
	"fmt"

	"tilemux/wksp"
)

// Align is the required alignment of the backing bytes.
const Align = wksp.ChunkSz

var (
	ErrMTU      = errors.New("dcache: mtu must be in [1, 65535]")
	ErrDepth    = errors.New("dcache: depth must be positive")
	ErrTooSmall = errors.New("dcache: region smaller than footprint")
)

// DCache is a process-local view of a payload region.
type DCache struct {
	w        *wksp.Wksp
	mem      []byte
	chunk0   uint32
	wmark    uint32
	chunkMTU uint32
	mtu      int
}

func chunkCnt(sz int) uint32 { return uint32((sz + wksp.ChunkSz - 1) / wksp.ChunkSz) }

// Footprint returns the bytes needed to hold depth+burst in-flight payloads
// of up to mtu bytes each, plus one mtu of slack for the wrap.
func Footprint(mtu, depth, burst int) int {
	if mtu <= 0 || mtu > 0xffff || depth <= 0 || burst < 0 {
		return 0
	}
	return int(chunkCnt(mtu)) * (depth + burst + 1) * wksp.ChunkSz
}

// New builds a view over b, which must have been allocated from w. The
// region holds no header, so joining from another process is the same call
// with the creator's parameters.
func New(w *wksp.Wksp, b []byte, mtu, depth, burst int) (*DCache, error) {
	if mtu <= 0 || mtu > 0xffff {
		return nil, ErrMTU
	}
	if depth <= 0 {
		return nil, ErrDepth
	}
	fp := Footprint(mtu, depth, burst)
	if len(b) < fp {
		return nil, fmt.Errorf("%w: have %d need %d", ErrTooSmall, len(b), fp)
	}
	mem := b[:fp:fp]
	c0 := w.Chunk(mem)
	cm := chunkCnt(mtu)
	total := uint32(fp / wksp.ChunkSz)
	return &DCache{
		w:        w,
		mem:      mem,
		chunk0:   c0,
		wmark:    c0 + total - cm,
		chunkMTU: cm,
		mtu:      mtu,
	}, nil
}

// Chunk0 is the first chunk of the region.
func (d *DCache) Chunk0() uint32 { return d.chunk0 }

// Wmark is the last chunk at which a full mtu still fits.
func (d *DCache) Wmark() uint32 { return d.wmark }

// MTU is the largest payload the region was sized for.
func (d *DCache) MTU() int { return d.mtu }

// Wksp is the workspace chunk indices are relative to.
func (d *DCache) Wksp() *wksp.Wksp { return d.w }

// Next returns the chunk following a payload of sz bytes stored at chunk.
//
//go:nosplit
//go:inline
func (d *DCache) Next(chunk uint32, sz int) uint32 {
	next := chunk + chunkCnt(sz)
	if next > d.wmark {
		return d.chunk0
	}
	return next
}

// Bytes returns the payload bytes at chunk. Chunks outside this region are
// rejected even when they are valid workspace addresses.
func (d *DCache) Bytes(chunk uint32, sz int) ([]byte, error) {
	if chunk < d.chunk0 || chunk > d.wmark || sz > d.mtu {
		return nil, fmt.Errorf("dcache: chunk %d sz %d outside region [%d,%d]", chunk, sz, d.chunk0, d.wmark)
	}
	return d.w.Laddr(chunk, sz)
}

// Write copies p into the region at chunk and returns the chunk after it.
func (d *DCache) Write(chunk uint32, p []byte) (uint32, error) {
	dst, err := d.Bytes(chunk, len(p))
	if err != nil {
		return chunk, err
	}
	copy(dst, p)
	return d.Next(chunk, len(p)), nil
}
