// ════════════════════════════════════════════════════════════════════════════════════════════════
// SHARED MEMORY WORKSPACE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// A workspace is one contiguous memory region that every tile of a pipeline
// maps. All shared objects (rings, payload regions, position counters,
// command channels) are carved out of it and located by byte offset, never
// by Go pointer, so the same region can be mapped at different addresses in
// different processes.
//
// Backing:
//   - New:    process-local heap memory (tests, single-process demos)
//   - Create: file-backed MAP_SHARED mapping, typically under /dev/shm
//   - Join:   attach to a region created by another process
//
// Region layout:
//   - page 0: header (magic, size, bump cursor, object directory)
//   - rest:   bump-allocated objects, zeroed, aligned on request
//
// Payload addressing uses 64-byte chunks relative to the region base, which
// lets a 32-bit chunk index cover 256 GiB.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package wksp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// ChunkSz is the payload addressing granularity.
	ChunkSz = 64

	// HeaderSz is the size of the reserved header page.
	HeaderSz = 4096

	// NameMax is the longest object name the directory stores.
	NameMax = 31

	// EntryMax is the directory capacity.
	EntryMax = (HeaderSz - entryOff) / entrySz

	magic = 0x7469_6c65_776b_7370 // "tilewksp"

	entryOff = 64
	entrySz  = 64

	// header word indices
	hdrMagic = 0
	hdrSize  = 1
	hdrUsed  = 2
	hdrCount = 3
)

var (
	ErrTooSmall  = errors.New("wksp: region too small")
	ErrNoSpace   = errors.New("wksp: region exhausted")
	ErrDirFull   = errors.New("wksp: object directory full")
	ErrExists    = errors.New("wksp: object name already allocated")
	ErrNotFound  = errors.New("wksp: object not found")
	ErrBadMagic  = errors.New("wksp: not a workspace")
	ErrBadName   = errors.New("wksp: invalid object name")
	ErrBadAlign  = errors.New("wksp: alignment must be a power of two multiple of 8")
	ErrOutOfWksp = errors.New("wksp: address outside workspace")
)

// Kind tags directory entries so observers know which view to join.
type Kind uint64

const (
	KindRaw Kind = iota
	KindCNC
	KindMCache
	KindDCache
	KindFSeq
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindCNC:
		return "cnc"
	case KindMCache:
		return "mcache"
	case KindDCache:
		return "dcache"
	case KindFSeq:
		return "fseq"
	case KindTable:
		return "table"
	default:
		return "raw"
	}
}

// Entry describes one allocated object.
type Entry struct {
	Name string
	Kind Kind
	Off  uint64
	Size uint64
}

// Wksp is a handle to a mapped workspace region. The handle itself is
// process-local; only the region is shared.
type Wksp struct {
	mem    []byte
	hdr    []uint64
	base   uintptr
	path   string
	unmap  func() error
	allocM sync.Mutex
}

// New allocates a heap-backed workspace of at least size bytes.
func New(size int) (*Wksp, error) {
	size = roundUp(size, HeaderSz)
	if size < 2*HeaderSz {
		return nil, ErrTooSmall
	}
	words := make([]uint64, size/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	w := attach(mem, "", nil)
	w.format()
	return w, nil
}

func attach(mem []byte, path string, unmap func() error) *Wksp {
	return &Wksp{
		mem:   mem,
		hdr:   Words(mem[:HeaderSz]),
		base:  uintptr(unsafe.Pointer(&mem[0])),
		path:  path,
		unmap: unmap,
	}
}

func (w *Wksp) format() {
	atomic.StoreUint64(&w.hdr[hdrSize], uint64(len(w.mem)))
	atomic.StoreUint64(&w.hdr[hdrUsed], HeaderSz)
	atomic.StoreUint64(&w.hdr[hdrCount], 0)
	atomic.StoreUint64(&w.hdr[hdrMagic], magic)
}

func (w *Wksp) validate() error {
	if len(w.mem) < HeaderSz || atomic.LoadUint64(&w.hdr[hdrMagic]) != magic {
		return ErrBadMagic
	}
	if atomic.LoadUint64(&w.hdr[hdrSize]) != uint64(len(w.mem)) {
		return fmt.Errorf("%w: size mismatch", ErrBadMagic)
	}
	return nil
}

// Close releases the mapping. Views into the region are invalid afterwards.
func (w *Wksp) Close() error {
	if w.unmap == nil {
		return nil
	}
	err := w.unmap()
	w.unmap = nil
	return err
}

// Path is the backing file, empty for heap workspaces.
func (w *Wksp) Path() string { return w.path }

// Size is the region size in bytes.
func (w *Wksp) Size() int { return len(w.mem) }

// Used is the bump cursor.
func (w *Wksp) Used() int { return int(atomic.LoadUint64(&w.hdr[hdrUsed])) }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ALLOCATION AND DIRECTORY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Alloc carves size zeroed bytes aligned to align out of the region and
// records them under name. Allocation is a setup-time operation: it is safe
// against other goroutines in this process but not against a second process
// allocating concurrently.
func (w *Wksp) Alloc(name string, kind Kind, align, size int) ([]byte, error) {
	if name == "" || len(name) > NameMax {
		return nil, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	if align < 8 || align&(align-1) != 0 {
		return nil, ErrBadAlign
	}
	if size <= 0 {
		return nil, ErrTooSmall
	}
	size = roundUp(size, 8)

	w.allocM.Lock()
	defer w.allocM.Unlock()

	cnt := atomic.LoadUint64(&w.hdr[hdrCount])
	if cnt >= EntryMax {
		return nil, ErrDirFull
	}
	for i := uint64(0); i < cnt; i++ {
		if w.entry(i).Name == name {
			return nil, fmt.Errorf("%w: %q", ErrExists, name)
		}
	}

	off := roundUp(int(atomic.LoadUint64(&w.hdr[hdrUsed])), align)
	if off+size > len(w.mem) {
		return nil, fmt.Errorf("%w: need %d bytes at %d, size %d", ErrNoSpace, size, off, len(w.mem))
	}
	b := w.mem[off : off+size : off+size]
	clear(b)

	e := w.mem[entryOff+int(cnt)*entrySz : entryOff+int(cnt+1)*entrySz]
	clear(e[:32])
	copy(e[:32], name)
	ew := Words(e[32:])
	atomic.StoreUint64(&ew[0], uint64(kind))
	atomic.StoreUint64(&ew[1], uint64(off))
	atomic.StoreUint64(&ew[2], uint64(size))

	atomic.StoreUint64(&w.hdr[hdrUsed], uint64(off+size))
	atomic.StoreUint64(&w.hdr[hdrCount], cnt+1)
	return b, nil
}

func (w *Wksp) entry(i uint64) Entry {
	e := w.mem[entryOff+int(i)*entrySz : entryOff+int(i+1)*entrySz]
	n := 0
	for n < 32 && e[n] != 0 {
		n++
	}
	ew := Words(e[32:])
	return Entry{
		Name: string(e[:n]),
		Kind: Kind(atomic.LoadUint64(&ew[0])),
		Off:  atomic.LoadUint64(&ew[1]),
		Size: atomic.LoadUint64(&ew[2]),
	}
}

// Entries lists the directory in allocation order.
func (w *Wksp) Entries() []Entry {
	cnt := atomic.LoadUint64(&w.hdr[hdrCount])
	out := make([]Entry, 0, cnt)
	for i := uint64(0); i < cnt; i++ {
		out = append(out, w.entry(i))
	}
	return out
}

// Lookup returns the entry and bytes of a named object.
func (w *Wksp) Lookup(name string) (Entry, []byte, error) {
	cnt := atomic.LoadUint64(&w.hdr[hdrCount])
	for i := uint64(0); i < cnt; i++ {
		e := w.entry(i)
		if e.Name != name {
			continue
		}
		end := e.Off + e.Size
		if end > uint64(len(w.mem)) {
			return Entry{}, nil, fmt.Errorf("%w: %q", ErrOutOfWksp, name)
		}
		return e, w.mem[e.Off:end:end], nil
	}
	return Entry{}, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ADDRESSING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Offset returns the byte offset of b within the region.
func (w *Wksp) Offset(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, ErrOutOfWksp
	}
	p := uintptr(unsafe.Pointer(&b[0]))
	if p < w.base || p+uintptr(len(b)) > w.base+uintptr(len(w.mem)) {
		return 0, ErrOutOfWksp
	}
	return uint64(p - w.base), nil
}

// Chunk converts a chunk-aligned slice of the region into its chunk index.
// Panics when b does not start on a chunk boundary inside the region.
func (w *Wksp) Chunk(b []byte) uint32 {
	off, err := w.Offset(b)
	if err != nil || off%ChunkSz != 0 {
		panic("wksp: slice is not a chunk-aligned part of the workspace")
	}
	return uint32(off / ChunkSz)
}

// Laddr resolves a chunk index and size to bytes. Metadata read off a ring
// may be torn, so the range is always checked.
func (w *Wksp) Laddr(chunk uint32, sz int) ([]byte, error) {
	off := uint64(chunk) * ChunkSz
	end := off + uint64(sz)
	if off < HeaderSz || end > uint64(len(w.mem)) {
		return nil, ErrOutOfWksp
	}
	return w.mem[off:end:end], nil
}

// Words reinterprets an 8-aligned byte region as machine words for atomic
// access. Panics on misaligned or odd-length input.
func Words(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}
	if len(b)%8 != 0 || uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		panic("wksp: region is not word aligned")
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}

func roundUp(n, a int) int { return (n + a - 1) &^ (a - 1) }
