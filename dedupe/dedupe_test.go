package dedupe

import (
	"testing"

	"tilemux/utils"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CORE FUNCTIONALITY TESTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestDeduper_Basic(t *testing.T) {
	d, err := New(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Check(0x1234567890abcdef) {
		t.Error("first insertion should be new")
	}
	if d.Check(0x1234567890abcdef) {
		t.Error("exact duplicate should be rejected")
	}
	if !d.Seen(0x1234567890abcdef) {
		t.Error("accepted signature should be seen")
	}
	if d.Seen(42) {
		t.Error("unknown signature reported seen")
	}
}

func TestDeduper_Bits(t *testing.T) {
	for _, bits := range []uint{0, 31} {
		if _, err := New(bits, 0); err != ErrBits {
			t.Errorf("New(%d): err = %v, want ErrBits", bits, err)
		}
	}
	d, _ := New(4, 0)
	if d.Slots() != 16 {
		t.Errorf("Slots = %d, want 16", d.Slots())
	}
}

// TestDeduper_Collision evicts on a shared slot: the newer signature wins and
// the old one reads as unseen again.
func TestDeduper_Collision(t *testing.T) {
	d, _ := New(2, 0)
	a := uint64(1)
	b := a + 1
	for utils.Mix64(b)&3 != utils.Mix64(a)&3 {
		b++
	}
	if !d.Check(a) || !d.Check(b) {
		t.Fatal("both first sightings should be new")
	}
	if d.Seen(a) {
		t.Error("evicted signature still seen")
	}
	if d.Check(b) {
		t.Error("occupant should still be a duplicate")
	}
}

func TestDeduper_Window(t *testing.T) {
	d, _ := New(10, 4)
	const sig = 0xfeed
	d.Check(sig)
	fill := fillers(sig, 1023, 11)
	for _, f := range fill[:3] {
		d.Check(f)
	}
	if d.Check(sig) {
		t.Error("inside window: duplicate should be rejected")
	}
	for _, f := range fill[3:] {
		d.Check(f)
	}
	if !d.Check(sig) {
		t.Error("outside window: signature should be new again")
	}
}

// fillers returns n signatures that never share a slot with avoid.
func fillers(avoid, mask uint64, n int) []uint64 {
	out := make([]uint64, 0, n)
	for x := uint64(0x1000); len(out) < n; x++ {
		if utils.Mix64(x)&mask != utils.Mix64(avoid)&mask {
			out = append(out, x)
		}
	}
	return out
}

func TestDeduper_Reset(t *testing.T) {
	d, _ := New(6, 0)
	for i := uint64(0); i < 32; i++ {
		d.Check(i)
	}
	d.Reset()
	for i := uint64(0); i < 32; i++ {
		if d.Seen(i) {
			t.Fatalf("sig %d survived Reset", i)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BENCHMARKS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func BenchmarkDeduper_Check(b *testing.B) {
	d, _ := New(16, 1<<20)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		d.Check(uint64(i & 0xffff))
	}
}
