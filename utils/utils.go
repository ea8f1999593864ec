package utils

import "unsafe"

///////////////////////////////////////////////////////////////////////////////
// Fast Loaders - Unaligned 64-Bit Reads
///////////////////////////////////////////////////////////////////////////////

// Load64 reads an unaligned little-endian 64-bit word from the head of b.
//
//go:nosplit
//go:inline
func Load64(b []byte) uint64 {
	_ = b[7]
	return *(*uint64)(unsafe.Pointer(&b[0]))
}

///////////////////////////////////////////////////////////////////////////////
// Hashing
///////////////////////////////////////////////////////////////////////////////

// Mix64 applies a Murmur3-style avalanche to a 64-bit value.
// Used to spread fragment signatures across the dedup table.
//
//go:nosplit
//go:inline
func Mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// Pow2Floor returns the largest power of two not above x, or 0 for x == 0.
//
//go:nosplit
//go:inline
func Pow2Floor(x uint64) uint64 {
	if x == 0 {
		return 0
	}
	for x&(x-1) != 0 {
		x &= x - 1
	}
	return x
}

// IsPow2 reports whether x is a non-zero power of two.
//
//go:nosplit
//go:inline
func IsPow2(x uint64) bool { return x != 0 && x&(x-1) == 0 }
