// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go - Pipeline-wide tunables
//
// Purpose:
//   - Defaults for ring sizing, deduplication, housekeeping and the recorder.
//   - Config defaults are derived from these; tiles never read them directly
//     once a config has been validated.
//
// ⚠️ No runtime logic here - all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Rings & Payloads ─────────────────────────────

const (
	// Depth is the default mcache depth. Power of two.
	Depth = 1024

	// MTU is the largest payload a default dcache accepts, in bytes.
	MTU = 1232

	// Burst is the default number of fragments a mux may publish per poll.
	Burst = 1
)

// ───────────────────────────── Deduplication ──────────────────────────────

const (
	// DedupBits sizes the signature table: 2^16 slots × 64 B = 4 MiB.
	DedupBits = 16

	// DedupWindow is how many accepted fragments a signature stays
	// authoritative for. Older entries are treated as unseen.
	DedupWindow = 1 << 20
)

// ─────────────────────────── Housekeeping ─────────────────────────────

const (
	// CswitchIntervalNs is the minimum spacing of context switch samples.
	CswitchIntervalNs = 1_000_000_000

	// CswitchMax is the number of tiles a context switch table tracks.
	CswitchMax = 32
)

// ─────────────────────────── Recorder ─────────────────────────────

const (
	// RecorderQueue is the capacity of the poll-to-writer handoff.
	RecorderQueue = 4096

	// RecorderBatch is the number of rows inserted per transaction.
	RecorderBatch = 256
)

// ─────────────────────────── Workspace ─────────────────────────────

const (
	// WkspSize is the default workspace size for the demo pipeline.
	WkspSize = 64 << 20
)
