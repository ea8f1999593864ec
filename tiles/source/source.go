// ════════════════════════════════════════════════════════════════════════════════════════════════
// Synthetic Fragment Source
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: tilemux
// Component: Upstream producer tile
//
// Description:
//   Stands in for a network ingress tile. Each step writes a random payload into the tile's
//   own dcache and publishes one single-fragment message describing it. The signature is the
//   first 8 bytes of the payload's Keccak-256, so downstream dedup sees real content hashes
//   and a configurable share of messages is re-emitted verbatim as duplicates.
//
// Flow control:
//   - Credits are counted against the reliable consumers' fseqs, like a mux does
//   - Credits are refreshed lazily: when exhausted, and at every housekeeping tick
//   - Step returns iox.ErrWouldBlock when out of credits, never spins internally
//
// cnc app words:
//   - [0] published fragments   - [1] duplicates emitted   - [2] backpressure events
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"code.hybscloud.com/iox"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"tilemux/cnc"
	"tilemux/dcache"
	"tilemux/frag"
	"tilemux/fseq"
	"tilemux/mcache"
	"tilemux/tempo"
	"tilemux/utils"
)

// cnc app word indices.
const (
	DiagPubCnt = iota
	DiagDupCnt
	DiagBackpCnt
	DiagCnt
)

var (
	ErrNoRing    = errors.New("source: mcache and dcache are required")
	ErrPayload   = errors.New("source: payload bounds must satisfy 8 <= min <= max <= mtu")
	ErrDupRate   = errors.New("source: duplicate rate must be in [0, 1]")
	ErrNotBooted = errors.New("source: cnc not in BOOT")
)

// Config wires a source.
type Config struct {
	Name   string
	Orig   uint16
	MCache *mcache.MCache
	DCache *dcache.DCache

	// OutFSeqs are the reliable consumers of MCache.
	OutFSeqs []*fseq.FSeq

	// CrMax caps outstanding fragments. Zero selects the ring depth.
	CrMax uint64

	PayloadMin int
	PayloadMax int
	DupRate    float64

	// Lazy is the housekeeping target in ns, <= 0 for the default.
	Lazy  int64
	Seed  uint64
	Clock func() int64

	Logger *zap.Logger
}

// Source is a single-threaded producer. It is not safe for concurrent use.
type Source struct {
	cfg   Config
	log   *zap.Logger
	rng   *rand.Rand
	clock func() int64

	seq         uint64
	chunk       uint32
	crMax       uint64
	crAvail     uint64
	crDecrement uint64

	asyncMin int64
	then     int64

	payload []byte
	last    []byte

	pubCnt   uint64
	dupCnt   uint64
	backpCnt uint64
	inBackp  bool
}

// New validates cfg. The first fragment goes out at the ring's sync seq.
func New(cfg Config) (*Source, error) {
	if cfg.MCache == nil || cfg.DCache == nil {
		return nil, ErrNoRing
	}
	if cfg.PayloadMin < 8 || cfg.PayloadMax < cfg.PayloadMin || cfg.PayloadMax > cfg.DCache.MTU() {
		return nil, fmt.Errorf("%w: [%d, %d] mtu %d", ErrPayload, cfg.PayloadMin, cfg.PayloadMax, cfg.DCache.MTU())
	}
	if cfg.DupRate < 0 || cfg.DupRate > 1 {
		return nil, ErrDupRate
	}
	crMax := cfg.CrMax
	if crMax == 0 || crMax > cfg.MCache.Depth() {
		crMax = cfg.MCache.Depth()
	}
	lazy := cfg.Lazy
	if lazy <= 0 {
		lazy = tempo.LazyDefault(crMax)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = tempo.Now
	}
	log := cfg.Logger
	if log == nil {
		log = zap.L()
	}
	name := cfg.Name
	if name == "" {
		name = "source"
	}

	s := &Source{
		cfg:      cfg,
		log:      log.Named(name),
		rng:      tempo.NewRand(seed),
		clock:    clock,
		seq:      cfg.MCache.SeqQuery(),
		chunk:    cfg.DCache.Chunk0(),
		crMax:    crMax,
		asyncMin: max(tempo.AsyncMin(lazy, 1), 1),
		payload:  make([]byte, cfg.PayloadMax),
		last:     make([]byte, 0, cfg.PayloadMax),
	}
	if len(cfg.OutFSeqs) > 0 {
		s.crDecrement = 1
	}
	s.refreshCredits()
	return s, nil
}

// Seq is the sequence number of the next publish.
func (s *Source) Seq() uint64 { return s.seq }

// Published counts fragments published.
func (s *Source) Published() uint64 { return s.pubCnt }

// Dups counts fragments that repeated an earlier payload.
func (s *Source) Dups() uint64 { return s.dupCnt }

// CrAvail is the current credit balance.
func (s *Source) CrAvail() uint64 { return s.crAvail }

// Sig is the signature a payload is published under.
func Sig(p []byte) uint64 {
	h := sha3.NewLegacyKeccak256()
	h.Write(p)
	var sum [32]byte
	return utils.Load64(h.Sum(sum[:0]))
}

// Step publishes one fragment, or returns iox.ErrWouldBlock when the
// slowest reliable consumer has not left room for it.
func (s *Source) Step() error {
	if s.crAvail == 0 {
		s.refreshCredits()
		if s.crAvail == 0 {
			if !s.inBackp {
				s.inBackp = true
				s.backpCnt++
			}
			return iox.ErrWouldBlock
		}
	}
	s.inBackp = false

	var p []byte
	if len(s.last) > 0 && s.rng.Float64() < s.cfg.DupRate {
		p = s.last
		s.dupCnt++
	} else {
		n := s.cfg.PayloadMin + s.rng.IntN(s.cfg.PayloadMax-s.cfg.PayloadMin+1)
		p = s.payload[:n]
		for i := 0; i+8 <= n; i += 8 {
			binary.LittleEndian.PutUint64(p[i:], s.rng.Uint64())
		}
		for i := n &^ 7; i < n; i++ {
			p[i] = byte(s.rng.Uint32())
		}
		s.last = append(s.last[:0], p...)
	}

	chunk := s.chunk
	next, err := s.cfg.DCache.Write(chunk, p)
	if err != nil {
		return err
	}
	now := frag.TsComp(s.clock())
	s.cfg.MCache.Publish(s.seq, Sig(p), chunk, uint16(len(p)), frag.Ctl(s.cfg.Orig, true, true, false), now, now)
	s.chunk = next
	s.seq++
	s.pubCnt++
	if s.crAvail > s.crDecrement {
		s.crAvail -= s.crDecrement
	} else {
		s.crAvail = 0
	}
	return nil
}

func (s *Source) refreshCredits() {
	avail := s.crMax
	for _, f := range s.cfg.OutFSeqs {
		lag := frag.SeqDiff(s.seq, f.Query())
		if lag < 0 {
			lag = 0
		}
		if uint64(lag) >= s.crMax {
			avail = 0
			break
		}
		avail = min(avail, s.crMax-uint64(lag))
	}
	s.crAvail = avail
}

// housekeep advertises the ring position, heartbeats and publishes
// diagnostics. It reports false once the cnc reads HALT.
func (s *Source) housekeep(c *cnc.CNC, now int64) bool {
	s.cfg.MCache.SeqUpdate(s.seq)
	s.refreshCredits()
	c.Heartbeat(now)
	app := c.App()
	if app.Len() >= DiagCnt {
		app.Store(DiagPubCnt, s.pubCnt)
		app.Store(DiagDupCnt, s.dupCnt)
		app.Store(DiagBackpCnt, s.backpCnt)
	}
	switch sig := c.Query(); sig {
	case cnc.SignalRun:
	case cnc.SignalHalt:
		return false
	default:
		s.log.Warn("unexpected cnc signal, resetting to run", zap.Stringer("signal", sig))
		c.CompareAndSwap(sig, cnc.SignalRun)
	}
	return true
}

// Run publishes until c is signalled HALT, then rewinds c to BOOT.
func (s *Source) Run(c *cnc.CNC) error {
	if c.Query() != cnc.SignalBoot {
		return ErrNotBooted
	}
	now := s.clock()
	c.Heartbeat(now)
	s.then = now
	c.Signal(cnc.SignalRun)
	s.log.Info("booted", zap.Uint64("seq", s.seq), zap.Uint64("cr_max", s.crMax))

	for {
		now := s.clock()
		if now-s.then >= 0 {
			if !s.housekeep(c, now) {
				break
			}
			s.then = now + tempo.AsyncReload(s.rng, s.asyncMin)
		}
		if err := s.Step(); err != nil {
			if !iox.IsWouldBlock(err) {
				return err
			}
			tempo.Relax()
		}
	}

	s.cfg.MCache.SeqUpdate(s.seq)
	s.log.Info("halted", zap.Uint64("seq", s.seq), zap.Uint64("published", s.pubCnt), zap.Uint64("dups", s.dupCnt))
	c.Signal(cnc.SignalBoot)
	return nil
}
