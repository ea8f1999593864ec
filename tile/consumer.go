// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ DOWNSTREAM CONSUMER LOOP
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: tilemux
// Component: Terminal consumer of an mcache
//
// Description:
//   Polls one mcache in order and hands every fragment to a handler. Reliable consumers
//   publish their position through an fseq so the producer can credit against them;
//   unreliable consumers never hold the producer back and resync past overruns instead.
//
// Adaptive Behavior:
//   - Hot: spin with a pause hint while fragments arrived within HotWindow
//   - Cold: exponential backoff after SpinBudget consecutive empty polls
//   - Stops when its cnc reads HALT, then returns the cnc to BOOT
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package tile

import (
	"errors"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	"tilemux/cnc"
	"tilemux/frag"
	"tilemux/fseq"
	"tilemux/mcache"
	"tilemux/tempo"
)

const (
	// HotWindow is how long a consumer keeps spinning after its last fragment.
	HotWindow = 5 * time.Second

	// SpinBudget is the number of cold empty polls before backing off.
	SpinBudget = 224

	// cncEvery is the poll interval, in loop iterations, between cnc checks.
	cncEvery = 64
)

var (
	ErrNoRing    = errors.New("tile: consumer has no mcache")
	ErrNoHandler = errors.New("tile: consumer has no handler")
	ErrNotBooted = errors.New("tile: consumer cnc not in BOOT")
)

// ConsumerConfig wires a Consumer.
type ConsumerConfig struct {
	Name   string
	CNC    *cnc.CNC
	MCache *mcache.MCache

	// FSeq, when set, makes the consumer reliable: its position is
	// published every UpdateEvery fragments and whenever it goes idle.
	FSeq        *fseq.FSeq
	UpdateEvery uint64

	Handler func(*frag.Meta)

	HotWindow  time.Duration
	SpinBudget int
	Clock      func() int64
}

// Consumer is a single-threaded mcache reader.
type Consumer struct {
	cfg ConsumerConfig
	seq uint64

	frags    atomix.Uint64
	overruns atomix.Uint64
}

// NewConsumer validates cfg and fixes the starting position: the fseq for
// reliable consumers, the producer's published position otherwise.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	switch {
	case cfg.MCache == nil:
		return nil, ErrNoRing
	case cfg.Handler == nil:
		return nil, ErrNoHandler
	case cfg.CNC != nil && cfg.CNC.Query() != cnc.SignalBoot:
		return nil, ErrNotBooted
	}
	if cfg.UpdateEvery == 0 {
		cfg.UpdateEvery = max(cfg.MCache.Depth()/4, 1)
	}
	if cfg.HotWindow == 0 {
		cfg.HotWindow = HotWindow
	}
	if cfg.SpinBudget == 0 {
		cfg.SpinBudget = SpinBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = tempo.Now
	}
	c := &Consumer{cfg: cfg}
	if cfg.FSeq != nil {
		c.seq = cfg.FSeq.Query()
	} else {
		c.seq = cfg.MCache.SeqQuery()
	}
	return c, nil
}

// Seq is the next sequence the consumer expects. Only meaningful from the
// consumer's own thread or after Run returns.
func (c *Consumer) Seq() uint64 { return c.seq }

// Frags counts fragments handed to the handler.
func (c *Consumer) Frags() uint64 { return c.frags.Load() }

// Overruns counts resyncs after the producer lapped the consumer.
func (c *Consumer) Overruns() uint64 { return c.overruns.Load() }

// Poll makes one read attempt. It returns iox.ErrWouldBlock when nothing
// new is published.
func (c *Consumer) Poll() error {
	var m frag.Meta
	err := c.cfg.MCache.Read(c.seq, &m)
	if err == nil {
		c.cfg.Handler(&m)
		c.seq = frag.SeqInc(c.seq, 1)
		c.frags.Add(1)
		if fs := c.cfg.FSeq; fs != nil && frag.SeqDiff(c.seq, fs.Query()) >= int64(c.cfg.UpdateEvery) {
			fs.Update(c.seq)
		}
		return nil
	}
	var ov *mcache.OverrunError
	if errors.As(err, &ov) {
		c.overruns.Add(1)
		if fs := c.cfg.FSeq; fs != nil {
			fs.DiagAdd(fseq.DiagOvrnrCnt, 1)
		}
		if frag.SeqGt(ov.Found, c.seq) {
			c.seq = ov.Found
		}
		return nil
	}
	return err
}

// Run polls until the cnc reads HALT. A consumer without a cnc runs until
// stop is closed; stop may be nil when a cnc is present.
func (c *Consumer) Run(stop <-chan struct{}) error {
	cn := c.cfg.CNC
	if cn != nil {
		cn.Heartbeat(c.cfg.Clock())
		cn.Signal(cnc.SignalRun)
	}

	var (
		bo      iox.Backoff
		miss    int
		polls   uint64
		idle    bool
		lastHit = time.Now()
	)
loop:
	for {
		if polls++; polls%cncEvery == 0 {
			if cn != nil {
				if cn.Query() == cnc.SignalHalt {
					break loop
				}
				cn.Heartbeat(c.cfg.Clock())
			}
			if stop != nil {
				select {
				case <-stop:
					break loop
				default:
				}
			}
		}

		err := c.Poll()
		if err == nil {
			miss, idle = 0, false
			lastHit = time.Now()
			bo.Reset()
			continue
		}
		if !iox.IsWouldBlock(err) {
			return err
		}

		// Going idle: hand the producer every credit we can.
		if !idle {
			idle = true
			if fs := c.cfg.FSeq; fs != nil {
				fs.Update(c.seq)
			}
		}
		if time.Since(lastHit) <= c.cfg.HotWindow {
			tempo.Relax()
			continue
		}
		if miss++; miss >= c.cfg.SpinBudget {
			bo.Wait()
		}
	}
	if fs := c.cfg.FSeq; fs != nil {
		fs.Update(c.seq)
	}
	if cn != nil {
		cn.Signal(cnc.SignalBoot)
	}
	return nil
}
