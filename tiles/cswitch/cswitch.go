// ════════════════════════════════════════════════════════════════════════════════════════════════
// Context Switch Sampler
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: tilemux
// Component: Housekeeping-only mux callbacks
//
// Description:
//   A tile with no inputs whose only work happens in DuringHousekeeping. Once per interval it
//   reads the voluntary and involuntary context switch counters of every registered tile
//   thread from procfs and stores them in a workspace table for monitors. A pinned tile that
//   keeps accumulating involuntary switches is sharing its core with something.
//
// Sampling:
//   - /proc/<pid>/task/<tid>/status through prometheus/procfs
//   - Threads that exited between registry read and sample are skipped and counted
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package cswitch

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"tilemux/cnc"
	"tilemux/mux"
	"tilemux/tempo"
	"tilemux/tile"
)

// cnc user words, relative to mux.DiagUser.
const (
	DiagSampleCnt = iota
	DiagErrCnt
	DiagCnt
)

// DefaultInterval is the sampling period when Config.Interval is zero.
const DefaultInterval = time.Second

var ErrNoTable = errors.New("cswitch: table required")

// Counts are one thread's context switch totals.
type Counts struct {
	Voluntary    uint64
	Nonvoluntary uint64
}

// Sampler reads the counters of thread tid.
type Sampler func(tid int) (Counts, error)

// ProcSampler reads threads of process pid from procfs.
func ProcSampler(pid int) (Sampler, error) {
	fs, err := procfs.NewFS(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("cswitch: %w", err)
	}
	return func(tid int) (Counts, error) {
		p, err := fs.Proc(tid)
		if err != nil {
			return Counts{}, err
		}
		st, err := p.NewStatus()
		if err != nil {
			return Counts{}, err
		}
		return Counts{Voluntary: st.VoluntaryCtxtSwitches, Nonvoluntary: st.NonVoluntaryCtxtSwitches}, nil
	}, nil
}

// Config wires the sampler.
type Config struct {
	Table    *Table
	Interval time.Duration

	// Tasks lists the threads to sample. Nil selects tile.Registry.
	Tasks func() []tile.Info

	// Sample nil selects ProcSampler for this process.
	Sample Sampler

	// Clock returns ns. Nil selects tempo.Now.
	Clock func() int64

	Logger *zap.Logger
}

// Tile is the sampler callback set.
type Tile struct {
	table    *Table
	interval int64
	tasks    func() []tile.Info
	sample   Sampler
	clock    func() int64
	log      *zap.Logger

	next int64
	rows []Row

	sampleCnt uint64
	errCnt    uint64
	samples   uint64
}

// New validates cfg and resolves defaults.
func New(cfg Config) (*Tile, error) {
	if cfg.Table == nil {
		return nil, ErrNoTable
	}
	t := &Tile{
		table:    cfg.Table,
		interval: int64(cfg.Interval),
		tasks:    cfg.Tasks,
		sample:   cfg.Sample,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}
	if t.interval <= 0 {
		t.interval = int64(DefaultInterval)
	}
	if t.tasks == nil {
		t.tasks = tile.Registry
	}
	if t.clock == nil {
		t.clock = tempo.Now
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	if t.sample == nil {
		s, err := ProcSampler(os.Getpid())
		if err != nil {
			return nil, err
		}
		t.sample = s
	}
	t.rows = make([]Row, 0, cfg.Table.RowMax())
	return t, nil
}

// Samples counts completed table refreshes.
func (t *Tile) Samples() uint64 { return t.samples }

// OnBoot makes the first housekeeping event sample.
func (t *Tile) OnBoot(*mux.Context) { t.next = 0 }

func (t *Tile) DuringHousekeeping() {
	now := t.clock()
	if now < t.next {
		return
	}
	t.next = now + t.interval
	t.refresh(now)
}

// OnHalt stores a final sample so the table reflects the whole run.
func (t *Tile) OnHalt(*mux.Context) { t.refresh(t.clock()) }

func (t *Tile) refresh(now int64) {
	t.rows = t.rows[:0]
	for _, info := range t.tasks() {
		if len(t.rows) == cap(t.rows) {
			break
		}
		c, err := t.sample(info.Tid)
		if err != nil {
			t.errCnt++
			t.log.Debug("sample failed", zap.String("tile", info.Name), zap.Int("tid", info.Tid), zap.Error(err))
			continue
		}
		t.rows = append(t.rows, Row{
			Tid:          info.Tid,
			Name:         info.Name,
			Voluntary:    c.Voluntary,
			Nonvoluntary: c.Nonvoluntary,
			SampledAt:    now,
		})
	}
	t.table.Store(t.rows)
	t.sampleCnt++
	t.samples++
}

func (t *Tile) CncDiagWrite(app cnc.App) {
	if app.Len() < DiagCnt {
		return
	}
	app.Add(DiagSampleCnt, t.sampleCnt)
	app.Add(DiagErrCnt, t.errCnt)
}

func (t *Tile) CncDiagClear() { t.sampleCnt, t.errCnt = 0, 0 }
