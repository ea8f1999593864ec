// ════════════════════════════════════════════════════════════════════════════════════════════════
// Fragment Recorder
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: tilemux
// Component: Unreliable consumer with durable log
//
// Description:
//   Logs every fragment it manages to see to sqlite without ever slowing the producer. The
//   poll loop runs on a tile thread and only enqueues rows; a writer goroutine drains the
//   queue in batches, one transaction per batch. When the writer falls behind the queue
//   fills and rows are dropped and counted. When the poll loop falls behind the ring laps
//   it and the skipped fragments are counted as overruns.
//
// Threading:
//   - Handle: poll thread only (single producer of the queue)
//   - writer: one goroutine (single consumer of the queue)
//   - counters: atomix, readable from anywhere
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package recorder

import (
	"context"
	"errors"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilemux/cnc"
	"tilemux/frag"
	"tilemux/mcache"
	"tilemux/tempo"
	"tilemux/tile"
)

var (
	ErrNoStore = errors.New("recorder: store required")
	ErrStarted = errors.New("recorder: already started")
)

// Config wires a Recorder. Zero Queue and Batch select 4096 and 256.
type Config struct {
	Store *Store
	Queue int
	Batch int

	// RunID tags every row. Empty draws a fresh uuid.
	RunID string

	Clock  func() int64
	Logger *zap.Logger
}

// Recorder moves fragments from a poll loop into a Store.
type Recorder struct {
	store *Store
	runID string
	batch int
	clock func() int64
	log   *zap.Logger

	q    *lfq.SPSC[Row]
	cons *tile.Consumer

	recorded atomix.Uint64
	dropped  atomix.Uint64
	failed   atomix.Uint64

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// New builds a stopped recorder.
func New(cfg Config) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 4096
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 256
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.Clock == nil {
		cfg.Clock = tempo.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Recorder{
		store: cfg.Store,
		runID: cfg.RunID,
		batch: cfg.Batch,
		clock: cfg.Clock,
		log:   cfg.Logger.With(zap.String("run_id", cfg.RunID)),
		q:     lfq.NewSPSC[Row](cfg.Queue),
		stop:  make(chan struct{}),
	}, nil
}

// RunID tags this recorder's rows.
func (r *Recorder) RunID() string { return r.runID }

// Recorded counts rows committed to the store.
func (r *Recorder) Recorded() uint64 { return r.recorded.Load() }

// Dropped counts rows lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed counts rows whose batch the store rejected.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Overruns counts fragments the attached consumer was lapped past.
func (r *Recorder) Overruns() uint64 {
	if r.cons == nil {
		return 0
	}
	return r.cons.Overruns()
}

// Handle is the consumer handler. It never blocks.
func (r *Recorder) Handle(m *frag.Meta) {
	now := r.clock()
	row := Row{
		Seq:       m.Seq,
		Sig:       m.Sig,
		Chunk:     m.Chunk,
		Sz:        m.Sz,
		Ctl:       m.Ctl,
		TsOrig:    m.TsOrig,
		TsPub:     m.TsPub,
		LatencyNs: now - frag.TsDecomp(m.TsOrig, now),
	}
	if err := r.q.Enqueue(&row); err != nil {
		r.dropped.Add(1)
	}
}

// Attach builds the unreliable poll loop over mc that feeds this recorder.
// Run the returned consumer on its own tile.
func (r *Recorder) Attach(c *cnc.CNC, mc *mcache.MCache) (*tile.Consumer, error) {
	cons, err := tile.NewConsumer(tile.ConsumerConfig{
		Name:    "recorder",
		CNC:     c,
		MCache:  mc,
		Handler: r.Handle,
	})
	if err != nil {
		return nil, err
	}
	r.cons = cons
	return cons, nil
}

// Start launches the writer.
func (r *Recorder) Start(ctx context.Context) error {
	if r.done != nil {
		return ErrStarted
	}
	r.done = make(chan struct{})
	go r.write(ctx)
	return nil
}

// Close stops the writer after it has drained the queue. Call it once the
// poll loop has returned.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.stop) })
	if r.done != nil {
		<-r.done
	}
	r.log.Info("recorder closed",
		zap.Uint64("recorded", r.Recorded()),
		zap.Uint64("dropped", r.Dropped()),
		zap.Uint64("failed", r.Failed()),
		zap.Uint64("overruns", r.Overruns()))
}

func (r *Recorder) write(ctx context.Context) {
	defer close(r.done)

	var bo iox.Backoff
	batch := make([]Row, 0, r.batch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.store.Insert(ctx, r.runID, batch); err != nil {
			r.failed.Add(uint64(len(batch)))
			r.log.Warn("batch lost", zap.Int("rows", len(batch)), zap.Error(err))
		} else {
			r.recorded.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		row, err := r.q.Dequeue()
		if err == nil {
			bo.Reset()
			if batch = append(batch, row); len(batch) == r.batch {
				flush()
			}
			continue
		}
		// Queue empty: commit what is pending before idling.
		flush()

		select {
		case <-r.stop:
			for {
				row, err := r.q.Dequeue()
				if err != nil {
					flush()
					return
				}
				if batch = append(batch, row); len(batch) == r.batch {
					flush()
				}
			}
		case <-ctx.Done():
			return
		default:
		}
		bo.Wait()
	}
}
