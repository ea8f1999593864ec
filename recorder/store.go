package recorder

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"tilemux/frag"
)

//go:embed schema.sql
var schemaSQL string

const insertSQL = `INSERT INTO frags
	(run_id, seq, sig, chunk, sz, orig, ctl, tsorig, tspub, latency_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Row is one recorded fragment. Latency is the receive time minus the
// decompressed origin timestamp.
type Row struct {
	Seq       uint64
	Sig       uint64
	Chunk     uint32
	Sz        uint16
	Ctl       uint16
	TsOrig    uint32
	TsPub     uint32
	LatencyNs int64
}

// Orig is the origin encoded in Ctl.
func (r Row) Orig() uint16 { return frag.CtlOrig(r.Ctl) }

// Store is the sqlite fragment log. One connection, WAL journal.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: connect %s: %w", path, err)
	}

	// A single connection keeps an in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("recorder: %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert writes rows under runID in one transaction.
func (s *Store) Insert(ctx context.Context, runID string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recorder: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("recorder: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		// sqlite integers are signed; sig and seq round-trip through int64.
		if _, err := stmt.ExecContext(ctx, runID, int64(r.Seq), int64(r.Sig), r.Chunk, r.Sz,
			r.Orig(), r.Ctl, r.TsOrig, r.TsPub, r.LatencyNs); err != nil {
			return fmt.Errorf("recorder: insert seq %d: %w", r.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recorder: commit: %w", err)
	}
	return nil
}

// Count is the number of rows recorded under runID.
func (s *Store) Count(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frags WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("recorder: count: %w", err)
	}
	return n, nil
}

// Rows returns every row of runID in sequence order.
func (s *Store) Rows(ctx context.Context, runID string) ([]Row, error) {
	q, err := s.db.QueryContext(ctx, `SELECT seq, sig, chunk, sz, ctl, tsorig, tspub, latency_ns
		FROM frags WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("recorder: query: %w", err)
	}
	defer q.Close()

	var out []Row
	for q.Next() {
		var (
			r        Row
			seq, sig int64
		)
		if err := q.Scan(&seq, &sig, &r.Chunk, &r.Sz, &r.Ctl, &r.TsOrig, &r.TsPub, &r.LatencyNs); err != nil {
			return nil, fmt.Errorf("recorder: scan: %w", err)
		}
		r.Seq, r.Sig = uint64(seq), uint64(sig)
		out = append(out, r)
	}
	return out, q.Err()
}

// Runs maps every recorded run id to its row count.
func (s *Store) Runs(ctx context.Context) (map[string]int, error) {
	q, err := s.db.QueryContext(ctx, `SELECT run_id, COUNT(*) FROM frags GROUP BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("recorder: runs: %w", err)
	}
	defer q.Close()

	out := map[string]int{}
	for q.Next() {
		var (
			id string
			n  int
		)
		if err := q.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("recorder: scan: %w", err)
		}
		out[id] = n
	}
	return out, q.Err()
}
