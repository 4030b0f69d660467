package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/autodelete/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a SQLite-backed record store.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *log.Logger
	closed bool

	// beforeCommit runs inside the sweep transaction just before commit.
	beforeCommit func() error
}

// OpenSQLite opens and initializes the SQLite store. Opening an existing
// database keeps its records.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		// FULL syncs the WAL on every commit so an acknowledged insert or
		// sweep survives power loss.
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}

	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

func (s *SQLiteStore) Insert(ctx context.Context, rec types.Record) (types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return rec, ErrClosed
	}

	const q = `INSERT INTO records (record_id, origin_id, created_at) VALUES (?, ?, ?)
ON CONFLICT (origin_id, record_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, rec.RecordID, rec.OriginID, rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return rec, fmt.Errorf("insert rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.lookup(ctx, rec.OriginID, rec.RecordID)
		if err != nil {
			return rec, fmt.Errorf("lookup live record: %w", err)
		}
		s.logger.Debug("record already live", "origin_id", rec.OriginID, "record_id", rec.RecordID, "seq", existing.Seq)
		return existing, nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return rec, fmt.Errorf("insert last id: %w", err)
	}
	rec.Seq = seq
	return rec, nil
}

func (s *SQLiteStore) lookup(ctx context.Context, originID, recordID int64) (types.Record, error) {
	const q = `SELECT seq, record_id, origin_id, created_at FROM records
WHERE origin_id = ? AND record_id = ? LIMIT 1`
	return scanRecord(s.db.QueryRowContext(ctx, q, originID, recordID))
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time, lifetime time.Duration) ([]types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sweep: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `DELETE FROM records WHERE created_at <= ?
RETURNING seq, record_id, origin_id, created_at`
	rows, err := tx.QueryContext(ctx, q, types.Threshold(now, lifetime))
	if err != nil {
		return nil, fmt.Errorf("sweep records: %w", err)
	}
	expired, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("sweep records: %w", err)
	}

	if s.beforeCommit != nil {
		if err := s.beforeCommit(); err != nil {
			return nil, fmt.Errorf("sweep records: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}

	sortOldestFirst(expired)
	return expired, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time, lifetime time.Duration) (Stats, error) {
	var (
		st             Stats
		oldest, newest sql.NullInt64
	)
	const q = `SELECT count(*), min(created_at), max(created_at) FROM records`
	if err := s.db.QueryRowContext(ctx, q).Scan(&st.Pending, &oldest, &newest); err != nil {
		return st, fmt.Errorf("record stats: %w", err)
	}
	st.Oldest = oldest.Int64
	st.Newest = newest.Int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM records WHERE created_at <= ?`,
		types.Threshold(now, lifetime)).Scan(&st.Expired); err != nil {
		return st, fmt.Errorf("expired stats: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Oldest(ctx context.Context, limit int) ([]types.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, record_id, origin_id, created_at
FROM records
ORDER BY created_at ASC, seq ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list oldest records: %w", err)
	}
	return scanRecords(rows)
}

// InsertSweepLog stores one sweep summary for admin observability.
func (s *SQLiteStore) InsertSweepLog(ctx context.Context, rec types.SweepLog) error {
	ts := rec.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sweeps (
		id, removed, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Removed,
		success,
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert sweep log: %w", err)
	}
	return nil
}

// RecentSweepLogs returns the most recent sweeps, newest first.
func (s *SQLiteStore) RecentSweepLogs(ctx context.Context, limit int) ([]types.SweepLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, removed, success, error_text, duration_ms, created_at
FROM sweeps
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep logs: %w", err)
	}
	defer rows.Close()

	items := make([]types.SweepLog, 0, limit)
	for rows.Next() {
		var (
			row            types.SweepLog
			successAsInt   int
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Removed,
			&successAsInt,
			&row.ErrorText,
			&row.DurationMS,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan sweep log: %w", err)
		}
		row.Success = successAsInt == 1
		if ts, err := time.Parse(time.RFC3339Nano, createdAtValue); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (types.Record, error) {
	var rec types.Record
	err := sc.Scan(&rec.Seq, &rec.RecordID, &rec.OriginID, &rec.CreatedAt)
	return rec, err
}

func scanRecords(rows *sql.Rows) ([]types.Record, error) {
	defer rows.Close()
	items := make([]types.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}
