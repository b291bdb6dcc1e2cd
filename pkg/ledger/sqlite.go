package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the chain in a SQLite database. Timestamps are
// stored twice: as RFC 3339 text for humans and as Unix nanoseconds for
// range scans.
type SQLiteStore struct {
	db *sql.DB

	// mu serializes appends so the head read and the insert observe the
	// same chain tail.
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wires a store over db and creates the schema when absent.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("ledger: migrate sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			sequence INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			ts_unix_ns INTEGER NOT NULL,
			status TEXT NOT NULL,
			approval_id TEXT,
			record JSON NOT NULL,
			prev_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_session ON audit_entries(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_user ON audit_entries(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) (Entry, error) {
	if rec.ID == uuid.Nil {
		return Entry{}, errors.New("ledger: record id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash, seq, err := s.Head(ctx)
	if err != nil {
		return Entry{}, err
	}
	next := seq + 1

	hash, err := hashEntry(next, rec, prevHash)
	if err != nil {
		return Entry{}, err
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: marshal record: %w", err)
	}

	query := `INSERT INTO audit_entries (
		sequence, id, session_id, user_id, timestamp, ts_unix_ns, status, approval_id, record, prev_hash, entry_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		next, rec.ID.String(), rec.SessionID, rec.UserID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Timestamp.UnixNano(),
		rec.Status, approvalRef(rec), string(recJSON), prevHash, hash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Entry{}, err
	}
	if affected == 0 {
		return Entry{}, ErrDuplicate
	}

	return Entry{Sequence: next, Record: rec, PrevHash: prevHash, EntryHash: hash}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE id = ?`, id.String())
	return scanEntry(row)
}

func (s *SQLiteStore) BySession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE session_id = ? ORDER BY sequence ASC LIMIT ?`,
		sessionID, normalizeLimit(limit, DefaultQueryLimit))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *SQLiteStore) ByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE user_id = ? ORDER BY sequence DESC LIMIT ?`,
		userID, normalizeLimit(limit, DefaultQueryLimit))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *SQLiteStore) ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE ts_unix_ns BETWEEN ? AND ? ORDER BY sequence ASC LIMIT ?`,
		from.UnixNano(), to.UnixNano(), normalizeLimit(limit, DefaultTimeRangeLimit))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *SQLiteStore) Blocked(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE status = ? ORDER BY sequence DESC LIMIT ?`,
		StatusBlocked, normalizeLimit(limit, DefaultQueryLimit))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *SQLiteStore) Head(ctx context.Context) (string, uint64, error) {
	var (
		hash string
		seq  uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_hash, sequence FROM audit_entries ORDER BY sequence DESC LIMIT 1`).Scan(&hash, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Genesis, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return hash, seq, nil
}

func (s *SQLiteStore) Verify(ctx context.Context) (bool, string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return false, "", err
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return false, "", err
	}
	ok, reason := verifyFull(entries)
	return ok, reason, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	query := `SELECT
		COUNT(*),
		COUNT(DISTINCT user_id),
		COUNT(DISTINCT session_id),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COUNT(approval_id),
		MIN(ts_unix_ns),
		MAX(ts_unix_ns)
	FROM audit_entries`

	var (
		stats    Stats
		earliest sql.NullInt64
		latest   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, StatusBlocked).Scan(
		&stats.TotalEntries, &stats.UniqueUsers, &stats.UniqueSessions,
		&stats.BlockedCount, &stats.ApprovalCount, &earliest, &latest,
	)
	if err != nil {
		return Stats{}, err
	}

	if earliest.Valid {
		t := time.Unix(0, earliest.Int64).UTC()
		stats.EarliestEntry = &t
	}
	if latest.Valid {
		t := time.Unix(0, latest.Int64).UTC()
		stats.LatestEntry = &t
	}
	return stats, nil
}
