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

	_ "github.com/lib/pq"
)

// PostgresStore persists the chain in Postgres for deployments that share
// the audit trail across nodes.
type PostgresStore struct {
	db *sql.DB

	// mu serializes appends within this process. Across processes the
	// head read still races; the sequence primary key makes the losing
	// writer fail instead of forking the chain.
	mu sync.Mutex
}

var _ Store = (*PostgresStore)(nil)

const pgSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	sequence BIGINT PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	approval_id TEXT,
	record JSONB NOT NULL,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_session ON audit_entries (session_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_user ON audit_entries (user_id);
`

// NewPostgresStore wires a store over db. Call Init before first use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the schema when absent.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, rec Record) (Entry, error) {
	if rec.ID == uuid.Nil {
		return Entry{}, errors.New("ledger: record id required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prevHash, seq, err := p.Head(ctx)
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

	query := `
		INSERT INTO audit_entries (sequence, id, session_id, user_id, timestamp, status, approval_id, record, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	res, err := p.db.ExecContext(ctx, query,
		next, rec.ID.String(), rec.SessionID, rec.UserID, rec.Timestamp.UTC(),
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

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE id = $1`, id.String())
	return scanEntry(row)
}

func (p *PostgresStore) BySession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE session_id = $1 ORDER BY sequence ASC LIMIT $2`,
		sessionID, normalizeLimit(limit, DefaultQueryLimit))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (p *PostgresStore) ByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE user_id = $1 ORDER BY sequence DESC LIMIT $2`,
		userID, normalizeLimit(limit, DefaultQueryLimit))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (p *PostgresStore) ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE timestamp BETWEEN $1 AND $2 ORDER BY sequence ASC LIMIT $3`,
		from, to, normalizeLimit(limit, DefaultTimeRangeLimit))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (p *PostgresStore) Blocked(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE status = $1 ORDER BY sequence DESC LIMIT $2`,
		StatusBlocked, normalizeLimit(limit, DefaultQueryLimit))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (p *PostgresStore) Head(ctx context.Context) (string, uint64, error) {
	var (
		hash string
		seq  uint64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT entry_hash, sequence FROM audit_entries ORDER BY sequence DESC LIMIT 1`).Scan(&hash, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Genesis, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return hash, seq, nil
}

func (p *PostgresStore) Verify(ctx context.Context) (bool, string, error) {
	rows, err := p.db.QueryContext(ctx,
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

func (p *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	query := `SELECT
		COUNT(*),
		COUNT(DISTINCT user_id),
		COUNT(DISTINCT session_id),
		COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0),
		COUNT(approval_id),
		MIN(timestamp),
		MAX(timestamp)
	FROM audit_entries`

	var (
		stats    Stats
		earliest sql.NullTime
		latest   sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, query, StatusBlocked).Scan(
		&stats.TotalEntries, &stats.UniqueUsers, &stats.UniqueSessions,
		&stats.BlockedCount, &stats.ApprovalCount, &earliest, &latest,
	)
	if err != nil {
		return Stats{}, err
	}

	if earliest.Valid {
		t := earliest.Time.UTC()
		stats.EarliestEntry = &t
	}
	if latest.Valid {
		t := latest.Time.UTC()
		stats.LatestEntry = &t
	}
	return stats, nil
}
