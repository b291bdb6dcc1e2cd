package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tetrad-labs/countersign/pkg/intent"

	_ "modernc.org/sqlite"
)

// SQLiteQueue is the durable Queue: pending approvals and decisions survive
// process restarts. The decisions table's primary key carries the
// at-most-one invariant; a second insert for the same approval conflicts
// and touches nothing.
type SQLiteQueue struct {
	db    *sql.DB
	clock func() time.Time
}

var _ Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue wires a queue over db and creates the schema when absent.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{db: db, clock: time.Now}
	if err := q.migrate(); err != nil {
		return nil, fmt.Errorf("approval: migrate sqlite schema: %w", err)
	}
	return q, nil
}

// WithClock overrides the time source for deterministic tests.
func (q *SQLiteQueue) WithClock(clock func() time.Time) *SQLiteQueue {
	q.clock = clock
	return q
}

func (q *SQLiteQueue) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pending_approvals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			intent JSON NOT NULL,
			reason TEXT NOT NULL,
			created_at TEXT NOT NULL,
			created_unix_ns INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_decisions (
			approval_id TEXT PRIMARY KEY,
			approved INTEGER NOT NULL,
			approver_id TEXT NOT NULL,
			reason TEXT,
			decided_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := q.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLiteQueue) AddPending(ctx context.Context, p PendingApproval) error {
	intentJSON, err := json.Marshal(p.Intent)
	if err != nil {
		return fmt.Errorf("approval: marshal intent: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO pending_approvals (id, user_id, session_id, intent, reason, created_at, created_unix_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			session_id = excluded.session_id,
			intent = excluded.intent,
			reason = excluded.reason,
			created_at = excluded.created_at,
			created_unix_ns = excluded.created_unix_ns`,
		p.ID.String(), p.UserID, p.SessionID, string(intentJSON), p.Reason,
		p.CreatedAt.UTC().Format(time.RFC3339Nano), p.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("approval: insert pending: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) GetPending(ctx context.Context, id uuid.UUID) (PendingApproval, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, intent, reason, created_at
		 FROM pending_approvals WHERE id = ?`, id.String())
	return scanPending(row)
}

// SubmitDecision records the verdict. The insert targets the decisions
// primary key with ON CONFLICT DO NOTHING; zero affected rows means a
// decision already exists, so concurrent submissions serialize inside
// SQLite and exactly one wins.
func (q *SQLiteQueue) SubmitDecision(ctx context.Context, id uuid.UUID, d Decision) error {
	var exists int
	err := q.db.QueryRowContext(ctx,
		`SELECT 1 FROM pending_approvals WHERE id = ?`, id.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("approval: lookup pending: %w", err)
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO approval_decisions (approval_id, approved, approver_id, reason, decided_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(approval_id) DO NOTHING`,
		id.String(), boolToInt(d.Approved), d.ApproverID, d.Reason,
		d.DecidedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("approval: insert decision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyDecided
	}
	return nil
}

func (q *SQLiteQueue) IsDecided(ctx context.Context, id uuid.UUID) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx,
		`SELECT 1 FROM approval_decisions WHERE approval_id = ?`, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *SQLiteQueue) GetDecision(ctx context.Context, id uuid.UUID) (Decision, bool, error) {
	var (
		d        Decision
		approved int
		decided  string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT approved, approver_id, reason, decided_at
		 FROM approval_decisions WHERE approval_id = ?`, id.String()).
		Scan(&approved, &d.ApproverID, &d.Reason, &decided)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	d.Approved = approved != 0
	d.DecidedAt, err = time.Parse(time.RFC3339Nano, decided)
	if err != nil {
		return Decision{}, false, fmt.Errorf("approval: parse decided_at: %w", err)
	}
	return d, true, nil
}

func (q *SQLiteQueue) StatusOf(ctx context.Context, id uuid.UUID) (Status, error) {
	if _, err := q.GetPending(ctx, id); err != nil {
		return "", err
	}
	d, ok, err := q.GetDecision(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return StatusPending, nil
	}
	if d.Approved {
		return StatusApproved, nil
	}
	return StatusDenied, nil
}

func (q *SQLiteQueue) ListPending(ctx context.Context) ([]PendingApproval, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT p.id, p.user_id, p.session_id, p.intent, p.reason, p.created_at
		 FROM pending_approvals p
		 LEFT JOIN approval_decisions d ON d.approval_id = p.id
		 WHERE d.approval_id IS NULL
		 ORDER BY p.created_unix_ns ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingApproval
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := q.clock().Add(-maxAge).UnixNano()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_approvals
		 WHERE created_unix_ns < ?
		 AND id NOT IN (SELECT approval_id FROM approval_decisions)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("approval: cleanup expired: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (PendingApproval, error) {
	var (
		p          PendingApproval
		idText     string
		intentJSON string
		createdAt  string
	)
	err := row.Scan(&idText, &p.UserID, &p.SessionID, &intentJSON, &p.Reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingApproval{}, ErrNotFound
	}
	if err != nil {
		return PendingApproval{}, err
	}

	p.ID, err = uuid.Parse(idText)
	if err != nil {
		return PendingApproval{}, fmt.Errorf("approval: parse id: %w", err)
	}
	var in intent.Intent
	if err := json.Unmarshal([]byte(intentJSON), &in); err != nil {
		return PendingApproval{}, fmt.Errorf("approval: unmarshal intent: %w", err)
	}
	p.Intent = in
	p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return PendingApproval{}, fmt.Errorf("approval: parse created_at: %w", err)
	}
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
