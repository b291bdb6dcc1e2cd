// Package approval holds requests the pipeline escalated to a human and
// records the human's verdict.
//
// The queue enforces the system's at-most-one-decision invariant in the
// store itself: SubmitDecision is an atomic insert-if-absent, so of two
// concurrent submissions for the same request exactly one wins and the
// other observes ErrAlreadyDecided. Callers never pre-check and act.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tetrad-labs/countersign/pkg/intent"
)

var (
	// ErrNotFound is returned when no pending approval matches the ID.
	ErrNotFound = errors.New("approval: not found")

	// ErrAlreadyDecided is returned when a decision already exists for
	// the ID. The stored decision is immutable.
	ErrAlreadyDecided = errors.New("approval: already decided")
)

// Status is the lifecycle state of an escalated request.
type Status string

// Statuses. A request is Pending until a decision lands; the decision
// fixes it as Approved or Denied forever.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// PendingApproval is one escalated request awaiting a human. Immutable
// once created.
type PendingApproval struct {
	ID        uuid.UUID     `json:"id"`
	UserID    string        `json:"user_id"`
	SessionID string        `json:"session_id"`
	Intent    intent.Intent `json:"intent"`
	Reason    string        `json:"reason"`
	CreatedAt time.Time     `json:"created_at"`
}

// Decision is a human's verdict on one pending approval.
type Decision struct {
	Approved   bool      `json:"approved"`
	ApproverID string    `json:"approver_id"`
	Reason     string    `json:"reason,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Queue stores pending approvals and their decisions.
type Queue interface {
	// AddPending inserts an escalated request keyed by its ID.
	AddPending(ctx context.Context, p PendingApproval) error

	// GetPending returns the request, or ErrNotFound.
	GetPending(ctx context.Context, id uuid.UUID) (PendingApproval, error)

	// SubmitDecision records the verdict atomically. Returns ErrNotFound
	// when no pending request exists and ErrAlreadyDecided when a
	// decision is already stored; the stored decision never changes.
	SubmitDecision(ctx context.Context, id uuid.UUID, d Decision) error

	// IsDecided reports whether a decision exists for the ID.
	IsDecided(ctx context.Context, id uuid.UUID) (bool, error)

	// GetDecision returns the stored decision, if any.
	GetDecision(ctx context.Context, id uuid.UUID) (Decision, bool, error)

	// StatusOf derives the request's status: Pending without a decision,
	// otherwise the decision's verdict. Unknown IDs return ErrNotFound.
	StatusOf(ctx context.Context, id uuid.UUID) (Status, error)

	// ListPending returns undecided requests, oldest first.
	ListPending(ctx context.Context) ([]PendingApproval, error)

	// CleanupExpired removes undecided requests older than maxAge and
	// returns how many were removed. Decided requests are never removed;
	// their audit value outlives their urgency.
	CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error)
}
