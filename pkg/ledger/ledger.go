// Package ledger is the append-only audit trail of the pipeline.
//
// Every processed request becomes one Record, wrapped in an Entry that is
// hash-chained to its predecessor: the entry hash covers the sequence
// number, the canonicalized record and the previous entry hash, so any
// mutation, deletion or reordering of history is detectable by Verify.
// Records carry a SHA-256 digest of the user input, never the input itself.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tetrad-labs/countersign/pkg/canonicalize"
)

// Genesis is the previous-hash value of the first entry in a chain.
const Genesis = "genesis"

// Query limits applied when a caller passes limit <= 0.
const (
	DefaultQueryLimit     = 100
	DefaultTimeRangeLimit = 1000
)

// Statuses recorded for a pipeline run.
const (
	StatusBlocked         = "blocked"
	StatusPendingApproval = "pending_approval"
	StatusDenied          = "denied"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

var (
	// ErrNotFound is returned when no entry matches the requested ID.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrDuplicate is returned when a record ID has already been appended.
	ErrDuplicate = errors.New("ledger: entry already recorded")
)

// DetectionSummary records the input screening verdict.
type DetectionSummary struct {
	Blocked  bool   `json:"blocked"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VoteSummary records the ensemble consensus aggregates.
type VoteSummary struct {
	AgreementLevel string  `json:"agreement_level,omitempty"`
	MinSimilarity  float64 `json:"min_similarity"`
	AvgSimilarity  float64 `json:"avg_similarity"`
	ParserCount    int     `json:"parser_count"`
	FailedParsers  int     `json:"failed_parsers"`
}

// ComparisonSummary records the policy verdict.
type ComparisonSummary struct {
	Decision   string   `json:"decision,omitempty"`
	Message    string   `json:"message,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// ApprovalSummary is present only for runs escalated to a human.
type ApprovalSummary struct {
	ApprovalID string     `json:"approval_id"`
	Reason     string     `json:"reason,omitempty"`
	Decision   string     `json:"decision,omitempty"`
	ApproverID string     `json:"approver_id,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

// OutcomeSummary records what the engine did with the trusted intent.
type OutcomeSummary struct {
	Action         string `json:"action,omitempty"`
	FunctionCalled string `json:"function_called,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	DurationMS     int64  `json:"duration_ms"`
}

// Record is the audit trail of one pipeline run.
type Record struct {
	ID                uuid.UUID         `json:"id"`
	SessionID         string            `json:"session_id"`
	UserID            string            `json:"user_id"`
	Timestamp         time.Time         `json:"timestamp"`
	UserInputHash     string            `json:"user_input_hash"`
	Detection         *DetectionSummary `json:"detection,omitempty"`
	Votes             VoteSummary       `json:"votes"`
	Comparison        ComparisonSummary `json:"comparison"`
	Approval          *ApprovalSummary  `json:"approval,omitempty"`
	TrustedIntentHash string            `json:"trusted_intent_hash,omitempty"`
	Outcome           OutcomeSummary    `json:"outcome"`
	Status            string            `json:"status"`
}

// Entry wraps a Record with its position in the hash chain.
type Entry struct {
	Sequence  uint64 `json:"sequence"`
	Record    Record `json:"record"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// Stats aggregates a store's contents for operators.
type Stats struct {
	TotalEntries   uint64     `json:"total_entries"`
	UniqueUsers    uint64     `json:"unique_users"`
	UniqueSessions uint64     `json:"unique_sessions"`
	BlockedCount   uint64     `json:"blocked_count"`
	ApprovalCount  uint64     `json:"approval_count"`
	EarliestEntry  *time.Time `json:"earliest_entry,omitempty"`
	LatestEntry    *time.Time `json:"latest_entry,omitempty"`
}

// Store is the persistence contract shared by the memory, SQLite and
// Postgres implementations.
type Store interface {
	// Append assigns the next sequence number, chains rec to the current
	// head and persists the entry.
	Append(ctx context.Context, rec Record) (Entry, error)

	// Get returns the entry whose record ID matches id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Entry, error)

	// BySession returns a session's entries in append order.
	BySession(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// ByUser returns a user's entries, most recent first.
	ByUser(ctx context.Context, userID string, limit int) ([]Entry, error)

	// ByTimeRange returns entries whose record timestamp falls within
	// [from, to], both bounds inclusive, in append order.
	ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]Entry, error)

	// Blocked returns entries for runs stopped by the input screen,
	// most recent first.
	Blocked(ctx context.Context, limit int) ([]Entry, error)

	// Head returns the current head hash and sequence, or (Genesis, 0)
	// for an empty chain.
	Head(ctx context.Context) (string, uint64, error)

	// Verify replays the full chain. The bool reports integrity and the
	// string the verifier's reason; the error is for storage failures only.
	Verify(ctx context.Context) (bool, string, error)

	// Stats aggregates the store's contents.
	Stats(ctx context.Context) (Stats, error)
}

// HashInput digests raw user input for storage in a Record.
func HashInput(input string) string {
	return "sha256:" + canonicalize.HashBytes([]byte(input))
}

// hashEntry computes the chained hash for an entry. The digest covers the
// sequence, the canonicalized record and the previous hash, so the same
// entry hashes identically no matter which store loaded it.
func hashEntry(seq uint64, rec Record, prevHash string) (string, error) {
	digest, err := canonicalize.CanonicalHash(struct {
		Sequence uint64 `json:"sequence"`
		Record   Record `json:"record"`
		PrevHash string `json:"prev_hash"`
	}{seq, rec, prevHash})
	if err != nil {
		return "", fmt.Errorf("ledger: hash entry %d: %w", seq, err)
	}
	return "sha256:" + digest, nil
}

// VerifyChain checks a contiguous run of entries: sequence numbers must
// ascend without gaps, every PrevHash must match the preceding entry's
// hash and every EntryHash must recompute. The run does not have to start
// at the first entry, so archived segments verify too.
func VerifyChain(entries []Entry) (bool, string) {
	if len(entries) == 0 {
		return true, "chain empty"
	}

	prev := entries[0].PrevHash
	base := entries[0].Sequence
	for i, e := range entries {
		want := base + uint64(i)
		if e.Sequence != want {
			return false, fmt.Sprintf("sequence gap: expected %d, got %d", want, e.Sequence)
		}
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at sequence %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		computed, err := hashEntry(e.Sequence, e.Record, e.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("cannot hash sequence %d: %v", e.Sequence, err)
		}
		if computed != e.EntryHash {
			return false, fmt.Sprintf("hash mismatch at sequence %d", e.Sequence)
		}
		prev = e.EntryHash
	}

	return true, "chain verified"
}

// verifyFull anchors a complete store dump at genesis before walking it.
func verifyFull(entries []Entry) (bool, string) {
	if len(entries) > 0 {
		if entries[0].Sequence != 1 {
			return false, fmt.Sprintf("chain starts at sequence %d, expected 1", entries[0].Sequence)
		}
		if entries[0].PrevHash != Genesis {
			return false, "first entry is not anchored at genesis"
		}
	}
	return VerifyChain(entries)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
