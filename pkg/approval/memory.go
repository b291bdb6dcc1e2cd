package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is the in-process Queue. Pending approvals do not survive a
// restart; deployments that cannot accept that use the SQLite queue.
type MemoryQueue struct {
	mu        sync.RWMutex
	pending   map[uuid.UUID]PendingApproval
	decisions map[uuid.UUID]Decision
	clock     func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:   make(map[uuid.UUID]PendingApproval),
		decisions: make(map[uuid.UUID]Decision),
		clock:     time.Now,
	}
}

// WithClock overrides the time source for deterministic tests.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

func (q *MemoryQueue) AddPending(_ context.Context, p PendingApproval) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[p.ID] = p
	return nil
}

func (q *MemoryQueue) GetPending(_ context.Context, id uuid.UUID) (PendingApproval, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.pending[id]
	if !ok {
		return PendingApproval{}, ErrNotFound
	}
	return p, nil
}

// SubmitDecision inserts the decision if and only if none exists, under a
// single write lock. The existence check and the insert cannot interleave
// with another submission, so the at-most-one invariant holds without any
// caller discipline.
func (q *MemoryQueue) SubmitDecision(_ context.Context, id uuid.UUID, d Decision) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[id]; !ok {
		return ErrNotFound
	}
	if _, ok := q.decisions[id]; ok {
		return ErrAlreadyDecided
	}
	q.decisions[id] = d
	return nil
}

func (q *MemoryQueue) IsDecided(_ context.Context, id uuid.UUID) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.decisions[id]
	return ok, nil
}

func (q *MemoryQueue) GetDecision(_ context.Context, id uuid.UUID) (Decision, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	d, ok := q.decisions[id]
	return d, ok, nil
}

func (q *MemoryQueue) StatusOf(_ context.Context, id uuid.UUID) (Status, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if _, ok := q.pending[id]; !ok {
		return "", ErrNotFound
	}
	d, ok := q.decisions[id]
	if !ok {
		return StatusPending, nil
	}
	if d.Approved {
		return StatusApproved, nil
	}
	return StatusDenied, nil
}

func (q *MemoryQueue) ListPending(_ context.Context) ([]PendingApproval, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]PendingApproval, 0, len(q.pending))
	for id, p := range q.pending {
		if _, decided := q.decisions[id]; decided {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *MemoryQueue) CleanupExpired(_ context.Context, maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock().Add(-maxAge)
	removed := 0
	for id, p := range q.pending {
		if _, decided := q.decisions[id]; decided {
			continue
		}
		if p.CreatedAt.Before(cutoff) {
			delete(q.pending, id)
			removed++
		}
	}
	return removed, nil
}
