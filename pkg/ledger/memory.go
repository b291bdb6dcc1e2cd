package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the chain in process memory. It is the default store
// for tests and single-node deployments without durability requirements.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[uuid.UUID]int
	head    string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[uuid.UUID]int),
		head: Genesis,
	}
}

func (m *MemoryStore) Append(ctx context.Context, rec Record) (Entry, error) {
	if rec.ID == uuid.Nil {
		return Entry{}, errors.New("ledger: record id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[rec.ID]; exists {
		return Entry{}, ErrDuplicate
	}

	seq := uint64(len(m.entries)) + 1
	hash, err := hashEntry(seq, rec, m.head)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Sequence:  seq,
		Record:    rec,
		PrevHash:  m.head,
		EntryHash: hash,
	}
	m.entries = append(m.entries, entry)
	m.byID[rec.ID] = len(m.entries) - 1
	m.head = hash

	return entry, nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return m.entries[idx], nil
}

func (m *MemoryStore) BySession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	limit = normalizeLimit(limit, DefaultQueryLimit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range m.entries {
		if e.Record.SessionID != sessionID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	limit = normalizeLimit(limit, DefaultQueryLimit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0)
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Record.UserID != userID {
			continue
		}
		out = append(out, m.entries[i])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]Entry, error) {
	limit = normalizeLimit(limit, DefaultTimeRangeLimit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range m.entries {
		ts := e.Record.Timestamp
		if ts.Before(from) || ts.After(to) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Blocked(ctx context.Context, limit int) ([]Entry, error) {
	limit = normalizeLimit(limit, DefaultQueryLimit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0)
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Record.Status != StatusBlocked {
			continue
		}
		out = append(out, m.entries[i])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Head(ctx context.Context) (string, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head, uint64(len(m.entries)), nil
}

func (m *MemoryStore) Verify(ctx context.Context) (bool, string, error) {
	m.mu.RLock()
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	m.mu.RUnlock()

	ok, reason := verifyFull(entries)
	return ok, reason, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{TotalEntries: uint64(len(m.entries))}
	users := make(map[string]struct{})
	sessions := make(map[string]struct{})
	for _, e := range m.entries {
		users[e.Record.UserID] = struct{}{}
		sessions[e.Record.SessionID] = struct{}{}
		if e.Record.Status == StatusBlocked {
			stats.BlockedCount++
		}
		if e.Record.Approval != nil {
			stats.ApprovalCount++
		}
	}
	stats.UniqueUsers = uint64(len(users))
	stats.UniqueSessions = uint64(len(sessions))

	if len(m.entries) > 0 {
		earliest := m.entries[0].Record.Timestamp
		latest := m.entries[0].Record.Timestamp
		for _, e := range m.entries[1:] {
			if e.Record.Timestamp.Before(earliest) {
				earliest = e.Record.Timestamp
			}
			if e.Record.Timestamp.After(latest) {
				latest = e.Record.Timestamp
			}
		}
		stats.EarliestEntry = &earliest
		stats.LatestEntry = &latest
	}

	return stats, nil
}
