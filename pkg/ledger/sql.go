package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// entryColumns is the projection shared by the SQL stores. The indexed
// columns exist for filtering; the record JSON is the source of truth
// when reconstructing an Entry.
const entryColumns = "sequence, record, prev_hash, entry_hash"

func scanEntry(row *sql.Row) (Entry, error) {
	var (
		seq       uint64
		recJSON   []byte
		prevHash  string
		entryHash string
	)
	err := row.Scan(&seq, &recJSON, &prevHash, &entryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}

	var rec Record
	if err := json.Unmarshal(recJSON, &rec); err != nil {
		return Entry{}, fmt.Errorf("ledger: corrupt record json at sequence %d: %w", seq, err)
	}
	return Entry{Sequence: seq, Record: rec, PrevHash: prevHash, EntryHash: entryHash}, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			seq       uint64
			recJSON   []byte
			prevHash  string
			entryHash string
		)
		if err := rows.Scan(&seq, &recJSON, &prevHash, &entryHash); err != nil {
			return nil, err
		}

		var rec Record
		if err := json.Unmarshal(recJSON, &rec); err != nil {
			return nil, fmt.Errorf("ledger: corrupt record json at sequence %d: %w", seq, err)
		}
		entries = append(entries, Entry{Sequence: seq, Record: rec, PrevHash: prevHash, EntryHash: entryHash})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// approvalRef extracts the nullable approval_id column value.
func approvalRef(rec Record) any {
	if rec.Approval == nil {
		return nil
	}
	return rec.Approval.ApprovalID
}
