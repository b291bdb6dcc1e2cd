package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return NewPostgresStore(db), mock
}

func TestPostgresStoreInit(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreAppendFirstEntry(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	rec := testRecord("alice", "sess-1", StatusCompleted)

	mock.ExpectQuery("SELECT entry_hash, sequence FROM audit_entries").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry, err := store.Append(context.Background(), rec)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", entry.Sequence)
	}
	if entry.PrevHash != Genesis {
		t.Fatalf("expected genesis prev hash, got %s", entry.PrevHash)
	}
	if !strings.HasPrefix(entry.EntryHash, "sha256:") {
		t.Fatalf("unexpected entry hash: %s", entry.EntryHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreAppendChainsToHead(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	rec := testRecord("alice", "sess-1", StatusCompleted)

	headRows := sqlmock.NewRows([]string{"entry_hash", "sequence"}).
		AddRow("sha256:feedface", 7)
	mock.ExpectQuery("SELECT entry_hash, sequence FROM audit_entries").
		WillReturnRows(headRows)
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry, err := store.Append(context.Background(), rec)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.Sequence != 8 {
		t.Fatalf("expected sequence 8, got %d", entry.Sequence)
	}
	if entry.PrevHash != "sha256:feedface" {
		t.Fatalf("expected entry to chain to head, got %s", entry.PrevHash)
	}

	want, err := hashEntry(8, rec, "sha256:feedface")
	if err != nil {
		t.Fatal(err)
	}
	if entry.EntryHash != want {
		t.Fatalf("entry hash mismatch: got %s, want %s", entry.EntryHash, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreAppendDuplicate(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	rec := testRecord("alice", "sess-1", StatusCompleted)

	mock.ExpectQuery("SELECT entry_hash, sequence FROM audit_entries").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.Append(context.Background(), rec)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreGet(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	rec := testRecord("alice", "sess-1", StatusCompleted)
	recJSON, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := hashEntry(3, rec, "sha256:feedface")
	if err != nil {
		t.Fatal(err)
	}

	rows := sqlmock.NewRows([]string{"sequence", "record", "prev_hash", "entry_hash"}).
		AddRow(3, recJSON, "sha256:feedface", hash)
	mock.ExpectQuery("FROM audit_entries WHERE id").
		WithArgs(rec.ID.String()).
		WillReturnRows(rows)

	entry, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Sequence != 3 || entry.Record.UserID != "alice" || entry.EntryHash != hash {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	rec := testRecord("alice", "sess-1", StatusCompleted)

	mock.ExpectQuery("FROM audit_entries WHERE id").
		WithArgs(rec.ID.String()).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), rec.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreVerify(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	rec1 := testRecord("alice", "sess-1", StatusCompleted)
	rec2 := testRecord("bob", "sess-2", StatusCompleted)

	h1, err := hashEntry(1, rec1, Genesis)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := hashEntry(2, rec2, h1)
	if err != nil {
		t.Fatal(err)
	}

	rec1JSON, _ := json.Marshal(rec1)
	rec2JSON, _ := json.Marshal(rec2)

	rows := sqlmock.NewRows([]string{"sequence", "record", "prev_hash", "entry_hash"}).
		AddRow(1, rec1JSON, Genesis, h1).
		AddRow(2, rec2JSON, h1, h2)
	mock.ExpectQuery("FROM audit_entries ORDER BY sequence ASC").
		WillReturnRows(rows)

	ok, reason, err := store.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected valid chain, got: %s", reason)
	}
}

func TestPostgresStoreVerifyDetectsTamper(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	rec1 := testRecord("alice", "sess-1", StatusCompleted)
	rec2 := testRecord("bob", "sess-2", StatusCompleted)

	h1, err := hashEntry(1, rec1, Genesis)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := hashEntry(2, rec2, h1)
	if err != nil {
		t.Fatal(err)
	}

	rec1JSON, _ := json.Marshal(rec1)
	rec2JSON, _ := json.Marshal(rec2)
	tampered := strings.Replace(string(rec2JSON), "bob", "eve", 1)

	rows := sqlmock.NewRows([]string{"sequence", "record", "prev_hash", "entry_hash"}).
		AddRow(1, rec1JSON, Genesis, h1).
		AddRow(2, []byte(tampered), h1, h2)
	mock.ExpectQuery("FROM audit_entries ORDER BY sequence ASC").
		WillReturnRows(rows)

	ok, reason, err := store.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected tampered chain to fail verification")
	}
	if reason != "hash mismatch at sequence 2" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestPostgresStoreStats(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	earliest := testBase
	latest := testBase.Add(time.Hour)
	rows := sqlmock.NewRows([]string{"count", "users", "sessions", "blocked", "approvals", "min", "max"}).
		AddRow(5, 3, 4, 1, 2, earliest, latest)
	mock.ExpectQuery("FROM audit_entries").
		WithArgs(StatusBlocked).
		WillReturnRows(rows)

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntries != 5 || stats.UniqueUsers != 3 || stats.UniqueSessions != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.BlockedCount != 1 || stats.ApprovalCount != 2 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.EarliestEntry == nil || !stats.EarliestEntry.Equal(earliest) {
		t.Fatalf("unexpected earliest: %v", stats.EarliestEntry)
	}
	if stats.LatestEntry == nil || !stats.LatestEntry.Equal(latest) {
		t.Fatalf("unexpected latest: %v", stats.LatestEntry)
	}
}
