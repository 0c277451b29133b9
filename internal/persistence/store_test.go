package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/go-survey/internal/persistence"
	"github.com/basket/go-survey/internal/rowstore"
	"github.com/basket/go-survey/internal/shared"
)

var testFields = []string{"name", "url", "status", "error", "cartUrl"}

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "rows.db")
	store, err := persistence.Open(dbPath, testFields)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func mustAppend(t *testing.T, store *persistence.Store, data rowstore.Data) rowstore.Row {
	t.Helper()
	row, err := store.Append(context.Background(), data)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return row
}

func TestStore_OpenConfiguresWAL(t *testing.T) {
	store, _ := openTestStore(t)
	var journal string
	if err := store.DB().QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	for _, table := range []string{"schema_migrations", "rows", "row_events"} {
		var got string
		if err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_ReopenKeepsRows(t *testing.T) {
	store, dbPath := openTestStore(t)
	mustAppend(t, store, rowstore.Data{"name": "Shop"})
	_ = store.Close()

	reopened, err := persistence.Open(dbPath, testFields)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	rows, err := reopened.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(rows) != 1 || rows[0].Data["name"] != "Shop" {
		t.Fatalf("unexpected rows after reopen: %+v", rows)
	}
}

func TestStore_OpenRequiresFields(t *testing.T) {
	if _, err := persistence.Open(filepath.Join(t.TempDir(), "rows.db"), nil); err == nil {
		t.Fatal("expected error without fields")
	}
}

func TestStore_FetchAllInKeyOrder(t *testing.T) {
	store, _ := openTestStore(t)
	a := mustAppend(t, store, rowstore.Data{"name": "A"})
	b := mustAppend(t, store, rowstore.Data{"name": "B"})
	if b.Key <= a.Key {
		t.Fatalf("keys not increasing: %d then %d", a.Key, b.Key)
	}
	rows, err := store.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(rows) != 2 || rows[0].Data["name"] != "A" || rows[1].Data["name"] != "B" {
		t.Fatalf("unexpected order: %+v", rows)
	}
}

func TestStore_FetchOneMissingIsNil(t *testing.T) {
	store, _ := openTestStore(t)
	row, err := store.FetchOne(context.Background(), 42)
	if err != nil {
		t.Fatalf("fetch one: %v", err)
	}
	if row != nil {
		t.Fatalf("expected nil row, got %+v", row)
	}
}

func TestStore_WritePartialMergesFields(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	row := mustAppend(t, store, rowstore.Data{"name": "Shop", "url": "https://shop.example", "error": "stale"})

	if err := store.WritePartial(ctx, row.Key, rowstore.Data{"status": "in-progress", "error": ""}); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	got, err := store.FetchOne(ctx, row.Key)
	if err != nil || got == nil {
		t.Fatalf("fetch one: %v %v", got, err)
	}
	if got.Data["status"] != "in-progress" || got.Data["error"] != "" || got.Data["url"] != "https://shop.example" {
		t.Fatalf("unexpected row: %+v", got.Data)
	}
}

func TestStore_WritePartialErrors(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	err := store.WritePartial(ctx, 99, rowstore.Data{"status": "done"})
	if !errors.Is(err, rowstore.ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
	row := mustAppend(t, store, rowstore.Data{"name": "Shop"})
	err = store.WritePartial(ctx, row.Key, rowstore.Data{"bogus": "x"})
	if !errors.Is(err, rowstore.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	if _, err := store.Append(ctx, rowstore.Data{"bogus": "x"}); !errors.Is(err, rowstore.ErrUnknownField) {
		t.Fatalf("append: expected ErrUnknownField, got %v", err)
	}
}

func TestStore_ClearDoesNotReuseKeys(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	first := mustAppend(t, store, rowstore.Data{"name": "A"})
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rows, err := store.FetchAll(ctx)
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty table, got %d rows", len(rows))
	}
	second := mustAppend(t, store, rowstore.Data{"name": "B"})
	if second.Key <= first.Key {
		t.Fatalf("key reused: %d after %d", second.Key, first.Key)
	}
}

func TestStore_HistoryRecordsRunAndWorkflow(t *testing.T) {
	store, _ := openTestStore(t)
	row := mustAppend(t, store, rowstore.Data{"name": "Shop"})

	ctx := shared.WithWorkflow(shared.WithRunID(context.Background(), "run-1"), "survey")
	if err := store.WritePartial(ctx, row.Key, rowstore.Data{"status": "in-progress"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.WritePartial(ctx, row.Key, rowstore.Data{"status": "done", "cartUrl": "/cart"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	events, err := store.History(context.Background(), row.Key, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].EventType != persistence.EventAppend || events[0].RunID != "" {
		t.Fatalf("unexpected append event: %+v", events[0])
	}
	last := events[2]
	if last.EventType != persistence.EventWrite || last.RunID != "run-1" || last.Workflow != "survey" {
		t.Fatalf("unexpected write event: %+v", last)
	}
	if last.Fields["cartUrl"] != "/cart" || len(last.Fields) != 2 {
		t.Fatalf("event should hold only the written fields: %+v", last.Fields)
	}

	limited, err := store.History(context.Background(), row.Key, 1)
	if err != nil {
		t.Fatalf("history limit: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 event with limit, got %d", len(limited))
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	mustAppend(t, store, rowstore.Data{"name": "Shop"})
	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(context.Background(), dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := store.Backup(context.Background(), dest); err == nil {
		t.Fatal("expected error when destination exists")
	}
	copied, err := persistence.Open(dest, testFields)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copied.Close()
	rows, err := copied.FetchAll(context.Background())
	if err != nil || len(rows) != 1 {
		t.Fatalf("backup rows: %v %v", rows, err)
	}
}
