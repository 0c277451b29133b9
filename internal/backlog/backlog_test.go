package backlog_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/go-survey/internal/backlog"
	"github.com/basket/go-survey/internal/persistence"
	"github.com/basket/go-survey/internal/rowstore"
	"github.com/basket/go-survey/internal/schema"
)

func newRowSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New("shops", []schema.Field{
		{Name: "name", Required: true},
		{Name: "url"},
		{Name: "status", Enum: []string{"in-progress", "done", "needs-review", "error"}},
		{Name: "error"},
	})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func openStore(t *testing.T, rows ...rowstore.Data) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "rows.db"), []string{"name", "url", "status", "error"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for _, d := range rows {
		if _, err := store.Append(context.Background(), d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return store
}

func TestLoad_ExcludesInvalidRowsAndReportsThem(t *testing.T) {
	store := openStore(t,
		rowstore.Data{"name": "A"},
		rowstore.Data{"url": "https://nameless.example"},
		rowstore.Data{"name": "C", "status": "surveyed"},
		rowstore.Data{"name": "D", "status": "done"},
	)
	tr := backlog.New(store, newRowSchema(t), backlog.StatusEmpty("status"))

	res, err := tr.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("expected 2 load errors, got %+v", res.Errors)
	}
	if res.Errors[0].Key != 2 || res.Errors[1].Key != 3 {
		t.Fatalf("unexpected error keys: %+v", res.Errors)
	}
	if res.Errors[0].Reason == "" {
		t.Fatal("load error should carry a reason")
	}
	if res.Count != 1 || tr.Len() != 1 {
		t.Fatalf("count = %d len = %d, want 1", res.Count, tr.Len())
	}
	if key, ok := tr.TakeNextKey(); !ok || key != 1 {
		t.Fatalf("TakeNextKey = %d, %v", key, ok)
	}
}

func TestTakeNextKey_YieldsEachKeyOnceThenNothing(t *testing.T) {
	store := openStore(t,
		rowstore.Data{"name": "A"},
		rowstore.Data{"name": "B"},
		rowstore.Data{"name": "C"},
	)
	tr := backlog.New(store, newRowSchema(t), nil)
	if _, err := tr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	var got []int64
	for tr.HasRemaining() {
		key, ok := tr.TakeNextKey()
		if !ok {
			t.Fatal("HasRemaining was true but TakeNextKey returned nothing")
		}
		got = append(got, key)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("keys = %v, want [1 2 3]", got)
	}
	for range 2 {
		if key, ok := tr.TakeNextKey(); ok || key != 0 {
			t.Fatalf("expected exhausted tracker, got %d %v", key, ok)
		}
	}
	if tr.Remaining() != 0 {
		t.Fatalf("remaining = %d", tr.Remaining())
	}
}

func TestLoad_RewindsCursor(t *testing.T) {
	store := openStore(t, rowstore.Data{"name": "A"})
	tr := backlog.New(store, newRowSchema(t), nil)
	ctx := context.Background()
	if _, err := tr.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	tr.TakeNextKey()
	if _, err := tr.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !tr.HasRemaining() {
		t.Fatal("reload should rewind the cursor")
	}
}

type failingStore struct{ rowstore.Store }

func (failingStore) FetchAll(context.Context) ([]rowstore.Row, error) {
	return nil, errors.New("quota exceeded")
}

func TestLoad_StoreFailureIsReturned(t *testing.T) {
	tr := backlog.New(failingStore{}, nil, nil)
	if _, err := tr.Load(context.Background()); err == nil {
		t.Fatal("expected fetch failure")
	}
	if tr.HasRemaining() {
		t.Fatal("failed load must not produce work")
	}
}

func TestMatchPredicate(t *testing.T) {
	pred := backlog.Match{
		Equals: map[string]string{"status": "done", "siteKind": "official"},
		Empty:  []string{"itemStatus"},
	}.Predicate()

	cases := []struct {
		data rowstore.Data
		want bool
	}{
		{rowstore.Data{"status": "done", "siteKind": "official"}, true},
		{rowstore.Data{"status": "done", "siteKind": "official", "itemStatus": ""}, true},
		{rowstore.Data{"status": "done", "siteKind": "official", "itemStatus": "done"}, false},
		{rowstore.Data{"status": "done", "siteKind": "reseller"}, false},
		{rowstore.Data{"siteKind": "official"}, false},
	}
	for i, tc := range cases {
		if got := pred(tc.data); got != tc.want {
			t.Fatalf("case %d: got %v want %v", i, got, tc.want)
		}
	}
	if !(backlog.Match{}).Predicate()(nil) {
		t.Fatal("zero Match should accept every row")
	}
}

func TestTracker_ConcurrentTakesNeverDuplicate(t *testing.T) {
	var rows []rowstore.Data
	for range 50 {
		rows = append(rows, rowstore.Data{"name": "x"})
	}
	tr := backlog.New(openStore(t, rows...), newRowSchema(t), nil)
	if _, err := tr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				key, ok := tr.TakeNextKey()
				if !ok {
					return
				}
				mu.Lock()
				seen[key]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct keys, got %d", len(seen))
	}
	for key, n := range seen {
		if n != 1 {
			t.Fatalf("key %d taken %d times", key, n)
		}
	}
}
