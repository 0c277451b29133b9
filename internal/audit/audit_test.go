package audit

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("clear", OutcomeOK, "rows", "")
	Record("reset", OutcomeOK, "survey", "status=in-progress rows=2")

	entries, err := Read(home)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Action != "clear" || entries[0].Outcome != OutcomeOK || entries[0].Timestamp == "" {
		t.Fatalf("first entry = %+v", entries[0])
	}
	if entries[1].Subject != "survey" || entries[1].Detail != "status=in-progress rows=2" {
		t.Fatalf("second entry = %+v", entries[1])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	Record("import", OutcomeOK, "a.csv", "")
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info1, err := os.Stat(Path(home))
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	if err := Init(home); err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	Record("import", OutcomeOK, "b.csv", "")

	info2, err := os.Stat(Path(home))
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}
	entries, err := Read(home)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 || entries[0].Subject != "a.csv" || entries[1].Subject != "b.csv" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestResultRedactsAndCountsFailures(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := FailureCount()
	Result("model", "openai", errors.New("write config: api_key=sk-abcdefghijklmnopqrstuvwx rejected"))
	Result("model", "google", nil)

	if FailureCount() != before+1 {
		t.Fatalf("failure count = %d, want %d", FailureCount(), before+1)
	}
	entries, err := Read(home)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if entries[0].Outcome != OutcomeFailed || strings.Contains(entries[0].Detail, "sk-abcdefghijklmnopqrstuvwx") {
		t.Fatalf("failed entry = %+v", entries[0])
	}
	if entries[1].Outcome != OutcomeOK || entries[1].Detail != "" {
		t.Fatalf("ok entry = %+v", entries[1])
	}
}

func TestRecordBeforeInitIsNoop(t *testing.T) {
	_ = Close()
	Record("clear", OutcomeOK, "rows", "")
	entries, err := Read(t.TempDir())
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries = %v, err = %v", entries, err)
	}
}
