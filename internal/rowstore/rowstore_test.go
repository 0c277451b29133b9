package rowstore_test

import (
	"errors"
	"testing"

	"github.com/basket/go-survey/internal/rowstore"
)

func TestData_MergeDoesNotMutate(t *testing.T) {
	base := rowstore.Data{"name": "Shop", "status": ""}
	merged := base.Merge(rowstore.Data{"status": "in-progress", "error": ""})
	if base["status"] != "" {
		t.Fatalf("base mutated: %v", base)
	}
	if merged["status"] != "in-progress" || merged["name"] != "Shop" {
		t.Fatalf("unexpected merge: %v", merged)
	}
	if _, ok := merged["error"]; !ok {
		t.Fatal("merge should keep explicit empty values")
	}
}

func TestData_GetOnNil(t *testing.T) {
	var d rowstore.Data
	if d.Get("status") != "" {
		t.Fatal("nil data should read as empty")
	}
	if len(d.Clone()) != 0 {
		t.Fatal("clone of nil should be empty")
	}
}

func TestCheckFields(t *testing.T) {
	allowed := []string{"name", "status"}
	if err := rowstore.CheckFields(allowed, rowstore.Data{"status": "done"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := rowstore.CheckFields(allowed, rowstore.Data{"status": "done", "bogus": "x"})
	if !errors.Is(err, rowstore.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	var ferr *rowstore.FieldError
	if !errors.As(err, &ferr) || ferr.Field != "bogus" {
		t.Fatalf("expected FieldError naming bogus, got %v", err)
	}
}
