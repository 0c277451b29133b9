// Package rowstore defines the row-store capability the survey loop consumes:
// an ordered table of text rows keyed by a store-assigned ordinal.
package rowstore

import (
	"context"
	"errors"
	"maps"
	"sort"
)

var (
	// ErrRowNotFound is returned by writes addressed to a key the store does not hold.
	ErrRowNotFound = errors.New("row not found")
	// ErrUnknownField is returned when a write names a field outside the store's columns.
	ErrUnknownField = errors.New("unknown field")
)

// Data maps field name to cell text. A missing cell reads as the empty string.
type Data map[string]string

// Get returns the cell text for field, or "".
func (d Data) Get(field string) string {
	if d == nil {
		return ""
	}
	return d[field]
}

// Clone returns a copy of d.
func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	return maps.Clone(d)
}

// Merge returns a copy of d with patch applied on top.
func (d Data) Merge(patch Data) Data {
	out := d.Clone()
	maps.Copy(out, patch)
	return out
}

// Keys returns the field names present in d, sorted.
func (d Data) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Row is one record of the table. Key is stable for the lifetime of the row.
type Row struct {
	Key  int64
	Data Data
}

// Store is the subset of row-store operations the iteration loop needs.
type Store interface {
	// FetchAll returns every row in table order.
	FetchAll(ctx context.Context) ([]Row, error)
	// FetchOne returns the row at key, or nil with no error when it does not exist.
	FetchOne(ctx context.Context, key int64) (*Row, error)
	// WritePartial overwrites only the named fields of the row at key.
	WritePartial(ctx context.Context, key int64, fields Data) error
}

// Admin adds the bulk operations used by the command line.
type Admin interface {
	Store
	Append(ctx context.Context, data Data) (Row, error)
	Clear(ctx context.Context) error
	Fields() []string
	Close() error
}

// CheckFields returns ErrUnknownField when fields names a column outside allowed.
func CheckFields(allowed []string, fields Data) error {
	known := make(map[string]struct{}, len(allowed))
	for _, f := range allowed {
		known[f] = struct{}{}
	}
	for _, k := range fields.Keys() {
		if _, ok := known[k]; !ok {
			return &FieldError{Field: k}
		}
	}
	return nil
}

// FieldError names the offending field of a rejected write.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return "unknown field " + `"` + e.Field + `"`
}

func (e *FieldError) Unwrap() error { return ErrUnknownField }
