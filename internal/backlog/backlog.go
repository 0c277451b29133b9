// Package backlog snapshots a row store into an ordered queue of eligible row
// keys. The snapshot is not refreshed: callers re-read a row before claiming it.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/basket/go-survey/internal/rowstore"
	"github.com/basket/go-survey/internal/schema"
)

// Predicate selects the rows a workflow should work on.
type Predicate func(rowstore.Data) bool

// LoadError reports a row excluded from the backlog because it failed validation.
type LoadError struct {
	Key    int64
	Reason string
}

func (e LoadError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Key, e.Reason)
}

// LoadResult summarizes one Load.
type LoadResult struct {
	Count  int
	Errors []LoadError
}

// Tracker holds the snapshot and its cursor. It is safe for concurrent use.
type Tracker struct {
	store    rowstore.Store
	rows     *schema.Schema
	eligible Predicate

	mu     sync.Mutex
	keys   []int64
	cursor int
}

// New returns a Tracker over store. A nil eligible predicate accepts every valid row.
func New(store rowstore.Store, rows *schema.Schema, eligible Predicate) *Tracker {
	if eligible == nil {
		eligible = func(rowstore.Data) bool { return true }
	}
	return &Tracker{store: store, rows: rows, eligible: eligible}
}

// Load replaces the snapshot with the current eligible rows and rewinds the
// cursor. A store failure leaves the previous snapshot in place.
func (t *Tracker) Load(ctx context.Context) (LoadResult, error) {
	all, err := t.store.FetchAll(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load backlog: %w", err)
	}

	var (
		result LoadResult
		keys   = make([]int64, 0, len(all))
	)
	for _, row := range all {
		if t.rows != nil {
			if err := t.rows.ValidateRow(row.Data); err != nil {
				result.Errors = append(result.Errors, LoadError{Key: row.Key, Reason: reason(err)})
				continue
			}
		}
		if t.eligible(row.Data) {
			keys = append(keys, row.Key)
		}
	}
	result.Count = len(keys)

	t.mu.Lock()
	t.keys = keys
	t.cursor = 0
	t.mu.Unlock()
	return result, nil
}

func reason(err error) string {
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return verr.Detail
	}
	return err.Error()
}

// HasRemaining reports whether TakeNextKey would return a key.
func (t *Tracker) HasRemaining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor < len(t.keys)
}

// TakeNextKey returns the key under the cursor and advances it. At the end it
// returns false and leaves the cursor where it is.
func (t *Tracker) TakeNextKey() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor >= len(t.keys) {
		return 0, false
	}
	key := t.keys[t.cursor]
	t.cursor++
	return key, true
}

// Len returns the number of eligible keys kept by the last Load.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}

// Remaining returns how many loaded keys have not been taken yet.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys) - t.cursor
}
