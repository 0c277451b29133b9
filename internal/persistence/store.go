// Package persistence is the SQLite row store. Rows are stored as JSON
// objects keyed by an AUTOINCREMENT ordinal, so keys are never reused after a
// clear, and every write is recorded in row_events with the run that made it.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-survey/internal/rowstore"
	"github.com/basket/go-survey/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "gs-v1-2026-10-rows"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

// Row event types.
const (
	EventAppend = "append"
	EventWrite  = "write"
)

// RowEvent is one recorded mutation of a row.
type RowEvent struct {
	EventID   int64         `json:"event_id"`
	RowKey    int64         `json:"row_key"`
	RunID     string        `json:"run_id,omitempty"`
	Workflow  string        `json:"workflow,omitempty"`
	EventType string        `json:"event_type"`
	Fields    rowstore.Data `json:"fields"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store implements rowstore.Admin on a single SQLite file.
type Store struct {
	db     *sql.DB
	fields []string
}

var _ rowstore.Admin = (*Store)(nil)

// DefaultDBPath returns the database path under the user's home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gosurvey", "rows.db")
}

// Open opens (creating if needed) the database at path. fields lists the
// columns writes may name.
func Open(path string, fields []string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if len(fields) == 0 {
		return nil, errors.New("open row store: no fields declared")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, fields: append([]string(nil), fields...)}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Fields returns the writable columns in declaration order.
func (s *Store) Fields() []string {
	return append([]string(nil), s.fields...)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := min(baseDelay<<uint(attempt), maxDelay)
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches BUSY (5) and LOCKED (6) by message so callers need not
// import the driver package.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS rows (
			row_key INTEGER PRIMARY KEY AUTOINCREMENT,
			data_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS row_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			row_key INTEGER NOT NULL,
			run_id TEXT,
			workflow TEXT,
			event_type TEXT NOT NULL,
			fields_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_row_events_row ON row_events(row_key, event_id);`,
	}
	for _, q := range statements {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func decodeData(raw string) (rowstore.Data, error) {
	data := rowstore.Data{}
	if raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}

// FetchAll returns every row ordered by key.
func (s *Store) FetchAll(ctx context.Context) ([]rowstore.Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT row_key, data_json FROM rows ORDER BY row_key;`)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var out []rowstore.Row
	for rows.Next() {
		var (
			key int64
			raw string
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		data, err := decodeData(raw)
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", key, err)
		}
		out = append(out, rowstore.Row{Key: key, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// FetchOne returns the row at key, or nil when it does not exist.
func (s *Store) FetchOne(ctx context.Context, key int64) (*rowstore.Row, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data_json FROM rows WHERE row_key = ?;`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch row %d: %w", key, err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return nil, fmt.Errorf("decode row %d: %w", key, err)
	}
	return &rowstore.Row{Key: key, Data: data}, nil
}

// WritePartial merges fields into the row at key and records the write.
func (s *Store) WritePartial(ctx context.Context, key int64, fields rowstore.Data) error {
	if err := rowstore.CheckFields(s.fields, fields); err != nil {
		return fmt.Errorf("write row %d: %w", key, err)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin write tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var raw string
		err = tx.QueryRowContext(ctx, `SELECT data_json FROM rows WHERE row_key = ?;`, key).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("write row %d: %w", key, rowstore.ErrRowNotFound)
		}
		if err != nil {
			return fmt.Errorf("select row %d: %w", key, err)
		}
		current, err := decodeData(raw)
		if err != nil {
			return fmt.Errorf("decode row %d: %w", key, err)
		}
		merged, err := json.Marshal(current.Merge(fields))
		if err != nil {
			return fmt.Errorf("encode row %d: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE rows SET data_json = ?, updated_at = CURRENT_TIMESTAMP WHERE row_key = ?;
		`, string(merged), key); err != nil {
			return fmt.Errorf("update row %d: %w", key, err)
		}
		if err := appendRowEventTx(ctx, tx, key, EventWrite, fields); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Append adds a row at the end of the table.
func (s *Store) Append(ctx context.Context, data rowstore.Data) (rowstore.Row, error) {
	if err := rowstore.CheckFields(s.fields, data); err != nil {
		return rowstore.Row{}, fmt.Errorf("append row: %w", err)
	}
	data = data.Clone()
	encoded, err := json.Marshal(data)
	if err != nil {
		return rowstore.Row{}, fmt.Errorf("encode row: %w", err)
	}
	var key int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `INSERT INTO rows (data_json) VALUES (?);`, string(encoded))
		if err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
		if key, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("row id: %w", err)
		}
		if err := appendRowEventTx(ctx, tx, key, EventAppend, data); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return rowstore.Row{}, err
	}
	return rowstore.Row{Key: key, Data: data}, nil
}

// Clear deletes every row. Write history is kept and keys are not reused.
func (s *Store) Clear(ctx context.Context) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM rows;`); err != nil {
			return fmt.Errorf("clear rows: %w", err)
		}
		return nil
	})
}

func appendRowEventTx(ctx context.Context, tx *sql.Tx, key int64, eventType string, fields rowstore.Data) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode row event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO row_events (row_key, run_id, workflow, event_type, fields_json, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, key, shared.RunID(ctx), shared.Workflow(ctx), eventType, string(payload))
	if err != nil {
		return fmt.Errorf("insert row_event: %w", err)
	}
	return nil
}

// History returns the recorded writes of the row at key, oldest first.
// limit <= 0 returns everything.
func (s *Store) History(ctx context.Context, key int64, limit int) ([]RowEvent, error) {
	q := `
		SELECT event_id, row_key, COALESCE(run_id, ''), COALESCE(workflow, ''), event_type, fields_json, created_at
		FROM row_events
		WHERE row_key = ?
		ORDER BY event_id`
	args := []any{key}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query row_events: %w", err)
	}
	defer rows.Close()

	var out []RowEvent
	for rows.Next() {
		var (
			ev  RowEvent
			raw string
		)
		if err := rows.Scan(&ev.EventID, &ev.RowKey, &ev.RunID, &ev.Workflow, &ev.EventType, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row_event: %w", err)
		}
		if ev.Fields, err = decodeData(raw); err != nil {
			return nil, fmt.Errorf("decode row_event %d: %w", ev.EventID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row_events rows: %w", err)
	}
	return out, nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}
