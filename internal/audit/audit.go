// Package audit appends operator actions that change rows or configuration
// to $GOSURVEY_HOME/logs/audit.jsonl.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-survey/internal/shared"
)

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Entry is one line of the audit file.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	failCount atomic.Int64
)

// Path returns the audit file location for homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

// Init opens the audit file under homeDir. It is a no-op while a file is open.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(homeDir, "logs"), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(Path(homeDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the number of failed actions recorded since startup.
func FailureCount() int64 {
	return failCount.Load()
}

// Record appends an entry. Secrets in subject and detail are redacted. It is
// a no-op before Init.
func Record(action, outcome, subject, detail string) {
	if outcome == OutcomeFailed {
		failCount.Add(1)
	}

	ev := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Outcome:   outcome,
		Subject:   shared.Redact(subject),
		Detail:    shared.Redact(detail),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// Result records err as the outcome of action.
func Result(action, subject string, err error) {
	if err != nil {
		Record(action, OutcomeFailed, subject, err.Error())
		return
	}
	Record(action, OutcomeOK, subject, "")
}

// Read returns every entry of the audit file under homeDir, oldest first.
func Read(homeDir string) ([]Entry, error) {
	f, err := os.Open(Path(homeDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return out, fmt.Errorf("audit line %d: %w", line, err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
