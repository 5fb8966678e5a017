// Package audit provides the append-only structured event stream shared by
// the orchestrator, query proxy, and control plane. One JSON object per line;
// the file is only ever appended to.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playpen-dev/playpen/internal/logging"
)

// Event categories.
const (
	CategoryLifecycle = "lifecycle"
	CategoryQuery     = "query"
	CategoryPolicy    = "policy"
	CategoryDaemon    = "daemon"
)

// Event is one audit record.
type Event struct {
	ID        string  `json:"id"`
	Time      string  `json:"time"`
	Category  string  `json:"category"`
	Action    string  `json:"action"`
	Session   string  `json:"session,omitempty"`
	Caller    string  `json:"caller,omitempty"`
	Outcome   string  `json:"outcome"` // "ok" or "error"
	Detail    string  `json:"detail,omitempty"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
}

// Logger appends events to a single audit file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates (or continues) the audit log at path.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Logger{file: f}, nil
}

// Record appends one event. ID and Time are filled in when empty. Failures to
// write are logged and swallowed: an audit outage must not fail the audited
// operation.
func (l *Logger) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time == "" {
		e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Outcome == "" {
		e.Outcome = "ok"
	}

	data, err := json.Marshal(e)
	if err != nil {
		logging.Logger.Error("failed to marshal audit event", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		logging.Logger.Error("failed to append audit event", "error", err)
	}
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
