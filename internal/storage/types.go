package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file" (default): one atomically-written JSON file per sync id
//   - "sqlite": single SQLite database file (WAL)
type Config struct {
	Driver string
	// Path is the state directory (file driver) or database file (sqlite).
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// HistoryLimit bounds the per-sync run history ring. <= 0 uses the default.
	HistoryLimit int
}

const DefaultHistoryLimit = 50

func (c Config) historyLimit() int {
	if c.HistoryLimit > 0 {
		return c.HistoryLimit
	}
	return DefaultHistoryLimit
}

type RunStatus string

const (
	StatusSuccess     RunStatus = "success"
	StatusFailed      RunStatus = "failed"
	StatusRateLimited RunStatus = "rate_limited"
	StatusSkipped     RunStatus = "skipped"
)

// RunRecord is one completed execution attempt of a sync. Immutable once
// appended; the oldest records are evicted past the configured history cap.
type RunRecord struct {
	RunID       string         `json:"run_id"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Attempts    int       `json:"attempts,omitempty"`
	Error       string    `json:"error,omitempty"`
	// Details is a JSON object the task body produced, stored verbatim.
	Details string `json:"details,omitempty"`
}
