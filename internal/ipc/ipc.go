// Package ipc exposes the supervisor's command surface over a unix domain
// socket. The protocol is one JSON request and one JSON response per
// connection, which keeps the CLI side trivial.
package ipc

import (
	"time"

	"spotifreak/internal/storage"
	"spotifreak/internal/supervisor"
)

// Request is one control message from the CLI.
type Request struct {
	Command string `json:"command"`
	SyncID  string `json:"sync_id,omitempty"`
	Limit   int    `json:"limit,omitempty"` // history and events
}

// Run is one history entry as serialized over the socket.
type Run struct {
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Attempts    int       `json:"attempts,omitempty"`
	Error       string    `json:"error,omitempty"`
	Details     string    `json:"details,omitempty"`
}

// Event is one run lifecycle notification, as kept in the server's bounded
// tail of recent supervisor events.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	SyncID   string    `json:"sync_id,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Duration string    `json:"duration,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Response is the daemon's reply. Status is "ok" or "error".
type Response struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Jobs    []supervisor.JobStatus `json:"jobs,omitempty"`
	Runs    []Run                  `json:"runs,omitempty"`
	Events  []Event                `json:"events,omitempty"`
}

const (
	CommandStatus  = "status"
	CommandStart   = "start"
	CommandPause   = "pause"
	CommandResume  = "resume"
	CommandDelete  = "delete"
	CommandHistory = "history"
	CommandEvents  = "events"
)

// DefaultHistoryLimit bounds history replies when the request leaves Limit
// unset.
const DefaultHistoryLimit = 10

// DefaultEventsLimit bounds events replies when the request leaves Limit
// unset.
const DefaultEventsLimit = 20

func runFromRecord(rec storage.RunRecord) Run {
	return Run{
		RunID:       rec.RunID,
		Status:      string(rec.Status),
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		Attempts:    rec.Attempts,
		Error:       rec.Error,
		Details:     rec.Details,
	}
}
