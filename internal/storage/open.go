package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	logx "spotifreak/pkg/logx"
)

// Store is the persistence API used by the supervisor and task bodies.
//
// State blobs are opaque JSON owned by the task body; run history is owned by
// the supervisor. Writes to the same sync id are serialized by the driver, so
// read-modify-write of a blob is safe as long as at most one run per id is in
// flight (which the supervisor guarantees).
type Store interface {
	// LoadState returns (nil, nil) when no state exists yet.
	LoadState(ctx context.Context, id string) (json.RawMessage, error)
	SaveState(ctx context.Context, id string, blob json.RawMessage) error
	DeleteState(ctx context.Context, id string) error

	AppendRun(ctx context.Context, id string, rec RunRecord) error
	// TailRuns returns up to n records in chronological order, most recent
	// last. It returns an empty slice, never an error, when no runs exist.
	TailRuns(ctx context.Context, id string, n int) ([]RunRecord, error)
	DeleteRuns(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
