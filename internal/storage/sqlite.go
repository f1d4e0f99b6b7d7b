package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "spotifreak/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cap int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, cap: cfg.historyLimit()}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadState(ctx context.Context, id string) (json.RawMessage, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sync_state WHERE sync_id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(state), nil
}

func (s *sqliteStore) SaveState(ctx context.Context, id string, blob json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state(sync_id, state, updated_at) VALUES(?,?,?)
		 ON CONFLICT(sync_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		id, string(blob), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteState(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE sync_id = ?`, id)
	return err
}

func (s *sqliteStore) AppendRun(ctx context.Context, id string, rec RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_history(sync_id, run_id, status, started_at, completed_at, attempts, error, details)
		 VALUES(?,?,?,?,?,?,?,?)`,
		id, rec.RunID, string(rec.Status),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		rec.Attempts, nullStr(rec.Error), nullStr(rec.Details),
	)
	if err != nil {
		return err
	}
	// Keep only the newest rows inside the ring.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM run_history WHERE sync_id = ? AND id NOT IN (
		     SELECT id FROM run_history WHERE sync_id = ? ORDER BY id DESC LIMIT ?)`,
		id, id, s.cap,
	)
	return err
}

func (s *sqliteStore) TailRuns(ctx context.Context, id string, n int) ([]RunRecord, error) {
	limit := s.cap
	if n > 0 && n < limit {
		limit = n
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, status, started_at, completed_at, attempts, error, details
		   FROM run_history WHERE sync_id = ? ORDER BY id DESC LIMIT ?`,
		id, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RunRecord{}
	for rows.Next() {
		var (
			rec               RunRecord
			status            string
			started, finished string
			errStr, details   sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &status, &started, &finished, &rec.Attempts, &errStr, &details); err != nil {
			return nil, err
		}
		rec.Status = RunStatus(status)
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, finished)
		rec.Error = errStr.String
		rec.Details = details.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows came back newest first; callers expect chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) DeleteRuns(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_history WHERE sync_id = ?`, id)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
