package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "spotifreak/pkg/logx"
)

const stateVersion = 1

// envelope is the on-disk shape of one sync's file: the opaque task state
// plus the bounded run history ring.
type envelope struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	State     json.RawMessage `json:"state,omitempty"`
	Runs      []RunRecord     `json:"run_history,omitempty"`
}

// fileStore keeps one JSON file per sync id under a state directory.
//
// Writes go through a temp file + rename so a crash can never leave a
// half-written blob visible to the next reader. A per-id mutex serializes
// writers to the same file.
type fileStore struct {
	log logx.Logger
	dir string
	cap int

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{
		log:   log,
		dir:   dir,
		cap:   cfg.historyLimit(),
		locks: map[string]*sync.Mutex{},
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) lockFor(id string) (*sync.Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	l := s.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l, nil
}

func (s *fileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *fileStore) LoadState(ctx context.Context, id string) (json.RawMessage, error) {
	_ = ctx
	env, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, nil
	}
	return env.State, nil
}

func (s *fileStore) SaveState(ctx context.Context, id string, blob json.RawMessage) error {
	_ = ctx
	l, err := s.lockFor(id)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	env, err := s.read(id)
	if err != nil {
		return err
	}
	if env == nil {
		env = &envelope{Version: stateVersion}
	}
	env.State = blob
	return s.write(id, env)
}

func (s *fileStore) DeleteState(ctx context.Context, id string) error {
	_ = ctx
	l, err := s.lockFor(id)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, id string, rec RunRecord) error {
	_ = ctx
	l, err := s.lockFor(id)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	env, err := s.read(id)
	if err != nil {
		return err
	}
	if env == nil {
		env = &envelope{Version: stateVersion}
	}
	env.Runs = append(env.Runs, rec)
	if len(env.Runs) > s.cap {
		env.Runs = env.Runs[len(env.Runs)-s.cap:]
	}
	return s.write(id, env)
}

func (s *fileStore) TailRuns(ctx context.Context, id string, n int) ([]RunRecord, error) {
	_ = ctx
	env, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if env == nil || len(env.Runs) == 0 {
		return []RunRecord{}, nil
	}
	runs := env.Runs
	if n > 0 && len(runs) > n {
		runs = runs[len(runs)-n:]
	}
	out := make([]RunRecord, len(runs))
	copy(out, runs)
	return out, nil
}

func (s *fileStore) DeleteRuns(ctx context.Context, id string) error {
	_ = ctx
	l, err := s.lockFor(id)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	env, err := s.read(id)
	if err != nil || env == nil {
		return err
	}
	env.Runs = nil
	return s.write(id, env)
}

func (s *fileStore) read(id string) (*envelope, error) {
	b, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("state file %s: %w", s.path(id), err)
	}
	return &env, nil
}

// write replaces the file atomically: encode into a sibling temp file, fsync,
// then rename over the target.
func (s *fileStore) write(id string, env *envelope) error {
	env.Version = stateVersion
	env.UpdatedAt = time.Now().UTC()

	// Compact encoding keeps the embedded raw state byte-for-byte; indented
	// output would reformat it so loads no longer return what was saved.
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	target := s.path(id)
	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
