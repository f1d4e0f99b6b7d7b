package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "spotifreak/pkg/logx"
)

// Snapshot is one coherent view of the global config plus every sync
// descriptor. Reloads replace the whole snapshot, never parts of it.
type Snapshot struct {
	Global *GlobalConfig
	Syncs  []SyncConfig
}

// Sync returns the descriptor for id, if present.
func (s *Snapshot) Sync(id string) (SyncConfig, bool) {
	if s == nil {
		return SyncConfig{}, false
	}
	for _, sc := range s.Syncs {
		if sc.ID == id {
			return sc, true
		}
	}
	return SyncConfig{}, false
}

// Manager loads configuration from disk and pushes validated snapshots to
// subscribers when the files change. Change notifications are delivered as
// messages on subscriber channels; the watcher never calls back into
// scheduler internals directly.
type Manager struct {
	paths Paths

	mu   sync.RWMutex
	snap *Snapshot

	subsMu sync.Mutex
	subs   []chan *Snapshot

	log       logx.Logger
	validator func(ctx context.Context, snap *Snapshot) error

	// lastHash tracks the last successfully committed content so editor
	// double-writes don't trigger redundant publishes.
	lastHash uint64
}

func NewManager(paths Paths) *Manager {
	return &Manager{paths: paths}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() before committing
// and publishing a reloaded snapshot.
func (m *Manager) SetValidator(fn func(ctx context.Context, snap *Snapshot) error) {
	m.validator = fn
}

func (m *Manager) Parse() (*Snapshot, error) {
	global, err := LoadGlobal(m.paths.GlobalConfig)
	if err != nil {
		return nil, err
	}
	syncs, err := LoadSyncs(m.paths.SyncsDir)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Global: global, Syncs: syncs}, nil
}

func (m *Manager) Commit(snap *Snapshot) {
	m.mu.Lock()
	m.snap = snap
	m.lastHash = hashSnapshot(snap)
	m.mu.Unlock()
}

func (m *Manager) Load() (*Snapshot, error) {
	snap, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(snap)
	return snap, nil
}

func (m *Manager) Get() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Manager) Subscribe(buffer int) chan *Snapshot {
	ch := make(chan *Snapshot, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Snapshot) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(snap *Snapshot) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// If a subscriber is slow and its buffer is full, drop the oldest
		// pending snapshot and push the newest: only the latest view matters.
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func hashSnapshot(snap *Snapshot) uint64 {
	if snap == nil {
		return 0
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Watch blocks, reloading and publishing snapshots whenever the global config
// file or the syncs directory changes. It self-heals a broken watcher with a
// small jittered backoff and returns only when ctx is canceled.
func (m *Manager) Watch(ctx context.Context) error {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	globalFile := filepath.Base(m.paths.GlobalConfig)

	// debounce so half-written editor saves don't trigger reload storms
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}

		addFailed := false
		for _, dir := range []string{m.paths.BaseDir, m.paths.SyncsDir} {
			if err := w.Add(dir); err != nil {
				m.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
				addFailed = true
				break
			}
		}
		if addFailed {
			_ = w.Close()
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		m.log.Debug("config watcher started",
			logx.String("global", m.paths.GlobalConfig),
			logx.String("syncs", m.paths.SyncsDir),
		)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if m.relevant(ev.Name, globalFile) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					m.log.Debug("config change detected", logx.String("path", ev.Name))
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; reload once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher stopped; restarting")
		if !wait() {
			return nil
		}
	}
}

// relevant reports whether a filesystem event path concerns the global config
// file or a sync descriptor.
func (m *Manager) relevant(path, globalFile string) bool {
	base := filepath.Base(path)
	if strings.EqualFold(base, globalFile) {
		return true
	}
	if filepath.Dir(path) == m.paths.SyncsDir {
		ext := strings.ToLower(filepath.Ext(base))
		return ext == ".yml" || ext == ".yaml"
	}
	return false
}

func (m *Manager) reload(ctx context.Context) {
	snap, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload rejected", logx.Err(err))
		return
	}

	h := hashSnapshot(snap)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish")
		return
	}

	// validate before commit/publish (transactional)
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, snap)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.Err(err))
			return
		}
	}

	m.Commit(snap)
	m.publish(snap)
	m.log.Info("config reloaded", logx.Int("syncs", len(snap.Syncs)))
}
