// Package task defines the contract between the supervisor and the sync
// bodies it runs.
package task

import (
	"context"
	"encoding/json"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/sharedcache"
	"spotifreak/internal/storage"
)

// Outcome is what a successful (or deliberately skipped) run reports back.
// Details land in the run record. A skipped run still has its state handle
// flushed, so bookkeeping written before the skip is not lost.
type Outcome struct {
	Skipped bool
	Details map[string]any
}

// Body is one sync implementation. Run performs the external work for a
// single execution; returning an error marks the run failed unless the
// error carries a RateLimited or NoRetry wrapper.
type Body interface {
	Run(ctx context.Context, rc *Context) (Outcome, error)
}

// CacheView is the read-only shared-cache surface exposed to bodies.
type CacheView interface {
	Lookup(key string) (sharedcache.Playlist, bool)
	LastRefreshed() time.Time
	IsStale(maxAge time.Duration, now time.Time) bool
}

// Context carries everything a body may touch during one run.
type Context struct {
	ID    string
	Log   logx.Logger
	Now   func() time.Time
	State *StateHandle
	Cache CacheView
}

// StateHandle is a read-modify-write view of one sync's persisted state.
// The body mutates it freely; the execution wrapper flushes it only after a
// successful or skipped run, so a failed run never overwrites the prior
// blob.
type StateHandle struct {
	id    string
	store storage.Store
	blob  json.RawMessage
	dirty bool
}

func NewStateHandle(store storage.Store, id string) *StateHandle {
	return &StateHandle{id: id, store: store}
}

// Load pulls the current blob from the store. Absent state is not an error;
// Get then leaves the destination zero-valued.
func (h *StateHandle) Load(ctx context.Context) error {
	blob, err := h.store.LoadState(ctx, h.id)
	if err != nil {
		return err
	}
	h.blob = blob
	h.dirty = false
	return nil
}

// Get unmarshals the loaded blob into v. A nil blob leaves v untouched.
func (h *StateHandle) Get(v any) error {
	if h.blob == nil {
		return nil
	}
	return json.Unmarshal(h.blob, v)
}

// Put replaces the pending state with v and marks the handle dirty.
func (h *StateHandle) Put(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.blob = b
	h.dirty = true
	return nil
}

// Raw returns the pending blob, nil when no state exists yet.
func (h *StateHandle) Raw() json.RawMessage { return h.blob }

// Dirty reports whether Put was called since the last Load or Flush.
func (h *StateHandle) Dirty() bool { return h.dirty }

// Flush writes the pending blob when dirty. The supervisor calls this after
// successful and skipped runs, never after failures.
func (h *StateHandle) Flush(ctx context.Context) error {
	if !h.dirty {
		return nil
	}
	if err := h.store.SaveState(ctx, h.id, h.blob); err != nil {
		return err
	}
	h.dirty = false
	return nil
}
