package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/scheduler"
	"spotifreak/internal/storage"
)

// JobStatus is one sync's externally visible state.
type JobStatus struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run,omitzero"`
	Paused   bool      `json:"paused,omitempty"`
	Missed   bool      `json:"missed,omitempty"`
	Running  bool      `json:"running,omitempty"`
}

// Status is the full status snapshot served over IPC.
type Status struct {
	Status string      `json:"status"`
	Jobs   []JobStatus `json:"jobs"`
}

// Status reports every registered sync, sorted by id.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	types := make(map[string]string, len(s.entries))
	running := make(map[string]bool, len(s.inflight))
	for id, e := range s.entries {
		if !e.doomed {
			types[id] = e.spec.Type
		}
	}
	for id := range s.inflight {
		running[id] = true
	}
	s.mu.Unlock()

	out := Status{Status: "ok"}
	for _, info := range s.sched.Snapshot() {
		typ, ok := types[info.ID]
		if !ok {
			continue
		}
		out.Jobs = append(out.Jobs, JobStatus{
			ID:       info.ID,
			Type:     typ,
			Schedule: info.Schedule,
			NextRun:  info.State.NextRun,
			Paused:   info.State.Paused,
			Missed:   info.State.Missed,
			Running:  running[info.ID],
		})
	}
	sort.Slice(out.Jobs, func(i, j int) bool { return out.Jobs[i].ID < out.Jobs[j].ID })
	return out
}

// Command applies a control verb to one sync. Pause and resume are
// idempotent; start and delete fail with ErrConflict while a run is in
// flight.
func (s *Supervisor) Command(ctx context.Context, id string, op Op) (string, error) {
	switch op {
	case OpStart:
		return s.startNow(ctx, id)
	case OpPause:
		if err := s.sched.Pause(id); err != nil {
			return "", mapSchedErr(err)
		}
		s.log.Info("sync paused", logx.String("sync", id))
		return "paused", nil
	case OpResume:
		if err := s.sched.Resume(id); err != nil {
			return "", mapSchedErr(err)
		}
		s.log.Info("sync resumed", logx.String("sync", id))
		return "resumed", nil
	case OpDelete:
		return s.deleteSync(ctx, id)
	default:
		return "", fmt.Errorf("unknown command %q", op)
	}
}

// startNow forces an out-of-band run, subject to the same one-run-per-id
// guard as scheduled dispatch.
func (s *Supervisor) startNow(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.doomed {
		s.mu.Unlock()
		return "", ErrUnknownTask
	}
	if s.inflight[id] {
		s.mu.Unlock()
		return "", ErrConflict
	}
	s.inflight[id] = true
	spec, body := e.spec, e.body
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(ctx, spec, body)
	return "run started", nil
}

// deleteSync removes the sync and its persisted state and history. It
// conflicts while a run is in flight so a half-finished run never races its
// own cleanup; the caller may retry once the run completes.
func (s *Supervisor) deleteSync(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.doomed {
		s.mu.Unlock()
		return "", ErrUnknownTask
	}
	if s.inflight[id] {
		s.mu.Unlock()
		return "", ErrConflict
	}
	delete(s.entries, id)
	s.sched.Unregister(id)
	s.mu.Unlock()

	s.cache.Forget(id)
	if err := s.store.DeleteState(ctx, id); err != nil {
		s.log.Error("delete state failed", logx.String("sync", id), logx.Err(err))
	}
	if err := s.store.DeleteRuns(ctx, id); err != nil {
		s.log.Error("delete history failed", logx.String("sync", id), logx.Err(err))
	}
	s.log.Info("sync deleted", logx.String("sync", id))
	return "deleted", nil
}

// History returns the most recent run records, oldest first.
func (s *Supervisor) History(ctx context.Context, id string, n int) ([]storage.RunRecord, error) {
	s.mu.Lock()
	_, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTask
	}
	return s.store.TailRuns(ctx, id, n)
}

func mapSchedErr(err error) error {
	if errors.Is(err, scheduler.ErrNotRegistered) {
		return ErrUnknownTask
	}
	return err
}
