package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/eventbus"
	"spotifreak/internal/storage"
	"spotifreak/internal/task"
)

// execute is the per-run wrapper. It owns the worker permit, the retry
// loop, run-record bookkeeping, and the in-flight guard; the guard is
// released on every path, panics included.
func (s *Supervisor) execute(ctx context.Context, spec config.SyncConfig, body task.Body) {
	defer s.wg.Done()
	id := spec.ID

	// A dispatched run completes or fails on its own; shutdown waits for it
	// instead of cancelling mid-flight work.
	ctx = context.WithoutCancel(ctx)

	s.permits <- struct{}{}
	defer func() { <-s.permits }()

	runID := uuid.NewString()
	started := s.clock.Now()
	if err := s.sched.MarkStarted(id); err != nil {
		// Deleted between dispatch and start.
		s.release(id, storage.RunRecord{}, false, false)
		return
	}
	log := s.log.With(logx.String("sync", id), logx.String("run", runID))
	log.Info("run started")
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: eventbus.RunEvent{
		SyncID: id, RunID: runID, Started: started,
	}})

	handle := task.NewStateHandle(s.store, id)
	rec := storage.RunRecord{RunID: runID, StartedAt: started}

	outcome, attempts, runErr := s.attempt(ctx, id, log, body, handle)
	rec.Attempts = attempts
	rec.CompletedAt = s.clock.Now()
	duration := rec.CompletedAt.Sub(started)

	success := false
	eventType := eventbus.TypeRunFailed
	switch {
	case runErr == nil && outcome.Skipped:
		rec.Status = storage.StatusSkipped
		rec.Details = marshalDetails(outcome.Details)
		success = true
		eventType = eventbus.TypeRunSkipped
		// A skipped run may still have advanced bookkeeping state.
		if err := handle.Flush(ctx); err != nil {
			rec.Status = storage.StatusFailed
			rec.Error = fmt.Sprintf("persist state: %v", err)
			success = false
			eventType = eventbus.TypeRunFailed
			log.Error("state flush failed", logx.Err(err))
		} else {
			log.Info("run skipped", logx.Duration("duration", duration))
		}
	case runErr == nil:
		rec.Status = storage.StatusSuccess
		rec.Details = marshalDetails(outcome.Details)
		success = true
		eventType = eventbus.TypeRunFinished
		if err := handle.Flush(ctx); err != nil {
			// The run did its external work; losing the cursor is
			// recoverable, losing the process is not.
			rec.Status = storage.StatusFailed
			rec.Error = fmt.Sprintf("persist state: %v", err)
			success = false
			eventType = eventbus.TypeRunFailed
			log.Error("state flush failed", logx.Err(err))
		} else {
			if s.cacheKinds[spec.Type] {
				if err := s.cache.Update(id, handle.Raw()); err != nil {
					log.Warn("shared cache update failed", logx.Err(err))
				}
			}
			log.Info("run finished",
				logx.Duration("duration", duration),
				logx.Int("attempts", attempts))
		}
	case task.IsRateLimited(runErr):
		rec.Status = storage.StatusRateLimited
		rec.Error = runErr.Error()
		eventType = eventbus.TypeRunRateLimited
		log.Warn("run gave up after rate limiting",
			logx.Int("attempts", attempts), logx.Err(runErr))
	default:
		rec.Status = storage.StatusFailed
		rec.Error = runErr.Error()
		log.Error("run failed", logx.Int("attempts", attempts), logx.Err(runErr))
	}

	recorded := s.release(id, rec, true, success)
	if recorded {
		s.bus.Publish(eventbus.Event{Type: eventType, Data: eventbus.RunEvent{
			SyncID: id, RunID: runID, Started: started,
			Duration: duration, Attempts: attempts, Error: rec.Error,
		}})
	}
}

// attempt loads state and runs the body, retrying rate-limit failures up to
// the policy's attempt limit. Any other error, including a recovered
// panic, ends the loop immediately.
func (s *Supervisor) attempt(ctx context.Context, id string, log logx.Logger, body task.Body, handle *task.StateHandle) (task.Outcome, int, error) {
	if err := handle.Load(ctx); err != nil {
		return task.Outcome{}, 0, fmt.Errorf("load state: %w", err)
	}
	rc := &task.Context{
		ID:    id,
		Log:   log,
		Now:   s.clock.Now,
		State: handle,
		Cache: s.cache,
	}

	for n := 1; ; n++ {
		outcome, err := runRecovered(ctx, body, rc)
		if err == nil {
			return outcome, n, nil
		}
		if !task.IsRateLimited(err) || n >= s.retry.Attempts {
			return outcome, n, err
		}
		delay := s.backoffDelay(n, err)
		log.Warn("rate limited, backing off",
			logx.Int("attempt", n),
			logx.Duration("delay", delay))
		if serr := s.sleep(ctx, delay); serr != nil {
			return outcome, n, err
		}
	}
}

func runRecovered(ctx context.Context, body task.Body, rc *task.Context) (out task.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			rc.Log.Error("task body panicked",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return body.Run(ctx, rc)
}

// backoffDelay doubles the base per attempt, honors a larger Retry-After
// hint, caps at the policy max, then jitters the result.
func (s *Supervisor) backoffDelay(attempt int, err error) time.Duration {
	delay := s.retry.Base << (attempt - 1)
	var ra task.RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > delay {
		delay = ra.RetryAfter()
	}
	if delay > s.retry.MaxDelay {
		delay = s.retry.MaxDelay
	}
	if j := s.retry.Jitter; j > 0 {
		spread := 1 + j*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	return delay
}

// release clears the in-flight guard and, unless the sync disappeared
// mid-run, appends the record and reports the boundary to the scheduler.
// It returns whether the record was kept.
func (s *Supervisor) release(id string, rec storage.RunRecord, record, success bool) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	doomed := ok && e.doomed
	if doomed {
		delete(s.entries, id)
		s.cache.Forget(id)
	}
	if record && ok && !doomed {
		if err := s.sched.MarkFinished(id, success); err != nil {
			s.log.Debug("mark finished", logx.String("sync", id), logx.Err(err))
		}
		// A descriptor change that arrived mid-run takes effect now that
		// the sync is idle again.
		if e.staged != nil {
			s.replaceLocked(id, e, e.staged)
		}
	}
	delete(s.inflight, id)
	s.mu.Unlock()

	if !ok || doomed {
		if record {
			s.log.Info("sync deleted mid-run, result discarded", logx.String("sync", id))
		}
		return false
	}
	if record {
		if err := s.store.AppendRun(context.Background(), id, rec); err != nil {
			// Bookkeeping failure must not take the process down.
			s.log.Error("append run record failed", logx.String("sync", id), logx.Err(err))
		}
	}
	return record
}

func marshalDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	b, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(b)
}
