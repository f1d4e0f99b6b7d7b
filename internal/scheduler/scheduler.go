package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
)

// ErrNotRegistered is returned for operations on an id the scheduler does
// not know about.
var ErrNotRegistered = errors.New("scheduler: sync not registered")

// Clock abstracts time so next-run computation is testable without sleeps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type locationClock struct{ loc *time.Location }

func (c locationClock) Now() time.Time { return time.Now().In(c.loc) }

// ClockIn returns the wall clock expressed in loc, so cron next-run math
// and time-of-day logic follow that location's offset and DST rules. A nil
// loc yields the system clock.
func ClockIn(loc *time.Location) Clock {
	if loc == nil {
		return SystemClock()
	}
	return locationClock{loc: loc}
}

// JobState is the per-sync scheduling bookkeeping. NextRun is zero while the
// job is paused.
type JobState struct {
	NextRun time.Time
	Paused  bool
	Missed  bool
	Running bool
}

// JobInfo pairs an id with its state for status snapshots.
type JobInfo struct {
	ID       string
	Schedule string
	State    JobState
}

type job struct {
	spec    Spec
	state   JobState
	started time.Time
}

// Scheduler tracks next-run instants for registered syncs. It never executes
// anything itself; the supervisor polls Due and reports run boundaries back
// through MarkStarted and MarkFinished.
type Scheduler struct {
	mu    sync.Mutex
	clock Clock
	log   logx.Logger
	jobs  map[string]*job
}

func New(clock Clock, log logx.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		clock: clock,
		log:   log,
		jobs:  map[string]*job{},
	}
}

// Register adds a sync or replaces its schedule. The first next-run instant
// is computed from registration time; for cron that is the earliest matching
// instant strictly after now.
func (s *Scheduler) Register(id string, sched config.Schedule) (JobState, error) {
	spec, err := ParseSchedule(sched)
	if err != nil {
		return JobState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	j := &job{spec: spec}
	j.state.NextRun = nextAfter(spec, now)
	s.jobs[id] = j
	s.log.Debug("registered", logx.String("sync", id), logx.Time("next_run", j.state.NextRun))
	return j.state, nil
}

func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Due returns the ids whose next run is at or before now, skipping paused
// and in-flight jobs. For interval jobs that are overdue by more than one
// whole interval the Missed flag is set; the run still executes exactly once
// rather than catching up occurrence by occurrence.
func (s *Scheduler) Due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, j := range s.jobs {
		st := &j.state
		if st.Paused || st.Running || st.NextRun.IsZero() || st.NextRun.After(now) {
			continue
		}
		if j.spec.Kind == SpecInterval && now.Sub(st.NextRun) > j.spec.Every {
			st.Missed = true
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) MarkStarted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil {
		return ErrNotRegistered
	}
	j.state.Running = true
	j.started = s.clock.Now()
	return nil
}

// MarkFinished records a run boundary and computes the next run from the
// run's start time. Missed is cleared; the overdue occurrence has now been
// served.
func (s *Scheduler) MarkFinished(id string, success bool) error {
	_ = success
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil {
		return ErrNotRegistered
	}
	j.state.Running = false
	j.state.Missed = false
	last := j.started
	if last.IsZero() {
		last = s.clock.Now()
	}
	j.state.NextRun = nextAfter(j.spec, last)
	return nil
}

// Pause freezes the job; it stays registered but never appears in Due.
// Idempotent.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil {
		return ErrNotRegistered
	}
	j.state.Paused = true
	j.state.NextRun = time.Time{}
	return nil
}

// Resume recomputes the next run from now. Occurrences skipped while paused
// are not replayed. Idempotent.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil {
		return ErrNotRegistered
	}
	if !j.state.Paused {
		return nil
	}
	j.state.Paused = false
	j.state.NextRun = nextAfter(j.spec, s.clock.Now())
	return nil
}

// State returns a copy of one job's bookkeeping.
func (s *Scheduler) State(id string) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil {
		return JobState{}, ErrNotRegistered
	}
	return j.state, nil
}

// Snapshot returns every job's state sorted by id.
func (s *Scheduler) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for id, j := range s.jobs {
		out = append(out, JobInfo{ID: id, Schedule: j.spec.Expr, State: j.state})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func nextAfter(spec Spec, t time.Time) time.Time {
	if spec.Kind == SpecCron {
		return spec.Cron.Next(t)
	}
	return t.Add(spec.Every)
}
