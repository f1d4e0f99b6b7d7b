// Package supervisor owns the control loop: it polls the scheduler, runs
// due sync bodies on a bounded worker pool with at most one in-flight run
// per sync id, applies config reloads between runs, and records every run
// in the history store.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/eventbus"
	"spotifreak/internal/registry"
	"spotifreak/internal/scheduler"
	"spotifreak/internal/sharedcache"
	"spotifreak/internal/storage"
	"spotifreak/internal/task"
)

var (
	// ErrUnknownTask is returned for commands against an id that is not
	// registered.
	ErrUnknownTask = errors.New("unknown sync")
	// ErrConflict is returned when a command cannot proceed because a run
	// for that id is in flight. The caller may retry.
	ErrConflict = errors.New("sync has a run in flight")
)

// Op is a control command verb.
type Op string

const (
	OpStart  Op = "start"
	OpPause  Op = "pause"
	OpResume Op = "resume"
	OpDelete Op = "delete"
)

const (
	DefaultWorkers = 4
	DefaultTick    = time.Second
)

// RetryPolicy bounds the rate-limit retry loop inside the execution
// wrapper. Attempts counts total tries.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Minute
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// RetryFromConfig resolves the configured policy, falling back to defaults
// for omitted fields.
func RetryFromConfig(p *config.RetryPolicy) (RetryPolicy, error) {
	out := RetryPolicy{}.withDefaults()
	if p == nil {
		return out, nil
	}
	if p.Attempts > 0 {
		out.Attempts = p.Attempts
	}
	var err error
	if out.Base, err = config.ParseDurationOrDefault("runtime.default_retry.base", p.Base, out.Base); err != nil {
		return out, err
	}
	if out.MaxDelay, err = config.ParseDurationOrDefault("runtime.default_retry.max_delay", p.MaxDelay, out.MaxDelay); err != nil {
		return out, err
	}
	if p.Jitter > 0 {
		out.Jitter = p.Jitter
	}
	return out, nil
}

// Options wires the supervisor's collaborators. Manager is optional; without
// it there is no hot reload. CacheKinds names the sync types whose state
// blobs feed the shared cache after a successful run.
type Options struct {
	Manager    *config.Manager
	Registry   *registry.Registry
	Store      storage.Store
	Bus        eventbus.Bus
	Cache      *sharedcache.Cache
	Clock      scheduler.Clock
	Log        logx.Logger
	Workers    int
	Tick       time.Duration
	Retry      RetryPolicy
	CacheKinds []string
}

// entry is one registered sync. Descriptor changes that arrive while a run
// is in flight are staged and swapped in whole once the run completes.
type entry struct {
	spec   config.SyncConfig
	body   task.Body
	staged *entry
	// doomed marks an entry removed from config while running; the run
	// finishes but its record is discarded.
	doomed bool
}

type Supervisor struct {
	log     logx.Logger
	manager *config.Manager
	reg     *registry.Registry
	store   storage.Store
	bus     eventbus.Bus
	cache   *sharedcache.Cache
	clock   scheduler.Clock
	sched   *scheduler.Scheduler
	tick    time.Duration
	retry   RetryPolicy
	permits chan struct{}

	cacheKinds map[string]bool

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]bool

	wg sync.WaitGroup

	// sleep is swapped out in tests so retry backoff does not wall-wait.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Supervisor {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.SystemClock()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	if opts.Cache == nil {
		opts.Cache = sharedcache.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	kinds := make(map[string]bool, len(opts.CacheKinds))
	for _, k := range opts.CacheKinds {
		kinds[k] = true
	}
	return &Supervisor{
		log:        opts.Log,
		manager:    opts.Manager,
		reg:        opts.Registry,
		store:      opts.Store,
		bus:        opts.Bus,
		cache:      opts.Cache,
		clock:      opts.Clock,
		sched:      scheduler.New(opts.Clock, opts.Log),
		tick:       opts.Tick,
		retry:      opts.Retry.withDefaults(),
		permits:    make(chan struct{}, opts.Workers),
		cacheKinds: kinds,
		entries:    map[string]*entry{},
		inflight:   map[string]bool{},
		sleep:      sleepCtx,
	}
}

// Bus exposes the event bus for observers (IPC, tests).
func (s *Supervisor) Bus() eventbus.Bus { return s.bus }

// Cache exposes the shared playlist cache.
func (s *Supervisor) Cache() *sharedcache.Cache { return s.cache }

// ValidateSnapshot is installed as the config manager's validator: every
// descriptor must build (known kind, valid schedule, schema-clean options)
// and ids must be unique, or the whole snapshot is rejected.
func (s *Supervisor) ValidateSnapshot(ctx context.Context, snap *config.Snapshot) error {
	seen := map[string]bool{}
	for _, spec := range snap.Syncs {
		if seen[spec.ID] {
			return &config.ValidationError{Source: spec.ID, Err: errors.New("duplicate sync id")}
		}
		seen[spec.ID] = true
		if _, err := s.reg.Build(spec); err != nil {
			return err
		}
	}
	return nil
}

// Apply swaps the registered sync set to match the snapshot. New syncs are
// registered, changed ones rescheduled (or staged when running), removed
// ones unregistered. The whole apply is rejected if any descriptor fails to
// build, so a bad reload never half-applies.
func (s *Supervisor) Apply(snap *config.Snapshot) error {
	built := make(map[string]*entry, len(snap.Syncs))
	for _, spec := range snap.Syncs {
		body, err := s.reg.Build(spec)
		if err != nil {
			return err
		}
		built[spec.ID] = &entry{spec: spec, body: body}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, next := range built {
		cur, ok := s.entries[id]
		switch {
		case !ok:
			if _, err := s.sched.Register(id, next.spec.Schedule); err != nil {
				return err
			}
			s.entries[id] = next
			s.log.Info("sync registered", logx.String("sync", id), logx.String("type", next.spec.Type))
		case cur.spec.Equal(next.spec):
			cur.doomed = false
			cur.staged = nil
		case s.inflight[id]:
			cur.staged = next
			cur.doomed = false
			s.log.Info("sync change staged until current run completes", logx.String("sync", id))
		default:
			s.replaceLocked(id, cur, next)
		}
	}

	for id, cur := range s.entries {
		if _, keep := built[id]; keep {
			continue
		}
		s.sched.Unregister(id)
		if s.inflight[id] {
			cur.doomed = true
			s.log.Info("sync removed; discarding in-flight run on completion", logx.String("sync", id))
			continue
		}
		delete(s.entries, id)
		s.cache.Forget(id)
		s.log.Info("sync unregistered", logx.String("sync", id))
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: len(built)})
	return nil
}

func (s *Supervisor) replaceLocked(id string, cur, next *entry) {
	cur.spec = next.spec
	cur.body = next.body
	cur.staged = nil
	s.sched.Unregister(id)
	if _, err := s.sched.Register(id, next.spec.Schedule); err != nil {
		// Build already validated the schedule; this is unreachable short
		// of a registry/scheduler parsing mismatch.
		s.log.Error("reschedule failed", logx.String("sync", id), logx.Err(err))
	}
	s.log.Info("sync rescheduled", logx.String("sync", id))
}

// Run drives the control loop until the context is cancelled: a fixed tick
// for due-sync dispatch plus reload snapshots from the config manager. It
// waits for in-flight runs before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var reloads chan *config.Snapshot
	if s.manager != nil {
		reloads = s.manager.Subscribe(1)
		defer s.manager.Unsubscribe(reloads)
	}

	s.log.Info("supervisor running",
		logx.Duration("tick", s.tick),
		logx.Int("workers", cap(s.permits)))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopping; waiting for in-flight runs")
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		case snap := <-reloads:
			if err := s.Apply(snap); err != nil {
				s.log.Error("config reload rejected", logx.Err(err))
			}
		}
	}
}

// Tick dispatches one run for every due sync that has no run in flight.
func (s *Supervisor) Tick(ctx context.Context) {
	now := s.clock.Now()
	for _, id := range s.sched.Due(now) {
		s.dispatch(ctx, id)
	}
}

func (s *Supervisor) dispatch(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.doomed {
		s.mu.Unlock()
		return false
	}
	if s.inflight[id] {
		s.mu.Unlock()
		s.log.Debug("run still in flight, skipping", logx.String("sync", id))
		return false
	}
	s.inflight[id] = true
	spec, body := e.spec, e.body
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(ctx, spec, body)
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
