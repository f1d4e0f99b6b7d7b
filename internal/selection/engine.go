package selection

import (
	"math/rand"
	"sync"
	"time"
)

// Result is one pick. Updated is false when the cadence gate held the
// previous selection in place.
type Result struct {
	Value   string
	Updated bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand injects a deterministic random source for tests.
func WithRand(src rand.Source) Option {
	return func(e *Engine) { e.rand = rand.New(src) }
}

// WithNow injects the clock used for folder cache expiry.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine picks presentation assets. It is safe for concurrent use; the
// folder listing cache and the random source are shared across features.
type Engine struct {
	mu      sync.Mutex
	folders map[string]folderEntry
	rand    *rand.Rand
	now     func() time.Time
}

func New(opts ...Option) *Engine {
	e := &Engine{
		folders: map[string]folderEntry{},
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pick selects the next item for a feature. runIndex is the owning task's
// run counter; phase is an externally supplied label (empty for none).
//
// When the cadence gate is not satisfied the previous selection is returned
// unchanged and the state is not mutated. An empty pool after fallback
// yields ErrEmptyPool; the caller applies the feature's failure mode.
func (e *Engine) Pick(cfg Config, st State, runIndex int, phase string) (Result, State, error) {
	if m := cfg.Cadence.EffectiveMultiplier(phase); runIndex%m != 0 {
		return Result{Value: st.LastValue}, st, nil
	}

	pool, err := e.buildPool(cfg, e.now())
	if err != nil {
		return Result{}, st, err
	}
	if len(pool) == 0 {
		return Result{}, st, ErrEmptyPool
	}

	strat := cfg.strategy()
	if st.Mode != "" && st.Mode != string(strat) {
		// Strategy changed in config; stale cursors would be nonsense.
		st = State{RunCount: st.RunCount, LastID: st.LastID, LastValue: st.LastValue}
	}
	st.Mode = string(strat)

	e.mu.Lock()
	var picked poolItem
	switch strat {
	case StrategyRandom:
		picked = e.pickRandom(pool, st.Recent, false)
	case StrategyWeightedRandom:
		picked = e.pickRandom(pool, st.Recent, true)
	case StrategyRoundRobin:
		picked = pickRoundRobin(pool, cfg, &st)
	default:
		picked = e.pickSequential(pool, cfg.restartPolicy(), &st)
	}
	e.mu.Unlock()

	st.RunCount++
	st.LastID = picked.id
	st.LastValue = picked.value
	st.remember(picked.id, cfg.DedupeWindow)
	return Result{Value: picked.value, Updated: true}, st, nil
}

// pickSequential advances a deterministic cursor through the pool. The
// restart policy decides what happens at the boundary.
func (e *Engine) pickSequential(pool []poolItem, policy RestartPolicy, st *State) poolItem {
	size := len(pool)
	idx := st.Index
	if idx < 0 || idx >= size {
		idx = 0
	}
	picked := pool[idx]

	switch policy {
	case RestartBounce:
		dir := st.Direction
		if dir != -1 {
			dir = 1
		}
		next := idx + dir
		if next < 0 || next >= size {
			dir = -dir
			next = idx + dir
			if next < 0 || next >= size {
				next = idx
			}
		}
		st.Direction = dir
		st.Index = next
	case RestartRandomRestart:
		next := idx + 1
		if next >= size {
			next = e.rand.Intn(size)
		}
		st.Index = next
	default: // loop
		st.Index = (idx + 1) % size
	}
	return picked
}

// pickRandom draws uniformly or weight-proportionally, excluding ids seen in
// the dedup window. If the exclusion empties the candidate set the dedup is
// ignored for this pick only, so selection never stalls.
func (e *Engine) pickRandom(pool []poolItem, recent []string, weighted bool) poolItem {
	seen := make(map[string]bool, len(recent))
	for _, id := range recent {
		seen[id] = true
	}
	candidates := make([]poolItem, 0, len(pool))
	for _, it := range pool {
		if !seen[it.id] {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		candidates = pool
	}

	if !weighted {
		return candidates[e.rand.Intn(len(candidates))]
	}
	var total float64
	for _, it := range candidates {
		total += it.weight
	}
	target := e.rand.Float64() * total
	for _, it := range candidates {
		target -= it.weight
		if target < 0 {
			return it
		}
	}
	return candidates[len(candidates)-1]
}

// pickRoundRobin cycles across sources first, one pick per source per full
// cycle, then across items within each source.
func pickRoundRobin(pool []poolItem, cfg Config, st *State) poolItem {
	bySource := map[int][]poolItem{}
	var order []int
	for _, it := range pool {
		if _, ok := bySource[it.source]; !ok {
			order = append(order, it.source)
		}
		bySource[it.source] = append(bySource[it.source], it)
	}

	cursor := st.SourceCursor
	if cursor < 0 || cursor >= len(order) {
		cursor = 0
	}
	srcIdx := order[cursor]
	group := bySource[srcIdx]

	if len(st.SourceIndex) < len(cfg.Sources) {
		grown := make([]int, len(cfg.Sources))
		copy(grown, st.SourceIndex)
		st.SourceIndex = grown
	}
	itemIdx := st.SourceIndex[srcIdx] % len(group)
	picked := group[itemIdx]

	st.SourceIndex[srcIdx]++
	st.SourceCursor = (cursor + 1) % len(order)
	return picked
}
