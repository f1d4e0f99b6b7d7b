package selection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyPool is returned when no source, fallback included, yields any
// item. The caller decides what the configured failure mode means for it.
var ErrEmptyPool = errors.New("selection: no items available")

// Strategy picks the next item from the pool.
type Strategy string

const (
	StrategySequential     Strategy = "sequential"
	StrategyRandom         Strategy = "random"
	StrategyWeightedRandom Strategy = "weighted_random"
	StrategyRoundRobin     Strategy = "round_robin"
)

// RestartPolicy governs sequential wraparound.
type RestartPolicy string

const (
	RestartLoop          RestartPolicy = "loop"
	RestartBounce        RestartPolicy = "bounce"
	RestartRandomRestart RestartPolicy = "random_restart"
)

// FailureMode is what the caller should do when the pool is empty.
type FailureMode string

const (
	FailSkip      FailureMode = "skip"
	FailReuseLast FailureMode = "reuse_last"
	FailStop      FailureMode = "stop"
)

// SourceType tags how a source yields items.
type SourceType string

const (
	SourceList     SourceType = "list"
	SourceFolder   SourceType = "folder"
	SourceFallback SourceType = "fallback"
)

// Item is one selectable value. In YAML an item may be a bare string or an
// object carrying a weight.
type Item struct {
	Value  string  `json:"value"`
	Weight float64 `json:"weight,omitempty"`
}

func (it *Item) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*it = Item{Value: s}
		return nil
	}
	type alias Item
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*it = Item(a)
	return nil
}

// Source feeds items into the pool. Folder sources enumerate matching files
// and are re-enumerated only after CacheTTL elapses; fallback sources are
// consulted only when every primary source came up empty.
type Source struct {
	Type       SourceType `json:"type"`
	Items      []Item     `json:"items,omitempty"`
	Path       string     `json:"path,omitempty"`
	Recursive  bool       `json:"recursive,omitempty"`
	Extensions []string   `json:"extensions,omitempty"`
	Weight     float64    `json:"weight,omitempty"`
	CacheTTL   string     `json:"cache_ttl,omitempty"`
}

// Cadence slows a feature relative to its task's run frequency. The feature
// only updates on runs where run_index mod the effective multiplier is zero;
// a phase override substitutes its own multiplier while that phase is active.
type Cadence struct {
	Multiplier int            `json:"multiplier,omitempty"`
	Phases     map[string]int `json:"phases,omitempty"`
}

// EffectiveMultiplier resolves the multiplier for a phase label. Anything
// below 1 means every run.
func (c Cadence) EffectiveMultiplier(phase string) int {
	if m, ok := c.Phases[phase]; ok && m >= 1 {
		return m
	}
	if c.Multiplier >= 1 {
		return c.Multiplier
	}
	return 1
}

// Config describes one feature's selection behavior.
type Config struct {
	Strategy      Strategy      `json:"strategy,omitempty"`
	RestartPolicy RestartPolicy `json:"restart_policy,omitempty"`
	DedupeWindow  int           `json:"dedupe_window,omitempty"`
	Sources       []Source      `json:"sources,omitempty"`
	Cadence       Cadence       `json:"cadence,omitempty"`
	FailureMode   FailureMode   `json:"failure_mode,omitempty"`
	GroupKey      string        `json:"group_key,omitempty"`
}

func (c Config) strategy() Strategy {
	if c.Strategy == "" {
		return StrategySequential
	}
	return c.Strategy
}

func (c Config) restartPolicy() RestartPolicy {
	if c.RestartPolicy == "" {
		return RestartLoop
	}
	return c.RestartPolicy
}

// Validate rejects unknown enum values up front so a bad descriptor fails at
// load time, not at pick time.
func (c Config) Validate() error {
	switch c.strategy() {
	case StrategySequential, StrategyRandom, StrategyWeightedRandom, StrategyRoundRobin:
	default:
		return fmt.Errorf("unknown selection strategy %q", c.Strategy)
	}
	switch c.restartPolicy() {
	case RestartLoop, RestartBounce, RestartRandomRestart:
	default:
		return fmt.Errorf("unknown restart_policy %q", c.RestartPolicy)
	}
	switch c.FailureMode {
	case "", FailSkip, FailReuseLast, FailStop:
	default:
		return fmt.Errorf("unknown failure_mode %q", c.FailureMode)
	}
	if c.DedupeWindow < 0 {
		return fmt.Errorf("dedupe_window must be >= 0")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for i, src := range c.Sources {
		switch src.Type {
		case SourceList, SourceFallback:
			if len(src.Items) == 0 && src.Path == "" {
				return fmt.Errorf("sources[%d]: list source has no items", i)
			}
		case SourceFolder:
			if strings.TrimSpace(src.Path) == "" {
				return fmt.Errorf("sources[%d]: folder source requires a path", i)
			}
		default:
			return fmt.Errorf("sources[%d]: unknown source type %q", i, src.Type)
		}
	}
	return nil
}

// State is the persisted cursor for one feature (or one group of features
// sharing a group_key). It embeds into the owning task's state blob.
type State struct {
	Mode         string `json:"mode,omitempty"`
	Index        int    `json:"index,omitempty"`
	Direction    int    `json:"direction,omitempty"`
	SourceCursor int    `json:"source_cursor,omitempty"`
	SourceIndex  []int  `json:"source_indexes,omitempty"`
	Recent       []string `json:"recent,omitempty"`
	RunCount     int    `json:"run_count,omitempty"`
	LastID       string `json:"last_id,omitempty"`
	LastValue    string `json:"last_value,omitempty"`
}

func (s *State) remember(id string, window int) {
	s.Recent = append(s.Recent, id)
	if window > 0 && len(s.Recent) > window {
		s.Recent = s.Recent[len(s.Recent)-window:]
	} else if window == 0 {
		s.Recent = nil
	}
}
