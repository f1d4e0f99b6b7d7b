package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Paths is the resolved filesystem layout used by the daemon.
//
// Layout under the base directory:
//
//	config.yml   global configuration
//	syncs/       one YAML descriptor per sync
//	state/       per-sync state blobs (file storage driver)
type Paths struct {
	BaseDir      string
	GlobalConfig string
	SyncsDir     string
	StateDir     string
}

func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return PathsFromBase(filepath.Join(home, ".spotifreak"))
}

func PathsFromBase(base string) Paths {
	return Paths{
		BaseDir:      base,
		GlobalConfig: filepath.Join(base, "config.yml"),
		SyncsDir:     filepath.Join(base, "syncs"),
		StateDir:     filepath.Join(base, "state"),
	}
}

// GlobalConfig is the top-level configuration file model.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type GlobalConfig struct {
	Spotify    SpotifySettings    `json:"spotify"`
	LastFM     *LastFMSettings    `json:"lastfm,omitempty"`
	Runtime    RuntimeSettings    `json:"runtime,omitempty"`
	Supervisor SupervisorSettings `json:"supervisor,omitempty"`
	Logging    LoggingConfig      `json:"logging,omitempty"`
	Storage    StorageConfig      `json:"storage,omitempty"`
}

type SpotifySettings struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURI  string   `json:"redirect_uri,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type LastFMSettings struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret,omitempty"`
	Username  string `json:"username"`
}

// RetryPolicy controls rate-limit retries inside the execution wrapper.
//
// Attempts counts total tries, so 3 means the initial run plus two retries.
type RetryPolicy struct {
	Attempts int     `json:"attempts,omitempty"`
	Base     string  `json:"base,omitempty"`
	MaxDelay string  `json:"max_delay,omitempty"`
	Jitter   float64 `json:"jitter,omitempty"` // 0.2 = 20%
}

type RuntimeSettings struct {
	Timezone     string       `json:"timezone,omitempty"`
	StorageDir   string       `json:"storage_dir,omitempty"`
	HistoryLimit int          `json:"history_limit,omitempty"`
	Workers      int          `json:"workers,omitempty"`
	Tick         string       `json:"tick,omitempty"`
	RatePerSec   float64      `json:"rate_per_sec,omitempty"`
	DefaultRetry *RetryPolicy `json:"default_retry,omitempty"`
}

// Location resolves the configured timezone. Schedules and phase windows
// are evaluated in this location. Unknown or empty names fall back to UTC,
// with the error returned so the caller can log the fallback.
func (s RuntimeSettings) Location() (*time.Location, error) {
	name := strings.TrimSpace(s.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, fmt.Errorf("runtime.timezone: %w", err)
	}
	return loc, nil
}

type SupervisorSettings struct {
	IPCSocket string `json:"ipc_socket,omitempty"`
	// HotReload is a pointer so we can distinguish "omitted" (default true)
	// from an explicit false.
	HotReload *bool `json:"hot_reload,omitempty"`
}

func (s SupervisorSettings) HotReloadEnabled() bool {
	return s.HotReload == nil || *s.HotReload
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the persistence backend for sync state and history.
//
// Driver values:
//   - "file" (default): one atomically-written JSON blob per sync id
//   - "sqlite": single database file, WAL mode
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// Schedule is the timing rule for a sync. Exactly one variant must be set.
type Schedule struct {
	Interval string `json:"interval,omitempty"`
	Cron     string `json:"cron,omitempty"`
}

func (s Schedule) Validate() error {
	hasInterval := strings.TrimSpace(s.Interval) != ""
	hasCron := strings.TrimSpace(s.Cron) != ""
	if hasInterval == hasCron {
		return fmt.Errorf("schedule must define exactly one of 'interval' or 'cron'")
	}
	return nil
}

// SyncConfig is the descriptor of a single sync job, loaded from one YAML
// file under syncs/. It is immutable once loaded; reloads replace the whole
// value.
type SyncConfig struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Schedule Schedule        `json:"schedule"`
	Options  json.RawMessage `json:"options,omitempty"`
}

func (c SyncConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("sync id is required")
	}
	if strings.ContainsAny(c.ID, " \t/\\") {
		return fmt.Errorf("sync id %q must not contain whitespace or path separators", c.ID)
	}
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("sync %q: type is required", c.ID)
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("sync %q: %w", c.ID, err)
	}
	return nil
}

// Equal reports whether two descriptors are the same definition.
// Used by the reload diff to decide whether a job needs rescheduling.
func (c SyncConfig) Equal(o SyncConfig) bool {
	if c.ID != o.ID || c.Type != o.Type || c.Schedule != o.Schedule {
		return false
	}
	return string(c.Options) == string(o.Options)
}

// ValidationError reports a config file that failed validation.
// The task it describes is never registered.
type ValidationError struct {
	Source string // file path or sync id
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("invalid config: %v", e.Err)
	}
	return fmt.Sprintf("invalid config %s: %v", e.Source, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
