package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testPaths(t *testing.T) Paths {
	t.Helper()
	return PathsFromBase(t.TempDir())
}

const globalYAML = `
spotify:
  client_id: abc
  client_secret: shh
  refresh_token: tok
runtime:
  workers: 2
  tick: 500ms
supervisor:
  hot_reload: false
storage:
  driver: sqlite
  busy_timeout: 5s
`

func TestLoadGlobal(t *testing.T) {
	t.Parallel()
	paths := testPaths(t)
	writeFile(t, paths.GlobalConfig, globalYAML)

	cfg, err := LoadGlobal(paths.GlobalConfig)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Spotify.ClientID != "abc" || cfg.Spotify.RefreshToken != "tok" {
		t.Fatalf("spotify = %+v", cfg.Spotify)
	}
	if cfg.Runtime.Workers != 2 || cfg.Runtime.Tick != "500ms" {
		t.Fatalf("runtime = %+v", cfg.Runtime)
	}
	if cfg.Supervisor.HotReloadEnabled() {
		t.Fatal("hot_reload: false must disable reload")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestLoadGlobalRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	paths := testPaths(t)
	writeFile(t, paths.GlobalConfig, "spotify:\n  client_id: a\nbogus_section: 1\n")

	_, err := LoadGlobal(paths.GlobalConfig)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestLoadSyncs(t *testing.T) {
	t.Parallel()
	paths := testPaths(t)
	writeFile(t, filepath.Join(paths.SyncsDir, "b.yml"), `
id: beta
type: playlist_mirror
schedule:
  interval: 30m
options:
  deduplicate: true
`)
	writeFile(t, filepath.Join(paths.SyncsDir, "a.yaml"), `
id: alpha
type: playlist_cache
schedule:
  cron: "0 * * * *"
`)
	// Non-YAML files are ignored.
	writeFile(t, filepath.Join(paths.SyncsDir, "notes.txt"), "not a sync")

	syncs, err := LoadSyncs(paths.SyncsDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(syncs) != 2 {
		t.Fatalf("syncs = %d, want 2", len(syncs))
	}
	if syncs[0].ID != "alpha" || syncs[1].ID != "beta" {
		t.Fatalf("order = %s, %s; want filename order", syncs[0].ID, syncs[1].ID)
	}
	var opts struct {
		Deduplicate bool `json:"deduplicate"`
	}
	if err := json.Unmarshal(syncs[1].Options, &opts); err != nil || !opts.Deduplicate {
		t.Fatalf("options = %s, err %v", syncs[1].Options, err)
	}
}

func TestLoadSyncsMissingDir(t *testing.T) {
	t.Parallel()
	syncs, err := LoadSyncs(filepath.Join(t.TempDir(), "nope"))
	if err != nil || syncs != nil {
		t.Fatalf("got %v, %v; a missing dir means no syncs", syncs, err)
	}
}

func TestLoadSyncsDuplicateID(t *testing.T) {
	t.Parallel()
	paths := testPaths(t)
	desc := "id: same\ntype: playlist_cache\nschedule:\n  interval: 1h\n"
	writeFile(t, filepath.Join(paths.SyncsDir, "a.yml"), desc)
	writeFile(t, filepath.Join(paths.SyncsDir, "b.yml"), desc)

	_, err := LoadSyncs(paths.SyncsDir)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError for the duplicate id", err)
	}
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"interval only", Schedule{Interval: "10m"}, false},
		{"cron only", Schedule{Cron: "0 * * * *"}, false},
		{"both", Schedule{Interval: "10m", Cron: "0 * * * *"}, true},
		{"neither", Schedule{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSyncConfigValidate(t *testing.T) {
	t.Parallel()
	good := SyncConfig{ID: "a", Type: "playlist_cache", Schedule: Schedule{Interval: "1h"}}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := []SyncConfig{
		{Type: "playlist_cache", Schedule: Schedule{Interval: "1h"}},
		{ID: "has space", Type: "playlist_cache", Schedule: Schedule{Interval: "1h"}},
		{ID: "a/b", Type: "playlist_cache", Schedule: Schedule{Interval: "1h"}},
		{ID: "a", Schedule: Schedule{Interval: "1h"}},
		{ID: "a", Type: "playlist_cache"},
	}
	for i, sc := range bad {
		if err := sc.Validate(); err == nil {
			t.Errorf("case %d: invalid config %+v accepted", i, sc)
		}
	}
}

func TestSyncConfigEqual(t *testing.T) {
	t.Parallel()
	a := SyncConfig{ID: "a", Type: "t", Schedule: Schedule{Interval: "1h"}, Options: json.RawMessage(`{"x":1}`)}
	b := a
	if !a.Equal(b) {
		t.Fatal("identical configs must compare equal")
	}
	b.Options = json.RawMessage(`{"x":2}`)
	if a.Equal(b) {
		t.Fatal("changed options must compare unequal")
	}
	c := a
	c.Schedule = Schedule{Interval: "2h"}
	if a.Equal(c) {
		t.Fatal("changed schedule must compare unequal")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative durations must be rejected")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage must be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestRuntimeLocation(t *testing.T) {
	t.Parallel()
	if loc, err := (RuntimeSettings{}).Location(); err != nil || loc != time.UTC {
		t.Fatalf("empty timezone: got %v, %v", loc, err)
	}
	loc, err := RuntimeSettings{Timezone: "Europe/Amsterdam"}.Location()
	if err != nil || loc.String() != "Europe/Amsterdam" {
		t.Fatalf("named timezone: got %v, %v", loc, err)
	}
	loc, err = RuntimeSettings{Timezone: "Mars/Olympus_Mons"}.Location()
	if err == nil {
		t.Fatal("unknown timezone must report an error")
	}
	if loc != time.UTC {
		t.Fatalf("unknown timezone should fall back to UTC, got %v", loc)
	}
}

func TestManagerLoadAndSubscribe(t *testing.T) {
	t.Parallel()
	paths := testPaths(t)
	writeFile(t, paths.GlobalConfig, "spotify:\n  client_id: a\n  client_secret: b\n")
	writeFile(t, filepath.Join(paths.SyncsDir, "a.yml"),
		"id: a\ntype: playlist_cache\nschedule:\n  interval: 1h\n")

	m := NewManager(paths)
	snap, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := m.Get(); got != snap {
		t.Fatal("Get must return the committed snapshot")
	}
	if _, ok := snap.Sync("a"); !ok {
		t.Fatal("sync a missing from snapshot")
	}
	if _, ok := snap.Sync("ghost"); ok {
		t.Fatal("unknown id reported present")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	next := &Snapshot{Global: snap.Global, Syncs: nil}
	m.Commit(next)
	m.publish(next)
	select {
	case got := <-ch:
		if got != next {
			t.Fatal("subscriber received the wrong snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}
