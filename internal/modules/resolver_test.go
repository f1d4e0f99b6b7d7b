package modules

import (
	"context"
	"testing"
	"time"

	"spotifreak/internal/content"
	"spotifreak/internal/sharedcache"
	"spotifreak/internal/task"
)

func TestFormatPattern(t *testing.T) {
	t.Parallel()
	// A Wednesday in ISO week 27.
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		pattern string
		want    string
	}{
		{"Discover {month} {year}", "Discover July 2026"},
		{"Daily {date}", "Daily 2026-07-01"},
		{"Week {week} mix", "Week 27 mix"},
		{"no placeholders", "no placeholders"},
	}
	for _, tc := range cases {
		if got := formatPattern(tc.pattern, now); got != tc.want {
			t.Errorf("formatPattern(%q) = %q, want %q", tc.pattern, got, tc.want)
		}
	}
}

func TestResolverValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		r       PlaylistResolver
		wantErr bool
	}{
		{"by id", PlaylistResolver{Kind: resolverByID, ID: "p1"}, false},
		{"id missing", PlaylistResolver{Kind: resolverByID}, true},
		{"by name", PlaylistResolver{Kind: resolverByName, Name: "Mix"}, false},
		{"name missing", PlaylistResolver{Kind: resolverByName}, true},
		{"by pattern", PlaylistResolver{Kind: resolverByPattern, Pattern: "{month}"}, false},
		{"pattern missing", PlaylistResolver{Kind: resolverByPattern}, true},
		{"unknown kind", PlaylistResolver{Kind: "nope"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.r.validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

type staticCache map[string]sharedcache.Playlist

func (c staticCache) Lookup(key string) (sharedcache.Playlist, bool) {
	p, ok := c[key]
	return p, ok
}
func (c staticCache) LastRefreshed() time.Time              { return time.Time{} }
func (c staticCache) IsStale(time.Duration, time.Time) bool { return false }

func TestResolvePrefersSharedCache(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	rc, _ := newRunContext(t, "t1", time.Now())
	rc.Cache = staticCache{"Mix": {ID: "cached-id", Name: "Mix"}}

	r := PlaylistResolver{Kind: resolverByName, Name: "Mix"}
	id, err := r.resolve(context.Background(), rc, svc, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "cached-id" {
		t.Fatalf("id = %q, want cached-id", id)
	}
}

func TestResolveFallsBackToLookup(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	svc.playlists = []content.Playlist{{ID: "api-id", Name: "Mix"}}
	rc, _ := newRunContext(t, "t1", time.Now())

	r := PlaylistResolver{Kind: resolverByName, Name: "Mix"}
	id, err := r.resolve(context.Background(), rc, svc, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "api-id" {
		t.Fatalf("id = %q, want api-id", id)
	}
}

func TestResolveEnsureCreatesMissing(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	rc, _ := newRunContext(t, "t1", now)

	r := PlaylistResolver{Kind: resolverByPattern, Pattern: "Discover {month} {year}"}
	id, err := r.resolve(context.Background(), rc, svc, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id == "" {
		t.Fatal("expected a created playlist id")
	}
	if len(svc.created) != 1 || svc.created[0] != "Discover July 2026" {
		t.Fatalf("created = %v, want the expanded pattern", svc.created)
	}
}

func TestResolveMissingWithoutEnsure(t *testing.T) {
	t.Parallel()
	svc := newFakeService()
	rc, _ := newRunContext(t, "t1", time.Now())

	r := PlaylistResolver{Kind: resolverByName, Name: "Gone"}
	_, err := r.resolve(context.Background(), rc, svc, false)
	if err == nil {
		t.Fatal("expected error for missing playlist")
	}
	if !task.IsNoRetry(err) {
		t.Fatalf("expected a no-retry error, got %v", err)
	}
	if len(svc.created) != 0 {
		t.Fatalf("resolve created %v without ensure", svc.created)
	}
}
