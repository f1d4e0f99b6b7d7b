package sharedcache

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLookupByIDAndName(t *testing.T) {
	t.Parallel()
	c := New()
	blob := json.RawMessage(`{
		"last_refreshed": "2026-03-01T12:00:00Z",
		"playlists": [
			{"id": "pl1", "name": "Morning Mix"},
			{"id": "pl2", "name": "Focus"}
		],
		"unrelated": {"ignored": true}
	}`)
	if err := c.Update("cache-task", blob); err != nil {
		t.Fatalf("update: %v", err)
	}

	if p, ok := c.Lookup("pl1"); !ok || p.Name != "Morning Mix" {
		t.Fatalf("lookup by id: %+v ok=%v", p, ok)
	}
	if p, ok := c.Lookup("morning mix"); !ok || p.ID != "pl1" {
		t.Fatalf("case-insensitive name lookup: %+v ok=%v", p, ok)
	}
	if _, ok := c.Lookup("does-not-exist"); ok {
		t.Fatal("expected a miss")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestStaleness(t *testing.T) {
	t.Parallel()
	c := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Never populated: always stale, lookups miss without blocking.
	if !c.IsStale(time.Hour, now) {
		t.Fatal("empty cache should be stale")
	}
	if _, ok := c.Lookup("anything"); ok {
		t.Fatal("empty cache should miss")
	}

	blob := json.RawMessage(`{"last_refreshed":"2026-03-01T11:30:00Z","playlists":[{"id":"p","name":"P"}]}`)
	if err := c.Update("cache-task", blob); err != nil {
		t.Fatalf("update: %v", err)
	}
	if c.IsStale(time.Hour, now) {
		t.Fatal("30 minutes old should not be stale for max_age=1h")
	}
	if !c.IsStale(10*time.Minute, now) {
		t.Fatal("30 minutes old should be stale for max_age=10m")
	}
	if !c.LastRefreshed().Equal(time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)) {
		t.Fatalf("last refreshed = %v", c.LastRefreshed())
	}
}

func TestMergeAndForget(t *testing.T) {
	t.Parallel()
	c := New()
	_ = c.Update("a", json.RawMessage(`{"last_refreshed":"2026-03-01T10:00:00Z","playlists":[{"id":"p1","name":"One"}]}`))
	_ = c.Update("b", json.RawMessage(`{"last_refreshed":"2026-03-01T11:00:00Z","playlists":[{"id":"p2","name":"Two"}]}`))

	if c.Len() != 2 {
		t.Fatalf("merged len = %d", c.Len())
	}
	if !c.LastRefreshed().Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("newest feed should win: %v", c.LastRefreshed())
	}

	c.Forget("b")
	if _, ok := c.Lookup("p2"); ok {
		t.Fatal("forgotten task's entries survived")
	}
	if !c.LastRefreshed().Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("last refreshed after forget: %v", c.LastRefreshed())
	}
}
