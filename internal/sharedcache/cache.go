package sharedcache

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Playlist is one cached playlist entry.
type Playlist struct {
	ID            string `json:"id"`
	URI           string `json:"uri,omitempty"`
	Name          string `json:"name"`
	OwnerID       string `json:"owner_id,omitempty"`
	Public        *bool  `json:"public,omitempty"`
	Collaborative bool   `json:"collaborative,omitempty"`
	SnapshotID    string `json:"snapshot_id,omitempty"`
}

// feed is the relevant slice of a cache task's persisted state.
type feed struct {
	LastRefreshed time.Time  `json:"last_refreshed"`
	Playlists     []Playlist `json:"playlists"`
}

// Cache is the cross-task playlist snapshot. Cache-kind tasks populate it;
// every other task may look entries up by id or by name but must tolerate a
// miss or staleness without blocking.
type Cache struct {
	mu            sync.RWMutex
	byID          map[string]Playlist
	byName        map[string]Playlist
	perTask       map[string]feed
	lastRefreshed time.Time
}

func New() *Cache {
	return &Cache{
		byID:    map[string]Playlist{},
		byName:  map[string]Playlist{},
		perTask: map[string]feed{},
	}
}

// Update ingests one cache task's state blob and rebuilds the merged lookup
// tables. Unknown fields in the blob are ignored; the feed only reads the
// cache-relevant keys.
func (c *Cache) Update(taskID string, blob json.RawMessage) error {
	var f feed
	if err := json.Unmarshal(blob, &f); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.perTask[taskID] = f
	c.rebuildLocked()
	return nil
}

// Forget drops a deleted cache task's contribution.
func (c *Cache) Forget(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.perTask[taskID]; !ok {
		return
	}
	delete(c.perTask, taskID)
	c.rebuildLocked()
}

func (c *Cache) rebuildLocked() {
	c.byID = map[string]Playlist{}
	c.byName = map[string]Playlist{}
	c.lastRefreshed = time.Time{}
	for _, f := range c.perTask {
		for _, p := range f.Playlists {
			if p.ID == "" {
				continue
			}
			c.byID[p.ID] = p
			if p.Name != "" {
				c.byName[strings.ToLower(p.Name)] = p
			}
		}
		if f.LastRefreshed.After(c.lastRefreshed) {
			c.lastRefreshed = f.LastRefreshed
		}
	}
}

// Lookup finds a playlist by id or, failing that, by case-insensitive name.
// The second return is false on a miss.
func (c *Cache) Lookup(key string) (Playlist, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.byID[key]; ok {
		return p, true
	}
	p, ok := c.byName[strings.ToLower(key)]
	return p, ok
}

// LastRefreshed reports when the newest contributing task last ran. Zero
// when no cache task has run yet.
func (c *Cache) LastRefreshed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefreshed
}

// IsStale reports whether the snapshot is older than maxAge. An empty cache
// is always stale.
func (c *Cache) IsStale(maxAge time.Duration, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastRefreshed.IsZero() {
		return true
	}
	return now.Sub(c.lastRefreshed) > maxAge
}

// Len reports the merged entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
