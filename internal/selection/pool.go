package selection

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// poolItem is one candidate with its effective weight resolved.
type poolItem struct {
	id     string
	value  string
	weight float64
	source int
}

type folderEntry struct {
	items []Item
	at    time.Time
}

func folderKey(src Source) string {
	return src.Path + "|" + strings.Join(src.Extensions, ",") + "|" + map[bool]string{true: "r", false: "f"}[src.Recursive]
}

// buildPool enumerates all primary sources into one weighted pool, falling
// back to fallback sources only when the primary union is empty.
func (e *Engine) buildPool(cfg Config, now time.Time) ([]poolItem, error) {
	primary, err := e.enumerate(cfg.Sources, false, now)
	if err != nil {
		return nil, err
	}
	if len(primary) > 0 {
		return primary, nil
	}
	return e.enumerate(cfg.Sources, true, now)
}

func (e *Engine) enumerate(sources []Source, fallback bool, now time.Time) ([]poolItem, error) {
	var pool []poolItem
	for i, src := range sources {
		if (src.Type == SourceFallback) != fallback {
			continue
		}
		items := src.Items
		if src.Path != "" {
			enumerated, err := e.folderItems(src, now)
			if err != nil {
				return nil, err
			}
			items = append(items, enumerated...)
		}
		sw := norm(src.Weight)
		for _, it := range items {
			pool = append(pool, poolItem{
				id:     it.Value,
				value:  it.Value,
				weight: sw * norm(it.Weight),
				source: i,
			})
		}
	}
	return pool, nil
}

// folderItems lists matching files under the source path, reusing the cached
// listing until the source's cache_ttl elapses.
func (e *Engine) folderItems(src Source, now time.Time) ([]Item, error) {
	ttl := time.Duration(0)
	if strings.TrimSpace(src.CacheTTL) != "" {
		d, err := time.ParseDuration(src.CacheTTL)
		if err != nil {
			return nil, err
		}
		ttl = d
	}

	key := folderKey(src)
	e.mu.Lock()
	cached, ok := e.folders[key]
	e.mu.Unlock()
	if ok && ttl > 0 && now.Sub(cached.at) < ttl {
		return cached.items, nil
	}

	items, err := listFolder(src)
	if err != nil {
		// Serve the stale listing rather than failing the pick when the
		// directory is temporarily unreadable.
		if ok {
			return cached.items, nil
		}
		return nil, err
	}

	e.mu.Lock()
	e.folders[key] = folderEntry{items: items, at: now}
	e.mu.Unlock()
	return items, nil
}

func listFolder(src Source) ([]Item, error) {
	exts := make(map[string]bool, len(src.Extensions))
	for _, ext := range src.Extensions {
		exts[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	match := func(name string) bool {
		if len(exts) == 0 {
			return true
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		return exts[ext]
	}

	var out []Item
	if src.Recursive {
		err := filepath.WalkDir(src.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && match(d.Name()) {
				out = append(out, Item{Value: path})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(src.Path)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() && match(entry.Name()) {
				out = append(out, Item{Value: filepath.Join(src.Path, entry.Name())})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

func norm(w float64) float64 {
	if w <= 0 {
		return 1
	}
	return w
}
