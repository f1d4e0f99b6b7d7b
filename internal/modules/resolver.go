package modules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"spotifreak/internal/content"
	"spotifreak/internal/task"
)

// PlaylistResolver names a playlist by id, by name, or by a date pattern
// that is expanded at run time ("Discover {month} {year}").
type PlaylistResolver struct {
	Kind        string `json:"kind"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Public      bool   `json:"public,omitempty"`
	Description string `json:"description,omitempty"`
}

const (
	resolverByID      = "playlist_id"
	resolverByName    = "playlist_name"
	resolverByPattern = "playlist_pattern"
	resolverSaved     = "saved_tracks"
)

func (r PlaylistResolver) validate() error {
	switch r.Kind {
	case resolverByID:
		if r.ID == "" {
			return fmt.Errorf("playlist_id resolver requires 'id'")
		}
	case resolverByName:
		if r.Name == "" {
			return fmt.Errorf("playlist_name resolver requires 'name'")
		}
	case resolverByPattern:
		if r.Pattern == "" {
			return fmt.Errorf("playlist_pattern resolver requires 'pattern'")
		}
	case resolverSaved:
	default:
		return fmt.Errorf("unknown playlist resolver kind %q", r.Kind)
	}
	return nil
}

// formatPattern expands the date placeholders in a pattern name.
func formatPattern(pattern string, now time.Time) string {
	r := strings.NewReplacer(
		"{date}", now.Format("2006-01-02"),
		"{month}", now.Format("January"),
		"{year}", now.Format("2006"),
		"{week}", fmt.Sprintf("%02d", isoWeek(now)),
	)
	return r.Replace(pattern)
}

func isoWeek(t time.Time) int {
	_, week := t.ISOWeek()
	return week
}

// resolve finds the playlist, consulting the shared cache before hitting the
// API for name lookups. With ensure set, a missing named playlist is created.
func (r PlaylistResolver) resolve(ctx context.Context, rc *task.Context, svc content.Service, ensure bool) (string, error) {
	switch r.Kind {
	case resolverByID:
		return r.ID, nil
	case resolverByName, resolverByPattern:
		name := r.Name
		if r.Kind == resolverByPattern {
			name = formatPattern(r.Pattern, rc.Now())
		}
		if rc.Cache != nil {
			if p, ok := rc.Cache.Lookup(name); ok {
				return p.ID, nil
			}
		}
		found, err := svc.FindPlaylistByName(ctx, name)
		if err != nil {
			return "", err
		}
		if found != nil {
			return found.ID, nil
		}
		if !ensure {
			return "", task.NoRetry(fmt.Errorf("playlist %q not found", name))
		}
		created, err := svc.CreatePlaylist(ctx, name, r.Public, r.Description)
		if err != nil {
			return "", err
		}
		return created.ID, nil
	default:
		return "", task.NoRetry(fmt.Errorf("unsupported playlist resolver %q", r.Kind))
	}
}
