package modules

import (
	"context"
	"fmt"
	"sort"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/content"
	"spotifreak/internal/registry"
	"spotifreak/internal/task"
)

// KindPlaylistRetention prunes a playlist by age and size, optionally
// archiving removed tracks first.
const KindPlaylistRetention = "playlist_retention"

const retentionSchema = `{
	"type": "object",
	"required": ["playlist"],
	"properties": {
		"playlist": {"type": "object", "required": ["kind"]},
		"archive": {"type": "object", "required": ["kind"]},
		"retention_days": {"type": "integer", "minimum": 1},
		"max_tracks": {"type": "integer", "minimum": 1},
		"min_tracks": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

type retentionOptions struct {
	Playlist      PlaylistResolver  `json:"playlist"`
	Archive       *PlaylistResolver `json:"archive,omitempty"`
	RetentionDays int               `json:"retention_days,omitempty"`
	MaxTracks     int               `json:"max_tracks,omitempty"`
	MinTracks     int               `json:"min_tracks,omitempty"`
}

type retentionBody struct {
	opts retentionOptions
	svc  content.Service
}

func retentionKind(deps Deps) registry.Kind {
	return registry.Kind{
		Name:   KindPlaylistRetention,
		Schema: retentionSchema,
		Factory: func(spec config.SyncConfig) (task.Body, error) {
			var opts retentionOptions
			if err := decodeOptions(spec.Options, &opts); err != nil {
				return nil, err
			}
			if err := opts.Playlist.validate(); err != nil {
				return nil, err
			}
			if opts.Archive != nil {
				if err := opts.Archive.validate(); err != nil {
					return nil, fmt.Errorf("archive: %w", err)
				}
			}
			if opts.RetentionDays <= 0 && opts.MaxTracks <= 0 {
				return nil, fmt.Errorf("retention needs retention_days or max_tracks")
			}
			return &retentionBody{opts: opts, svc: deps.Service}, nil
		},
	}
}

func (b *retentionBody) Run(ctx context.Context, rc *task.Context) (task.Outcome, error) {
	playlistID, err := b.opts.Playlist.resolve(ctx, rc, b.svc, false)
	if err != nil {
		return task.Outcome{}, err
	}
	tracks, err := b.svc.PlaylistTracks(ctx, playlistID)
	if err != nil {
		return task.Outcome{}, err
	}
	if len(tracks) == 0 {
		return task.Outcome{Skipped: true}, nil
	}

	remove := b.selectRemovals(tracks, rc.Now())
	if len(remove) == 0 {
		rc.Log.Info("nothing to prune", logx.Int("tracks", len(tracks)))
		return task.Outcome{Skipped: true, Details: map[string]any{"tracks": len(tracks)}}, nil
	}

	archived := 0
	if b.opts.Archive != nil {
		archiveID, err := b.opts.Archive.resolve(ctx, rc, b.svc, true)
		if err != nil {
			return task.Outcome{}, err
		}
		existing, err := b.svc.PlaylistTracks(ctx, archiveID)
		if err != nil {
			return task.Outcome{}, err
		}
		seen := make(map[string]bool, len(existing))
		for _, t := range existing {
			seen[t.ID] = true
		}
		var uris []string
		for _, t := range remove {
			if !seen[t.ID] {
				uris = append(uris, t.URI)
			}
		}
		if len(uris) > 0 {
			if err := b.svc.AddTracks(ctx, archiveID, uris); err != nil {
				return task.Outcome{}, err
			}
			archived = len(uris)
		}
	}

	uris := make([]string, len(remove))
	for i, t := range remove {
		uris[i] = t.URI
	}
	if err := b.svc.RemoveTracks(ctx, playlistID, uris); err != nil {
		return task.Outcome{}, err
	}

	rc.Log.Info("playlist pruned",
		logx.Int("removed", len(remove)),
		logx.Int("archived", archived),
		logx.Int("remaining", len(tracks)-len(remove)))
	return task.Outcome{Details: map[string]any{
		"removed":   len(remove),
		"archived":  archived,
		"remaining": len(tracks) - len(remove),
	}}, nil
}

// selectRemovals applies age and size limits, then walks back removals of
// the newest candidates until the playlist stays at or above min_tracks.
func (b *retentionBody) selectRemovals(tracks []content.Track, now time.Time) []content.Track {
	byAge := append([]content.Track{}, tracks...)
	sort.SliceStable(byAge, func(i, j int) bool { return byAge[i].AddedAt.Before(byAge[j].AddedAt) })

	doomed := map[string]bool{}
	if b.opts.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -b.opts.RetentionDays)
		for _, t := range byAge {
			if t.AddedAt.Before(cutoff) {
				doomed[t.ID] = true
			}
		}
	}
	if b.opts.MaxTracks > 0 {
		excess := len(tracks) - b.opts.MaxTracks
		for _, t := range byAge {
			if excess <= 0 {
				break
			}
			doomed[t.ID] = true
			excess--
		}
	}

	if b.opts.MinTracks > 0 {
		keep := len(tracks) - len(doomed)
		// Spare the newest doomed tracks until the floor holds.
		for i := len(byAge) - 1; i >= 0 && keep < b.opts.MinTracks; i-- {
			if doomed[byAge[i].ID] {
				delete(doomed, byAge[i].ID)
				keep++
			}
		}
	}

	var remove []content.Track
	for _, t := range byAge {
		if doomed[t.ID] {
			remove = append(remove, t)
		}
	}
	return remove
}
