package modules

import (
	"context"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/content"
	"spotifreak/internal/registry"
	"spotifreak/internal/task"
)

// KindPlaylistMirror copies tracks from a source (saved library or another
// playlist) into one or more target playlists, incrementally via a cursor.
const KindPlaylistMirror = "playlist_mirror"

const mirrorSchema = `{
	"type": "object",
	"required": ["source", "targets"],
	"properties": {
		"source": {
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"enum": ["saved_tracks", "playlist_id", "playlist_name"]},
				"id": {"type": "string"},
				"name": {"type": "string"},
				"max_tracks": {"type": "integer", "minimum": 1},
				"lookback_count": {"type": "integer", "minimum": 1},
				"lookback_days": {"type": "integer", "minimum": 1},
				"full_scan": {"type": "boolean"},
				"scan_direction": {"enum": ["oldest", "newest"]}
			},
			"additionalProperties": false
		},
		"targets": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["kind"],
				"properties": {
					"kind": {"enum": ["playlist_id", "playlist_name", "playlist_pattern"]},
					"id": {"type": "string"},
					"name": {"type": "string"},
					"pattern": {"type": "string"},
					"public": {"type": "boolean"},
					"description": {"type": "string"}
				},
				"additionalProperties": false
			}
		},
		"deduplicate": {"type": "boolean"}
	},
	"additionalProperties": false
}`

type mirrorSource struct {
	Kind          string `json:"kind"`
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	MaxTracks     int    `json:"max_tracks,omitempty"`
	LookbackCount int    `json:"lookback_count,omitempty"`
	LookbackDays  int    `json:"lookback_days,omitempty"`
	FullScan      bool   `json:"full_scan,omitempty"`
	ScanDirection string `json:"scan_direction,omitempty"`
}

type mirrorOptions struct {
	Source      mirrorSource       `json:"source"`
	Targets     []PlaylistResolver `json:"targets"`
	Deduplicate *bool              `json:"deduplicate,omitempty"`
}

func (o mirrorOptions) deduplicate() bool {
	return o.Deduplicate == nil || *o.Deduplicate
}

// mirrorState tracks the incremental scan position.
type mirrorState struct {
	LastProcessedTrackID string `json:"last_processed_track_id,omitempty"`
}

type mirrorBody struct {
	opts mirrorOptions
	svc  content.Service
}

func mirrorKind(deps Deps) registry.Kind {
	return registry.Kind{
		Name:   KindPlaylistMirror,
		Schema: mirrorSchema,
		Factory: func(spec config.SyncConfig) (task.Body, error) {
			var opts mirrorOptions
			if err := decodeOptions(spec.Options, &opts); err != nil {
				return nil, err
			}
			for _, t := range opts.Targets {
				if err := t.validate(); err != nil {
					return nil, err
				}
			}
			return &mirrorBody{opts: opts, svc: deps.Service}, nil
		},
	}
}

func (b *mirrorBody) Run(ctx context.Context, rc *task.Context) (task.Outcome, error) {
	var st mirrorState
	if err := rc.State.Get(&st); err != nil {
		return task.Outcome{}, err
	}

	source, err := b.collectSource(ctx, rc)
	if err != nil {
		return task.Outcome{}, err
	}
	if len(source) == 0 {
		rc.Log.Info("no source tracks to mirror")
		return task.Outcome{Details: map[string]any{"total_source": 0}}, nil
	}

	fresh := b.afterCursor(source, st.LastProcessedTrackID)
	rc.Log.Debug("source scanned",
		logx.Int("total", len(source)),
		logx.Int("new", len(fresh)))

	added := 0
	if len(fresh) > 0 {
		for _, target := range b.opts.Targets {
			n, err := b.syncTarget(ctx, rc, target, fresh)
			if err != nil {
				return task.Outcome{}, err
			}
			added += n
		}
	}

	// Advance the cursor to the newest track seen this run, whether or not
	// targets needed changes.
	cursor := source[len(source)-1].ID
	if b.scanDirection() == "newest" {
		cursor = source[0].ID
	}
	st.LastProcessedTrackID = cursor
	if err := rc.State.Put(st); err != nil {
		return task.Outcome{}, err
	}

	rc.Log.Info("mirror completed",
		logx.Int("processed", len(fresh)),
		logx.Int("added", added),
		logx.Int("targets", len(b.opts.Targets)))
	return task.Outcome{Details: map[string]any{
		"total_source": len(source),
		"processed":    len(fresh),
		"added":        added,
	}}, nil
}

func (b *mirrorBody) scanDirection() string {
	if b.opts.Source.ScanDirection == "" {
		return "oldest"
	}
	return b.opts.Source.ScanDirection
}

// collectSource returns the source tracks oldest first.
func (b *mirrorBody) collectSource(ctx context.Context, rc *task.Context) ([]content.Track, error) {
	src := b.opts.Source
	switch src.Kind {
	case resolverSaved:
		limit := src.MaxTracks
		if src.LookbackCount > 0 && (limit == 0 || src.LookbackCount < limit) {
			limit = src.LookbackCount
		}
		if src.FullScan {
			limit = 0
		}
		tracks, err := b.svc.SavedTracks(ctx, limit)
		if err != nil {
			return nil, err
		}
		if src.LookbackDays > 0 {
			cutoff := rc.Now().AddDate(0, 0, -src.LookbackDays)
			tracks = filterAddedSince(tracks, cutoff)
		}
		// The API yields newest first; flip to oldest first.
		reverseTracks(tracks)
		return tracks, nil
	case resolverByID:
		return b.svc.PlaylistTracks(ctx, src.ID)
	case resolverByName:
		resolver := PlaylistResolver{Kind: resolverByName, Name: src.Name}
		id, err := resolver.resolve(ctx, rc, b.svc, false)
		if err != nil {
			return nil, err
		}
		return b.svc.PlaylistTracks(ctx, id)
	default:
		return nil, task.NoRetry(errUnsupportedSource(src.Kind))
	}
}

// afterCursor drops everything up to and including the last processed track.
// An unknown cursor (track removed from the source) means a full pass.
func (b *mirrorBody) afterCursor(tracks []content.Track, cursor string) []content.Track {
	if cursor == "" {
		return tracks
	}
	for i, t := range tracks {
		if t.ID == cursor {
			return tracks[i+1:]
		}
	}
	return tracks
}

func (b *mirrorBody) syncTarget(ctx context.Context, rc *task.Context, target PlaylistResolver, fresh []content.Track) (int, error) {
	id, err := target.resolve(ctx, rc, b.svc, true)
	if err != nil {
		return 0, err
	}

	toAdd := fresh
	if b.opts.deduplicate() {
		existing, err := b.svc.PlaylistTracks(ctx, id)
		if err != nil {
			return 0, err
		}
		have := make(map[string]bool, len(existing))
		for _, t := range existing {
			have[t.ID] = true
		}
		toAdd = toAdd[:0:0]
		for _, t := range fresh {
			if !have[t.ID] {
				toAdd = append(toAdd, t)
			}
		}
	}
	if len(toAdd) == 0 {
		return 0, nil
	}

	uris := make([]string, len(toAdd))
	for i, t := range toAdd {
		uris[i] = t.URI
	}
	if err := b.svc.AddTracks(ctx, id, uris); err != nil {
		return 0, err
	}
	return len(uris), nil
}

func filterAddedSince(tracks []content.Track, cutoff time.Time) []content.Track {
	out := tracks[:0:0]
	for _, t := range tracks {
		if !t.AddedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func reverseTracks(tracks []content.Track) {
	for i, j := 0, len(tracks)-1; i < j; i, j = i+1, j-1 {
		tracks[i], tracks[j] = tracks[j], tracks[i]
	}
}

type errUnsupportedSource string

func (e errUnsupportedSource) Error() string {
	return "unsupported mirror source kind \"" + string(e) + "\""
}
