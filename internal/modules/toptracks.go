package modules

import (
	"context"
	"fmt"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/content"
	"spotifreak/internal/registry"
	"spotifreak/internal/task"
)

// KindTopTracks fills a playlist with a scrobble service's most played
// tracks for a period.
const KindTopTracks = "top_tracks"

const topTracksSchema = `{
	"type": "object",
	"required": ["playlist"],
	"properties": {
		"playlist": {"type": "object", "required": ["kind"]},
		"limit": {"type": "integer", "minimum": 1, "maximum": 100},
		"period": {"enum": ["overall", "7day", "1month", "3month", "6month", "12month"]},
		"user": {"type": "string", "minLength": 1},
		"clear_before_add": {"type": "boolean"}
	},
	"additionalProperties": false
}`

type topTracksOptions struct {
	Playlist       PlaylistResolver `json:"playlist"`
	Limit          int              `json:"limit,omitempty"`
	Period         string           `json:"period,omitempty"`
	User           string           `json:"user,omitempty"`
	ClearBeforeAdd *bool            `json:"clear_before_add,omitempty"`
}

func (o topTracksOptions) limit() int {
	if o.Limit <= 0 {
		return 10
	}
	return o.Limit
}

func (o topTracksOptions) period() string {
	if o.Period == "" {
		return "7day"
	}
	return o.Period
}

type topTracksState struct {
	LastTracks []string `json:"last_tracks,omitempty"`
}

type topTracksBody struct {
	opts      topTracksOptions
	svc       content.Service
	scrobbler content.Scrobbler
}

func topTracksKind(deps Deps) registry.Kind {
	return registry.Kind{
		Name:   KindTopTracks,
		Schema: topTracksSchema,
		Factory: func(spec config.SyncConfig) (task.Body, error) {
			var opts topTracksOptions
			if err := decodeOptions(spec.Options, &opts); err != nil {
				return nil, err
			}
			if err := opts.Playlist.validate(); err != nil {
				return nil, err
			}
			if deps.Scrobbler == nil {
				return nil, fmt.Errorf("%s requires a configured scrobble service", KindTopTracks)
			}
			return &topTracksBody{opts: opts, svc: deps.Service, scrobbler: deps.Scrobbler}, nil
		},
	}
}

func (b *topTracksBody) Run(ctx context.Context, rc *task.Context) (task.Outcome, error) {
	top, err := b.scrobbler.TopTracks(ctx, b.opts.User, b.opts.period(), b.opts.limit())
	if err != nil {
		return task.Outcome{}, err
	}
	if len(top) == 0 {
		rc.Log.Info("scrobble service returned no tracks")
		return task.Outcome{Skipped: true}, nil
	}

	uris := make([]string, 0, len(top))
	missed := 0
	for _, t := range top {
		track, err := b.svc.SearchTrack(ctx, t.Artist, t.Title)
		if err != nil {
			return task.Outcome{}, err
		}
		if track == nil {
			missed++
			rc.Log.Debug("no match for top track",
				logx.String("artist", t.Artist), logx.String("track", t.Title))
			continue
		}
		uris = append(uris, track.URI)
	}
	if len(uris) == 0 {
		rc.Log.Warn("none of the top tracks matched", logx.Int("requested", len(top)))
		return task.Outcome{Skipped: true}, nil
	}

	var st topTracksState
	if err := rc.State.Get(&st); err != nil {
		return task.Outcome{}, err
	}
	if equalStrings(st.LastTracks, uris) {
		rc.Log.Info("top tracks unchanged since last run")
		return task.Outcome{Skipped: true, Details: map[string]any{"tracks": len(uris)}}, nil
	}

	playlistID, err := b.opts.Playlist.resolve(ctx, rc, b.svc, true)
	if err != nil {
		return task.Outcome{}, err
	}

	if b.opts.ClearBeforeAdd == nil || *b.opts.ClearBeforeAdd {
		err = b.svc.ReplaceTracks(ctx, playlistID, uris)
	} else {
		err = b.svc.AddTracks(ctx, playlistID, uris)
	}
	if err != nil {
		return task.Outcome{}, err
	}

	st.LastTracks = uris
	if err := rc.State.Put(st); err != nil {
		return task.Outcome{}, err
	}

	rc.Log.Info("top tracks synced",
		logx.Int("tracks", len(uris)), logx.Int("unmatched", missed))
	return task.Outcome{Details: map[string]any{"tracks": len(uris), "unmatched": missed}}, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
