package modules

import (
	"context"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/content"
	"spotifreak/internal/registry"
	"spotifreak/internal/sharedcache"
	"spotifreak/internal/task"
)

// KindPlaylistCache enumerates the user's playlists into this task's state,
// which in turn feeds the cross-task shared cache.
const KindPlaylistCache = "playlist_cache"

const cacheSchema = `{
	"type": "object",
	"properties": {
		"include_public": {"type": "boolean"},
		"include_private": {"type": "boolean"},
		"include_collaborative": {"type": "boolean"}
	},
	"additionalProperties": false
}`

type cacheOptions struct {
	IncludePublic        *bool `json:"include_public,omitempty"`
	IncludePrivate       *bool `json:"include_private,omitempty"`
	IncludeCollaborative *bool `json:"include_collaborative,omitempty"`
}

func (o cacheOptions) includes(p content.Playlist) bool {
	public := p.Public != nil && *p.Public
	if o.IncludePublic != nil && !*o.IncludePublic && public {
		return false
	}
	if o.IncludePrivate != nil && !*o.IncludePrivate && p.Public != nil && !*p.Public {
		return false
	}
	if o.IncludeCollaborative != nil && !*o.IncludeCollaborative && p.Collaborative {
		return false
	}
	return true
}

// cacheState is the persisted shape the shared cache consumes.
type cacheState struct {
	LastRefreshed time.Time              `json:"last_refreshed"`
	Playlists     []sharedcache.Playlist `json:"playlists"`
}

type cacheBody struct {
	opts cacheOptions
	svc  content.Service
}

func cacheKind(deps Deps) registry.Kind {
	return registry.Kind{
		Name:   KindPlaylistCache,
		Schema: cacheSchema,
		Factory: func(spec config.SyncConfig) (task.Body, error) {
			var opts cacheOptions
			if err := decodeOptions(spec.Options, &opts); err != nil {
				return nil, err
			}
			return &cacheBody{opts: opts, svc: deps.Service}, nil
		},
	}
}

func (b *cacheBody) Run(ctx context.Context, rc *task.Context) (task.Outcome, error) {
	playlists, err := b.svc.ListPlaylists(ctx)
	if err != nil {
		return task.Outcome{}, err
	}
	rc.Log.Debug("playlists discovered", logx.Int("count", len(playlists)))

	st := cacheState{LastRefreshed: rc.Now().UTC()}
	for _, p := range playlists {
		if !b.opts.includes(p) {
			continue
		}
		st.Playlists = append(st.Playlists, sharedcache.Playlist{
			ID:            p.ID,
			URI:           p.URI,
			Name:          p.Name,
			OwnerID:       p.OwnerID,
			Public:        p.Public,
			Collaborative: p.Collaborative,
			SnapshotID:    p.SnapshotID,
		})
	}
	if err := rc.State.Put(st); err != nil {
		return task.Outcome{}, err
	}

	rc.Log.Info("playlist cache refreshed",
		logx.Int("discovered", len(playlists)),
		logx.Int("stored", len(st.Playlists)))
	return task.Outcome{Details: map[string]any{
		"discovered": len(playlists),
		"stored":     len(st.Playlists),
	}}, nil
}
