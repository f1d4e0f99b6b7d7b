// Package content holds the external service collaborators. Task bodies
// consume the narrow interfaces here; the concrete HTTP clients are the
// replaceable edge of the system.
package content

import (
	"context"
	"time"
)

// Playlist is a playlist as seen by task bodies.
type Playlist struct {
	ID            string
	URI           string
	Name          string
	Description   string
	OwnerID       string
	Public        *bool
	Collaborative bool
	SnapshotID    string
	TrackCount    int
}

// Track is one playlist or search result entry.
type Track struct {
	ID      string
	URI     string
	Name    string
	Artist  string
	Album   string
	AddedAt time.Time
}

// TopTrack is one scrobbler chart entry.
type TopTrack struct {
	Artist    string
	Title     string
	PlayCount int
	Rank      int
}

// Service is the playlist provider surface the builtin sync kinds need.
type Service interface {
	ListPlaylists(ctx context.Context) ([]Playlist, error)
	SavedTracks(ctx context.Context, limit int) ([]Track, error)
	FindPlaylistByName(ctx context.Context, name string) (*Playlist, error)
	CreatePlaylist(ctx context.Context, name string, public bool, description string) (*Playlist, error)
	PlaylistTracks(ctx context.Context, playlistID string) ([]Track, error)
	AddTracks(ctx context.Context, playlistID string, uris []string) error
	RemoveTracks(ctx context.Context, playlistID string, uris []string) error
	ReplaceTracks(ctx context.Context, playlistID string, uris []string) error
	UpdatePlaylistDetails(ctx context.Context, playlistID, name, description string) error
	UploadPlaylistCover(ctx context.Context, playlistID, imageB64 string) error
	SearchTrack(ctx context.Context, artist, title string) (*Track, error)
}

// Scrobbler is the listening-history provider surface.
type Scrobbler interface {
	TopTracks(ctx context.Context, user, period string, limit int) ([]TopTrack, error)
}
