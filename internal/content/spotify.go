package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/task"
)

const (
	spotifyBaseURL  = "https://api.spotify.com/v1"
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
)

// SpotifyClient talks to the Spotify Web API. All calls go through a shared
// request pacer; a 429 response surfaces as task.RateLimited carrying the
// Retry-After hint so the execution wrapper can back off accordingly.
type SpotifyClient struct {
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	base    string

	userID string
}

// NewSpotifyClient builds a client from configured credentials. ratePerSec
// bounds the outgoing request rate; zero means the default of 5/s.
func NewSpotifyClient(ctx context.Context, cfg config.SpotifySettings, ratePerSec float64, log logx.Logger) (*SpotifyClient, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("spotify client_id and client_secret are required")
	}
	if strings.TrimSpace(cfg.RefreshToken) == "" {
		return nil, fmt.Errorf("spotify refresh_token is required (run 'spotifreak init' and complete the auth flow)")
	}
	if ratePerSec <= 0 {
		ratePerSec = 5
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  spotifyAuthURL,
			TokenURL: spotifyTokenURL,
		},
	}
	src := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	return &SpotifyClient{
		http:    oauth2.NewClient(ctx, src),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		log:     log,
		base:    spotifyBaseURL,
	}, nil
}

func (c *SpotifyClient) do(ctx context.Context, method, endpoint string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("spotify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		after := parseRetryAfter(resp.Header.Get("Retry-After"))
		return task.RateLimited(fmt.Errorf("spotify: %s %s: 429", method, endpoint), after)
	}
	if resp.StatusCode == http.StatusNotFound {
		return task.NoRetry(fmt.Errorf("spotify: %s %s: not found", method, endpoint))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("spotify: %s %s: status %d: %s", method, endpoint, resp.StatusCode, snippet)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("spotify: decode %s: %w", endpoint, err)
		}
	}
	return nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

type spotifyPlaylist struct {
	ID            string `json:"id"`
	URI           string `json:"uri"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Public        *bool  `json:"public"`
	Collaborative bool   `json:"collaborative"`
	SnapshotID    string `json:"snapshot_id"`
	Owner         struct {
		ID string `json:"id"`
	} `json:"owner"`
	Tracks struct {
		Total int `json:"total"`
	} `json:"tracks"`
}

func (p spotifyPlaylist) toPlaylist() Playlist {
	return Playlist{
		ID:            p.ID,
		URI:           p.URI,
		Name:          p.Name,
		Description:   p.Description,
		OwnerID:       p.Owner.ID,
		Public:        p.Public,
		Collaborative: p.Collaborative,
		SnapshotID:    p.SnapshotID,
		TrackCount:    p.Tracks.Total,
	}
}

type spotifyTrack struct {
	ID      string `json:"id"`
	URI     string `json:"uri"`
	Name    string `json:"name"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Name string `json:"name"`
	} `json:"album"`
}

func (t spotifyTrack) toTrack(addedAt time.Time) Track {
	artist := ""
	if len(t.Artists) > 0 {
		artist = t.Artists[0].Name
	}
	return Track{
		ID:      t.ID,
		URI:     t.URI,
		Name:    t.Name,
		Artist:  artist,
		Album:   t.Album.Name,
		AddedAt: addedAt,
	}
}

func (c *SpotifyClient) currentUserID(ctx context.Context) (string, error) {
	if c.userID != "" {
		return c.userID, nil
	}
	var me struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", nil, &me); err != nil {
		return "", err
	}
	c.userID = me.ID
	return me.ID, nil
}

func (c *SpotifyClient) ListPlaylists(ctx context.Context) ([]Playlist, error) {
	var out []Playlist
	endpoint := "/me/playlists?limit=50"
	for endpoint != "" {
		var page struct {
			Items []spotifyPlaylist `json:"items"`
			Next  *string           `json:"next"`
		}
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			out = append(out, item.toPlaylist())
		}
		endpoint = c.nextEndpoint(page.Next)
	}
	return out, nil
}

// nextEndpoint strips the API base from a pagination URL. Spotify returns
// absolute next links.
func (c *SpotifyClient) nextEndpoint(next *string) string {
	if next == nil || *next == "" {
		return ""
	}
	return strings.TrimPrefix(*next, c.base)
}

// SavedTracks returns the user's library, newest additions first. limit <= 0
// means the whole library.
func (c *SpotifyClient) SavedTracks(ctx context.Context, limit int) ([]Track, error) {
	var out []Track
	endpoint := "/me/tracks?limit=50"
	for endpoint != "" {
		var page struct {
			Items []struct {
				AddedAt time.Time    `json:"added_at"`
				Track   spotifyTrack `json:"track"`
			} `json:"items"`
			Next *string `json:"next"`
		}
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if item.Track.ID == "" {
				continue
			}
			out = append(out, item.Track.toTrack(item.AddedAt))
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		endpoint = c.nextEndpoint(page.Next)
	}
	return out, nil
}

func (c *SpotifyClient) FindPlaylistByName(ctx context.Context, name string) (*Playlist, error) {
	all, err := c.ListPlaylists(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if strings.EqualFold(all[i].Name, name) {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (c *SpotifyClient) CreatePlaylist(ctx context.Context, name string, public bool, description string) (*Playlist, error) {
	user, err := c.currentUserID(ctx)
	if err != nil {
		return nil, err
	}
	var created spotifyPlaylist
	payload := map[string]any{"name": name, "public": public, "description": description}
	if err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(user)+"/playlists", payload, &created); err != nil {
		return nil, err
	}
	p := created.toPlaylist()
	c.log.Info("playlist created", logx.String("name", name), logx.String("id", p.ID))
	return &p, nil
}

func (c *SpotifyClient) PlaylistTracks(ctx context.Context, playlistID string) ([]Track, error) {
	var out []Track
	endpoint := "/playlists/" + url.PathEscape(playlistID) + "/tracks?limit=100"
	for endpoint != "" {
		var page struct {
			Items []struct {
				AddedAt time.Time    `json:"added_at"`
				Track   spotifyTrack `json:"track"`
			} `json:"items"`
			Next *string `json:"next"`
		}
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if item.Track.ID == "" {
				continue // local or removed track
			}
			out = append(out, item.Track.toTrack(item.AddedAt))
		}
		endpoint = c.nextEndpoint(page.Next)
	}
	return out, nil
}

// chunk size for track mutation endpoints, the API maximum.
const trackChunk = 100

func (c *SpotifyClient) AddTracks(ctx context.Context, playlistID string, uris []string) error {
	for _, batch := range chunks(uris, trackChunk) {
		payload := map[string]any{"uris": batch}
		if err := c.do(ctx, http.MethodPost, "/playlists/"+url.PathEscape(playlistID)+"/tracks", payload, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *SpotifyClient) RemoveTracks(ctx context.Context, playlistID string, uris []string) error {
	for _, batch := range chunks(uris, trackChunk) {
		tracks := make([]map[string]string, len(batch))
		for i, uri := range batch {
			tracks[i] = map[string]string{"uri": uri}
		}
		payload := map[string]any{"tracks": tracks}
		if err := c.do(ctx, http.MethodDelete, "/playlists/"+url.PathEscape(playlistID)+"/tracks", payload, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *SpotifyClient) ReplaceTracks(ctx context.Context, playlistID string, uris []string) error {
	first := uris
	var rest []string
	if len(first) > trackChunk {
		first, rest = uris[:trackChunk], uris[trackChunk:]
	}
	payload := map[string]any{"uris": first}
	if err := c.do(ctx, http.MethodPut, "/playlists/"+url.PathEscape(playlistID)+"/tracks", payload, nil); err != nil {
		return err
	}
	return c.AddTracks(ctx, playlistID, rest)
}

func (c *SpotifyClient) UpdatePlaylistDetails(ctx context.Context, playlistID, name, description string) error {
	payload := map[string]any{}
	if name != "" {
		payload["name"] = name
	}
	if description != "" {
		payload["description"] = description
	}
	if len(payload) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPut, "/playlists/"+url.PathEscape(playlistID), payload, nil)
}

func (c *SpotifyClient) UploadPlaylistCover(ctx context.Context, playlistID, imageB64 string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.base+"/playlists/"+url.PathEscape(playlistID)+"/images",
		strings.NewReader(imageB64))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("spotify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return task.RateLimited(fmt.Errorf("spotify: upload cover: 429"), parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("spotify: upload cover: status %d", resp.StatusCode)
	}
	return nil
}

func (c *SpotifyClient) SearchTrack(ctx context.Context, artist, title string) (*Track, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("track:%s artist:%s", title, artist))
	q.Set("type", "track")
	q.Set("limit", "1")

	var result struct {
		Tracks struct {
			Items []spotifyTrack `json:"items"`
		} `json:"tracks"`
	}
	if err := c.do(ctx, http.MethodGet, "/search?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	if len(result.Tracks.Items) == 0 {
		return nil, nil
	}
	t := result.Tracks.Items[0].toTrack(time.Time{})
	return &t, nil
}

func chunks(in []string, size int) [][]string {
	if len(in) == 0 {
		return nil
	}
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	return append(out, in)
}
