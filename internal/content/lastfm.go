package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/task"
)

const lastfmBaseURL = "https://ws.audioscrobbler.com/2.0/"

// LastFMClient fetches listening charts from the Last.fm API.
type LastFMClient struct {
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	apiKey  string
	user    string
}

func NewLastFMClient(cfg config.LastFMSettings, ratePerSec float64, log logx.Logger) (*LastFMClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("lastfm api_key is required")
	}
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &LastFMClient{
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		log:     log,
		apiKey:  cfg.APIKey,
		user:    cfg.Username,
	}, nil
}

// TopTracks returns the user's chart for a period ("7day", "1month",
// "overall", ...). An empty user falls back to the configured username.
func (c *LastFMClient) TopTracks(ctx context.Context, user, period string, limit int) ([]TopTrack, error) {
	if user == "" {
		user = c.user
	}
	if user == "" {
		return nil, fmt.Errorf("lastfm: no username configured")
	}
	if limit <= 0 {
		limit = 50
	}
	if period == "" {
		period = "7day"
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("method", "user.gettoptracks")
	q.Set("user", user)
	q.Set("period", period)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("api_key", c.apiKey)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lastfmBaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lastfm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, task.RateLimited(fmt.Errorf("lastfm: user.gettoptracks: 429"), parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lastfm: user.gettoptracks: status %d", resp.StatusCode)
	}

	var body struct {
		TopTracks struct {
			Track []struct {
				Name      string `json:"name"`
				PlayCount string `json:"playcount"`
				Artist    struct {
					Name string `json:"name"`
				} `json:"artist"`
				Attr struct {
					Rank string `json:"rank"`
				} `json:"@attr"`
			} `json:"track"`
		} `json:"toptracks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("lastfm: decode: %w", err)
	}

	out := make([]TopTrack, 0, len(body.TopTracks.Track))
	for _, t := range body.TopTracks.Track {
		plays, _ := strconv.Atoi(t.PlayCount)
		rank, _ := strconv.Atoi(t.Attr.Rank)
		out = append(out, TopTrack{
			Artist:    t.Artist.Name,
			Title:     t.Name,
			PlayCount: plays,
			Rank:      rank,
		})
	}
	return out, nil
}
