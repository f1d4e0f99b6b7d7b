package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/task"
)

func testClient(srv *httptest.Server) *SpotifyClient {
	return &SpotifyClient{
		http:    srv.Client(),
		limiter: rate.NewLimiter(rate.Inf, 1),
		log:     logx.Nop(),
		base:    srv.URL,
	}
}

func TestRateLimitMapsToTaskError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv)
	_, err := c.ListPlaylists(context.Background())
	if !task.IsRateLimited(err) {
		t.Fatalf("429 should map to a rate-limited error, got %v", err)
	}
	var ra task.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 30*time.Second {
		t.Fatalf("Retry-After hint lost: %v", err)
	}
}

func TestNotFoundMapsToNoRetry(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := testClient(srv).UpdatePlaylistDetails(context.Background(), "gone", "x", "")
	if !task.IsNoRetry(err) {
		t.Fatalf("404 should map to a no-retry error, got %v", err)
	}
}

func TestListPlaylistsFollowsPagination(t *testing.T) {
	t.Parallel()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "" {
			fmt.Fprintf(w, `{"items":[{"id":"p1","name":"One"}],"next":"%s/me/playlists?limit=50&offset=50"}`, srv.URL)
			return
		}
		fmt.Fprint(w, `{"items":[{"id":"p2","name":"Two"}],"next":null}`)
	}))
	defer srv.Close()

	got, err := testClient(srv).ListPlaylists(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		t.Fatalf("pagination lost entries: %+v", got)
	}
}

func TestPlaylistTracksSkipsLocalEntries(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[
			{"added_at":"2026-03-01T10:00:00Z","track":{"id":"t1","uri":"spotify:track:t1","name":"Song","artists":[{"name":"Band"}],"album":{"name":"LP"}}},
			{"added_at":"2026-03-01T10:01:00Z","track":{"id":"","uri":"","name":"local file"}}
		],"next":null}`)
	}))
	defer srv.Close()

	tracks, err := testClient(srv).PlaylistTracks(context.Background(), "pl")
	if err != nil {
		t.Fatalf("tracks: %v", err)
	}
	if len(tracks) != 1 || tracks[0].Artist != "Band" {
		t.Fatalf("local entry not skipped: %+v", tracks)
	}
}

func TestSearchTrackMiss(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"tracks":{"items":[]}}`)
	}))
	defer srv.Close()

	got, err := testClient(srv).SearchTrack(context.Background(), "Nobody", "Nothing")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got != nil {
		t.Fatalf("miss should be nil, got %+v", got)
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()
	in := make([]string, 250)
	for i := range in {
		in[i] = fmt.Sprintf("uri%d", i)
	}
	got := chunks(in, 100)
	if len(got) != 3 || len(got[0]) != 100 || len(got[2]) != 50 {
		t.Fatalf("chunk sizes: %d %v", len(got), []int{len(got[0]), len(got[1]), len(got[2])})
	}
	if chunks(nil, 100) != nil {
		t.Fatal("empty input should yield nil")
	}
}
