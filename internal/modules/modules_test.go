package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/content"
	"spotifreak/internal/storage"
	"spotifreak/internal/task"
)

// fakeService is an in-memory content.Service that records mutating calls.
type fakeService struct {
	mu        sync.Mutex
	playlists []content.Playlist
	tracks    map[string][]content.Track // playlist id -> tracks
	saved     []content.Track            // newest first, like the API
	searchHit map[string]content.Track   // "artist|title" -> track

	added    map[string][]string // playlist id -> uris added
	removed  map[string][]string
	replaced map[string][]string
	covers   map[string]string
	details  map[string][2]string // playlist id -> {name, description}
	created  []string
	nextID   int
}

func newFakeService() *fakeService {
	return &fakeService{
		tracks:    map[string][]content.Track{},
		searchHit: map[string]content.Track{},
		added:     map[string][]string{},
		removed:   map[string][]string{},
		replaced:  map[string][]string{},
		covers:    map[string]string{},
		details:   map[string][2]string{},
	}
}

func (f *fakeService) ListPlaylists(ctx context.Context) ([]content.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]content.Playlist{}, f.playlists...), nil
}

func (f *fakeService) SavedTracks(ctx context.Context, limit int) ([]content.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]content.Track{}, f.saved...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeService) FindPlaylistByName(ctx context.Context, name string) (*content.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.playlists {
		if p.Name == name {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeService) CreatePlaylist(ctx context.Context, name string, public bool, description string) (*content.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p := content.Playlist{ID: fmt.Sprintf("created-%d", f.nextID), Name: name}
	f.playlists = append(f.playlists, p)
	f.created = append(f.created, name)
	return &p, nil
}

func (f *fakeService) PlaylistTracks(ctx context.Context, playlistID string) ([]content.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]content.Track{}, f.tracks[playlistID]...), nil
}

func (f *fakeService) AddTracks(ctx context.Context, playlistID string, uris []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[playlistID] = append(f.added[playlistID], uris...)
	return nil
}

func (f *fakeService) RemoveTracks(ctx context.Context, playlistID string, uris []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[playlistID] = append(f.removed[playlistID], uris...)
	return nil
}

func (f *fakeService) ReplaceTracks(ctx context.Context, playlistID string, uris []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced[playlistID] = append([]string{}, uris...)
	return nil
}

func (f *fakeService) UpdatePlaylistDetails(ctx context.Context, playlistID, name, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[playlistID] = [2]string{name, description}
	return nil
}

func (f *fakeService) UploadPlaylistCover(ctx context.Context, playlistID, imageB64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.covers[playlistID] = imageB64
	return nil
}

func (f *fakeService) SearchTrack(ctx context.Context, artist, title string) (*content.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.searchHit[artist+"|"+title]; ok {
		cp := t
		return &cp, nil
	}
	return nil, nil
}

type fakeScrobbler struct {
	top []content.TopTrack
}

func (f *fakeScrobbler) TopTracks(ctx context.Context, user, period string, limit int) ([]content.TopTrack, error) {
	return append([]content.TopTrack{}, f.top...), nil
}

// newRunContext backs the state handle with a real file store in a temp dir
// so successive runs through the same context see flushed state.
func newRunContext(t *testing.T, id string, now time.Time) (*task.Context, storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	rc := &task.Context{
		ID:    id,
		Log:   logx.Nop(),
		Now:   func() time.Time { return now },
		State: task.NewStateHandle(store, id),
	}
	if err := rc.State.Load(context.Background()); err != nil {
		t.Fatalf("load state: %v", err)
	}
	return rc, store
}

// runBody executes one run, flushing state the way the supervisor does.
func runBody(t *testing.T, body task.Body, rc *task.Context) task.Outcome {
	t.Helper()
	out, err := body.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := rc.State.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return out
}

func buildKind(t *testing.T, deps Deps, kind, options string) task.Body {
	t.Helper()
	for _, k := range Builtins(deps) {
		if k.Name != kind {
			continue
		}
		body, err := k.Factory(config.SyncConfig{ID: "t1", Type: kind, Options: json.RawMessage(options)})
		if err != nil {
			t.Fatalf("factory: %v", err)
		}
		return body
	}
	t.Fatalf("kind %q not registered", kind)
	return nil
}

func configFor(options string) config.SyncConfig {
	return config.SyncConfig{ID: "t1", Options: json.RawMessage(options)}
}

func TestBuiltinsKindSet(t *testing.T) {
	t.Parallel()
	kinds := Builtins(Deps{Service: newFakeService()})
	want := map[string]bool{
		KindPlaylistCache:        false,
		KindPlaylistMirror:       false,
		KindPlaylistPresentation: false,
		KindTopTracks:            false,
		KindPlaylistRetention:    false,
	}
	for _, k := range kinds {
		if _, ok := want[k.Name]; !ok {
			t.Errorf("unexpected kind %q", k.Name)
		}
		want[k.Name] = true
		if k.Schema == "" {
			t.Errorf("kind %q has no schema", k.Name)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("kind %q missing", name)
		}
	}
}

func TestDecodeOptionsRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	var opts cacheOptions
	err := decodeOptions(json.RawMessage(`{"include_public": true, "bogus": 1}`), &opts)
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}
