package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "spotifreak/pkg/logx"
)

func newFileStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: t.TempDir(), HistoryLimit: 5}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFileStoreStateRoundTrip(t *testing.T) {
	st := newFileStore(t)
	ctx := context.Background()

	got, err := st.LoadState(ctx, "mirror-1")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil state for unknown id, got %s", got)
	}

	blob := json.RawMessage(`{"cursor":7}`)
	if err := st.SaveState(ctx, "mirror-1", blob); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = st.LoadState(ctx, "mirror-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("state mismatch: got %s want %s", got, blob)
	}

	if err := st.DeleteState(ctx, "mirror-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = st.LoadState(ctx, "mirror-1")
	if err != nil || got != nil {
		t.Fatalf("after delete: got %s err %v", got, err)
	}
}

func TestFileStoreHistoryRing(t *testing.T) {
	st := newFileStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		rec := RunRecord{
			RunID:       string(rune('a' + i)),
			Status:      StatusSuccess,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i)*time.Minute + 5*time.Second),
			Attempts:    1,
		}
		if err := st.AppendRun(ctx, "cache", rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	runs, err := st.TailRuns(ctx, "cache", 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(runs) != 5 {
		t.Fatalf("ring should cap at 5, got %d", len(runs))
	}
	if runs[0].RunID != "d" || runs[4].RunID != "h" {
		t.Fatalf("expected oldest d .. newest h, got %s .. %s", runs[0].RunID, runs[4].RunID)
	}

	tail, err := st.TailRuns(ctx, "cache", 2)
	if err != nil {
		t.Fatalf("tail 2: %v", err)
	}
	if len(tail) != 2 || tail[0].RunID != "g" || tail[1].RunID != "h" {
		t.Fatalf("tail 2 mismatch: %+v", tail)
	}

	if err := st.DeleteRuns(ctx, "cache"); err != nil {
		t.Fatalf("delete runs: %v", err)
	}
	runs, err = st.TailRuns(ctx, "cache", 0)
	if err != nil || len(runs) != 0 {
		t.Fatalf("after delete runs: %d err %v", len(runs), err)
	}
}

func TestFileStoreRunDetailsRoundTrip(t *testing.T) {
	st := newFileStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := RunRecord{
		RunID:       "d1",
		Status:      StatusSuccess,
		StartedAt:   base,
		CompletedAt: base.Add(time.Second),
		Attempts:    1,
		Details:     `{"added":3,"skipped":1}`,
	}
	if err := st.AppendRun(ctx, "mirror-1", rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	runs, err := st.TailRuns(ctx, "mirror-1", 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(runs) != 1 || runs[0].Details != rec.Details {
		t.Fatalf("details mismatch: %+v", runs)
	}
}

func TestFileStoreTailEmptyID(t *testing.T) {
	st := newFileStore(t)
	runs, err := st.TailRuns(context.Background(), "nope", 3)
	if err != nil {
		t.Fatalf("tail unknown id: %v", err)
	}
	if runs == nil || len(runs) != 0 {
		t.Fatalf("expected empty slice, got %v", runs)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := st.SaveState(ctx, "s", json.RawMessage(`{"n":1}`)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", filepath.Join(dir, e.Name()))
		}
	}
}

func TestFileStoreIgnoresStaleTempFile(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	want := json.RawMessage(`{"cursor":"ok"}`)
	if err := st.SaveState(ctx, "s", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A crash between write and rename leaves a temp file behind. Reads
	// must keep serving the last renamed blob.
	stale := filepath.Join(dir, "s.12345.tmp")
	if err := os.WriteFile(stale, []byte(`{"cursor":"torn`), 0o600); err != nil {
		t.Fatalf("write stale temp: %v", err)
	}
	got, err := st.LoadState(ctx, "s")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func TestFileStoreClosed(t *testing.T) {
	st := newFileStore(t)
	_ = st.Close()
	if err := st.SaveState(context.Background(), "x", json.RawMessage(`{}`)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
