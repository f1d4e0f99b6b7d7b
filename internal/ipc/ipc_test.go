package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/registry"
	"spotifreak/internal/storage"
	"spotifreak/internal/supervisor"
	"spotifreak/internal/task"
)

type nopBody struct{}

func (nopBody) Run(ctx context.Context, rc *task.Context) (task.Outcome, error) {
	return task.Outcome{}, nil
}

func testDaemon(t *testing.T) (*Client, *supervisor.Supervisor) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	if err := reg.Register(registry.Kind{
		Name:   "noop",
		Schema: `{"type": "object"}`,
		Factory: func(config.SyncConfig) (task.Body, error) { return nopBody{}, nil },
	}); err != nil {
		t.Fatal(err)
	}
	sup := supervisor.New(supervisor.Options{Registry: reg, Store: store})
	err = sup.Apply(&config.Snapshot{Syncs: []config.SyncConfig{{
		ID:       "a",
		Type:     "noop",
		Schedule: config.Schedule{Interval: "1h"},
		Options:  json.RawMessage(`{}`),
	}}})
	if err != nil {
		t.Fatal(err)
	}

	sock := filepath.Join(t.TempDir(), "spotifreak.sock")
	srv := NewServer(sock, sup, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	waitForSocket(t, sock)
	return NewClient(sock), sup
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	client := NewClient(path)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Do(Request{Command: CommandStatus}); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("socket never came up")
}

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()
	client, _ := testDaemon(t)

	resp, err := client.Do(Request{Command: CommandStatus})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok", resp.Status)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != "a" {
		t.Fatalf("jobs = %+v, want the registered sync", resp.Jobs)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	t.Parallel()
	client, _ := testDaemon(t)

	resp, err := client.Do(Request{Command: CommandPause, SyncID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Message != "paused" {
		t.Fatalf("response = %+v", resp)
	}

	resp, err = client.Do(Request{Command: CommandStatus})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Jobs[0].Paused {
		t.Fatal("pause did not reach the supervisor")
	}
}

func TestUnknownSyncIsAnErrorResponse(t *testing.T) {
	t.Parallel()
	client, _ := testDaemon(t)

	resp, err := client.Do(Request{Command: CommandStart, SyncID: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "error" || resp.Message == "" {
		t.Fatalf("response = %+v, want an error with a message", resp)
	}
}

func TestUnknownCommandIsAnErrorResponse(t *testing.T) {
	t.Parallel()
	client, _ := testDaemon(t)

	resp, err := client.Do(Request{Command: "reboot"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "error" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	t.Parallel()
	client, sup := testDaemon(t)

	if _, err := sup.Command(context.Background(), "a", supervisor.OpStart); err != nil {
		t.Fatal(err)
	}
	// The run is asynchronous; poll until its record lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Do(Request{Command: CommandHistory, SyncID: "a", Limit: 5})
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Runs) == 1 {
			if resp.Runs[0].Status != string(storage.StatusSuccess) {
				t.Fatalf("run = %+v, want success", resp.Runs[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("history = %+v, want one run", resp.Runs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventsRoundTrip(t *testing.T) {
	t.Parallel()
	client, sup := testDaemon(t)

	if _, err := sup.Command(context.Background(), "a", supervisor.OpStart); err != nil {
		t.Fatal(err)
	}
	// Events arrive from the bus asynchronously; poll until the run's
	// lifecycle shows up in the tail.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Do(Request{Command: CommandEvents, SyncID: "a"})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != "ok" {
			t.Fatalf("response = %+v", resp)
		}
		types := map[string]bool{}
		for _, e := range resp.Events {
			if e.SyncID != "a" {
				t.Fatalf("event for wrong sync: %+v", e)
			}
			types[e.Type] = true
		}
		if types["run.started"] && types["run.finished"] {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("events = %+v, want started and finished", resp.Events)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
