package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/eventbus"
	"spotifreak/internal/supervisor"
)

const connTimeout = 10 * time.Second

// eventTailCap bounds how many run lifecycle events the server retains for
// the events command.
const eventTailCap = 100

// Server answers control requests on a unix socket, dispatching to the
// supervisor. One request/response pair per connection. It also tails the
// supervisor's event bus so clients can ask for recent run activity.
type Server struct {
	path string
	sup  *supervisor.Supervisor
	log  logx.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup

	evmu   sync.Mutex
	events []Event
}

func NewServer(path string, sup *supervisor.Supervisor, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{path: path, sup: sup, log: log}
}

// Serve listens until the context is cancelled. A stale socket file from a
// previous unclean shutdown is removed before binding.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ipc: %w", err)
	}
	if err := removeStaleSocket(s.path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("ipc listening", logx.String("socket", s.path))

	evch, unsub := s.sup.Bus().Subscribe(32)
	defer unsub()
	s.wg.Add(1)
	go s.tailEvents(evch)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Close the event subscription first so tailEvents can drain
			// and exit before the WaitGroup is awaited.
			unsub()
			s.wg.Wait()
			os.Remove(s.path)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ipc accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// removeStaleSocket deletes a leftover socket file only when nothing is
// listening on it, so a second daemon fails to start instead of stealing
// the first one's socket.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("ipc: socket %s is already in use", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("ipc: %w", err)
	}
	return nil
}

// tailEvents keeps a bounded ring of run lifecycle events received from the
// supervisor's bus. It runs until the subscription is closed.
func (s *Server) tailEvents(ch <-chan eventbus.Event) {
	defer s.wg.Done()
	for ev := range ch {
		re, ok := ev.Data.(eventbus.RunEvent)
		if !ok {
			continue
		}
		e := Event{
			Type:     ev.Type,
			Time:     ev.Time,
			SyncID:   re.SyncID,
			RunID:    re.RunID,
			Attempts: re.Attempts,
			Error:    re.Error,
		}
		if re.Duration > 0 {
			e.Duration = re.Duration.String()
		}
		s.evmu.Lock()
		s.events = append(s.events, e)
		if len(s.events) > eventTailCap {
			s.events = s.events[len(s.events)-eventTailCap:]
		}
		s.evmu.Unlock()
	}
}

// recentEvents returns up to limit of the newest retained events, oldest
// first, optionally filtered to one sync id.
func (s *Server) recentEvents(syncID string, limit int) []Event {
	if limit <= 0 {
		limit = DefaultEventsLimit
	}
	s.evmu.Lock()
	defer s.evmu.Unlock()

	out := make([]Event, 0, limit)
	for _, e := range s.events {
		if syncID != "" && e.SyncID != syncID {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Warn("bad ipc request", logx.Err(err))
		writeResponse(conn, Response{Status: "error", Message: "malformed request"})
		return
	}
	writeResponse(conn, s.dispatch(ctx, req))
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case CommandStatus:
		st := s.sup.Status()
		return Response{Status: st.Status, Jobs: st.Jobs}
	case CommandStart, CommandPause, CommandResume, CommandDelete:
		msg, err := s.sup.Command(ctx, req.SyncID, supervisor.Op(req.Command))
		if err != nil {
			return Response{Status: "error", Message: err.Error()}
		}
		return Response{Status: "ok", Message: msg}
	case CommandHistory:
		limit := req.Limit
		if limit <= 0 {
			limit = DefaultHistoryLimit
		}
		recs, err := s.sup.History(ctx, req.SyncID, limit)
		if err != nil {
			return Response{Status: "error", Message: err.Error()}
		}
		runs := make([]Run, len(recs))
		for i, rec := range recs {
			runs[i] = runFromRecord(rec)
		}
		return Response{Status: "ok", Runs: runs}
	case CommandEvents:
		return Response{Status: "ok", Events: s.recentEvents(req.SyncID, req.Limit)}
	default:
		return Response{Status: "error", Message: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func writeResponse(conn net.Conn, resp Response) {
	_ = json.NewEncoder(conn).Encode(resp)
}
