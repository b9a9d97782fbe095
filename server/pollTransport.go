package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/mbocsi/statusync/proto"
)

const (
	DefaultPollWindow  = 25 * time.Second
	DefaultPollIdleTTL = 60 * time.Second
)

var errSessionClosed = errors.New("session closed")

// PollSession queues outbound frames until the client's next GET.
type PollSession struct {
	SessionMetadata

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	notify chan struct{}
}

func newPollSession(remoteAddr string) *PollSession {
	return &PollSession{
		SessionMetadata: SessionMetadata{
			Id:         generateSessionId("poll"),
			RemoteAddr: remoteAddr,
			Transport:  "long-poll",
		},
		notify: make(chan struct{}, 1),
	}
}

func (s *PollSession) Send(f *frame.Frame) error {
	data, err := proto.Encode(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	s.wake()
	slog.Debug("Queued long-poll frame", "to", s.Id, "frame", proto.Describe(f), "size", len(data))
	return nil
}

// Close stops accepting frames. Frames already queued are still delivered.
func (s *PollSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *PollSession) Meta() *SessionMetadata {
	return &s.SessionMetadata
}

func (s *PollSession) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain takes every queued frame. finished is true when the session is closed
// and nothing is left to deliver.
func (s *PollSession) drain() (data []byte, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		data = bytes.Join(s.queue, nil)
		s.queue = nil
	}
	return data, s.closed && data == nil
}

// PollTransport serves STOMP over plain HTTP for clients that cannot open a
// websocket.
type PollTransport struct {
	onFrame      func(Session, *frame.Frame)
	onConnect    func(Session) error
	onDisconnect func(Session)

	Window  time.Duration
	IdleTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*PollSession
}

func NewPollTransport() *PollTransport {
	return &PollTransport{
		Window:   DefaultPollWindow,
		IdleTTL:  DefaultPollIdleTTL,
		sessions: make(map[string]*PollSession),
	}
}

// Routes mounts the long-poll endpoints below the messaging endpoint.
func (t *PollTransport) Routes(r chi.Router) {
	r.Post("/poll", t.open)
	r.Post("/poll/{id}", t.send)
	r.Get("/poll/{id}", t.receive)
	r.Delete("/poll/{id}", t.close)
}

func (t *PollTransport) lookup(r *http.Request) (*PollSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[chi.URLParam(r, "id")]
	return s, ok
}

func (t *PollTransport) open(w http.ResponseWriter, r *http.Request) {
	s := newPollSession(r.RemoteAddr)
	if err := t.onConnect(s); err != nil {
		slog.Error("Failed to register long-poll session", "addr", r.RemoteAddr, "error", err.Error())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	t.mu.Lock()
	t.sessions[s.Id] = s
	t.mu.Unlock()

	slog.Info("Long-poll session opened", "addr", r.RemoteAddr, "id", s.Id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"session": s.Id})
}

func (t *PollTransport) send(w http.ResponseWriter, r *http.Request) {
	s, ok := t.lookup(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	frames, err := proto.DecodeAll(body)
	if err != nil {
		slog.Warn("Invalid frame received", "error", err, "session", s.Id)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, f := range frames {
		slog.Debug("Long-poll frame received", "frame", proto.Describe(f), "session", s.Id, "size", len(f.Body))
		t.onFrame(s, f)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *PollTransport) receive(w http.ResponseWriter, r *http.Request) {
	s, ok := t.lookup(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	s.Mu.Lock()
	s.LastSeen = time.Now()
	s.Mu.Unlock()

	timer := time.NewTimer(t.Window)
	defer timer.Stop()

	for {
		data, finished := s.drain()
		if data != nil {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		if finished {
			t.remove(s)
			http.Error(w, "session closed", http.StatusGone)
			return
		}

		select {
		case <-s.notify:
		case <-timer.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (t *PollTransport) close(w http.ResponseWriter, r *http.Request) {
	s, ok := t.lookup(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.Close()
	t.remove(s)
	w.WriteHeader(http.StatusNoContent)
}

func (t *PollTransport) remove(s *PollSession) {
	t.mu.Lock()
	_, ok := t.sessions[s.Id]
	delete(t.sessions, s.Id)
	t.mu.Unlock()

	if ok {
		t.onDisconnect(s)
		slog.Info("Long-poll session closed", "id", s.Id)
	}
}

// Run reaps sessions whose client stopped polling.
func (t *PollTransport) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.reap(time.Now())
		}
	}
}

func (t *PollTransport) reap(now time.Time) {
	t.mu.RLock()
	var stale []*PollSession
	for _, s := range t.sessions {
		s.Mu.RLock()
		idle := now.Sub(s.LastSeen)
		s.Mu.RUnlock()
		if idle > t.IdleTTL {
			stale = append(stale, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range stale {
		slog.Info("Reaping idle long-poll session", "id", s.Id)
		s.Close()
		t.remove(s)
	}
}

func (t *PollTransport) OnFrame(fn func(Session, *frame.Frame)) {
	t.onFrame = fn
}

func (t *PollTransport) OnConnect(fn func(Session) error) {
	t.onConnect = fn
}

func (t *PollTransport) OnDisconnect(fn func(Session)) {
	t.onDisconnect = fn
}

func (t *PollTransport) Meta() TransportMetadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TransportMetadata{
		Name:     "long-poll",
		Protocol: "http",
		Sessions: len(t.sessions),
	}
}
