package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/statusync/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// WSTransport serves STOMP over websocket, one frame per text message.
type WSTransport struct {
	onFrame      func(Session, *frame.Frame)
	onConnect    func(Session) error
	onDisconnect func(Session)

	sessions map[string]*WSSession
	smu      sync.RWMutex

	maxSessions int
}

func NewWSTransport() *WSTransport {
	return &WSTransport{
		maxSessions: 256,
		sessions:    make(map[string]*WSSession),
	}
}

func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.smu.RLock()
	count := len(t.sessions)
	t.smu.RUnlock()

	if count >= t.maxSessions {
		slog.Warn("Max sessions reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	go t.handleConnection(conn, r.RemoteAddr)
}

func (t *WSTransport) handleConnection(conn *websocket.Conn, remoteAddr string) {
	slog.Info("WebSocket session opened", "addr", remoteAddr)

	session := NewWSSession(conn, remoteAddr)

	defer func() {
		t.smu.Lock()
		delete(t.sessions, session.Id)
		t.smu.Unlock()

		t.onDisconnect(session)

		session.Close()
		slog.Info("WebSocket session closed", "addr", remoteAddr, "id", session.Id)
	}()

	if err := t.onConnect(session); err != nil {
		slog.Error("Failed to register WebSocket session", "addr", remoteAddr, "error", err.Error())
		return
	}

	t.smu.Lock()
	t.sessions[session.Id] = session
	t.smu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			break
		}

		frames, err := proto.DecodeAll(data)
		if err != nil {
			slog.Warn("Invalid frame received", "error", err, "session", session.Id)
			continue
		}
		for _, f := range frames {
			slog.Debug("WebSocket frame received", "frame", proto.Describe(f), "session", session.Id, "size", len(f.Body))
			t.onFrame(session, f)
		}
	}
}

func (t *WSTransport) OnFrame(fn func(Session, *frame.Frame)) {
	t.onFrame = fn
}

func (t *WSTransport) OnConnect(fn func(Session) error) {
	t.onConnect = fn
}

func (t *WSTransport) OnDisconnect(fn func(Session)) {
	t.onDisconnect = fn
}

func (t *WSTransport) SetMaxSessions(n int) {
	t.maxSessions = n
}

// CloseAll drops every open websocket session.
func (t *WSTransport) CloseAll() {
	t.smu.RLock()
	sessions := make([]*WSSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.smu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (t *WSTransport) Meta() TransportMetadata {
	t.smu.RLock()
	defer t.smu.RUnlock()
	return TransportMetadata{
		Name:     "websocket",
		Protocol: "websocket",
		Sessions: len(t.sessions),
	}
}
