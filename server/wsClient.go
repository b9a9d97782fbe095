package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/statusync/proto"
)

type WSSession struct {
	SessionMetadata
	conn *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

func NewWSSession(conn *websocket.Conn, remoteAddr string) *WSSession {
	return &WSSession{
		conn: conn,
		SessionMetadata: SessionMetadata{
			Id:         generateSessionId("ws"),
			RemoteAddr: remoteAddr,
			Transport:  "websocket",
		},
	}
}

func (s *WSSession) Send(f *frame.Frame) error {
	data, err := proto.Encode(f)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.wmu.Unlock()
	if err != nil {
		return err
	}

	slog.Debug("Sent WebSocket frame", "to", s.Id, "frame", proto.Describe(f), "size", len(data))
	return nil
}

func (s *WSSession) Close() error {
	var err error
	s.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *WSSession) Meta() *SessionMetadata {
	return &s.SessionMetadata
}
