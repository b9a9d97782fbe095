package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/statusync/proto"
)

// WebSocketTransport sends one STOMP frame per websocket text message.
type WebSocketTransport struct {
	conn   *websocket.Conn
	dialer *websocket.Dialer
	once   sync.Once
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{dialer: websocket.DefaultDialer}
}

// wsURL maps http(s) endpoints onto ws(s).
func wsURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid WebSocket URL: %w", err)
	}

	switch u.Scheme {
	case "", "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (t *WebSocketTransport) Connect(ctx context.Context, addr string) error {
	target, err := wsURL(addr)
	if err != nil {
		return err
	}

	conn, _, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}

	t.conn = conn
	return nil
}

func (t *WebSocketTransport) Send(f *frame.Frame) error {
	if t.conn == nil {
		return ErrNotConnected
	}

	data, err := proto.Encode(f)
	if err != nil {
		return err
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send WebSocket message: %w", err)
	}

	slog.Debug("Sent WebSocket frame", "frame", proto.Describe(f), "size", len(data))
	return nil
}

func (t *WebSocketTransport) Read() (*frame.Frame, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil, fmt.Errorf("WebSocket connection error: %w", err)
			}
			return nil, fmt.Errorf("connection closed: %w", err)
		}

		f, err := proto.Decode(data)
		if err == proto.ErrEmptyFrame {
			continue
		}
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

func (t *WebSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}

	var err error
	t.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if werr != nil {
			slog.Debug("Failed to send close message", "error", werr)
		}
		err = t.conn.Close()
	})
	return err
}
