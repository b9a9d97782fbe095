package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/mbocsi/statusync/proto"
)

// LongPollTransport emulates a duplex stream over plain HTTP requests.
// Outbound frames are POSTed; inbound frames are fetched by a blocking GET
// that the server holds open until frames are queued or the poll window ends.
type LongPollTransport struct {
	HTTPClient *http.Client

	base    string
	session string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*frame.Frame
}

func NewLongPollTransport() *LongPollTransport {
	return &LongPollTransport{HTTPClient: &http.Client{Timeout: 40 * time.Second}}
}

// httpURL maps ws(s) endpoints onto http(s).
func httpURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint URL: %w", err)
	}

	switch u.Scheme {
	case "", "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

type pollSession struct {
	Session string `json:"session"`
}

func (t *LongPollTransport) Connect(ctx context.Context, addr string) error {
	base, err := httpURL(addr)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/poll", nil)
	if err != nil {
		return err
	}
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open long-poll session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to open long-poll session: %s", resp.Status)
	}

	var s pollSession
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("invalid long-poll session reply: %w", err)
	}
	if s.Session == "" {
		return errors.New("long-poll session reply carried no session id")
	}

	t.base = base
	t.session = s.Session
	t.ctx, t.cancel = context.WithCancel(context.Background())
	slog.Debug("Opened long-poll session", "endpoint", base, "session", s.Session)
	return nil
}

func (t *LongPollTransport) sessionURL() string {
	return t.base + "/poll/" + url.PathEscape(t.session)
}

func (t *LongPollTransport) Send(f *frame.Frame) error {
	if t.session == "" {
		return ErrNotConnected
	}

	data, err := proto.Encode(f)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.sessionURL(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send long-poll frame: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("failed to send long-poll frame: %s", resp.Status)
	}

	slog.Debug("Sent long-poll frame", "frame", proto.Describe(f), "size", len(data))
	return nil
}

func (t *LongPollTransport) next() *frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	f := t.pending[0]
	t.pending = t.pending[1:]
	return f
}

func (t *LongPollTransport) Read() (*frame.Frame, error) {
	if t.session == "" {
		return nil, ErrNotConnected
	}

	for {
		if f := t.next(); f != nil {
			return f, nil
		}

		frames, err := t.poll()
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		t.pending = append(t.pending, frames...)
		t.mu.Unlock()
	}
}

// poll runs one GET. An idle window (204) yields no frames and no error.
func (t *LongPollTransport) poll() ([]*frame.Frame, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.sessionURL(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection closed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("connection closed: long-poll session %s ended", t.session)
	default:
		return nil, fmt.Errorf("long-poll read failed: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("connection closed: %w", err)
	}
	return proto.DecodeAll(body)
}

func (t *LongPollTransport) Close() error {
	if t.session == "" || t.cancel == nil {
		return nil
	}
	t.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.sessionURL(), nil)
	if err != nil {
		return err
	}
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to close long-poll session: %w", err)
	}
	resp.Body.Close()
	return nil
}
