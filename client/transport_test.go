package client

import (
	"context"
	"errors"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointSchemes(t *testing.T) {
	tests := []struct {
		in     string
		ws     string
		http   string
		hasErr bool
	}{
		{in: "http://localhost:8080/ws", ws: "ws://localhost:8080/ws", http: "http://localhost:8080/ws"},
		{in: "https://example.com/ws/", ws: "wss://example.com/ws/", http: "https://example.com/ws"},
		{in: "ws://localhost/ws", ws: "ws://localhost/ws", http: "http://localhost/ws"},
		{in: "wss://example.com/ws", ws: "wss://example.com/ws", http: "https://example.com/ws"},
		{in: "ftp://example.com", hasErr: true},
	}

	for _, tt := range tests {
		ws, err := wsURL(tt.in)
		if tt.hasErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.ws, ws)

		h, err := httpURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.http, h)
	}
}

type stubTransport struct {
	connectErr error
	connected  bool
}

func (s *stubTransport) Connect(ctx context.Context, addr string) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *stubTransport) Send(f *frame.Frame) error   { return nil }
func (s *stubTransport) Read() (*frame.Frame, error) { return nil, errors.New("eof") }
func (s *stubTransport) Close() error                { return nil }

func TestFallbackOnlyOnDialFailure(t *testing.T) {
	primary := &stubTransport{}
	secondary := &stubTransport{}
	ft := &FallbackTransport{Primary: primary, Secondary: secondary}
	require.NoError(t, ft.Connect(context.Background(), "ws://x"))
	assert.Same(t, primary, ft.Active())
	assert.False(t, secondary.connected)

	primary = &stubTransport{connectErr: errors.New("bad handshake")}
	secondary = &stubTransport{}
	ft = &FallbackTransport{Primary: primary, Secondary: secondary}
	require.NoError(t, ft.Connect(context.Background(), "ws://x"))
	assert.Same(t, secondary, ft.Active())

	ft = &FallbackTransport{
		Primary:   &stubTransport{connectErr: errors.New("bad handshake")},
		Secondary: &stubTransport{connectErr: errors.New("no route")},
	}
	err := ft.Connect(context.Background(), "ws://x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad handshake")
	assert.Contains(t, err.Error(), "no route")
}
