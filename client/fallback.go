package client

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-stomp/stomp/v3/frame"
)

// FallbackTransport prefers a websocket and drops to long-polling only when the
// websocket dial itself fails. Failures after a successful dial are not retried
// on the other transport.
type FallbackTransport struct {
	Primary   Transport
	Secondary Transport

	active Transport
}

func NewFallbackTransport() *FallbackTransport {
	return &FallbackTransport{
		Primary:   NewWebSocketTransport(),
		Secondary: NewLongPollTransport(),
	}
}

// NewDefaultTransport is the TransportFactory used when none is configured.
func NewDefaultTransport() Transport {
	return NewFallbackTransport()
}

func (t *FallbackTransport) Connect(ctx context.Context, addr string) error {
	err := t.Primary.Connect(ctx, addr)
	if err == nil {
		t.active = t.Primary
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	slog.Warn("WebSocket dial failed, falling back to long-polling", "endpoint", addr, "error", err)
	if ferr := t.Secondary.Connect(ctx, addr); ferr != nil {
		return errors.Join(err, ferr)
	}
	t.active = t.Secondary
	return nil
}

// Active reports which transport carried the connection, or nil before Connect.
func (t *FallbackTransport) Active() Transport {
	return t.active
}

func (t *FallbackTransport) Send(f *frame.Frame) error {
	if t.active == nil {
		return ErrNotConnected
	}
	return t.active.Send(f)
}

func (t *FallbackTransport) Read() (*frame.Frame, error) {
	if t.active == nil {
		return nil, ErrNotConnected
	}
	return t.active.Read()
}

func (t *FallbackTransport) Close() error {
	if t.active == nil {
		return nil
	}
	return t.active.Close()
}
