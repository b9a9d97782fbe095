package client

import (
	"context"

	"github.com/go-stomp/stomp/v3/frame"
)

// Transport carries STOMP frames to and from one broker endpoint.
// Read blocks until a frame arrives and skips heart-beats. Send may be called
// concurrently with Read but not with itself.
type Transport interface {
	Connect(ctx context.Context, addr string) error
	Send(f *frame.Frame) error
	Read() (*frame.Frame, error)
	Close() error
}

// TransportFactory returns a fresh, unconnected transport for every dial.
type TransportFactory func() Transport
