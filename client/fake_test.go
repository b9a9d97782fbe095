package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/mbocsi/statusync/proto"
)

type sentFrame struct {
	f    *frame.Frame
	at   time.Time
	conn int
}

// fakeBroker hands out in-memory transports and records every frame sent.
type fakeBroker struct {
	mu         sync.Mutex
	transports []*fakeTransport
	sent       []sentFrame

	dialErr error
	reject  string
	hold    chan struct{} // delays CONNECTED until closed
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

func (b *fakeBroker) factory() Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &fakeTransport{
		broker: b,
		index:  len(b.transports),
		in:     make(chan *frame.Frame, 64),
		closed: make(chan struct{}),
		subs:   make(map[string]string),
	}
	b.transports = append(b.transports, t)
	return t
}

func (b *fakeBroker) manager(delay time.Duration) *Manager {
	return NewManager(Config{
		EndpointURL:    "ws://broker.test/ws",
		ReconnectDelay: delay,
		ConnectTimeout: 2 * time.Second,
		NewTransport:   b.factory,
	})
}

func (b *fakeBroker) record(t *fakeTransport, f *frame.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentFrame{f: f, at: time.Now(), conn: t.index})
}

func (b *fakeBroker) frames(command string) []sentFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentFrame
	for _, s := range b.sent {
		if s.f.Command == command {
			out = append(out, s)
		}
	}
	return out
}

func (b *fakeBroker) count(command string) int {
	return len(b.frames(command))
}

func (b *fakeBroker) latest() *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transports) == 0 {
		return nil
	}
	return b.transports[len(b.transports)-1]
}

type fakeTransport struct {
	broker *fakeBroker
	index  int
	in     chan *frame.Frame
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	err  error
	subs map[string]string
}

func (t *fakeTransport) Connect(ctx context.Context, addr string) error {
	if t.broker.dialErr != nil {
		return t.broker.dialErr
	}
	return nil
}

func (t *fakeTransport) Send(f *frame.Frame) error {
	select {
	case <-t.closed:
		return errors.New("use of closed transport")
	default:
	}
	t.broker.record(t, f)

	switch f.Command {
	case proto.CmdConnect:
		go t.acknowledge()
	case proto.CmdSubscribe:
		t.mu.Lock()
		t.subs[f.Header.Get(proto.HdrDestination)] = f.Header.Get(proto.HdrID)
		t.mu.Unlock()
	}
	return nil
}

func (t *fakeTransport) acknowledge() {
	if hold := t.broker.hold; hold != nil {
		<-hold
	}
	if msg := t.broker.reject; msg != "" {
		t.in <- frame.New(proto.CmdError, proto.HdrMessage, msg)
		return
	}
	t.in <- frame.New(proto.CmdConnected,
		proto.HdrVersion, proto.Version,
		proto.HdrSession, fmt.Sprintf("session-%d", t.index),
	)
}

func (t *fakeTransport) Read() (*frame.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.err != nil {
			return nil, t.err
		}
		return nil, io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// drop simulates the network going away.
func (t *fakeTransport) drop() {
	t.mu.Lock()
	t.err = errors.New("connection reset by peer")
	t.mu.Unlock()
	t.Close()
}

func (t *fakeTransport) push(topic, body string) {
	t.mu.Lock()
	id := t.subs[topic]
	t.mu.Unlock()
	f := frame.New(proto.CmdMessage,
		proto.HdrDestination, topic,
		proto.HdrSubscription, id,
		proto.HdrMessageID, fmt.Sprintf("m-%d", time.Now().UnixNano()),
		proto.HdrContentType, proto.ContentJSON,
	)
	f.Body = []byte(body)
	t.in <- f
}
