package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/mbocsi/statusync/metrics"
	"github.com/mbocsi/statusync/proto"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Config describes how a Manager reaches its broker. It is copied by
// NewManager and never changes afterwards.
type Config struct {
	EndpointURL string

	// ReconnectDelay is the minimum time between a drop and the next dial.
	ReconnectDelay time.Duration
	// MaxReconnectDelay enables exponential growth of the delay up to this cap.
	MaxReconnectDelay time.Duration
	ConnectTimeout    time.Duration

	Tokens       TokenSource
	NewTransport TransportFactory
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.NewTransport == nil {
		c.NewTransport = NewDefaultTransport
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) reconnectPolicy() backoff.BackOff {
	if c.MaxReconnectDelay <= c.ReconnectDelay {
		return backoff.NewConstantBackOff(c.ReconnectDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.ReconnectDelay
	b.MaxInterval = c.MaxReconnectDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Manager owns at most one broker connection. It dials lazily: nothing happens
// until Connect is called, and after a drop the next Connect redials once the
// reconnect delay has passed.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	group  singleflight.Group
	policy backoff.BackOff

	mu        sync.Mutex
	conn      *Conn
	state     State
	droppedAt time.Time
	delay     time.Duration
	everUp    bool
	closed    bool
	done      chan struct{}

	watchers    map[int]chan StateChange
	nextWatcher int
}

func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "connection"),
		policy:   cfg.reconnectPolicy(),
		state:    Disconnected,
		done:     make(chan struct{}),
		watchers: make(map[int]chan StateChange),
	}
	metrics.SetState(Disconnected.String(), allStateNames()...)
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watch subscribes to state changes. The channel is closed by cancel or by Close.
// Slow watchers miss intermediate changes rather than stall the manager.
func (m *Manager) Watch() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if w, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(w)
			}
		})
	}
}

// setState must be called with mu held.
func (m *Manager) setState(to State, err error) {
	from := m.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		m.log.Error("Rejected state change", "error", &InvalidTransitionError{From: from, To: to})
		return
	}
	m.state = to
	metrics.SetState(to.String(), allStateNames()...)

	args := []any{"from", from.String(), "to", to.String()}
	if err != nil {
		args = append(args, "error", err)
	}
	m.log.Info("Connection state changed", args...)

	change := StateChange{From: from, To: to, Err: err, Timestamp: time.Now()}
	for _, w := range m.watchers {
		select {
		case w <- change:
		default:
		}
	}
}

// Connect returns the live connection, dialing if there is none. Concurrent
// callers share one dial and receive the same *Conn. ctx bounds only the wait
// of this caller; the dial itself is bounded by ConnectTimeout.
func (m *Manager) Connect(ctx context.Context) (*Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if c := m.current(); c != nil {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("connect", func() (any, error) {
		return m.dial()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) dial() (*Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if c := m.current(); c != nil {
		m.mu.Unlock()
		return c, nil
	}

	var wait time.Duration
	if !m.droppedAt.IsZero() {
		wait = time.Until(m.droppedAt.Add(m.delay))
	}
	if wait > 0 {
		m.setState(Reconnecting, nil)
	}
	m.mu.Unlock()

	if wait > 0 {
		m.log.Debug("Waiting before reconnect", "delay", wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-m.done:
			timer.Stop()
			return nil, ErrClosed
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.setState(Connecting, nil)
	m.mu.Unlock()

	conn, err := m.handshake()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil && m.closed {
		conn.close()
		err = ErrClosed
	}
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues(connectResult(err)).Inc()
		if !IsConnectRejected(err) && !errors.Is(err, ErrClosed) {
			m.markDropped()
		}
		m.setState(Disconnected, err)
		return nil, err
	}

	metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	if m.everUp {
		metrics.Reconnects.Inc()
	}
	m.everUp = true
	m.policy.Reset()
	m.droppedAt = time.Time{}
	m.conn = conn
	m.setState(Connected, nil)
	go m.watchConn(conn)
	return conn, nil
}

func connectResult(err error) string {
	switch {
	case IsConnectRejected(err):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// markDropped must be called with mu held.
func (m *Manager) markDropped() {
	m.droppedAt = time.Now()
	m.delay = m.policy.NextBackOff()
	if m.delay == backoff.Stop {
		m.delay = m.cfg.ReconnectDelay
	}
}

func (m *Manager) handshake() (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	token, err := resolveToken(ctx, m.cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	t := m.cfg.NewTransport()
	if err := t.Connect(ctx, m.cfg.EndpointURL); err != nil {
		return nil, err
	}

	connect := frame.New(proto.CmdConnect,
		proto.HdrAcceptVersion, proto.Version,
		proto.HdrHost, hostOf(m.cfg.EndpointURL),
		proto.HdrHeartBeat, "0,0",
	)
	if token != "" {
		connect.Header.Add(proto.HdrAuthorization, bearer(token))
	}

	if err := t.Send(connect); err != nil {
		t.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}
	metrics.FramesOut.WithLabelValues(proto.CmdConnect).Inc()

	reply, err := awaitReply(ctx, t)
	if err != nil {
		t.Close()
		return nil, err
	}
	metrics.FramesIn.WithLabelValues(reply.Command).Inc()

	switch reply.Command {
	case proto.CmdConnected:
		conn := newConn(t, reply, m.log)
		m.log.Debug("CONNECT acknowledged", "session", conn.Session(), "version", reply.Header.Get(proto.HdrVersion))
		return conn, nil
	case proto.CmdError:
		t.Close()
		return nil, &ConnectError{Message: reply.Header.Get(proto.HdrMessage), Detail: string(reply.Body)}
	default:
		t.Close()
		return nil, fmt.Errorf("unexpected %s frame in reply to CONNECT", reply.Command)
	}
}

// awaitReply reads the first frame after CONNECT. The transport is closed if
// ctx ends first so the pending Read returns.
func awaitReply(ctx context.Context, t Transport) (*frame.Frame, error) {
	type result struct {
		f   *frame.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := t.Read()
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("await CONNECTED: %w", r.err)
		}
		return r.f, nil
	case <-ctx.Done():
		t.Close()
		return nil, fmt.Errorf("await CONNECTED: %w", ctx.Err())
	}
}

func (m *Manager) watchConn(c *Conn) {
	<-c.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.forget(c)
}

// current returns the cached connection if it is still live. Must hold mu.
func (m *Manager) current() *Conn {
	c := m.conn
	if c == nil {
		return nil
	}
	if c.Err() != nil {
		m.forget(c)
		return nil
	}
	return c
}

// forget discards a dead connection. Must hold mu.
func (m *Manager) forget(c *Conn) {
	if m.conn != c {
		return
	}
	m.conn = nil
	if m.closed {
		return
	}
	m.markDropped()
	m.setState(Disconnected, c.Err())
}

// Close disconnects and stops the manager for good.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	conn := m.conn
	m.conn = nil
	m.setState(Disconnected, ErrClosed)
	for id, w := range m.watchers {
		close(w)
		delete(m.watchers, id)
	}
	m.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	return nil
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return "/"
	}
	return u.Hostname()
}
