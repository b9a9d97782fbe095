package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/mbocsi/statusync/metrics"
	"github.com/mbocsi/statusync/proto"
)

// Message is one MESSAGE frame routed to a topic subscriber.
type Message struct {
	Topic        string
	ID           string
	Subscription string
	ContentType  string
	Body         []byte
}

func messageFrom(f *frame.Frame) Message {
	return Message{
		Topic:        f.Header.Get(proto.HdrDestination),
		ID:           f.Header.Get(proto.HdrMessageID),
		Subscription: f.Header.Get(proto.HdrSubscription),
		ContentType:  f.Header.Get(proto.HdrContentType),
		Body:         f.Body,
	}
}

type topicEntry struct {
	name  string
	id    string
	bound *Conn
	subs  map[*Subscription]struct{}
}

// Multiplexer shares one wire subscription per topic among any number of local
// subscribers. Topics are reference counted: the first Watch sends SUBSCRIBE,
// the last Close sends UNSUBSCRIBE.
type Multiplexer struct {
	mgr *Manager
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	topics        map[string]*topicEntry
	conn          *Conn
	resubscribing bool
}

func NewMultiplexer(mgr *Manager) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		mgr:    mgr,
		log:    mgr.log.With("component", "multiplexer"),
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*topicEntry),
	}
}

// Watch attaches a new subscriber to topic, connecting first if needed.
func (x *Multiplexer) Watch(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	conn, err := x.mgr.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", topic, err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if err := x.attach(conn); err != nil {
		return nil, fmt.Errorf("watch %s: %w", topic, err)
	}

	t, ok := x.topics[topic]
	if !ok {
		t = &topicEntry{name: topic, subs: make(map[*Subscription]struct{})}
		x.topics[topic] = t
		metrics.ActiveTopics.Inc()
	}

	if t.bound != conn {
		if err := x.subscribe(conn, t); err != nil {
			if len(t.subs) == 0 {
				delete(x.topics, topic)
				metrics.ActiveTopics.Dec()
			}
			return nil, fmt.Errorf("watch %s: %w", topic, err)
		}
	}

	sub := newSubscription(x, topic)
	t.subs[sub] = struct{}{}
	x.log.Debug("Subscriber attached", "topic", topic, "subscribers", len(t.subs))
	return sub, nil
}

// attach starts the pump for conn the first time it is seen. Must hold mu.
func (x *Multiplexer) attach(conn *Conn) error {
	if x.conn == conn {
		return nil
	}
	if err := conn.Err(); err != nil {
		return err
	}
	x.conn = conn
	go x.pump(conn)
	return nil
}

// subscribe sends SUBSCRIBE for t on conn. Must hold mu.
func (x *Multiplexer) subscribe(conn *Conn, t *topicEntry) error {
	id := uuid.NewString()
	f := frame.New(proto.CmdSubscribe,
		proto.HdrID, id,
		proto.HdrDestination, t.name,
	)
	if err := conn.Send(f); err != nil {
		return err
	}
	t.id = id
	t.bound = conn
	x.log.Debug("Subscribed", "topic", t.name, "id", id)
	return nil
}

// pump fans inbound frames out to subscribers in arrival order.
func (x *Multiplexer) pump(conn *Conn) {
	for f := range conn.Frames() {
		msg := messageFrom(f)

		x.mu.Lock()
		var targets []*Subscription
		if t, ok := x.topics[msg.Topic]; ok && t.bound == conn {
			if msg.Subscription == "" || msg.Subscription == t.id {
				targets = make([]*Subscription, 0, len(t.subs))
				for s := range t.subs {
					targets = append(targets, s)
				}
			}
		}
		x.mu.Unlock()

		if targets == nil {
			x.log.Debug("Dropping message for unknown topic", "topic", msg.Topic)
			continue
		}
		for _, s := range targets {
			s.deliver(msg)
		}
	}

	x.dropped(conn)
}

func (x *Multiplexer) dropped(conn *Conn) {
	err := conn.Err()
	if err == nil {
		err = ErrNotConnected
	}

	x.mu.Lock()
	if x.conn == conn {
		x.conn = nil
	}
	var affected []*Subscription
	for _, t := range x.topics {
		if t.bound != conn {
			continue
		}
		t.bound = nil
		t.id = ""
		for s := range t.subs {
			affected = append(affected, s)
		}
	}
	start := len(affected) > 0 && !x.resubscribing && x.ctx.Err() == nil
	if start {
		x.resubscribing = true
	}
	x.mu.Unlock()

	for _, s := range affected {
		s.fail(err)
	}

	if len(affected) > 0 {
		x.log.Warn("Connection lost with active topics", "error", err, "subscribers", len(affected))
	}
	if start {
		go x.resubscribe()
	}
}

func (x *Multiplexer) hasSubscribers() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, t := range x.topics {
		if len(t.subs) > 0 {
			return true
		}
	}
	return false
}

func (x *Multiplexer) failAll(err error) {
	x.mu.Lock()
	var all []*Subscription
	for _, t := range x.topics {
		for s := range t.subs {
			all = append(all, s)
		}
	}
	x.mu.Unlock()
	for _, s := range all {
		s.fail(err)
	}
}

// resubscribe reconnects on behalf of the topics that are still watched and
// sends one SUBSCRIBE for each of them on the new connection.
func (x *Multiplexer) resubscribe() {
	defer func() {
		x.mu.Lock()
		x.resubscribing = false
		x.mu.Unlock()
	}()

	for x.hasSubscribers() {
		conn, err := x.mgr.Connect(x.ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || x.ctx.Err() != nil {
				return
			}
			x.failAll(err)
			if IsConnectRejected(err) {
				x.log.Error("Reconnect rejected, giving up", "error", err)
				return
			}
			continue
		}

		x.mu.Lock()
		if err := x.attach(conn); err != nil {
			x.mu.Unlock()
			continue
		}
		count := 0
		for _, t := range x.topics {
			if len(t.subs) == 0 || t.bound == conn {
				continue
			}
			if err := x.subscribe(conn, t); err != nil {
				x.log.Warn("Re-subscribe failed", "topic", t.name, "error", err)
				break
			}
			count++
		}
		x.mu.Unlock()

		x.log.Info("Re-subscribed after reconnect", "topics", count, "session", conn.Session())
		return
	}
}

func (x *Multiplexer) release(s *Subscription) {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, ok := x.topics[s.topic]
	if !ok {
		return
	}
	if _, ok := t.subs[s]; !ok {
		return
	}
	delete(t.subs, s)
	if len(t.subs) > 0 {
		return
	}

	delete(x.topics, s.topic)
	metrics.ActiveTopics.Dec()

	if t.bound == nil || t.bound.Err() != nil {
		return
	}
	if err := t.bound.Send(frame.New(proto.CmdUnsubscribe, proto.HdrID, t.id)); err != nil {
		x.log.Warn("UNSUBSCRIBE failed", "topic", t.name, "error", err)
		return
	}
	x.log.Debug("Unsubscribed", "topic", t.name, "id", t.id)
}

// Topics lists the topics that currently have subscribers.
func (x *Multiplexer) Topics() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	names := make([]string, 0, len(x.topics))
	for name := range x.topics {
		names = append(names, name)
	}
	return names
}

// Close detaches every subscriber. The Manager is left open.
func (x *Multiplexer) Close() {
	x.cancel()

	x.mu.Lock()
	var all []*Subscription
	for _, t := range x.topics {
		for s := range t.subs {
			all = append(all, s)
		}
	}
	x.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

// Subscription is one local consumer of a topic.
type Subscription struct {
	topic string
	mux   *Multiplexer

	c    chan Message
	errs chan error
	done chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newSubscription(x *Multiplexer, topic string) *Subscription {
	return &Subscription{
		topic: topic,
		mux:   x,
		c:     make(chan Message, 16),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
}

func (s *Subscription) Topic() string {
	return s.topic
}

// C delivers messages in broker order. It is closed by Close.
func (s *Subscription) C() <-chan Message {
	return s.c
}

// Errors reports transport failures. A value here means messages may have
// been missed; the subscription itself stays attached and resumes after
// reconnect.
func (s *Subscription) Errors() <-chan error {
	return s.errs
}

func (s *Subscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.c <- msg:
	case <-s.done:
	}
}

func (s *Subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.c)
		s.mu.Unlock()
		s.mux.release(s)
	})
}
