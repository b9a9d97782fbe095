package server

import (
	"log/slog"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/mbocsi/statusync/proto"
)

type subscriber struct {
	session Session
	id      string
}

type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[subscriber]struct{} // Map topic to hashset of subscribers
	byId map[Session]map[string]string      // session -> subscription id -> topic
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[subscriber]struct{}),
		byId: make(map[Session]map[string]string),
	}
}

func (b *Broker) Subscribe(topic, id string, s Session) {
	slog.Debug("Subscribing", "topic", topic, "subscription", id, "session", s.Meta().Id)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[subscriber]struct{})
	}
	b.subs[topic][subscriber{session: s, id: id}] = struct{}{}

	if b.byId[s] == nil {
		b.byId[s] = make(map[string]string)
	}
	b.byId[s][id] = topic
}

// Publish delivers body to every subscriber of topic and returns how many
// sessions accepted it.
func (b *Broker) Publish(topic string, body []byte, contentType string) int {
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	sentCount := 0
	for _, sub := range targets {
		msg := frame.New(proto.CmdMessage,
			proto.HdrDestination, topic,
			proto.HdrSubscription, sub.id,
			proto.HdrMessageID, uuid.NewString(),
			proto.HdrContentType, contentType,
		)
		msg.Body = body
		if err := sub.session.Send(msg); err != nil {
			slog.Warn("There was an error publishing a message to a subscriber", "topic", topic, "session", sub.session.Meta().Id, "error", err.Error())
			continue
		}
		sentCount++
	}
	slog.Debug("Message published",
		"topic", topic,
		"subscribers", sentCount,
		"size", len(body),
	)
	return sentCount
}

func (b *Broker) Unsubscribe(id string, s Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.byId[s][id]
	if !ok {
		slog.Warn("Did not find subscription to unsubscribe", "subscription", id, "session", s.Meta().Id)
		return
	}
	slog.Debug("Unsubscribing", "topic", topic, "subscription", id, "session", s.Meta().Id)
	b.remove(topic, id, s)
}

// UnsubscribeAll drops every subscription held by s.
func (b *Broker) UnsubscribeAll(s Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, topic := range b.byId[s] {
		b.remove(topic, id, s)
	}
}

// remove must be called with mu held.
func (b *Broker) remove(topic, id string, s Session) {
	delete(b.byId[s], id)
	if len(b.byId[s]) == 0 {
		delete(b.byId, s)
	}
	if subs, ok := b.subs[topic]; ok {
		delete(subs, subscriber{session: s, id: id})
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Subscribers counts the wire subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	return topics
}
