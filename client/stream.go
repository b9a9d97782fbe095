package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mbocsi/statusync/metrics"
	"github.com/mbocsi/statusync/proto"
)

// Decoder turns a message body into a typed value. A non-nil error drops the
// message.
type Decoder[T any] func(body []byte) (T, error)

// JSONDecoder parses the body as JSON and, when validate is set, checks it.
func JSONDecoder[T any](validate func(T) error) Decoder[T] {
	return func(body []byte) (T, error) {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return v, fmt.Errorf("invalid JSON: %w", err)
		}
		if validate != nil {
			if err := validate(v); err != nil {
				return v, fmt.Errorf("invalid payload: %w", err)
			}
		}
		return v, nil
	}
}

// Stream is a typed view over a Subscription. Messages that do not decode are
// logged and counted, never delivered.
type Stream[T any] struct {
	sub  *Subscription
	c    chan T
	done chan struct{}
	once sync.Once
}

func Watch[T any](ctx context.Context, x *Multiplexer, topic string, decode Decoder[T]) (*Stream[T], error) {
	sub, err := x.Watch(ctx, topic)
	if err != nil {
		return nil, err
	}

	s := &Stream[T]{
		sub:  sub,
		c:    make(chan T),
		done: make(chan struct{}),
	}
	go s.run(x, decode)
	return s, nil
}

func (s *Stream[T]) run(x *Multiplexer, decode Decoder[T]) {
	defer close(s.c)

	for msg := range s.sub.C() {
		v, err := decode(msg.Body)
		if err != nil {
			metrics.DecodeDrops.WithLabelValues(msg.Topic).Inc()
			x.log.Warn("Dropping undecodable message", "topic", msg.Topic, "message_id", msg.ID, "error", err)
			continue
		}
		select {
		case s.c <- v:
		case <-s.done:
			return
		}
	}
}

func (s *Stream[T]) C() <-chan T {
	return s.c
}

func (s *Stream[T]) Errors() <-chan error {
	return s.sub.Errors()
}

func (s *Stream[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Close()
	})
}

// WatchActivity streams user page views from /topic/activity.
func WatchActivity(ctx context.Context, x *Multiplexer) (*Stream[proto.TrackingActivity], error) {
	return Watch(ctx, x, proto.TopicActivity, JSONDecoder(proto.TrackingActivity.Validate))
}

// WatchSubmissions streams submission progress from /topic/submissions.
func WatchSubmissions(ctx context.Context, x *Multiplexer) (*Stream[proto.ActivityMessage], error) {
	return Watch(ctx, x, proto.TopicSubmissions, JSONDecoder(proto.ActivityMessage.Validate))
}
