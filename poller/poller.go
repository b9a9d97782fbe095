// Package poller turns a one-shot fetch into a periodic stream.
package poller

import (
	"context"
	"sync"
	"time"
)

// Result is one fetch outcome.
type Result[T any] struct {
	Value T
	Err   error
	At    time.Time
}

// Poller fetches on a fixed period. It never decides on its own to stop:
// the consumer stops the stream once it has seen what it needs.
type Poller[T any] struct {
	period time.Duration
	fetch  func(ctx context.Context) (T, error)
}

func New[T any](period time.Duration, fetch func(ctx context.Context) (T, error)) *Poller[T] {
	if period <= 0 {
		period = time.Second
	}
	return &Poller[T]{period: period, fetch: fetch}
}

// Period is the effective interval; non-positive periods fall back to one
// second.
func (p *Poller[T]) Period() time.Duration {
	return p.period
}

// Start begins a new stream. The first fetch happens immediately. Each call
// returns an independent stream, so a stopped poll can be restarted.
func (p *Poller[T]) Start(ctx context.Context) *Stream[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		c:      make(chan Result[T]),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, p)
	return s
}

type Stream[T any] struct {
	c      chan Result[T]
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Stream[T]) run(ctx context.Context, p *Poller[T]) {
	defer close(s.done)
	defer close(s.c)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		v, err := p.fetch(ctx)
		if ctx.Err() != nil {
			return
		}

		select {
		case s.c <- Result[T]{Value: v, Err: err, At: time.Now()}:
		case <-ctx.Done():
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// C yields one result per fetch. It is closed after Stop or when the start
// context ends.
func (s *Stream[T]) C() <-chan Result[T] {
	return s.c
}

// Stop cancels the timer and any fetch in flight. A result that completes after
// Stop is discarded.
func (s *Stream[T]) Stop() {
	s.once.Do(s.cancel)
}

// Done is closed once the stream goroutine has exited.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}
