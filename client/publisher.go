package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/mbocsi/statusync/proto"
)

const DefaultPriority = 9

// OutboundMessage is a resolved publish request.
type OutboundMessage struct {
	Destination string
	Priority    int
	AuthToken   string
	Payload     any
}

type PublishOption func(*OutboundMessage)

func WithPriority(p int) PublishOption {
	return func(m *OutboundMessage) {
		m.Priority = p
	}
}

// WithToken overrides the token source for a single message.
func WithToken(token string) PublishOption {
	return func(m *OutboundMessage) {
		m.AuthToken = token
	}
}

type Publisher struct {
	mgr    *Manager
	tokens TokenSource
	log    *slog.Logger
}

// NewPublisher publishes through mgr using the manager's token source.
func NewPublisher(mgr *Manager) *Publisher {
	return &Publisher{
		mgr:    mgr,
		tokens: mgr.cfg.Tokens,
		log:    mgr.log.With("component", "publisher"),
	}
}

// Publish sends v as JSON to destination. Connection and send failures are
// returned wrapped in ErrPublish.
func (p *Publisher) Publish(ctx context.Context, destination string, v any, opts ...PublishOption) error {
	msg := OutboundMessage{
		Destination: destination,
		Priority:    DefaultPriority,
		Payload:     v,
	}
	for _, opt := range opts {
		opt(&msg)
	}

	if msg.AuthToken == "" {
		token, err := resolveToken(ctx, p.tokens)
		if err != nil {
			return fmt.Errorf("%w: resolve token: %w", ErrPublish, err)
		}
		msg.AuthToken = token
	}
	return p.Send(ctx, msg)
}

func (p *Publisher) Send(ctx context.Context, msg OutboundMessage) error {
	if msg.Destination == "" {
		return fmt.Errorf("%w: destination is required", ErrPublish)
	}

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %w", ErrPublish, err)
	}

	conn, err := p.mgr.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	f := frame.New(proto.CmdSend,
		proto.HdrDestination, msg.Destination,
		proto.HdrPriority, strconv.Itoa(msg.Priority),
		proto.HdrContentType, proto.ContentJSON,
	)
	if msg.AuthToken != "" {
		f.Header.Add(proto.HdrAuthorization, bearer(msg.AuthToken))
	}
	f.Body = body

	if err := conn.Send(f); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	p.log.Debug("Published", "destination", msg.Destination, "priority", msg.Priority, "size", len(body))
	return nil
}
