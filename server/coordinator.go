package server

import (
	"fmt"
	"log/slog"

	"github.com/go-stomp/stomp/v3/frame"
)

// Relay handles SENDs to one application destination instead of the broker.
type Relay func(s Session, f *frame.Frame)

type Coordinator struct {
	Registry   *SessionRegistry
	Broker     *Broker
	Auth       *Authenticator
	Transports []Transport

	relays map[string]Relay
	onGone []func(Session)
}

func NewCoordinator(registry *SessionRegistry, broker *Broker, auth *Authenticator) *Coordinator {
	if auth == nil {
		auth = NewAuthenticator("", false)
	}
	return &Coordinator{
		Registry: registry,
		Broker:   broker,
		Auth:     auth,
		relays:   make(map[string]Relay),
	}
}

func (c *Coordinator) RegisterTransport(t Transport) {
	t.OnFrame(c.Handle)
	t.OnConnect(c.RegisterSession)
	t.OnDisconnect(c.UnregisterSession)
	c.Transports = append(c.Transports, t)
}

// Relay routes SENDs for destination to fn.
func (c *Coordinator) Relay(destination string, fn Relay) {
	c.relays[destination] = fn
}

// OnSessionGone registers a hook run after a session is removed.
func (c *Coordinator) OnSessionGone(fn func(Session)) {
	c.onGone = append(c.onGone, fn)
}

func (c *Coordinator) RegisterSession(s Session) error {
	meta := s.Meta()
	if !c.Registry.Store(s) {
		return fmt.Errorf("session %s already registered", meta.Id)
	}
	slog.Info("Registered session", "id", meta.Id, "transport", meta.Transport)
	return nil
}

func (c *Coordinator) UnregisterSession(s Session) {
	meta := s.Meta()
	if _, ok := c.Registry.Delete(meta.Id); !ok {
		return
	}
	c.Broker.UnsubscribeAll(s)
	slog.Info("Session closed", "id", meta.Id, "transport", meta.Transport)

	for _, fn := range c.onGone {
		fn(s)
	}
}
