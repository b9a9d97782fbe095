package server

import (
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
)

// Transport accepts sessions and feeds their frames to the coordinator.
type Transport interface {
	OnFrame(func(Session, *frame.Frame))
	OnConnect(func(Session) error)
	OnDisconnect(func(Session))
	Meta() TransportMetadata
}

type TransportMetadata struct {
	Name     string // e.g. "websocket", "long-poll"
	Protocol string
	Sessions int
}

type SessionMetadata struct {
	Id         string
	Login      string
	RemoteAddr string
	Transport  string
	Connected  bool // CONNECT accepted
	Opened     time.Time
	LastSeen   time.Time
	Mu         sync.RWMutex
}

// Session is one client connection, whatever carries it.
type Session interface {
	Send(*frame.Frame) error
	Close() error
	Meta() *SessionMetadata
}

func generateSessionId(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
