package server

import (
	"log/slog"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/mbocsi/statusync/proto"
)

const serverName = "statusync/1.0"

func (c *Coordinator) Handle(s Session, f *frame.Frame) {
	meta := s.Meta()
	meta.Mu.Lock()
	meta.LastSeen = time.Now()
	connected := meta.Connected
	meta.Mu.Unlock()

	if f.Command == proto.CmdConnect || f.Command == "STOMP" {
		c.handleConnect(s, f)
		return
	}
	if !connected {
		c.reject(s, "not connected", "CONNECT must be the first frame")
		return
	}

	switch f.Command {
	case proto.CmdSubscribe:
		c.handleSubscribe(s, f)

	case proto.CmdUnsubscribe:
		c.handleUnsubscribe(s, f)

	case proto.CmdSend:
		c.handleSend(s, f)

	case proto.CmdDisconnect:
		c.receipt(s, f)
		s.Close()

	default:
		slog.Warn("Unhandled frame", "command", f.Command, "session", meta.Id)
	}
}

// ---------- connect ---------- //

func (c *Coordinator) handleConnect(s Session, f *frame.Frame) {
	meta := s.Meta()

	login, err := c.Auth.Authorize(f.Header.Get(proto.HdrAuthorization))
	if err != nil {
		slog.Warn("CONNECT rejected", "session", meta.Id, "error", err)
		c.reject(s, "authentication failed", err.Error())
		return
	}

	meta.Mu.Lock()
	meta.Connected = true
	meta.Login = login
	meta.Mu.Unlock()

	reply := frame.New(proto.CmdConnected,
		proto.HdrVersion, proto.Version,
		proto.HdrSession, meta.Id,
		proto.HdrServer, serverName,
		proto.HdrHeartBeat, "0,0",
	)
	if err := s.Send(reply); err != nil {
		slog.Warn("Failed to acknowledge CONNECT", "session", meta.Id, "error", err)
		return
	}
	slog.Info("Session connected", "session", meta.Id, "login", login)
}

// reject sends an ERROR frame and closes the session.
func (c *Coordinator) reject(s Session, message, detail string) {
	f := frame.New(proto.CmdError, proto.HdrMessage, message, proto.HdrContentType, "text/plain")
	f.Body = []byte(detail)
	if err := s.Send(f); err != nil {
		slog.Debug("Failed to send ERROR", "session", s.Meta().Id, "error", err)
	}
	s.Close()
}

func (c *Coordinator) receipt(s Session, f *frame.Frame) {
	id := f.Header.Get(proto.HdrReceipt)
	if id == "" {
		return
	}
	if err := s.Send(frame.New(proto.CmdReceipt, proto.HdrReceiptID, id)); err != nil {
		slog.Debug("Failed to send RECEIPT", "session", s.Meta().Id, "error", err)
	}
}

// ---------- subscriptions ---------- //

func (c *Coordinator) handleSubscribe(s Session, f *frame.Frame) {
	dest := f.Header.Get(proto.HdrDestination)
	id := f.Header.Get(proto.HdrID)
	if dest == "" || id == "" {
		c.reject(s, "malformed SUBSCRIBE", "destination and id are required")
		return
	}
	c.Broker.Subscribe(dest, id, s)
	c.receipt(s, f)
}

func (c *Coordinator) handleUnsubscribe(s Session, f *frame.Frame) {
	id := f.Header.Get(proto.HdrID)
	if id == "" {
		c.reject(s, "malformed UNSUBSCRIBE", "id is required")
		return
	}
	c.Broker.Unsubscribe(id, s)
	c.receipt(s, f)
}

// ---------- send ---------- //

func (c *Coordinator) handleSend(s Session, f *frame.Frame) {
	dest := f.Header.Get(proto.HdrDestination)
	if dest == "" {
		c.reject(s, "malformed SEND", "destination is required")
		return
	}

	if relay, ok := c.relays[dest]; ok {
		relay(s, f)
	} else {
		contentType := f.Header.Get(proto.HdrContentType)
		if contentType == "" {
			contentType = proto.ContentJSON
		}
		c.Broker.Publish(dest, f.Body, contentType)
	}
	c.receipt(s, f)

	slog.Debug("SEND handled",
		"destination", dest,
		"session", s.Meta().Id,
		"priority", f.Header.Get(proto.HdrPriority),
		"bytes", len(f.Body),
	)
}
