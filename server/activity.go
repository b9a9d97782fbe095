package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/mbocsi/statusync/proto"
)

// ActivityRelay rebroadcasts page views sent to /ws/activity on
// /topic/activity, stamped with who sent them. When a session goes away a
// "logout" view is broadcast for it.
type ActivityRelay struct {
	broker *Broker
	now    func() time.Time
}

func NewActivityRelay(broker *Broker) *ActivityRelay {
	return &ActivityRelay{broker: broker, now: time.Now}
}

// Register attaches the relay to a coordinator.
func (a *ActivityRelay) Register(c *Coordinator) {
	c.Relay(proto.DestinationActivity, a.handle)
	c.OnSessionGone(a.gone)
}

func (a *ActivityRelay) handle(s Session, f *frame.Frame) {
	var activity proto.TrackingActivity
	if err := json.Unmarshal(f.Body, &activity); err != nil {
		slog.Warn("Invalid activity payload", "session", s.Meta().Id, "error", err)
		return
	}
	if err := activity.Validate(); err != nil {
		slog.Warn("Invalid activity payload", "session", s.Meta().Id, "error", err)
		return
	}
	a.broadcast(s, activity.Page)
}

func (a *ActivityRelay) gone(s Session) {
	meta := s.Meta()
	meta.Mu.RLock()
	connected := meta.Connected
	meta.Mu.RUnlock()
	if connected {
		a.broadcast(s, "logout")
	}
}

func (a *ActivityRelay) broadcast(s Session, page string) {
	meta := s.Meta()
	meta.Mu.RLock()
	activity := proto.TrackingActivity{
		SessionID: meta.Id,
		UserLogin: meta.Login,
		IPAddress: hostOnly(meta.RemoteAddr),
		Page:      page,
		Time:      a.now().UTC(),
	}
	meta.Mu.RUnlock()
	if activity.UserLogin == "" {
		activity.UserLogin = "anonymous"
	}

	body, err := json.Marshal(activity)
	if err != nil {
		slog.Error("Failed to encode activity", "error", err)
		return
	}
	a.broker.Publish(proto.TopicActivity, body, proto.ContentJSON)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
