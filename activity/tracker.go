// Package activity holds the UI facing consumers of the messaging layer: the
// user activity tracker and the merged submission progress view.
package activity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbocsi/statusync/client"
	"github.com/mbocsi/statusync/proto"
)

// Tracker reports page views and follows the page views of other sessions.
type Tracker struct {
	mux       *client.Multiplexer
	publisher *client.Publisher
	log       *slog.Logger
}

func NewTracker(mux *client.Multiplexer, publisher *client.Publisher, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{mux: mux, publisher: publisher, log: log.With("component", "activity")}
}

// TrackPage publishes a page view to /ws/activity.
func (t *Tracker) TrackPage(ctx context.Context, page string) error {
	a := proto.TrackingActivity{Page: page}
	if err := a.Validate(); err != nil {
		return err
	}
	if err := t.publisher.Publish(ctx, proto.DestinationActivity, a); err != nil {
		t.log.Warn("Failed to publish page view", "page", page, "error", err)
		return err
	}
	return nil
}

// Watch streams page views relayed on /topic/activity.
func (t *Tracker) Watch(ctx context.Context) (*client.Stream[proto.TrackingActivity], error) {
	if t.mux == nil {
		return nil, errors.New("activity tracker has no multiplexer")
	}
	return client.WatchActivity(ctx, t.mux)
}
