package tasks

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mbocsi/statusync/poller"
	"github.com/mbocsi/statusync/proto"
)

// AwaitStatus polls system/info until the server reports one of want. An
// Error status ends the wait with an error. Request failures are logged and
// polling continues, since the server may still be coming up.
func AwaitStatus(ctx context.Context, c *Client, period time.Duration, want ...proto.SystemStatus) (proto.SystemInfo, error) {
	if len(want) == 0 {
		want = []proto.SystemStatus{proto.StatusRunning}
	}

	stream := poller.New(period, c.SystemInfo).Start(ctx)
	defer stream.Stop()

	var last proto.SystemInfo
	for r := range stream.C() {
		if r.Err != nil {
			c.log.Debug("System info unavailable", "error", r.Err)
			continue
		}
		last = r.Value
		if slices.Contains(want, last.Status) {
			return last, nil
		}
		if last.Status == proto.StatusError {
			return last, fmt.Errorf("system reported status %s", last.Status)
		}
		c.log.Debug("Waiting for system status", "status", last.Status, "want", want)
	}

	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, fmt.Errorf("system status poll ended")
}
