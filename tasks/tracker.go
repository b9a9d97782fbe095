package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/statusync/metrics"
	"github.com/mbocsi/statusync/poller"
	"github.com/mbocsi/statusync/proto"
)

type TrackerState int

const (
	Idle TrackerState = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s TrackerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("tracker_state(%d)", int(s))
}

func (s TrackerState) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// Update is one observation emitted by Watch.
type Update struct {
	Progress proto.Progress
	State    TrackerState
	Err      error
}

// Tracker follows one job from Start to a terminal state. Once terminal the
// state and last progress never change again and no further requests are made.
type Tracker struct {
	client *Client
	family Family
	log    *slog.Logger

	mu    sync.Mutex
	state TrackerState
	task  *proto.TaskMonitoring
	token string
	last  proto.Progress
	err   error
	done  chan struct{}
}

func (c *Client) Track(family Family) *Tracker {
	return &Tracker{
		client: c,
		family: family,
		log:    c.log.With("family", family.Name),
		done:   make(chan struct{}),
	}
}

// Start provisions the job. A server reported FAILED state fails the tracker.
func (t *Tracker) Start(ctx context.Context, request any) (*proto.TaskMonitoring, error) {
	t.mu.Lock()
	if t.state != Idle {
		t.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	t.state = Running
	t.mu.Unlock()

	tm, err := t.client.Start(ctx, t.family, request)

	t.mu.Lock()
	if err != nil {
		t.latch(Failed, err)
		t.mu.Unlock()
		return nil, err
	}
	t.task = tm
	if t.state == Cancelled {
		t.mu.Unlock()
		// cancelled while the start request was in flight
		if tm != nil && tm.CancelToken != "" {
			if err := t.client.Cancel(ctx, t.family, tm.CancelToken); err != nil {
				t.log.Warn("Cancel request failed", "error", err)
			}
		}
		return tm, nil
	}
	defer t.mu.Unlock()
	if tm != nil {
		t.token = tm.CancelToken
		if tm.Failed() {
			err := fmt.Errorf("task %s failed to start", tm.ID)
			t.latch(Failed, err)
			return tm, err
		}
	}
	return tm, nil
}

// latch moves to a terminal state. Must hold mu.
func (t *Tracker) latch(s TrackerState, err error) {
	if t.state.Terminal() {
		return
	}
	t.state = s
	t.err = err
	t.token = ""
	close(t.done)
	metrics.TasksFinished.WithLabelValues(t.family.Name, s.String()).Inc()

	args := []any{"state", s.String(), "percentage", t.last.Percentage}
	if err != nil {
		args = append(args, "error", err)
	}
	t.log.Info("Task finished", args...)
}

// Poll fetches progress once. After a terminal state it returns the latched
// progress without contacting the server; a Failed tracker also returns the
// error it failed with.
func (t *Tracker) Poll(ctx context.Context) (proto.Progress, error) {
	t.mu.Lock()
	switch {
	case t.state.Terminal():
		p, err := t.last, t.err
		t.mu.Unlock()
		return p, err
	case t.state == Idle:
		t.mu.Unlock()
		return proto.Progress{}, ErrNotStarted
	}
	token := t.token
	t.mu.Unlock()

	p, err := t.client.Progress(ctx, t.family, token)
	if err != nil {
		return t.Last(), err
	}
	t.Apply(p)
	return t.Last(), nil
}

// Apply records a progress snapshot from any source. It reports false when the
// tracker is already terminal and the snapshot was ignored.
func (t *Tracker) Apply(p proto.Progress) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return false
	}
	t.last = p
	if t.state == Idle {
		t.state = Running
	}
	if p.Terminal() {
		t.latch(Completed, nil)
	}
	return true
}

// Fail latches Failed with err.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latch(Failed, err)
}

// Cancel stops tracking immediately and then asks the server to stop the job.
// The tracker is Cancelled whatever the server answers; the request error is
// still returned.
func (t *Tracker) Cancel(ctx context.Context) error {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return nil
	}
	token := t.token
	t.latch(Cancelled, nil)
	t.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := t.client.Cancel(ctx, t.family, token); err != nil {
		t.log.Warn("Cancel request failed", "error", err)
		return err
	}
	return nil
}

// Watch polls every period until the tracker becomes terminal or a poll fails,
// then stops polling and closes the channel. A failed poll latches Failed.
// Watching before Start yields a single ErrNotStarted update and leaves the
// tracker Idle.
func (t *Tracker) Watch(ctx context.Context, period time.Duration) <-chan Update {
	out := make(chan Update)
	p := poller.New(period, t.Poll)
	t.log.Debug("Watching task", "period", p.Period())

	go func() {
		defer close(out)
		stream := p.Start(ctx)
		defer stream.Stop()

		for r := range stream.C() {
			notStarted := errors.Is(r.Err, ErrNotStarted)
			if r.Err != nil && !notStarted {
				t.Fail(r.Err)
			}
			u := Update{Progress: r.Value, State: t.State(), Err: r.Err}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if notStarted || u.State.Terminal() {
				return
			}
		}
	}()
	return out
}

func (t *Tracker) Family() Family {
	return t.family
}

func (t *Tracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) Last() proto.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Task is the monitoring record returned by Start, if any.
func (t *Tracker) Task() *proto.TaskMonitoring {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task
}

// CancelToken is empty before Start and after a terminal state.
func (t *Tracker) CancelToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Done is closed when the tracker reaches a terminal state.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}
