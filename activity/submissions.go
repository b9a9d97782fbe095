package activity

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbocsi/statusync/client"
	"github.com/mbocsi/statusync/poller"
	"github.com/mbocsi/statusync/proto"
)

const (
	SourcePoll = "poll"
	SourcePush = "push"
)

// Submission is the merged view of one submission. Progress is a percentage.
type Submission struct {
	ID         int64
	Progress   float64
	Status     string
	Cancelable bool
	Exportable bool
	PirStatus  *string
	Source     string
	UpdatedAt  time.Time
}

func submissionFrom(m proto.ActivityMessage, source string) Submission {
	return Submission{
		ID:         m.SubmissionID,
		Progress:   m.Percent(),
		Status:     m.SubmissionStatus,
		Cancelable: m.Cancelable,
		Exportable: m.Exportable,
		PirStatus:  m.PirStatus,
		Source:     source,
		UpdatedAt:  time.Now(),
	}
}

// Submissions merges polled snapshots with pushed updates. There is no
// ordering between the two sources, so whichever arrives last wins.
type Submissions struct {
	log *slog.Logger

	mu      sync.RWMutex
	items   map[int64]Submission
	updates chan Submission
}

func NewSubmissions(log *slog.Logger) *Submissions {
	if log == nil {
		log = slog.Default()
	}
	return &Submissions{
		log:     log.With("component", "submissions"),
		items:   make(map[int64]Submission),
		updates: make(chan Submission, 64),
	}
}

func (s *Submissions) set(sub Submission) {
	s.mu.Lock()
	s.items[sub.ID] = sub
	s.mu.Unlock()

	select {
	case s.updates <- sub:
	default:
		s.log.Debug("Update channel full, dropping notification", "submission", sub.ID)
	}
}

// ApplyPoll records a polled list. Invalid entries are skipped.
func (s *Submissions) ApplyPoll(list []proto.ActivityMessage) {
	for _, m := range list {
		if err := m.Validate(); err != nil {
			s.log.Warn("Skipping invalid polled submission", "submission", m.SubmissionID, "error", err)
			continue
		}
		s.set(submissionFrom(m, SourcePoll))
	}
}

// ApplyPush records one pushed update.
func (s *Submissions) ApplyPush(m proto.ActivityMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.set(submissionFrom(m, SourcePush))
	return nil
}

func (s *Submissions) Get(id int64) (Submission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.items[id]
	return sub, ok
}

// All returns the view ordered by submission id.
func (s *Submissions) All() []Submission {
	s.mu.RLock()
	out := make([]Submission, 0, len(s.items))
	for _, sub := range s.items {
		out = append(out, sub)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Submission) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Updates notifies about every change. Notifications are dropped if nobody
// reads them; the view itself is always current.
func (s *Submissions) Updates() <-chan Submission {
	return s.updates
}

// Run keeps the view current from both sources until ctx ends. list is polled
// every period; /topic/submissions is applied as it arrives.
func (s *Submissions) Run(ctx context.Context, mux *client.Multiplexer, period time.Duration, list func(context.Context) ([]proto.ActivityMessage, error)) error {
	stream, err := client.WatchSubmissions(ctx, mux)
	if err != nil {
		return err
	}
	defer stream.Close()

	polls := poller.New(period, list).Start(ctx)
	defer polls.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m, ok := <-stream.C():
			if !ok {
				return errors.New("submission stream closed")
			}
			if err := s.ApplyPush(m); err != nil {
				s.log.Warn("Ignoring invalid pushed submission", "error", err)
			}

		case err := <-stream.Errors():
			s.log.Warn("Submission stream interrupted", "error", err)

		case r, ok := <-polls.C():
			if !ok {
				return ctx.Err()
			}
			if r.Err != nil {
				s.log.Warn("Submission poll failed", "error", r.Err)
				continue
			}
			s.ApplyPoll(r.Value)
		}
	}
}
