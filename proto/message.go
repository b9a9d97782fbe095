package proto

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Well known topics and destinations.
const (
	TopicActivity       = "/topic/activity"    // TrackingActivity
	TopicSubmissions    = "/topic/submissions" // ActivityMessage
	DestinationActivity = "/ws/activity"       // page views published by sessions
)

// ActivityMessage is the submission progress push carried on /topic/submissions.
// Progress is fractional on the wire.
type ActivityMessage struct {
	SubmissionID     int64   `json:"submissionId"`
	Progress         float64 `json:"progress"`
	SubmissionStatus string  `json:"submissionStatus"`
	Cancelable       bool    `json:"cancelable"`
	Exportable       bool    `json:"exportable"`
	PirStatus        *string `json:"pirStatus,omitempty"`
}

func (m ActivityMessage) Validate() error {
	if m.SubmissionID <= 0 {
		return fmt.Errorf("submissionId must be positive, got %d", m.SubmissionID)
	}
	if m.Progress < 0 || m.Progress > 1 {
		return fmt.Errorf("progress %v out of range [0,1]", m.Progress)
	}
	if strings.TrimSpace(m.SubmissionStatus) == "" {
		return errors.New("submissionStatus is required")
	}
	return nil
}

// Percent converts the fractional progress to a percentage.
func (m ActivityMessage) Percent() float64 {
	return m.Progress * 100
}

// TrackingActivity is a user page view relayed on /topic/activity.
type TrackingActivity struct {
	SessionID string    `json:"sessionId,omitempty"`
	UserLogin string    `json:"userLogin,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	Page      string    `json:"page"`
	Time      time.Time `json:"time,omitempty"`
}

func (a TrackingActivity) Validate() error {
	if strings.TrimSpace(a.Page) == "" {
		return errors.New("page is required")
	}
	return nil
}
