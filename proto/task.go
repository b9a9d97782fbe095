package proto

import (
	"fmt"
	"time"
)

// Server reported task states.
const (
	TaskCreated  = "CREATED"
	TaskStarting = "STARTING"
	TaskStarted  = "STARTED"
	TaskFailed   = "FAILED"
)

// TaskMonitoring is the handle the server returns when a long running job starts.
type TaskMonitoring struct {
	ID             string    `json:"id"`
	CancelToken    string    `json:"cancelToken"`
	OwnerNodeID    string    `json:"ownerNodeId"`
	OwnerSessionID string    `json:"ownerSessionId"`
	StartTime      time.Time `json:"startTime"`
	State          string    `json:"state"`
	Type           string    `json:"type,omitempty"`
}

func (t TaskMonitoring) Failed() bool {
	return t.State == TaskFailed
}

// Progress is a point in time snapshot of a job.
type Progress struct {
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

// Complete is the snapshot reported for jobs the server no longer tracks.
var Complete = Progress{Percentage: 100}

func (p Progress) Terminal() bool {
	return p.Percentage >= 100
}

func (p Progress) Validate() error {
	if p.Percentage < 0 || p.Percentage > 100 {
		return fmt.Errorf("percentage %v out of range [0,100]", p.Percentage)
	}
	return nil
}

type SystemStatus string

const (
	StatusStarting    SystemStatus = "Starting"
	StatusFirstRun    SystemStatus = "FirstRun"
	StatusRunning     SystemStatus = "Running"
	StatusMaintenance SystemStatus = "Maintenance"
	StatusError       SystemStatus = "Error"
	StatusStopping    SystemStatus = "Stopping"
)

func (s SystemStatus) Valid() bool {
	switch s {
	case StatusStarting, StatusFirstRun, StatusRunning, StatusMaintenance, StatusError, StatusStopping:
		return true
	}
	return false
}

// SystemInfo is returned by GET system/info.
type SystemInfo struct {
	Status SystemStatus `json:"status"`
}
