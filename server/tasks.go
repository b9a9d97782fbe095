package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mbocsi/statusync/proto"
	"github.com/mbocsi/statusync/tasks"
)

const (
	DefaultTaskStep = 20.0
	DefaultTaskTick = time.Second
)

type job struct {
	monitoring   proto.TaskMonitoring
	family       tasks.Family
	percentage   float64
	submissionID int64
	finished     time.Time
}

// TaskAPI is an in-memory job control plane. Jobs advance by Step percent on
// every tick; finished jobs are kept for Retention and then forgotten, after
// which their progress route answers 404.
type TaskAPI struct {
	Step      float64
	Tick      time.Duration
	Retention time.Duration

	broker *Broker
	nodeID string

	mu          sync.Mutex
	jobs        map[string]*job       // by cancel token
	untracked   map[string]*job       // by family name
	submissions map[int64]*proto.ActivityMessage
	status      proto.SystemStatus
}

func NewTaskAPI(broker *Broker) *TaskAPI {
	return &TaskAPI{
		Step:        DefaultTaskStep,
		Tick:        DefaultTaskTick,
		Retention:   5 * time.Second,
		broker:      broker,
		nodeID:      uuid.NewString(),
		jobs:        make(map[string]*job),
		untracked:   make(map[string]*job),
		submissions: make(map[int64]*proto.ActivityMessage),
		status:      proto.StatusRunning,
	}
}

func (a *TaskAPI) Routes(r chi.Router) {
	for _, f := range tasks.Families() {
		base := "/" + f.Path
		r.Post(base, a.start(f))
		r.Get(base+"/progress", a.progressUntracked(f))
		r.Get(base+"/progress/{token}", a.progress)
		r.Get(base+"/cancel/{token}", a.cancel)
	}
	r.Get("/system/info", a.systemInfo)
	r.Get("/api/submissions/activity", a.submissionActivity)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write JSON response", "status", status, "error", err)
	}
}

type startRequest struct {
	SubmissionID int64 `json:"submissionId,omitempty"`
}

func (a *TaskAPI) start(f tasks.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}

		j := &job{
			family:       f,
			submissionID: req.SubmissionID,
			monitoring: proto.TaskMonitoring{
				ID:             uuid.NewString(),
				CancelToken:    uuid.NewString(),
				OwnerNodeID:    a.nodeID,
				OwnerSessionID: r.Header.Get("X-Session-Id"),
				StartTime:      time.Now().UTC(),
				State:          proto.TaskStarting,
				Type:           f.Name,
			},
		}

		a.mu.Lock()
		if f.Tracked {
			a.jobs[j.monitoring.CancelToken] = j
		} else {
			a.untracked[f.Name] = j
			if f == tasks.Startup {
				a.status = proto.StatusStarting
			}
		}
		if j.submissionID > 0 {
			a.submissions[j.submissionID] = &proto.ActivityMessage{
				SubmissionID:     j.submissionID,
				SubmissionStatus: "GENERATING",
				Cancelable:       true,
			}
		}
		a.mu.Unlock()

		slog.Info("Task started", "family", f.Name, "id", j.monitoring.ID)
		if !f.Tracked {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, j.monitoring)
	}
}

func (a *TaskAPI) progress(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	a.mu.Lock()
	j, ok := a.jobs[token]
	var p proto.Progress
	if ok {
		p = proto.Progress{Percentage: j.percentage}
	}
	a.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *TaskAPI) progressUntracked(f tasks.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		j, ok := a.untracked[f.Name]
		var p proto.Progress
		if ok {
			p = proto.Progress{Percentage: j.percentage}
		}
		a.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (a *TaskAPI) cancel(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	a.mu.Lock()
	j, ok := a.jobs[token]
	if ok {
		delete(a.jobs, token)
		if sub := a.submissions[j.submissionID]; sub != nil {
			sub.SubmissionStatus = "CANCELLED"
			sub.Cancelable = false
		}
	}
	a.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	slog.Info("Task cancelled", "family", j.family.Name, "id", j.monitoring.ID)
	w.WriteHeader(http.StatusOK)
}

func (a *TaskAPI) systemInfo(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	status := a.status
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, proto.SystemInfo{Status: status})
}

func (a *TaskAPI) submissionActivity(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	list := make([]proto.ActivityMessage, 0, len(a.submissions))
	for _, s := range a.submissions {
		list = append(list, *s)
	}
	a.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].SubmissionID < list[j].SubmissionID })
	writeJSON(w, http.StatusOK, list)
}

// SetStatus changes what system/info reports.
func (a *TaskAPI) SetStatus(s proto.SystemStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// SetSubmission seeds or replaces one submission in the activity list.
func (a *TaskAPI) SetSubmission(m proto.ActivityMessage) {
	a.mu.Lock()
	a.submissions[m.SubmissionID] = &m
	a.mu.Unlock()
}

// Advance moves every running job one step and forgets jobs whose retention
// has passed. Submission progress changes are pushed on /topic/submissions.
func (a *TaskAPI) Advance(now time.Time) {
	var pushes []proto.ActivityMessage

	a.mu.Lock()
	advance := func(j *job) bool {
		if !j.finished.IsZero() {
			return now.Sub(j.finished) < a.Retention
		}
		j.percentage = min(100, j.percentage+a.Step)
		j.monitoring.State = proto.TaskStarted
		if j.percentage >= 100 {
			j.finished = now
		}
		if sub := a.submissions[j.submissionID]; sub != nil {
			sub.Progress = j.percentage / 100
			if j.percentage >= 100 {
				sub.SubmissionStatus = "GENERATED"
				sub.Cancelable = false
				sub.Exportable = true
			}
			pushes = append(pushes, *sub)
		}
		return true
	}

	for token, j := range a.jobs {
		if !advance(j) {
			delete(a.jobs, token)
		}
	}
	for name, j := range a.untracked {
		if !advance(j) {
			delete(a.untracked, name)
		}
		if name == tasks.Startup.Name && !j.finished.IsZero() && a.status == proto.StatusStarting {
			a.status = proto.StatusRunning
		}
	}
	a.mu.Unlock()

	for _, m := range pushes {
		body, err := json.Marshal(m)
		if err != nil {
			continue
		}
		a.broker.Publish(proto.TopicSubmissions, body, proto.ContentJSON)
	}
}

// Run advances jobs every Tick until ctx ends.
func (a *TaskAPI) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			a.Advance(now)
		}
	}
}
