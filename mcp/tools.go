package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/statusync/client"
	"github.com/mbocsi/statusync/tasks"
)

// Tools exposes connection state and task control to MCP clients.
type Tools struct {
	manager *client.Manager
	tasks   *tasks.Client

	mu       sync.Mutex
	trackers map[string]*tasks.Tracker // by cancel token
}

// NewTools wires the operator tools. manager may be nil, in which case
// connection_state reports that messaging is not configured.
func NewTools(manager *client.Manager, tc *tasks.Client) *Tools {
	return &Tools{
		manager:  manager,
		tasks:    tc,
		trackers: make(map[string]*tasks.Tracker),
	}
}

// Register adds every tool to s.
func (t *Tools) Register(s *MCPServer) {
	s.AddTool(mcp.NewTool("connection_state",
		mcp.WithDescription("Report the state of the messaging connection"),
	), t.handleConnectionState)

	s.AddTool(mcp.NewTool("start_task",
		mcp.WithDescription("Start a server job and begin tracking it"),
		mcp.WithString("family",
			mcp.Required(),
			mcp.Description("Job family"),
			mcp.Enum(familyNames()...),
		),
		mcp.WithNumber("submission_id",
			mcp.Description("Submission to report on, for submission-report jobs"),
		),
	), t.handleStartTask)

	s.AddTool(mcp.NewTool("task_progress",
		mcp.WithDescription("Fetch the progress of a job. Untracked families are polled by family alone"),
		mcp.WithString("cancel_token",
			mcp.Description("Token returned by start_task"),
		),
		mcp.WithString("family",
			mcp.Description("Job family, required when no cancel token is given"),
		),
	), t.handleTaskProgress)

	s.AddTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a job started with start_task"),
		mcp.WithString("cancel_token",
			mcp.Required(),
			mcp.Description("Token returned by start_task"),
		),
	), t.handleCancelTask)

	s.AddTool(mcp.NewTool("system_info",
		mcp.WithDescription("Get the server's lifecycle status"),
	), t.handleSystemInfo)
}

func familyNames() []string {
	var names []string
	for _, f := range tasks.Families() {
		names = append(names, f.Name)
	}
	return names
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *Tools) handleConnectionState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t.manager == nil {
		return mcp.NewToolResultText(`{"state":"unconfigured"}`), nil
	}
	return jsonResult(map[string]string{"state": t.manager.State().String()})
}

func (t *Tools) handleStartTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("family")
	if err != nil {
		return mcp.NewToolResultError("family is required and must be a string"), nil
	}
	family, ok := tasks.FamilyByName(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown job family %q", name)), nil
	}

	var body any
	if id := request.GetFloat("submission_id", 0); id > 0 {
		body = map[string]int64{"submissionId": int64(id)}
	}

	tracker := t.tasks.Track(family)
	tm, err := tracker.Start(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start %s: %v", family.Name, err)), nil
	}
	if tm == nil {
		slog.Info("Started untracked job from MCP", "family", family.Name)
		return jsonResult(map[string]string{"family": family.Name, "state": "started"})
	}

	t.mu.Lock()
	t.trackers[tm.CancelToken] = tracker
	t.mu.Unlock()

	slog.Info("Started job from MCP", "family", family.Name, "id", tm.ID)
	return jsonResult(tm)
}

func (t *Tools) tracker(token string) (*tasks.Tracker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trackers[token]
	return tr, ok
}

func (t *Tools) handleTaskProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := request.GetString("cancel_token", "")
	if token == "" {
		family, ok := tasks.FamilyByName(request.GetString("family", ""))
		if !ok {
			return mcp.NewToolResultError("cancel_token or a known family is required"), nil
		}
		p, err := t.tasks.Progress(ctx, family, "")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch progress: %v", err)), nil
		}
		return jsonResult(map[string]any{"family": family.Name, "percentage": p.Percentage, "message": p.Message})
	}

	tr, ok := t.tracker(token)
	if !ok {
		return mcp.NewToolResultError("No job was started with that cancel token"), nil
	}
	p, err := tr.Poll(ctx)
	result := map[string]any{
		"family":     tr.Family().Name,
		"state":      tr.State().String(),
		"percentage": p.Percentage,
		"message":    p.Message,
	}
	if err != nil {
		result["error"] = err.Error()
	}
	return jsonResult(result)
}

func (t *Tools) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := request.RequireString("cancel_token")
	if err != nil {
		return mcp.NewToolResultError("cancel_token is required and must be a string"), nil
	}
	tr, ok := t.tracker(token)
	if !ok {
		return mcp.NewToolResultError("No job was started with that cancel token"), nil
	}

	result := map[string]any{"family": tr.Family().Name}
	if err := tr.Cancel(ctx); err != nil {
		result["error"] = err.Error()
	}
	result["state"] = tr.State().String()
	return jsonResult(result)
}

func (t *Tools) handleSystemInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := t.tasks.SystemInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch system info: %v", err)), nil
	}
	return jsonResult(info)
}
