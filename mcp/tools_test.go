package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/statusync/client"
	"github.com/mbocsi/statusync/server"
	"github.com/mbocsi/statusync/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTools(t *testing.T) (*Tools, *server.Server) {
	t.Helper()
	srv := server.New(server.Options{TaskStep: 50})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	tc, err := tasks.NewClient(ts.URL)
	require.NoError(t, err)
	mgr := client.NewManager(client.Config{EndpointURL: ts.URL + "/ws", ConnectTimeout: 2 * time.Second})
	t.Cleanup(func() { mgr.Close() })
	return NewTools(mgr, tc), srv
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (map[string]any, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args

	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)

	if res.IsError {
		return map[string]any{"error": text.Text}, true
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out, false
}

func TestConnectionStateTool(t *testing.T) {
	tools, _ := newTestTools(t)

	out, isErr := call(t, tools.handleConnectionState, nil)
	require.False(t, isErr)
	assert.Equal(t, "disconnected", out["state"])

	_, err := tools.manager.Connect(context.Background())
	require.NoError(t, err)
	out, _ = call(t, tools.handleConnectionState, nil)
	assert.Equal(t, "connected", out["state"])
}

func TestTaskToolsLifecycle(t *testing.T) {
	tools, srv := newTestTools(t)

	out, isErr := call(t, tools.handleStartTask, map[string]any{"family": "database-migration"})
	require.False(t, isErr, out)
	token, _ := out["cancelToken"].(string)
	require.NotEmpty(t, token)

	srv.Tasks.Advance(time.Now())
	out, isErr = call(t, tools.handleTaskProgress, map[string]any{"cancel_token": token})
	require.False(t, isErr, out)
	assert.Equal(t, 50.0, out["percentage"])
	assert.Equal(t, "running", out["state"])

	out, isErr = call(t, tools.handleCancelTask, map[string]any{"cancel_token": token})
	require.False(t, isErr, out)
	assert.Equal(t, "cancelled", out["state"])

	// the latch holds after cancel
	out, _ = call(t, tools.handleTaskProgress, map[string]any{"cancel_token": token})
	assert.Equal(t, "cancelled", out["state"])
}

func TestStartTaskValidatesFamily(t *testing.T) {
	tools, _ := newTestTools(t)

	_, isErr := call(t, tools.handleStartTask, map[string]any{"family": "defragment"})
	assert.True(t, isErr)

	_, isErr = call(t, tools.handleStartTask, nil)
	assert.True(t, isErr)

	_, isErr = call(t, tools.handleCancelTask, map[string]any{"cancel_token": "unknown"})
	assert.True(t, isErr)
}

func TestUntrackedProgressByFamily(t *testing.T) {
	tools, srv := newTestTools(t)

	out, isErr := call(t, tools.handleStartTask, map[string]any{"family": "startup"})
	require.False(t, isErr, out)
	assert.Equal(t, "started", out["state"])

	srv.Tasks.Advance(time.Now())
	out, isErr = call(t, tools.handleTaskProgress, map[string]any{"family": "startup"})
	require.False(t, isErr, out)
	assert.Equal(t, 50.0, out["percentage"])
}

func TestSystemInfoTool(t *testing.T) {
	tools, _ := newTestTools(t)

	out, isErr := call(t, tools.handleSystemInfo, nil)
	require.False(t, isErr)
	assert.Equal(t, "Running", out["status"])
}
