package activity_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mbocsi/statusync/activity"
	"github.com/mbocsi/statusync/client"
	"github.com/mbocsi/statusync/proto"
	"github.com/mbocsi/statusync/server"
	"github.com/mbocsi/statusync/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) (*server.Server, string) {
	t.Helper()
	srv := server.New(server.Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func newMux(t *testing.T, baseURL string) (*client.Manager, *client.Multiplexer) {
	t.Helper()
	mgr := client.NewManager(client.Config{EndpointURL: baseURL + "/ws", ConnectTimeout: 2 * time.Second})
	mux := client.NewMultiplexer(mgr)
	t.Cleanup(func() {
		mux.Close()
		mgr.Close()
	})
	return mgr, mux
}

func nextUpdate(t *testing.T, s *activity.Submissions) activity.Submission {
	t.Helper()
	select {
	case sub := <-s.Updates():
		return sub
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for submission update")
	}
	return activity.Submission{}
}

func TestTrackPageReachesWatchers(t *testing.T) {
	srv, base := startBroker(t)
	ctx := context.Background()

	_, watchMux := newMux(t, base)
	watcher := activity.NewTracker(watchMux, nil, nil)
	stream, err := watcher.Watch(ctx)
	require.NoError(t, err)
	defer stream.Close()
	require.Eventually(t, func() bool { return srv.Broker.Subscribers(proto.TopicActivity) == 1 }, 2*time.Second, 10*time.Millisecond)

	senderMgr, senderMux := newMux(t, base)
	sender := activity.NewTracker(senderMux, client.NewPublisher(senderMgr), nil)
	require.NoError(t, sender.TrackPage(ctx, "submissions"))

	select {
	case a := <-stream.C():
		assert.Equal(t, "submissions", a.Page)
		assert.NotEmpty(t, a.SessionID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for page view")
	}

	assert.Error(t, sender.TrackPage(ctx, ""))
}

func TestSubmissionsMergePollAndPush(t *testing.T) {
	srv, base := startBroker(t)
	srv.Tasks.SetSubmission(proto.ActivityMessage{SubmissionID: 7, Progress: 0.4, SubmissionStatus: "SUBMITTING", Cancelable: true})

	tc, err := tasks.NewClient(base)
	require.NoError(t, err)
	_, mux := newMux(t, base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	view := activity.NewSubmissions(nil)
	done := make(chan error, 1)
	go func() { done <- view.Run(ctx, mux, time.Hour, tc.SubmissionActivity) }()

	polled := nextUpdate(t, view)
	assert.Equal(t, int64(7), polled.ID)
	assert.InDelta(t, 40.0, polled.Progress, 0.0001)
	assert.Equal(t, activity.SourcePoll, polled.Source)

	require.Eventually(t, func() bool { return srv.Broker.Subscribers(proto.TopicSubmissions) == 1 }, 2*time.Second, 10*time.Millisecond)
	body, err := json.Marshal(proto.ActivityMessage{SubmissionID: 7, Progress: 1, SubmissionStatus: "SUBMITTED", Exportable: true})
	require.NoError(t, err)
	srv.Broker.Publish(proto.TopicSubmissions, body, proto.ContentJSON)

	pushed := nextUpdate(t, view)
	assert.Equal(t, 100.0, pushed.Progress)
	assert.Equal(t, "SUBMITTED", pushed.Status)
	assert.Equal(t, activity.SourcePush, pushed.Source)

	all := view.All()
	require.Len(t, all, 1)
	assert.Equal(t, "SUBMITTED", all[0].Status)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}
