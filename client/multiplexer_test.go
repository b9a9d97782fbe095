package client

import (
	"context"
	"testing"
	"time"

	"github.com/mbocsi/statusync/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestFanOutSharesOneSubscription(t *testing.T) {
	b := newFakeBroker()
	m := b.manager(time.Second)
	defer m.Close()
	x := NewMultiplexer(m)
	defer x.Close()

	ctx := context.Background()
	first, err := x.Watch(ctx, proto.TopicActivity)
	require.NoError(t, err)
	second, err := x.Watch(ctx, proto.TopicActivity)
	require.NoError(t, err)

	assert.Equal(t, 1, b.count(proto.CmdSubscribe))
	assert.Equal(t, proto.TopicActivity, b.frames(proto.CmdSubscribe)[0].f.Header.Get(proto.HdrDestination))

	tr := b.latest()
	tr.push(proto.TopicActivity, `{"page":"one"}`)
	tr.push(proto.TopicActivity, `{"page":"two"}`)
	tr.push(proto.TopicActivity, `{"page":"three"}`)

	for _, sub := range []*Subscription{first, second} {
		assert.JSONEq(t, `{"page":"one"}`, string(receive(t, sub).Body))
		assert.JSONEq(t, `{"page":"two"}`, string(receive(t, sub).Body))
		assert.JSONEq(t, `{"page":"three"}`, string(receive(t, sub).Body))
	}
}

func TestTopicsAreRoutedIndependently(t *testing.T) {
	b := newFakeBroker()
	m := b.manager(time.Second)
	defer m.Close()
	x := NewMultiplexer(m)
	defer x.Close()

	ctx := context.Background()
	activity, err := x.Watch(ctx, proto.TopicActivity)
	require.NoError(t, err)
	submissions, err := x.Watch(ctx, proto.TopicSubmissions)
	require.NoError(t, err)
	assert.Equal(t, 2, b.count(proto.CmdSubscribe))

	tr := b.latest()
	tr.push(proto.TopicSubmissions, `{"submissionId":1}`)
	tr.push(proto.TopicActivity, `{"page":"home"}`)

	assert.Equal(t, proto.TopicSubmissions, receive(t, submissions).Topic)
	assert.Equal(t, proto.TopicActivity, receive(t, activity).Topic)
}

func TestUnsubscribeOnLastClose(t *testing.T) {
	b := newFakeBroker()
	m := b.manager(time.Second)
	defer m.Close()
	x := NewMultiplexer(m)
	defer x.Close()

	ctx := context.Background()
	first, err := x.Watch(ctx, proto.TopicActivity)
	require.NoError(t, err)
	second, err := x.Watch(ctx, proto.TopicActivity)
	require.NoError(t, err)

	first.Close()
	assert.Equal(t, 0, b.count(proto.CmdUnsubscribe))
	assert.ElementsMatch(t, []string{proto.TopicActivity}, x.Topics())

	second.Close()
	unsubs := b.frames(proto.CmdUnsubscribe)
	require.Len(t, unsubs, 1)
	subID := b.frames(proto.CmdSubscribe)[0].f.Header.Get(proto.HdrID)
	assert.Equal(t, subID, unsubs[0].f.Header.Get(proto.HdrID))
	assert.Empty(t, x.Topics())

	_, open := <-second.C()
	assert.False(t, open)

	// a fresh watcher subscribes again
	third, err := x.Watch(ctx, proto.TopicActivity)
	require.NoError(t, err)
	defer third.Close()
	assert.Equal(t, 2, b.count(proto.CmdSubscribe))
}

func TestReconnectResubscribesActiveTopics(t *testing.T) {
	b := newFakeBroker()
	delay := 60 * time.Millisecond
	m := b.manager(delay)
	defer m.Close()
	x := NewMultiplexer(m)
	defer x.Close()

	ctx := context.Background()
	active, err := x.Watch(ctx, proto.TopicSubmissions)
	require.NoError(t, err)
	idle, err := x.Watch(ctx, proto.TopicActivity)
	require.NoError(t, err)
	idle.Close()
	require.Equal(t, 2, b.count(proto.CmdSubscribe))

	dropped := time.Now()
	b.latest().drop()

	select {
	case err := <-active.Errors():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not told about the drop")
	}

	require.Eventually(t, func() bool {
		return b.count(proto.CmdConnect) == 2 && b.count(proto.CmdSubscribe) == 3
	}, 2*time.Second, 5*time.Millisecond)

	connects := b.frames(proto.CmdConnect)
	assert.GreaterOrEqual(t, connects[1].at.Sub(dropped), delay)

	resub := b.frames(proto.CmdSubscribe)[2]
	assert.Equal(t, proto.TopicSubmissions, resub.f.Header.Get(proto.HdrDestination))
	assert.Equal(t, 1, resub.conn)

	time.Sleep(2 * delay)
	assert.Equal(t, 2, b.count(proto.CmdConnect))
	assert.Equal(t, 3, b.count(proto.CmdSubscribe))

	b.latest().push(proto.TopicSubmissions, `{"submissionId":3}`)
	assert.JSONEq(t, `{"submissionId":3}`, string(receive(t, active).Body))
}

func TestDropWithoutSubscribersStaysDisconnected(t *testing.T) {
	b := newFakeBroker()
	m := b.manager(10 * time.Millisecond)
	defer m.Close()
	x := NewMultiplexer(m)
	defer x.Close()

	sub, err := x.Watch(context.Background(), proto.TopicActivity)
	require.NoError(t, err)
	sub.Close()

	b.latest().drop()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, b.count(proto.CmdConnect))
}

func TestTypedStreamDropsInvalidPayloads(t *testing.T) {
	b := newFakeBroker()
	m := b.manager(time.Second)
	defer m.Close()
	x := NewMultiplexer(m)
	defer x.Close()

	stream, err := WatchSubmissions(context.Background(), x)
	require.NoError(t, err)
	defer stream.Close()

	tr := b.latest()
	tr.push(proto.TopicSubmissions, `not json`)
	tr.push(proto.TopicSubmissions, `{"submissionId":7,"progress":1.5,"submissionStatus":"SUBMITTING"}`)
	tr.push(proto.TopicSubmissions, `{"submissionId":0,"progress":0.5,"submissionStatus":"SUBMITTING"}`)
	tr.push(proto.TopicSubmissions, `{"submissionId":7,"progress":1.0,"submissionStatus":"SUBMITTED","cancelable":false,"exportable":true}`)

	select {
	case msg := <-stream.C():
		assert.Equal(t, int64(7), msg.SubmissionID)
		assert.Equal(t, "SUBMITTED", msg.SubmissionStatus)
		assert.True(t, msg.Exportable)
		assert.InDelta(t, 100.0, msg.Percent(), 0.001)
	case <-time.After(time.Second):
		t.Fatal("valid message was not delivered")
	}

	select {
	case msg := <-stream.C():
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWatchFailsWhenConnectFails(t *testing.T) {
	b := newFakeBroker()
	b.reject = "bad credentials"
	m := b.manager(time.Second)
	defer m.Close()
	x := NewMultiplexer(m)

	_, err := x.Watch(context.Background(), proto.TopicActivity)
	assert.True(t, IsConnectRejected(err))
	assert.Empty(t, x.Topics())
}
