package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/statusync/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectCoalescesConcurrentCallers(t *testing.T) {
	b := newFakeBroker()
	b.hold = make(chan struct{})
	m := b.manager(time.Second)
	defer m.Close()

	const callers = 8
	conns := make([]*Conn, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = m.Connect(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return b.count(proto.CmdConnect) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(b.hold)
	wg.Wait()

	assert.Equal(t, 1, b.count(proto.CmdConnect))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, conns[0], conns[i])
	}
	assert.Equal(t, Connected, m.State())
}

func TestConnectAttachesBearerToken(t *testing.T) {
	b := newFakeBroker()
	m := NewManager(Config{
		EndpointURL:  "ws://broker.test/ws",
		Tokens:       StaticToken("secret"),
		NewTransport: b.factory,
	})
	defer m.Close()

	conn, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "session-0", conn.Session())

	connects := b.frames(proto.CmdConnect)
	require.Len(t, connects, 1)
	assert.Equal(t, "Bearer secret", connects[0].f.Header.Get(proto.HdrAuthorization))
	assert.Equal(t, proto.Version, connects[0].f.Header.Get(proto.HdrAcceptVersion))
	assert.Equal(t, "broker.test", connects[0].f.Header.Get(proto.HdrHost))
}

func TestConnectWithoutTokenOmitsAuthorization(t *testing.T) {
	b := newFakeBroker()
	m := b.manager(time.Second)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	_, ok := b.frames(proto.CmdConnect)[0].f.Header.Contains(proto.HdrAuthorization)
	assert.False(t, ok)
}

func TestConnectRejectionIsNotRetried(t *testing.T) {
	b := newFakeBroker()
	b.reject = "invalid token"
	m := b.manager(10 * time.Millisecond)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectRejected(err))

	var cerr *ConnectError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "invalid token", cerr.Message)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.count(proto.CmdConnect))
	assert.Equal(t, Disconnected, m.State())
}

func TestDropDoesNotRedialEagerly(t *testing.T) {
	b := newFakeBroker()
	m := b.manager(10 * time.Millisecond)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	b.latest().drop()
	require.Eventually(t, func() bool { return m.State() == Disconnected }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.count(proto.CmdConnect))
}

func TestReconnectWaitsForDelay(t *testing.T) {
	b := newFakeBroker()
	delay := 80 * time.Millisecond
	m := b.manager(delay)
	defer m.Close()

	first, err := m.Connect(context.Background())
	require.NoError(t, err)

	dropped := time.Now()
	b.latest().drop()
	<-first.Done()
	require.Eventually(t, func() bool { return m.State() == Disconnected }, time.Second, 5*time.Millisecond)

	second, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.GreaterOrEqual(t, time.Since(dropped), delay)
	assert.Equal(t, 2, b.count(proto.CmdConnect))
}

func TestWatchReportsTransitions(t *testing.T) {
	b := newFakeBroker()
	m := b.manager(time.Second)
	defer m.Close()

	changes, cancel := m.Watch()
	defer cancel()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	first := <-changes
	assert.Equal(t, Disconnected, first.From)
	assert.Equal(t, Connecting, first.To)
	second := <-changes
	assert.Equal(t, Connected, second.To)
}

func TestCloseSendsDisconnectAndRejectsConnect(t *testing.T) {
	b := newFakeBroker()
	m := b.manager(time.Second)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	assert.Equal(t, 1, b.count(proto.CmdDisconnect))
	_, err = m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExponentialReconnectPolicy(t *testing.T) {
	cfg := Config{ReconnectDelay: 100 * time.Millisecond, MaxReconnectDelay: 300 * time.Millisecond}
	p := cfg.reconnectPolicy()
	assert.Equal(t, 100*time.Millisecond, p.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, p.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, p.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, p.NextBackOff())

	constant := Config{ReconnectDelay: 100 * time.Millisecond}.reconnectPolicy()
	assert.Equal(t, 100*time.Millisecond, constant.NextBackOff())
	assert.Equal(t, 100*time.Millisecond, constant.NextBackOff())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(Disconnected, Connecting))
	assert.True(t, canTransition(Connecting, Connected))
	assert.True(t, canTransition(Connected, Disconnected))
	assert.True(t, canTransition(Disconnected, Reconnecting))
	assert.False(t, canTransition(Connected, Connecting))
	assert.False(t, canTransition(Reconnecting, Connected))
	assert.Equal(t, "reconnecting", Reconnecting.String())
}
