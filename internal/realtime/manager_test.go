package realtime

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/hubproto"
	"github.com/example/roster-sync/internal/types"
)

const testBaseURL = "http://hub.test"

func newTestManager(t *testing.T, hub *fakeHub, opts ...ManagerOption) *Manager {
	t.Helper()
	opts = append([]ManagerOption{WithConnOptions(testConnOptions(hub)...)}, opts...)
	m := NewManager(zerolog.New(io.Discard), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func positionConfig() Config {
	return Config{BaseURL: testBaseURL, Hub: types.HubPosition, AccessToken: StaticToken("token")}
}

func TestManagerStartIsIdempotent(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub)

	first, err := m.Start(context.Background(), positionConfig(), Callbacks{})
	require.NoError(t, err)
	second, err := m.Start(context.Background(), Config{BaseURL: testBaseURL + "/", Hub: types.HubPosition}, Callbacks{})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, hub.negotiated.Load())
	assert.Equal(t, 1, m.ActiveCount())
	assert.True(t, m.IsConnected(testBaseURL, types.HubPosition))
}

func TestManagerConcurrentStartsShareOneConnection(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub)

	const callers = 8
	conns := make([]*Conn, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := m.Start(context.Background(), positionConfig(), Callbacks{})
			assert.NoError(t, err)
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	for _, conn := range conns[1:] {
		assert.Same(t, conns[0], conn)
	}
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManagerKeepsHubsSeparate(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub)

	pos, err := m.Start(context.Background(), positionConfig(), Callbacks{})
	require.NoError(t, err)
	msg, err := m.Start(context.Background(), Config{BaseURL: testBaseURL, Hub: types.HubMessaging}, Callbacks{})
	require.NoError(t, err)

	assert.NotSame(t, pos, msg)
	assert.Equal(t, 2, m.ActiveCount())
	assert.Same(t, msg, m.Connection(testBaseURL, types.HubMessaging))
}

func TestManagerStartRejectsIncompleteConfig(t *testing.T) {
	m := newTestManager(t, newFakeHub())
	_, err := m.Start(context.Background(), Config{Hub: types.HubPosition}, Callbacks{})
	assert.Error(t, err)
}

func TestManagerReconnectCallbackRunsOnceAndSwallowsErrors(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub)

	var calls atomic.Int32
	conn, err := m.Start(context.Background(), positionConfig(), Callbacks{
		OnReconnected: func(context.Context) error {
			calls.Add(1)
			return errBoom
		},
	})
	require.NoError(t, err)

	hub.latest().drop()

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, StateConnected, conn.State())
	assert.Same(t, conn, m.Connection(testBaseURL, types.HubPosition))
}

func TestManagerReconnectCallbackPanicIsContained(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub)

	var calls atomic.Int32
	conn, err := m.Start(context.Background(), positionConfig(), Callbacks{
		OnReconnected: func(context.Context) error {
			calls.Add(1)
			panic("resubscribe failed")
		},
	})
	require.NoError(t, err)

	hub.latest().drop()

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return conn.State() == StateConnected }, time.Second, 5*time.Millisecond)

	// The connection still works after the callback blew up.
	require.NoError(t, conn.Invoke(context.Background(), types.MethodJoinEventGroup, "event-1"))
}

func TestManagerRestartsAfterErrorClose(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub, WithRestartDelay(10*time.Millisecond))

	closes := make(chan error, 4)
	first, err := m.Start(context.Background(), positionConfig(), Callbacks{
		OnClose: func(err error) { closes <- err },
	})
	require.NoError(t, err)

	hub.latest().push(hubproto.Message{Type: hubproto.TypeClose, Error: apperr.New(apperr.KindUnknown, "server shutting down")})

	select {
	case err := <-closes:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not invoked")
	}

	assert.Eventually(t, func() bool {
		conn := m.Connection(testBaseURL, types.HubPosition)
		return conn != nil && conn != first && conn.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, hub.negotiated.Load())
}

func TestManagerStopDoesNotRestart(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub, WithRestartDelay(5*time.Millisecond))

	closes := make(chan error, 1)
	_, err := m.Start(context.Background(), positionConfig(), Callbacks{
		OnClose: func(err error) { closes <- err },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, testBaseURL, types.HubPosition))
	assert.NoError(t, <-closes)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, m.ActiveCount())
	assert.False(t, m.IsConnected(testBaseURL, types.HubPosition))
	assert.EqualValues(t, 1, hub.negotiated.Load())

	// Stopping twice is a no-op.
	require.NoError(t, m.Stop(ctx, testBaseURL, types.HubPosition))
}

func TestManagerStopAllClearsEveryConnection(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub)

	for _, name := range []string{types.HubPosition, types.HubMessaging, types.HubEvaluation} {
		_, err := m.Start(context.Background(), Config{BaseURL: testBaseURL, Hub: name}, Callbacks{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.ActiveCount())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	assert.Equal(t, 0, m.ActiveCount())

	// The manager stays usable after StopAll.
	conn, err := m.Start(context.Background(), positionConfig(), Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, conn.State())
}

func TestManagerReportsStatusTransitions(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub)

	var mu sync.Mutex
	var statuses []types.ConnectionStatus
	var setups atomic.Int32
	_, err := m.Start(context.Background(), positionConfig(), Callbacks{
		Setup: func(*Conn) { setups.Add(1) },
		OnStateChange: func(s types.ConnectionStatus) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	hub.latest().drop()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 4
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, testBaseURL, types.HubPosition))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.ConnectionStatus{
		types.StatusConnecting,
		types.StatusConnected,
		types.StatusReconnecting,
		types.StatusConnected,
		types.StatusDisconnected,
	}, statuses)
	assert.EqualValues(t, 1, setups.Load())
}

func TestManagerReplacesStaleConnectionAndKeepsNewCallbacks(t *testing.T) {
	hub := newFakeHub()
	m := newTestManager(t, hub, WithConnOptions(WithRetryPolicy(ExponentialBackoff{Base: time.Hour, Max: time.Hour})))

	oldCloses := make(chan error, 1)
	stale, err := m.Start(context.Background(), positionConfig(), Callbacks{
		OnClose: func(err error) { oldCloses <- err },
	})
	require.NoError(t, err)

	hub.latest().drop()
	require.Eventually(t, func() bool { return stale.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	var statuses []types.ConnectionStatus
	fresh, err := m.Start(context.Background(), positionConfig(), Callbacks{
		OnStateChange: func(s types.ConnectionStatus) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NotSame(t, stale, fresh)

	assert.Equal(t, StateDisconnected, stale.State())
	assert.Same(t, fresh, m.Connection(testBaseURL, types.HubPosition))
	assert.Equal(t, 1, m.ActiveCount())
	assert.Empty(t, oldCloses)

	// The replacement still reports through its own callbacks.
	hub.latest().drop()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) > 0 && statuses[len(statuses)-1] == types.StatusReconnecting
	}, time.Second, 5*time.Millisecond)
}
