package realtime

import (
	"context"
	"encoding/json"
	"errors"
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

func newTestConn(t *testing.T, hub *fakeHub, factories ...TransportFactory) *Conn {
	t.Helper()
	conn := NewConn("http://hub.test/hubs/position", types.HubPosition, StaticToken("token"),
		zerolog.New(io.Discard), testConnOptions(hub, factories...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Stop(ctx)
	})
	return conn
}

func TestConnInvokeResultRoundTrip(t *testing.T) {
	hub := newFakeHub()
	hub.reply = func(msg hubproto.Message) (any, error) {
		var positionID string
		if err := hubproto.Bind(msg.Arguments, &positionID); err != nil {
			return nil, err
		}
		return map[string]string{"taken": positionID}, nil
	}
	conn := newTestConn(t, hub)
	require.NoError(t, conn.Start(context.Background()))
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, "conn-1", conn.ConnectionID())

	var out map[string]string
	err := conn.InvokeResult(context.Background(), &out, types.MethodTakePosition, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, "pos-1", out["taken"])
	assert.Len(t, hub.invocations(types.MethodTakePosition), 1)
}

func TestConnInvokeSurfacesHubErrors(t *testing.T) {
	hub := newFakeHub()
	hub.reply = func(hubproto.Message) (any, error) {
		return nil, apperr.AlreadyClaimed("position already taken")
	}
	conn := newTestConn(t, hub)
	require.NoError(t, conn.Start(context.Background()))

	err := conn.Invoke(context.Background(), types.MethodTakePosition, "pos-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAlreadyClaimed, apperr.KindOf(err))
	assert.True(t, errors.Is(err, apperr.AlreadyClaimed("")))
}

func TestConnInvokeWhenNotConnected(t *testing.T) {
	conn := newTestConn(t, newFakeHub())

	err := conn.Invoke(context.Background(), types.MethodTakePosition, "pos-1")
	assert.Equal(t, apperr.KindConnectionLost, apperr.KindOf(err))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnFallsBackInPreferenceOrder(t *testing.T) {
	hub := newFakeHub()
	ws := &fakeFactory{name: hubproto.TransportWebSockets, hub: hub, fail: errors.New("upgrade blocked by proxy")}
	sse := &fakeFactory{name: hubproto.TransportServerSentEvents, hub: hub}
	lp := &fakeFactory{name: hubproto.TransportLongPolling, hub: hub}

	conn := newTestConn(t, hub, ws, sse, lp)
	require.NoError(t, conn.Start(context.Background()))

	assert.Equal(t, hubproto.TransportServerSentEvents, conn.Transport())
	assert.EqualValues(t, 1, ws.connects.Load())
	assert.EqualValues(t, 1, sse.connects.Load())
	assert.EqualValues(t, 0, lp.connects.Load())
}

func TestConnUnauthorizedStopsFallback(t *testing.T) {
	hub := newFakeHub()
	ws := &fakeFactory{name: hubproto.TransportWebSockets, hub: hub, fail: apperr.Unauthorized("bad token")}
	sse := &fakeFactory{name: hubproto.TransportServerSentEvents, hub: hub}

	conn := newTestConn(t, hub, ws, sse)
	err := conn.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.EqualValues(t, 0, sse.connects.Load())
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnStartIsSingleUse(t *testing.T) {
	conn := newTestConn(t, newFakeHub())
	require.NoError(t, conn.Start(context.Background()))
	assert.Error(t, conn.Start(context.Background()))
}

func TestConnDispatchesServerInvocations(t *testing.T) {
	hub := newFakeHub()
	conn := newTestConn(t, hub)

	got := make(chan types.Position, 1)
	conn.On(types.EventPositionTaken, func(args []json.RawMessage) {
		var pos types.Position
		if err := hubproto.Bind(args, &pos); err == nil {
			got <- pos
		}
	})
	conn.On(types.EventPositionReleased, func([]json.RawMessage) { panic("handler bug") })
	require.NoError(t, conn.Start(context.Background()))

	tr := hub.latest()
	tr.invoke(types.EventPositionReleased, types.Position{ID: "pos-0"})
	tr.invoke(types.EventPositionTaken, types.Position{ID: "pos-1", Name: "Captain"})

	select {
	case pos := <-got:
		assert.Equal(t, types.PositionID("pos-1"), pos.ID)
		assert.Equal(t, "Captain", pos.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnReconnectsAfterTransportDrop(t *testing.T) {
	hub := newFakeHub()
	conn := newTestConn(t, hub)

	var reconnecting, reconnected atomic.Int32
	var mu sync.Mutex
	var newID string
	conn.OnReconnecting(func(error) { reconnecting.Add(1) })
	conn.OnReconnected(func(id string) {
		mu.Lock()
		newID = id
		mu.Unlock()
		reconnected.Add(1)
	})
	require.NoError(t, conn.Start(context.Background()))

	hub.latest().drop()

	assert.Eventually(t, func() bool { return reconnected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, reconnecting.Load())
	assert.Equal(t, StateConnected, conn.State())
	mu.Lock()
	assert.Equal(t, "conn-2", newID)
	mu.Unlock()
	assert.Equal(t, "conn-2", conn.ConnectionID())
}

func TestConnGivesUpAfterRetryPolicyStops(t *testing.T) {
	hub := newFakeHub()
	factory := &fakeFactory{name: hubproto.TransportWebSockets, hub: hub}
	conn := NewConn("http://hub.test/hubs/position", types.HubPosition, nil, zerolog.New(io.Discard),
		WithNegotiator(hub.negotiate),
		WithTransports(factory),
		WithRetryPolicy(ExponentialBackoff{Base: time.Millisecond, Max: time.Millisecond, MaxRetries: 2}),
	)

	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })
	require.NoError(t, conn.Start(context.Background()))

	factory.setFail(errors.New("network unreachable"))
	hub.latest().drop()

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not give up")
	}
	assert.Equal(t, StateDisconnected, conn.State())
	<-conn.Done()
}

func TestConnServerCloseWithoutReconnect(t *testing.T) {
	hub := newFakeHub()
	conn := newTestConn(t, hub)

	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })
	require.NoError(t, conn.Start(context.Background()))

	hub.latest().push(hubproto.Message{Type: hubproto.TypeClose, Error: apperr.Unauthorized("session expired")})

	select {
	case err := <-closed:
		assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("close was not reported")
	}
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnStopReportsNilError(t *testing.T) {
	hub := newFakeHub()
	conn := newTestConn(t, hub)

	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })
	require.NoError(t, conn.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Stop(ctx))

	assert.NoError(t, <-closed)
	assert.Equal(t, StateDisconnected, conn.State())

	// The server saw the close handshake.
	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.NotEmpty(t, hub.received)
	assert.Equal(t, hubproto.TypeClose, hub.received[len(hub.received)-1].Type)
}
