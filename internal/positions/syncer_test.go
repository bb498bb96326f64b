package positions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/types"
)

type hubCall struct {
	method string
	args   []any
}

type fakeHub struct {
	mu        sync.Mutex
	connected bool
	calls     []hubCall
	invoke    func(method string, args ...any) error
}

func (h *fakeHub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *fakeHub) InvokeResult(_ context.Context, _ any, method string, args ...any) error {
	h.mu.Lock()
	h.calls = append(h.calls, hubCall{method: method, args: args})
	invoke := h.invoke
	h.mu.Unlock()
	if invoke != nil {
		return invoke(method, args...)
	}
	return nil
}

func (h *fakeHub) methods() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.calls))
	for _, c := range h.calls {
		out = append(out, c.method)
	}
	return out
}

type fakeRemote struct {
	positions map[types.EventID][]types.Position
	claim     func(types.PositionID) (types.Position, error)
	release   func(types.PositionID) (types.Position, error)
	assign    func(types.PositionID, types.UserID) (types.Position, error)
	clear     func(types.PositionID) (types.Position, error)
	fetches   int
}

func (r *fakeRemote) EventPositions(_ context.Context, eventID types.EventID) ([]types.Position, error) {
	r.fetches++
	return r.positions[eventID], nil
}

func (r *fakeRemote) ClaimPosition(_ context.Context, id types.PositionID) (types.Position, error) {
	return r.claim(id)
}

func (r *fakeRemote) ReleasePosition(_ context.Context, id types.PositionID) (types.Position, error) {
	return r.release(id)
}

func (r *fakeRemote) AssignPosition(_ context.Context, id types.PositionID, user types.UserID) (types.Position, error) {
	return r.assign(id, user)
}

func (r *fakeRemote) ClearPosition(_ context.Context, id types.PositionID) (types.Position, error) {
	return r.clear(id)
}

func newTestSyncer(hub *fakeHub, remote *fakeRemote) *Syncer {
	return NewSyncer(NewStore(), hub, remote, "alice", zerolog.New(io.Discard))
}

func TestTakeRollsBackWhenAlreadyClaimed(t *testing.T) {
	hub := &fakeHub{connected: true}
	syncer := newTestSyncer(hub, &fakeRemote{})
	store := syncer.Store()
	store.ApplyConfirmed(openPosition("pos-1"))

	var sawOptimistic bool
	hub.invoke = func(method string, _ ...any) error {
		pos, _ := store.Get("pos-1")
		sawOptimistic = pos.HeldBy("alice")
		return apperr.AlreadyClaimed("position already taken")
	}

	err := syncer.Take(context.Background(), "pos-1")
	require.Error(t, err)
	assert.True(t, sawOptimistic, "store shows the claim while the call is in flight")

	got, _ := store.Get("pos-1")
	assert.True(t, got.Open())
	assert.Equal(t, apperr.KindAlreadyClaimed, apperr.KindOf(err))
	assert.Contains(t, apperr.UserMessage(err, "Something went wrong"), "taken by someone else")
	assert.Equal(t, []string{types.MethodTakePosition}, hub.methods())
}

func TestTakeKeepsPushThatArrivedDuringFailedCall(t *testing.T) {
	hub := &fakeHub{connected: true}
	syncer := newTestSyncer(hub, &fakeRemote{})
	store := syncer.Store()
	store.ApplyConfirmed(openPosition("pos-1"))

	pushed := openPosition("pos-1").WithOccupant(userPtr("bob"))
	pushed.Version = 2
	hub.invoke = func(string, ...any) error {
		store.ApplyConfirmed(pushed)
		return apperr.AlreadyClaimed("position already taken")
	}

	require.Error(t, syncer.Take(context.Background(), "pos-1"))
	got, _ := store.Get("pos-1")
	assert.Equal(t, pushed, got)
}

func TestTakeFallsBackToRESTWhenDisconnected(t *testing.T) {
	hub := &fakeHub{connected: false}
	confirmed := openPosition("pos-1").WithOccupant(userPtr("alice"))
	confirmed.Version = 2
	remote := &fakeRemote{claim: func(types.PositionID) (types.Position, error) { return confirmed, nil }}
	syncer := newTestSyncer(hub, remote)
	syncer.Store().ApplyConfirmed(openPosition("pos-1"))

	require.NoError(t, syncer.Take(context.Background(), "pos-1"))

	got, _ := syncer.Store().Get("pos-1")
	assert.Equal(t, confirmed, got)
	assert.Empty(t, hub.methods())
}

func TestTakeSuccessOverHubWaitsForPush(t *testing.T) {
	hub := &fakeHub{connected: true}
	syncer := newTestSyncer(hub, &fakeRemote{})
	syncer.Store().ApplyConfirmed(openPosition("pos-1"))

	require.NoError(t, syncer.Take(context.Background(), "pos-1"))
	got, _ := syncer.Store().Get("pos-1")
	assert.True(t, got.HeldBy("alice"))
	assert.EqualValues(t, 1, got.Version, "provisional until the push arrives")

	pushed := got
	pushed.Version = 2
	payload, err := json.Marshal(pushed)
	require.NoError(t, err)
	syncer.confirm(types.EventPositionTaken)([]json.RawMessage{payload})

	got, _ = syncer.Store().Get("pos-1")
	assert.EqualValues(t, 2, got.Version)
}

func TestLeaveRollsBackOnConnectionLoss(t *testing.T) {
	hub := &fakeHub{connected: true}
	syncer := newTestSyncer(hub, &fakeRemote{})
	held := openPosition("pos-1").WithOccupant(userPtr("alice"))
	syncer.Store().ApplyConfirmed(held)

	hub.invoke = func(string, ...any) error { return apperr.ConnectionLost(errors.New("reset by peer")) }

	err := syncer.Leave(context.Background(), "pos-1")
	require.Error(t, err)
	assert.Equal(t, "Connection lost. Please try again.", apperr.UserMessage(err, ""))

	got, _ := syncer.Store().Get("pos-1")
	assert.Equal(t, held, got)
}

func TestLeaveOverRESTUnauthorized(t *testing.T) {
	remote := &fakeRemote{release: func(types.PositionID) (types.Position, error) {
		return types.Position{}, apperr.Unauthorized("not your position")
	}}
	syncer := newTestSyncer(&fakeHub{}, remote)
	held := openPosition("pos-1").WithOccupant(userPtr("bob"))
	syncer.Store().ApplyConfirmed(held)

	err := syncer.Leave(context.Background(), "pos-1")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	got, _ := syncer.Store().Get("pos-1")
	assert.True(t, got.HeldBy("bob"))
}

func TestAssignAppliesServerResult(t *testing.T) {
	assigned := openPosition("pos-1").WithOccupant(userPtr("carol"))
	assigned.Version = 3
	remote := &fakeRemote{assign: func(id types.PositionID, user types.UserID) (types.Position, error) {
		assert.Equal(t, types.UserID("carol"), user)
		return assigned, nil
	}}
	syncer := newTestSyncer(&fakeHub{connected: true}, remote)

	pos, err := syncer.Assign(context.Background(), "pos-1", "carol")
	require.NoError(t, err)
	assert.Equal(t, assigned, pos)
	got, _ := syncer.Store().Get("pos-1")
	assert.Equal(t, assigned, got)
}

func TestClearKeepsStoreWhenServerRefuses(t *testing.T) {
	held := openPosition("pos-1").WithOccupant(userPtr("bob"))
	remote := &fakeRemote{clear: func(types.PositionID) (types.Position, error) {
		return types.Position{}, apperr.Unauthorized("only captains can clear positions")
	}}
	syncer := newTestSyncer(&fakeHub{connected: true}, remote)
	syncer.Store().ApplyConfirmed(held)

	_, err := syncer.Clear(context.Background(), "pos-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	got, _ := syncer.Store().Get("pos-1")
	assert.True(t, got.HeldBy("bob"))

	cleared := openPosition("pos-1")
	cleared.Version = 4
	remote.clear = func(types.PositionID) (types.Position, error) { return cleared, nil }
	pos, err := syncer.Clear(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.True(t, pos.Open())
	got, _ = syncer.Store().Get("pos-1")
	assert.Equal(t, cleared, got)
}

func TestLoadEventJoinsGroupAndResyncRefetches(t *testing.T) {
	hub := &fakeHub{connected: true}
	remote := &fakeRemote{positions: map[types.EventID][]types.Position{
		"event-1": {openPosition("pos-1"), openPosition("pos-2")},
	}}
	syncer := newTestSyncer(hub, remote)

	require.NoError(t, syncer.LoadEvent(context.Background(), "event-1"))
	assert.Len(t, syncer.Store().List("event-1"), 2)
	assert.Equal(t, []string{types.MethodJoinEventGroup}, hub.methods())

	remote.positions["event-1"] = []types.Position{openPosition("pos-1")}
	require.NoError(t, syncer.Callbacks().OnReconnected(context.Background()))

	assert.Len(t, syncer.Store().List("event-1"), 1)
	assert.Equal(t, 2, remote.fetches)
	assert.Equal(t, []string{types.MethodJoinEventGroup, types.MethodJoinEventGroup}, hub.methods())

	require.NoError(t, syncer.LeaveEvent(context.Background(), "event-1"))
	assert.Empty(t, syncer.Events())
}

func TestLoadEventOfflineStillFetches(t *testing.T) {
	hub := &fakeHub{connected: false}
	remote := &fakeRemote{positions: map[types.EventID][]types.Position{"event-1": {openPosition("pos-1")}}}
	syncer := newTestSyncer(hub, remote)

	require.NoError(t, syncer.LoadEvent(context.Background(), "event-1"))
	assert.Len(t, syncer.Store().List("event-1"), 1)
	assert.Empty(t, hub.methods())
}

func TestMalformedPushIsDropped(t *testing.T) {
	syncer := newTestSyncer(&fakeHub{}, &fakeRemote{})
	syncer.confirm(types.EventPositionReleased)([]json.RawMessage{json.RawMessage(`"not a position"`)})
	assert.Equal(t, 0, syncer.Store().Len())
}
