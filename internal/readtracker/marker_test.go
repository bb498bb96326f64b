package readtracker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/types"
)

type stubHub struct {
	connected bool
	err       error
	methods   []string
	args      [][]any
}

func (h *stubHub) Connected() bool { return h.connected }

func (h *stubHub) InvokeResult(_ context.Context, _ any, method string, args ...any) error {
	h.methods = append(h.methods, method)
	h.args = append(h.args, args)
	return h.err
}

type stubRemote struct {
	calls []markCall
	err   error
}

func (r *stubRemote) MarkRead(_ context.Context, chat types.ChatID, message types.MessageID) error {
	r.calls = append(r.calls, markCall{chat: chat, message: message})
	return r.err
}

func TestRemoteMarkerPrefersHub(t *testing.T) {
	hub := &stubHub{connected: true}
	remote := &stubRemote{}

	require.NoError(t, RemoteMarker(hub, remote)(context.Background(), "chat-1", "m2"))
	assert.Equal(t, []string{types.MethodMarkAsRead}, hub.methods)
	assert.Equal(t, []any{types.ChatID("chat-1"), types.MessageID("m2")}, hub.args[0])
	assert.Empty(t, remote.calls)
}

func TestRemoteMarkerFallsBackToREST(t *testing.T) {
	remote := &stubRemote{}

	require.NoError(t, RemoteMarker(&stubHub{connected: false}, remote)(context.Background(), "chat-1", "m2"))
	assert.Equal(t, []markCall{{chat: "chat-1", message: "m2"}}, remote.calls)

	hub := &stubHub{connected: true, err: apperr.ConnectionLost(errors.New("eof"))}
	require.NoError(t, RemoteMarker(hub, remote)(context.Background(), "chat-1", "m3"))
	assert.Len(t, remote.calls, 2)
}

func TestRemoteMarkerReportsFailure(t *testing.T) {
	err := RemoteMarker(nil, &stubRemote{err: apperr.NotFound("chat gone")})(context.Background(), "chat-1", "m2")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	err = RemoteMarker(nil, nil)(context.Background(), "chat-1", "m2")
	assert.Error(t, err)
}
