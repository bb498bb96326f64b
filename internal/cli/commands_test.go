package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roster-sync/internal/api"
	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/auth"
	"github.com/example/roster-sync/internal/hub"
	"github.com/example/roster-sync/internal/receipts"
	"github.com/example/roster-sync/internal/roster"
	"github.com/example/roster-sync/internal/storage"
	"github.com/example/roster-sync/internal/types"
)

const testSecret = "cli-secret"

type testServer struct {
	url      string
	hubDown  *atomic.Bool
	tokens   *auth.JWT
	repo     *storage.Memory
	roster   *roster.Service
	receipts *receipts.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	tokens, err := auth.NewJWT(testSecret, "roster-sync")
	require.NoError(t, err)

	repo := storage.NewMemory()
	for _, p := range []types.Position{
		{ID: "p1", EventID: "e1", TeamID: "t1", Name: "Keeper"},
		{ID: "p2", EventID: "e1", TeamID: "t1", Name: "Striker"},
	} {
		_, err := repo.SavePosition(context.Background(), p)
		require.NoError(t, err)
	}

	positionHub := hub.New(types.HubPosition, zerolog.Nop())
	messagingHub := hub.New(types.HubMessaging, zerolog.Nop())
	srv, err := hub.NewServer(tokens, zerolog.Nop(), hub.Config{}, positionHub, messagingHub)
	require.NoError(t, err)

	rosterSvc := roster.NewService(repo, srv, zerolog.Nop())
	rosterSvc.Register(positionHub)
	receiptsSvc := receipts.NewService(repo, srv, zerolog.Nop())
	receiptsSvc.Register(messagingHub)

	router := mux.NewRouter()
	srv.Routes(router)
	api.NewHandler(rosterSvc, receiptsSvc, tokens, zerolog.Nop()).Routes(router)

	hubDown := &atomic.Bool{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hubDown.Load() && strings.HasPrefix(r.URL.Path, "/hubs/") {
			http.NotFound(w, r)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &testServer{url: ts.URL, hubDown: hubDown, tokens: tokens, repo: repo, roster: rosterSvc, receipts: receiptsSvc}
}

func (s *testServer) token(t *testing.T, user types.UserID, roles ...string) string {
	t.Helper()
	token, err := s.tokens.Issue(user, roles, time.Hour)
	require.NoError(t, err)
	return token
}

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(ctx context.Context, args ...string) (string, error) {
	var out, errOut syncBuffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	out, err := run(context.Background(), "token", "--secret", testSecret, "--user", "alice", "--role", "captain")
	require.NoError(t, err)

	authority, err := auth.NewJWT(testSecret, "roster-sync")
	require.NoError(t, err)
	id, err := authority.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, types.UserID("alice"), id.UserID)
	assert.True(t, id.HasAnyRole(auth.RoleCaptain))

	_, err = run(context.Background(), "token", "--secret", testSecret)
	assert.ErrorContains(t, err, "--user")
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(context.Background(), "--format", "yaml", "positions", "e1")
	assert.ErrorContains(t, err, "invalid format")
}

func TestPositionCommands(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.token(t, "alice")
	base := []string{"--server", srv.url, "--token", alice}

	out, err := run(ctx, append(base, "positions", "e1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Keeper")
	assert.Contains(t, out, "Striker")

	out, err = run(ctx, append(base, "claim", "p1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "held by alice")

	out, err = run(ctx, append(base, "--format", "json", "release", "p1")...)
	require.NoError(t, err)
	var pos types.Position
	require.NoError(t, json.Unmarshal([]byte(out), &pos))
	assert.True(t, pos.Open())

	_, err = run(ctx, append(base, "assign", "p2", "bob")...)
	assert.Error(t, err)

	captain := srv.token(t, "coach", auth.RoleCaptain)
	out, err = run(ctx, "--server", srv.url, "--token", captain, "assign", "p2", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "held by bob")
}

func TestReadCommand(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var sent []types.Message
	for _, body := range []string{"one", "two", "three"} {
		msg, err := srv.receipts.Send(ctx, "c1", "bob", body)
		require.NoError(t, err)
		sent = append(sent, msg)
	}
	mine, err := srv.receipts.Send(ctx, "c1", "alice", "mine")
	require.NoError(t, err)

	out, err := run(ctx, "--server", srv.url, "--token", srv.token(t, "alice"), "read", "c1", "--visible", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "marked "+string(sent[2].ID))
	assert.NotContains(t, out, string(mine.ID))

	list, err := srv.receipts.Receipts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sent[2].ID, list[0].LastMessageID)

	out, err = run(ctx, "--server", srv.url, "--token", srv.token(t, "alice"), "read", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "marked "+string(sent[2].ID))
}

func TestWatchPrintsChanges(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var (
		out  syncBuffer
		done = make(chan error, 1)
	)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--server", srv.url, "--token", srv.token(t, "alice"), "watch", "e1", "--duration", "3s"})
	cmd.SetOut(&out)
	cmd.SetErr(&syncBuffer{})
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "loaded roster of e1")
	}, 2*time.Second, 10*time.Millisecond)

	_, err := srv.roster.Claim(ctx, "p2", "bob")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "p2 (Striker) held by bob")
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after --duration")
	}
}

func TestClaimRollsBackAndReportsConflict(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.roster.Claim(ctx, "p1", "bob")
	require.NoError(t, err)

	out, err := run(ctx, "--server", srv.url, "--token", srv.token(t, "alice"), "claim", "p1")
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Equal(t, apperr.KindAlreadyClaimed, apperr.KindOf(err))
	assert.Equal(t, "Position was just taken by someone else", apperr.UserMessage(err, err.Error()))

	pos, err := srv.roster.Position(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, pos.HeldBy("bob"))
}

func TestPositionCommandsFallBackToREST(t *testing.T) {
	srv := newTestServer(t)
	srv.hubDown.Store(true)
	ctx := context.Background()
	base := []string{"--server", srv.url, "--token", srv.token(t, "alice")}

	out, err := run(ctx, append(base, "claim", "p1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "p1 (Keeper) held by alice")

	_, err = run(ctx, append(base, "claim", "p1")...)
	require.NoError(t, err)

	out, err = run(ctx, append(base, "release", "p1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "p1 (Keeper) open")

	captain := srv.token(t, "coach", auth.RoleCaptain)
	out, err = run(ctx, "--server", srv.url, "--token", captain, "assign", "p2", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "held by bob")
	out, err = run(ctx, "--server", srv.url, "--token", captain, "assign", "p2")
	require.NoError(t, err)
	assert.Contains(t, out, "p2 (Striker) open")
}

func TestWatchFallsBackToRESTAndPicksUpTheHub(t *testing.T) {
	srv := newTestServer(t)
	srv.hubDown.Store(true)
	ctx := context.Background()

	var (
		out  syncBuffer
		done = make(chan error, 1)
	)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--server", srv.url, "--token", srv.token(t, "alice"),
		"watch", "e1", "--duration", "4s", "--hub-retry", "50ms"})
	cmd.SetOut(&out)
	cmd.SetErr(&syncBuffer{})
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "loaded roster of e1")
	}, 2*time.Second, 10*time.Millisecond)

	srv.hubDown.Store(false)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "hub connected")
	}, 2*time.Second, 10*time.Millisecond)

	// Wait for the rejoin refetch so the claim below is pushed, not fetched.
	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "loaded roster of e1") >= 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err := srv.roster.Claim(ctx, "p2", "bob")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "p2 (Striker) held by bob")
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("watch did not stop after --duration")
	}
}
