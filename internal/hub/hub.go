// Package hub serves the push channel: negotiated sessions over WebSockets,
// server-sent events or long polling, a per-hub method table and group
// broadcasts.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/hubproto"
	"github.com/example/roster-sync/internal/observability"
	"github.com/example/roster-sync/internal/types"
)

// Call is one client invocation.
type Call struct {
	Session *Session
	Target  string
	Args    []json.RawMessage
}

// Bind decodes the call arguments positionally.
func (c *Call) Bind(dst ...any) error { return hubproto.Bind(c.Args, dst...) }

// HandlerFunc serves a hub method. The result is marshalled into the
// completion; errors travel as {kind, message}.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// SessionHook observes session lifecycle.
type SessionHook func(s *Session)

// Hub is a named method table with its own session registry.
type Hub struct {
	name     string
	registry *Registry
	logger   zerolog.Logger

	mu           sync.RWMutex
	methods      map[string]HandlerFunc
	onConnect    []SessionHook
	onDisconnect []SessionHook
}

// New creates an empty hub.
func New(name string, logger zerolog.Logger) *Hub {
	return &Hub{
		name:     name,
		registry: NewRegistry(name),
		logger:   logger.With().Str("hub", name).Logger(),
		methods:  make(map[string]HandlerFunc),
	}
}

// Name returns the hub name used in routes.
func (h *Hub) Name() string { return h.name }

// Registry exposes the session registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Handle registers fn for method, replacing any previous handler.
func (h *Hub) Handle(method string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[method] = fn
}

// OnConnect registers a hook run when a session binds its transport.
func (h *Hub) OnConnect(fn SessionHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, fn)
}

// OnDisconnect registers a hook run when a session closes.
func (h *Hub) OnDisconnect(fn SessionHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

// Join adds s to group.
func (h *Hub) Join(group string, s *Session) { h.registry.Join(group, s) }

// Leave removes s from group.
func (h *Hub) Leave(group string, s *Session) { h.registry.Leave(group, s) }

// BroadcastFrame delivers an encoded record to local group members.
func (h *Hub) BroadcastFrame(group string, frame []byte, skip string) int {
	sent := h.registry.Broadcast(group, frame, skip)
	broadcasts.WithLabelValues(h.name).Inc()
	return sent
}

// Broadcast invokes target on every local member of group.
func (h *Hub) Broadcast(group, target string, args ...any) (int, error) {
	msg, err := hubproto.NewInvocation("", target, args...)
	if err != nil {
		return 0, err
	}
	frame, err := hubproto.Encode(msg)
	if err != nil {
		return 0, err
	}
	return h.BroadcastFrame(group, frame, ""), nil
}

func (h *Hub) connected(s *Session) {
	h.mu.RLock()
	hooks := append([]SessionHook(nil), h.onConnect...)
	h.mu.RUnlock()

	if err := s.Invoke(types.EventConnected, s.id, s.identity.UserID); err != nil {
		s.logger.Debug().Err(err).Msg("failed to send connected event")
	}
	for _, hook := range hooks {
		hook(s)
	}
}

func (h *Hub) disconnected(s *Session) {
	h.mu.RLock()
	hooks := append([]SessionHook(nil), h.onDisconnect...)
	h.mu.RUnlock()
	for _, hook := range hooks {
		hook(s)
	}
}

// dispatch handles every record in data received from s.
func (h *Hub) dispatch(s *Session, data []byte) error {
	messages, err := hubproto.Decode(data)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalid, "malformed hub record", err)
	}
	for _, msg := range messages {
		switch msg.Type {
		case hubproto.TypeInvocation:
			h.invoke(s, msg)
		case hubproto.TypePing:
		case hubproto.TypeClose:
			s.Close(nil)
			return nil
		default:
			s.logger.Debug().Int("type", int(msg.Type)).Msg("ignoring unsupported record")
		}
	}
	return nil
}

func (h *Hub) invoke(s *Session, msg hubproto.Message) {
	h.mu.RLock()
	fn, ok := h.methods[msg.Target]
	h.mu.RUnlock()

	ctx, span := tracer.Start(s.ctx, "hub.invoke", trace.WithAttributes(
		attribute.String("hub", h.name),
		attribute.String("method", msg.Target),
		attribute.String("session", s.id),
		attribute.String("user", string(s.identity.UserID)),
	))
	defer span.End()
	logger := observability.LoggerWithTrace(ctx, s.logger).With().Str("method", msg.Target).Logger()

	started := time.Now()
	var (
		result any
		err    error
	)
	if !ok {
		err = apperr.NotFound(fmt.Sprintf("unknown hub method %q", msg.Target))
	} else {
		result, err = h.safeCall(ctx, fn, &Call{Session: s, Target: msg.Target, Args: msg.Arguments})
	}

	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Msg("hub invocation failed")
	}
	invocations.WithLabelValues(h.name, msg.Target, outcome).Inc()
	invocationLatency.WithLabelValues(h.name, msg.Target).Observe(time.Since(started).Seconds())

	if msg.InvocationID == "" {
		return
	}
	completion, cErr := hubproto.NewCompletion(msg.InvocationID, result, err)
	if cErr != nil {
		logger.Error().Err(cErr).Msg("failed to encode completion")
		completion, _ = hubproto.NewCompletion(msg.InvocationID, nil, apperr.New(apperr.KindUnknown, "internal error"))
	}
	if err := s.SendMessage(completion); err != nil {
		logger.Debug().Err(err).Msg("failed to deliver completion")
	}
}

func (h *Hub) safeCall(ctx context.Context, fn HandlerFunc, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("method", call.Target).Msg("hub handler panicked")
			result, err = nil, apperr.New(apperr.KindUnknown, "internal error")
		}
	}()
	return fn(ctx, call)
}
