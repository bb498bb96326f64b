package positions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/hubproto"
	"github.com/example/roster-sync/internal/realtime"
	"github.com/example/roster-sync/internal/types"
)

const (
	pathHub  = "hub"
	pathREST = "rest"
)

// Hub is the live push channel for the position hub.
type Hub interface {
	Connected() bool
	InvokeResult(ctx context.Context, out any, method string, args ...any) error
}

// Remote is the REST fallback for roster operations.
type Remote interface {
	EventPositions(ctx context.Context, eventID types.EventID) ([]types.Position, error)
	ClaimPosition(ctx context.Context, id types.PositionID) (types.Position, error)
	ReleasePosition(ctx context.Context, id types.PositionID) (types.Position, error)
	AssignPosition(ctx context.Context, id types.PositionID, user types.UserID) (types.Position, error)
	ClearPosition(ctx context.Context, id types.PositionID) (types.Position, error)
}

// Syncer drives roster actions through the store: optimistic write, hub call
// or REST fallback, rollback on failure. Pushed events confirm state.
type Syncer struct {
	store  *Store
	hub    Hub
	remote Remote
	user   types.UserID
	logger zerolog.Logger

	mu     sync.Mutex
	events map[types.EventID]struct{}
}

// NewSyncer wires a store to its transports for the signed-in user.
func NewSyncer(store *Store, hub Hub, remote Remote, user types.UserID, logger zerolog.Logger) *Syncer {
	return &Syncer{
		store:  store,
		hub:    hub,
		remote: remote,
		user:   user,
		logger: logger.With().Str("component", "positions").Logger(),
		events: make(map[types.EventID]struct{}),
	}
}

// Store returns the underlying store.
func (s *Syncer) Store() *Store { return s.store }

// Callbacks returns the connection hooks that keep the store in sync.
func (s *Syncer) Callbacks() realtime.Callbacks {
	return realtime.Callbacks{
		Setup:         s.Attach,
		OnStateChange: s.store.SetStatus,
		OnReconnected: s.Resync,
	}
}

// Attach registers the push handlers on conn.
func (s *Syncer) Attach(conn *realtime.Conn) {
	conn.On(types.EventPositionTaken, s.confirm(types.EventPositionTaken))
	conn.On(types.EventPositionReleased, s.confirm(types.EventPositionReleased))
}

func (s *Syncer) confirm(event string) realtime.Handler {
	return func(args []json.RawMessage) {
		var pos types.Position
		if err := hubproto.Bind(args, &pos); err != nil {
			s.logger.Warn().Err(err).Str("event", event).Msg("dropping malformed position event")
			return
		}
		s.store.ApplyConfirmed(pos)
	}
}

// Take claims id for the current user.
func (s *Syncer) Take(ctx context.Context, id types.PositionID) error {
	user := s.user
	rollback := s.store.ApplyOptimistic(id, func(p types.Position) types.Position {
		return p.WithOccupant(&user)
	})
	if err := s.mutate(ctx, "take", id, types.MethodTakePosition, s.remote.ClaimPosition); err != nil {
		rolled := rollback()
		s.logger.Info().Err(err).Str("position", string(id)).Bool("restored", rolled).Msg("take failed; rolled back")
		return fmt.Errorf("take position %s: %w", id, err)
	}
	return nil
}

// Leave releases id held by the current user.
func (s *Syncer) Leave(ctx context.Context, id types.PositionID) error {
	rollback := s.store.ApplyOptimistic(id, func(p types.Position) types.Position {
		return p.WithOccupant(nil)
	})
	if err := s.mutate(ctx, "leave", id, types.MethodReleasePosition, s.remote.ReleasePosition); err != nil {
		rolled := rollback()
		s.logger.Info().Err(err).Str("position", string(id)).Bool("restored", rolled).Msg("leave failed; rolled back")
		return fmt.Errorf("leave position %s: %w", id, err)
	}
	return nil
}

// mutate runs one claim or release over the hub when it is live, else REST.
// REST results are applied directly since no push follows them.
func (s *Syncer) mutate(ctx context.Context, action string, id types.PositionID, method string,
	rest func(context.Context, types.PositionID) (types.Position, error)) error {
	started := time.Now()
	if s.hub != nil && s.hub.Connected() {
		err := s.hub.InvokeResult(ctx, nil, method, id)
		actionLatency.WithLabelValues(action, pathHub).Observe(time.Since(started).Seconds())
		return err
	}

	pos, err := rest(ctx, id)
	actionLatency.WithLabelValues(action, pathREST).Observe(time.Since(started).Seconds())
	if err != nil {
		return err
	}
	s.store.ApplyConfirmed(pos)
	return nil
}

// Assign places user on id. It waits for the server instead of writing
// optimistically.
func (s *Syncer) Assign(ctx context.Context, id types.PositionID, user types.UserID) (types.Position, error) {
	return s.confirmed(ctx, "assign", id, func(ctx context.Context) (types.Position, error) {
		return s.remote.AssignPosition(ctx, id, user)
	})
}

// Clear removes whoever occupies id, waiting for the server like Assign.
func (s *Syncer) Clear(ctx context.Context, id types.PositionID) (types.Position, error) {
	return s.confirmed(ctx, "clear", id, func(ctx context.Context) (types.Position, error) {
		return s.remote.ClearPosition(ctx, id)
	})
}

func (s *Syncer) confirmed(ctx context.Context, action string, id types.PositionID,
	call func(context.Context) (types.Position, error)) (types.Position, error) {
	started := time.Now()
	pos, err := call(ctx)
	actionLatency.WithLabelValues(action, pathREST).Observe(time.Since(started).Seconds())
	if err != nil {
		return types.Position{}, fmt.Errorf("%s position %s: %w", action, id, err)
	}
	s.store.ApplyConfirmed(pos)
	return pos, nil
}

// LoadEvent fetches the full roster of eventID and joins its hub group.
func (s *Syncer) LoadEvent(ctx context.Context, eventID types.EventID) error {
	s.mu.Lock()
	s.events[eventID] = struct{}{}
	s.mu.Unlock()

	if err := s.join(ctx, eventID); err != nil {
		s.logger.Warn().Err(err).Str("event", string(eventID)).Msg("join event group failed; relying on fetch")
	}
	return s.fetch(ctx, eventID)
}

// LeaveEvent stops following eventID.
func (s *Syncer) LeaveEvent(ctx context.Context, eventID types.EventID) error {
	s.mu.Lock()
	delete(s.events, eventID)
	s.mu.Unlock()

	if s.hub == nil || !s.hub.Connected() {
		return nil
	}
	if err := s.hub.InvokeResult(ctx, nil, types.MethodLeaveEventGroup, eventID); err != nil {
		return fmt.Errorf("leave event group %s: %w", eventID, err)
	}
	return nil
}

// Resync rejoins every followed event group and refetches its roster. It is
// the reconnect hook, since pushes sent while offline are lost.
func (s *Syncer) Resync(ctx context.Context) error {
	s.mu.Lock()
	events := make([]types.EventID, 0, len(s.events))
	for id := range s.events {
		events = append(events, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range events {
		if err := s.join(ctx, id); err != nil {
			errs = append(errs, err)
		}
		if err := s.fetch(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Events lists the followed events.
func (s *Syncer) Events() []types.EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EventID, 0, len(s.events))
	for id := range s.events {
		out = append(out, id)
	}
	return out
}

func (s *Syncer) join(ctx context.Context, eventID types.EventID) error {
	if s.hub == nil || !s.hub.Connected() {
		return nil
	}
	if err := s.hub.InvokeResult(ctx, nil, types.MethodJoinEventGroup, eventID); err != nil {
		return fmt.Errorf("join event group %s: %w", eventID, err)
	}
	return nil
}

func (s *Syncer) fetch(ctx context.Context, eventID types.EventID) error {
	positions, err := s.remote.EventPositions(ctx, eventID)
	if err != nil {
		return fmt.Errorf("fetch positions for event %s: %w", eventID, err)
	}
	s.store.Load(eventID, positions)
	return nil
}
