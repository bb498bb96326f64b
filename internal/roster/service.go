// Package roster is the authoritative side of position claims: it applies
// claims to storage and broadcasts the confirmed position to the event group.
package roster

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/auth"
	"github.com/example/roster-sync/internal/hub"
	"github.com/example/roster-sync/internal/types"
)

// Repository persists positions.
type Repository interface {
	EventPositions(ctx context.Context, eventID types.EventID) ([]types.Position, error)
	Position(ctx context.Context, id types.PositionID) (types.Position, error)
	Claim(ctx context.Context, id types.PositionID, user types.UserID) (types.Position, error)
	Release(ctx context.Context, id types.PositionID, user types.UserID) (types.Position, error)
	Assign(ctx context.Context, id types.PositionID, user *types.UserID) (types.Position, error)
}

// Service applies roster changes and fans them out.
type Service struct {
	repo      Repository
	publisher hub.Publisher
	logger    zerolog.Logger

	loads singleflight.Group

	mu    sync.Mutex
	dirty map[types.EventID]struct{}
}

// NewService constructs a roster service.
func NewService(repo Repository, publisher hub.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		dirty:     make(map[types.EventID]struct{}),
	}
}

// EventPositions lists an event's roster. Concurrent loads of the same event
// share one query.
func (s *Service) EventPositions(ctx context.Context, eventID types.EventID) ([]types.Position, error) {
	if eventID == "" {
		return nil, apperr.Invalid("event id is required")
	}
	v, err, _ := s.loads.Do(string(eventID), func() (any, error) {
		return s.repo.EventPositions(ctx, eventID)
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]types.Position)
	out := make([]types.Position, len(shared))
	for i, p := range shared {
		out[i] = p.WithOccupant(p.Occupant)
	}
	return out, nil
}

// Position loads one position.
func (s *Service) Position(ctx context.Context, id types.PositionID) (types.Position, error) {
	return s.repo.Position(ctx, id)
}

// Claim gives id to user and announces PositionTaken.
func (s *Service) Claim(ctx context.Context, id types.PositionID, user types.UserID) (types.Position, error) {
	pos, err := s.repo.Claim(ctx, id, user)
	if err != nil {
		return types.Position{}, err
	}
	s.announce(ctx, types.EventPositionTaken, pos)
	return pos, nil
}

// Release frees id held by user and announces PositionReleased.
func (s *Service) Release(ctx context.Context, id types.PositionID, user types.UserID) (types.Position, error) {
	pos, err := s.repo.Release(ctx, id, user)
	if err != nil {
		return types.Position{}, err
	}
	s.announce(ctx, types.EventPositionReleased, pos)
	return pos, nil
}

// Assign places user on id on behalf of actor, who must be a captain or an
// organizer. A nil user clears the position.
func (s *Service) Assign(ctx context.Context, actor auth.Identity, id types.PositionID, user *types.UserID) (types.Position, error) {
	if !actor.HasAnyRole(auth.RoleOrganizer, auth.RoleCaptain) {
		return types.Position{}, apperr.Unauthorized("only captains and organizers can assign positions")
	}
	pos, err := s.repo.Assign(ctx, id, user)
	if err != nil {
		return types.Position{}, err
	}
	event := types.EventPositionTaken
	if pos.Open() {
		event = types.EventPositionReleased
	}
	s.announce(ctx, event, pos)
	return pos, nil
}

// TakeDirty returns and clears the events changed since the last call.
func (s *Service) TakeDirty() []types.EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EventID, 0, len(s.dirty))
	for id := range s.dirty {
		out = append(out, id)
	}
	clear(s.dirty)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) announce(ctx context.Context, event string, pos types.Position) {
	s.mu.Lock()
	s.dirty[pos.EventID] = struct{}{}
	s.mu.Unlock()

	if s.publisher == nil {
		return
	}
	// Publish failures do not undo the stored change.
	if err := s.publisher.Publish(ctx, types.HubPosition, types.EventGroup(pos.EventID), event, pos); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Str("position", string(pos.ID)).Msg("failed to broadcast position change")
	}
}

// Register installs the position hub methods on h.
func (s *Service) Register(h *hub.Hub) {
	h.Handle(types.MethodJoinEventGroup, func(_ context.Context, call *hub.Call) (any, error) {
		var eventID types.EventID
		if err := call.Bind(&eventID); err != nil {
			return nil, err
		}
		if eventID == "" {
			return nil, apperr.Invalid("event id is required")
		}
		h.Join(types.EventGroup(eventID), call.Session)
		return nil, nil
	})
	h.Handle(types.MethodLeaveEventGroup, func(_ context.Context, call *hub.Call) (any, error) {
		var eventID types.EventID
		if err := call.Bind(&eventID); err != nil {
			return nil, err
		}
		h.Leave(types.EventGroup(eventID), call.Session)
		return nil, nil
	})
	h.Handle(types.MethodTakePosition, func(ctx context.Context, call *hub.Call) (any, error) {
		var id types.PositionID
		if err := call.Bind(&id); err != nil {
			return nil, err
		}
		return s.Claim(ctx, id, call.Session.Identity().UserID)
	})
	h.Handle(types.MethodReleasePosition, func(ctx context.Context, call *hub.Call) (any, error) {
		var id types.PositionID
		if err := call.Bind(&id); err != nil {
			return nil, err
		}
		return s.Release(ctx, id, call.Session.Identity().UserID)
	})
	h.OnDisconnect(func(sess *hub.Session) {
		s.logger.Debug().Str("session", sess.ID()).Strs("groups", sess.Groups()).Msg("roster subscriber left")
	})
}
