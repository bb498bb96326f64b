package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/roster-sync/internal/positions"
	"github.com/example/roster-sync/internal/realtime"
	"github.com/example/roster-sync/internal/restclient"
	"github.com/example/roster-sync/internal/types"
)

// rosterSession drives one roster action through the optimistic store, over
// the position hub when it is reachable and the REST API otherwise.
type rosterSession struct {
	manager *realtime.Manager
	syncer  *positions.Syncer
	rest    *restclient.Client
}

func (o *RootOptions) openRoster(ctx context.Context, cmd *cobra.Command) (*rosterSession, error) {
	user, err := o.user()
	if err != nil {
		return nil, err
	}
	logger := o.logger(cmd.ErrOrStderr())
	rest := o.rest(logger)
	manager := realtime.NewManager(logger)
	syncer := positions.NewSyncer(positions.NewStore(), manager.Client(o.Server, types.HubPosition), rest, user, logger)

	if _, err := manager.Start(ctx, o.hubConfig(types.HubPosition), syncer.Callbacks()); err != nil {
		logger.Warn().Err(err).Msg("position hub unavailable; using REST")
	}
	return &rosterSession{manager: manager, syncer: syncer, rest: rest}, nil
}

func (s *rosterSession) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.manager.Close(ctx)
}

// follow loads the roster holding id, joining its event group so hub
// confirmations reach the store.
func (s *rosterSession) follow(ctx context.Context, id types.PositionID) error {
	pos, err := s.rest.Position(ctx, id)
	if err != nil {
		return err
	}
	return s.syncer.LoadEvent(ctx, pos.EventID)
}

// settled returns the stored value of id after an action.
func (s *rosterSession) settled(ctx context.Context, id types.PositionID) (types.Position, error) {
	if pos, ok := s.syncer.Store().Get(id); ok {
		return pos, nil
	}
	return s.rest.Position(ctx, id)
}

// mutate runs action for id and prints the settled position. A failed action
// has already been rolled back in the store by the syncer.
func (o *RootOptions) mutate(cmd *cobra.Command, id types.PositionID,
	action func(ctx context.Context, s *rosterSession) error) error {
	ctx := cmd.Context()
	session, err := o.openRoster(ctx, cmd)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.follow(ctx, id); err != nil {
		return err
	}
	if err := action(ctx, session); err != nil {
		return err
	}
	pos, err := session.settled(ctx, id)
	if err != nil {
		return err
	}
	return NewOutputFormatter(o.Format, cmd.OutOrStdout()).Position(pos)
}
