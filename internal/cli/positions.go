package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/example/roster-sync/internal/types"
)

// NewPositionsCommand creates the positions command.
func NewPositionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "positions <event-id>",
		Short: "List the roster of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.rest(opts.logger(cmd.ErrOrStderr())).EventPositions(cmd.Context(), types.EventID(args[0]))
			if err != nil {
				return err
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Positions(list)
		},
	}
}

// NewClaimCommand creates the claim command.
func NewClaimCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <position-id>",
		Short: "Take a position for the signed-in user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := types.PositionID(args[0])
			return opts.mutate(cmd, id, func(ctx context.Context, s *rosterSession) error {
				return s.syncer.Take(ctx, id)
			})
		},
	}
}

// NewReleaseCommand creates the release command.
func NewReleaseCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <position-id>",
		Short: "Leave a position held by the signed-in user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := types.PositionID(args[0])
			return opts.mutate(cmd, id, func(ctx context.Context, s *rosterSession) error {
				return s.syncer.Leave(ctx, id)
			})
		},
	}
}

// NewAssignCommand creates the assign command.
func NewAssignCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <position-id> [user-id]",
		Short: "Place a user on a position, or clear it when no user is given",
		Long: `Place a user on a position. Requires a captain or organizer token.

Without a user id the position is cleared.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := types.PositionID(args[0])
			return opts.mutate(cmd, id, func(ctx context.Context, s *rosterSession) error {
				var err error
				if len(args) == 2 {
					_, err = s.syncer.Assign(ctx, id, types.UserID(args[1]))
				} else {
					_, err = s.syncer.Clear(ctx, id)
				}
				return err
			})
		},
	}
}
