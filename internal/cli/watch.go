package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/roster-sync/internal/positions"
	"github.com/example/roster-sync/internal/realtime"
	"github.com/example/roster-sync/internal/types"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Duration time.Duration
	HubRetry time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <event-id>",
		Short: "Stream roster changes of an event",
		Long: `Load an event's roster, join its hub group and print every change until
interrupted or --duration elapses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if opts.Duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.Duration)
				defer cancel()
			}
			return watchEvent(ctx, opts, types.EventID(args[0]), cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().DurationVar(&opts.HubRetry, "hub-retry", 5*time.Second, "first delay before retrying an unreachable position hub")

	return cmd
}

func watchEvent(ctx context.Context, opts *WatchOptions, eventID types.EventID, cmd *cobra.Command) error {
	user, err := opts.user()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd.ErrOrStderr())
	out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())

	manager := realtime.NewManager(logger)
	defer manager.Close(context.Background())

	store := positions.NewStore()
	syncer := positions.NewSyncer(store, manager.Client(opts.Server, types.HubPosition), opts.rest(logger), user, logger)

	var mu sync.Mutex
	unsubscribe := store.Subscribe(func(evt positions.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = out.Line(describeEvent(evt), evt)
	})
	defer unsubscribe()

	cfg := opts.hubConfig(types.HubPosition)
	if _, err := manager.Start(ctx, cfg, syncer.Callbacks()); err != nil {
		logger.Warn().Err(err).Msg("position hub unavailable; showing the REST roster until it is back")
		go awaitHub(ctx, manager, cfg, syncer, opts.HubRetry, logger)
	}
	if err := syncer.LoadEvent(ctx, eventID); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// awaitHub keeps starting the hub connection until it succeeds, then rejoins
// the followed event groups and refetches what was missed meanwhile.
func awaitHub(ctx context.Context, manager *realtime.Manager, cfg realtime.Config, syncer *positions.Syncer,
	initial time.Duration, logger zerolog.Logger) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (*realtime.Conn, error) {
		return manager.Start(ctx, cfg, syncer.Callbacks())
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug().Err(err).Dur("backoff", next).Msg("position hub still unavailable")
		}),
	)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("giving up on the position hub")
		}
		return
	}
	logger.Info().Msg("position hub connected")
	if err := syncer.Resync(ctx); err != nil {
		logger.Warn().Err(err).Msg("resync after hub recovery failed")
	}
}

func describeEvent(evt positions.Event) string {
	switch evt.Type {
	case positions.EventLoaded:
		return fmt.Sprintf("loaded roster of %s", evt.EventID)
	case positions.EventStatus:
		return fmt.Sprintf("hub %s", evt.Status)
	case positions.EventReset:
		return "roster cleared"
	default:
		p := evt.Position
		return fmt.Sprintf("%-11s %s (%s) %s, version %d", evt.Type, p.ID, p.Name, describe(p), p.Version)
	}
}
