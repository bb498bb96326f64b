package cli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/roster-sync/internal/positions"
	"github.com/example/roster-sync/internal/realtime"
	"github.com/example/roster-sync/internal/types"
)

// LoadTestOptions holds flags for the loadtest command.
type LoadTestOptions struct {
	*RootOptions
	Clients  int
	Event    string
	Position string
	Rounds   int
	Interval time.Duration
	Target   time.Duration
}

// NewLoadTestCommand creates the loadtest command.
func NewLoadTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadTestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Measure claim fan-out latency across many hub clients",
		Long: `Connect --clients watchers to the position hub, then take and leave one
position --rounds times and report how long each change took to reach every
watcher's store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Clients < 1 || opts.Rounds < 1 {
				return errors.New("--clients and --rounds must be positive")
			}
			if opts.Event == "" || opts.Position == "" {
				return errors.New("--event and --position are required")
			}
			report, err := runLoadTest(cmd.Context(), opts, opts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			return report.write(NewOutputFormatter(opts.Format, cmd.OutOrStdout()), opts.Target)
		},
	}

	cmd.Flags().IntVar(&opts.Clients, "clients", 50, "number of concurrent hub clients")
	cmd.Flags().StringVar(&opts.Event, "event", "", "event whose group the clients join")
	cmd.Flags().StringVar(&opts.Position, "position", "", "position to take and leave")
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 20, "number of take/leave changes")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 200*time.Millisecond, "delay between changes")
	cmd.Flags().DurationVar(&opts.Target, "target", 50*time.Millisecond, "latency target for the report")

	return cmd
}

type latencyReport struct {
	Samples  int           `json:"samples"`
	Expected int           `json:"expected"`
	Avg      time.Duration `json:"avgNanos"`
	Max      time.Duration `json:"maxNanos"`
	UnderPct float64       `json:"underTargetPercent"`
}

// sampler records how long after the current round started each watcher
// saw the change.
type sampler struct {
	mu      sync.Mutex
	started time.Time
	samples []time.Duration
}

func (s *sampler) begin() {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
}

func (s *sampler) observe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.IsZero() {
		s.samples = append(s.samples, time.Since(s.started))
	}
}

func (s *sampler) stop() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Time{}
	return s.samples
}

type loadClient struct {
	manager *realtime.Manager
	syncer  *positions.Syncer
}

func runLoadTest(ctx context.Context, opts *LoadTestOptions, logger zerolog.Logger) (latencyReport, error) {
	user, err := opts.user()
	if err != nil {
		return latencyReport{}, err
	}
	eventID := types.EventID(opts.Event)
	positionID := types.PositionID(opts.Position)

	rec := &sampler{}

	clients := make([]loadClient, opts.Clients)
	defer func() {
		for _, c := range clients {
			if c.manager != nil {
				_ = c.manager.Close(context.Background())
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := range clients {
		g.Go(func() error {
			clientLogger := logger.With().Int("client", i).Logger()
			manager := realtime.NewManager(clientLogger)
			store := positions.NewStore()
			syncer := positions.NewSyncer(store, manager.Client(opts.Server, types.HubPosition), opts.rest(clientLogger), user, clientLogger)
			clients[i] = loadClient{manager: manager, syncer: syncer}

			store.Subscribe(func(evt positions.Event) {
				if evt.Type != positions.EventConfirmed || evt.Position.ID != positionID {
					return
				}
				rec.observe()
			})
			if _, err := manager.Start(gctx, opts.hubConfig(types.HubPosition), syncer.Callbacks()); err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			return syncer.LoadEvent(gctx, eventID)
		})
	}
	if err := g.Wait(); err != nil {
		return latencyReport{}, err
	}
	logger.Info().Int("clients", opts.Clients).Msg("all clients connected")

	claimer := clients[0].syncer
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	var errs []error
	for round := 0; round < opts.Rounds; round++ {
		select {
		case <-ctx.Done():
			return latencyReport{}, ctx.Err()
		case <-ticker.C:
		}
		rec.begin()
		held := false
		if p, ok := claimer.Store().Get(positionID); ok {
			held = p.HeldBy(user)
		}
		if held {
			err = claimer.Leave(ctx, positionID)
		} else {
			err = claimer.Take(ctx, positionID)
		}
		if err != nil {
			errs = append(errs, err)
			logger.Warn().Err(err).Int("round", round).Msg("roster change failed")
		}
	}

	// Give the last broadcast time to land.
	settle := time.NewTimer(time.Second)
	defer settle.Stop()
	select {
	case <-ctx.Done():
	case <-settle.C:
	}
	report := summarize(rec.stop(), opts.Target)
	report.Expected = opts.Clients * (opts.Rounds - len(errs))
	if report.Samples == 0 && len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}

func summarize(samples []time.Duration, target time.Duration) latencyReport {
	var (
		report latencyReport
		total  time.Duration
		under  int
	)
	for _, d := range samples {
		report.Samples++
		total += d
		if d > report.Max {
			report.Max = d
		}
		if d < target {
			under++
		}
	}
	if report.Samples == 0 {
		return report
	}
	report.Avg = time.Duration(int64(math.Round(float64(total) / float64(report.Samples))))
	report.UnderPct = float64(under) / float64(report.Samples) * 100
	return report
}

func (r latencyReport) write(out *OutputFormatter, target time.Duration) error {
	if out.Format == "json" {
		return out.JSON(r)
	}
	if r.Samples == 0 {
		_, err := fmt.Fprintln(out.Writer, "no samples collected")
		return err
	}
	_, err := fmt.Fprintf(out.Writer, "Samples: %d/%d\nAvg latency: %s\nMax latency: %s\n<%s: %.2f%%\n",
		r.Samples, r.Expected, formatLatency(r.Avg), formatLatency(r.Max), target, r.UnderPct)
	return err
}
