package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/roster-sync/internal/api"
	"github.com/example/roster-sync/internal/auth"
	"github.com/example/roster-sync/internal/broadcast"
	"github.com/example/roster-sync/internal/config"
	"github.com/example/roster-sync/internal/hub"
	"github.com/example/roster-sync/internal/observability"
	"github.com/example/roster-sync/internal/receipts"
	"github.com/example/roster-sync/internal/roster"
	"github.com/example/roster-sync/internal/snapshot"
	"github.com/example/roster-sync/internal/storage"
	"github.com/example/roster-sync/internal/types"
)

// repository is the storage surface both services need.
type repository interface {
	roster.Repository
	receipts.Repository
	SavePosition(ctx context.Context, pos types.Position) (types.Position, error)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(os.Stdout, cfg.AppName, cfg.LogLevel).With().Str("instance", cfg.InstanceID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		InstanceID:   cfg.InstanceID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	var repo repository
	if resources.Postgres != nil {
		if err := storage.Migrate(ctx, resources.Postgres); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply schema")
		}
		repo = storage.NewPostgres(resources.Postgres)
	} else {
		logger.Warn().Msg("POSTGRES_URL not set; state is kept in memory")
		repo = storage.NewMemory()
	}
	if cfg.SeedFile != "" {
		if err := seedPositions(ctx, repo, cfg.SeedFile); err != nil {
			logger.Fatal().Err(err).Str("file", cfg.SeedFile).Msg("failed to seed positions")
		}
	}

	tokens, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure authentication")
	}

	positionHub := hub.New(types.HubPosition, logger)
	messagingHub := hub.New(types.HubMessaging, logger)
	hubServer, err := hub.NewServer(tokens, logger, hub.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Transports:        cfg.Transports,
	}, positionHub, messagingHub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build hub server")
	}

	backplane := broadcast.NewBackplane(resources.Redis, hubServer, cfg.InstanceID, logger)
	backplane.Start(ctx)

	rosterSvc := roster.NewService(repo, backplane, logger)
	rosterSvc.Register(positionHub)
	receiptsSvc := receipts.NewService(repo, backplane, logger)
	receiptsSvc.Register(messagingHub)

	if resources.Object != nil {
		snapshot.NewWorker(rosterSvc, resources.Object, cfg.ObjectBucket, logger,
			snapshot.WithInterval(cfg.SnapshotInterval)).Start(ctx)
	} else {
		logger.Info().Msg("OBJECT_ENDPOINT not set; roster snapshots disabled")
	}

	router := mux.NewRouter()
	hubServer.Routes(router)
	api.NewHandler(rosterSvc, receiptsSvc, tokens, logger, api.WithHealthCheck(resources.HealthCheck)).Routes(router)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: router}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hub clients are told to reconnect before the listener goes away.
	if err := hubServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("hub shutdown incomplete")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("shutdown complete")
}

func seedPositions(ctx context.Context, repo repository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var positions []types.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for _, p := range positions {
		if _, err := repo.SavePosition(ctx, p); err != nil {
			return fmt.Errorf("save position %s: %w", p.ID, err)
		}
	}
	return nil
}
