package main

import (
	"context"
	"os/signal"
	"syscall"

	"example.com/recommendation/internal/config"
	"example.com/recommendation/internal/logging"
	"example.com/recommendation/internal/persistence/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Logger()
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.Component("migrate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applied, err := postgres.Migrate(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}
	logger.Info().Int("applied", applied).Msg("migrations complete")
}
