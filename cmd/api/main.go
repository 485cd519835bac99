package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"example.com/recommendation/internal/api"
	"example.com/recommendation/internal/cache"
	"example.com/recommendation/internal/config"
	"example.com/recommendation/internal/domain"
	"example.com/recommendation/internal/logging"
	"example.com/recommendation/internal/persistence/postgres"
	httptransport "example.com/recommendation/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Logger()
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.Component("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse postgres url")
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to postgres")
	}
	defer pool.Close()

	var store domain.Store = postgres.NewRepository(pool)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		store = cache.NewStore(store, rdb, cfg.Redis.TTL)
		logger.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Redis.TTL).Msg("recommendation cache enabled")
	}

	handler := api.NewHandler(domain.NewQueryService(store),
		api.WithCORS(cfg.API.CORSOrigins...),
		api.WithRateLimit(cfg.API.RateLimit, cfg.API.RateLimitWindow),
	)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, handler.Routes())

	if err := httptransport.Serve(ctx, server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error().Err(err).Msg("api server stopped with error")
	}
	logger.Info().Msg("api shutdown complete")
}
