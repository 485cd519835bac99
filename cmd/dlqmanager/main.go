package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"example.com/recommendation/internal/config"
	"example.com/recommendation/internal/consumer"
	"example.com/recommendation/internal/deadletter"
	"example.com/recommendation/internal/logging"
	"example.com/recommendation/internal/observability"
)

func main() {
	release := flag.Int64("release", 0, "release the quarantined dead letter with this id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Logger()
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.Component("dlq-manager")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to postgres")
	}
	defer pool.Close()

	router, closeFn, err := newRouter(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build republisher")
	}
	defer closeFn()

	manager := deadletter.NewManager(pool, router, cfg.DLQ.MaxReplays, cfg.DLQ.BaseDelay)

	if *release > 0 {
		if err := manager.Release(ctx, *release); err != nil {
			logger.Fatal().Err(err).Msg("release dead letter")
		}
		logger.Info().Int64("dlq_id", *release).Msg("dead letter released")
		return
	}

	metricsSrv := observability.NewMetricsServer(cfg.MetricsAddress)
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddress).Msg("dlq manager metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ticker := time.NewTicker(cfg.DLQ.PollInterval)
	defer ticker.Stop()

	logger.Info().
		Dur("interval", cfg.DLQ.PollInterval).
		Int("max_replays", cfg.DLQ.MaxReplays).
		Bool("auto_replay", cfg.DLQ.AutoReplay).
		Msg("dlq manager started")

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("dlq manager received shutdown signal")
			break loop
		case <-ticker.C:
			if !cfg.DLQ.AutoReplay {
				manager.UpdateBacklog(ctx)
				continue
			}
			processed, err := manager.RunOnce(ctx, cfg.DLQ.BatchSize)
			if err != nil {
				logger.Error().Err(err).Msg("dlq manager error")
			} else if processed > 0 {
				logger.Info().Int("processed", processed).Msg("dlq manager replayed entries")
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
}

// newRouter registers a republisher for the configured channel.
func newRouter(cfg config.Config, logger zerolog.Logger) (deadletter.Router, func(), error) {
	switch cfg.Channel.Driver {
	case config.ChannelJetStream:
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("recommendation-dlq-manager"))
		if err != nil {
			return nil, nil, err
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return deadletter.Router{deadletter.SourceJetStream: deadletter.NewJetStreamRepublisher(js)}, nc.Close, nil
	default:
		producer := consumer.NewKafkaProducer(cfg.Kafka.Brokers)
		closeFn := func() {
			if err := producer.Close(); err != nil {
				logger.Error().Err(err).Msg("close kafka producer")
			}
		}
		return deadletter.Router{deadletter.SourceKafka: deadletter.NewKafkaRepublisher(producer)}, closeFn, nil
	}
}
