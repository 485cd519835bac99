package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/recommendation/internal/analyzer"
	"example.com/recommendation/internal/cache"
	"example.com/recommendation/internal/config"
	"example.com/recommendation/internal/consumer"
	"example.com/recommendation/internal/deadletter"
	"example.com/recommendation/internal/domain"
	"example.com/recommendation/internal/logging"
	"example.com/recommendation/internal/natsjs"
	"example.com/recommendation/internal/observability"
	"example.com/recommendation/internal/persistence/postgres"
	"example.com/recommendation/internal/pipeline"
)

const (
	restartBaseDelay = time.Second
	restartMaxDelay  = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Logger()
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.Component("consumer")

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
	}

	analyze, err := newAnalyzer(cfg.Analyzer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build analyzer")
	}

	pipe := pipeline.New(analyze, store, pipeline.Config{
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
		RetryBaseDelay:  cfg.Pipeline.RetryBaseDelay,
		RetryMaxDelay:   cfg.Pipeline.RetryMaxDelay,
		AnalyzerTimeout: cfg.Analyzer.Timeout,
		StoreTimeout:    cfg.Postgres.StoreTimeout,
	})
	sink := deadletter.NewPostgresSink(pool)

	metricsSrv := observability.NewMetricsServer(cfg.MetricsAddress)
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddress).Msg("consumer metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	var wg sync.WaitGroup
	switch cfg.Channel.Driver {
	case config.ChannelKafka:
		runKafka(ctx, &wg, cfg, pipe, sink, logger)
	case config.ChannelJetStream:
		nc, err := runJetStream(ctx, &wg, cfg, pipe, sink, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("start jetstream consumer")
		}
		defer nc.Close()
	}

	<-ctx.Done()
	logger.Info().Msg("consumer shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("consumers did not stop before the shutdown timeout")
	}
}

func newAnalyzer(cfg config.AnalyzerConfig, logger zerolog.Logger) (domain.Analyzer, error) {
	if cfg.Driver == config.AnalyzerRules {
		logger.Info().Msg("using rules analyzer")
		return analyzer.NewRulesAnalyzer(), nil
	}
	gen, err := analyzer.NewGenerativeAnalyzer(analyzer.GenerativeConfig{
		BaseURL:         cfg.URL,
		APIKey:          cfg.APIKey,
		Model:           cfg.Model,
		RateLimit:       cfg.RateLimit,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, analyzer.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	if err != nil {
		return nil, err
	}
	return gen, nil
}

// runKafka starts one processor per configured topic and per retry topic.
func runKafka(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, pipe *pipeline.Pipeline, sink deadletter.Sink, logger zerolog.Logger) {
	producer := consumer.NewKafkaProducer(cfg.Kafka.Brokers)

	var topics []string
	for _, topic := range cfg.Kafka.Topics {
		topics = append(topics, topic, topic+cfg.Kafka.RetrySuffix)
	}

	var procs sync.WaitGroup
	for _, topic := range topics {
		procs.Add(1)
		go func() {
			defer procs.Done()
			superviseTopic(ctx, cfg, topic, pipe, producer, sink, logger.With().Str("topic", topic).Logger())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		procs.Wait()
		if err := producer.Close(); err != nil {
			logger.Error().Err(err).Msg("close kafka producer")
		}
	}()
}

// superviseTopic restarts the processor with backoff until ctx is cancelled.
func superviseTopic(ctx context.Context, cfg config.Config, topic string, pipe *pipeline.Pipeline, producer *consumer.KafkaProducer, sink deadletter.Sink, logger zerolog.Logger) {
	delay := restartBaseDelay
	for {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.Kafka.Brokers,
			GroupID:         cfg.Kafka.GroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})
		proc := consumer.NewProcessor(reader, pipe, producer,
			consumer.WithWorkers(cfg.Channel.Workers),
			consumer.WithTopicSuffixes(cfg.Kafka.RetrySuffix, cfg.Kafka.DLQSuffix),
			consumer.WithDeadLetterSink(sink),
			consumer.WithLogger(logger),
		)

		logger.Info().Str("group", cfg.Kafka.GroupID).Int("workers", cfg.Channel.Workers).Msg("consumer started")
		err := proc.Run(ctx)
		if cerr := reader.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("close kafka reader")
		}
		if ctx.Err() != nil {
			return
		}
		logger.Error().Err(err).Dur("restart_in", delay).Msg("consumer stopped, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, restartMaxDelay)
	}
}

func runJetStream(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, pipe *pipeline.Pipeline, sink deadletter.Sink, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("recommendation-consumer"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	jsCfg := natsjs.Config{
		Stream:  cfg.NATS.Stream,
		Subject: cfg.NATS.Subject,
		Durable: cfg.NATS.Durable,
		AckWait: cfg.NATS.AckWait,
		Workers: cfg.Channel.Workers,
	}
	cons, err := natsjs.EnsureStream(ctx, js, jsCfg)
	if err != nil {
		nc.Close()
		return nil, err
	}

	c := natsjs.NewConsumer(cons, js, pipe, jsCfg, natsjs.WithDeadLetterSink(sink))
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("stream", jsCfg.Stream).Str("durable", jsCfg.Durable).Msg("jetstream consumer started")
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("jetstream consumer stopped with error")
		}
	}()
	return nc, nil
}
