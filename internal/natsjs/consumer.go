// Package natsjs drives the recommendation pipeline from a NATS JetStream
// durable pull consumer.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"example.com/recommendation/internal/deadletter"
	"example.com/recommendation/internal/events"
	"example.com/recommendation/internal/logging"
	"example.com/recommendation/internal/pipeline"
)

// Headers carried by dead-letter messages.
const (
	HeaderAttempt = "x-attempt"
	HeaderReason  = "x-reason"
)

// Config describes the stream and consumer to bind to.
type Config struct {
	Stream    string
	Subject   string
	Durable   string
	AckWait   time.Duration
	Workers   int
	FetchWait time.Duration
	// DeadLetterDelay is the redelivery delay when a dead letter cannot be recorded.
	DeadLetterDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
	if c.DeadLetterDelay <= 0 {
		c.DeadLetterDelay = 5 * time.Second
	}
	return c
}

// DeadLetterSubject is where dead-lettered activities for subject are published.
func DeadLetterSubject(subject string) string {
	return subject + ".dlq"
}

// EnsureStream creates or updates the stream and the durable consumer.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.Consumer, error) {
	cfg = cfg.withDefaults()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject, DeadLetterSubject(cfg.Subject)},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	// Redelivery is bounded by the pipeline's attempt budget, not by the server.
	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Durable, err)
	}
	return cons, nil
}

// Fetcher is the subset of jetstream.Consumer used by the Consumer.
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Publisher publishes dead letters. jetstream.JetStream satisfies it.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Handler runs the pipeline for one delivery. *pipeline.Pipeline satisfies it.
type Handler interface {
	Handle(context.Context, pipeline.Delivery) pipeline.Outcome
}

// Option configures optional behaviour for the Consumer.
type Option func(*Consumer)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithDeadLetterSink records dead letters in addition to the dead-letter subject.
func WithDeadLetterSink(sink deadletter.Sink) Option {
	return func(c *Consumer) {
		c.sink = sink
	}
}

// Consumer pulls activities one at a time per worker and settles each
// message explicitly according to the pipeline outcome.
type Consumer struct {
	fetcher   Fetcher
	publisher Publisher
	handler   Handler
	sink      deadletter.Sink
	cfg       Config
	logger    zerolog.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(fetcher Fetcher, publisher Publisher, handler Handler, cfg Config, opts ...Option) *Consumer {
	c := &Consumer{
		fetcher:   fetcher,
		publisher: publisher,
		handler:   handler,
		cfg:       cfg.withDefaults(),
		logger:    logging.Component("jetstream"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run blocks until ctx is cancelled. Messages in flight at shutdown are
// negatively acknowledged so the server redelivers them.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			return c.work(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Consumer) work(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := c.fetcher.Fetch(1, jetstream.FetchMaxWait(c.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, nats.ErrConnectionClosed) {
				return fmt.Errorf("fetch: %w", err)
			}
			c.logger.Error().Err(err).Msg("fetch error")
			if !sleep(ctx, c.cfg.FetchWait) {
				return nil
			}
			continue
		}

		for msg := range batch.Messages() {
			c.process(ctx, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			c.logger.Debug().Err(err).Msg("fetch batch ended with error")
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg jetstream.Msg) {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		attempt = int(meta.NumDelivered)
	}

	var outcome pipeline.Outcome
	activity, err := events.DecodeActivity(msg.Data())
	if err != nil {
		recordDecodeError(msg.Subject())
		outcome = pipeline.Outcome{Kind: pipeline.DeadLetter, Reason: "decode: " + err.Error(), Err: err}
	} else {
		outcome = c.handler.Handle(ctx, pipeline.Delivery{Activity: activity, Attempt: attempt})
	}

	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			c.logger.Debug().Err(err).Msg("nak on shutdown failed")
		}
		return
	}

	var settleErr error
	switch outcome.Kind {
	case pipeline.Ack:
		settleErr = msg.DoubleAck(ctx)
	case pipeline.Retry:
		settleErr = msg.NakWithDelay(outcome.Delay)
	case pipeline.DeadLetter:
		if err := c.deadLetter(ctx, msg, attempt, outcome); err != nil {
			c.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("dead letter failed, redelivering")
			settleErr = msg.NakWithDelay(c.cfg.DeadLetterDelay)
			break
		}
		settleErr = msg.TermWithReason(outcome.Reason)
	}
	if settleErr != nil {
		c.logger.Error().Err(settleErr).Str("outcome", outcome.Kind.String()).Msg("settle error")
		return
	}
	recordProcessed(msg.Subject(), outcome.Kind.String())
}

func (c *Consumer) deadLetter(ctx context.Context, msg jetstream.Msg, attempt int, outcome pipeline.Outcome) error {
	var key []byte
	if id, err := events.PeekActivityID(msg.Data()); err == nil {
		key = []byte(id)
	}

	if c.sink != nil {
		if err := c.sink.Write(ctx, deadletter.Entry{
			Source:      deadletter.SourceJetStream,
			Topic:       msg.Subject(),
			Key:         key,
			Payload:     msg.Data(),
			Reason:      outcome.Reason,
			Attempts:    attempt,
			ReplayCount: deadletter.ParseReplayCount(msg.Headers().Get(deadletter.ReplayHeader)),
		}); err != nil {
			return fmt.Errorf("record dead letter: %w", err)
		}
	}

	out := nats.NewMsg(DeadLetterSubject(msg.Subject()))
	out.Data = msg.Data()
	out.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	out.Header.Set(HeaderReason, outcome.Reason)
	if _, err := c.publisher.PublishMsg(ctx, out); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	c.logger.Warn().
		Str("subject", msg.Subject()).
		Str("key", string(key)).
		Int("attempt", attempt).
		Str("reason", outcome.Reason).
		Err(outcome.Err).
		Msg("activity dead-lettered")
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
