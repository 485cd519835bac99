// Package consumer drives the recommendation pipeline from Kafka topics.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"example.com/recommendation/internal/deadletter"
	"example.com/recommendation/internal/events"
	"example.com/recommendation/internal/logging"
	"example.com/recommendation/internal/pipeline"
)

// Headers carried by retry and dead-letter records.
const (
	HeaderAttempt   = "x-attempt"
	HeaderNotBefore = "x-not-before"
	HeaderReason    = "x-reason"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Publisher writes records to a named topic. *KafkaProducer satisfies it.
type Publisher interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// Handler runs the pipeline for one delivery. *pipeline.Pipeline satisfies it.
type Handler interface {
	Handle(context.Context, pipeline.Delivery) pipeline.Outcome
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkers sets the number of concurrent workers. Messages from one
// partition are always handled by the same worker.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithTopicSuffixes overrides the retry and dead-letter topic suffixes.
func WithTopicSuffixes(retry, dlq string) Option {
	return func(p *Processor) {
		if retry != "" {
			p.retrySuffix = retry
		}
		if dlq != "" {
			p.dlqSuffix = dlq
		}
	}
}

// WithDeadLetterSink records dead letters in addition to the dead-letter topic.
func WithDeadLetterSink(sink deadletter.Sink) Option {
	return func(p *Processor) {
		p.sink = sink
	}
}

// WithClock overrides the clock used for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// Processor pulls activity records from Kafka, runs them through the
// pipeline and applies the outcome before committing the offset.
type Processor struct {
	reader      Reader
	handler     Handler
	publisher   Publisher
	sink        deadletter.Sink
	workers     int
	retrySuffix string
	dlqSuffix   string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, handler Handler, publisher Publisher, opts ...Option) *Processor {
	p := &Processor{
		reader:      reader,
		handler:     handler,
		publisher:   publisher,
		workers:     1,
		retrySuffix: ".retry",
		dlqSuffix:   ".dlq",
		logger:      logging.Component("consumer"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is cancelled or a message cannot be settled. It
// returns ctx.Err() on shutdown. Any other error means uncommitted messages
// remain and the caller should restart the processor.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan kafka.Message, p.workers)
	for i := range queues {
		queue := make(chan kafka.Message, 1)
		queues[i] = queue
		g.Go(func() error {
			return p.work(ctx, gctx, queue)
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		return p.fetch(gctx, queues)
	})

	return g.Wait()
}

func (p *Processor) fetch(ctx context.Context, queues []chan kafka.Message) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return err
			}
			p.logger.Error().Err(err).Msg("fetch error")
			continue
		}

		queue := queues[msg.Partition%len(queues)]
		select {
		case queue <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// errAbandoned reports a message left uncommitted. A later offset from the
// same partition must not be committed after it.
var errAbandoned = errors.New("message abandoned")

// work settles messages with the parent ctx so in-flight work finishes when
// fetching stops. gctx only interrupts waits for delayed retries. The worker
// stops at the first message it abandons.
func (p *Processor) work(ctx, gctx context.Context, queue <-chan kafka.Message) error {
	for msg := range queue {
		err := p.process(ctx, gctx, msg)
		if errors.Is(err, errAbandoned) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) process(ctx, gctx context.Context, msg kafka.Message) error {
	attempt := headerInt(msg, HeaderAttempt, 1)

	if notBefore, ok := headerTime(msg, HeaderNotBefore); ok {
		if wait := notBefore.Sub(p.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-gctx.Done():
				timer.Stop()
				return errAbandoned
			}
		}
	}

	var outcome pipeline.Outcome
	activity, err := events.DecodeActivity(msg.Value)
	if err != nil {
		recordDecodeError(msg.Topic)
		outcome = pipeline.Outcome{Kind: pipeline.DeadLetter, Reason: "decode: " + err.Error(), Err: err}
	} else {
		outcome = p.handler.Handle(ctx, pipeline.Delivery{Activity: activity, Attempt: attempt})
	}

	// Shutdown: leave the offset uncommitted so the group redelivers it.
	if ctx.Err() != nil {
		return errAbandoned
	}

	switch outcome.Kind {
	case pipeline.Retry:
		if err := p.publishRetry(ctx, msg, attempt+1, outcome.Delay); err != nil {
			return err
		}
	case pipeline.DeadLetter:
		if err := p.deadLetter(ctx, msg, attempt, outcome); err != nil {
			return err
		}
	}

	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		p.logger.Error().Err(err).Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("commit error")
		return nil
	}
	recordProcessed(msg.Topic, outcome.Kind.String(), msg.Time)
	return nil
}

func (p *Processor) publishRetry(ctx context.Context, msg kafka.Message, nextAttempt int, delay time.Duration) error {
	topic := p.baseTopic(msg.Topic) + p.retrySuffix
	record := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: HeaderAttempt, Value: []byte(strconv.Itoa(nextAttempt))},
			{Key: HeaderNotBefore, Value: []byte(p.now().Add(delay).Format(time.RFC3339Nano))},
		},
	}
	if replay, ok := headerValue(msg, deadletter.ReplayHeader); ok {
		record.Headers = append(record.Headers, kafka.Header{Key: deadletter.ReplayHeader, Value: replay})
	}
	if err := p.publisher.WriteMessages(ctx, topic, record); err != nil {
		recordPublishError(topic)
		return fmt.Errorf("publish retry to %s (partition=%d, offset=%d): %w", topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, msg kafka.Message, attempt int, outcome pipeline.Outcome) error {
	base := p.baseTopic(msg.Topic)
	key := msg.Key
	if len(key) == 0 {
		if id, err := events.PeekActivityID(msg.Value); err == nil {
			key = []byte(id)
		}
	}

	if p.sink != nil {
		entry := deadletter.Entry{
			Source:      deadletter.SourceKafka,
			Topic:       base,
			Key:         key,
			Payload:     msg.Value,
			Reason:      outcome.Reason,
			Attempts:    attempt,
			ReplayCount: headerInt(msg, deadletter.ReplayHeader, 0),
		}
		if err := p.sink.Write(ctx, entry); err != nil {
			return fmt.Errorf("record dead letter (partition=%d, offset=%d): %w", msg.Partition, msg.Offset, err)
		}
	}

	topic := base + p.dlqSuffix
	record := kafka.Message{
		Key:   key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: HeaderAttempt, Value: []byte(strconv.Itoa(attempt))},
			{Key: HeaderReason, Value: []byte(outcome.Reason)},
		},
	}
	if err := p.publisher.WriteMessages(ctx, topic, record); err != nil {
		recordPublishError(topic)
		return fmt.Errorf("publish dead letter to %s (partition=%d, offset=%d): %w", topic, msg.Partition, msg.Offset, err)
	}

	p.logger.Warn().
		Str("topic", msg.Topic).
		Str("key", string(key)).
		Int("attempt", attempt).
		Str("reason", outcome.Reason).
		Err(outcome.Err).
		Msg("activity dead-lettered")
	return nil
}

func (p *Processor) baseTopic(topic string) string {
	return strings.TrimSuffix(topic, p.retrySuffix)
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}

func headerInt(msg kafka.Message, key string, fallback int) int {
	raw, ok := headerValue(msg, key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func headerTime(msg kafka.Message, key string) (time.Time, bool) {
	raw, ok := headerValue(msg, key)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
