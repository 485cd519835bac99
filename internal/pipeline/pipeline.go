// Package pipeline turns one delivered activity into a stored recommendation and
// tells the transport what to do with the delivery afterwards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/recommendation/internal/domain"
	"example.com/recommendation/internal/logging"
)

// Kind enumerates the delivery outcomes a transport must apply.
type Kind int

const (
	// Ack acknowledges the delivery; the recommendation is durable.
	Ack Kind = iota
	// Retry leaves the delivery to be redelivered after Delay.
	Retry
	// DeadLetter routes the delivery to the dead-letter destination.
	DeadLetter
)

func (k Kind) String() string {
	switch k {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Outcome is the pipeline's verdict for one delivery.
type Outcome struct {
	Kind   Kind
	Delay  time.Duration
	Reason string
	Err    error
}

// Delivery is one attempt at processing an activity. Attempt starts at 1.
type Delivery struct {
	Activity domain.Activity
	Attempt  int
}

// Config bounds the pipeline's retries and timeouts.
type Config struct {
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	AnalyzerTimeout time.Duration
	StoreTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	if c.AnalyzerTimeout <= 0 {
		c.AnalyzerTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Option configures optional behaviour for the Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithClock overrides the clock used to stamp recommendations.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline runs analyze-then-upsert for a single delivery. It is safe for
// concurrent use; the store is the only shared state.
type Pipeline struct {
	analyzer domain.Analyzer
	store    domain.Store
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a Pipeline.
func New(analyzer domain.Analyzer, store domain.Store, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		analyzer: analyzer,
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logging.Component("pipeline"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts reports the configured attempt budget.
func (p *Pipeline) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Handle processes one delivery. It never panics on analyzer or store
// failures; every failure is reflected in the returned Outcome.
func (p *Pipeline) Handle(ctx context.Context, d Delivery) Outcome {
	start := time.Now()
	outcome := p.handle(ctx, d)
	p.observe(d, outcome, time.Since(start))
	return outcome
}

func (p *Pipeline) handle(ctx context.Context, d Delivery) Outcome {
	if d.Attempt < 1 {
		d.Attempt = 1
	}
	activity := d.Activity

	if err := activity.Validate(); err != nil {
		return Outcome{Kind: DeadLetter, Reason: "invalid activity", Err: err}
	}

	rec, err := p.analyze(ctx, activity)
	if err != nil {
		return p.failure(ctx, d, "analyze", err)
	}

	if err := p.upsert(ctx, rec); err != nil {
		return p.failure(ctx, d, "store", err)
	}
	return Outcome{Kind: Ack}
}

func (p *Pipeline) analyze(ctx context.Context, activity domain.Activity) (domain.Recommendation, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AnalyzerTimeout)
	defer cancel()

	rec, err := p.analyzer.Analyze(actx, activity)
	if err != nil {
		var analysisErr *domain.AnalysisError
		if !errors.As(err, &analysisErr) {
			err = domain.NewTransientAnalysisError(err)
		}
		return domain.Recommendation{}, err
	}

	rec.ID = domain.RecommendationID(activity.ID)
	rec.ActivityID = activity.ID
	rec.UserID = activity.UserID
	rec.ActivityType = activity.Type
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = p.now()
	}
	return rec, nil
}

func (p *Pipeline) upsert(ctx context.Context, rec domain.Recommendation) error {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()

	if err := p.store.UpsertByActivity(sctx, rec); err != nil {
		if !errors.Is(err, domain.ErrStore) {
			err = domain.NewStoreError("upsert", err)
		}
		return err
	}
	return nil
}

func (p *Pipeline) failure(ctx context.Context, d Delivery, stage string, err error) Outcome {
	// Shutdown: leave the delivery unacknowledged so it is redelivered.
	if ctx.Err() != nil {
		return Outcome{Kind: Retry, Reason: "shutdown", Err: err}
	}
	if domain.IsPermanent(err) {
		return Outcome{Kind: DeadLetter, Reason: stage + ": permanent failure", Err: err}
	}
	if d.Attempt >= p.cfg.MaxAttempts {
		return Outcome{
			Kind:   DeadLetter,
			Reason: fmt.Sprintf("%s: attempts exhausted (%d)", stage, d.Attempt),
			Err:    err,
		}
	}
	return Outcome{Kind: Retry, Delay: p.Backoff(d.Attempt), Reason: stage + ": transient failure", Err: err}
}

// Backoff returns the delay before the attempt following attempt.
func (p *Pipeline) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.RetryMaxDelay {
			return p.cfg.RetryMaxDelay
		}
	}
	return delay
}

func (p *Pipeline) observe(d Delivery, outcome Outcome, elapsed time.Duration) {
	recordOutcome(outcome.Kind, elapsed)

	var evt *zerolog.Event
	switch outcome.Kind {
	case Ack:
		evt = p.logger.Debug()
	case Retry:
		evt = p.logger.Warn().Dur("delay", outcome.Delay)
	default:
		evt = p.logger.Error()
	}
	evt.Str("activity_id", d.Activity.ID).
		Str("user_id", d.Activity.UserID).
		Int("attempt", d.Attempt).
		Str("outcome", outcome.Kind.String()).
		Str("reason", outcome.Reason).
		Err(outcome.Err).
		Msg("activity processed")
}
