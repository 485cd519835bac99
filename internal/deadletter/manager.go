package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"example.com/recommendation/internal/logging"
)

// Republisher sends a dead-lettered payload back to its original topic.
type Republisher interface {
	Republish(ctx context.Context, entry Entry) error
}

// ManagerOption configures optional behaviour for the Manager.
type ManagerOption func(*Manager)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager replays due dead letters and quarantines entries that keep failing.
type Manager struct {
	db          DB
	republisher Republisher
	maxReplays  int
	baseDelay   time.Duration
	logger      zerolog.Logger
}

// NewManager constructs a Manager.
func NewManager(db DB, republisher Republisher, maxReplays int, baseDelay time.Duration, opts ...ManagerOption) *Manager {
	if maxReplays <= 0 {
		maxReplays = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	m := &Manager{
		db:          db,
		republisher: republisher,
		maxReplays:  maxReplays,
		baseDelay:   baseDelay,
		logger:      logging.Component("dlq-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

const selectDue = `SELECT dlq_id, source, topic, message_key, payload, reason, attempts, replay_count, created_at
FROM recommendation_dead_letters
WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
ORDER BY created_at
LIMIT $1`

// RunOnce processes up to batchSize due entries and returns how many were replayed.
func (m *Manager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	entries, err := m.due(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		ok, handleErr := m.handleEntry(ctx, entry)
		if handleErr != nil {
			err = errors.Join(err, fmt.Errorf("dead letter %d: %w", entry.ID, handleErr))
			continue
		}
		if ok {
			replayed++
		}
	}

	m.UpdateBacklog(ctx)
	return replayed, err
}

func (m *Manager) due(ctx context.Context, batchSize int) ([]Entry, error) {
	var entries []Entry
	if err := pgxscan.Select(ctx, m.db, &entries, selectDue, batchSize); err != nil {
		return nil, fmt.Errorf("select due dead letters: %w", err)
	}
	return entries, nil
}

// handleEntry applies replay or quarantine logic to a single entry. The bool
// reports whether the payload was republished.
func (m *Manager) handleEntry(ctx context.Context, entry Entry) (bool, error) {
	if entry.ReplayCount >= m.maxReplays {
		if _, err := m.db.Exec(ctx,
			`UPDATE recommendation_dead_letters SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
			"replay limit reached", entry.ID,
		); err != nil {
			return false, err
		}
		recordQuarantined(entry)
		m.logger.Warn().Int64("dlq_id", entry.ID).Str("topic", entry.Topic).Int("replays", entry.ReplayCount).Msg("dead letter quarantined")
		return false, nil
	}

	if pubErr := m.republisher.Republish(ctx, entry); pubErr != nil {
		delay := m.backoffDelay(entry.ReplayCount + 1)
		if _, err := m.db.Exec(ctx,
			`UPDATE recommendation_dead_letters
			    SET replay_count = replay_count + 1,
			        last_attempt_at = NOW(),
			        next_retry_at = NOW() + make_interval(secs => $1),
			        reason = $2
			  WHERE dlq_id = $3`,
			delay.Seconds(), pubErr.Error(), entry.ID,
		); err != nil {
			return false, errors.Join(pubErr, err)
		}
		recordRetryScheduled(entry)
		m.logger.Warn().Err(pubErr).Int64("dlq_id", entry.ID).Dur("delay", delay).Msg("dead letter replay failed")
		return false, nil
	}

	if _, err := m.db.Exec(ctx, `DELETE FROM recommendation_dead_letters WHERE dlq_id = $1`, entry.ID); err != nil {
		return true, err
	}
	recordReplayed(entry)
	m.logger.Info().Int64("dlq_id", entry.ID).Str("topic", entry.Topic).Msg("dead letter replayed")
	return true, nil
}

// Release clears quarantine on an entry and makes it due immediately. It is
// the manual replay path for entries an operator has fixed upstream.
func (m *Manager) Release(ctx context.Context, id int64) error {
	tag, err := m.db.Exec(ctx,
		`UPDATE recommendation_dead_letters
		    SET quarantined_at = NULL, quarantine_reason = NULL, replay_count = 0, next_retry_at = NOW()
		  WHERE dlq_id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("release dead letter %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release dead letter %d: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// UpdateBacklog refreshes the backlog gauge. Failures are logged only.
func (m *Manager) UpdateBacklog(ctx context.Context) {
	var count int
	if err := m.db.QueryRow(ctx, `SELECT COUNT(*) FROM recommendation_dead_letters WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		m.logger.Debug().Err(err).Msg("dead letter backlog query failed")
		return
	}
	setBacklog(count)
}

// backoffDelay is exponential in the replay number and capped at one hour.
func (m *Manager) backoffDelay(replay int) time.Duration {
	if replay < 1 {
		replay = 1
	}
	if replay > 20 {
		return time.Hour
	}
	delay := time.Duration(1<<uint(replay-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}
