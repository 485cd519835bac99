// Package deadletter persists activities the pipeline gave up on and replays
// them back onto their channel.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"example.com/recommendation/internal/observability"
)

// Channel sources.
const (
	SourceKafka     = "kafka"
	SourceJetStream = "jetstream"
)

// Entry is one dead-lettered delivery.
type Entry struct {
	ID          int64     `db:"dlq_id"`
	Source      string    `db:"source"`
	Topic       string    `db:"topic"` // topic or subject the activity was originally consumed from
	Key         []byte    `db:"message_key"`
	Payload     []byte    `db:"payload"`
	Reason      string    `db:"reason"`
	Attempts    int       `db:"attempts"`
	ReplayCount int       `db:"replay_count"`
	CreatedAt   time.Time `db:"created_at"`
}

// DB is the subset of *pgxpool.Pool used by this package.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Sink records dead letters.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// PostgresSink stores dead letters in recommendation_dead_letters.
type PostgresSink struct {
	db DB
}

// NewPostgresSink constructs a PostgresSink.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// ReplayCount is carried over from the replayed message so the replay budget
// survives a failed replay.
const insertEntry = `INSERT INTO recommendation_dead_letters (source, topic, message_key, payload, reason, attempts, replay_count, next_retry_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.Topic) == "" {
		return errors.New("dead letter: topic is required")
	}
	if entry.Payload == nil {
		entry.Payload = []byte{}
	}
	if _, err := s.db.Exec(ctx, insertEntry,
		entry.Source,
		entry.Topic,
		entry.Key,
		entry.Payload,
		entry.Reason,
		entry.Attempts,
		max(entry.ReplayCount, 0),
	); err != nil {
		return fmt.Errorf("dead letter: insert: %w", err)
	}
	recordWritten(entry.Source)
	observability.RecordDeadLetter(time.Now())
	return nil
}
