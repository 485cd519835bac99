// Package cache provides a Redis read-through decorator for the recommendation store.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"example.com/recommendation/internal/domain"
	"example.com/recommendation/internal/logging"
)

const (
	keyPrefix     = "recommendation:activity:"
	versionSuffix = ":version"
)

// invalidateScript raises the version marker to the written created_at
// (microseconds) and drops the cached entry in one step.
// KEYS: entry, marker. ARGV: created_at, ttl ms.
const invalidateScript = `
local current = redis.call("GET", KEYS[2])
if not current or tonumber(current) < tonumber(ARGV[1]) then
  redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
end
return redis.call("DEL", KEYS[1])
`

// fillScript caches an entry unless a newer write has already been recorded
// for the activity. KEYS: entry, marker. ARGV: payload, created_at, ttl ms.
const fillScript = `
local current = redis.call("GET", KEYS[2])
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`

// Client is the subset of *redis.Client used by the cache.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Option configures optional behaviour for the Store.
type Option func(*Store)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store caches FindByActivityID lookups in Redis. Writes go to the inner
// store first and then drop the cached entry.
type Store struct {
	inner  domain.Store
	client Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewStore wraps inner with a Redis cache.
func NewStore(inner domain.Store, client Client, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &Store{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: logging.Component("cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the cache key for an activity.
func Key(activityID string) string {
	return keyPrefix + activityID
}

// VersionKey holds the created_at of the newest write seen for an activity.
func VersionKey(activityID string) string {
	return keyPrefix + activityID + versionSuffix
}

// UpsertByActivity implements domain.Store. A failed invalidation is reported
// as a store error so the delivery is retried rather than leaving a stale entry.
func (s *Store) UpsertByActivity(ctx context.Context, rec domain.Recommendation) error {
	if err := s.inner.UpsertByActivity(ctx, rec); err != nil {
		return err
	}
	keys := []string{Key(rec.ActivityID), VersionKey(rec.ActivityID)}
	if err := s.client.Eval(ctx, invalidateScript, keys, rec.CreatedAt.UnixMicro(), s.ttl.Milliseconds()).Err(); err != nil {
		recordCache("invalidate_error")
		return domain.NewStoreError("invalidate cache", err)
	}
	return nil
}

// FindByActivityID implements domain.Store. Cache failures fall back to the
// inner store. A row read before a concurrent upsert is not cached once that
// upsert has invalidated the entry.
func (s *Store) FindByActivityID(ctx context.Context, activityID string) (*domain.Recommendation, error) {
	key := Key(activityID)

	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rec domain.Recommendation
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil {
			recordCache("hit")
			return &rec, nil
		}
		s.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case errors.Is(err, redis.Nil):
		recordCache("miss")
	default:
		recordCache("error")
		s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	rec, err := s.inner.FindByActivityID(ctx, activityID)
	if err != nil {
		return nil, err
	}

	if data, jsonErr := json.Marshal(rec); jsonErr == nil {
		keys := []string{key, VersionKey(activityID)}
		filled, setErr := s.client.Eval(ctx, fillScript, keys, data, rec.CreatedAt.UnixMicro(), s.ttl.Milliseconds()).Int()
		switch {
		case setErr != nil:
			s.logger.Warn().Err(setErr).Str("key", key).Msg("cache write failed")
		case filled == 0:
			recordCache("superseded")
		}
	}
	return rec, nil
}

// FindByUserID implements domain.Store. History pages are not cached.
func (s *Store) FindByUserID(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Recommendation, *domain.Cursor, error) {
	return s.inner.FindByUserID(ctx, userID, cursor, limit)
}
