// Package memory provides an in-process recommendation store for local development and tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"example.com/recommendation/internal/domain"
	"example.com/recommendation/internal/persistence"
)

// Store keeps the current recommendation per activity in memory.
type Store struct {
	mu         sync.RWMutex
	byActivity map[string]domain.Recommendation
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{byActivity: make(map[string]domain.Recommendation)}
}

// UpsertByActivity implements domain.Store. The later CreatedAt wins; equal
// timestamps replace the stored record.
func (s *Store) UpsertByActivity(ctx context.Context, rec domain.Recommendation) error {
	if err := ctx.Err(); err != nil {
		return domain.NewStoreError("upsert", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byActivity[rec.ActivityID]; ok && existing.CreatedAt.After(rec.CreatedAt) {
		return nil
	}
	s.byActivity[rec.ActivityID] = clone(rec)
	return nil
}

// FindByActivityID implements domain.Store.
func (s *Store) FindByActivityID(ctx context.Context, activityID string) (*domain.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStoreError("find by activity", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byActivity[activityID]
	if !ok {
		return nil, domain.ErrRecommendationNotFound
	}
	out := clone(rec)
	return &out, nil
}

// FindByUserID implements domain.Store.
func (s *Store) FindByUserID(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Recommendation, *domain.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, domain.NewStoreError("find by user", err)
	}

	s.mu.RLock()
	results := make([]domain.Recommendation, 0)
	for _, rec := range s.byActivity {
		if rec.UserID != userID {
			continue
		}
		if cursor != nil && !persistence.Less(rec.CreatedAt, rec.ID, cursor.CreatedAt, cursor.ID) {
			continue
		}
		results = append(results, clone(rec))
	}
	s.mu.RUnlock()

	slices.SortFunc(results, func(a, b domain.Recommendation) int {
		switch {
		case persistence.Less(a.CreatedAt, a.ID, b.CreatedAt, b.ID):
			return -1
		case persistence.Less(b.CreatedAt, b.ID, a.CreatedAt, a.ID):
			return 1
		default:
			return 0
		}
	})

	if limit <= 0 || len(results) < limit {
		return results, nil, nil
	}
	results = results[:limit]
	last := results[len(results)-1]
	return results, &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}

// Len returns the number of stored recommendations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byActivity)
}

func clone(rec domain.Recommendation) domain.Recommendation {
	rec.Improvements = slices.Clone(rec.Improvements)
	rec.Suggestions = slices.Clone(rec.Suggestions)
	rec.Safety = slices.Clone(rec.Safety)
	return rec
}
