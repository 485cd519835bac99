// Package domain defines the business logic for the recommendation service.
package domain

import (
	"context"
	"fmt"
	"strings"
)

// QueryService is the read-only facade over the recommendation store.
type QueryService struct {
	store Store
}

// NewQueryService constructs a QueryService.
func NewQueryService(store Store) *QueryService {
	return &QueryService{store: store}
}

// GetUserRecommendations returns the full history for a user, newest first.
// A user without recommendations yields an empty slice.
func (s *QueryService) GetUserRecommendations(ctx context.Context, userID string) ([]Recommendation, error) {
	recs, _, err := s.ListUserRecommendations(ctx, userID, nil, 0)
	return recs, err
}

// ListUserRecommendations fetches one page of a user's history.
func (s *QueryService) ListUserRecommendations(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Recommendation, *Cursor, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	recs, next, err := s.store.FindByUserID(ctx, userID, cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	if recs == nil {
		recs = []Recommendation{}
	}
	return recs, next, nil
}

// GetActivityRecommendation fetches the current recommendation for an activity.
// It fails with ErrRecommendationNotFound while the activity is unprocessed,
// retrying, or dead-lettered.
func (s *QueryService) GetActivityRecommendation(ctx context.Context, activityID string) (*Recommendation, error) {
	if strings.TrimSpace(activityID) == "" {
		return nil, fmt.Errorf("%w: activity id is required", ErrInvalidArgument)
	}
	return s.store.FindByActivityID(ctx, activityID)
}
