package api

import (
	"time"

	"example.com/recommendation/internal/domain"
)

// RecommendationView is the JSON representation of a recommendation.
type RecommendationView struct {
	ID           string    `json:"id"`
	ActivityID   string    `json:"activityId"`
	UserID       string    `json:"userId"`
	ActivityType string    `json:"activityType"`
	Analysis     string    `json:"recommendation"`
	Improvements []string  `json:"improvements"`
	Suggestions  []string  `json:"suggestions"`
	Safety       []string  `json:"safety"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ListRecommendationsResponse is one page of a user's history.
type ListRecommendationsResponse struct {
	Items      []RecommendationView `json:"items"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func toView(rec domain.Recommendation) RecommendationView {
	return RecommendationView{
		ID:           rec.ID,
		ActivityID:   rec.ActivityID,
		UserID:       rec.UserID,
		ActivityType: string(rec.ActivityType),
		Analysis:     rec.Analysis,
		Improvements: nonNil(rec.Improvements),
		Suggestions:  nonNil(rec.Suggestions),
		Safety:       nonNil(rec.Safety),
		CreatedAt:    rec.CreatedAt,
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
