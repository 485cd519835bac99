package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// recommendationNamespace seeds deterministic recommendation identifiers.
var recommendationNamespace = uuid.MustParse("3f1c2b5e-8d4a-4e7b-9c1d-6a2f0e5b7c91")

// Recommendation is the advisory artifact derived from one activity.
type Recommendation struct {
	ID           string       `json:"id"`
	ActivityID   string       `json:"activity_id"`
	UserID       string       `json:"user_id"`
	ActivityType ActivityType `json:"activity_type"`
	Analysis     string       `json:"analysis"`
	Improvements []string     `json:"improvements"`
	Suggestions  []string     `json:"suggestions"`
	Safety       []string     `json:"safety"`
	CreatedAt    time.Time    `json:"created_at"`
}

// RecommendationID returns the identity of the recommendation for an activity.
// Reprocessing the same activity always yields the same identifier.
func RecommendationID(activityID string) string {
	return uuid.NewSHA1(recommendationNamespace, []byte(activityID)).String()
}

// Cursor models the pagination token for a user's recommendation history.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Store captures recommendation persistence operations.
type Store interface {
	// UpsertByActivity writes or replaces the current recommendation for rec.ActivityID.
	// When a newer record already exists the write is a no-op.
	UpsertByActivity(ctx context.Context, rec Recommendation) error
	// FindByActivityID returns ErrRecommendationNotFound when nothing is stored.
	FindByActivityID(ctx context.Context, activityID string) (*Recommendation, error)
	// FindByUserID returns recommendations newest first. limit <= 0 returns the full history.
	FindByUserID(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Recommendation, *Cursor, error)
}

// Analyzer turns an activity into a recommendation body.
// Failures must be reported as errors, never as an empty recommendation.
type Analyzer interface {
	Analyze(ctx context.Context, activity Activity) (Recommendation, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, activity Activity) (Recommendation, error)

// Analyze implements Analyzer.
func (f AnalyzerFunc) Analyze(ctx context.Context, activity Activity) (Recommendation, error) {
	return f(ctx, activity)
}
