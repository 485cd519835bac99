// Package postgres implements the recommendation store on PostgreSQL.
package postgres

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"

	"example.com/recommendation/internal/domain"
	"example.com/recommendation/internal/observability"
)

const table = "recommendations"

var columns = []string{
	"recommendation_id",
	"activity_id",
	"user_id",
	"activity_type",
	"analysis",
	"improvements",
	"suggestions",
	"safety",
	"created_at",
}

// upsertSuffix replaces the current row for an activity unless the stored row is newer.
const upsertSuffix = `ON CONFLICT (activity_id) DO UPDATE SET
        recommendation_id = EXCLUDED.recommendation_id,
        user_id = EXCLUDED.user_id,
        activity_type = EXCLUDED.activity_type,
        analysis = EXCLUDED.analysis,
        improvements = EXCLUDED.improvements,
        suggestions = EXCLUDED.suggestions,
        safety = EXCLUDED.safety,
        created_at = EXCLUDED.created_at,
        updated_at = NOW()
    WHERE recommendations.created_at <= EXCLUDED.created_at`

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Repository provides Postgres-backed persistence for recommendations.
type Repository struct {
	db Querier
}

// NewRepository constructs a Repository. db is usually a *pgxpool.Pool.
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// UpsertByActivity implements domain.Store.
func (r *Repository) UpsertByActivity(ctx context.Context, rec domain.Recommendation) error {
	query, args, err := psql.Insert(table).
		Columns(columns...).
		Values(
			rec.ID,
			rec.ActivityID,
			rec.UserID,
			string(rec.ActivityType),
			rec.Analysis,
			nonNil(rec.Improvements),
			nonNil(rec.Suggestions),
			nonNil(rec.Safety),
			rec.CreatedAt.UTC(),
		).
		Suffix(upsertSuffix).
		ToSql()
	if err != nil {
		return domain.NewStoreError("build upsert", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return mapError("upsert", err)
	}
	// Zero rows: an older redelivery lost to the stored recommendation.
	if tag.RowsAffected() > 0 {
		observability.RecordRecommendationPersisted(rec.CreatedAt)
	}
	return nil
}

// FindByActivityID implements domain.Store.
func (r *Repository) FindByActivityID(ctx context.Context, activityID string) (*domain.Recommendation, error) {
	query, args, err := psql.Select(columns...).
		From(table).
		Where(squirrel.Eq{"activity_id": activityID}).
		ToSql()
	if err != nil {
		return nil, domain.NewStoreError("build find by activity", err)
	}

	rec, err := scanRecommendation(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapError("find by activity", err)
	}
	return &rec, nil
}

// FindByUserID implements domain.Store.
func (r *Repository) FindByUserID(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Recommendation, *domain.Cursor, error) {
	builder := psql.Select(columns...).
		From(table).
		Where(squirrel.Eq{"user_id": userID})
	if cursor != nil {
		builder = builder.Where(squirrel.Expr("(created_at, recommendation_id) < (?, ?)", cursor.CreatedAt.UTC(), cursor.ID))
	}
	builder = builder.OrderBy("created_at DESC", "recommendation_id DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, nil, domain.NewStoreError("build find by user", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, mapError("find by user", err)
	}
	defer rows.Close()

	results := make([]domain.Recommendation, 0)
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, nil, mapError("scan by user", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, mapError("find by user", err)
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecommendation(row rowScanner) (domain.Recommendation, error) {
	var (
		rec          domain.Recommendation
		activityType string
		createdAt    time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ActivityID,
		&rec.UserID,
		&activityType,
		&rec.Analysis,
		&rec.Improvements,
		&rec.Suggestions,
		&rec.Safety,
		&createdAt,
	); err != nil {
		return domain.Recommendation{}, err
	}
	rec.ActivityType = domain.ActivityType(activityType)
	rec.CreatedAt = createdAt.UTC()
	return rec, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
