package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/recommendation/internal/domain"
)

var base = time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

func rec(activityID, userID string, created time.Time) domain.Recommendation {
	return domain.Recommendation{
		ID:           domain.RecommendationID(activityID),
		ActivityID:   activityID,
		UserID:       userID,
		ActivityType: domain.ActivityRunning,
		Analysis:     "analysis " + activityID,
		Improvements: []string{"increase rest"},
		CreatedAt:    created,
	}
}

func TestUpsertReplacesByActivity(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	first := rec("A1", "U1", base)
	require.NoError(t, store.UpsertByActivity(ctx, first))

	second := first
	second.Analysis = "updated"
	second.CreatedAt = base.Add(time.Minute)
	require.NoError(t, store.UpsertByActivity(ctx, second))

	stale := first
	stale.Analysis = "stale"
	require.NoError(t, store.UpsertByActivity(ctx, stale))

	require.Equal(t, 1, store.Len())
	got, err := store.FindByActivityID(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, "updated", got.Analysis)
}

func TestFindReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.UpsertByActivity(ctx, rec("A1", "U1", base)))

	got, err := store.FindByActivityID(ctx, "A1")
	require.NoError(t, err)
	got.Improvements[0] = "mutated"

	again, err := store.FindByActivityID(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, "increase rest", again.Improvements[0])
}

func TestFindByActivityIDMissing(t *testing.T) {
	_, err := NewStore().FindByActivityID(context.Background(), "A1")
	require.ErrorIs(t, err, domain.ErrRecommendationNotFound)
}

func TestFindByUserIDPaginatesWithTieBreak(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	// A2 and A3 share a timestamp; the higher recommendation id sorts first.
	for _, r := range []domain.Recommendation{
		rec("A1", "U1", base),
		rec("A2", "U1", base.Add(time.Hour)),
		rec("A3", "U1", base.Add(time.Hour)),
		rec("B1", "U2", base.Add(2*time.Hour)),
	} {
		require.NoError(t, store.UpsertByActivity(ctx, r))
	}

	all, next, err := store.FindByUserID(ctx, "U1", nil, 0)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, all, 3)
	require.Equal(t, "A1", all[2].ActivityID)

	var seen []string
	var cursor *domain.Cursor
	for {
		page, nextCursor, err := store.FindByUserID(ctx, "U1", cursor, 2)
		require.NoError(t, err)
		for _, r := range page {
			seen = append(seen, r.ActivityID)
		}
		if nextCursor == nil {
			break
		}
		cursor = nextCursor
	}

	var want []string
	for _, r := range all {
		want = append(want, r.ActivityID)
	}
	require.Equal(t, want, seen)
}

func TestFindByUserIDUnknownUser(t *testing.T) {
	recs, next, err := NewStore().FindByUserID(context.Background(), "nobody", nil, 10)
	require.NoError(t, err)
	require.NotNil(t, recs)
	require.Empty(t, recs)
	require.Nil(t, next)
}

func TestCancelledContextIsStoreFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewStore().UpsertByActivity(ctx, rec("A1", "U1", base))
	require.ErrorIs(t, err, domain.ErrStore)
}

func TestConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.UpsertByActivity(ctx, rec(fmt.Sprintf("A%d", i%10), "U1", base.Add(time.Duration(i)*time.Second)))
		}()
	}
	wg.Wait()

	require.Equal(t, 10, store.Len())
	got, err := store.FindByActivityID(ctx, "A3")
	require.NoError(t, err)
	require.Equal(t, base.Add(43*time.Second), got.CreatedAt)
}
