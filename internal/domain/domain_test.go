package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeActivityType(t *testing.T) {
	require.Equal(t, ActivityRunning, ActivityType(" running ").Normalize())
	require.Equal(t, ActivityHIIT, ActivityType("hiit").Normalize())
	require.Equal(t, ActivityOther, ActivityType("PARKOUR").Normalize())
	require.Equal(t, ActivityOther, ActivityType("").Normalize())
}

func TestActivityValidate(t *testing.T) {
	valid := Activity{ID: "A1", UserID: "U1", Type: ActivityRunning, DurationMin: 30, CaloriesBurned: 300}
	require.NoError(t, valid.Validate())

	cases := map[string]func(a *Activity){
		"missing id":        func(a *Activity) { a.ID = " " },
		"missing user":      func(a *Activity) { a.UserID = "" },
		"negative duration": func(a *Activity) { a.DurationMin = -1 },
		"negative calories": func(a *Activity) { a.CaloriesBurned = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := valid
			mutate(&a)
			err := a.Validate()
			require.ErrorIs(t, err, ErrInvalidActivity)
			require.True(t, IsPermanent(err))
		})
	}
}

func TestRecommendationIDIsDeterministic(t *testing.T) {
	require.Equal(t, RecommendationID("A1"), RecommendationID("A1"))
	require.NotEqual(t, RecommendationID("A1"), RecommendationID("A2"))
	require.Len(t, RecommendationID("A1"), 36)
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")

	storeErr := NewStoreError("upsert", cause)
	require.ErrorIs(t, storeErr, ErrStore)
	require.ErrorIs(t, storeErr, cause)
	require.False(t, IsPermanent(storeErr))

	transient := NewTransientAnalysisError(cause)
	require.ErrorIs(t, transient, ErrAnalysis)
	require.False(t, IsPermanent(transient))
	require.Contains(t, transient.Error(), "transient")

	permanent := NewPermanentAnalysisError(cause)
	require.True(t, IsPermanent(permanent))
	require.True(t, IsPermanent(errors.Join(errors.New("wrapped"), permanent)))
}

type stubStore struct {
	recs     []Recommendation
	next     *Cursor
	gotLimit int
}

func (s *stubStore) UpsertByActivity(context.Context, Recommendation) error { return nil }

func (s *stubStore) FindByActivityID(_ context.Context, id string) (*Recommendation, error) {
	for _, r := range s.recs {
		if r.ActivityID == id {
			return &r, nil
		}
	}
	return nil, ErrRecommendationNotFound
}

func (s *stubStore) FindByUserID(_ context.Context, _ string, _ *Cursor, limit int) ([]Recommendation, *Cursor, error) {
	s.gotLimit = limit
	return s.recs, s.next, nil
}

func TestQueryServiceRejectsBlankIDs(t *testing.T) {
	svc := NewQueryService(&stubStore{})

	_, err := svc.GetUserRecommendations(context.Background(), "  ")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.GetActivityRecommendation(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestQueryServiceUserHistory(t *testing.T) {
	store := &stubStore{}
	svc := NewQueryService(store)

	recs, err := svc.GetUserRecommendations(context.Background(), "U1")
	require.NoError(t, err)
	require.NotNil(t, recs)
	require.Empty(t, recs)
	require.Zero(t, store.gotLimit)

	store.recs = []Recommendation{{ActivityID: "A1", UserID: "U1", CreatedAt: time.Now()}}
	store.next = &Cursor{ID: "x"}
	page, next, err := svc.ListUserRecommendations(context.Background(), "U1", nil, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "x", next.ID)
	require.Equal(t, 1, store.gotLimit)
}

func TestQueryServiceActivityNotFound(t *testing.T) {
	svc := NewQueryService(&stubStore{})
	_, err := svc.GetActivityRecommendation(context.Background(), "A9")
	require.ErrorIs(t, err, ErrRecommendationNotFound)
}
