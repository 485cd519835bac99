package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var entryColumns = []string{"dlq_id", "source", "topic", "message_key", "payload", "reason", "attempts", "replay_count", "created_at"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

type recordingRepublisher struct {
	mu      sync.Mutex
	err     error
	entries []Entry
}

func (r *recordingRepublisher) Republish(_ context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.err
}

func TestRunOnceReplaysAndDeletes(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT dlq_id, source, topic`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows(entryColumns).
			AddRow(int64(7), SourceKafka, "activity.events", []byte("a-1"), []byte(`{"id":"a-1"}`), "analyze: attempts exhausted (5)", 5, 0, now))
	mock.ExpectExec(`DELETE FROM recommendation_dead_letters`).
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))

	republisher := &recordingRepublisher{}
	manager := NewManager(mock, republisher, 3, time.Minute, WithLogger(zerolog.Nop()))

	replayed, err := manager.RunOnce(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, replayed)
	require.Len(t, republisher.entries, 1)
	require.Equal(t, "activity.events", republisher.entries[0].Topic)
	require.Equal(t, []byte("a-1"), republisher.entries[0].Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceReschedulesFailedReplay(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT dlq_id, source, topic`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows(entryColumns).
			AddRow(int64(8), SourceJetStream, "activity.events", []byte(nil), []byte(`{}`), "store: transient failure", 5, 1, time.Now()))
	mock.ExpectExec(`UPDATE recommendation_dead_letters`).
		WithArgs(float64(120), "broker down", int64(8)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	republisher := &recordingRepublisher{err: errors.New("broker down")}
	manager := NewManager(mock, republisher, 3, time.Minute, WithLogger(zerolog.Nop()))

	replayed, err := manager.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, replayed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceQuarantinesExhaustedEntries(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT dlq_id, source, topic`).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows(entryColumns).
			AddRow(int64(9), SourceKafka, "activity.events", []byte("a-9"), []byte(`{}`), "decode: bad json", 1, 3, time.Now()))
	mock.ExpectExec(`UPDATE recommendation_dead_letters SET quarantined_at`).
		WithArgs("replay limit reached", int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))

	republisher := &recordingRepublisher{}
	manager := NewManager(mock, republisher, 3, time.Minute, WithLogger(zerolog.Nop()))

	replayed, err := manager.RunOnce(context.Background(), 5)
	require.NoError(t, err)
	require.Zero(t, replayed)
	require.Empty(t, republisher.entries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceJoinsEntryErrors(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT dlq_id, source, topic`).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows(entryColumns).
			AddRow(int64(1), SourceKafka, "activity.events", []byte("a-1"), []byte(`{}`), "r", 1, 0, time.Now()).
			AddRow(int64(2), SourceKafka, "activity.events", []byte("a-2"), []byte(`{}`), "r", 1, 0, time.Now()))
	mock.ExpectExec(`DELETE FROM recommendation_dead_letters`).
		WithArgs(int64(1)).
		WillReturnError(errors.New("connection lost"))
	mock.ExpectExec(`DELETE FROM recommendation_dead_letters`).
		WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))

	manager := NewManager(mock, &recordingRepublisher{}, 3, time.Minute, WithLogger(zerolog.Nop()))

	replayed, err := manager.RunOnce(context.Background(), 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dead letter 1")
	require.Equal(t, 1, replayed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseClearsQuarantine(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`UPDATE recommendation_dead_letters`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE recommendation_dead_letters`).
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	manager := NewManager(mock, &recordingRepublisher{}, 3, time.Minute, WithLogger(zerolog.Nop()))
	require.NoError(t, manager.Release(context.Background(), 4))
	require.Error(t, manager.Release(context.Background(), 5))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoffDelayIsCapped(t *testing.T) {
	manager := NewManager(nil, nil, 3, time.Minute, WithLogger(zerolog.Nop()))
	require.Equal(t, time.Minute, manager.backoffDelay(1))
	require.Equal(t, 4*time.Minute, manager.backoffDelay(3))
	require.Equal(t, time.Hour, manager.backoffDelay(7))
	require.Equal(t, time.Hour, manager.backoffDelay(64))
}

func TestPostgresSinkWrite(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`INSERT INTO recommendation_dead_letters`).
		WithArgs(SourceKafka, "activity.events", []byte("a-1"), []byte(`{"id":"a-1"}`), "decode: bad", 1, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO recommendation_dead_letters`).
		WithArgs(SourceKafka, "activity.events", []byte("a-1"), []byte(`{"id":"a-1"}`), "decode: bad", 1, 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sink := NewPostgresSink(mock)
	err := sink.Write(context.Background(), Entry{
		Source:   SourceKafka,
		Topic:    "activity.events",
		Key:      []byte("a-1"),
		Payload:  []byte(`{"id":"a-1"}`),
		Reason:   "decode: bad",
		Attempts: 1,
	})
	require.NoError(t, err)

	// A replay that fails again keeps its replay budget.
	err = sink.Write(context.Background(), Entry{
		Source:      SourceKafka,
		Topic:       "activity.events",
		Key:         []byte("a-1"),
		Payload:     []byte(`{"id":"a-1"}`),
		Reason:      "decode: bad",
		Attempts:    1,
		ReplayCount: 2,
	})
	require.NoError(t, err)
	require.Error(t, sink.Write(context.Background(), Entry{Source: SourceKafka}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRouterDispatchesBySource(t *testing.T) {
	kafkaSide := &recordingRepublisher{}
	router := Router{SourceKafka: kafkaSide}

	require.NoError(t, router.Republish(context.Background(), Entry{Source: SourceKafka, Topic: "t"}))
	require.Len(t, kafkaSide.entries, 1)
	require.Error(t, router.Republish(context.Background(), Entry{Source: SourceJetStream, Topic: "t"}))
}

func TestParseReplayCount(t *testing.T) {
	require.Zero(t, ParseReplayCount(""))
	require.Zero(t, ParseReplayCount("x"))
	require.Zero(t, ParseReplayCount("-2"))
	require.Equal(t, 3, ParseReplayCount("3"))
}
