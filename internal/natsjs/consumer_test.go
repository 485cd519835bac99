package natsjs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/recommendation/internal/deadletter"
	"example.com/recommendation/internal/domain"
	"example.com/recommendation/internal/events"
	"example.com/recommendation/internal/persistence/memory"
	"example.com/recommendation/internal/pipeline"
)

func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func testConfig(name string) Config {
	return Config{
		Stream:    "ACTIVITIES",
		Subject:   "activity.events",
		Durable:   name,
		AckWait:   5 * time.Second,
		Workers:   2,
		FetchWait: 100 * time.Millisecond,
	}
}

func publishActivity(t *testing.T, js jetstream.JetStream, id string) {
	t.Helper()
	payload, err := events.EncodeActivity(domain.Activity{
		ID:             id,
		UserID:         "U1",
		Type:           domain.ActivitySwimming,
		DurationMin:    30,
		CaloriesBurned: 300,
	})
	require.NoError(t, err)
	_, err = js.Publish(context.Background(), "activity.events", payload)
	require.NoError(t, err)
}

func runConsumer(t *testing.T, c *Consumer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestConsumerStoresAndAcks(t *testing.T) {
	js := startJetStream(t)
	cfg := testConfig("ack-test")
	cons, err := EnsureStream(context.Background(), js, cfg)
	require.NoError(t, err)

	store := memory.NewStore()
	analyzer := domain.AnalyzerFunc(func(context.Context, domain.Activity) (domain.Recommendation, error) {
		return domain.Recommendation{Analysis: "good swim", Improvements: []string{"increase rest"}}, nil
	})
	handler := pipeline.New(analyzer, store, pipeline.Config{MaxAttempts: 3}, pipeline.WithLogger(zerolog.Nop()))

	runConsumer(t, NewConsumer(cons, js, handler, cfg, WithLogger(zerolog.Nop())))
	publishActivity(t, js, "A1")
	publishActivity(t, js, "A2")

	require.Eventually(t, func() bool { return store.Len() == 2 }, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		info, err := cons.Info(context.Background())
		return err == nil && info.NumAckPending == 0 && info.NumPending == 0
	}, 10*time.Second, 50*time.Millisecond)
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	js := startJetStream(t)
	cfg := testConfig("retry-test")
	cons, err := EnsureStream(context.Background(), js, cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	var attempts []int
	var calls atomic.Int32
	analyzer := domain.AnalyzerFunc(func(context.Context, domain.Activity) (domain.Recommendation, error) {
		if calls.Add(1) == 1 {
			return domain.Recommendation{}, domain.NewTransientAnalysisError(errors.New("model overloaded"))
		}
		return domain.Recommendation{Analysis: "ok"}, nil
	})
	store := memory.NewStore()
	handler := &recordingHandler{
		next: pipeline.New(analyzer, store, pipeline.Config{
			MaxAttempts:    3,
			RetryBaseDelay: 50 * time.Millisecond,
			RetryMaxDelay:  100 * time.Millisecond,
		}, pipeline.WithLogger(zerolog.Nop())),
		record: func(d pipeline.Delivery) {
			mu.Lock()
			attempts = append(attempts, d.Attempt)
			mu.Unlock()
		},
	}

	runConsumer(t, NewConsumer(cons, js, handler, cfg, WithLogger(zerolog.Nop())))
	publishActivity(t, js, "A3")

	require.Eventually(t, func() bool { return store.Len() == 1 }, 10*time.Second, 50*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, attempts)
}

func TestConsumerDeadLettersInvalidPayload(t *testing.T) {
	js := startJetStream(t)
	cfg := testConfig("dlq-test")
	cons, err := EnsureStream(context.Background(), js, cfg)
	require.NoError(t, err)

	dlq, err := js.CreateOrUpdateConsumer(context.Background(), cfg.Stream, jetstream.ConsumerConfig{
		Durable:       "dlq-reader",
		FilterSubject: DeadLetterSubject(cfg.Subject),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	sink := &stubSink{}
	handler := pipeline.New(domain.AnalyzerFunc(func(context.Context, domain.Activity) (domain.Recommendation, error) {
		t.Error("analyzer must not run for invalid payloads")
		return domain.Recommendation{}, nil
	}), memory.NewStore(), pipeline.Config{}, pipeline.WithLogger(zerolog.Nop()))

	runConsumer(t, NewConsumer(cons, js, handler, cfg, WithLogger(zerolog.Nop()), WithDeadLetterSink(sink)))
	_, err = js.Publish(context.Background(), cfg.Subject, []byte(`{"id":"A4","userId":"","duration":5}`))
	require.NoError(t, err)

	batch, err := dlq.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)
	var got jetstream.Msg
	for msg := range batch.Messages() {
		got = msg
	}
	require.NotNil(t, got)
	require.Contains(t, got.Headers().Get(HeaderReason), "decode")
	require.Equal(t, "1", got.Headers().Get(HeaderAttempt))

	entries := sink.all()
	require.Len(t, entries, 1)
	require.Equal(t, deadletter.SourceJetStream, entries[0].Source)
	require.Equal(t, "activity.events", entries[0].Topic)
	require.Equal(t, []byte("A4"), entries[0].Key)
}

func TestConsumerKeepsReplayCountOfReplayedDeadLetter(t *testing.T) {
	js := startJetStream(t)
	cfg := testConfig("replay-test")
	cons, err := EnsureStream(context.Background(), js, cfg)
	require.NoError(t, err)

	sink := &stubSink{}
	handler := pipeline.New(domain.AnalyzerFunc(func(context.Context, domain.Activity) (domain.Recommendation, error) {
		return domain.Recommendation{}, nil
	}), memory.NewStore(), pipeline.Config{}, pipeline.WithLogger(zerolog.Nop()))
	runConsumer(t, NewConsumer(cons, js, handler, cfg, WithLogger(zerolog.Nop()), WithDeadLetterSink(sink)))

	republisher := deadletter.NewJetStreamRepublisher(js)
	require.NoError(t, republisher.Republish(context.Background(), deadletter.Entry{
		Source:      deadletter.SourceJetStream,
		Topic:       cfg.Subject,
		Payload:     []byte(`{"id":"A5","userId":""}`),
		ReplayCount: 1,
	}))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 10*time.Second, 50*time.Millisecond)
	require.Equal(t, 2, sink.all()[0].ReplayCount)
}

type recordingHandler struct {
	next   Handler
	record func(pipeline.Delivery)
}

func (h *recordingHandler) Handle(ctx context.Context, d pipeline.Delivery) pipeline.Outcome {
	h.record(d)
	return h.next.Handle(ctx, d)
}

type stubSink struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (s *stubSink) Write(_ context.Context, entry deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubSink) all() []deadletter.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deadletter.Entry(nil), s.entries...)
}
