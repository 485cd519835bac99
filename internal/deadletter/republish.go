package deadletter

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/kafka-go"
)

// ReplayHeader carries the replay number on republished messages. Consumers
// copy it into Entry.ReplayCount when the replay is dead-lettered again.
const ReplayHeader = "x-dlq-replay"

// ParseReplayCount reads a ReplayHeader value. Missing or malformed values
// count as zero replays.
func ParseReplayCount(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// TopicWriter writes Kafka messages to a named topic.
type TopicWriter interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// KafkaRepublisher replays entries onto their original Kafka topic.
type KafkaRepublisher struct {
	writer TopicWriter
}

// NewKafkaRepublisher constructs a KafkaRepublisher.
func NewKafkaRepublisher(writer TopicWriter) *KafkaRepublisher {
	return &KafkaRepublisher{writer: writer}
}

// Republish implements Republisher.
func (r *KafkaRepublisher) Republish(ctx context.Context, entry Entry) error {
	return r.writer.WriteMessages(ctx, entry.Topic, kafka.Message{
		Key:   entry.Key,
		Value: entry.Payload,
		Headers: []kafka.Header{
			{Key: ReplayHeader, Value: []byte(strconv.Itoa(entry.ReplayCount + 1))},
		},
	})
}

// SubjectPublisher is the subset of jetstream.JetStream used for replays.
type SubjectPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamRepublisher replays entries onto their original JetStream subject.
type JetStreamRepublisher struct {
	js SubjectPublisher
}

// NewJetStreamRepublisher constructs a JetStreamRepublisher.
func NewJetStreamRepublisher(js SubjectPublisher) *JetStreamRepublisher {
	return &JetStreamRepublisher{js: js}
}

// Republish implements Republisher.
func (r *JetStreamRepublisher) Republish(ctx context.Context, entry Entry) error {
	msg := nats.NewMsg(entry.Topic)
	msg.Data = entry.Payload
	msg.Header.Set(ReplayHeader, strconv.Itoa(entry.ReplayCount+1))
	_, err := r.js.PublishMsg(ctx, msg)
	return err
}

// Router dispatches each entry to the republisher registered for its source.
type Router map[string]Republisher

// Republish implements Republisher.
func (r Router) Republish(ctx context.Context, entry Entry) error {
	target, ok := r[entry.Source]
	if !ok || target == nil {
		return fmt.Errorf("no republisher for source %q", entry.Source)
	}
	return target.Republish(ctx, entry)
}
