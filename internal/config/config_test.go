package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, ChannelKafka, cfg.Channel.Driver)
	require.Equal(t, []string{"activity.events"}, cfg.Kafka.Topics)
	require.Equal(t, ".retry", cfg.Kafka.RetrySuffix)
	require.Equal(t, ".dlq", cfg.Kafka.DLQSuffix)
	require.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.Pipeline.RetryBaseDelay)
	require.Equal(t, AnalyzerGenerative, cfg.Analyzer.Driver)
	require.False(t, cfg.DLQ.AutoReplay)
	require.Empty(t, cfg.Redis.Addr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("CHANNEL_DRIVER", "jetstream")
	t.Setenv("KAFKA_BROKERS", " k1:9092 , k2:9092 ,")
	t.Setenv("ANALYZER_DRIVER", "rules")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ChannelJetStream, cfg.Channel.Driver)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, AnalyzerRules, cfg.Analyzer.Driver)
	require.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_address: ":9999"
channel:
  driver: jetstream
  workers: 2
pipeline:
  max_attempts: 7
`), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddress)
	require.Equal(t, 2, cfg.Channel.Workers)
	require.Equal(t, 7, cfg.Pipeline.MaxAttempts)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("CHANNEL_DRIVER", "carrier-pigeon")
	t.Setenv("MAX_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "carrier-pigeon")
	require.Contains(t, err.Error(), "MAX_ATTEMPTS")
}

func TestValidate(t *testing.T) {
	valid := Config{
		Channel:  ChannelConfig{Driver: ChannelKafka, Workers: 1},
		Kafka:    KafkaConfig{Brokers: []string{"k:9092"}, Topics: []string{"activity.events"}},
		Pipeline: PipelineConfig{MaxAttempts: 1, RetryBaseDelay: time.Second, RetryMaxDelay: time.Minute},
		Analyzer: AnalyzerConfig{Driver: AnalyzerRules, Timeout: time.Second},
		Postgres: PostgresConfig{StoreTimeout: time.Second},
	}
	require.NoError(t, valid.Validate())

	noTopics := valid
	noTopics.Kafka.Topics = nil
	require.ErrorContains(t, noTopics.Validate(), "CONSUMER_TOPICS")

	inverted := valid
	inverted.Pipeline.RetryMaxDelay = time.Millisecond
	require.ErrorContains(t, inverted.Validate(), "RETRY_BASE_DELAY")

	noNATS := valid
	noNATS.Channel.Driver = ChannelJetStream
	require.ErrorContains(t, noNATS.Validate(), "NATS_URL")

	jetStream := valid
	jetStream.Channel.Driver = ChannelJetStream
	jetStream.NATS = NATSConfig{URL: "nats://n:4222", Stream: "ACTIVITIES", Subject: "activity.events", AckWait: 3 * time.Second}
	require.NoError(t, jetStream.Validate())

	shortAck := jetStream
	shortAck.NATS.AckWait = 2 * time.Second
	require.ErrorContains(t, shortAck.Validate(), "NATS_ACK_WAIT")
}
