package logging

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestComponentTagsJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	logger := Component("consumer")
	logger.Debug().Str("topic", "activity.events").Msg("consumer started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "consumer", line["component"])
	require.Equal(t, "activity.events", line["topic"])
	require.Equal(t, "debug", line["level"])
	require.Contains(t, line, "time")
}

func TestInitFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "chatty", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	logger := Logger()
	logger.Debug().Msg("hidden")
	require.Zero(t, buf.Len())

	logger = Logger()
	logger.Info().Msg("shown")
	require.Contains(t, buf.String(), "shown")
}
