package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{" WARN ", WarnLevel},
		{"error", ErrorLevel},
		{"info", InfoLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	l := WithPeer(WithAgent(WithDeployment(WithComponent(logger, "deploy"), "shop"), "agent-1"), "coord-1")
	l.Info().Msg("placed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "deploy", entry["component"])
	assert.Equal(t, "shop", entry["deployment"])
	assert.Equal(t, "agent-1", entry["agent_id"])
	assert.Equal(t, "coord-1", entry["peer_id"])
	assert.Equal(t, "placed", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNopDiscards(t *testing.T) {
	logger := Nop()
	logger.Error().Msg("nothing")
}
