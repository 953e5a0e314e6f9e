package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONCarriesAppID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Format: "json", AppID: "PIPELINE_X", Output: &buf})
	logger.Debug("inlet begin", "chat_id", "c1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "PIPELINE_X", record["app"])
	assert.Equal(t, "c1", record["chat_id"])
	assert.Equal(t, "inlet begin", record["msg"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Output: &buf})
	logger.Info("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func TestRedactValue(t *testing.T) {
	assert.Equal(t, "Bearer ****1234", RedactValue("Bearer sk-abcdef1234"))
	assert.Equal(t, "****", RedactValue("abc"))
	assert.Equal(t, "****wxyz", RedactValue("  stuvwxyz "))
	assert.Empty(t, RedactValue(" "))
}
