package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSetupWriter(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := SetupWriter(&buf, "settlectl", "test", "info")
	logger.Debug("hidden")
	logger.Info("attempt settled", "reference_id", "igloo7")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "attempt settled", line["message"])
	assert.Equal(t, "INFO", line["severity"])
	assert.Equal(t, "settlectl", line["service"])
	assert.Equal(t, "test", line["env"])
	assert.Equal(t, "igloo7", line["reference_id"])
	assert.Contains(t, line, "timestamp")
}
