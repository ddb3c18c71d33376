package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digicam/internal/config"
)

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("表示されない")
	logger.Warn("表示される", "stream_port", 5000)

	out := buf.String()
	assert.NotContains(t, out, "表示されない")
	assert.Contains(t, out, "表示される")
	assert.Contains(t, out, "stream_port=5000")
	assert.Contains(t, out, Name)
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LoggingConfig{Level: "verbose"}, &buf)

	assert.True(t, logger.IsInfo())
	assert.False(t, logger.IsDebug())
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LoggingConfig{Level: "debug", JSON: true}, &buf)

	logger.Named("webcam").Debug("プロセスを起動", "attempt", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "digicam.webcam", entry["@module"])
	assert.Equal(t, "プロセスを起動", entry["@message"])
	assert.EqualValues(t, 2, entry["attempt"])
}
