package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidline/internal/config"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(config.Log{Level: "debug", Format: "json"}, &buf)
	log.Debug("claimed job", "job_id", 4)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "claimed job", line["msg"])
	assert.EqualValues(t, 4, line["job_id"])
}

func TestTextFormatHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(config.Log{Level: "warn"}, &buf)
	log.Info("hidden")
	log.Warn("shown", "error", errors.New("boom"))
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "\x1b[", "buffers are not terminals")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
