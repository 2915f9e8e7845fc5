package logging

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sheshant/sigiq/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLoggerRejectsUnknownEncoding(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "info", Encoding: "xml"})
	assert.Error(t, err)
}

func TestJSONEntryFields(t *testing.T) {
	var out bytes.Buffer
	logger, err := build(config.LoggingConfig{Level: "info"}, zapcore.AddSync(&out), zapcore.AddSync(&bytes.Buffer{}))
	require.NoError(t, err)

	logger.Info("client connected", zap.Int("count", 3), zap.Duration("took", 1500*time.Millisecond))
	logger.Debug("dropped")
	require.NoError(t, logger.Sync())

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "client connected", entry["msg"])
	assert.Equal(t, "chatd", entry["service"])
	assert.EqualValues(t, 3, entry["count"])
	assert.Equal(t, "1.5s", entry["took"])
	assert.Contains(t, entry, "ts")
	assert.Contains(t, entry, "caller")
	assert.NotContains(t, entry, "stack")
}

func TestConsoleEncoding(t *testing.T) {
	var out bytes.Buffer
	logger, err := build(config.LoggingConfig{Level: "info", Encoding: "console"}, zapcore.AddSync(&out), zapcore.AddSync(&bytes.Buffer{}))
	require.NoError(t, err)

	logger.Warn("slow client")
	require.NoError(t, logger.Sync())

	line := out.String()
	assert.Contains(t, line, "WARN")
	assert.Contains(t, line, "slow client")
	assert.Contains(t, line, `"service": "chatd"`)
}

func TestDevelopmentAddsWarnStacktrace(t *testing.T) {
	var out bytes.Buffer
	logger, err := build(config.LoggingConfig{Level: "info", Development: true}, zapcore.AddSync(&out), zapcore.AddSync(&bytes.Buffer{}))
	require.NoError(t, err)

	logger.Warn("queue full")
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry))
	assert.Contains(t, entry, "stack")
}
