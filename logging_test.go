package netcore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "logs", "run.log")
	logger, closer, err := NewLogger(LogConfig{File: filename, Prefix: "test"})
	require.NoError(t, err)
	logger.Info("peer link up", "station", "mp1")
	logger.Debug("dropped at info level")
	require.NoError(t, closer.Close())

	contents, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "peer link up")
	assert.Contains(t, string(contents), "station=mp1")
	assert.NotContains(t, string(contents), "dropped")
}

func TestLogLevels(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, DefaultLogConfig().Level())
	assert.Equal(t, slog.LevelDebug, LogConfig{Verbose: true}.Level())

	logger, closer, err := NewLogger(LogConfig{Verbose: true})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))

	assert.NotNil(t, LoggerOrDiscard(nil))
	assert.Same(t, logger, LoggerOrDiscard(logger))
	assert.False(t, DiscardLogger().Enabled(t.Context(), slog.LevelError))
}
