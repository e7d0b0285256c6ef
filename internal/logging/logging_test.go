package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New("", "")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	logger, err = New("WARN", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_Errors(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestRateLimited(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rl := NewRateLimited(zap.New(core), time.Hour)

	assert.True(t, rl.Warn("store write failed", zap.String("key", "a")))
	assert.False(t, rl.Warn("store write failed", zap.String("key", "b")))
	assert.False(t, rl.Warn("store write failed", zap.String("key", "c")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ContextMap()["key"])
}

func TestRateLimited_ReportsSuppressed(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rl := NewRateLimited(zap.New(core), 0)
	rl.lastAt = time.Now().Add(time.Hour) // pretend the window is still open
	rl.interval = 2 * time.Hour

	assert.False(t, rl.Warn("x"))
	rl.mu.Lock()
	rl.lastAt = time.Now().Add(-3 * time.Hour)
	rl.mu.Unlock()
	assert.True(t, rl.Warn("x"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["suppressed"])
}
