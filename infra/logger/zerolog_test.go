package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReadsLevelAndFormatFromEnv(t *testing.T) {
	t.Setenv("SB_LOG_LEVEL", "debug")
	t.Setenv("SB_LOG_FORMAT", "console")

	l := New("relay-test")
	zl, ok := l.(*zerologLogger)
	require.True(t, ok)
	assert.Equal(t, zerolog.DebugLevel, zl.z.GetLevel())

	l.Debugf("debug %d", 1)
	l.Debugw("structured", map[string]any{"channel": "dash/telemetry"})
	l.Infof("info %s", "test")
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	t.Setenv("SB_LOG_LEVEL", "shouting")

	zl, ok := New("agent").(*zerologLogger)
	require.True(t, ok)
	assert.Equal(t, zerolog.InfoLevel, zl.z.GetLevel())
}
