package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-bot/config"
)

func TestNewStdoutCloserIsSafe(t *testing.T) {
	t.Parallel()

	for _, output := range []string{"", "stdout", "stderr"} {
		_, closer, err := New(config.LoggingConfig{Level: "info", Output: output})
		require.NoError(t, err, "output %q", output)
		require.NotNil(t, closer, "output %q", output)
		// Callers defer Close unconditionally; it must never panic.
		assert.NoError(t, closer.Close(), "output %q", output)
	}
}

func TestNewFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engine.log")
	log, closer, err := New(config.LoggingConfig{Level: "debug", Output: path})
	require.NoError(t, err)

	log.Info().Str("symbol", "BTCUSDT").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "BTCUSDT")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, _, err := New(config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
}
