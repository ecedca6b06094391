package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/postern/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestInitializeFileOutput(t *testing.T) {
	prev := Get()
	t.Cleanup(func() { SetLogger(prev) })

	path := filepath.Join(t.TempDir(), "postern.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()

	Info("SMTP: listening", "addr", "127.0.0.1:25")
	Debugf("session %d opened", 7)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"SMTP: listening"`)
	assert.Contains(t, string(data), `"addr":"127.0.0.1:25"`)
	assert.Contains(t, string(data), "session 7 opened")
}
