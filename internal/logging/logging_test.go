package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("chatty"))
}

func TestNewWritesToFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Format = "json"
	cfg.File.Path = t.TempDir()

	log, level, err := New(cfg)
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("logs fetched")
	level.SetLevel(zapcore.DebugLevel)
	log.Debug("now visible")
	_ = log.Sync()

	data, err := os.ReadFile(filepath.Join(cfg.File.Path, "leogeo.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"logs fetched"`)
	assert.Contains(t, string(data), "now visible")
	assert.NotContains(t, string(data), "hidden")
}

func TestNewRejectsUnknownOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "syslog"
	_, _, err := New(cfg)
	assert.Error(t, err)
}

func TestNewAcceptsStderr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"
	log, _, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestWithConsoleReplacesStdout(t *testing.T) {
	var buf bytes.Buffer
	for _, output := range []string{"stdout", "stderr"} {
		buf.Reset()
		cfg := DefaultConfig()
		cfg.Output = output
		cfg.Format = "json"

		log, _, err := New(cfg, WithConsole(zapcore.AddSync(&buf)))
		require.NoError(t, err)
		log.Info("port opened")
		_ = log.Sync()

		assert.Contains(t, buf.String(), `"msg":"port opened"`, output)
	}
}
