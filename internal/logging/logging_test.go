package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"WARN", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.ok {
			require.NoError(t, err, "level %q", tt.in)
			assert.Equal(t, tt.want, got, "level %q", tt.in)
		} else {
			assert.Error(t, err, "level %q", tt.in)
		}
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a b c", Sanitize("a\nb\rc"))
	assert.Equal(t, "tab\tkept", Sanitize("tab\tkept"))
	assert.Equal(t, "clean", Sanitize("cle\x00an\x1b"))
	assert.Equal(t, "plain", Sanitize("plain"))
}

func TestSetupFileLogging(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "zapcast.log")
	closer, err := Setup(Config{Type: "file", Level: "info", Format: "json", File: path})
	require.NoError(t, err)

	slog.Info("pipeline started", "component", "test")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "pipeline started"))
	assert.True(t, strings.Contains(string(data), `"component":"test"`))
}

func TestSetupRejectsBadConfig(t *testing.T) {
	_, err := Setup(Config{Type: "file"})
	assert.Error(t, err, "file logging needs a path")

	_, err = Setup(Config{Type: "syslog"})
	assert.Error(t, err)

	_, err = Setup(Config{Level: "verbose"})
	assert.Error(t, err)
}
