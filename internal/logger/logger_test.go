package logger

import (
	"bytes"
	"encoding/json"
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
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"Error", LevelError, true},
		{"crit", LevelCrit, true},
		{"verbose", LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("WARN")
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel("INFO")
	})

	Info("hidden %d", 1)
	Warn("shown %d", 2)
	Named("pva.remote").Crit("chan : boom")

	out := buf.String()
	assert.NotContains(t, out, "hidden 1")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "chan : boom")
	assert.Contains(t, out, "component=pva.remote")
	assert.False(t, Enabled(LevelDebug))
	assert.True(t, Enabled(LevelError))
}

func TestConfigureJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	require.NoError(t, Configure(Config{Level: "DEBUG", Format: "json", Output: path}))
	t.Cleanup(func() {
		require.NoError(t, Configure(Config{Level: "INFO", Format: "text", Output: "stdout"}))
	})

	Named("pva.tcp").Debug("accepted %s", "127.0.0.1:5075")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "pva.tcp", entry["component"])
	assert.Equal(t, "accepted 127.0.0.1:5075", entry["message"])
}

func TestConfigureRejectsUnknownFormat(t *testing.T) {
	err := Configure(Config{Format: "xml"})
	require.Error(t, err)
}
