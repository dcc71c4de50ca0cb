package logger

import (
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
		{"Warn", LevelWarn, true},
		{"error", LevelError, true},
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

func TestInitFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parfs.log")

	require.NoError(t, Init(Config{Level: "INFO", Format: "json", Output: path}))
	t.Cleanup(func() {
		_ = Init(Config{Level: "INFO", Format: "text", Output: "stdout"})
	})

	Debug("hidden %d", 1)
	Info("visible %d", 2)
	With("session", "abc").Warn("scoped %s", "entry")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "visible 2", first["msg"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "scoped entry", second["msg"])
	assert.Equal(t, "abc", second["session"])
}

func TestInitRejectsUnknownFormat(t *testing.T) {
	err := Init(Config{Format: "xml"})
	assert.Error(t, err)
}
