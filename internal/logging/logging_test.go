package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreDefaults(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	writer, flags, prefix := log.Writer(), log.Flags(), log.Prefix()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(writer)
		log.SetFlags(flags)
		log.SetPrefix(prefix)
	})
}

func TestSetup_JSON(t *testing.T) {
	restoreDefaults(t)
	var buf bytes.Buffer

	logger, err := Setup(Options{Service: "ekko-relay", Level: "info", Output: &buf})
	require.NoError(t, err)

	logger.Info("subscribed", "component", "relay")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "subscribed", entry["message"])
	assert.Equal(t, "INFO", entry["severity"])
	assert.Equal(t, "ekko-relay", entry["service"])
	assert.Equal(t, "relay", entry["component"])
	assert.Contains(t, entry, "timestamp")
}

func TestSetup_BridgesStdLog(t *testing.T) {
	restoreDefaults(t)
	var buf bytes.Buffer

	_, err := Setup(Options{Format: "text", Output: &buf})
	require.NoError(t, err)

	log.Printf("legacy line %d", 7)
	assert.Contains(t, buf.String(), "legacy line 7")
}

func TestSetup_Errors(t *testing.T) {
	restoreDefaults(t)

	_, err := Setup(Options{Format: "xml"})
	assert.Error(t, err)
	_, err = Setup(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}
