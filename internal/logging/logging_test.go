package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}
	_, ok := ParseLevel("loud")
	require.False(t, ok)
	lvl, ok := ParseLevel("")
	require.False(t, ok)
	require.Equal(t, zerolog.InfoLevel, lvl)
}

func TestNewWritesJSONToConsoleAndFile(t *testing.T) {
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvLogLevel, "")
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "guijs.log")

	logger, closer, err := New(Options{App: "guijs", Level: "info", FilePath: path, Console: &console})
	require.NoError(t, err)
	logger.Debug().Msg("hidden")
	logger.Info().Str("state", "reconciling").Msg("visible")
	require.NoError(t, closer.Close())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(console.Bytes()), &entry))
	require.Equal(t, "visible", entry["message"])
	require.Equal(t, "guijs", entry["app"])
	require.Equal(t, "reconciling", entry["state"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "visible")
	require.NotContains(t, string(data), "hidden")
}

func TestNewEnvLevelOverridesOption(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogJSON, "1")
	var console bytes.Buffer
	logger, _, err := New(Options{Level: "error", Console: &console})
	require.NoError(t, err)
	logger.Debug().Msg("now visible")
	require.True(t, strings.Contains(console.String(), "now visible"))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	_, _, err := New(Options{Level: "chatty", Console: &bytes.Buffer{}})
	require.Error(t, err)
}

func TestNewWithoutSinksIsNop(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	logger, closer, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	require.Equal(t, zerolog.Disabled, logger.GetLevel())
}
