package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func restoreGlobals(t *testing.T) {
	logger, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = logger
		zerolog.SetGlobalLevel(level)
	})
}

func TestInitWriterJSON(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	require.NoError(t, InitWriter(&buf, "warn", FormatAuto))
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	log.Info().Msg("hidden")
	log.Warn().Str("component", "chat").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "shown", entry["message"])
	require.Equal(t, "chat", entry["component"])
}

func TestInitWriterConsoleWithoutTerminal(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	require.NoError(t, InitWriter(&buf, "", FormatConsole))
	log.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.NotContains(t, buf.String(), "{")
}

func TestInitWriterRejectsUnknownValues(t *testing.T) {
	restoreGlobals(t)
	require.Error(t, InitWriter(&bytes.Buffer{}, "loud", FormatJSON))
	require.Error(t, InitWriter(&bytes.Buffer{}, "info", "xml"))
}

func TestOpenFile(t *testing.T) {
	restoreGlobals(t)
	c, err := OpenFile(filepath.Join(t.TempDir(), "marketchat.log"), "debug")
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
