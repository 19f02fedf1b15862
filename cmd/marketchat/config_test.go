package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/marketchat/pkg/config"
)

func TestInitValuesApply(t *testing.T) {
	cfg, err := initValues{
		SignalingURL: " wss://market.example/ws ",
		APIBaseURL:   "https://market.example",
		UserID:       "buyer-1",
		EventBus:     true,
	}.apply(config.Default())
	require.NoError(t, err)
	require.Equal(t, "wss://market.example/ws", cfg.Server.SignalingURL)
	require.True(t, cfg.EventBus.Enabled)
	require.Equal(t, "localhost:6379", cfg.EventBus.Addr)

	_, err = initValues{}.apply(config.Default())
	require.Error(t, err)
}

func TestWriteConfigFileRoundTrips(t *testing.T) {
	cfg, err := initValues{SignalingURL: "wss://market.example/ws", Token: "secret"}.apply(config.Default())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, writeConfigFile(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "secret", loaded.Server.Token)
	require.Equal(t, cfg.Signaling, loaded.Signaling)
}

func TestConfirmOverwrite(t *testing.T) {
	ask := func(answers string) bool {
		ok, err := confirmOverwrite(&input.UI{Reader: strings.NewReader(answers), Writer: io.Discard}, "config.yaml")
		require.NoError(t, err)
		return ok
	}
	require.True(t, ask("y\n"))
	require.False(t, ask("N\n"))
}

func TestConfigPrintMasksToken(t *testing.T) {
	cfg, err := initValues{SignalingURL: "wss://market.example/ws", Token: "secret"}.apply(config.Default())
	require.NoError(t, err)

	cmd := newConfigCommand(func() *config.Config { return &cfg }, &rootFlags{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"print"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "***")
	require.NotContains(t, out.String(), "secret")
}
