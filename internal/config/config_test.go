package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WritesTemplatesAndReturnsDefaultsOnEmptyDir(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default().Server.ListenAddr, cfg.Server.ListenAddr)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.FileExists(t, filepath.Join(dir, "broker.toml"))
}

func TestLoad_RereadsOnceTemplatesExist(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.NoError(t, err)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.NoError(t, err)

	t.Setenv("BROKER_API_KEY", "from-env")
	t.Setenv("SERVER_LISTEN_ADDR", ":9999")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Broker.APIKey)
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
}

func TestConfig_ValidateRejectsOutOfRangePerTradeCap(t *testing.T) {
	cfg := Default()
	cfg.Trading.PerTradeCap = 1.5
	assert.Error(t, cfg.Validate())

	cfg.Trading.PerTradeCap = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsNonPositiveQueueSizes(t *testing.T) {
	cfg := Default()
	cfg.Session.CommandQueue = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.ChannelSendQueue = -1
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestDefaultConfigDir_UnderUserHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "marketstream"), DefaultConfigDir())
}
