package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadBadPathReturnsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default_max_concurrent": 8, "log_level": "debug"}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.DefaultMaxConcurrent)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestEnvOverlayWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default_max_concurrent": 8}`), 0o644))

	t.Setenv("TASKCORE_DEFAULT_MAX_CONCURRENT", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.DefaultMaxConcurrent)
}
