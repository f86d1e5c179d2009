package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_PassValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RequiresListenAddress(t *testing.T) {
	cfg := Defaults()
	cfg.Listen = ListenConfig{}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RequiresStoreHostAndDatabase(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Host = ""
	assert.Error(t, cfg.Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "listen:\n  tfms90: \":7000\"\nstore:\n  host: db.internal\n  database: telemetry\ncoalesce_seconds: 30\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen.TFMS90)
	assert.Equal(t, "db.internal", cfg.Store.Host)
	assert.Equal(t, 30, cfg.CoalesceSeconds)
	// Unset fields keep their defaulted values.
	assert.Equal(t, 180, cfg.Timeouts.IdleTFMS90Seconds)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 180e9, float64(cfg.IdleTFMS90()))
	assert.Equal(t, 10e9, float64(cfg.CoalesceInterval()))
}
