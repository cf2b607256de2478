package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
gateway:
  default_deadline: 90s
  max_running_per_project: 2
pipeline:
  feasibility_workers: 3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Gateway.DefaultDeadline)
	assert.Equal(t, 2, cfg.Gateway.MaxRunningPerProject)
	assert.Equal(t, 3, cfg.Pipeline.FeasibilityWorkers)
	// Untouched sections keep defaults.
	assert.Equal(t, 30, cfg.Gateway.DefaultRatePerMinute)
	assert.Equal(t, "redcortex.db", cfg.Pipeline.StorePath)
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("REDCORTEX_ORACLE_API_KEY", "env-key")
	t.Setenv("REDCORTEX_FRAMEWORK_TOKEN", "env-token")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Oracle.APIKey)
	assert.Equal(t, "env-token", cfg.Framework.Token)
}

func TestValidateRejectsUnboundedGateway(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.DefaultDeadline = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Gateway.MaxRunningPerProject = 0
	assert.Error(t, cfg.Validate())
}
