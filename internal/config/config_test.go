package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8090", cfg.Server.Addr())
	assert.Equal(t, "portfolio-engine.db", cfg.Database.Path)
	assert.True(t, cfg.Engine.PaperTrading)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9001
database:
  path: /tmp/engine-test.db
engine:
  paper_trading: false
  analysis_workers: 8
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "/tmp/engine-test.db", cfg.Database.Path)
	assert.False(t, cfg.Engine.PaperTrading)
	assert.Equal(t, 8, cfg.Engine.AnalysisWorkers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 256, cfg.Engine.AnalysisQueueSize)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ENGINE_SERVER_PORT", "9100")
	t.Setenv("ENGINE_LOGGING_LEVEL", "warn")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}
