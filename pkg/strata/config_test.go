package strata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":2020", cfg.Listen)
	assert.Equal(t, "memory", cfg.ObjectCache.Type)
	assert.False(t, cfg.Reindex.Enabled)
	assert.Contains(t, cfg.Database.Topology, "primary")
}

func TestLoadConfigYAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
listen: ":3030"
database:
  topology:
    primary: "postgres://db0:5432/strata"
    sync: "postgres://db1:5432/strata"
object_cache:
  type: none
reindex:
  enabled: true
  batch_size: 250
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":3030", cfg.Listen)
	assert.Equal(t, "postgres://db1:5432/strata", cfg.Database.Topology["sync"])
	assert.Equal(t, "none", cfg.ObjectCache.Type)
	assert.True(t, cfg.Reindex.Enabled)
	assert.Equal(t, 250, cfg.Reindex.BatchSize)

	// Untouched keys keep their defaults.
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 300*time.Second, cfg.BucketCache.TTL)
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, "config.json",
		`{"listen": ":4040", "database": {"topology": {"primary": "postgres://db0/strata"}}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":4040", cfg.Listen)
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "config.toml", `listen = ":5050"`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Database.Topology = nil
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Database.Topology = nil
	cfg.Database.TopologyFile = "/etc/strata/topology.json"
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Notify.Enabled = true
	assert.Error(t, cfg.Validate())
}
