package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4420", cfg.Backend.ListenAddr)
	assert.Equal(t, 32, cfg.Backend.MaxClients)
	assert.Equal(t, 16, cfg.Backend.DataPlaneWeight)
	assert.True(t, cfg.Backend.ResponseBatching)
	assert.Equal(t, uint32(1<<16), cfg.Cache.BucketCount)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOptionsOverride(t *testing.T) {
	cfg, err := Load("", Options{
		ListenAddr: "10.1.2.3:4999",
		MaxClients: 4,
		MaxBuffs:   8,
	})
	require.NoError(t, err)

	assert.Equal(t, "10.1.2.3:4999", cfg.Backend.ListenAddr)
	assert.Equal(t, 4, cfg.Backend.MaxClients)
	assert.Equal(t, 8, cfg.Backend.MaxBuffs)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
backend:
  listen_addr: "192.168.7.7:4420"
  max_clients: 2
  response_batching: false
cache:
  bucket_count: 4096
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "192.168.7.7:4420", cfg.Backend.ListenAddr)
	assert.Equal(t, 2, cfg.Backend.MaxClients)
	assert.False(t, cfg.Backend.ResponseBatching)
	assert.Equal(t, uint32(4096), cfg.Cache.BucketCount)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsBadBucketCount(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	cfg.Cache.BucketCount = 1000
	assert.Error(t, cfg.Validate())
}

func TestValidateBootstrapName(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	cfg.Bootstrap.Enabled = true
	cfg.Bootstrap.Name = ""
	assert.Error(t, cfg.Validate())
}
