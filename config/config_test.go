package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Bucket.PageSize)
	assert.Equal(t, 128, cfg.Bucket.PoolSize)
	assert.True(t, cfg.Bucket.OneFilePerColumn)
	assert.Equal(t, "snappy", cfg.Bucket.PageCompression)
	assert.Equal(t, "page", cfg.Bucket.Kind)
	assert.Equal(t, "local", cfg.Device.Kind)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kstore.yaml")
	data := `
bucket:
  page_size: 64
  one_file_per_column: false
  page_compression: zstd
device:
  kind: memory
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Bucket.PageSize)
	assert.False(t, cfg.Bucket.OneFilePerColumn)
	assert.Equal(t, "zstd", cfg.Bucket.PageCompression)
	assert.Equal(t, 128, cfg.Bucket.PoolSize)
	assert.Equal(t, "memory", cfg.Device.Kind)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("KSTORE_BUCKET_POOL_SIZE", "0")
	t.Setenv("KSTORE_BUCKET_KIND", "stream")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Bucket.PoolSize)
	assert.Equal(t, "stream", cfg.Bucket.Kind)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"PageSize", func(c *Config) { c.Bucket.PageSize = 0 }},
		{"PoolSize", func(c *Config) { c.Bucket.PoolSize = -1 }},
		{"Kind", func(c *Config) { c.Bucket.Kind = "tree" }},
		{"Device", func(c *Config) { c.Device.Kind = "hdfs" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
