package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("WORKERS", "")
	t.Setenv("KVCACHE_PORT", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Source)
	assert.Equal(t, 7171, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:7171", cfg.Server.Addr())
	assert.Equal(t, 0.70, cfg.Eviction.PressureThreshold)
	assert.Equal(t, 0.95, cfg.Eviction.EmergencyThreshold)
	assert.Equal(t, time.Second, cfg.Eviction.Interval)
	assert.Equal(t, "prometheus", cfg.Metrics.Backend)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("WORKERS", "")
	t.Setenv("KVCACHE_PORT", "")

	path := filepath.Join(t.TempDir(), "kvcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  workers: 4
cache:
  shards: 16
memory:
  source: estimate
  ceiling: 512MB
eviction:
  interval: 250ms
  min_capacity_fraction: 0.3
  free_os_memory: false
metrics:
  backend: noop
logging:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, 16, cfg.Cache.Shards)
	assert.Equal(t, "default", cfg.Cache.Name, "unset fields keep defaults")
	assert.Equal(t, "estimate", cfg.Memory.Source)
	assert.Equal(t, 250*time.Millisecond, cfg.Eviction.Interval)
	assert.Equal(t, 0.3, cfg.Eviction.MinCapacityFraction)
	assert.False(t, cfg.Eviction.FreeOSMemory)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WORKERS", "3")
	t.Setenv("KVCACHE_PORT", "8088")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Server.Workers)
	assert.Equal(t, 8088, cfg.Server.Port)

	t.Setenv("WORKERS", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"negative workers", func(c *Config) { c.Server.Workers = -1 }},
		{"empty cache name", func(c *Config) { c.Cache.Name = "" }},
		{"shards not power of two", func(c *Config) { c.Cache.Shards = 10 }},
		{"bad ceiling", func(c *Config) { c.Memory.Ceiling = "-1GB" }},
		{"unknown source", func(c *Config) { c.Memory.Source = "cgroup" }},
		{"smoothing above one", func(c *Config) { c.Memory.Smoothing = 2 }},
		{"zero interval", func(c *Config) { c.Eviction.Interval = 0 }},
		{"unknown backend", func(c *Config) { c.Metrics.Backend = "statsd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"1024", 1024, false},
		{"512B", 512, false},
		{"64KB", 64 << 10, false},
		{"256MB", 256 << 20, false},
		{"2GB", 2 << 30, false},
		{"1.5gb", 3 << 29, false},
		{"1TB", 1 << 40, false},
		{" 8 MB ", 8 << 20, false},
		{"GB", 0, true},
		{"-1GB", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}
