package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1000, cfg.Pool.TargetCount)
	assert.Equal(t, "daily@03:00", cfg.Pool.Cadence)
	assert.Equal(t, 3*time.Minute, cfg.Serving.LeaseTTL)
	assert.InDelta(t, 0.1, cfg.Replenish.WatermarkRatio, 1e-9)
	assert.False(t, cfg.Serving.SyncFallback)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, filepath.Join("data", "scratcha.db"), cfg.SQLitePath())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "postgres://scratcha@localhost/scratcha?sslmode=disable")
	t.Setenv("TARGET_COUNT", "500")
	t.Setenv("LEASE_TTL", "90s")
	t.Setenv("WATERMARK_RATIO", "0.25")
	t.Setenv("SYNC_FALLBACK", "true")
	t.Setenv("DIFFICULTIES", "easy, hard")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.LiteMode())
	assert.Equal(t, 500, cfg.Pool.TargetCount)
	assert.Equal(t, 90*time.Second, cfg.Serving.LeaseTTL)
	assert.InDelta(t, 0.25, cfg.Replenish.WatermarkRatio, 1e-9)
	assert.True(t, cfg.Serving.SyncFallback)
	assert.Equal(t, []string{"easy", "hard"}, cfg.Pool.Difficulties)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("TARGET_COUNT", "lots")
	t.Setenv("LEASE_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TARGET_COUNT")
	assert.Contains(t, err.Error(), "LEASE_TTL")
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scratcha.yaml")
	doc := `
port: "9090"
pool:
  cadence: "every:6h"
  target_count: 2000
replenish:
  watermark_ratio: 0.2
  cooldown: 10m
serving:
  lease_ttl: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TARGET_COUNT", "3000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "every:6h", cfg.Pool.Cadence)
	assert.Equal(t, 3000, cfg.Pool.TargetCount, "env wins over file")
	assert.Equal(t, 10*time.Minute, cfg.Replenish.Cooldown)
	assert.Equal(t, 2*time.Minute, cfg.Serving.LeaseTTL)
	assert.Equal(t, 16, cfg.Generation.WorkerConcurrency, "untouched keys keep defaults")
}

func TestLoad_RejectsZeroBatchDeadline(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BATCH_DEADLINE", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_deadline")
}

func TestLoad_AbandonAndFallbackTimeout(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ABANDON_AFTER", "6h")
	t.Setenv("SYNC_FALLBACK_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, cfg.Sweep.AbandonAfter)
	assert.Equal(t, 3*time.Second, cfg.Serving.SyncFallbackTimeout)

	assert.Equal(t, 4*time.Hour, Default().Sweep.AbandonAfter)
	assert.Equal(t, 10*time.Second, Default().Serving.SyncFallbackTimeout)
}

func TestLoadFile_Missing(t *testing.T) {
	err := Default().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative target", func(c *Config) { c.Pool.TargetCount = -1 }},
		{"no workers", func(c *Config) { c.Generation.WorkerConcurrency = 0 }},
		{"no attempts", func(c *Config) { c.Generation.RetryMaxAttempts = 0 }},
		{"zero lease", func(c *Config) { c.Serving.LeaseTTL = 0 }},
		{"ratio above one", func(c *Config) { c.Replenish.WatermarkRatio = 1.5 }},
		{"no difficulties", func(c *Config) { c.Pool.Difficulties = nil }},
		{"fallback without bound", func(c *Config) {
			c.Serving.SyncFallback = true
			c.Serving.SyncFallbackMax = 0
		}},
		{"zero batch deadline", func(c *Config) { c.Pool.BatchDeadline = 0 }},
		{"negative batch deadline", func(c *Config) { c.Pool.BatchDeadline = -time.Minute }},
		{"fallback without timeout", func(c *Config) {
			c.Serving.SyncFallback = true
			c.Serving.SyncFallbackTimeout = 0
		}},
		{"abandon before deadline", func(c *Config) { c.Sweep.AbandonAfter = c.Pool.BatchDeadline }},
		{"negative abandon", func(c *Config) { c.Sweep.AbandonAfter = -time.Hour }},
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

func TestLocation(t *testing.T) {
	cfg := Default()
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", loc.String())

	cfg.Timezone = "Not/AZone"
	_, err = cfg.Location()
	assert.Error(t, err)
}
