package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	require.Equal(t, 15*time.Minute, cfg.Cleanup.Interval)
	require.Equal(t, 24*time.Hour, cfg.Jobs.Retention)
	require.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 5, cfg.RateLimit.HourlyCap)
	require.Equal(t, 20, cfg.RateLimit.DailyCap)
	require.Equal(t, int64(10<<20), cfg.RateLimit.MaxUploadBytes)
	require.Equal(t, "memory", cfg.Store.Provider)
	require.Equal(t, "noop", cfg.Archive.Provider)
	require.Equal(t, "noop", cfg.Notify.Provider)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  port: 9090
scheduler:
  interval: 10s
cache:
  capacity_bytes: 1024
ratelimit:
  hourly_cap: 3
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 10*time.Second, cfg.Scheduler.Interval)
	require.Equal(t, int64(1024), cfg.Cache.CapacityBytes)
	require.Equal(t, 3, cfg.RateLimit.HourlyCap)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Server.Port = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Store.Provider = "postgres"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Archive.Provider = "gcs"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Auth.Enabled = true
	require.Error(t, bad.Validate())
}
