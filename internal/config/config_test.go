package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/portal-sync/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "bds", cfg.Paths.DataDir)
	assert.Equal(t, "logs", cfg.Paths.LogDir)
	assert.Equal(t, "data", cfg.Paths.CatalogDir)
	assert.Equal(t, 1, cfg.Crawl.Workers)
	assert.Equal(t, 5, cfg.Crawl.PoolSize)
	assert.Equal(t, 1000, cfg.Crawl.DelayMs)
	assert.Equal(t, 4, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 1000, cfg.Fetch.InitialBackoffMs)
	assert.Equal(t, 30000, cfg.Fetch.MaxBackoffMs)
	assert.Zero(t, cfg.Fetch.TimeoutSecs)
	assert.InDelta(t, 2.0, cfg.Fetch.RatePerSec, 0.001)
	assert.Equal(t, 8, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 60, cfg.Circuit.ResetTimeoutSecs)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
paths:
  data_dir: /srv/portal/bds
crawl:
  workers: 4
  delay_ms: 250
fetch:
  timeout_secs: 90
metrics:
  addr: ":9464"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "/srv/portal/bds", cfg.Paths.DataDir)
	assert.Equal(t, "logs", cfg.Paths.LogDir)
	assert.Equal(t, 4, cfg.Crawl.Workers)
	assert.Equal(t, 250, cfg.Crawl.DelayMs)
	assert.Equal(t, 90, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
crawl:
  pool_size: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("PORTALSYNC_LOG_LEVEL", "warn")
	t.Setenv("PORTALSYNC_CRAWL_POOL_SIZE", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Crawl.PoolSize)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [\n"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paths.data_dir is required")
	assert.Contains(t, err.Error(), "crawl.workers must be >= 1")
	assert.Contains(t, err.Error(), "fetch.rate_per_sec must be > 0")
}

func TestVendorPaths(t *testing.T) {
	cfg := &Config{
		Paths:   PathsConfig{DataDir: "bds", LogDir: "logs", CatalogDir: "data"},
		Catalog: CatalogConfig{Municipalities: "municipalities.csv", Subjects: "subjects_{vendor}.csv"},
	}
	assert.Equal(t, filepath.Join("bds", "portaltp.db"), cfg.StorePath(model.VendorPortalTP))
	assert.Equal(t, filepath.Join("logs", "portaltp_errors.log"), cfg.ErrorLogPath(model.VendorPortalTP))
	assert.Equal(t, filepath.Join("logs", "portaltp_last_run.yaml"), cfg.MarkerPath(model.VendorPortalTP))
	assert.Equal(t, filepath.Join("data", "municipalities.csv"), cfg.MunicipalitiesPath())
	assert.Equal(t, filepath.Join("data", "subjects_agape.csv"), cfg.SubjectsPath(model.VendorAgape))
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
