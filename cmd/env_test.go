//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/portal-sync/internal/config"
	"github.com/sells-group/portal-sync/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Log: config.LogConfig{Level: "info", Format: "json"},
		Paths: config.PathsConfig{
			DataDir:    filepath.Join(dir, "bds"),
			LogDir:     filepath.Join(dir, "logs"),
			CatalogDir: filepath.Join(dir, "data"),
		},
		Catalog: config.CatalogConfig{Municipalities: "municipalities.csv", Subjects: "subjects_{vendor}.csv"},
		Crawl:   config.CrawlConfig{Workers: 1, PoolSize: 5},
		Fetch:   config.FetchConfig{MaxAttempts: 1, RatePerSec: 10},
		Circuit: config.CircuitConfig{FailureThreshold: 5, ResetTimeoutSecs: 1},
	}
}

func withConfig(t *testing.T, c *config.Config, vendor string) {
	t.Helper()
	prevCfg, prevVendor := cfg, vendorName
	t.Cleanup(func() { cfg, vendorName = prevCfg, prevVendor })
	cfg, vendorName = c, vendor
}

func TestInitCrawl(t *testing.T) {
	c := testConfig(t)
	withConfig(t, c, "Tectrilha")
	require.NoError(t, os.MkdirAll(c.Paths.CatalogDir, 0o755))
	require.NoError(t, os.WriteFile(c.MunicipalitiesPath(),
		[]byte("id,name,city,url,vendor\nvix,Prefeitura de Vitória,Vitória,vix.example,tectrilha\ncca,Prefeitura de Cariacica,Cariacica,cca.example,tectrilha\n"), 0o644))
	require.NoError(t, os.WriteFile(c.SubjectsPath(model.VendorTectrilha),
		[]byte("subject,template\ncontratos,?ano={year}\norgaos,\n"), 0o644))

	env, err := initCrawl(context.Background(), envOpts{Subjects: []string{"contratos"}, Municipalities: []string{"cca"}})
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, model.VendorTectrilha, env.Vendor)
	require.Len(t, env.Catalog.Municipalities, 1)
	assert.Equal(t, "cca", env.Catalog.Municipalities[0].ID)
	require.Len(t, env.Catalog.Subjects, 1)
	assert.Equal(t, filepath.Join(c.Paths.DataDir, "tectrilha.db"), env.Store.Path())
	assert.Equal(t, filepath.Join(c.Paths.LogDir, "tectrilha_errors.log"), env.ErrLog.Path())
	assert.FileExists(t, env.Store.Path())
}

func TestInitCrawl_MissingCatalog(t *testing.T) {
	withConfig(t, testConfig(t), "agape")
	_, err := initCrawl(context.Background(), envOpts{})
	assert.Error(t, err)
}

func TestInitCrawl_VendorRequired(t *testing.T) {
	withConfig(t, testConfig(t), "")
	_, err := initCrawl(context.Background(), envOpts{})
	assert.ErrorContains(t, err, "--vendor")

	withConfig(t, testConfig(t), "nope")
	_, err = initCrawl(context.Background(), envOpts{})
	assert.Error(t, err)
}

func TestInitCrawl_InvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Fetch.RatePerSec = 0
	withConfig(t, c, "tectrilha")
	_, err := initCrawl(context.Background(), envOpts{})
	assert.ErrorContains(t, err, "rate_per_sec")
}
