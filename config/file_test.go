package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pevans/intelliscrape/configuration"
	"github.com/pevans/intelliscrape/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper: write a config file in a temp directory
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// Test helper: getenv backed by a map
func envMap(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestLoadConfigFile_NoFile(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, Default(), cfg, "missing file should yield defaults")
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFile_ValidConfig(t *testing.T) {
	path := writeConfig(t, `storage:
  configurations:
    dsn: "/data/configurations.db"
  examples:
    dsn: "/data/examples.db"
cache:
  ttl: 10m
  redis:
    address: "localhost:6379"
    db: 2
workers:
  pool_size: 8
  job_timeout: 1m
log:
  level: debug
scraper:
  heal_on_missing_value: true
types:
  post:
    fields:
      next:
        chain_type: post
        optional: true
      subtitle:
        optional: true
        default: "none"
feeds:
  - url: "https://example.com/feed.xml"
    type: post
    schedule: "@every 15m"
`)

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/configurations.db", cfg.Storage.Configurations.DSN)
	assert.Equal(t, "/data/examples.db", cfg.Storage.Examples.DSN)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Address)
	assert.Equal(t, 2, cfg.Cache.Redis.DB)
	assert.Equal(t, 8, cfg.Workers.PoolSize)
	assert.Equal(t, time.Minute, cfg.Workers.JobTimeout)
	assert.Equal(t, Default().Workers.QueueSize, cfg.Workers.QueueSize, "unset values keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Scraper.HealOnMissingValue)
	assert.Equal(t, dataset.DefaultLimit, cfg.Scraper.DatasetLimit)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "post", cfg.Feeds[0].Type)
	assert.NoError(t, cfg.Validate())

	decl := cfg.Declarations()
	next, ok := decl.Lookup("post", "next")
	require.True(t, ok)
	assert.Equal(t, "post", next.ChainType)
	assert.True(t, next.Optional)

	subtitle, ok := decl.Lookup("post", "subtitle")
	require.True(t, ok)
	require.NotNil(t, subtitle.Default)
	assert.Equal(t, "none", *subtitle.Default)
}

func TestLoadConfigFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "storage: [unclosed")

	_, err := LoadConfigFile(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()

	err := cfg.ApplyEnv(envMap(map[string]string{
		"INTELLISCRAPE_EXAMPLES_DSN":          "/tmp/examples.db",
		"INTELLISCRAPE_REDIS_ADDR":            "redis:6379",
		"INTELLISCRAPE_POOL_SIZE":             "12",
		"INTELLISCRAPE_CACHE_TTL":             "45m",
		"INTELLISCRAPE_HEAL_ON_MISSING_VALUE": "true",
		"INTELLISCRAPE_HTTP_ADDR":             ":9090",
	}))

	require.NoError(t, err)
	assert.Equal(t, "/tmp/examples.db", cfg.Storage.Examples.DSN)
	assert.Equal(t, "configurations.db", cfg.Storage.Configurations.DSN)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Address)
	assert.Equal(t, 12, cfg.Workers.PoolSize)
	assert.Equal(t, 45*time.Minute, cfg.Cache.TTL)
	assert.True(t, cfg.Scraper.HealOnMissingValue)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := Default()

	err := cfg.ApplyEnv(envMap(map[string]string{
		"INTELLISCRAPE_POOL_SIZE":             "many",
		"INTELLISCRAPE_HEAL_ON_MISSING_VALUE": "perhaps",
	}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "INTELLISCRAPE_POOL_SIZE")
	assert.Contains(t, err.Error(), "INTELLISCRAPE_HEAL_ON_MISSING_VALUE")
	assert.Equal(t, Default().Workers.PoolSize, cfg.Workers.PoolSize)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Storage.Examples.DSN = ""
	cfg.Cache.TTL = 0
	cfg.Workers.PoolSize = 0
	cfg.Scraper.DatasetLimit = 0
	cfg.Feeds = []FeedConfig{{URL: "", Type: "post", Schedule: "not a schedule"}}

	err := cfg.Validate()

	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"storage.examples.dsn",
		"cache.ttl",
		"workers: pool size",
		"scraper.dataset_limit",
		"feeds[0].url",
		"feeds[0].schedule",
	} {
		assert.True(t, strings.Contains(msg, want), "error should mention %q: %s", want, msg)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, configuration.DefaultTTL, cfg.Cache.TTL)
	assert.Empty(t, cfg.Cache.Redis.Address, "redis is off by default")
	assert.False(t, cfg.Scraper.HealOnMissingValue)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:data.db?_busy_timeout=5000&_journal_mode=WAL", SQLiteDSN("data.db"))
	assert.Equal(t, "file:x.db?mode=ro", SQLiteDSN("file:x.db?mode=ro"))
	assert.Equal(t, ":memory:", SQLiteDSN(":memory:"))
}
