// Package config loads intelliscrape settings from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pevans/intelliscrape/configuration"
	"github.com/pevans/intelliscrape/dataset"
	"github.com/pevans/intelliscrape/fetch"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/queue"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// StorageConfig holds the SQLite databases.
type StorageConfig struct {
	Configurations struct {
		DSN string `yaml:"dsn"`
	} `yaml:"configurations"`
	Examples struct {
		DSN string `yaml:"dsn"`
	} `yaml:"examples"`
}

// RedisConfig locates a shared Redis. An empty address disables it.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig controls reuse of recomputed configurations.
type CacheConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	Redis RedisConfig   `yaml:"redis"`
}

// FetchConfig controls page downloads.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ScraperConfig controls scraping behaviour.
type ScraperConfig struct {
	// HealOnMissingValue recomputes the configuration once when extraction
	// finds none of the required fields, instead of failing the request.
	HealOnMissingValue bool `yaml:"heal_on_missing_value"`
	DatasetLimit       int  `yaml:"dataset_limit"`
}

// TypeConfig declares the options of a type's fields.
type TypeConfig struct {
	Fields map[string]scraper.FieldOptions `yaml:"fields"`
}

// FeedConfig seeds scrape requests from an RSS or Atom feed.
type FeedConfig struct {
	URL      string `yaml:"url"`
	Type     string `yaml:"type"`
	Schedule string `yaml:"schedule"`
}

// FileConfig represents the structure of ~/.intelliscrape/config.yaml.
type FileConfig struct {
	Storage StorageConfig         `yaml:"storage"`
	Cache   CacheConfig           `yaml:"cache"`
	Workers queue.Config          `yaml:"workers"`
	Fetch   FetchConfig           `yaml:"fetch"`
	Log     logger.Config         `yaml:"log"`
	HTTP    HTTPConfig            `yaml:"http"`
	Scraper ScraperConfig         `yaml:"scraper"`
	Types   map[string]TypeConfig `yaml:"types"`
	Feeds   []FeedConfig          `yaml:"feeds"`
}

// Default returns the configuration used when nothing is set.
func Default() *FileConfig {
	cfg := &FileConfig{
		Cache:   CacheConfig{TTL: configuration.DefaultTTL},
		Workers: queue.DefaultConfig(),
		Fetch:   FetchConfig{Timeout: fetch.DefaultTimeout, UserAgent: fetch.DefaultUserAgent},
		Log:     logger.Config{Level: "info"},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Scraper: ScraperConfig{DatasetLimit: dataset.DefaultLimit},
	}
	cfg.Storage.Configurations.DSN = "configurations.db"
	cfg.Storage.Examples.DSN = "examples.db"
	return cfg
}

// DefaultPath returns ~/.intelliscrape/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".intelliscrape", "config.yaml"), nil
}

// LoadConfigFile reads the file at path over the defaults. A missing file is
// not an error; a file that cannot be parsed is.
func LoadConfigFile(path string) (*FileConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from INTELLISCRAPE_* variables read through
// getenv. Unparseable numbers and booleans are reported.
func (c *FileConfig) ApplyEnv(getenv func(string) string) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setString("INTELLISCRAPE_CONFIGURATIONS_DSN", &c.Storage.Configurations.DSN)
	setString("INTELLISCRAPE_EXAMPLES_DSN", &c.Storage.Examples.DSN)
	setString("INTELLISCRAPE_REDIS_ADDR", &c.Cache.Redis.Address)
	setString("INTELLISCRAPE_REDIS_PASSWORD", &c.Cache.Redis.Password)
	setInt("INTELLISCRAPE_REDIS_DB", &c.Cache.Redis.DB)
	setDuration("INTELLISCRAPE_CACHE_TTL", &c.Cache.TTL)
	setInt("INTELLISCRAPE_POOL_SIZE", &c.Workers.PoolSize)
	setInt("INTELLISCRAPE_QUEUE_SIZE", &c.Workers.QueueSize)
	setDuration("INTELLISCRAPE_FETCH_TIMEOUT", &c.Fetch.Timeout)
	setString("INTELLISCRAPE_USER_AGENT", &c.Fetch.UserAgent)
	setString("INTELLISCRAPE_LOG_LEVEL", &c.Log.Level)
	setString("INTELLISCRAPE_HTTP_ADDR", &c.HTTP.Addr)
	setBool("INTELLISCRAPE_HEAL_ON_MISSING_VALUE", &c.Scraper.HealOnMissingValue)
	setInt("INTELLISCRAPE_DATASET_LIMIT", &c.Scraper.DatasetLimit)

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c *FileConfig) Validate() error {
	var errs []error

	if c.Storage.Configurations.DSN == "" {
		errs = append(errs, errors.New("storage.configurations.dsn is required"))
	}
	if c.Storage.Examples.DSN == "" {
		errs = append(errs, errors.New("storage.examples.dsn is required"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if err := c.Workers.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("workers: %w", err))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be positive"))
	}
	if c.Scraper.DatasetLimit < 1 {
		errs = append(errs, errors.New("scraper.dataset_limit must be at least 1"))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for i, feed := range c.Feeds {
		if feed.URL == "" {
			errs = append(errs, fmt.Errorf("feeds[%d].url is required", i))
		}
		if feed.Type == "" {
			errs = append(errs, fmt.Errorf("feeds[%d].type is required", i))
		}
		if feed.Schedule != "" {
			if _, err := parser.Parse(feed.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("feeds[%d].schedule: %w", i, err))
			}
		}
	}

	return errors.Join(errs...)
}

// Declarations returns the declared field options by type.
func (c *FileConfig) Declarations() scraper.Declarations {
	decl := make(scraper.Declarations, len(c.Types))
	for typ, tc := range c.Types {
		fields := make(map[string]scraper.FieldOptions, len(tc.Fields))
		for name, opts := range tc.Fields {
			fields[name] = opts
		}
		decl[typ] = fields
	}
	return decl
}

// SQLiteDSN adds a busy timeout and WAL journaling to a plain database path.
// DSNs that already carry parameters, and in-memory databases, are returned
// unchanged.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") || strings.Contains(path, ":memory:") {
		return path
	}
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
}
