package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pevans/intelliscrape"
	"github.com/pevans/intelliscrape/config"
	"github.com/pevans/intelliscrape/configuration"
	"github.com/pevans/intelliscrape/dataset"
	"github.com/pevans/intelliscrape/fetch"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// A missing .env is fine; the environment may be set another way
	_ = godotenv.Load()

	subcommand := os.Args[1]
	args := os.Args[2:]

	switch subcommand {
	case "serve":
		handleServe(args)
	case "scrape":
		handleScrape(args)
	case "dataset":
		if len(args) < 1 {
			printDatasetUsage()
			os.Exit(1)
		}
		handleDatasetCommand(args[0], args[1:])
	case "config":
		if len(args) < 1 {
			printConfigUsage()
			os.Exit(1)
		}
		handleConfigCommand(args[0], args[1:])
	case "feed":
		if len(args) < 1 || args[0] != "seed" {
			printFeedUsage()
			os.Exit(1)
		}
		handleFeedSeed(args[1:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("intelliscrape - Self-healing HTML scraper")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  intelliscrape <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Run the workers, feed schedule and HTTP API")
	fmt.Println("  scrape     Scrape URLs and print the results")
	fmt.Println("  dataset    Manage example pages")
	fmt.Println("  config     Show or recalculate type configurations")
	fmt.Println("  feed       Seed scrape requests from an RSS or Atom feed")
	fmt.Println("  help       Show this help message")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  INTELLISCRAPE_CONFIG              Path to config file (default: ~/.intelliscrape/config.yaml)")
	fmt.Println("  INTELLISCRAPE_CONFIGURATIONS_DSN  Path to configuration database")
	fmt.Println("  INTELLISCRAPE_EXAMPLES_DSN        Path to example database")
	fmt.Println("  INTELLISCRAPE_REDIS_ADDR          Redis address for the configuration cache")
	fmt.Println("  INTELLISCRAPE_LOG_LEVEL           debug, info, warn or error")
	fmt.Println("  INTELLISCRAPE_HTTP_ADDR           API listen address (default: :8080)")
}

// app holds everything opened from the configuration.
type app struct {
	cfg      *config.FileConfig
	log      logger.Logger
	configs  *configuration.Store
	examples *dataset.Store
	redis    *redis.Client
	registry *prometheus.Registry
	service  *intelliscrape.Service
}

// openApp loads the configuration and opens the stores and service. It
// exits the process on failure.
func openApp() *app {
	path := getEnv("INTELLISCRAPE_CONFIG", "")
	if path == "" {
		defaultPath, err := config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path = defaultPath
	}

	cfg, err := config.LoadConfigFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid environment: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		os.Exit(1)
	}

	a := &app{cfg: cfg, log: log}

	a.configs, err = configuration.NewStore(config.SQLiteDSN(cfg.Storage.Configurations.DSN))
	if err != nil {
		a.fatal("failed to open configuration store: %v", err)
	}
	a.examples, err = dataset.NewStore(config.SQLiteDSN(cfg.Storage.Examples.DSN),
		dataset.WithLimit(cfg.Scraper.DatasetLimit))
	if err != nil {
		a.fatal("failed to open example store: %v", err)
	}

	var cache configuration.Cache
	if cfg.Cache.Redis.Address != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.fatal("failed to connect to redis at %s: %v", cfg.Cache.Redis.Address, err)
		}
		cache = configuration.NewRedisCache(a.redis)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.service, err = intelliscrape.NewService(cfg, intelliscrape.Components{
		Configs:  a.configs,
		Examples: a.examples,
		Fetcher:  fetch.New(fetch.Options{Timeout: cfg.Fetch.Timeout, UserAgent: cfg.Fetch.UserAgent}),
		Cache:    cache,
		Logger:   log,
		Metrics:  metrics.New(a.registry),
	})
	if err != nil {
		a.fatal("failed to create service: %v", err)
	}
	return a
}

// Close releases the stores.
func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.examples != nil {
		a.examples.Close()
	}
	if a.configs != nil {
		a.configs.Close()
	}
	a.log.Sync()
}

func (a *app) fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	a.Close()
	os.Exit(1)
}
