package configuration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pevans/intelliscrape/dataset"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/metrics"
	"github.com/pevans/intelliscrape/scraper"
)

// ExampleLister supplies the examples of a type, most recent first.
type ExampleLister interface {
	ListByType(ctx context.Context, typ string) ([]dataset.Record, error)
}

// Configurator derives a configuration from examples.
type Configurator interface {
	ConfigureFromDataset(ctx context.Context, typ string, examples []dataset.Record) (scraper.Configuration, error)
}

// Calculator recomputes configurations, reusing recent results from a
// cache so a burst of failures on one type triggers one recomputation.
type Calculator struct {
	examples     ExampleLister
	configurator Configurator
	cache        Cache
	ttl          time.Duration
	log          logger.Logger
	metrics      *metrics.Metrics
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithTTL sets how long a recomputed configuration is reused.
func WithTTL(ttl time.Duration) CalculatorOption {
	return func(c *Calculator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) CalculatorOption {
	return func(c *Calculator) { c.log = log }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) CalculatorOption {
	return func(c *Calculator) { c.metrics = m }
}

// NewCalculator creates a calculator. A nil cache means an in-memory one.
func NewCalculator(examples ExampleLister, configurator Configurator, cache Cache, opts ...CalculatorOption) *Calculator {
	if cache == nil {
		cache = NewMemoryCache()
	}
	c := &Calculator{
		examples:     examples,
		configurator: configurator,
		cache:        cache,
		ttl:          DefaultTTL,
		log:          logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate returns a freshly derived configuration for typ. It does not
// persist it; callers store it once it has proven to work.
func (c *Calculator) Calculate(ctx context.Context, typ string) (scraper.Configuration, error) {
	cfg, ok, err := c.cache.Get(ctx, typ)
	if err != nil {
		c.log.Warn("Configuration cache unavailable",
			logger.String("type", typ),
			logger.Error(err),
		)
	}
	c.metrics.CacheLookup(ok)
	if ok {
		c.log.Debug("Using cached configuration", logger.String("type", typ))
		return cfg, nil
	}

	examples, err := c.examples.ListByType(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
	}
	if len(examples) == 0 {
		return nil, scraper.NoExampleData(typ)
	}

	start := time.Now()
	cfg, err = c.configurator.ConfigureFromDataset(ctx, typ, examples)
	if err != nil {
		c.metrics.Recomputation(typ, metrics.OutcomeFailed, time.Since(start))
		if errors.Is(err, scraper.ErrNoExampleData) || errors.Is(err, scraper.ErrConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to calculate configuration for %s: %w", typ, err)
	}
	c.metrics.Recomputation(typ, metrics.OutcomeSuccess, time.Since(start))

	if err := c.cache.Set(ctx, typ, cfg, c.ttl); err != nil {
		c.log.Warn("Failed to cache configuration",
			logger.String("type", typ),
			logger.Error(err),
		)
	}

	c.log.Info("Configuration recalculated",
		logger.String("type", typ),
		logger.Int("examples", len(examples)),
		logger.Int("fields", len(cfg)),
	)
	return cfg, nil
}

// Invalidate drops the cached configuration of a type.
func (c *Calculator) Invalidate(ctx context.Context, typ string) error {
	return c.cache.Delete(ctx, typ)
}
