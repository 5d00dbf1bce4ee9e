package intelliscrape

import (
	"context"
	"errors"
	"fmt"

	"github.com/pevans/intelliscrape/extract"
	"github.com/pevans/intelliscrape/fetch"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/metrics"
	"github.com/pevans/intelliscrape/scraper"
)

// ConfigurationRepository reads and replaces stored configurations.
type ConfigurationRepository interface {
	FindByType(ctx context.Context, typ string) (scraper.Configuration, error)
	Replace(ctx context.Context, typ string, cfg scraper.Configuration) error
}

// ConfigurationCalculator recomputes a type's configuration.
type ConfigurationCalculator interface {
	Calculate(ctx context.Context, typ string) (scraper.Configuration, error)
}

// PageFetcher retrieves pages to scrape.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (*fetch.Page, error)
}

// Coordinator serves scrape requests: it extracts with the stored
// configuration and, when that configuration is missing, recomputes it from
// the example dataset and retries.
type Coordinator struct {
	configs    ConfigurationRepository
	calculator ConfigurationCalculator
	fetcher    PageFetcher
	publisher  scraper.Publisher
	extractor  *extract.Extractor
	heal       bool
	log        logger.Logger
	metrics    *metrics.Metrics
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithHealing makes a page that yields none of the required fields request
// one recomputation instead of failing straight away.
func WithHealing(heal bool) CoordinatorOption {
	return func(c *Coordinator) { c.heal = heal }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(log logger.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

// WithCoordinatorMetrics sets the metrics sink.
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithExtractor shares an extractor, and its compiled selectors, with other
// components.
func WithExtractor(e *extract.Extractor) CoordinatorOption {
	return func(c *Coordinator) { c.extractor = e }
}

// NewCoordinator creates a coordinator that publishes its outcomes to
// publisher.
func NewCoordinator(
	configs ConfigurationRepository,
	calculator ConfigurationCalculator,
	fetcher PageFetcher,
	publisher scraper.Publisher,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		configs:    configs,
		calculator: calculator,
		fetcher:    fetcher,
		publisher:  publisher,
		log:        logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.extractor == nil {
		c.extractor = extract.New(c.log)
	}
	return c
}

// HandleScrapeRequest scrapes req with the stored configuration of its type.
// A type without configuration is handed to recomputation through an
// InvalidConfiguration event. Errors are returned only for failures of the
// service itself; problems with the page are published as ScrapeFailed.
func (c *Coordinator) HandleScrapeRequest(ctx context.Context, req scraper.ScrapeRequest) error {
	log := requestLogger(c.log, req)

	cfg, err := c.configs.FindByType(ctx, req.Type)
	if err != nil {
		return fmt.Errorf("failed to load configuration for type %s: %w", req.Type, err)
	}
	if len(cfg) == 0 {
		log.Info("No configuration for type, requesting recalculation")
		return c.publisher.Publish(ctx, scraper.InvalidConfiguration{Request: req})
	}

	page, err := c.fetcher.FetchPage(ctx, req.URL)
	if err != nil {
		return c.fetchFailed(ctx, log, req, err)
	}

	log.Info("Extracting data")
	result, err := c.extractor.Extract(page.Root(), req.Type, cfg)
	if err != nil {
		if c.heal && errors.Is(err, scraper.ErrMissingSelectorValue) {
			log.Info("Configuration no longer matches, requesting recalculation", logger.Error(err))
			return c.publisher.Publish(ctx, scraper.InvalidConfiguration{Request: req})
		}
		return c.fail(ctx, log, req, err)
	}

	c.metrics.Scrape(req.Type, metrics.OutcomeSuccess)
	return c.publisher.Publish(ctx, scraper.Scraped{
		Request: req,
		Result:  result,
		BaseURL: page.BaseURL(),
	})
}

// HandleInvalidConfiguration recomputes the configuration of the request's
// type and retries the request with it. The stored configuration is replaced
// only after the retry extracted the page.
func (c *Coordinator) HandleInvalidConfiguration(ctx context.Context, event scraper.InvalidConfiguration) error {
	req := event.Request
	log := requestLogger(c.log, req)

	cfg, err := c.calculator.Calculate(ctx, req.Type)
	if err != nil {
		if errors.Is(err, scraper.ErrNoExampleData) || errors.Is(err, scraper.ErrConfiguration) {
			return c.fail(ctx, log, req, err)
		}
		return fmt.Errorf("failed to calculate configuration for type %s: %w", req.Type, err)
	}

	page, err := c.fetcher.FetchPage(ctx, req.URL)
	if err != nil {
		return c.fetchFailed(ctx, log, req, err)
	}

	log.Info("Extracting data with recalculated configuration")
	result, err := c.extractor.Extract(page.Root(), req.Type, cfg)
	if err != nil {
		return c.fail(ctx, log, req, err)
	}

	if err := c.configs.Replace(ctx, req.Type, cfg); err != nil {
		return fmt.Errorf("failed to save configuration for type %s: %w", req.Type, err)
	}
	log.Info("Configuration recalculated", logger.Int("fields", len(cfg)))

	c.metrics.Scrape(req.Type, metrics.OutcomeHealed)
	return c.publisher.Publish(ctx, scraper.Scraped{
		Request: req,
		Result:  result,
		BaseURL: page.BaseURL(),
	})
}

func (c *Coordinator) fetchFailed(ctx context.Context, log logger.Logger, req scraper.ScrapeRequest, err error) error {
	if !fetch.IsFetchFailure(err) {
		return err
	}
	return c.fail(ctx, log, req, err)
}

func (c *Coordinator) fail(ctx context.Context, log logger.Logger, req scraper.ScrapeRequest, cause error) error {
	log.Warn("Scrape failed", logger.Error(cause))
	c.metrics.Scrape(req.Type, metrics.OutcomeFailed)
	return c.publisher.Publish(ctx, scraper.ScrapeFailed{Request: req, Reason: cause.Error()})
}

func requestLogger(log logger.Logger, req scraper.ScrapeRequest) logger.Logger {
	return log.With(
		logger.String("request_id", req.ID.String()),
		logger.String("url", req.URL),
		logger.String("type", req.Type),
	)
}
