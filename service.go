// Package intelliscrape scrapes structured fields from HTML pages and keeps
// each type's selectors working as the markup of its pages drifts. Pages
// that scrape successfully are kept as examples; when a type's selectors
// stop matching, they are rebuilt by locating the recorded values on the
// live example pages.
package intelliscrape

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pevans/intelliscrape/config"
	"github.com/pevans/intelliscrape/configuration"
	"github.com/pevans/intelliscrape/configurator"
	"github.com/pevans/intelliscrape/dataset"
	"github.com/pevans/intelliscrape/extract"
	"github.com/pevans/intelliscrape/fetch"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/metrics"
	"github.com/pevans/intelliscrape/scraper"
)

// Components are the stores and clients a Service runs on. Only Configs,
// Examples and Fetcher are required.
type Components struct {
	Configs  *configuration.Store
	Examples *dataset.Store
	Fetcher  *fetch.Fetcher
	// Cache holds recomputed configurations; nil means in memory.
	Cache    configuration.Cache
	Registry *Registry
	Logger   logger.Logger
	Metrics  *metrics.Metrics
}

// Service wires the coordinator, listeners and feed schedule onto one
// event bus.
type Service struct {
	bus         *Bus
	configs     *configuration.Store
	examples    *dataset.Store
	calculator  *configuration.Calculator
	coordinator *Coordinator
	registry    *Registry
	scheduler   *FeedScheduler
	log         logger.Logger

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewService builds a service from the settings in cfg.
func NewService(cfg *config.FileConfig, c Components) (*Service, error) {
	if c.Configs == nil || c.Examples == nil || c.Fetcher == nil {
		return nil, errors.New("configuration store, example store and fetcher are required")
	}
	log := c.Logger
	if log == nil {
		log = logger.NewNop()
	}
	registry := c.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	bus, err := NewBus(cfg.Workers, log.With(logger.String("component", "bus")), c.Metrics)
	if err != nil {
		return nil, err
	}

	extractor := extract.New(log.With(logger.String("component", "extractor")))
	conf := configurator.New(c.Fetcher, c.Configs, c.Examples,
		configurator.WithMatcher(extractor),
		configurator.WithPublisher(bus),
		configurator.WithDeclarations(cfg.Declarations()),
		configurator.WithLogger(log.With(logger.String("component", "configurator"))),
		configurator.WithMetrics(c.Metrics),
	)
	calculator := configuration.NewCalculator(c.Examples, conf, c.Cache,
		configuration.WithTTL(cfg.Cache.TTL),
		configuration.WithLogger(log.With(logger.String("component", "calculator"))),
		configuration.WithMetrics(c.Metrics),
	)
	coordinator := NewCoordinator(c.Configs, calculator, c.Fetcher, bus,
		WithHealing(cfg.Scraper.HealOnMissingValue),
		WithExtractor(extractor),
		WithCoordinatorLogger(log.With(logger.String("component", "coordinator"))),
		WithCoordinatorMetrics(c.Metrics),
	)

	scheduler, err := NewFeedScheduler(
		NewFeedSeeder(bus, nil, cfg.Fetch.UserAgent, log.With(logger.String("component", "feeds"))),
		cfg.Feeds,
		log,
	)
	if err != nil {
		return nil, err
	}

	s := &Service{
		bus:         bus,
		configs:     c.Configs,
		examples:    c.Examples,
		calculator:  calculator,
		coordinator: coordinator,
		registry:    registry,
		scheduler:   scheduler,
		log:         log,
		stopChan:    make(chan struct{}),
	}
	s.subscribe(c.Metrics)
	return s, nil
}

func (s *Service) subscribe(m *metrics.Metrics) {
	scraped := NewScrapedListener(s.bus, s.registry, s.log)
	examples := NewDatasetListener(s.examples, s.log, m)

	s.bus.Subscribe(scraper.EventScrapeRequest, on(s.coordinator.HandleScrapeRequest))
	s.bus.Subscribe(scraper.EventInvalidConfiguration, on(s.coordinator.HandleInvalidConfiguration))
	s.bus.Subscribe(scraper.EventScraped, on(examples.HandleScraped))
	s.bus.Subscribe(scraper.EventScraped, on(scraped.HandleScraped))
	s.bus.Subscribe(scraper.EventConfigurationScraped, on(examples.HandleConfigurationScraped))
	s.bus.Subscribe(scraper.EventScrapeFailed, on(func(_ context.Context, e scraper.ScrapeFailed) error {
		s.log.Warn("Scrape request failed",
			logger.String("url", e.Request.URL),
			logger.String("type", e.Request.Type),
			logger.String("reason", e.Reason),
		)
		return nil
	}))
}

// on adapts a handler of one event type to the bus.
func on[E scraper.Event](h func(context.Context, E) error) EventHandler {
	return func(ctx context.Context, event scraper.Event) error {
		e, ok := event.(E)
		if !ok {
			return fmt.Errorf("unexpected event %T for %s", event, event.EventName())
		}
		return h(ctx, e)
	}
}

// Start launches the workers and the feed schedule without blocking.
func (s *Service) Start(ctx context.Context) error {
	if err := s.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}
	s.scheduler.Start(ctx)
	return nil
}

// Run starts the service, seeds every feed once, and blocks until ctx is
// cancelled or Stop is called. Queued work is drained before it returns.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("Scrape service starting",
		logger.Int("feeds", len(s.scheduler.feeds)),
		logger.Int("scheduled_feeds", s.scheduler.Entries()),
	)
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.scheduler.SeedAll(ctx)

	select {
	case <-ctx.Done():
		s.log.Info("Scrape service stopping: context cancelled")
	case <-s.stopChan:
		s.log.Info("Scrape service stopping: stop requested")
	}

	return s.Shutdown(context.WithoutCancel(ctx))
}

// Stop asks Run to return.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Shutdown stops the feed schedule and drains the bus.
func (s *Service) Shutdown(ctx context.Context) error {
	s.scheduler.Stop(ctx)
	if err := s.bus.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop bus: %w", err)
	}
	return nil
}

// Submit queues a scrape request.
func (s *Service) Submit(ctx context.Context, req scraper.ScrapeRequest) error {
	return s.bus.Publish(ctx, req)
}

// Wait blocks until all queued work, including chained requests, is done.
func (s *Service) Wait(ctx context.Context) error {
	return s.bus.Wait(ctx)
}

// Subscribe adds a handler for an event name alongside the built-in ones.
func (s *Service) Subscribe(name string, h EventHandler) {
	s.bus.Subscribe(name, h)
}

// SeedFeed publishes one request per item of the feed at url.
func (s *Service) SeedFeed(ctx context.Context, url, typ string) (int, error) {
	return s.scheduler.seeder.Seed(ctx, url, typ)
}

// Registry returns the per-type result listeners.
func (s *Service) Registry() *Registry { return s.registry }

// Calculator returns the configuration calculator.
func (s *Service) Calculator() *configuration.Calculator { return s.calculator }

// Configurations returns the configuration store.
func (s *Service) Configurations() *configuration.Store { return s.configs }

// Examples returns the example dataset store.
func (s *Service) Examples() *dataset.Store { return s.examples }

// Stats returns the bus counters.
func (s *Service) Stats() ServiceStats {
	stats := s.bus.Stats()
	return ServiceStats{
		State:     stats.State.String(),
		Workers:   stats.PoolSize,
		Queued:    stats.Queued,
		Pending:   stats.Pending,
		Processed: stats.Processed,
		Failed:    stats.Failed,
	}
}

// ServiceStats is a snapshot of the work queue.
type ServiceStats struct {
	State     string `json:"state"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Pending   int64  `json:"pending"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}
