package intelliscrape

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/pevans/intelliscrape/dataset"
	"github.com/pevans/intelliscrape/fetch"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/metrics"
	"github.com/pevans/intelliscrape/scraper"
)

// ParentURLKey is the context key a chained request stores the URL of the
// page it was found on under.
const ParentURLKey = "parent_url"

// Listener receives the results of one type.
type Listener interface {
	HandleScraped(ctx context.Context, event scraper.Scraped) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event scraper.Scraped) error

// HandleScraped calls f.
func (f ListenerFunc) HandleScraped(ctx context.Context, event scraper.Scraped) error {
	return f(ctx, event)
}

// Registry maps type names to the listener that consumes their results.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string]Listener)}
}

// Register sets the listener for a type, replacing any previous one.
func (r *Registry) Register(typ string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[typ] = l
}

// Lookup returns the listener for a type.
func (r *Registry) Lookup(typ string) (Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[typ]
	return l, ok
}

// ScrapedListener fans a result out: every found value of a chain field
// becomes a new request, then the type's registered listener runs.
type ScrapedListener struct {
	publisher scraper.Publisher
	registry  *Registry
	log       logger.Logger
}

// NewScrapedListener creates the fan-out listener. registry may be nil.
func NewScrapedListener(publisher scraper.Publisher, registry *Registry, log logger.Logger) *ScrapedListener {
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ScrapedListener{publisher: publisher, registry: registry, log: log}
}

// HandleScraped publishes the chained requests and calls the user listener.
func (l *ScrapedListener) HandleScraped(ctx context.Context, event scraper.Scraped) error {
	if err := l.requestChained(ctx, event); err != nil {
		return err
	}

	listener, ok := l.registry.Lookup(event.Request.Type)
	if !ok {
		return nil
	}
	if err := listener.HandleScraped(ctx, event); err != nil {
		return fmt.Errorf("listener for type %s failed: %w", event.Request.Type, err)
	}
	return nil
}

func (l *ScrapedListener) requestChained(ctx context.Context, event scraper.Scraped) error {
	if event.Result == nil {
		return nil
	}
	base := event.BaseURL
	if base == "" {
		base = event.Request.URL
	}

	for _, field := range event.Result.Fields {
		if !field.Found || field.ChainType == "" {
			continue
		}
		for _, value := range field.Values {
			reqCtx := maps.Clone(event.Request.Context)
			if reqCtx == nil {
				reqCtx = make(map[string]any, 1)
			}
			reqCtx[ParentURLKey] = event.Request.URL

			req := scraper.NewScrapeRequest(fetch.ResolveReference(base, value), field.ChainType, reqCtx)
			l.log.Debug("Requesting chained scrape",
				logger.String("field", field.Name),
				logger.String("url", req.URL),
				logger.String("type", req.Type),
			)
			if err := l.publisher.Publish(ctx, req); err != nil {
				return fmt.Errorf("failed to request chained scrape of %s: %w", req.URL, err)
			}
		}
	}
	return nil
}

// ExampleRecorder is the part of the dataset store the listener writes to.
type ExampleRecorder interface {
	RecordOrUpdate(ctx context.Context, url, typ, variant string, fields map[string][]string) (bool, error)
	UpdateVariant(ctx context.Context, url, variant string) error
}

// DatasetListener keeps the example dataset current with scraped pages.
type DatasetListener struct {
	examples ExampleRecorder
	log      logger.Logger
	metrics  *metrics.Metrics
}

// NewDatasetListener creates the dataset writer.
func NewDatasetListener(examples ExampleRecorder, log logger.Logger, m *metrics.Metrics) *DatasetListener {
	if log == nil {
		log = logger.NewNop()
	}
	return &DatasetListener{examples: examples, log: log, metrics: m}
}

// HandleScraped records the found values of a page as an example.
func (l *DatasetListener) HandleScraped(ctx context.Context, event scraper.Scraped) error {
	if event.Result == nil {
		return nil
	}
	req := event.Request

	created, err := l.examples.RecordOrUpdate(ctx, req.URL, req.Type, event.Result.Variant, event.Result.FoundValues())
	if err != nil {
		return fmt.Errorf("failed to record example %s: %w", req.URL, err)
	}
	l.metrics.DatasetWrite(req.Type, created)

	msg := "Updated example in dataset"
	if created {
		msg = "Added example to dataset"
	}
	l.log.Info(msg,
		logger.String("url", req.URL),
		logger.String("type", req.Type),
		logger.String("variant", event.Result.Variant),
	)
	return nil
}

// HandleConfigurationScraped moves a re-fetched example to the variant its
// page has now.
func (l *DatasetListener) HandleConfigurationScraped(ctx context.Context, event scraper.ConfigurationScraped) error {
	err := l.examples.UpdateVariant(ctx, event.Request.URL, event.Variant)
	if errors.Is(err, dataset.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update variant of %s: %w", event.Request.URL, err)
	}
	return nil
}
