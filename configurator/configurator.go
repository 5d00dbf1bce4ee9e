// Package configurator rebuilds a type's configuration from its example
// dataset: every example page is fetched again and each recorded value is
// located on the live page.
package configurator

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/pevans/intelliscrape/dataset"
	"github.com/pevans/intelliscrape/extract"
	"github.com/pevans/intelliscrape/fetch"
	"github.com/pevans/intelliscrape/locator"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/metrics"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/pevans/intelliscrape/variant"
	"golang.org/x/net/html"
)

// PageFetcher retrieves example pages.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (*fetch.Page, error)
}

// ConfigurationFinder returns the live configuration of a type.
type ConfigurationFinder interface {
	FindByType(ctx context.Context, typ string) (scraper.Configuration, error)
}

// ExampleDeleter removes examples whose page is gone.
type ExampleDeleter interface {
	Delete(ctx context.Context, url string) error
}

// SelectorLocator derives a selector for known values.
type SelectorLocator interface {
	FindAll(root *html.Node, values []string) (string, error)
}

// SelectorMatcher reports whether a selector still matches a page.
type SelectorMatcher interface {
	Matches(root *html.Node, sel string) bool
}

// Configurator derives configurations from examples.
type Configurator struct {
	fetcher      PageFetcher
	configs      ConfigurationFinder
	examples     ExampleDeleter
	locator      SelectorLocator
	matcher      SelectorMatcher
	publisher    scraper.Publisher
	declarations scraper.Declarations
	log          logger.Logger
	metrics      *metrics.Metrics
}

// Option configures a Configurator.
type Option func(*Configurator)

// WithLocator replaces the selector locator.
func WithLocator(l SelectorLocator) Option {
	return func(c *Configurator) { c.locator = l }
}

// WithMatcher replaces the selector matcher used to reuse live selectors.
func WithMatcher(m SelectorMatcher) Option {
	return func(c *Configurator) { c.matcher = m }
}

// WithPublisher sets where ConfigurationScraped telemetry goes.
func WithPublisher(p scraper.Publisher) Option {
	return func(c *Configurator) { c.publisher = p }
}

// WithDeclarations sets the client-declared field options.
func WithDeclarations(d scraper.Declarations) Option {
	return func(c *Configurator) { c.declarations = d }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Configurator) { c.log = log }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Configurator) { c.metrics = m }
}

// New creates a configurator.
func New(fetcher PageFetcher, configs ConfigurationFinder, examples ExampleDeleter, opts ...Option) *Configurator {
	c := &Configurator{
		fetcher:  fetcher,
		configs:  configs,
		examples: examples,
		locator:  locator.New(),
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.matcher == nil {
		c.matcher = extract.New(c.log)
	}
	return c
}

// ConfigureFromDataset derives a configuration for typ from examples. The
// first example is the seed: every field it recorded must be located on at
// least one live page or the result is a *scraper.ConfigurationError.
// Examples whose page cannot be fetched are deleted from the dataset.
func (c *Configurator) ConfigureFromDataset(ctx context.Context, typ string, examples []dataset.Record) (scraper.Configuration, error) {
	if len(examples) == 0 {
		return nil, scraper.NoExampleData(typ)
	}

	current, err := c.configs.FindByType(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to load current configuration: %w", err)
	}

	m := newMerge()
	survivors := 0

	for i, example := range examples {
		log := c.log.With(
			logger.String("type", typ),
			logger.String("url", example.URL),
			logger.Int("example", i+1),
			logger.Int("examples", len(examples)),
		)

		page, err := c.fetcher.FetchPage(ctx, example.URL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("configuration of %s interrupted: %w", typ, ctxErr)
			}
			c.discard(ctx, log, typ, example, err)
			continue
		}
		survivors++

		fields, variantID := c.locateFields(log, typ, page.Root(), example, current, m)

		c.publish(ctx, log, scraper.ConfigurationScraped{
			Request: scraper.NewScrapeRequest(example.URL, typ, nil),
			Fields:  fields,
			Variant: variantID,
		})
	}

	if survivors == 0 {
		return nil, scraper.NoExampleData(typ)
	}

	cfg := c.build(typ, current, m)

	var missing []string
	for _, name := range sortedNames(examples[0].Fields) {
		if _, ok := cfg.Find(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &scraper.ConfigurationError{Type: typ, Fields: missing}
	}

	return cfg, nil
}

// locateFields finds a selector for every recorded field of one example and
// adds them to the merge. The returned variant covers the recorded fields
// plus every field of the current configuration.
func (c *Configurator) locateFields(
	log logger.Logger,
	typ string,
	root *html.Node,
	example dataset.Record,
	current scraper.Configuration,
	m *merge,
) ([]scraper.Field, string) {
	gen := variant.NewGenerator()
	fields := make([]scraper.Field, 0, len(example.Fields))

	for _, name := range sortedNames(example.Fields) {
		values := example.Fields[name]
		m.observe(name)

		sel, ok := c.reuse(root, current, name)
		if !ok {
			var err error
			sel, err = c.locator.FindAll(root, values)
			if err != nil {
				log.Info("Field not found on example page",
					logger.String("field", name),
					logger.Strings("values", values),
					logger.Error(err),
				)
				gen.Add(name, false)
				fields = append(fields, scraper.Field{Name: name, Values: values})
				continue
			}
		}

		gen.Add(name, true)
		m.add(name, sel)
		fields = append(fields, scraper.Field{Name: name, Values: values, Found: true, Selector: sel})
	}

	// Examples only record found fields. Live fields the page lacked still
	// belong to the vector so the variant matches what extraction produces.
	for _, def := range current {
		if _, ok := example.Fields[def.Name]; ok {
			continue
		}
		gen.Add(def.Name, false)
		fields = append(fields, scraper.Field{Name: def.Name, ChainType: def.ChainType})
	}

	return fields, gen.ID(typ)
}

// reuse returns the first live selector of a field that still matches.
func (c *Configurator) reuse(root *html.Node, current scraper.Configuration, name string) (string, bool) {
	def, ok := current.Find(name)
	if !ok {
		return "", false
	}
	for _, sel := range def.Selectors {
		if c.matcher.Matches(root, sel) {
			return sel, true
		}
	}
	return "", false
}

// build turns the merged selectors into definitions ordered by name.
func (c *Configurator) build(typ string, current scraper.Configuration, m *merge) scraper.Configuration {
	cfg := make(scraper.Configuration, 0, len(m.selectors))
	for _, name := range sortedNames(m.selectors) {
		def := scraper.FieldDefinition{
			Name:      name,
			Type:      typ,
			Selectors: slices.Clone(m.selectors[name]),
		}
		if opts, ok := c.declarations.Lookup(typ, name); ok {
			opts.Apply(&def)
		} else if cur, ok := current.Find(name); ok {
			scraper.FieldOptions{
				Optional:  cur.Optional,
				Default:   cur.Default,
				ChainType: cur.ChainType,
			}.Apply(&def)
		}
		cfg = append(cfg, def)
	}

	for _, def := range current.Clone() {
		if def.Optional && !m.observed[def.Name] {
			def.Type = typ
			cfg = append(cfg, def)
		}
	}

	slices.SortFunc(cfg, func(a, b scraper.FieldDefinition) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return cfg
}

func (c *Configurator) discard(ctx context.Context, log logger.Logger, typ string, example dataset.Record, cause error) {
	log.Warn("Example page unavailable, discarding example", logger.Error(cause))
	c.metrics.ExampleDiscarded(typ)

	if err := c.examples.Delete(ctx, example.URL); err != nil {
		log.Error("Failed to delete discarded example", logger.Error(err))
	}
}

func (c *Configurator) publish(ctx context.Context, log logger.Logger, event scraper.ConfigurationScraped) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		log.Warn("Failed to publish configuration telemetry", logger.Error(err))
	}
}

// merge is the per-field union of selectors across examples, in first-seen
// order without duplicates.
type merge struct {
	selectors map[string][]string
	observed  map[string]bool
}

func newMerge() *merge {
	return &merge{
		selectors: make(map[string][]string),
		observed:  make(map[string]bool),
	}
}

func (m *merge) observe(name string) {
	m.observed[name] = true
}

func (m *merge) add(name, sel string) {
	if slices.Contains(m.selectors[name], sel) {
		return
	}
	m.selectors[name] = append(m.selectors[name], sel)
}

func sortedNames[V any](fields map[string]V) []string {
	return slices.Sorted(maps.Keys(fields))
}
