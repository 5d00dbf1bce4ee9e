package scraper

import "context"

// Event names used on the bus.
const (
	EventScrapeRequest        = "scrape_request"
	EventScraped              = "scraped"
	EventScrapeFailed         = "scrape_failed"
	EventInvalidConfiguration = "invalid_configuration"
	EventConfigurationScraped = "configuration_scraped"
)

// Event is anything that can be published on the bus.
type Event interface {
	EventName() string
}

// Publisher sends events to whoever subscribed to them.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventName implements Event.
func (r ScrapeRequest) EventName() string { return EventScrapeRequest }

// Scraped is published after a page was extracted successfully. BaseURL is
// what relative chain values on the page resolve against.
type Scraped struct {
	Request ScrapeRequest     `json:"request"`
	Result  *ExtractionResult `json:"result"`
	BaseURL string            `json:"base_url,omitempty"`
}

// EventName implements Event.
func (Scraped) EventName() string { return EventScraped }

// ScrapeFailed is published when a request cannot be served with the
// current configuration.
type ScrapeFailed struct {
	Request ScrapeRequest `json:"request"`
	Reason  string        `json:"reason"`
}

// EventName implements Event.
func (ScrapeFailed) EventName() string { return EventScrapeFailed }

// InvalidConfiguration asks for the type's configuration to be recomputed
// before the request is retried.
type InvalidConfiguration struct {
	Request ScrapeRequest `json:"request"`
}

// EventName implements Event.
func (InvalidConfiguration) EventName() string { return EventInvalidConfiguration }

// ConfigurationScraped is telemetry emitted for every example re-fetched
// during recomputation, including the fields that could not be relocated.
type ConfigurationScraped struct {
	Request ScrapeRequest `json:"request"`
	Fields  []Field       `json:"fields"`
	Variant string        `json:"variant"`
}

// EventName implements Event.
func (ConfigurationScraped) EventName() string { return EventConfigurationScraped }
