package scraper

import (
	"maps"

	"github.com/google/uuid"
)

// ScrapeRequest is one unit of work: scrape URL as Type. Context is carried
// unchanged through chained requests.
type ScrapeRequest struct {
	ID      uuid.UUID      `json:"id"`
	URL     string         `json:"url"`
	Type    string         `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// NewScrapeRequest creates a request with a fresh ID.
func NewScrapeRequest(url, typ string, context map[string]any) ScrapeRequest {
	return ScrapeRequest{
		ID:      uuid.New(),
		URL:     url,
		Type:    typ,
		Context: maps.Clone(context),
	}
}

// Field is the outcome of extracting or relocating one field on one page.
type Field struct {
	Name      string   `json:"name"`
	Values    []string `json:"values"`
	Found     bool     `json:"found"`
	ChainType string   `json:"chain_type,omitempty"`
	Selector  string   `json:"selector,omitempty"`
}

// ExtractionResult is what one page yielded for a type's configuration.
type ExtractionResult struct {
	Fields  []Field `json:"fields"`
	Variant string  `json:"variant"`
	// Misses counts fields that were not found on the page.
	Misses int `json:"misses"`
}

// Field returns the extracted field with the given name.
func (r *ExtractionResult) Field(name string) (Field, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Values maps every field name to its values, with nil for fields that were
// not found and have no default.
func (r *ExtractionResult) Values() map[string][]string {
	out := make(map[string][]string, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Name] = f.Values
	}
	return out
}

// FoundValues maps found field names to their values. This is the shape
// stored as training data.
func (r *ExtractionResult) FoundValues() map[string][]string {
	out := make(map[string][]string, len(r.Fields))
	for _, f := range r.Fields {
		if f.Found {
			out[f.Name] = f.Values
		}
	}
	return out
}
