// Package extract applies a type's configuration to a parsed page.
package extract

import (
	"sync"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/pevans/intelliscrape/logger"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/pevans/intelliscrape/variant"
	"golang.org/x/net/html"
)

// Extractor evaluates field selectors. Compiled expressions are cached, so a
// single Extractor should be shared by all workers.
type Extractor struct {
	log      logger.Logger
	mu       sync.RWMutex
	compiled map[string]*xpath.Expr
}

// New creates an extractor.
func New(log logger.Logger) *Extractor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Extractor{
		log:      log,
		compiled: make(map[string]*xpath.Expr),
	}
}

// Extract resolves every field of cfg against root. The first selector of a
// field that matches at least one node supplies its values. Optional fields
// that do not resolve fall back to their default.
//
// It fails with *scraper.MissingSelectorValueError when none of the required
// fields resolved, or when nothing resolved at all.
func (e *Extractor) Extract(root *html.Node, typ string, cfg scraper.Configuration) (*scraper.ExtractionResult, error) {
	gen := variant.NewGenerator()
	result := &scraper.ExtractionResult{Fields: make([]scraper.Field, 0, len(cfg))}

	var (
		required, requiredFound, found int
		missing                        []string
	)

	for _, def := range cfg {
		field := scraper.Field{Name: def.Name, ChainType: def.ChainType}

		for _, sel := range def.Selectors {
			vals := e.evaluate(root, sel)
			if len(vals) == 0 {
				continue
			}
			field.Values = vals
			field.Found = true
			field.Selector = sel
			break
		}

		if !def.Optional {
			required++
		}
		if field.Found {
			found++
			if !def.Optional {
				requiredFound++
			}
		} else {
			if !def.Optional {
				missing = append(missing, def.Name)
			}
			if def.Default != nil {
				field.Values = []string{*def.Default}
			}
		}

		gen.Add(def.Name, field.Found)
		result.Fields = append(result.Fields, field)
	}

	if (required > 0 && requiredFound == 0) || found == 0 {
		if len(missing) == 0 {
			missing = cfg.Names()
		}
		return nil, &scraper.MissingSelectorValueError{Type: typ, Fields: missing}
	}

	result.Variant = gen.ID(typ)
	result.Misses = gen.Misses()

	if len(missing) > 0 {
		e.log.Debug("Required fields missing from page",
			logger.String("type", typ),
			logger.Strings("fields", missing),
		)
	}

	return result, nil
}

// Matches reports whether sel yields at least one non-empty value on root,
// the same test Extract applies. Invalid selectors never match.
func (e *Extractor) Matches(root *html.Node, sel string) bool {
	return len(e.evaluate(root, sel)) > 0
}

// evaluate returns the normalized, non-empty values selected by sel.
func (e *Extractor) evaluate(root *html.Node, sel string) []string {
	expr := e.compile(sel)
	if expr == nil {
		return nil
	}

	var vals []string
	for _, n := range htmlquery.QuerySelectorAll(root, expr) {
		if v := scraper.NodeText(n); v != "" {
			vals = append(vals, v)
		}
	}
	return vals
}

func (e *Extractor) compile(sel string) *xpath.Expr {
	e.mu.RLock()
	expr, ok := e.compiled[sel]
	e.mu.RUnlock()
	if ok {
		return expr
	}

	expr, err := xpath.Compile(sel)
	if err != nil {
		e.log.Warn("Skipping invalid selector",
			logger.String("selector", sel),
			logger.Error(err),
		)
		expr = nil
	}

	e.mu.Lock()
	e.compiled[sel] = expr
	e.mu.Unlock()
	return expr
}
