// Package fetch downloads and parses HTML pages.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	// DefaultTimeout bounds a single page fetch.
	DefaultTimeout = 10 * time.Second
	// DefaultUserAgent identifies the scraper to site owners.
	DefaultUserAgent = "intelliscrape/1.0 (self-healing HTML scraper)"
	// maxBodyBytes caps how much of a response is parsed.
	maxBodyBytes = 10 << 20
)

// ConnectError means the page could not be retrieved at all.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StatusError means the server answered with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error fetching %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// ParseError means the body could not be parsed as HTML.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse HTML from %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsFetchFailure reports whether err means the page itself is unavailable,
// as opposed to the caller giving up.
func IsFetchFailure(err error) bool {
	var (
		connErr   *ConnectError
		statusErr *StatusError
		parseErr  *ParseError
	)
	return errors.As(err, &connErr) || errors.As(err, &statusErr) || errors.As(err, &parseErr)
}

// Page is a fetched and parsed document.
type Page struct {
	URL      string
	Document *goquery.Document
}

// Root returns the document node for XPath evaluation.
func (p *Page) Root() *html.Node {
	if p == nil || p.Document == nil || len(p.Document.Nodes) == 0 {
		return nil
	}
	return p.Document.Nodes[0]
}

// BaseURL returns the URL relative references on the page resolve against:
// the <base href> when present, otherwise the page URL.
func (p *Page) BaseURL() string {
	base, err := url.Parse(p.URL)
	if err != nil {
		return p.URL
	}
	if href, ok := p.Document.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			return b.String()
		}
	}
	return base.String()
}

// Resolve makes ref absolute against the page's base URL.
func (p *Page) Resolve(ref string) string {
	return ResolveReference(p.BaseURL(), ref)
}

// ResolveReference makes ref absolute against base. Unparseable input is
// returned unchanged.
func ResolveReference(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	u, err := b.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return u.String()
}

// Options configures a Fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Client replaces the default HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// Fetcher retrieves pages over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// New creates a fetcher, filling unset options with defaults.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{client: client, userAgent: opts.UserAgent}
}

// FetchPage downloads and parses the page at pageURL. Failures of the page
// are reported as *ConnectError, *StatusError or *ParseError; a cancelled
// context is returned as the context's error.
func (f *Fetcher) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &ConnectError{URL: pageURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, ctxErr)
		}
		return nil, &ConnectError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("failed to read %s: %w", pageURL, ctxErr)
		}
		return nil, &ParseError{URL: pageURL, Err: err}
	}

	return &Page{URL: pageURL, Document: doc}, nil
}

// ParsePage builds a page from an HTML string.
func ParsePage(pageURL, body string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, &ParseError{URL: pageURL, Err: err}
	}
	return &Page{URL: pageURL, Document: doc}, nil
}
